package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, KeyToken); err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, KeyToken, "T1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, KeyToken, "T2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := s.Set(ctx, KeyEmail, "a@x.com"); err != nil {
		t.Fatalf("set email: %v", err)
	}
	if v, ok, err := s.Get(ctx, KeyToken); err != nil || !ok || v != "T2" {
		t.Fatalf("get token: v=%q ok=%v err=%v", v, ok, err)
	}
	if err := s.Delete(ctx, KeyToken, KeyEmail, KeyLoggedIn); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, k := range []string{KeyToken, KeyEmail} {
		if _, ok, _ := s.Get(ctx, k); ok {
			t.Fatalf("%s still present after delete", k)
		}
	}
	if err := s.Delete(ctx); err != nil {
		t.Fatalf("empty delete: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)

	_ = s.Close()
	if err := s.Set(context.Background(), KeyToken, "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fintrack.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseStore(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fintrack.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set(ctx, KeyTransactions, `[{"id":"1"}]`); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.Close()

	// Migrations must be idempotent on reopen.
	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	v, ok, err := s.Get(ctx, KeyTransactions)
	if err != nil || !ok || v != `[{"id":"1"}]` {
		t.Fatalf("value lost across reopen: v=%q ok=%v err=%v", v, ok, err)
	}
}
