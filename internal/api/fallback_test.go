package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/storage"
)

func TestCacheMalformedBlobReadsEmpty(t *testing.T) {
	ctx := context.Background()
	for _, blob := range []string{"", "not json", "null", `{"a":1}`} {
		st := storage.NewMemoryStore()
		_ = st.Set(ctx, storage.KeyTransactions, blob)
		list, err := NewCache(st).All(ctx)
		if err != nil {
			t.Fatalf("%q: %v", blob, err)
		}
		if list == nil || len(list) != 0 {
			t.Fatalf("%q: got %v, want empty list", blob, list)
		}
	}
}

func TestCacheCreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	c := NewCache(storage.NewMemoryStore())

	a, err := c.Create(ctx, core.Transaction{Type: core.Expense, Category: "Food", Amount: 10, Date: "2024-05-01", Note: "lunch"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := c.Create(ctx, core.Transaction{Type: core.Income, Category: "Salary", Amount: 100, Date: "2024-05-02", Note: "pay"})
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids must be unique and non-empty: %q %q", a.ID, b.ID)
	}

	amt := 12.5
	got, found, err := c.Update(ctx, a.ID, core.TransactionPatch{Amount: &amt})
	if err != nil || !found {
		t.Fatalf("Update: found=%v err=%v", found, err)
	}
	if got.Amount != 12.5 || got.Category != "Food" || got.ID != a.ID {
		t.Fatalf("Update result = %+v", got)
	}

	removed, err := c.Delete(ctx, a.ID)
	if err != nil || !removed {
		t.Fatalf("Delete: removed=%v err=%v", removed, err)
	}
	list, _ := c.All(ctx)
	if len(list) != 1 || list[0].ID != b.ID {
		t.Fatalf("list after delete = %+v", list)
	}
	if removed, _ := c.Delete(ctx, "missing"); removed {
		t.Fatal("deleting a missing id must report false")
	}
}

func TestCacheTimestampIDFallback(t *testing.T) {
	ctx := context.Background()
	c := NewCache(storage.NewMemoryStore())
	c.newID = func() (string, error) { return "", errors.New("no entropy") }
	fixed := time.UnixMilli(1700000000000)
	c.now = func() time.Time { return fixed }

	first, _ := c.Create(ctx, core.Transaction{Type: core.Expense, Category: "x", Amount: 1, Date: "2024-01-01", Note: "n"})
	second, _ := c.Create(ctx, core.Transaction{Type: core.Expense, Category: "y", Amount: 2, Date: "2024-01-01", Note: "n"})

	if first.ID != "1700000000000" {
		t.Fatalf("first id = %q", first.ID)
	}
	if second.ID != "1700000000001" {
		t.Fatalf("second id = %q, want bumped timestamp", second.ID)
	}
}
