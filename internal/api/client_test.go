package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"fintrack/internal/core"
	"fintrack/internal/session"
	"fintrack/internal/storage"
)

type fallbackRecorder struct {
	mu  sync.Mutex
	got []Fallback
}

func (r *fallbackRecorder) NotifyFallback(_ context.Context, f Fallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, f)
}

// newOfflineClient points at a server that fails every request.
func newOfflineClient(t *testing.T, status int) (*Client, storage.Store, *fallbackRecorder) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"down"}`, status)
	}))
	t.Cleanup(srv.Close)

	st := storage.NewMemoryStore()
	rec := &fallbackRecorder{}
	c := New(Config{BaseURL: srv.URL, Tokens: &staticTokens{}, Storage: st, Notifier: rec})
	return c, st, rec
}

// newUnreachableClient points at a closed server so every call is a
// transport error.
func newUnreachableClient(t *testing.T) (*Client, storage.Store) {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	st := storage.NewMemoryStore()
	return New(Config{BaseURL: url, Tokens: &staticTokens{}, Storage: st}), st
}

func seed(t *testing.T, st storage.Store, list []core.Transaction) {
	t.Helper()
	blob, _ := json.Marshal(list)
	if err := st.Set(context.Background(), storage.KeyTransactions, string(blob)); err != nil {
		t.Fatal(err)
	}
}

func cached(t *testing.T, st storage.Store) []core.Transaction {
	t.Helper()
	list, err := NewCache(st).All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return list
}

var seeded = []core.Transaction{
	{ID: "a", Type: core.Expense, Category: "Food", Amount: 12.5, Date: "2024-05-01", Note: "lunch"},
	{ID: "b", Type: core.Income, Category: "Salary", Amount: 1000, Date: "2024-05-02", Note: "May"},
}

func TestTransactionsFallsBackToCacheUnmodified(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusUnauthorized, http.StatusServiceUnavailable} {
		c, st, rec := newOfflineClient(t, status)
		seed(t, st, seeded)

		got, err := c.Transactions(context.Background())
		if err != nil {
			t.Fatalf("status %d: %v", status, err)
		}
		if !got.Cached {
			t.Errorf("status %d: expected Cached", status)
		}
		if !reflect.DeepEqual(got.Transactions, seeded) {
			t.Errorf("status %d: got %+v, want %+v", status, got.Transactions, seeded)
		}
		if !reflect.DeepEqual(cached(t, st), seeded) {
			t.Errorf("status %d: cache modified", status)
		}
		if len(rec.got) != 1 || rec.got[0].Operation != "list" {
			t.Errorf("status %d: notifier got %+v", status, rec.got)
		}
	}
}

func TestTransactionsUnreachableServer(t *testing.T) {
	c, st := newUnreachableClient(t)
	seed(t, st, seeded)

	got, err := c.Transactions(context.Background())
	if err != nil || !got.Cached || len(got.Transactions) != 2 {
		t.Fatalf("got %+v, err %v", got, err)
	}
}

func TestAddTransactionFallback(t *testing.T) {
	c, st, rec := newOfflineClient(t, http.StatusBadGateway)
	seed(t, st, seeded)

	tx := core.Transaction{Type: core.Expense, Category: "Rent", Amount: 500, Date: "2024-05-03", Note: "May rent"}
	saved, err := c.AddTransaction(context.Background(), tx)
	if err != nil {
		t.Fatal(err)
	}
	if !saved.Cached || !saved.Matched {
		t.Fatalf("flags = %+v", saved)
	}
	if saved.Transaction.ID == "" || saved.Transaction.ID == "a" || saved.Transaction.ID == "b" {
		t.Fatalf("id %q is not new", saved.Transaction.ID)
	}
	want := tx
	want.ID = saved.Transaction.ID
	if saved.Transaction != want {
		t.Fatalf("got %+v, want %+v", saved.Transaction, want)
	}

	list := cached(t, st)
	if len(list) != 3 || list[2] != want {
		t.Fatalf("cache = %+v", list)
	}
	if len(rec.got) != 1 || rec.got[0].TransactionID != want.ID {
		t.Fatalf("notifier got %+v", rec.got)
	}
}

func TestDeleteTransactionFallbackAlwaysDeleted(t *testing.T) {
	for _, id := range []string{"a", "missing"} {
		c, st, _ := newOfflineClient(t, http.StatusInternalServerError)
		seed(t, st, seeded)

		res, err := c.DeleteTransaction(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Deleted || !res.Cached {
			t.Fatalf("id %q: got %+v", id, res)
		}
		for _, tx := range cached(t, st) {
			if tx.ID == id {
				t.Fatalf("id %q still cached", id)
			}
		}
	}
}

func TestUpdateTransactionFallback(t *testing.T) {
	t.Run("missing id leaves cache unchanged", func(t *testing.T) {
		c, st, _ := newOfflineClient(t, http.StatusInternalServerError)
		seed(t, st, seeded)

		amt := 1.0
		res, err := c.UpdateTransaction(context.Background(), "zzz", core.TransactionPatch{Amount: &amt})
		if err != nil {
			t.Fatal(err)
		}
		if res.Matched || !res.Cached {
			t.Fatalf("got %+v, want no match", res)
		}
		if !reflect.DeepEqual(cached(t, st), seeded) {
			t.Fatal("cache changed")
		}
	})

	t.Run("present id is patched", func(t *testing.T) {
		c, st, _ := newOfflineClient(t, http.StatusInternalServerError)
		seed(t, st, seeded)

		cat := "Groceries"
		res, err := c.UpdateTransaction(context.Background(), "a", core.TransactionPatch{Category: &cat})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Matched || res.Transaction.Category != "Groceries" || res.Transaction.Amount != 12.5 {
			t.Fatalf("got %+v", res)
		}
		if cached(t, st)[0].Category != "Groceries" {
			t.Fatal("cache not updated")
		}
	})
}

func TestStorageFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := storage.NewMemoryStore()
	_ = st.Close()
	c := New(Config{BaseURL: srv.URL, Tokens: &staticTokens{}, Storage: st})

	if _, err := c.Transactions(context.Background()); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("Transactions err = %v", err)
	}
	if _, err := c.AddTransaction(context.Background(), seeded[0]); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("AddTransaction err = %v", err)
	}
}

func TestTransactionCallsHitServer(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.EscapedPath())
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"transactions": seeded})
		case http.MethodPost:
			var tx core.Transaction
			_ = json.NewDecoder(r.Body).Decode(&tx)
			tx.ID = "srv-1"
			_ = json.NewEncoder(w).Encode(tx)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			if string(body) != `{"note":"x"}` {
				t.Errorf("patch body = %s", body)
			}
			_ = json.NewEncoder(w).Encode(seeded[0])
		case http.MethodDelete:
			_, _ = io.WriteString(w, `{"deleted":false}`)
		}
	}))
	defer srv.Close()

	st := storage.NewMemoryStore()
	c := New(Config{BaseURL: srv.URL + "/", Tokens: &staticTokens{}, Storage: st})
	ctx := context.Background()

	list, _ := c.Transactions(ctx)
	if list.Cached || len(list.Transactions) != 2 {
		t.Fatalf("list = %+v", list)
	}
	saved, _ := c.AddTransaction(ctx, core.Transaction{ID: "ignored", Type: core.Expense, Category: "c", Amount: 1, Date: "2024-01-01", Note: "n"})
	if saved.Cached || saved.Transaction.ID != "srv-1" {
		t.Fatalf("saved = %+v", saved)
	}
	note := "x"
	if res, _ := c.UpdateTransaction(ctx, "a/b", core.TransactionPatch{Note: &note}); res.Cached || !res.Matched {
		t.Fatalf("update = %+v", res)
	}
	if res, _ := c.DeleteTransaction(ctx, "a"); res.Cached || res.Deleted {
		t.Fatalf("server answer must be passed through, got %+v", res)
	}
	if got := cached(t, st); len(got) != 0 {
		t.Fatalf("cache touched on success: %+v", got)
	}

	want := []string{"GET /transactions", "POST /transactions", "PUT /transactions/a%2Fb", "DELETE /transactions/a"}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantToken string
		wantEmail string
		wantErr   error
		wantMsg   string
	}{
		{name: "access_token", status: 200, body: `{"access_token":"T","email":"srv@x.com"}`, wantToken: "T", wantEmail: "srv@x.com"},
		{name: "token field", status: 200, body: `{"token":"T2"}`, wantToken: "T2", wantEmail: "a@x.com"},
		{name: "access_token wins", status: 200, body: `{"access_token":"A","token":"B"}`, wantToken: "A", wantEmail: "a@x.com"},
		{name: "no token", status: 200, body: `{"message":"verify your email"}`, wantErr: ErrNoToken, wantMsg: "verify your email"},
		{name: "bad credentials", status: 401, body: `{"message":"Invalid credentials"}`, wantMsg: "Invalid credentials"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/auth/login" || r.Method != http.MethodPost {
					t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL, Tokens: &staticTokens{}, Storage: storage.NewMemoryStore()})
			res, err := c.Login(context.Background(), core.Credentials{Email: "a@x.com", Password: "p"})

			if tt.wantMsg != "" || tt.wantErr != nil {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if tt.status == 401 && !IsUnauthorized(err) {
					t.Fatalf("expected unauthorized StatusError, got %v", err)
				}
				if !strings.Contains(err.Error(), tt.wantMsg) {
					t.Fatalf("err %q missing %q", err, tt.wantMsg)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if res.Token != tt.wantToken || res.Email != tt.wantEmail {
				t.Fatalf("got %+v", res)
			}
		})
	}
}

func TestPassThroughErrorsPropagate(t *testing.T) {
	c, _, rec := newOfflineClient(t, http.StatusInternalServerError)
	ctx := context.Background()

	if _, err := c.MonthlySummary(ctx); err == nil {
		t.Error("MonthlySummary: expected error")
	}
	if _, err := c.Budget(ctx); err == nil {
		t.Error("Budget: expected error")
	}
	if _, err := c.UpsertBudget(ctx, 100, 0); err == nil {
		t.Error("UpsertBudget: expected error")
	}
	if _, err := c.ExportTransactionsCSV(ctx, core.Income); err == nil {
		t.Error("ExportTransactionsCSV: expected error")
	}
	if err := c.Register(ctx, core.Credentials{Email: "a@x.com", Password: "p"}); err == nil {
		t.Error("Register: expected error")
	}
	var se *StatusError
	if _, err := c.Me(ctx); !errors.As(err, &se) || se.StatusCode != 500 || se.Message != "down" {
		t.Errorf("Me: err = %v", err)
	}
	if len(rec.got) != 0 {
		t.Errorf("pass-through calls must not fall back, got %+v", rec.got)
	}
}

func TestBudgetAndSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/summary":
			_, _ = io.WriteString(w, `{"totalIncome":1000,"totalExpenses":250.5,"categoryTotals":{"Food":200,"Fun":50.5}}`)
		case "/budget":
			if r.Method == http.MethodPut {
				var b core.Budget
				_ = json.NewDecoder(r.Body).Decode(&b)
				if b.Threshold != 90 {
					t.Errorf("threshold default not applied: %+v", b)
				}
				_ = json.NewEncoder(w).Encode(b)
				return
			}
			_, _ = io.WriteString(w, `{"limit":300}`)
		case "/transactions/export/csv":
			if got := r.URL.Query().Get("type"); got != "expense" {
				t.Errorf("type = %q", got)
			}
			w.Header().Set("Content-Type", "text/csv")
			_, _ = io.WriteString(w, "id,type\n1,expense\n")
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Tokens: &staticTokens{}, Storage: storage.NewMemoryStore()})
	ctx := context.Background()

	s, err := c.MonthlySummary(ctx)
	if err != nil || s.TotalExpenses != 250.5 || s.CategoryTotals["Fun"] != 50.5 {
		t.Fatalf("summary = %+v, err %v", s, err)
	}
	b, err := c.Budget(ctx)
	if err != nil || b.Limit != 300 || b.Threshold != 90 {
		t.Fatalf("budget = %+v, err %v", b, err)
	}
	up, err := c.UpsertBudget(ctx, 400, 0)
	if err != nil || up.Limit != 400 || up.Threshold != 90 {
		t.Fatalf("upsert = %+v, err %v", up, err)
	}
	csv, err := c.ExportTransactionsCSV(ctx, core.Expense)
	if err != nil || string(csv) != "id,type\n1,expense\n" {
		t.Fatalf("csv = %q, err %v", csv, err)
	}
}

// An end-to-end login: the token the server issues is persisted by the
// session store and then carried by every later API call.
func TestLoginThenAuthorizedCalls(t *testing.T) {
	var mu sync.Mutex
	auth := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth[r.URL.Path] = r.Header.Get("Authorization")
		mu.Unlock()
		switch r.URL.Path {
		case "/auth/login":
			_, _ = io.WriteString(w, `{"access_token":"T","email":"a@x.com"}`)
		case "/transactions":
			_, _ = io.WriteString(w, `{"transactions":[]}`)
		case "/summary":
			_, _ = io.WriteString(w, `{"totalIncome":0,"totalExpenses":0,"categoryTotals":{}}`)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	st := storage.NewMemoryStore()
	sess := session.New(ctx, st, nil)
	c := New(Config{BaseURL: srv.URL, Tokens: sess, Storage: st})

	res, err := c.Login(ctx, core.Credentials{Email: "a@x.com", Password: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.LoginSuccess(ctx, res.Token, res.Email); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Transactions(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.MonthlySummary(ctx); err != nil {
		t.Fatal(err)
	}

	if auth["/auth/login"] != "" {
		t.Errorf("login carried %q", auth["/auth/login"])
	}
	for _, p := range []string{"/transactions", "/summary"} {
		if auth[p] != "Bearer T" {
			t.Errorf("%s Authorization = %q, want Bearer T", p, auth[p])
		}
	}
	if !sess.LoggedIn() {
		t.Error("session should report logged in")
	}
}

func TestClientAuthorizesWithUpperCaseSchemeInBase(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"totalIncome":1,"totalExpenses":2}`)
	}))
	defer srv.Close()

	base := "HTTP" + strings.TrimPrefix(srv.URL, "http") + "/"
	c := New(Config{BaseURL: base, Tokens: &staticTokens{token: "T"}, Storage: storage.NewMemoryStore()})
	if _, err := c.MonthlySummary(context.Background()); err != nil {
		t.Fatalf("MonthlySummary: %v", err)
	}
	if got != "Bearer T" {
		t.Fatalf("Authorization = %q, want Bearer T", got)
	}
}
