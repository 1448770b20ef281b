package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticTokens struct {
	token string
	calls int
}

func (s *staticTokens) Token(context.Context) (string, bool) {
	s.calls++
	return s.token, s.token != ""
}

type recordingTransport struct {
	got *http.Request
}

func (r *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r.got = req
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func TestAuthorizerAttachesTokenOnlyToAPI(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		url      string
		token    string
		wantAuth string
	}{
		{"api path", "https://api.example.com", "https://api.example.com/transactions", "T", "Bearer T"},
		{"base with trailing slash", "https://api.example.com/", "https://api.example.com/summary", "T", "Bearer T"},
		{"base with path prefix", "https://host/v1", "https://host/v1/budget", "T", "Bearer T"},
		{"exact base", "https://api.example.com", "https://api.example.com", "T", "Bearer T"},
		{"query on base", "https://api.example.com", "https://api.example.com?x=1", "T", "Bearer T"},
		{"other origin", "https://api.example.com", "https://cdn.example.com/app.js", "T", ""},
		{"lookalike host", "https://api.example.com", "https://api.example.com.evil/transactions", "T", ""},
		{"sibling path", "https://host/v1", "https://host/v10/budget", "T", ""},
		{"no token", "https://api.example.com", "https://api.example.com/transactions", "", ""},
		{"upper-case scheme in base", "HTTPS://api.example.com/", "https://api.example.com/transactions", "T", "Bearer T"},
		{"mixed-case host in base", "https://API.Example.com", "https://api.example.com/summary", "T", "Bearer T"},
		{"mixed-case host in request", "https://api.example.com", "https://API.example.com/budget", "T", "Bearer T"},
		{"upper-case base on other origin", "HTTPS://api.example.com", "https://cdn.example.com/app.js", "T", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &recordingTransport{}
			a := NewAuthorizer(tt.base, &staticTokens{token: tt.token}, rt)

			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if _, err := a.RoundTrip(req); err != nil {
				t.Fatalf("RoundTrip: %v", err)
			}
			if got := rt.got.Header.Get("Authorization"); got != tt.wantAuth {
				t.Errorf("Authorization = %q, want %q", got, tt.wantAuth)
			}
			if req.Header.Get("Authorization") != "" {
				t.Error("original request was mutated")
			}
		})
	}
}

func TestAuthorizerReadsTokenPerRequest(t *testing.T) {
	rt := &recordingTransport{}
	tokens := &staticTokens{}
	a := NewAuthorizer("https://api.example.com", tokens, rt)

	send := func() string {
		req := httptest.NewRequest(http.MethodGet, "https://api.example.com/transactions", nil)
		if _, err := a.RoundTrip(req); err != nil {
			t.Fatal(err)
		}
		return rt.got.Header.Get("Authorization")
	}

	if got := send(); got != "" {
		t.Fatalf("before login: %q", got)
	}
	tokens.token = "NEW"
	if got := send(); got != "Bearer NEW" {
		t.Fatalf("after login: %q", got)
	}
	tokens.token = ""
	if got := send(); got != "" {
		t.Fatalf("after logout: %q", got)
	}
	if tokens.calls != 3 {
		t.Fatalf("token read %d times, want 3", tokens.calls)
	}
}
