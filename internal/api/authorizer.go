package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// TokenSource yields the current bearer token, if any. Implementations
// must read their backing state on every call.
type TokenSource interface {
	Token(ctx context.Context) (string, bool)
}

// Authorizer is an http.RoundTripper that adds "Authorization: Bearer"
// to requests aimed at the API base. It decides per request, so a login or
// logout between two calls is always observed.
type Authorizer struct {
	base   string
	tokens TokenSource
	next   http.RoundTripper
}

// NewAuthorizer wraps next (http.DefaultTransport when nil). base is
// compared with its trailing slash removed and its scheme and host
// lower-cased.
func NewAuthorizer(base string, tokens TokenSource, next http.RoundTripper) *Authorizer {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Authorizer{
		base:   strings.TrimRight(canonicalBase(base), "/"),
		tokens: tokens,
		next:   next,
	}
}

// RoundTrip implements http.RoundTripper. The incoming request is never
// modified; an authorized request is a clone.
func (a *Authorizer) RoundTrip(req *http.Request) (*http.Response, error) {
	if !a.targetsAPI(canonicalURL(req.URL)) {
		return a.next.RoundTrip(req)
	}
	token, ok := a.tokens.Token(req.Context())
	if !ok {
		return a.next.RoundTrip(req)
	}
	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+token)
	return a.next.RoundTrip(authed)
}

// targetsAPI is a prefix match on the base that only accepts the match on
// a path boundary, so https://api.example.com does not cover
// https://api.example.com.evil.
func (a *Authorizer) targetsAPI(u string) bool {
	if a.base == "" || !strings.HasPrefix(u, a.base) {
		return false
	}
	if len(u) == len(a.base) {
		return true
	}
	switch u[len(a.base)] {
	case '/', '?', '#':
		return true
	}
	return false
}

func canonicalBase(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	return canonicalURL(u)
}

// canonicalURL renders u with scheme and host lower-cased, the two parts
// that compare case-insensitively.
func canonicalURL(u *url.URL) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	return c.String()
}
