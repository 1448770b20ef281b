// Package guard gates protected views on the presence of a session token.
package guard

import (
	"context"
	"net/http"
	"net/url"

	"fintrack/internal/log"
)

// LoginPath is where unauthenticated navigation is sent.
const LoginPath = "/login"

// ReturnParam carries the originally requested path+query to the login view.
const ReturnParam = "returnUrl"

// TokenSource reports the current session token.
type TokenSource interface {
	Token(ctx context.Context) (string, bool)
}

type Guard struct {
	tokens TokenSource
}

func New(tokens TokenSource) *Guard {
	return &Guard{tokens: tokens}
}

// Allow permits navigation iff a token is present. The token is not
// validated in any way.
func (g *Guard) Allow(ctx context.Context) bool {
	_, ok := g.tokens.Token(ctx)
	return ok
}

// LoginURL builds the redirect target for a blocked request.
func LoginURL(r *http.Request) string {
	return LoginPath + "?" + url.Values{ReturnParam: {r.URL.RequestURI()}}.Encode()
}

// Middleware lets allowed requests through and sends the rest to the
// login view with 303 See Other. HTMX requests get an HX-Redirect header
// instead, since HTMX does not follow redirects into a full page swap.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Allow(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}

		target := LoginURL(r)
		log.FromContext(r.Context()).WithComponent(log.ComponentGuard).InfoContext(r.Context(),
			"Blocked unauthenticated navigation", log.FieldPath, r.URL.Path, log.FieldReturnURL, r.URL.RequestURI())

		if r.Header.Get("HX-Request") == "true" {
			w.Header().Set("HX-Redirect", target)
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
	})
}
