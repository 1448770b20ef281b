// Package session holds the client's authentication state: the bearer
// token and display email persisted in client storage, and a replaying
// logged-in signal derived from them.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"fintrack/internal/log"
	"fintrack/internal/storage"
)

// Store is the single source of truth for "is the user logged in". Token
// and email are read from storage on every call; only the signal is held
// in memory.
type Store struct {
	storage  storage.Store
	logger   *log.Logger
	loggedIn *Broadcaster[bool]
}

// New builds a Store over st. The initial signal value is whether a token
// is already persisted.
func New(ctx context.Context, st storage.Store, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Discard()
	}
	s := &Store{
		storage: st,
		logger:  logger.WithComponent(log.ComponentSession),
	}
	_, ok := s.Token(ctx)
	s.loggedIn = NewBroadcaster(ok)
	s.logger.InfoContext(ctx, "Session restored from storage", log.FieldLoggedIn, ok)
	return s
}

// Token returns the persisted bearer token. Storage failures read as absent.
func (s *Store) Token(ctx context.Context) (string, bool) {
	return s.read(ctx, storage.KeyToken)
}

// Email returns the persisted display email.
func (s *Store) Email(ctx context.Context) (string, bool) {
	return s.read(ctx, storage.KeyEmail)
}

func (s *Store) read(ctx context.Context, key string) (string, bool) {
	v, ok, err := s.storage.Get(ctx, key)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to read session key", "key", key, log.FieldError, err)
		return "", false
	}
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// LoginSuccess persists token, email when non-empty, and the logged-in
// flag, then publishes true. If a write after the token fails, the partial
// session is removed again and the signal follows whatever token is left.
func (s *Store) LoginSuccess(ctx context.Context, token, email string) error {
	if token == "" {
		return fmt.Errorf("login success: empty token")
	}
	if err := s.storage.Set(ctx, storage.KeyToken, token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	if err := s.persistProfile(ctx, email); err != nil {
		if derr := s.storage.Delete(ctx, storage.KeyToken, storage.KeyEmail, storage.KeyLoggedIn); derr != nil {
			s.logger.ErrorContext(ctx, "Failed to roll back partial session", log.FieldError, derr)
		}
		_, ok := s.Token(ctx)
		s.loggedIn.Publish(ok)
		return err
	}
	s.loggedIn.Publish(true)
	s.logger.InfoContext(ctx, "Session started", log.FieldOperation, log.OpLogin)
	return nil
}

func (s *Store) persistProfile(ctx context.Context, email string) error {
	if email != "" {
		if err := s.storage.Set(ctx, storage.KeyEmail, email); err != nil {
			return fmt.Errorf("persist email: %w", err)
		}
	}
	if err := s.storage.Set(ctx, storage.KeyLoggedIn, "true"); err != nil {
		return fmt.Errorf("persist logged-in flag: %w", err)
	}
	return nil
}

// Logout clears token, email and flag from storage and publishes false.
// The signal is published even when storage fails, so that the in-memory
// view never claims a session the user asked to end.
func (s *Store) Logout(ctx context.Context) error {
	err := s.storage.Delete(ctx, storage.KeyToken, storage.KeyEmail, storage.KeyLoggedIn)
	s.loggedIn.Publish(false)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to clear session", log.FieldError, err)
		return fmt.Errorf("clear session: %w", err)
	}
	s.logger.InfoContext(ctx, "Session ended", log.FieldOperation, log.OpLogout)
	return nil
}

// LoggedIn is the synchronous read of the signal.
func (s *Store) LoggedIn() bool {
	return s.loggedIn.Value()
}

// Subscribe returns the logged-in signal. The current value arrives first.
func (s *Store) Subscribe() (<-chan bool, func()) {
	return s.loggedIn.Subscribe()
}

// Close releases every subscriber.
func (s *Store) Close() {
	s.loggedIn.Close()
}

// Identity returns the name to show for the current user: the stored email,
// or else the email/sub claim of the token decoded without verification.
// It is display-only and never decides whether the user is logged in.
func (s *Store) Identity(ctx context.Context) string {
	if email, ok := s.Email(ctx); ok {
		return email
	}
	token, ok := s.Token(ctx)
	if !ok {
		return ""
	}
	return identityFromToken(token)
}

func identityFromToken(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	if email, ok := claims["email"].(string); ok && strings.TrimSpace(email) != "" {
		return email
	}
	if sub, err := claims.GetSubject(); err == nil {
		return sub
	}
	return ""
}
