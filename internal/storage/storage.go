// Package storage persists the client state of one browser profile: the
// session token, the display identity and the offline transaction cache.
// It is a best-effort store, not a system of record.
package storage

import (
	"context"
	"errors"
)

// Keys of the persisted client state.
const (
	KeyToken        = "access_token"
	KeyEmail        = "user_email"
	KeyLoggedIn     = "isLoggedIn"
	KeyTransactions = "transactions"
)

var ErrClosed = errors.New("storage closed")

// Store is a string key/value store.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set creates or overwrites key.
	Set(ctx context.Context, key, value string) error
	// Delete removes keys; absent keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error
	Close() error
}
