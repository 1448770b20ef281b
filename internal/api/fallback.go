package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"fintrack/internal/core"
	"fintrack/internal/storage"
)

// Cache is the local substitute for the transactions resource: an ordered
// list stored as one JSON array under storage.KeyTransactions. It is never
// synchronised back to the server.
type Cache struct {
	mu    sync.Mutex
	store storage.Store
	newID func() (string, error)
	now   func() time.Time
}

func NewCache(store storage.Store) *Cache {
	return &Cache{
		store: store,
		newID: func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
		now: time.Now,
	}
}

// All returns the cached list. A missing key or a blob that does not parse
// reads as an empty list; only a storage failure is an error.
func (c *Cache) All(ctx context.Context) ([]core.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx)
}

// Create appends tx under a freshly synthesised id and returns the stored record.
func (c *Cache) Create(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list, err := c.load(ctx)
	if err != nil {
		return core.Transaction{}, err
	}
	tx.ID = c.synthID(list)
	list = append(list, tx)
	if err := c.save(ctx, list); err != nil {
		return core.Transaction{}, err
	}
	return tx, nil
}

// Update applies patch to the entry with id. found is false, and the cache
// untouched, when no entry has that id.
func (c *Cache) Update(ctx context.Context, id string, patch core.TransactionPatch) (tx core.Transaction, found bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list, err := c.load(ctx)
	if err != nil {
		return core.Transaction{}, false, err
	}
	for i := range list {
		if list[i].ID != id {
			continue
		}
		updated := patch.Apply(list[i])
		updated.ID = id
		list[i] = updated
		if err := c.save(ctx, list); err != nil {
			return core.Transaction{}, false, err
		}
		return updated, true, nil
	}
	return core.Transaction{}, false, nil
}

// Delete removes every entry with id and reports whether one existed.
func (c *Cache) Delete(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list, err := c.load(ctx)
	if err != nil {
		return false, err
	}
	kept := list[:0]
	for _, t := range list {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(list) {
		return false, nil
	}
	return true, c.save(ctx, kept)
}

func (c *Cache) load(ctx context.Context) ([]core.Transaction, error) {
	raw, ok, err := c.store.Get(ctx, storage.KeyTransactions)
	if err != nil {
		return nil, fmt.Errorf("read local transactions: %w", err)
	}
	list := []core.Transaction{}
	if !ok || raw == "" {
		return list, nil
	}
	if err := json.Unmarshal([]byte(raw), &list); err != nil || list == nil {
		return []core.Transaction{}, nil
	}
	return list, nil
}

func (c *Cache) save(ctx context.Context, list []core.Transaction) error {
	blob, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode local transactions: %w", err)
	}
	if err := c.store.Set(ctx, storage.KeyTransactions, string(blob)); err != nil {
		return fmt.Errorf("write local transactions: %w", err)
	}
	return nil
}

// synthID returns a random id, or a millisecond timestamp when the random
// source fails. The timestamp is bumped until it collides with nothing in list.
func (c *Cache) synthID(list []core.Transaction) string {
	if id, err := c.newID(); err == nil && id != "" && !containsID(list, id) {
		return id
	}
	ms := c.now().UnixMilli()
	for containsID(list, strconv.FormatInt(ms, 10)) {
		ms++
	}
	return strconv.FormatInt(ms, 10)
}

func containsID(list []core.Transaction, id string) bool {
	for _, t := range list {
		if t.ID == id {
			return true
		}
	}
	return false
}
