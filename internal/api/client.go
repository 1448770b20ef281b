// Package api is the data-access layer for the remote finance API.
//
// Auth, summary, budget and export calls are pass-through: their errors
// reach the caller. The four transaction calls never surface a remote
// failure; they fall back to the local Cache and flag the result as Cached.
// Their error return is reserved for failures of local storage.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/log"
	"fintrack/internal/storage"
)

type (
	LoginResult struct {
		Token string
		Email string
	}

	// Listing is the result of Transactions. Cached is set when the list
	// came from the local cache instead of the server.
	Listing struct {
		Transactions []core.Transaction
		Cached       bool
	}

	// Saved is the result of AddTransaction and UpdateTransaction. Matched
	// is false only for a cached update whose id was not in the cache.
	Saved struct {
		Transaction core.Transaction
		Cached      bool
		Matched     bool
	}

	Deletion struct {
		Deleted bool
		Cached  bool
	}

	// Fallback describes one transaction call served by the local cache.
	Fallback struct {
		Operation     string
		TransactionID string
		Reason        error
	}

	// FallbackNotifier is told about every fallback after the cache has
	// been updated. It must not block for long.
	FallbackNotifier interface {
		NotifyFallback(ctx context.Context, f Fallback)
	}

	// NotifierFunc adapts a function to FallbackNotifier.
	NotifierFunc func(ctx context.Context, f Fallback)

	// Notifiers fans a fallback out to several notifiers in order.
	Notifiers []FallbackNotifier
)

func (fn NotifierFunc) NotifyFallback(ctx context.Context, f Fallback) { fn(ctx, f) }

func (ns Notifiers) NotifyFallback(ctx context.Context, f Fallback) {
	for _, n := range ns {
		if n != nil {
			n.NotifyFallback(ctx, f)
		}
	}
}

// Config wires a Client.
type Config struct {
	BaseURL string
	// Timeout of 0 leaves the transport defaults in charge.
	Timeout   time.Duration
	Tokens    TokenSource
	Storage   storage.Store
	Transport http.RoundTripper
	Notifier  FallbackNotifier
	Logger    *log.Logger
}

type Client struct {
	base     string
	http     *http.Client
	cache    *Cache
	notifier FallbackNotifier
	logger   *log.Logger
	events   *log.StructuredLogger
}

func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		base: base,
		http: &http.Client{
			Transport: NewAuthorizer(base, cfg.Tokens, cfg.Transport),
			Timeout:   cfg.Timeout,
		},
		cache:    NewCache(cfg.Storage),
		notifier: cfg.Notifier,
		logger:   logger.WithComponent(log.ComponentAPI),
		events:   log.NewStructuredLogger(logger.WithComponent(log.ComponentFallback)),
	}
}

// Cache exposes the local fallback cache.
func (c *Client) Cache() *Cache { return c.cache }

/* -------- Auth -------- */

func (c *Client) Register(ctx context.Context, creds core.Credentials) error {
	return c.doJSON(ctx, "register", http.MethodPost, "/auth/register", creds, nil)
}

// Login exchanges credentials for a token. The token is access_token, or
// token when the former is absent. Email falls back to the one submitted.
func (c *Client) Login(ctx context.Context, creds core.Credentials) (LoginResult, error) {
	var res struct {
		AccessToken string `json:"access_token"`
		Token       string `json:"token"`
		Email       string `json:"email"`
		Message     string `json:"message"`
	}
	if err := c.doJSON(ctx, "login", http.MethodPost, "/auth/login", creds, &res); err != nil {
		return LoginResult{}, err
	}
	token := res.AccessToken
	if token == "" {
		token = res.Token
	}
	if token == "" {
		if res.Message != "" {
			return LoginResult{}, fmt.Errorf("%w: %s", ErrNoToken, res.Message)
		}
		return LoginResult{}, ErrNoToken
	}
	email := res.Email
	if email == "" {
		email = creds.Email
	}
	return LoginResult{Token: token, Email: email}, nil
}

// Me returns the profile the server associates with the current token.
func (c *Client) Me(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if err := c.doJSON(ctx, "me", http.MethodGet, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LogoutRemote tells the server the session ended. The local session is
// cleared by the caller whatever the outcome.
func (c *Client) LogoutRemote(ctx context.Context) error {
	return c.doJSON(ctx, "logout", http.MethodPost, "/auth/logout", struct{}{}, nil)
}

/* ---- Transactions ---- */

func (c *Client) Transactions(ctx context.Context) (Listing, error) {
	var res struct {
		Transactions []core.Transaction `json:"transactions"`
	}
	err := c.doJSON(ctx, "list transactions", http.MethodGet, "/transactions", nil, &res)
	if err == nil {
		if res.Transactions == nil {
			res.Transactions = []core.Transaction{}
		}
		return Listing{Transactions: res.Transactions}, nil
	}

	list, cerr := c.cache.All(ctx)
	if cerr != nil {
		return Listing{}, cerr
	}
	c.fellBack(ctx, log.OpList, "", err, log.NewFields().WithCount(len(list)))
	return Listing{Transactions: list, Cached: true}, nil
}

func (c *Client) AddTransaction(ctx context.Context, tx core.Transaction) (Saved, error) {
	tx.ID = ""
	var created core.Transaction
	err := c.doJSON(ctx, "add transaction", http.MethodPost, "/transactions", tx, &created)
	if err == nil {
		return Saved{Transaction: created, Matched: true}, nil
	}

	local, cerr := c.cache.Create(ctx, tx)
	if cerr != nil {
		return Saved{}, cerr
	}
	c.fellBack(ctx, log.OpCreate, local.ID, err,
		log.NewFields().WithTransaction(local.ID, string(local.Type), local.Category, local.Amount))
	return Saved{Transaction: local, Cached: true, Matched: true}, nil
}

func (c *Client) UpdateTransaction(ctx context.Context, id string, patch core.TransactionPatch) (Saved, error) {
	var updated core.Transaction
	err := c.doJSON(ctx, "update transaction", http.MethodPut, "/transactions/"+url.PathEscape(id), patch, &updated)
	if err == nil {
		return Saved{Transaction: updated, Matched: true}, nil
	}

	local, found, cerr := c.cache.Update(ctx, id, patch)
	if cerr != nil {
		return Saved{}, cerr
	}
	c.fellBack(ctx, log.OpUpdate, id, err, log.NewFields().WithTransaction(id, string(local.Type), local.Category, local.Amount))
	return Saved{Transaction: local, Cached: true, Matched: found}, nil
}

// DeleteTransaction reports Deleted=true on the cached path whether or not
// the id was present locally.
func (c *Client) DeleteTransaction(ctx context.Context, id string) (Deletion, error) {
	var res struct {
		Deleted bool `json:"deleted"`
	}
	err := c.doJSON(ctx, "delete transaction", http.MethodDelete, "/transactions/"+url.PathEscape(id), nil, &res)
	if err == nil {
		return Deletion{Deleted: res.Deleted}, nil
	}

	if _, cerr := c.cache.Delete(ctx, id); cerr != nil {
		return Deletion{}, cerr
	}
	c.fellBack(ctx, log.OpDelete, id, err, log.NewFields())
	return Deletion{Deleted: true, Cached: true}, nil
}

/* --- Summary / Budget / Export --- */

func (c *Client) MonthlySummary(ctx context.Context) (core.Summary, error) {
	var s core.Summary
	if err := c.doJSON(ctx, "summary", http.MethodGet, "/summary", nil, &s); err != nil {
		return core.Summary{}, err
	}
	return s, nil
}

// Budget reads the budget. A missing threshold reads as core.DefaultThreshold.
func (c *Client) Budget(ctx context.Context) (core.Budget, error) {
	var b core.Budget
	if err := c.doJSON(ctx, "budget", http.MethodGet, "/budget", nil, &b); err != nil {
		return core.Budget{}, err
	}
	if b.Threshold == 0 {
		b.Threshold = core.DefaultThreshold
	}
	return b, nil
}

// UpsertBudget overwrites the budget. A zero threshold means core.DefaultThreshold.
func (c *Client) UpsertBudget(ctx context.Context, limit, threshold float64) (core.Budget, error) {
	if threshold == 0 {
		threshold = core.DefaultThreshold
	}
	in := core.Budget{Limit: limit, Threshold: threshold}
	var out core.Budget
	if err := c.doJSON(ctx, "upsert budget", http.MethodPut, "/budget", in, &out); err != nil {
		return core.Budget{}, err
	}
	return out, nil
}

// ExportTransactionsCSV downloads the CSV export. txType may be empty for
// every transaction, or core.Income / core.Expense.
func (c *Client) ExportTransactionsCSV(ctx context.Context, txType core.TxType) ([]byte, error) {
	path := "/transactions/export/csv"
	if txType != "" {
		path += "?" + url.Values{"type": {string(txType)}}.Encode()
	}
	resp, err := c.send(ctx, "export transactions", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("export transactions: read body: %w", err)
	}
	return body, nil
}

/* --- plumbing --- */

func (c *Client) fellBack(ctx context.Context, op, id string, reason error, fields log.LogFields) {
	c.events.LogFallback(ctx, op, reason, fields)
	if c.notifier != nil {
		c.notifier.NotifyFallback(ctx, Fallback{Operation: op, TransactionID: id, Reason: reason})
	}
}

// doJSON sends in as the JSON body (when non-nil) and decodes a 2xx
// response into out (when non-nil).
func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}
	resp, err := c.send(ctx, op, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// send performs the request and turns a non-2xx answer into *StatusError.
// On success the caller owns resp.Body.
func (c *Client) send(ctx context.Context, op, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "API call failed", log.NewFields().
			WithEndpoint(method, path).WithOperation(op).WithError(err).ToSlice()...)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.logger.DebugContext(ctx, "API call", log.NewFields().
		WithEndpoint(method, path).
		WithHTTPResponse(resp.StatusCode, time.Since(start).Milliseconds(), resp.StatusCode < 300).ToSlice()...)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Message: serverMessage(raw)}
	}
	return resp, nil
}
