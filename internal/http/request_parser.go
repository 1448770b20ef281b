// Package http provides the server and the page handlers.
//
// This file implements parsing of the transaction, credentials and budget
// forms. Bodies may be form-encoded or JSON (htmx json-enc).

package http

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"fintrack/internal/core"
)

const maxFormBytes = 64 << 10

var errInvalidThreshold = errors.New("threshold must be a number between 0 and 100")

// RequestBodyParser handles different content types for request body parsing.
type RequestBodyParser struct {
	body     []byte
	jsonData map[string]any
	formData url.Values
	parsed   bool
	err      error
}

// NewRequestBodyParser reads the request body once, up to maxFormBytes.
func NewRequestBodyParser(r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{}
	if r.Body != nil {
		p.body, p.err = io.ReadAll(io.LimitReader(r.Body, maxFormBytes))
	}
	return p
}

// Parse attempts to parse the body as JSON or form data.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true

	if p.err != nil {
		return p.err
	}
	if len(p.body) == 0 {
		p.formData = url.Values{}
		return nil
	}

	if p.body[0] == '{' {
		p.jsonData = make(map[string]any)
		p.err = json.Unmarshal(p.body, &p.jsonData)
		return p.err
	}

	p.formData, p.err = url.ParseQuery(string(p.body))
	return p.err
}

// Get returns a sanitized string value from the parsed data.
func (p *RequestBodyParser) Get(key string) string {
	return sanitizeInput(p.raw(key))
}

// GetSecret returns a value untouched. Passwords keep their whitespace.
func (p *RequestBodyParser) GetSecret(key string) string {
	return p.raw(key)
}

func (p *RequestBodyParser) raw(key string) string {
	if p.jsonData != nil {
		return stringValue(p.jsonData[key])
	}
	if p.formData != nil {
		return p.formData.Get(key)
	}
	return ""
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s))
}

// TransactionForm holds the raw values of the add and edit forms so they
// can be rendered back on a validation error.
type TransactionForm struct {
	Type     string
	Category string
	Amount   string
	Date     string
	Note     string
}

// NewTransactionForm is the add form's initial state.
func NewTransactionForm() TransactionForm {
	return TransactionForm{Type: string(core.Expense), Category: "Food", Date: core.Today()}
}

// TransactionFormFrom fills the edit form from an existing record.
func TransactionFormFrom(tx core.Transaction) TransactionForm {
	return TransactionForm{
		Type:     string(tx.Type),
		Category: tx.Category,
		Amount:   strconv.FormatFloat(tx.Amount, 'f', -1, 64),
		Date:     tx.Date,
		Note:     tx.Note,
	}
}

func ParseTransactionForm(r *http.Request) (TransactionForm, error) {
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		return TransactionForm{}, err
	}
	return TransactionForm{
		Type:     p.Get("type"),
		Category: p.Get("category"),
		Amount:   p.Get("amount"),
		Date:     p.Get("date"),
		Note:     p.Get("note"),
	}, nil
}

// Transaction converts and validates the form.
func (f TransactionForm) Transaction() (core.Transaction, error) {
	typ, err := core.ParseTxType(f.Type)
	if err != nil {
		return core.Transaction{}, err
	}
	amount, err := core.ParseAmount(f.Amount)
	if err != nil {
		return core.Transaction{}, err
	}
	tx := core.Transaction{
		Type:     typ,
		Category: f.Category,
		Amount:   amount,
		Date:     f.Date,
		Note:     strings.TrimSpace(f.Note),
	}
	if err := tx.Validate(); err != nil {
		return core.Transaction{}, err
	}
	return tx, nil
}

func ParseCredentialsForm(r *http.Request) (core.Credentials, error) {
	creds, _, err := ParseLoginForm(r)
	return creds, err
}

// ParseLoginForm also returns the echoed return target.
func ParseLoginForm(r *http.Request) (creds core.Credentials, returnURL string, err error) {
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		return core.Credentials{}, "", err
	}
	creds = core.Credentials{Email: p.Get("email"), Password: p.GetSecret("password")}
	return creds, p.Get("returnUrl"), nil
}

// BudgetForm holds the raw budget inputs.
type BudgetForm struct {
	Limit     string
	Threshold string
}

// BudgetFormFrom fills the budget form from the current budget.
func BudgetFormFrom(b core.Budget) BudgetForm {
	return BudgetForm{
		Limit:     strconv.FormatFloat(b.Limit, 'f', -1, 64),
		Threshold: strconv.FormatFloat(b.Threshold, 'f', -1, 64),
	}
}

func ParseBudgetForm(r *http.Request) (BudgetForm, error) {
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		return BudgetForm{}, err
	}
	return BudgetForm{Limit: p.Get("limit"), Threshold: p.Get("threshold")}, nil
}

// Budget converts and validates the form. A blank threshold is sent as 0,
// which the API client turns into the default.
func (f BudgetForm) Budget() (core.Budget, error) {
	limit, err := strconv.ParseFloat(strings.ReplaceAll(f.Limit, ",", "."), 64)
	if err != nil {
		return core.Budget{}, core.ErrInvalidLimit
	}
	b := core.Budget{Limit: limit}
	if err := b.Validate(); err != nil {
		return core.Budget{}, err
	}
	if f.Threshold != "" {
		t, err := strconv.ParseFloat(strings.ReplaceAll(f.Threshold, ",", "."), 64)
		if err != nil || math.IsNaN(t) || t < 0 || t > 100 {
			return core.Budget{}, errInvalidThreshold
		}
		b.Threshold = t
	}
	return b, nil
}

// ParseScope reads the dashboard chart scope, defaulting to "all".
func ParseScope(query url.Values) string {
	if query.Get("scope") == "month" {
		return "month"
	}
	return "all"
}

// ParseExportScope maps the export scope to a transaction type filter.
// "all" and an empty scope select every transaction.
func ParseExportScope(query url.Values) (scope string, txType core.TxType, err error) {
	scope = strings.ToLower(strings.TrimSpace(query.Get("scope")))
	switch scope {
	case "", "all":
		return "all", "", nil
	default:
		typ, err := core.ParseTxType(scope)
		if err != nil {
			return "", "", err
		}
		return scope, typ, nil
	}
}
