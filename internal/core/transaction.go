package core

import (
	"errors"
	"math"
	"strings"
	"time"
)

const (
	Income  TxType = "income"
	Expense TxType = "expense"
)

// DateLayout is the ISO calendar date format used on the wire.
const DateLayout = "2006-01-02"

type (
	TxType string

	// Transaction mirrors one record of the remote transactions resource.
	// ID is assigned by the server, or synthesized locally when the record
	// was created through the fallback cache.
	Transaction struct {
		ID       string  `json:"id,omitempty"`
		Type     TxType  `json:"type"`
		Category string  `json:"category"`
		Amount   float64 `json:"amount"`
		Date     string  `json:"date"`
		Note     string  `json:"note,omitempty"`
	}

	// TransactionPatch is a partial update; nil fields are left untouched.
	TransactionPatch struct {
		Type     *TxType  `json:"type,omitempty"`
		Category *string  `json:"category,omitempty"`
		Amount   *float64 `json:"amount,omitempty"`
		Date     *string  `json:"date,omitempty"`
		Note     *string  `json:"note,omitempty"`
	}
)

var (
	ErrInvalidType   = errors.New("invalid transaction type")
	ErrEmptyCategory = errors.New("empty category")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidDate   = errors.New("invalid date")
	ErrEmptyNote     = errors.New("empty note")
)

func (t TxType) Valid() bool {
	return t == Income || t == Expense
}

// ParseTxType accepts "income" or "expense", case-insensitively.
func ParseTxType(s string) (TxType, error) {
	t := TxType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", ErrInvalidType
	}
	return t, nil
}

// Validate applies the entry form rules: every field is required and the
// amount must be a positive finite number.
func (t Transaction) Validate() error {
	if !t.Type.Valid() {
		return ErrInvalidType
	}
	if strings.TrimSpace(t.Category) == "" {
		return ErrEmptyCategory
	}
	if err := validateDate(t.Date); err != nil {
		return err
	}
	if strings.TrimSpace(t.Note) == "" {
		return ErrEmptyNote
	}
	if math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) || t.Amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Patch returns the full-field patch for t, as sent by the edit form.
func (t Transaction) Patch() TransactionPatch {
	typ, cat, amt, date := t.Type, t.Category, t.Amount, t.Date
	note := strings.TrimSpace(t.Note)
	return TransactionPatch{Type: &typ, Category: &cat, Amount: &amt, Date: &date, Note: &note}
}

// Apply returns tx with the non-nil fields of p copied over it.
func (p TransactionPatch) Apply(tx Transaction) Transaction {
	if p.Type != nil {
		tx.Type = *p.Type
	}
	if p.Category != nil {
		tx.Category = *p.Category
	}
	if p.Amount != nil {
		tx.Amount = *p.Amount
	}
	if p.Date != nil {
		tx.Date = *p.Date
	}
	if p.Note != nil {
		tx.Note = *p.Note
	}
	return tx
}

func validateDate(s string) error {
	if _, err := time.Parse(DateLayout, strings.TrimSpace(s)); err != nil {
		return ErrInvalidDate
	}
	return nil
}

// Today returns the current local date in wire format.
func Today() string {
	return time.Now().Format(DateLayout)
}

// Split partitions transactions into incomes and expenses, keeping order.
func Split(list []Transaction) (incomes, expenses []Transaction) {
	for _, t := range list {
		switch t.Type {
		case Income:
			incomes = append(incomes, t)
		case Expense:
			expenses = append(expenses, t)
		}
	}
	return incomes, expenses
}
