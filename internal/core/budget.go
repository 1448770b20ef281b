package core

import (
	"errors"
	"math"
	"strings"
)

// DefaultThreshold is the alert percentage used when none is given.
const DefaultThreshold = 90

var (
	ErrInvalidLimit    = errors.New("budget limit must be a positive number")
	ErrMissingEmail    = errors.New("email is required")
	ErrMissingPassword = errors.New("password is required")
)

type (
	// Budget is the per-user monthly spending limit. Each update overwrites
	// the previous one.
	Budget struct {
		Limit     float64 `json:"limit"`
		Threshold float64 `json:"threshold"`
	}

	// Summary is the monthly aggregate returned by the remote service.
	Summary struct {
		TotalIncome    float64            `json:"totalIncome"`
		TotalExpenses  float64            `json:"totalExpenses"`
		CategoryTotals map[string]float64 `json:"categoryTotals"`
	}

	Credentials struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
)

// DefaultBudget is shown when the remote budget cannot be read.
func DefaultBudget() Budget {
	return Budget{Limit: 50, Threshold: DefaultThreshold}
}

func (b Budget) Validate() error {
	if math.IsNaN(b.Limit) || math.IsInf(b.Limit, 0) || b.Limit <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

// WithDefaults fills a zero limit or threshold from DefaultBudget.
func (b Budget) WithDefaults() Budget {
	d := DefaultBudget()
	if b.Limit == 0 {
		b.Limit = d.Limit
	}
	if b.Threshold == 0 {
		b.Threshold = d.Threshold
	}
	return b
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Email) == "" {
		return ErrMissingEmail
	}
	if c.Password == "" {
		return ErrMissingPassword
	}
	return nil
}

// ForLogin trims the email.
func (c Credentials) ForLogin() Credentials {
	c.Email = strings.TrimSpace(c.Email)
	return c
}

// ForRegister trims and lower-cases the email.
func (c Credentials) ForRegister() Credentials {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	return c
}
