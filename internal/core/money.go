// Package core provides money parsing and formatting utilities.
//
// Amounts travel as JSON numbers but are summed and displayed through
// decimal values so that totals do not drift.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a form value to a positive amount.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and rounds
// half-up to cents. Signs, zero and anything that is not a plain decimal
// number are rejected.
//
// Examples:
//
//	ParseAmount("12.34")  -> 12.34, nil
//	ParseAmount("12,34")  -> 12.34, nil
//	ParseAmount("12.345") -> 12.35, nil
func ParseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return 0, ErrInvalidAmount
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	d = d.Round(2)
	if !d.IsPositive() {
		return 0, ErrInvalidAmount
	}
	return d.InexactFloat64(), nil
}

// FormatAmount renders an amount with two decimals, e.g. "1234.50".
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// FormatFloat is FormatAmount for wire values.
func FormatFloat(f float64) string {
	return FormatAmount(decimal.NewFromFloat(f))
}
