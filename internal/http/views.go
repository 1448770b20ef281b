package http

import (
	"html/template"
	"strings"

	"github.com/shopspring/decimal"

	"fintrack/internal/core"
)

var templateFuncs = template.FuncMap{
	"money": money,
	"title": func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
}

// money renders wire floats and aggregated decimals with two decimals.
func money(v any) string {
	switch x := v.(type) {
	case decimal.Decimal:
		return core.FormatAmount(x)
	case float64:
		return core.FormatFloat(x)
	default:
		return ""
	}
}
