package core

import (
	"sort"

	"github.com/shopspring/decimal"
)

// OtherCategory groups expenses recorded without a category.
const OtherCategory = "Other"

// CategoryAmount represents an amount aggregated by category name.
type CategoryAmount struct {
	Name   string
	Amount decimal.Decimal
}

// Stats holds the all-time aggregates shown on the dashboard.
type Stats struct {
	Count         int
	TotalIncome   decimal.Decimal
	TotalExpenses decimal.Decimal
	// TotalAmount is income plus expenses, not the balance.
	TotalAmount        decimal.Decimal
	ExpensesByCategory []CategoryAmount

	HighestIncome  decimal.Decimal
	LowestIncome   decimal.Decimal
	AverageIncome  decimal.Decimal
	HighestExpense decimal.Decimal
	LowestExpense  decimal.Decimal
	AverageExpense decimal.Decimal
}

// ComputeStats reduces an already-fetched transaction list. Categories keep
// the order in which they first appear.
func ComputeStats(list []Transaction) Stats {
	var incomes, expenses []decimal.Decimal
	totals := map[string]decimal.Decimal{}
	var order []string

	for _, t := range list {
		amt := decimal.NewFromFloat(t.Amount)
		switch t.Type {
		case Income:
			incomes = append(incomes, amt)
		case Expense:
			expenses = append(expenses, amt)
			cat := t.Category
			if cat == "" {
				cat = OtherCategory
			}
			if _, ok := totals[cat]; !ok {
				order = append(order, cat)
			}
			totals[cat] = totals[cat].Add(amt)
		}
	}

	s := Stats{Count: len(list)}
	s.TotalIncome = sum(incomes)
	s.TotalExpenses = sum(expenses)
	s.TotalAmount = s.TotalIncome.Add(s.TotalExpenses)
	s.HighestIncome, s.LowestIncome, s.AverageIncome = extremes(incomes)
	s.HighestExpense, s.LowestExpense, s.AverageExpense = extremes(expenses)
	for _, name := range order {
		s.ExpensesByCategory = append(s.ExpensesByCategory, CategoryAmount{Name: name, Amount: totals[name]})
	}
	return s
}

// CategoryTotalsSorted converts the server's monthly category map into a slice
// sorted by name, since map order carries no meaning.
func (s Summary) CategoryTotalsSorted() []CategoryAmount {
	names := make([]string, 0, len(s.CategoryTotals))
	for name := range s.CategoryTotals {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]CategoryAmount, 0, len(names))
	for _, name := range names {
		out = append(out, CategoryAmount{Name: name, Amount: decimal.NewFromFloat(s.CategoryTotals[name])})
	}
	return out
}

// BudgetAlert reports whether monthly spending reached the budget limit.
func BudgetAlert(monthlySpending float64, b Budget) bool {
	return b.Limit > 0 && monthlySpending >= b.Limit
}

func sum(values []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

func extremes(values []decimal.Decimal) (highest, lowest, average decimal.Decimal) {
	if len(values) == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}
	highest = decimal.Max(values[0], values[1:]...)
	lowest = decimal.Min(values[0], values[1:]...)
	average = sum(values).Div(decimal.NewFromInt(int64(len(values))))
	return highest, lowest, average
}
