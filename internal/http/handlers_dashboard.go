package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fintrack/internal/core"
	"fintrack/internal/log"
)

// Bar colours, cycled by category position.
var palette = []string{
	"#3f51b5", "#e91e63", "#4caf50", "#ff9800", "#9c27b0",
	"#03a9f4", "#795548", "#00bcd4", "#8bc34a", "#ff5722",
}

type (
	chartBar struct {
		Name   string
		Amount decimal.Decimal
		Color  string
		// Width is the bar length in percent of the largest bar.
		Width string
	}

	// pieChart draws income against expenses as two stacked circle strokes
	// on a circumference of 100.
	pieChart struct {
		Income       decimal.Decimal
		Expenses     decimal.Decimal
		IncomeShare  string
		ExpenseShare string
		Empty        bool
	}

	dashboardView struct {
		Page
		Scope string

		Stats        core.Stats
		Summary      core.Summary
		SummaryError string
		Offline      bool

		Budget          core.Budget
		BudgetForm      BudgetForm
		BudgetError     string
		MonthlySpending decimal.Decimal
		Alert           bool

		Bars []chartBar
		Pie  pieChart
	}
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	v, err := s.loadDashboard(r)
	if err != nil {
		s.renderError(w, r, http.StatusInternalServerError, "Could not read local storage")
		return
	}
	if r.URL.Query().Get("budget") == "saved" {
		v.Flash = "Budget updated!"
	}
	s.render(w, r, http.StatusOK, "dashboard_page", v)
}

// loadDashboard fetches summary, transactions and budget concurrently. Only
// a local storage failure is an error; remote failures degrade the view.
func (s *Server) loadDashboard(r *http.Request) (dashboardView, error) {
	logger := log.FromContext(r.Context())
	v := dashboardView{Page: s.page(r, "Dashboard"), Scope: ParseScope(r.URL.Query())}

	var (
		summary    core.Summary
		summaryErr error
		list       []core.Transaction
		offline    bool
		budget     core.Budget
	)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		summary, summaryErr = s.monthlySummary(ctx)
		return nil
	})
	g.Go(func() error {
		listing, err := s.api.Transactions(ctx)
		if err != nil {
			return fmt.Errorf("load transactions: %w", err)
		}
		list, offline = listing.Transactions, listing.Cached
		return nil
	})
	g.Go(func() error {
		b, err := s.api.Budget(ctx)
		if err != nil {
			logger.WarnContext(ctx, "Budget unavailable, using default", log.FieldError, err)
			b = s.defaultBudget()
		}
		budget = b
		return nil
	})
	if err := g.Wait(); err != nil {
		log.NewStructuredLogger(logger.WithComponent(log.ComponentStorage)).
			LogError(r.Context(), "Dashboard load failed", err, log.OpRead, log.NewFields())
		return dashboardView{}, err
	}

	if summaryErr != nil {
		logger.WarnContext(r.Context(), "Monthly summary unavailable", log.FieldError, summaryErr)
		v.SummaryError = remoteMessage(summaryErr, "Failed to load monthly summary")
	}

	v.Summary = summary
	v.Stats = core.ComputeStats(list)
	v.Offline = offline
	v.Budget = budget
	v.BudgetForm = BudgetFormFrom(budget)
	v.MonthlySpending = decimal.NewFromFloat(summary.TotalExpenses)
	v.Alert = core.BudgetAlert(summary.TotalExpenses, budget)

	if v.Scope == "month" {
		v.Bars = bars(summary.CategoryTotalsSorted())
		v.Pie = pie(decimal.NewFromFloat(summary.TotalIncome), decimal.NewFromFloat(summary.TotalExpenses))
	} else {
		v.Bars = bars(v.Stats.ExpensesByCategory)
		v.Pie = pie(v.Stats.TotalIncome, v.Stats.TotalExpenses)
	}
	return v, nil
}

// monthlySummary serves the current month's summary from the LRU cache
// when possible. Failures are never cached.
func (s *Server) monthlySummary(ctx context.Context) (core.Summary, error) {
	key := s.session.Identity(ctx) + "|" + time.Now().Format("2006-01")
	if sum, ok := s.summaries.Get(key); ok {
		return sum, nil
	}

	sum, err := s.api.MonthlySummary(ctx)
	if err != nil {
		return core.Summary{}, err
	}
	s.summaries.Set(key, sum)
	return sum, nil
}

func (s *Server) defaultBudget() core.Budget {
	if s.cfg.DefaultBudgetLimit > 0 {
		return core.Budget{Limit: s.cfg.DefaultBudgetLimit, Threshold: s.cfg.DefaultBudgetThreshold}.WithDefaults()
	}
	return core.DefaultBudget()
}

func (s *Server) handleSaveBudget(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context())

	form, err := ParseBudgetForm(r)
	if err != nil {
		s.renderError(w, r, http.StatusBadRequest, "Malformed request")
		return
	}

	budget, verr := form.Budget()
	if verr != nil {
		s.renderDashboardWithBudgetError(w, r, http.StatusUnprocessableEntity, form, budgetErrorMessage(verr))
		return
	}

	_, err, _ = s.inflight.Do(busyKey("budget", budget), func() (any, error) {
		return s.api.UpsertBudget(r.Context(), budget.Limit, budget.Threshold)
	})
	if err != nil {
		logger.WarnContext(r.Context(), "Budget save failed", log.FieldError, err)
		s.renderDashboardWithBudgetError(w, r, remoteStatus(err), form, "Failed to save budget.")
		return
	}

	// The alert reads the monthly summary again.
	s.summaries.Purge()
	logger.InfoContext(r.Context(), "Budget saved", log.FieldAmount, budget.Limit)
	s.redirect(w, r, "/dashboard?budget=saved")
}

func (s *Server) renderDashboardWithBudgetError(w http.ResponseWriter, r *http.Request, status int, form BudgetForm, msg string) {
	if isHTMX(r) {
		ErrorResponse(status, msg).Write(w)
		return
	}
	v, err := s.loadDashboard(r)
	if err != nil {
		s.renderError(w, r, http.StatusInternalServerError, "Could not read local storage")
		return
	}
	v.BudgetForm = form
	v.BudgetError = msg
	s.render(w, r, status, "dashboard_page", v)
}

func budgetErrorMessage(err error) string {
	if errors.Is(err, errInvalidThreshold) {
		return "Please enter a threshold between 0 and 100."
	}
	return "Please enter a valid positive budget limit."
}

func bars(totals []core.CategoryAmount) []chartBar {
	largest := decimal.Zero
	for _, c := range totals {
		largest = decimal.Max(largest, c.Amount)
	}
	out := make([]chartBar, 0, len(totals))
	for i, c := range totals {
		width := decimal.Zero
		if largest.IsPositive() {
			width = c.Amount.Div(largest).Mul(decimal.NewFromInt(100))
		}
		out = append(out, chartBar{
			Name:   c.Name,
			Amount: c.Amount,
			Color:  palette[i%len(palette)],
			Width:  width.StringFixed(1),
		})
	}
	return out
}

func pie(income, expenses decimal.Decimal) pieChart {
	p := pieChart{Income: income, Expenses: expenses}
	total := income.Add(expenses)
	if !total.IsPositive() {
		p.Empty = true
		p.IncomeShare, p.ExpenseShare = "0", "100"
		return p
	}
	share := income.Div(total).Mul(decimal.NewFromInt(100))
	p.IncomeShare = share.StringFixed(2)
	p.ExpenseShare = decimal.NewFromInt(100).Sub(share).StringFixed(2)
	return p
}
