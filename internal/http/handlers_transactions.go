package http

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"fintrack/internal/api"
	"fintrack/internal/core"
	"fintrack/internal/log"
)

const (
	invalidTransactionMessage = "Please fill in all fields with valid values."
	unmatchedUpdateMessage    = "The server was unreachable and this transaction is not stored on this device. Nothing was changed."
)

type (
	transactionsView struct {
		Page
		Incomes  []core.Transaction
		Expenses []core.Transaction
		Offline  bool
	}

	transactionFormView struct {
		Page
		Form   TransactionForm
		ID     string
		Action string
	}
)

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	listing, err := s.api.Transactions(r.Context())
	if err != nil {
		s.storageFailure(w, r, log.OpList, err)
		return
	}

	v := transactionsView{Page: s.page(r, "Transactions"), Offline: listing.Cached}
	v.Incomes, v.Expenses = core.Split(listing.Transactions)

	q := r.URL.Query()
	switch {
	case q.Get("unmatched") == "1":
		v.Error = unmatchedUpdateMessage
	case q.Get("saved") == "1":
		v.Flash = "Transaction saved."
	case q.Get("deleted") == "1":
		v.Flash = "Transaction deleted."
	}
	if v.Flash != "" && q.Get("offline") == "1" {
		v.Flash += " The server was unreachable; the change was kept on this device only."
	}
	s.render(w, r, http.StatusOK, "transactions_page", v)
}

func (s *Server) handleNewTransactionPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "transaction_form_page", transactionFormView{
		Page:   s.page(r, "Add transaction"),
		Form:   NewTransactionForm(),
		Action: "/transactions/new",
	})
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	form, err := ParseTransactionForm(r)
	if err != nil {
		s.renderError(w, r, http.StatusBadRequest, "Malformed request")
		return
	}
	view := transactionFormView{Page: s.page(r, "Add transaction"), Form: form, Action: "/transactions/new"}

	tx, err := form.Transaction()
	if err != nil {
		s.invalidTransaction(w, r, view, err)
		return
	}

	res, err, _ := s.inflight.Do(busyKey("create", tx), func() (any, error) {
		return s.api.AddTransaction(r.Context(), tx)
	})
	if err != nil {
		s.storageFailure(w, r, log.OpCreate, err)
		return
	}
	saved := res.(api.Saved)

	s.summaries.Purge()
	log.FromContext(r.Context()).InfoContext(r.Context(), "Transaction created", log.NewFields().
		WithOperation(log.OpCreate).
		WithTransaction(saved.Transaction.ID, string(saved.Transaction.Type), saved.Transaction.Category, saved.Transaction.Amount).
		WithCached(saved.Cached).ToSlice()...)
	s.redirect(w, r, listURL("saved", saved.Cached))
}

func (s *Server) handleEditTransactionPage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	listing, err := s.api.Transactions(r.Context())
	if err != nil {
		s.storageFailure(w, r, log.OpRead, err)
		return
	}
	for _, tx := range listing.Transactions {
		if tx.ID == id {
			s.render(w, r, http.StatusOK, "transaction_form_page", transactionFormView{
				Page:   s.page(r, "Edit transaction"),
				Form:   TransactionFormFrom(tx),
				ID:     id,
				Action: editURL(id),
			})
			return
		}
	}
	s.renderError(w, r, http.StatusNotFound, "Transaction not found.")
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	form, err := ParseTransactionForm(r)
	if err != nil {
		s.renderError(w, r, http.StatusBadRequest, "Malformed request")
		return
	}
	view := transactionFormView{Page: s.page(r, "Edit transaction"), Form: form, ID: id, Action: editURL(id)}

	tx, err := form.Transaction()
	if err != nil {
		s.invalidTransaction(w, r, view, err)
		return
	}

	res, err, _ := s.inflight.Do(busyKey("update:"+id, tx), func() (any, error) {
		return s.api.UpdateTransaction(r.Context(), id, tx.Patch())
	})
	if err != nil {
		s.storageFailure(w, r, log.OpUpdate, err)
		return
	}
	saved := res.(api.Saved)

	logger := log.FromContext(r.Context())
	if !saved.Matched {
		logger.WarnContext(r.Context(), "Offline update of a transaction unknown to the local cache",
			log.FieldTransactionID, id)
		s.redirect(w, r, "/transactions?unmatched=1")
		return
	}

	s.summaries.Purge()
	logger.InfoContext(r.Context(), "Transaction updated", log.NewFields().
		WithOperation(log.OpUpdate).
		WithTransaction(id, string(tx.Type), tx.Category, tx.Amount).
		WithCached(saved.Cached).ToSlice()...)
	s.redirect(w, r, listURL("saved", saved.Cached))
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	res, err, _ := s.inflight.Do(busyKey("delete", id), func() (any, error) {
		return s.api.DeleteTransaction(r.Context(), id)
	})
	if err != nil {
		s.storageFailure(w, r, log.OpDelete, err)
		return
	}
	del := res.(api.Deletion)

	s.summaries.Purge()
	log.FromContext(r.Context()).InfoContext(r.Context(), "Transaction deleted", log.NewFields().
		WithOperation(log.OpDelete).
		WithTransaction(id, "", "", 0).
		WithCached(del.Cached).ToSlice()...)
	s.redirect(w, r, listURL("deleted", del.Cached))
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	scope, txType, err := ParseExportScope(r.URL.Query())
	if err != nil {
		s.renderError(w, r, http.StatusBadRequest, "Unknown export scope.")
		return
	}

	body, err := s.api.ExportTransactionsCSV(r.Context(), txType)
	if err != nil {
		log.FromContext(r.Context()).WarnContext(r.Context(), "CSV export failed", log.NewFields().
			WithOperation(log.OpExport).WithError(err).ToSlice()...)
		s.renderError(w, r, remoteStatus(err), "CSV export failed.")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="transactions_`+scope+`.csv"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) invalidTransaction(w http.ResponseWriter, r *http.Request, view transactionFormView, err error) {
	log.FromContext(r.Context()).DebugContext(r.Context(), "Transaction form rejected",
		log.FieldOperation, log.OpValidate, log.FieldError, err)
	if isHTMX(r) {
		UnprocessableEntityError(invalidTransactionMessage).Write(w)
		return
	}
	view.Error = invalidTransactionMessage
	if errors.Is(err, core.ErrInvalidAmount) {
		view.Error = "Please enter an amount greater than zero."
	}
	s.render(w, r, http.StatusUnprocessableEntity, "transaction_form_page", view)
}

// storageFailure reports a local storage error. Remote failures of the
// transaction calls never get here; they are served from the cache.
func (s *Server) storageFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	log.NewStructuredLogger(log.FromContext(r.Context()).WithComponent(log.ComponentStorage)).
		LogError(r.Context(), "Local storage failure", err, op, log.NewFields())
	s.renderError(w, r, http.StatusInternalServerError, "Could not read local storage")
}

func listURL(flag string, cached bool) string {
	q := url.Values{flag: {"1"}}
	if cached {
		q.Set("offline", "1")
	}
	return "/transactions?" + q.Encode()
}

func editURL(id string) string {
	return "/transactions/" + url.PathEscape(id) + "/edit"
}
