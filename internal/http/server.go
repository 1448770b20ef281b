package http

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"fintrack/internal/api"
	"fintrack/internal/cache"
	"fintrack/internal/config"
	"fintrack/internal/core"
	"fintrack/internal/guard"
	"fintrack/internal/log"
	"fintrack/internal/middleware/ratelimit"
	"fintrack/internal/middleware/security"
	"fintrack/internal/middleware/trace"
	"fintrack/internal/session"
	"fintrack/internal/storage"
	appweb "fintrack/web"
)

// Deps are the services a Server renders from. All are required except
// Metrics and Logger.
type Deps struct {
	Config  *config.Config
	Session *session.Store
	API     *api.Client
	Storage storage.Store
	Metrics *Metrics
	Logger  *log.Logger
}

type Server struct {
	http.Server
	templates *template.Template

	cfg     *config.Config
	session *session.Store
	api     *api.Client
	store   storage.Store
	guard   *guard.Guard
	metrics *Metrics
	logger  *log.Logger

	// Monthly summaries, keyed by identity and month.
	summaries *cache.LRUCache[core.Summary]
	cacheMgr  *cache.Manager

	// Collapses duplicate submissions of the same action and payload.
	inflight singleflight.Group

	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware

	unsubscribe  func()
	shutdownOnce sync.Once
}

// NewServer configures routes and templates, returning a ready-to-run http.Server.
func NewServer(addr string, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = log.Discard()
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		cfg:       d.Config,
		session:   d.Session,
		api:       d.API,
		store:     d.Storage,
		guard:     guard.New(d.Session),
		metrics:   metrics,
		logger:    logger.WithComponent(log.ComponentHTTP),
		summaries: cache.NewLRUCache[core.Summary](16, d.Config.SummaryCacheTTL),
		limiter:   ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		detector:  security.NewDetector(),
	}
	s.tracer = trace.NewMiddleware(logger, s.detector.ExtractClientIP)

	cacheLogger := logger.WithComponent(log.ComponentCache)
	s.cacheMgr = cache.NewManager(func(removed int) {
		cacheLogger.Debug("Expired summaries removed", log.FieldCount, removed)
	})
	s.cacheMgr.Register(s.summaries)
	s.cacheMgr.StartCleanup(context.Background(), time.Minute)

	// Every login or logout starts from a fresh summary cache.
	changes, cancel := s.session.Subscribe()
	s.unsubscribe = cancel
	go func() {
		for loggedIn := range changes {
			s.summaries.Purge()
			atomic.AddInt64(&s.metrics.sessionPurges, 1)
			cacheLogger.Debug("Summary cache purged on session change", log.FieldLoggedIn, loggedIn)
		}
	}()

	t, err := template.New("").Funcs(templateFuncs).ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		s.logger.Warn("Failed parsing templates", log.FieldError, err)
	}
	s.templates = t

	s.Addr = addr
	s.Handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	if sub, err := fs.Sub(appweb.StaticFS, "static"); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		mux.Handle("GET /static/", security.StaticAssets(3600)(static))
	} else {
		s.logger.Warn("Failed to mount embedded static FS", log.FieldError, err)
	}

	page := func(h http.HandlerFunc) http.Handler { return security.NoStore(h) }
	protected := func(h http.HandlerFunc) http.Handler { return security.NoStore(s.guard.Middleware(h)) }

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.Handle("GET /login", page(s.handleLoginPage))
	mux.Handle("POST /login", page(s.handleLogin))
	mux.Handle("GET /register", page(s.handleRegisterPage))
	mux.Handle("POST /register", page(s.handleRegister))
	mux.Handle("POST /logout", page(s.handleLogout))

	mux.Handle("GET /dashboard", protected(s.handleDashboard))
	mux.Handle("POST /dashboard/budget", protected(s.handleSaveBudget))
	mux.Handle("GET /transactions", protected(s.handleTransactions))
	mux.Handle("GET /transactions/new", protected(s.handleNewTransactionPage))
	mux.Handle("POST /transactions/new", protected(s.handleCreateTransaction))
	mux.Handle("GET /transactions/export.csv", protected(s.handleExportCSV))
	mux.Handle("GET /transactions/{id}/edit", protected(s.handleEditTransactionPage))
	mux.Handle("POST /transactions/{id}/edit", protected(s.handleUpdateTransaction))
	mux.Handle("POST /transactions/{id}/delete", protected(s.handleDeleteTransaction))

	// Everything else lands on the dashboard, which the guard may bounce to login.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
	})

	var h http.Handler = mux
	h = s.limiter.Middleware(s.detector.ExtractClientIP, s.onRateLimit, http.MethodPost)(h)
	h = log.RequestIDMiddleware(func(r *http.Request) string { return trace.GetRequestID(r.Context()) })(h)
	h = log.Middleware(s.logger)(h)
	h = s.detector.Middleware(s.logger)(h)
	h = security.Headers(security.DefaultHeadersConfig())(h)
	h = s.tracer.Middleware(h)
	return h
}

func (s *Server) onRateLimit(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WithComponent(log.ComponentRateLimit).WarnContext(r.Context(),
		"Rate limit exceeded", log.FieldClientIP, s.detector.ExtractClientIP(r), log.FieldPath, r.URL.Path)
	w.Header().Set("Retry-After", "60")
	s.renderError(w, r, http.StatusTooManyRequests, "Too many requests. Please try again in a minute.")
}

// Shutdown stops background work and then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		s.cacheMgr.Stop()
		s.unsubscribe()
	})
	return s.Server.Shutdown(ctx)
}

/* -------- rendering -------- */

// Page is the part of every view model the layout reads.
type Page struct {
	Title    string
	LoggedIn bool
	Identity string
	Flash    string
	Error    string
}

func (s *Server) page(r *http.Request, title string) Page {
	p := Page{Title: title, LoggedIn: s.session.LoggedIn()}
	if p.LoggedIn {
		p.Identity = s.session.Identity(r.Context())
	}
	return p
}

// render executes name into a buffer first so a template failure can still
// produce a clean 500.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	logger := log.FromContext(r.Context()).WithComponent(log.ComponentTemplate)
	if s.templates == nil {
		logger.ErrorContext(r.Context(), "Templates not loaded", log.FieldOperation, log.OpRender)
		http.Error(w, "templates not loaded", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		log.NewStructuredLogger(logger).LogError(r.Context(), "Template execution failed", err, log.OpRender,
			log.NewFields().WithEndpoint(r.Method, name))
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

type errorView struct {
	Page
	Status int
}

// renderError answers htmx requests with an error fragment and everything
// else with the full error page.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if isHTMX(r) {
		ErrorResponse(status, message).Write(w)
		return
	}
	p := s.page(r, http.StatusText(status))
	p.Error = message
	s.render(w, r, status, "error_page", errorView{Page: p, Status: status})
}

// redirect sends the browser to target after a successful form post.
func (s *Server) redirect(w http.ResponseWriter, r *http.Request, target string) {
	if isHTMX(r) {
		NewHTMXResponse().Redirect(target).Write(w)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// remoteMessage turns a pass-through API error into the text shown to the
// user, preferring the server's own message.
func remoteMessage(err error, fallback string) string {
	var se *api.StatusError
	if errors.As(err, &se) && strings.TrimSpace(se.Message) != "" {
		return se.Message
	}
	if errors.Is(err, api.ErrNoToken) {
		if msg, ok := strings.CutPrefix(err.Error(), api.ErrNoToken.Error()+": "); ok && msg != "" {
			return msg
		}
	}
	return fallback
}

// remoteStatus maps a pass-through API error to the status of the page
// that reports it: client errors keep their code, the rest is a bad gateway.
func remoteStatus(err error) int {
	var se *api.StatusError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
		return se.StatusCode
	}
	if errors.Is(err, api.ErrNoToken) {
		return http.StatusUnauthorized
	}
	return http.StatusBadGateway
}
