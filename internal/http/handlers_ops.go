package http

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"fintrack/internal/api"
	"fintrack/internal/log"
)

// Metrics counts fallbacks and session-driven cache purges. It is an
// api.FallbackNotifier so the API client can report to it directly.
type Metrics struct {
	fallbacks     int64
	sessionPurges int64
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) NotifyFallback(context.Context, api.Fallback) {
	atomic.AddInt64(&m.fallbacks, 1)
}

func (m *Metrics) Fallbacks() int64 { return atomic.LoadInt64(&m.fallbacks) }

// SessionPurges counts summary cache purges caused by a login or logout.
func (m *Metrics) SessionPurges() int64 { return atomic.LoadInt64(&m.sessionPurges) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports whether the local store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.store.Ping(ctx); err != nil {
		log.FromContext(r.Context()).WithComponent(log.ComponentStorage).WarnContext(r.Context(),
			"Readiness check failed", log.FieldError, err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))
		return
	}
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	req := s.tracer.GetMetrics()
	rl := s.limiter.GetMetrics()
	sec := s.detector.GetMetrics()
	sc := s.summaries.Stats()

	loggedIn := 0
	if s.session.LoggedIn() {
		loggedIn = 1
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "fintrack_requests_total %d\n", req.TotalRequests)
	fmt.Fprintf(w, "fintrack_server_errors_total %d\n", req.ServerErrors)
	fmt.Fprintf(w, "fintrack_response_time_avg_ms %.3f\n", float64(req.AverageResponseTime.Microseconds())/1000)
	fmt.Fprintf(w, "fintrack_fallbacks_total %d\n", s.metrics.Fallbacks())
	fmt.Fprintf(w, "fintrack_summary_cache_hits_total %d\n", sc.Hits)
	fmt.Fprintf(w, "fintrack_summary_cache_misses_total %d\n", sc.Misses)
	fmt.Fprintf(w, "fintrack_summary_cache_evictions_total %d\n", sc.Evictions)
	fmt.Fprintf(w, "fintrack_summary_cache_entries %d\n", sc.Entries)
	fmt.Fprintf(w, "fintrack_summary_cache_session_purges_total %d\n", s.metrics.SessionPurges())
	fmt.Fprintf(w, "fintrack_rate_limit_hits_total %d\n", rl.TotalHits)
	fmt.Fprintf(w, "fintrack_rate_limit_clients %d\n", rl.ClientCount)
	fmt.Fprintf(w, "fintrack_suspicious_requests_total %d\n", sec.SuspiciousRequests)
	fmt.Fprintf(w, "fintrack_logged_in %d\n", loggedIn)
}
