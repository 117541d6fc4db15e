package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tallyhq/tally/pkg/auth"
	"github.com/tallyhq/tally/pkg/engine"
	"github.com/tallyhq/tally/pkg/ledger"
	"github.com/tallyhq/tally/pkg/observability"
	"github.com/tallyhq/tally/pkg/store"
)

// maxBodyBytes caps every request body read by the API.
const maxBodyBytes = 1 << 20 // 1MB

// Server exposes the ledger and the task engine over HTTP.
type Server struct {
	ledger *ledger.Ledger
	engine *engine.Engine
	store  store.Store
	log    *slog.Logger
	obs    *observability.Provider
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithObservability enables per-request tracing and RED metrics.
func WithObservability(p *observability.Provider) Option {
	return func(s *Server) { s.obs = p }
}

// NewServer wires the HTTP surface over a ledger and an engine.
func NewServer(l *ledger.Ledger, e *engine.Engine, st store.Store, opts ...Option) *Server {
	s := &Server{
		ledger: l,
		engine: e,
		store:  st,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the full middleware chain and route table.
func (s *Server) Routes(validator *auth.Validator, limiter auth.LimiterStore, policy auth.LimitPolicy) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("POST /v1/receipts", s.handleAppendReceipt)
	mux.HandleFunc("GET /v1/receipts/{id}", s.handleGetReceipt)
	mux.HandleFunc("POST /v1/receipts/{id}/archive", s.handleArchiveReceipt)
	mux.HandleFunc("GET /v1/receipts/{id}/chain", s.handleChain)
	mux.HandleFunc("GET /v1/inbox", s.handleInbox)
	mux.HandleFunc("POST /v1/bootstrap", s.handleBootstrap)

	mux.HandleFunc("POST /v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /v1/tasks/{id}/timeline", s.handleTimeline)
	mux.HandleFunc("GET /v1/tasks/{id}/children", s.handleChildren)
	mux.HandleFunc("GET /v1/tasks/{id}/status", s.handleStatus)

	mux.HandleFunc("POST /v1/lease", s.handleLease)
	mux.HandleFunc("POST /v1/lease/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /v1/lease/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /v1/lease/{id}/fail", s.handleFail)
	mux.HandleFunc("POST /v1/lease/{id}/release", s.handleRelease)

	var h http.Handler = mux
	h = RateLimitMiddleware(limiter, policy)(h)
	h = AuthMiddleware(validator)(h)
	h = s.traceMiddleware(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

// traceMiddleware spans every request when a provider is configured.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	if s.obs == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, done := s.obs.TrackOperation(r.Context(), r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
		done(nil)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "store is not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a size-capped JSON body into dst. The bool result is
// false when a problem response has already been written.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "Request body exceeds the 1MB limit")
			return false
		}
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}
