// Package httpapi exposes the orchestration core's HTTP surface (spec
// §6.2): chi router, per-request identity resolution, rate limiting and
// metrics, wired around the Session Store, Access Filter, Tool Registry
// and Planner Loop. Grounded on the teacher's pkg/transport chi-based
// middleware shape (http_metrics_middleware.go), generalized from a
// single metrics middleware to the full request pipeline this spec needs.
package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/orcacore/accessfilter"
	"github.com/kadirpekel/orcacore/identity"
	"github.com/kadirpekel/orcacore/invoker"
	"github.com/kadirpekel/orcacore/obscore"
	"github.com/kadirpekel/orcacore/planner"
	"github.com/kadirpekel/orcacore/ratelimit"
	"github.com/kadirpekel/orcacore/sessionstore"
	"github.com/kadirpekel/orcacore/toolregistry"
)

// Registry is the subset of *toolregistry.Registry the HTTP surface needs.
type Registry interface {
	Surface() *toolregistry.Catalog
}

// ModelFactory resolves the reasoning model adapter to use for a turn.
// cmd/orchestrad supplies one built from the REASONING_PROVIDER config key
// selecting between planner/anthropicadapter and planner/openaiadapter.
type ModelFactory func() planner.ReasoningModel

// Server holds every dependency a handler needs. It has no mutable state
// of its own beyond what its collaborators already manage.
type Server struct {
	registry  Registry
	filter    *accessfilter.Filter
	invoker   *invoker.Invoker
	store     sessionstore.Store
	resolver  *identity.Resolver
	model     ModelFactory
	metrics   *obscore.Metrics
	limiter   *ratelimit.Limiter
	maxRounds int
	turnTTL   time.Duration
	reasonTTL time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics attaches a Metrics recorder; nil (the default) disables
// request metrics without affecting the rest of the pipeline.
func WithMetrics(m *obscore.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimiter guards POST /chat with limiter; nil (the default)
// disables rate limiting.
func WithRateLimiter(limiter *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = limiter }
}

// WithMaxRounds overrides planner.DefaultMaxRounds for turns run by this
// server (MAX_ROUNDS).
func WithMaxRounds(n int) Option {
	return func(s *Server) { s.maxRounds = n }
}

// WithTurnTimeout overrides planner.DefaultTurnTimeout (TURN_TIMEOUT_MS).
func WithTurnTimeout(d time.Duration) Option {
	return func(s *Server) { s.turnTTL = d }
}

// WithReasoningTimeout overrides planner.DefaultReasoningTimeout
// (REASONING_CALL_TIMEOUT_MS).
func WithReasoningTimeout(d time.Duration) Option {
	return func(s *Server) { s.reasonTTL = d }
}

// New builds a Server over every component the core spec wires together.
func New(
	registry Registry,
	filter *accessfilter.Filter,
	inv *invoker.Invoker,
	store sessionstore.Store,
	resolver *identity.Resolver,
	model ModelFactory,
	opts ...Option,
) *Server {
	s := &Server{
		registry: registry,
		filter:   filter,
		invoker:  inv,
		store:    store,
		resolver: resolver,
		model:    model,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi.Mux serving every route in spec §6.2, plus the
// ambient /metrics endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	if s.metrics != nil {
		r.Use(s.metricsMiddleware)
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.resolver.Middleware)
		r.Get("/tools", s.handleTools)
		r.Get("/providers", s.handleProviders)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Post("/feedback", s.handleFeedback)
	})

	r.Group(func(r chi.Router) {
		chatHandler := http.HandlerFunc(s.handleChat)
		if s.limiter != nil {
			r.With(ratelimit.Middleware(s.limiter, s.chatIdentifier)).Post("/chat", chatHandler.ServeHTTP)
			return
		}
		r.Post("/chat", chatHandler.ServeHTTP)
	})

	return r
}

// chatIdentifier is /chat's rate-limit IdentifierFunc. /chat deliberately
// runs outside resolver.Middleware (it needs ResolveChat's body-user_id
// fallback), so identity.FromRequest would see nothing here and the
// default IdentifierFunc would fall back to RemoteAddr -- per-IP, not
// per-caller, admission control. This resolves the caller the same way
// handleChat will, peeking at the body's user_id and rewinding it so
// handleChat's own decode still sees the full request.
func (s *Server) chatIdentifier(r *http.Request) string {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return r.RemoteAddr
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return r.RemoteAddr
	}
	access, err := s.resolver.ResolveChat(r, req.UserID)
	if err != nil || access.UserID == "" {
		return r.RemoteAddr
	}
	return access.UserID
}

// requestLogger logs one structured line per request, mirroring the
// teacher's slog-everywhere convention.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// metricsMiddleware records every request's route, method, status and
// duration (spec §10 ambient observability), using chi's route pattern the
// same way the teacher's getRoutePattern does.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		s.metrics.RecordHTTPRequest(pattern, r.Method, ww.Status(), time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
