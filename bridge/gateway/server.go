// Package gateway exposes the coordination kernel over HTTP: event append
// and query, elicitation create/respond, validation dispatch, and a
// resumable websocket event stream.
package gateway

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentbridge/bridge/bridge/auth"
	"github.com/agentbridge/bridge/bridge/degradation"
	"github.com/agentbridge/bridge/bridge/dispatcher"
	"github.com/agentbridge/bridge/bridge/elicitation"
	"github.com/agentbridge/bridge/bridge/event"
	"github.com/agentbridge/bridge/bridge/subscription"
	"github.com/agentbridge/bridge/infrastructure/logging"
	"github.com/agentbridge/bridge/infrastructure/metrics"
	"github.com/agentbridge/bridge/infrastructure/middleware"
)

// rateLimitSampleEvery bounds how often a rate-limit rejection is recorded
// as a SecurityEvent: an agent hammering a limit produces one rejection per
// request, and logging every single one would make the limiter itself a
// denial-of-service vector against the log. Every Nth rejection is enough
// to see the pattern in the audit trail (§4.4).
const rateLimitSampleEvery = 10

// Server wires the kernel's components to HTTP routes.
type Server struct {
	router      *mux.Router
	store       *event.Store
	hub         *subscription.Hub
	tokens      *auth.TokenManager
	nonces      auth.NonceStore
	limiter     *auth.RateLimiter
	coordinator *elicitation.Coordinator
	dispatcher  *dispatcher.Dispatcher
	degradation *degradation.Controller
	logger      *logging.Logger
	health      *middleware.HealthChecker
	metrics     *metrics.Metrics
	rlHits      int64
}

// Deps bundles the kernel components a Server exposes.
type Deps struct {
	Store       *event.Store
	Hub         *subscription.Hub
	Tokens      *auth.TokenManager
	Nonces      auth.NonceStore
	Limiter     *auth.RateLimiter
	Coordinator *elicitation.Coordinator
	Dispatcher  *dispatcher.Dispatcher
	Degradation *degradation.Controller
	Logger      *logging.Logger
	Metrics     *metrics.Metrics // optional; nil disables /metrics and request instrumentation
	Version     string
}

// New builds a Server and registers all routes.
func New(deps Deps) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		store:       deps.Store,
		hub:         deps.Hub,
		tokens:      deps.Tokens,
		nonces:      deps.Nonces,
		limiter:     deps.Limiter,
		coordinator: deps.Coordinator,
		dispatcher:  deps.Dispatcher,
		degradation: deps.Degradation,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		health:      middleware.NewHealthChecker(deps.Version),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler, wrapped with the standard middleware
// chain: request logging, recovery, security headers, and CORS. Bearer-token
// authentication is applied to the /v1 routes by routes(), not here.
func (s *Server) Handler() http.Handler {
	cors := middleware.NewCORSMiddleware(nil)
	headers := middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders())
	recovery := middleware.NewRecoveryMiddleware(s.logger)

	var h http.Handler = s.router
	h = cors.Handler(h)
	h = headers.Handler(h)
	h = recovery.Handler(h)
	h = middleware.LoggingMiddleware(s.logger)(h)
	return h
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.health.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/livez", middleware.LivenessHandler()).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Use(middleware.MetricsMiddleware("bridge-gateway", s.metrics))
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/events", s.appendEvents).Methods(http.MethodPost)
	api.HandleFunc("/events", s.queryEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/query", s.queryEventsStructured).Methods(http.MethodPost)
	api.HandleFunc("/events/stream", s.stream).Methods(http.MethodGet)

	api.HandleFunc("/elicitations", s.createElicitation).Methods(http.MethodPost)
	api.HandleFunc("/elicitations/pending/{agent}", s.pendingElicitations).Methods(http.MethodGet)
	api.HandleFunc("/elicitations/{id}/respond", s.respondElicitation).Methods(http.MethodPost)
	api.HandleFunc("/elicitations/{id}/key", s.elicitationKey).Methods(http.MethodGet)
	api.HandleFunc("/elicitations/{id}", s.getElicitation).Methods(http.MethodGet)

	api.HandleFunc("/validate", s.validate).Methods(http.MethodPost)

	api.HandleFunc("/state", s.getState).Methods(http.MethodGet)
	api.HandleFunc("/admin/degradation/recover", s.requestRecovery).Methods(http.MethodPost)
	api.HandleFunc("/admin/degradation/confirm", s.confirmRecovered).Methods(http.MethodPost)
}

// authenticate extracts and validates the bearer session token, attaching
// claims to the request context for downstream handlers.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.tokens.Validate(bearerToken(r))
		if err != nil {
			writeKernelError(w, r, err)
			return
		}
		ctx := withClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sampleRateLimited records every rateLimitSampleEvery-th rate-limit
// rejection as a SecurityEvent, giving the audit trail visibility into
// sustained abuse without logging every single throttled request.
func (s *Server) sampleRateLimited(ctx context.Context, agentID, class string) {
	n := atomic.AddInt64(&s.rlHits, 1)
	if n%rateLimitSampleEvery != 0 {
		return
	}
	event.AppendSecurityEvent(ctx, s.store, "agent:"+agentID, "RateLimited", agentID, class)
	if s.logger != nil {
		s.logger.LogSecurityEvent(ctx, "RateLimited", map[string]interface{}{"agent_id": agentID, "class": class})
	}
}

// recordAuthzFailure appends a SecurityEvent for every authorization or
// protocol error the gateway rejects a request for (§7). Unlike rate-limit
// rejections, these are not sampled: a missing capability is rarer and more
// security-relevant than routine throttling.
func (s *Server) recordAuthzFailure(ctx context.Context, agentID, resourceAction string) {
	event.AppendSecurityEvent(ctx, s.store, "agent:"+agentID, "Forbidden", agentID, resourceAction)
	if s.logger != nil {
		s.logger.LogSecurityEvent(ctx, "Forbidden", map[string]interface{}{"agent_id": agentID, "resource_action": resourceAction})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// Shutdown gracefully stops background components owned by the gateway
// (the coordinator's expiry sweep is started and stopped by bridge.go, not
// here, since it outlives any one Server instance in a multi-listener
// deployment).
func (s *Server) Shutdown(ctx context.Context) error {
	return nil
}
