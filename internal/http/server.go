// Package http serves the savings group workflow as a JSON API.
package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"groupsave/internal/auth"
	"groupsave/internal/cache"
	"groupsave/internal/log"
	"groupsave/internal/metrics"
	"groupsave/internal/middleware/ratelimit"
	"groupsave/internal/middleware/security"
	"groupsave/internal/middleware/trace"
	"groupsave/internal/services"
)

const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 15 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
	cacheCleanupEvery = 10 * time.Minute
	readinessTimeout  = 3 * time.Second
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the server. Engine and JWT are required.
type Options struct {
	Addr    string
	Engine  *services.Engine
	JWT     *auth.JWTManager
	Store   Pinger
	Metrics *metrics.Metrics
	Logger  *log.Logger

	RateLimit      ratelimit.Config
	TrustedProxies []string
}

type Server struct {
	http.Server
	engine   *services.Engine
	jwt      *auth.JWTManager
	store    Pinger
	metrics  *metrics.Metrics
	logger   *log.Logger
	limiter  *ratelimit.Limiter
	detector *security.Detector
	caches   *cache.Manager
	started  time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// server. Call Shutdown to stop its background routines.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	detector := security.NewDetector()
	for _, cidr := range opts.TrustedProxies {
		if err := detector.AddTrustedProxy(cidr); err != nil {
			logger.Warn("Ignoring trusted proxy", log.FieldError, err)
		}
	}

	s := &Server{
		engine:   opts.Engine,
		jwt:      opts.JWT,
		store:    opts.Store,
		metrics:  opts.Metrics,
		logger:   logger,
		limiter:  ratelimit.NewLimiter(opts.RateLimit),
		detector: detector,
		caches:   cache.NewManager(),
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	s.routes(mux)

	var handler http.Handler = mux
	handler = s.limiter.Middleware(detector.ExtractClientIP, s.onRateLimited)(handler)
	handler = detector.Middleware(s.onSuspicious)(handler)
	handler = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(handler)
	handler = log.RequestIDMiddleware(trace.RequestID)(handler)
	handler = log.Middleware(logger)(handler)
	handler = trace.NewMiddleware(detector.ExtractClientIP, logger).Middleware(handler)

	s.Server = http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	s.caches.Register(opts.Engine.SummaryCache())
	s.caches.StartCleanup(cacheCleanupEvery)
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", s.metrics.Handler())

	s.public(mux, "GET /api/groups/public", s.handleListPublicGroups)
	s.public(mux, "GET /api/invitations/{token}", s.handlePreviewInvitation)

	s.private(mux, "POST /api/groups", s.handleCreateGroup)
	s.private(mux, "GET /api/groups", s.handleListGroups)
	s.private(mux, "GET /api/groups/{id}", s.handleGetGroup)
	s.private(mux, "PUT /api/groups/{id}/rules", s.handleUpdateRules)
	s.private(mux, "POST /api/groups/{id}/archive", s.handleArchiveGroup)
	s.private(mux, "POST /api/groups/{id}/reopen", s.handleReopenGroup)
	s.private(mux, "GET /api/groups/{id}/progress", s.handleProgress)
	s.private(mux, "GET /api/groups/{id}/ledger/verify", s.handleVerifyLedger)
	s.private(mux, "GET /api/groups/{id}/activity", s.handleListActivity)

	s.private(mux, "GET /api/groups/{id}/members", s.handleListMembers)
	s.private(mux, "DELETE /api/groups/{id}/members/{userID}", s.handleRemoveMember)

	s.private(mux, "POST /api/groups/{id}/invitations", s.handleCreateInvitation)
	s.private(mux, "GET /api/groups/{id}/invitations", s.handleListInvitations)
	s.private(mux, "POST /api/invitations/{token}/accept", s.handleAcceptInvitation)
	s.private(mux, "POST /api/invitations/{token}/decline", s.handleDeclineInvitation)

	s.private(mux, "POST /api/groups/{id}/contributions", s.handleSubmitContribution)
	s.private(mux, "GET /api/groups/{id}/contributions", s.handleListContributions)
	s.private(mux, "GET /api/contributions/{id}", s.handleGetContribution)
	s.private(mux, "POST /api/contributions/{id}/confirm", s.handleConfirmContribution)
	s.private(mux, "POST /api/contributions/{id}/reject", s.handleRejectContribution)
}

func (s *Server) public(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, h))
}

// private registers a route that requires a bearer token.
func (s *Server) private(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, s.jwt.Middleware(s.onAuthFailure)(h)))
}

// instrument records request metrics under the route pattern, so path
// parameters do not explode label cardinality.
func (s *Server) instrument(pattern string, next http.Handler) http.Handler {
	_, route, ok := strings.Cut(pattern, " ")
	if !ok {
		route = pattern
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.metrics.ObserveHTTP(r.Method, route, rw.statusCode, time.Since(start))
	})
}

func (s *Server) onAuthFailure(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, err)
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	s.metrics.RateLimited()
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.detector.ExtractClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path,
		log.FieldComponent, log.ComponentRateLimit)
	ErrorResponse(r, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded, try again later").Write(w)
}

func (s *Server) onSuspicious(r *http.Request, reason string) {
	s.metrics.SuspiciousRequest(reason)
	log.FromContext(r.Context()).WarnContext(r.Context(), "Suspicious request",
		"reason", reason,
		log.FieldClientIP, s.detector.ExtractClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path,
		log.FieldComponent, log.ComponentSecurity)
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.caches.Stop()
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// handleReady checks the store; the broker is optional because publishing
// is best-effort.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := map[string]string{}

	switch {
	case s.store == nil:
		checks["store"] = "not_configured"
		status, httpStatus = "not_ready", http.StatusServiceUnavailable
	default:
		if err := s.store.Ping(ctx); err != nil {
			checks["store"] = "failed: " + err.Error()
			status, httpStatus = "not_ready", http.StatusServiceUnavailable
			if errors.Is(err, context.DeadlineExceeded) {
				checks["store"] = "timeout"
			}
		} else {
			checks["store"] = "ok"
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}
