// Package server exposes heartbeatd over HTTP: the beat API used by
// devices, the status pages, and the health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"heartbeatd/internal/config"
	"heartbeatd/internal/health"
	"heartbeatd/internal/logging"
	"heartbeatd/internal/metrics"
	"heartbeatd/internal/reconcile"
	"heartbeatd/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// Store is the read side of storage the server needs.
type Store interface {
	DeviceLookup
	LastBeat(ctx context.Context) (*store.Beat, error)
	FirstBeat(ctx context.Context) (*store.Beat, error)
	CountBeats(ctx context.Context) (int64, error)
	RecentBeats(ctx context.Context, limit int) ([]store.Beat, error)
	RecentAbsences(ctx context.Context, limit int) ([]store.Absence, error)
	ListDevices(ctx context.Context) ([]store.Device, error)
}

// Recorder records beats for a device.
type Recorder interface {
	Beat(ctx context.Context, deviceID int64) (time.Time, error)
	Batch(ctx context.Context, deviceID int64, timestamps []time.Time) (int, error)
}

// Deps are the collaborators a Server is built from. Metrics, Health and
// Audit are optional.
type Deps struct {
	Store     Store
	Recorder  Recorder
	Watermark *reconcile.Watermark
	Metrics   *metrics.Metrics
	Health    *health.Checker
	Audit     *logging.AuditLogger
	Logger    *logging.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the time source of the status pages.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// Server serves the HTTP interface.
type Server struct {
	httpServer *http.Server
	deps       Deps
	auth       *authenticator
	status     atomic.Pointer[config.StatusConfig]
	logger     *logging.Logger
	now        func() time.Time
	started    time.Time
}

// New builds a Server from cfg and deps.
func New(cfg *config.Config, deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:   deps,
		auth:   newAuthenticator(deps.Store, cfg.AuthCacheTTL()),
		logger: deps.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	s.logger = s.logger.WithComponent("server")
	if s.deps.Health == nil {
		s.deps.Health = health.NewChecker()
		s.deps.Health.SetReady(true)
	}
	s.started = s.now()
	s.SetStatusConfig(cfg.Status)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.routes(cfg),
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}
	return s
}

func (s *Server) routes(cfg *config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	if len(cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}

	r.Get("/", s.handleHome)
	r.Get("/report", s.handleReport)
	r.Get("/graph", s.handleGraph)

	r.Route("/api", func(r chi.Router) {
		r.Post("/beat", s.handleBeat)
		r.Post("/batch", s.handleBatch)
		r.Get("/status", s.handleStatus)
	})

	r.Method(http.MethodGet, "/healthz", s.deps.Health.LivenessHandler())
	r.Method(http.MethodGet, "/readyz", s.deps.Health.ReadinessHandler())
	if s.deps.Metrics != nil && cfg.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Metrics.Path, s.deps.Metrics.Handler())
	}
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// SetStatusConfig replaces the status page settings. It is safe to call
// while serving.
func (s *Server) SetStatusConfig(c config.StatusConfig) {
	s.status.Store(&c)
}

// ListenAndServe listens on the configured address. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// instrument attaches the request ID to the logging context, then logs and
// measures every request under its route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		r = r.WithContext(logging.ContextWithRequestID(r.Context(), reqID))
		w.Header().Set(middleware.RequestIDHeader, reqID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveRequest(route, code, elapsed)
		}

		log := s.logger.WithContext(r.Context())
		args := []any{
			"method", r.Method,
			"route", route,
			"status", code,
			"duration", elapsed,
			"remote", r.RemoteAddr,
		}
		if code >= http.StatusInternalServerError {
			log.Error("request failed", args...)
		} else {
			log.Debug("request", args...)
		}
	})
}

// authenticate resolves the calling device, writing the error response and
// an audit record when that fails.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*store.Device, bool) {
	device, err := s.auth.authenticate(r)
	if err != nil {
		if errors.Is(err, ErrMissingAuth) || errors.Is(err, ErrUnknownDevice) {
			_ = s.deps.Audit.LogAuthFailure(r.Context(), r.RemoteAddr, err.Error())
		}
		s.writeError(w, r, err)
		return nil, false
	}
	return device, true
}

// statusCode maps an error to its HTTP status.
func statusCode(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, ErrMissingAuth), errors.Is(err, errMalformedBody):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownDevice):
		return http.StatusUnauthorized
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, reconcile.ErrEmptyBatch), errors.Is(err, errInvalidBatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).Error("request error", "error", err)
		msg = "something went wrong: " + msg
	}
	http.Error(w, msg, code)
}
