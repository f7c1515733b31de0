// Package api is the HTTP control surface: campaign CRUD and lifecycle
// transitions, runner and quota introspection, credentials, metrics,
// and the bundled dashboard SPA.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dripbot/internal/executor"
	"dripbot/internal/metrics"
	"dripbot/internal/ratelimit"
	"dripbot/internal/store"
	"dripbot/internal/transport"
	logx "dripbot/pkg/logx"
)

// Config controls the listener and per-client throttling.
type Config struct {
	Addr      string
	StaticDir string

	RatePerMin int
	RateBurst  int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	log     logx.Logger
	cfg     Config
	st      store.Store
	exec    *executor.Service
	limiter *ratelimit.Limiter
	coll    *metrics.Collector

	loginFn func(context.Context, transport.Credentials) error

	srv *http.Server
}

// SetLoginHook installs the callback run after credentials are stored,
// so an update can establish a session without a daemon restart.
func (s *Server) SetLoginHook(fn func(context.Context, transport.Credentials) error) {
	s.loginFn = fn
}

func NewServer(cfg Config, st store.Store, exec *executor.Service, limiter *ratelimit.Limiter, coll *metrics.Collector, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 100
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	return &Server{log: log, cfg: cfg, st: st, exec: exec, limiter: limiter, coll: coll}
}

// Router builds the full handler chain. Exposed for httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(newIPLimiter(s.cfg.RatePerMin, s.cfg.RateBurst).middleware)

	r.Get("/healthz", s.handleHealth)
	if s.coll != nil {
		r.Handle("/metrics", s.coll.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleListCampaigns)
			r.Post("/", s.handleCreateCampaign)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCampaign)
				r.Put("/", s.handleUpdateCampaign)
				r.Delete("/", s.handleDeleteCampaign)
				r.Post("/activate", s.handleActivate)
				r.Post("/pause", s.handlePause)
				r.Get("/progress", s.handleProgress)
			})
		})
		r.Get("/runners", s.handleRunners)
		r.Get("/ratelimit", s.handleRateLimit)
		r.Get("/credentials", s.handleGetCredentials)
		r.Put("/credentials", s.handlePutCredentials)
	})

	var h http.Handler = r
	if s.coll != nil {
		h = s.coll.InstrumentHandler(h)
	}
	if s.cfg.StaticDir != "" {
		h = spaHandler(h, s.cfg.StaticDir)
	}
	return h
}

// Start binds the listener and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}
