// Package server provides the HTTP status surface: session diagnostics,
// streamer state, ledger views, job controls and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/ibkr"
	"github.com/mavrikos/thetad/internal/ledger"
	"github.com/mavrikos/thetad/internal/scheduler"
	"github.com/mavrikos/thetad/internal/stream"
)

// SessionStatus is the slice of the session manager the server reads.
type SessionStatus interface {
	GetDiagnostics() ibkr.Diagnostics
}

// StreamStatus is the slice of the streamer the server reads.
type StreamStatus interface {
	GetCachedSnapshot() []stream.Quote
	IsAuthenticated() bool
	IsDataFresh(maxAge time.Duration) bool
	DataAge() time.Duration
	HasSubscriptionError() bool
}

// JobRunner is the slice of the scheduler the server uses for manual
// triggers.
type JobRunner interface {
	RunNow(ctx context.Context, jobID string) (scheduler.JobResult, error)
}

// Config holds server configuration.
type Config struct {
	Log      zerolog.Logger
	Port     int
	DevMode  bool
	Session  SessionStatus
	Streamer StreamStatus
	Runner   JobRunner
	Trades   *ledger.TradeRepository
	Orders   *ledger.OrderRepository
	NAV      *ledger.NAVRepository
	Jobs     *ledger.JobRepository
	Audit    *ledger.AuditRepository
	UserID   string
}

// Server is the HTTP server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	session  SessionStatus
	streamer StreamStatus
	runner   JobRunner
	trades   *ledger.TradeRepository
	orders   *ledger.OrderRepository
	nav      *ledger.NAVRepository
	jobs     *ledger.JobRepository
	audit    *ledger.AuditRepository
	system   *SystemHandlers
	userID   string
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		session:  cfg.Session,
		streamer: cfg.Streamer,
		runner:   cfg.Runner,
		trades:   cfg.Trades,
		orders:   cfg.Orders,
		nav:      cfg.NAV,
		jobs:     cfg.Jobs,
		audit:    cfg.Audit,
		system:   NewSystemHandlers(cfg.Log),
		userID:   cfg.UserID,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/stream", s.handleStream)
		r.Get("/system", s.system.HandleSystemStats)

		r.Get("/trades", s.handleTrades)
		r.Get("/trades/open", s.handleOpenTrades)
		r.Get("/orders/open", s.handleOpenOrders)
		r.Get("/nav", s.handleNAVRange)
		r.Get("/audit", s.handleAuditRecent)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleJobsList)
			r.Get("/{jobID}/runs", s.handleJobRuns)
			r.Post("/{jobID}/run", s.handleJobRun)
			r.Post("/{jobID}/enable", s.handleJobEnable(true))
			r.Post("/{jobID}/disable", s.handleJobEnable(false))
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
