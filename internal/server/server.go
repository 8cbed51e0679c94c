// Package server exposes the portfolio over a small JSON HTTP API:
// health, positions, lots, daily P&L and on-demand analysis runs.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/modules/analysis"
	"github.com/aristath/folio/internal/modules/ledger"
	"github.com/aristath/folio/internal/scheduler"
)

// Config wires the server's collaborators.
type Config struct {
	Port       int
	DataDir    string
	DB         *database.DB
	Ledger     *ledger.Service
	LedgerRepo *ledger.Repository
	Analysis   *analysis.Runner
	Scheduler  *scheduler.Scheduler // optional
	Log        zerolog.Logger
}

// Server is the HTTP front end.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	handlers *Handlers
	log      zerolog.Logger
}

// New creates a configured server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		handlers: &Handlers{
			dataDir:    cfg.DataDir,
			db:         cfg.DB,
			ledger:     cfg.Ledger,
			ledgerRepo: cfg.LedgerRepo,
			analysis:   cfg.Analysis,
			scheduler:  cfg.Scheduler,
			log:        cfg.Log.With().Str("component", "http_handlers").Logger(),
		},
		log: cfg.Log.With().Str("component", "http_server").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handlers.Health)
		r.Get("/positions", s.handlers.Positions)
		r.Get("/lots", s.handlers.Lots)
		r.Get("/transactions", s.handlers.Transactions)
		r.Get("/pnl", s.handlers.DailyPnL)
		r.Get("/analyze", s.handlers.Analyze)
		r.Get("/jobs", s.handlers.Jobs)
	})
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown or failure.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}
