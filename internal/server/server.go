// Package server provides the ops HTTP surface: health, system stats, queue
// and processing status, and manual job triggers. It serves operators, not
// data consumers; event data is read straight from the model database.
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

	"github.com/chainmodel/indexer/internal/database"
	"github.com/chainmodel/indexer/internal/modules/events"
	"github.com/chainmodel/indexer/internal/queue"
	"github.com/chainmodel/indexer/internal/scheduler"
)

// Config holds server configuration.
type Config struct {
	Log       zerolog.Logger
	SharedDB  *database.DB
	ModelDB   *database.DB
	Queue     *queue.Queue
	Blocks    *events.BlockProcessingRepository
	Txs       *events.TransactionProcessingRepository
	Scheduler *scheduler.Scheduler
	Jobs      []scheduler.Job
	ModelName string
	Port      int
}

// Server is the ops HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	sharedDB  *database.DB
	modelDB   *database.DB
	queue     *queue.Queue
	blocks    *events.BlockProcessingRepository
	txs       *events.TransactionProcessingRepository
	scheduler *scheduler.Scheduler
	jobs      map[string]scheduler.Job
	modelName string
	startedAt time.Time
}

// New creates the ops server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		sharedDB:  cfg.SharedDB,
		modelDB:   cfg.ModelDB,
		queue:     cfg.Queue,
		blocks:    cfg.Blocks,
		txs:       cfg.Txs,
		scheduler: cfg.Scheduler,
		jobs:      make(map[string]scheduler.Job, len(cfg.Jobs)),
		modelName: cfg.ModelName,
		startedAt: time.Now(),
	}
	for _, job := range cfg.Jobs {
		s.jobs[job.Name()] = job
	}

	s.setupMiddleware()
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

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
		})
		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", s.handleQueueStats)
		})
		r.Route("/processing", func(r chi.Router) {
			r.Get("/blocks", s.handleBlockProcessing)
			r.Get("/transactions", s.handleTxProcessing)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/{name}", s.handleTriggerJob)
		})
	})
}

// Start starts the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting ops server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down ops server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
