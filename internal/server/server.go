// Package server exposes the HTTP API: queue lifecycle for analysis
// work, learning review, and workflow signature clusters. The server
// answers health probes from the first moment; data routes stay gated
// until the store attach completes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/lorehq/lore/internal/config"
	"github.com/lorehq/lore/internal/db"
)

const requestTimeout = 30 * time.Second

// Server serves the HTTP API. Construct with New, then hand it the
// opened store via Attach (or report a fatal startup error via FailInit)
// from whatever goroutine owns initialization.
type Server struct {
	version string
	cfg     config.ServerConfig

	router     *chi.Mux
	httpServer *http.Server
	wg         sync.WaitGroup

	// limiter is shared by all data routes; nil means unlimited.
	limiter *rate.Limiter

	initMu     sync.RWMutex
	initErr    error
	queue      *db.QueueStore
	learnings  *db.LearningStore
	signatures *db.SignatureStore

	ready     atomic.Bool
	startTime time.Time
}

// New builds a server with all routes registered. Health, readiness and
// version answer immediately; everything else waits on Attach.
func New(version string, cfg config.ServerConfig) *Server {
	s := &Server{
		version:   version,
		cfg:       cfg,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	if cfg.RateLimitPerMin > 0 {
		burst := cfg.RateLimitPerMin / 10
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMin)/60), burst)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Attach wires the opened store in and opens the data routes.
func (s *Server) Attach(store *db.Store) {
	s.initMu.Lock()
	s.queue = db.NewQueueStore(store)
	s.learnings = db.NewLearningStore(store)
	s.signatures = db.NewSignatureStore(store)
	s.initMu.Unlock()

	s.ready.Store(true)
	log.Info().Msg("API ready")
}

// FailInit records a fatal startup error. Data routes answer 500 with
// the message from here on; health keeps answering 200 so probes can
// read the status field.
func (s *Server) FailInit(err error) {
	s.initMu.Lock()
	s.initErr = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Server initialization failed")
}

func (s *Server) initError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initErr
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(requestTimeout))
	s.router.Use(middleware.RealIP)
	s.router.Use(instrument)
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/ready", s.handleReady)
	s.router.Get("/api/version", s.handleVersion)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)
		r.Use(s.throttle)

		r.Post("/api/queue", s.handleEnqueue)
		r.Get("/api/queue", s.handleListQueue)
		r.Get("/api/queue/stats", s.handleQueueStats)
		r.Post("/api/queue/claim", s.handleClaim)
		r.Post("/api/queue/release-stale", s.handleReleaseStale)
		r.Delete("/api/queue/old", s.handleDeleteOld)
		r.Get("/api/queue/{id}", s.handleGetQueueItem)
		r.Post("/api/queue/{id}/complete", s.handleComplete)
		r.Post("/api/queue/{id}/fail", s.handleFail)
		r.Post("/api/queue/{id}/retry", s.handleRetry)

		r.Post("/api/learnings", s.handleRecordLearning)
		r.Get("/api/learnings", s.handleListLearnings)
		r.Get("/api/learnings/approved", s.handleApprovedLearnings)
		r.Get("/api/learnings/counts", s.handleLearningCounts)
		r.Post("/api/learnings/{id}/approve", s.handleApproveLearning)
		r.Post("/api/learnings/{id}/reject", s.handleRejectLearning)

		r.Put("/api/signatures", s.handleUpsertSignature)
		r.Get("/api/signatures/clusters", s.handleTopClusters)
		r.Get("/api/signatures/clusters/{action}", s.handleClustersByAction)
		r.Get("/api/signatures/missing", s.handleMissingSignatures)
	})
}

// requireReady rejects data requests until Attach has run. A recorded
// init error upgrades the answer from "try again" to a hard failure.
func (s *Server) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.initError(); err != nil {
				http.Error(w, fmt.Sprintf("initialization failed: %v", err), http.StatusInternalServerError)
				return
			}
			http.Error(w, "server is starting, try again shortly", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// throttle applies the shared token bucket. Health and readiness sit
// outside it so probes never see 429s.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth reports process health. Always 200; the status field
// distinguishes starting, ready, and error.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if s.initError() != nil {
		status = "error"
	}
	writeJSON(w, map[string]interface{}{
		"status":         status,
		"service":        "lore",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// handleReady is the strict readiness probe: 200 only once data routes
// answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		if err := s.initError(); err != nil {
			http.Error(w, fmt.Sprintf("initialization failed: %v", err), http.StatusInternalServerError)
			return
		}
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": s.version})
}

// Start begins serving in the background. Use Shutdown to stop.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Info().Int("port", s.cfg.Port).Msg("HTTP server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests
// until the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	log.Info().Msg("HTTP server stopping")
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}
