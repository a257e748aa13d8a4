// Package server exposes run status, progress and background triggers over
// a small local HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BadgerOps/gamesync/internal/engine"
	"github.com/BadgerOps/gamesync/internal/mirror"
	"github.com/BadgerOps/gamesync/internal/progress"
	"github.com/BadgerOps/gamesync/internal/rootlock"
	"github.com/BadgerOps/gamesync/internal/store"
)

// errBusy is returned by startRun when a run is already active.
var errBusy = errors.New("a run is already active")

// Server is the local status API.
type Server struct {
	engine   *engine.Engine
	store    *store.Store
	tracker  *progress.Tracker
	selector *mirror.Selector
	mirrors  []string
	logger   *slog.Logger

	httpServer *http.Server

	running atomic.Bool
	lastMu  sync.Mutex
	lastRun *RunResultJSON

	// Background runs derive from baseCtx so Shutdown can cancel them.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a new Server. tracker must be registered as an observer
// of eng so progress endpoints see its events. st may be nil.
func NewServer(eng *engine.Engine, st *store.Store, tracker *progress.Tracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = progress.NewTracker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine:  eng,
		store:   st,
		tracker: tracker,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetMirrors enables GET /api/mirrors over the given CDN bases.
func (s *Server) SetMirrors(selector *mirror.Selector, bases []string) {
	s.selector = selector
	s.mirrors = bases
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the progress stream stays open for a whole run.
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, cancels any background run and waits
// for it to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	var err error
	if s.httpServer != nil {
		s.logger.Info("shutting down HTTP server")
		err = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/progress", s.handleAPIProgress)
	mux.HandleFunc("GET /api/progress/stream", s.handleAPIProgressStream)
	mux.HandleFunc("GET /api/failures", s.handleAPIFailures)
	mux.HandleFunc("DELETE /api/failures/{id}", s.handleAPIFailureResolve)
	mux.HandleFunc("GET /api/mirrors", s.handleAPIMirrors)

	mux.HandleFunc("POST /api/sync", s.handleAPISync)
	mux.HandleFunc("POST /api/verify", s.handleAPIVerify)
	mux.HandleFunc("POST /api/update", s.handleAPIUpdate)

	return mux
}

// startRun dispatches fn in the background unless a run is active in this
// process or another process holds the root lock. Mutating runs take the
// lock here and keep it until fn returns; fn is told so through lockHeld.
func (s *Server) startRun(kind string, dryRun bool, fn func(ctx context.Context, lockHeld bool) (*RunResultJSON, error)) error {
	if !s.running.CompareAndSwap(false, true) {
		return errBusy
	}
	var lock *rootlock.Lock
	if !dryRun {
		var err error
		lock, err = rootlock.Acquire(s.engine.Settings().RootDir)
		if err != nil {
			s.running.Store(false)
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if lock != nil {
			defer func() {
				if err := lock.Release(); err != nil {
					s.logger.Warn("failed to release root lock", "path", lock.Path(), "error", err)
				}
			}()
		}

		start := time.Now()
		s.logger.Info("background run started", "kind", kind, "dry_run", dryRun)
		result, err := fn(s.baseCtx, lock != nil)
		if result == nil {
			result = &RunResultJSON{}
		}
		result.Kind = kind
		result.DryRun = dryRun
		result.StartTime = start
		result.EndTime = time.Now()
		if err != nil {
			result.Error = err.Error()
			s.logger.Error("background run failed", "kind", kind, "error", err)
		} else {
			s.logger.Info("background run finished", "kind", kind, "success", result.Success, "duration", time.Since(start))
		}

		s.lastMu.Lock()
		s.lastRun = result
		s.lastMu.Unlock()
	}()
	return nil
}

// Running reports whether a background run is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

// LastRun returns the result of the most recent background run, or nil.
func (s *Server) LastRun() *RunResultJSON {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastRun
}
