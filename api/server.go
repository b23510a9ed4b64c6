// Package api exposes the workflow engine over HTTP: stored workflow
// definitions, the built-in template catalog, execution start and
// lifecycle control, step history, cost summaries, and a WebSocket
// stream of execution events. All request and response bodies are JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/events"
	"github.com/deepnoodle-ai/stategraph/script"
	"github.com/deepnoodle-ai/stategraph/templates"
)

// Options configures a Server. Every store is optional; missing ones
// fall back to in-memory implementations so a bare server is runnable.
type Options struct {
	Registry        stategraph.WorkflowRegistry
	Repository      stategraph.ExecutionRepository
	StepLogger      stategraph.StepLogger
	CheckpointStore stategraph.CheckpointStore
	Broadcaster     *events.Broadcaster
	Clients         templates.Clients
	Logger          *slog.Logger

	// Execution tuning passed through to every run the server starts.
	MaxConcurrency     int
	DefaultNodeTimeout time.Duration
}

// Server hosts the REST and WebSocket surface. Executions started
// through it run asynchronously on a server-scoped context, so a
// response is sent as soon as the run is admitted.
type Server struct {
	registry    stategraph.WorkflowRegistry
	repository  stategraph.ExecutionRepository
	stepLogger  stategraph.StepLogger
	checkpoints stategraph.CheckpointStore
	broadcaster *events.Broadcaster
	clients     templates.Clients
	logger      *slog.Logger

	maxConcurrency int
	nodeTimeout    time.Duration

	mutex   sync.RWMutex
	stored  map[string]*StoredWorkflow
	running map[string]*stategraph.Execution

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	ownBroadcaster bool
}

// NewServer creates a server and fills in defaults for any collaborator
// the options leave unset.
func NewServer(opts Options) (*Server, error) {
	if opts.Registry == nil {
		opts.Registry = stategraph.NewMemoryWorkflowRegistry()
	}
	if opts.Repository == nil {
		opts.Repository = stategraph.NewMemoryExecutionRepository()
	}
	if opts.StepLogger == nil {
		opts.StepLogger = stategraph.NewNullStepLogger()
	}
	if opts.CheckpointStore == nil {
		opts.CheckpointStore = stategraph.NewMemoryCheckpointStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clients.Compiler == nil {
		opts.Clients.Compiler = script.NewRisorScriptingEngine(script.SafeRisorGlobals())
	}
	ownBroadcaster := false
	if opts.Broadcaster == nil {
		opts.Broadcaster = events.NewBroadcaster(opts.Logger)
		ownBroadcaster = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		registry:       opts.Registry,
		repository:     opts.Repository,
		stepLogger:     opts.StepLogger,
		checkpoints:    opts.CheckpointStore,
		broadcaster:    opts.Broadcaster,
		clients:        opts.Clients,
		logger:         opts.Logger,
		maxConcurrency: opts.MaxConcurrency,
		nodeTimeout:    opts.DefaultNodeTimeout,
		stored:         map[string]*StoredWorkflow{},
		running:        map[string]*stategraph.Execution{},
		ctx:            ctx,
		cancel:         cancel,
		ownBroadcaster: ownBroadcaster,
	}, nil
}

// Close cancels every running execution and waits for their goroutines
// to drain. The broadcaster is closed only if the server created it.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
	if s.ownBroadcaster {
		s.broadcaster.Close()
	}
}

// Broadcaster returns the event broadcaster executions publish to.
func (s *Server) Broadcaster() *events.Broadcaster {
	return s.broadcaster
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/ws/executions/{id}", s.handleExecutionSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/workflows", s.handleCreateWorkflow)
		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/workflows/{id}", s.handleGetWorkflow)

		r.Get("/templates", s.handleListTemplates)

		r.Post("/executions", s.handleStartExecution)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Get("/executions/{id}/steps", s.handleGetExecutionSteps)
		r.Post("/executions/{id}/pause", s.handlePauseExecution)
		r.Post("/executions/{id}/resume", s.handleResumeExecution)
		r.Post("/executions/{id}/cancel", s.handleCancelExecution)

		r.Get("/costs/summary", s.handleCostSummary)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps persistence layer errors onto HTTP codes.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stategraph.ErrExecutionNotFound),
		errors.Is(err, stategraph.ErrCheckpointNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("store operation failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody parses a JSON request body, rejecting unknown fields so
// client typos fail loudly.
func decodeBody(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
