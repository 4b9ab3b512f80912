// Package httpapi is the REST facade: it maps HTTP verbs and paths onto
// the supervisor, the risk gate, the job queue, and the collection
// generator, and translates their errors into status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"mcpbridge-go/internal/config"
	"mcpbridge-go/internal/jobs"
	"mcpbridge-go/internal/jsonrpc"
	"mcpbridge-go/internal/observability"
	"mcpbridge-go/internal/postman"
	"mcpbridge-go/internal/riskgate"
	"mcpbridge-go/internal/upstream"
)

// Server provides the HTTP surface with a chi router
type Server struct {
	logger     *zap.Logger
	cfg        *config.Config
	supervisor *upstream.Supervisor
	gate       *riskgate.Gate
	jobs       *jobs.Manager
	generator  *postman.Generator
	metrics    *observability.MetricsManager
	router     *chi.Mux
	startTime  time.Time
}

// NewServer wires the facade to its collaborators and registers routes
func NewServer(logger *zap.Logger, cfg *config.Config, supervisor *upstream.Supervisor,
	gate *riskgate.Gate, jobsMgr *jobs.Manager, generator *postman.Generator,
	metrics *observability.MetricsManager) *Server {
	s := &Server{
		logger:     logger,
		cfg:        cfg,
		supervisor: supervisor,
		gate:       gate,
		jobs:       jobsMgr,
		generator:  generator,
		metrics:    metrics,
		router:     chi.NewRouter(),
		startTime:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// Router returns the configured handler
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Use(s.metrics.HTTPMiddleware())
	}
	s.router.Use(s.loggingMiddleware())
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	// CORS headers for browser access
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	s.router.Get("/servers", s.handleListServers)
	s.router.Post("/servers", s.handleAddServer)
	s.router.Route("/servers/{id}", func(r chi.Router) {
		r.Delete("/", s.handleDeleteServer)
		r.Get("/tools", s.handleListTools)
		r.Post("/tools/{toolName}", s.handleCallTool)
		r.Get("/resources", s.handleListResources)
		r.Get("/resources/{uri}", s.handleReadResource)
		r.Get("/prompts", s.handleListPrompts)
		r.Post("/prompts/{name}", s.handleGetPrompt)
	})

	s.router.Post("/confirmations/{confirmationId}", s.handleConfirmation)
	s.router.Post("/generate-postman", s.handleGeneratePostman)

	s.router.Post("/tool/execute", s.handleToolExecute)
	s.router.Post("/tool/execute/dynamic", s.handleToolExecuteDynamic)
	s.router.Post("/results/{jobId}", s.handleJobResult)
	s.router.Get("/results/{jobId}", s.handleJobResult)
	s.router.Get("/jobs", s.handleListJobs)

	s.router.Post("/test/timeout/{minutes}", s.handleTestTimeout)
}

func (s *Server) loggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			s.logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)))
		})
	}
}

// errorBody is the uniform failure shape: a short human string plus
// structured details where available.
type errorBody struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, details interface{}) {
	s.writeJSON(w, status, errorBody{Error: message, Details: details})
}

// writeRaw forwards an already-encoded JSON document unchanged
func (s *Server) writeRaw(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(raw) == 0 {
		raw = json.RawMessage(`null`)
	}
	if _, err := w.Write(raw); err != nil {
		s.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

// writeFailure translates collaborator errors into the enumerated status
// codes and serializes the failure body.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var details interface{}

	switch {
	case errors.Is(err, upstream.ErrNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, riskgate.ErrUnknownConfirmation):
		status = http.StatusNotFound
	case errors.Is(err, upstream.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, jobs.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, jobs.ErrJobExpired),
		errors.Is(err, riskgate.ErrExpiredConfirmation):
		status = http.StatusGone
	}

	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		details = rpcErr
	}

	s.writeError(w, status, err.Error(), details)
}

func (s *Server) decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// shutdownContext bounds cleanup work spawned from request handlers
func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
