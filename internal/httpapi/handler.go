// Package httpapi is the HTTP surface of the control plane: the management API used by
// clients and dashboards, and the callback API used by the sandboxed workers.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/slok/rollr/internal/app/agent"
	"github.com/slok/rollr/internal/app/jobs"
	"github.com/slok/rollr/internal/app/rollouts"
	"github.com/slok/rollr/internal/app/stats"
	"github.com/slok/rollr/internal/app/tasks"
	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
)

// AgentTokenHeader is the header carrying the rollout callback token.
const AgentTokenHeader = "X-Agent-Token"

// maxUploadSize is the max size of an uploaded tasks file.
const maxUploadSize = 32 << 20

// LogOpener opens the step log artifacts as decompressed JSON lines.
type LogOpener interface {
	Open(name string) (io.ReadCloser, error)
}

// HandlerConfig is the configuration for the HTTP handler.
type HandlerConfig struct {
	Tasks    *tasks.Service
	Jobs     *jobs.Service
	Rollouts *rollouts.Service
	Agent    *agent.Service
	Stats    *stats.Service
	// StepLogs serves the step log artifacts under /static/logs, disabled when missing.
	StepLogs LogOpener
	Logger   log.Logger
}

func (c *HandlerConfig) defaults() error {
	if c.Tasks == nil {
		return fmt.Errorf("tasks service is required")
	}

	if c.Jobs == nil {
		return fmt.Errorf("jobs service is required")
	}

	if c.Rollouts == nil {
		return fmt.Errorf("rollouts service is required")
	}

	if c.Agent == nil {
		return fmt.Errorf("agent service is required")
	}

	if c.Stats == nil {
		return fmt.Errorf("stats service is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "httpapi.Handler"})

	return nil
}

type handler struct {
	tasks    *tasks.Service
	jobs     *jobs.Service
	rollouts *rollouts.Service
	agent    *agent.Service
	stats    *stats.Service
	stepLogs LogOpener
	logger   log.Logger
}

// NewHandler returns the HTTP handler of the control plane. Every API route is served
// at the root and under /api.
func NewHandler(cfg HandlerConfig) (http.Handler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	h := handler{
		tasks:    cfg.Tasks,
		jobs:     cfg.Jobs,
		rollouts: cfg.Rollouts,
		agent:    cfg.Agent,
		stats:    cfg.Stats,
		stepLogs: cfg.StepLogs,
		logger:   cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(logRequests(cfg.Logger))
	r.Use(cors)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "rollr rollout control plane"})
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	if h.stepLogs != nil {
		r.Get("/static/logs/{name}", h.handleStaticLog)
	}

	h.routes(r)
	r.Route("/api", h.routes)

	return r, nil
}

func (h handler) routes(r chi.Router) {
	r.Post("/tasks/upload", h.handleUploadTasks)
	r.Get("/tasks", h.handleListTasks)
	r.Get("/tasks/{id}", h.handleGetTask)
	r.Get("/tasks/{id}/jobs", h.handleListTaskJobs)

	r.Get("/jobs/{id}", h.handleGetJob)
	r.Delete("/jobs/{id}", h.handleDeleteJob)

	r.Post("/rollouts", h.handleCreateRollouts)
	r.Get("/rollouts", h.handleListRollouts)
	r.Get("/rollouts/{id}", h.handleGetRollout)
	r.Delete("/rollouts/{id}", h.handleDeleteRollout)
	r.Get("/rollouts/{id}/logs", h.handleListRolloutLogs)
	r.Get("/rollouts/{id}/logs/latest", h.handleLatestRolloutLog)

	r.Get("/compute/stats", h.handleComputeStats)

	r.Route("/agent", func(r chi.Router) {
		r.Post("/status", h.handleAgentStatus)
		r.Post("/log", h.handleAgentLog)
		r.Post("/result", h.handleAgentResult)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+AgentTokenHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests logs every served request once it finishes.
func logRequests(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			l := logger.WithValues(log.Kv{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request-id": middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= http.StatusInternalServerError {
				l.Warningf("Request failed")
				return
			}
			l.Debugf("Request served")
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h handler) writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyExists):
		code = http.StatusConflict
	case errors.Is(err, model.ErrNotValid):
		code = http.StatusBadRequest
	case errors.Is(err, model.ErrUnauthorized):
		code = http.StatusUnauthorized
	}

	if code == http.StatusInternalServerError {
		h.logger.Errorf("Internal error: %v", err)
	}
	writeJSON(w, code, map[string]string{"detail": err.Error()})
}

// decodeJSON decodes a JSON request body, an empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %s: %w", err, model.ErrNotValid)
	}
	return nil
}
