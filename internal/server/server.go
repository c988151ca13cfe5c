// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskmesh/pkg/dag"
	"taskmesh/pkg/decompose"
	"taskmesh/pkg/health"
	"taskmesh/pkg/logx"
	"taskmesh/pkg/orchestrator"
	"taskmesh/pkg/resilience/ratelimit"
	"taskmesh/pkg/task"
)

// Error codes returned in error bodies.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidConfig       = "invalid_config"
	CodeDecompositionFailed = "decomposition_failed"
	CodeInvalidGraph        = "invalid_graph"
	CodeNotFound            = "not_found"
	CodeInternal            = "internal"
)

const (
	maxBodyBytes = 1 << 20
	maxLogLines  = 1000
)

// Runner runs one orchestration.
type Runner interface {
	Orchestrate(ctx context.Context, goal string, cfg orchestrator.Config) (*task.AggregatedResult, error)
}

// Providers lists configured providers and their client-side limiter state.
type Providers interface {
	Names() []string
	Available(provider string) bool
	LimiterStats() []ratelimit.Stats
}

// Deps are the components the server fronts.
type Deps struct {
	Runner    Runner
	Defaults  orchestrator.Config
	Monitor   *health.Monitor
	Providers Providers
	Metrics   http.Handler
}

// FromSystem takes every dependency from a wired system.
func FromSystem(sys *orchestrator.System) Deps {
	return Deps{
		Runner:    sys.Orchestrator,
		Defaults:  sys.DefaultRunConfig(),
		Monitor:   sys.Monitor,
		Providers: sys.Registry,
		Metrics:   sys.Metrics.Handler(),
	}
}

// Server serves the HTTP API.
type Server struct {
	deps   Deps
	router chi.Router
	server *http.Server
	logger *logx.Logger
}

// New builds the router.
func New(deps Deps) *Server {
	s := &Server{deps: deps, logger: logx.NewLogger("server")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.logRequests)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found")
	})

	r.Get("/healthz", s.handleHealthz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/orchestrate", s.handleOrchestrate)
		r.Get("/providers", s.handleProviders)
		r.Post("/providers/{name}/reset", s.handleResetProvider)
		r.Get("/logs", s.handleLogs)
	})
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. Request contexts derive from ctx.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		switch {
		case status >= http.StatusInternalServerError:
			s.logger.Error("%s %s -> %d in %s", r.Method, r.URL.Path, status, time.Since(start))
		case status >= http.StatusBadRequest:
			s.logger.Warn("%s %s -> %d in %s", r.Method, r.URL.Path, status, time.Since(start))
		default:
			logx.Debug(r.Context(), "server", "%s %s -> %d (%d bytes) in %s",
				r.Method, r.URL.Path, status, ww.BytesWritten(), time.Since(start))
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type orchestrateRequest struct {
	Goal   string          `json:"goal"`
	Config json.RawMessage `json:"config,omitempty"`
}

// handleOrchestrate implements POST /v1/orchestrate.
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "goal is required")
		return
	}

	cfg := s.deps.Defaults
	if len(req.Config) > 0 && string(req.Config) != "null" {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidConfig, "invalid config: "+err.Error())
			return
		}
	}

	res, err := s.deps.Runner.Orchestrate(r.Context(), req.Goal, cfg)
	if err != nil {
		status, code := classify(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("orchestration failed: %v", err)
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func classify(err error) (int, string) {
	var de *decompose.Error
	var ve *dag.ValidationError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidConfig):
		return http.StatusBadRequest, CodeInvalidConfig
	case errors.As(err, &de):
		return http.StatusBadRequest, CodeDecompositionFailed
	case errors.As(err, &ve):
		return http.StatusBadRequest, CodeInvalidGraph
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// ProviderStatus is one entry of GET /v1/providers.
type ProviderStatus struct {
	health.ProviderState
	Configured bool             `json:"configured"`
	Limiter    *ratelimit.Stats `json:"limiter,omitempty"`
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.providerStatuses())
}

func (s *Server) providerStatuses() []ProviderStatus {
	if s.deps.Providers == nil || s.deps.Monitor == nil {
		return []ProviderStatus{}
	}
	limits := map[string]ratelimit.Stats{}
	for _, st := range s.deps.Providers.LimiterStats() {
		limits[st.Provider] = st
	}

	names := s.deps.Providers.Names()
	out := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		ps := ProviderStatus{
			ProviderState: s.deps.Monitor.State(name),
			Configured:    s.deps.Providers.Available(name),
		}
		if st, ok := limits[name]; ok {
			ps.Limiter = &st
		}
		out = append(out, ps)
	}
	return out
}

func (s *Server) handleResetProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.deps.Monitor == nil || s.deps.Providers == nil || !known(s.deps.Providers.Names(), name) {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown provider "+name)
		return
	}
	s.deps.Monitor.Reset(name)
	s.logger.Info("provider %s reset by request", name)
	writeJSON(w, http.StatusOK, s.deps.Monitor.State(name))
}

func known(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// handleLogs implements GET /v1/logs?domain=&since=RFC3339.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var since time.Time
	if raw := query.Get("since"); raw != "" {
		var err error
		if since, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid since parameter (use RFC3339)")
			return
		}
	}

	logs := logx.GetRecentLogEntries(query.Get("domain"), since)
	if logs == nil {
		logs = []logx.LogEntry{}
	}
	if len(logs) > maxLogLines {
		logs = logs[len(logs)-maxLogLines:]
	}
	writeJSON(w, http.StatusOK, logs)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Warnf("failed to encode response: %v", err)
	}
}
