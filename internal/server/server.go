// Package server provides the HTTP surface of the node: module routes
// under /api/v1, operational endpoints, and the middleware chain.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gilestrolab/ethoscope-node/internal/version"
	"github.com/gilestrolab/ethoscope-node/pkg/module"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ModuleSource provides the server with module metadata, routes, and
// health checks. Defined consumer-side; implemented by the registry.
type ModuleSource interface {
	AllRoutes() map[string][]module.Route
	All() []module.Module
}

// ReadinessChecker verifies that the server is ready to serve traffic.
type ReadinessChecker func(ctx context.Context) error

// Server is the node HTTP server.
type Server struct {
	httpServer *http.Server
	modules    ModuleSource
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
}

// New creates a Server with middleware and routes. The authMiddleware
// argument is optional; pass nil to serve an unauthenticated API.
func New(addr string, modules ModuleSource, logger *zap.Logger, ready ReadinessChecker, authMiddleware func(http.Handler) http.Handler) *Server {
	mux := http.NewServeMux()

	s := &Server{
		modules: modules,
		logger:  logger,
		mux:     mux,
		ready:   ready,
	}

	s.registerRoutes()
	s.mountModuleRoutes()

	// Middleware chain: outermost listed first.
	middlewares := []Middleware{
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, []string{"/healthz", "/readyz", "/metrics"}),
		VersionHeaderMiddleware,
		RateLimitMiddleware(100, 200, []string{"/healthz", "/readyz", "/metrics"}),
	}
	if authMiddleware != nil {
		middlewares = append(middlewares, authMiddleware)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      Chain(mux, middlewares...),
		ReadTimeout:  15 * time.Second,
		// Long-lived MJPEG and WebSocket responses must not be cut off
		// by a write deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/modules", s.handleModules)
}

// mountModuleRoutes registers module routes under /api/v1/{module}/,
// except stream and ws routes which mount at /api/v1/ directly so the
// browser-facing URLs stay short.
func (s *Server) mountModuleRoutes() {
	for name, routes := range s.modules.AllRoutes() {
		prefix := "/api/v1/" + name
		if name == "stream" || name == "ws" {
			prefix = "/api/v1"
		}
		for _, route := range routes {
			pattern := fmt.Sprintf("%s %s%s", route.Method, prefix, route.Path)
			s.mux.HandleFunc(pattern, route.Handler)
			s.logger.Debug("mounted route",
				zap.String("module", name),
				zap.String("pattern", pattern),
			)
		}
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is a liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// handleReadyz reports whether the server can serve traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// moduleHealth is one module's entry in the health response.
type moduleHealth struct {
	Name    string            `json:"name"`
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// handleHealth aggregates module health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := "ok"
	checks := []moduleHealth{}
	for _, m := range s.modules.All() {
		hc, ok := m.(module.HealthChecker)
		if !ok {
			continue
		}
		h := hc.Health(r.Context())
		if h.Status != "ok" {
			overall = "degraded"
		}
		checks = append(checks, moduleHealth{
			Name:    m.Info().Name,
			Status:  h.Status,
			Message: h.Message,
			Details: h.Details,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  overall,
		"service": "ethoscope-node",
		"version": version.Short(),
		"modules": checks,
	})
}

// moduleResponse describes a registered module.
type moduleResponse struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// handleModules returns the list of registered modules.
func (s *Server) handleModules(w http.ResponseWriter, _ *http.Request) {
	all := s.modules.All()
	info := make([]moduleResponse, 0, len(all))
	for _, m := range all {
		mi := m.Info()
		info = append(info, moduleResponse{
			Name:        mi.Name,
			Version:     mi.Version,
			Description: mi.Description,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}
