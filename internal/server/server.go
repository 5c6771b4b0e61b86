// Package server exposes the plugin routes, health, plugin list and
// Prometheus metrics over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HerbHall/iotscan/internal/registry"
	"github.com/HerbHall/iotscan/internal/version"
	"github.com/HerbHall/iotscan/pkg/plugin"
)

// Server is the IoTScan HTTP server.
type Server struct {
	httpServer *http.Server
	registry   *registry.Registry
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a server that mounts every enabled plugin's routes. A nil
// gatherer leaves /metrics unmounted.
func New(addr string, reg *registry.Registry, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// No WriteTimeout: /api/v1/iot/events is a long-lived stream.
			IdleTimeout: 60 * time.Second,
		},
		registry: reg,
		gatherer: gatherer,
		logger:   logger,
		mux:      mux,
	}

	s.registerCoreRoutes()
	s.mountPluginRoutes()

	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerCoreRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/plugins", s.handlePlugins)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// mountPluginRoutes registers all plugin routes under /api/v1/{plugin}/.
func (s *Server) mountPluginRoutes() {
	for pluginName, routes := range s.registry.AllRoutes() {
		for _, route := range routes {
			pattern := fmt.Sprintf("%s /api/v1/%s%s", route.Method, pluginName, route.Path)
			s.mux.HandleFunc(pattern, route.Handler)
			s.logger.Debug("mounted route",
				zap.String("plugin", pluginName),
				zap.String("pattern", pattern),
			)
		}
	}
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status  string                         `json:"status"`
	Service string                         `json:"service"`
	Version map[string]string              `json:"version"`
	Plugins map[string]plugin.HealthStatus `json:"plugins,omitempty"`
}

// handleHealth reports "ok" unless a plugin reports itself unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	plugins := s.registry.Health(r.Context())
	resp := healthResponse{
		Status:  "ok",
		Service: "iotscan",
		Version: version.Map(),
		Plugins: plugins,
	}
	code := http.StatusOK
	for _, h := range plugins {
		if h.Status == "unhealthy" {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	w.Header().Set("X-IoTScan-Version", version.Short())
	WriteJSON(w, code, resp)
}

type pluginResponse struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// handlePlugins lists the enabled plugins in start order.
func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	plugins := s.registry.All()
	info := make([]pluginResponse, 0, len(plugins))
	for _, p := range plugins {
		pi := p.Info()
		info = append(info, pluginResponse{
			Name:         pi.Name,
			Version:      pi.Version,
			Description:  pi.Description,
			Dependencies: pi.Dependencies,
		})
	}
	w.Header().Set("X-IoTScan-Version", version.Short())
	WriteJSON(w, http.StatusOK, info)
}
