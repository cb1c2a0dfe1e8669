package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/johnayoung/go-okx-trader/internal/config"
)

const (
	healthTimeout      = 5 * time.Second
	requestIDHeaderKey = "X-Request-ID"
)

// HealthChecker probes one dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Server exposes /metrics and /health over HTTP.
type Server struct {
	metrics *Metrics
	checks  map[string]HealthChecker
	logger  *slog.Logger
	version string
	path    string
	port    int
	started time.Time

	engine *gin.Engine
	srv    *http.Server
}

// NewServer builds the router. Call Start to begin listening.
func NewServer(cfg config.MetricsConfig, m *Metrics, checks map[string]HealthChecker, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if checks == nil {
		checks = map[string]HealthChecker{}
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	s := &Server{
		metrics: m,
		checks:  checks,
		logger:  logger,
		version: version,
		path:    path,
		port:    cfg.Port,
		started: time.Now(),
	}
	s.engine = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(gin.Recovery())

	if reg := s.metrics.Registry(); reg != nil {
		router.GET(s.path, gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	router.GET("/health", s.health)
	router.GET("/ready", s.ready)
	return router
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens in the background until Shutdown is called.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("metrics server listening", "port", s.port, "path", s.path)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(gin.H, len(names))
	for _, name := range names {
		if err := s.checks[name].HealthCheck(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			s.logger.Warn("health check failed", "check", name, "error", err)
			continue
		}
		results[name] = "ok"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    overall,
		"version":   s.version,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    results,
	})
}

func (s *Server) ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeaderKey)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(requestIDHeaderKey, id)
		c.Next()
	}
}
