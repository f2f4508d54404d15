package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Server exposes the health surface over HTTP: /live and /ready for
// orchestrator probes, /health for the full report, /metrics for Prometheus.
type Server struct {
	logger   *logharbour.Logger
	reporter *Reporter
	srv      *http.Server
}

// NewServer builds the HTTP health server on the given port.
func NewServer(logger *logharbour.Logger, reporter *Reporter, port int) *Server {
	if logger == nil {
		panic("NewServer: logger is required")
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{logger: logger, reporter: reporter}
	r.GET("/live", s.handleLive)
	r.GET("/ready", s.handleReady)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, used by tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves in a background goroutine and returns immediately. Listen
// errors after startup are logged, not returned; the health surface is an
// observability aid and must not take the worker down with it.
func (s *Server) Start() {
	go func() {
		s.logger.Info().LogActivity("Health server listening", map[string]any{
			"addr": s.srv.Addr,
		})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(err).LogActivity("Health server stopped", nil)
		}
	}()
}

// Stop drains the health server.
func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn().LogActivity("Health server shutdown error", map[string]any{
			"error": err.Error(),
		})
	}
}

func (s *Server) handleLive(c *gin.Context) {
	if s.reporter.Live() {
		c.JSON(http.StatusOK, gin.H{"status": "live"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dead"})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.reporter.Ready(c.Request.Context()) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
}

// handleHealth always answers 200; the report body carries the verdict.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.reporter.Check(c.Request.Context()))
}
