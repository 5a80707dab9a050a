// Package api is the REST/SSE control plane: start, resume, cancel, and
// observe pipeline runs.
package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/connectorforge/forge/pkg/checkpoint"
	"github.com/connectorforge/forge/pkg/events"
	"github.com/connectorforge/forge/pkg/graph"
	"github.com/connectorforge/forge/pkg/runner"
	"github.com/connectorforge/forge/pkg/state"
)

// Server wires the HTTP handlers to the runner, the checkpoint store, and
// the event broadcaster.
type Server struct {
	runner      *runner.Runner
	store       checkpoint.Store
	broadcaster *events.Broadcaster
	app         *graph.App
	health      HealthInfo
	logger      *slog.Logger
}

// HealthInfo is the static configuration reported by /health.
type HealthInfo struct {
	CheckpointerType string
	CheckpointerPath string
	Limits           state.Limits
}

// NewServer creates the API server. app is a compiled pipeline used only
// for the diagram endpoint.
func NewServer(r *runner.Runner, store checkpoint.Store, broadcaster *events.Broadcaster, app *graph.App, health HealthInfo, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runner:      r,
		store:       store,
		broadcaster: broadcaster,
		app:         app,
		health:      health,
		logger:      logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.POST("/pipeline/start", s.startPipeline)
	engine.POST("/pipeline/resume", s.resumePipeline)
	engine.DELETE("/pipeline/cancel/:thread_id", s.cancelPipeline)
	engine.GET("/pipeline/status/:thread_id", s.pipelineStatus)
	engine.GET("/pipeline/history/:thread_id", s.pipelineHistory)
	engine.GET("/pipeline/stream/:connector_name", s.streamPipeline)
	engine.GET("/pipeline/diagram", s.pipelineDiagram)
	engine.GET("/pipelines/active", s.activePipelines)
	engine.GET("/health", s.healthCheck)

	return engine
}

// requestLogger logs each request with slog, skipping the SSE endpoint
// whose duration equals the client's connection lifetime.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/pipeline/stream/:connector_name" {
			return
		}
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
