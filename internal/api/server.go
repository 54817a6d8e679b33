package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oremus-labs/aip-weave/internal/handlers"
)

// Options configures the HTTP server wiring.
type Options struct {
	APIToken string
}

// Server wraps the Gin engine and associated configuration.
type Server struct {
	engine *gin.Engine
}

// NewServer constructs a Server with all HTTP routes configured.
func NewServer(handler *handlers.Handler, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware(), metricsMiddleware(), requestLogger())

	// Health + meta
	engine.GET("/healthz", handler.Health)
	engine.GET("/openapi", handler.OpenAPISpec)
	engine.GET("/openapi.yaml", handler.OpenAPIYAML)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	v1.Use(authMiddleware(opts.APIToken))

	// Sessions
	v1.GET("/history", handler.ListHistory)
	v1.GET("/sessions", handler.ListSessions)
	v1.POST("/sessions", handler.CreateSession)
	v1.GET("/sessions/:sid", handler.GetSession)
	v1.DELETE("/sessions/:sid", handler.DeleteSession)
	v1.POST("/sessions/:sid/auction", handler.RequestAuction)
	v1.GET("/sessions/:sid/journal", handler.Journal)

	// Billing
	v1.POST("/sessions/:sid/events/exposure", handler.FireExposure)
	v1.POST("/sessions/:sid/events/click", handler.FireClick)
	v1.POST("/sessions/:sid/events/conversion", handler.FireConversion)
	v1.POST("/sessions/:sid/visibility", handler.Visibility)

	// Messages
	v1.POST("/sessions/:sid/messages/:mid/streaming/start", handler.StreamingStart)
	v1.POST("/sessions/:sid/messages/:mid/streaming/complete", handler.StreamingComplete)
	v1.PUT("/sessions/:sid/messages/:mid/content", handler.PutContent)
	v1.POST("/sessions/:sid/messages/:mid/click", handler.Click)
	v1.GET("/sessions/:sid/messages/:mid/fallback", handler.Fallback)

	return &Server{engine: engine}
}

// Engine exposes the underlying Gin engine for advanced use (testing, etc.).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// HTTPServer builds the http.Server for addr without starting it.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
