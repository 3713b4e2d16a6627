// Package server provides the HTTP API for a mucode database.
//
// Endpoints:
//
//	GET  /health                      liveness and snapshot version
//	GET  /status                      store counters and plan cache stats
//	POST /v1/query                    run one MUQL statement
//	POST /v1/build                    index a source tree
//	GET  /v1/nodes/:id                fetch a node
//	GET  /v1/nodes/:id/edges          edges of a node (?direction=out|in|both)
//	PUT  /v1/embeddings/:id           store a node vector
//	POST /v1/search                   nearest nodes by vector or text
//	GET  /metrics                     Prometheus exposition
//
// Node ids contain slashes, so clients path-escape them ("fn:pkg%2Fa.py:run").
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orneryd/mucode/pkg/mucode"
)

// ErrServerClosed is returned by Start after Stop. ErrBadRequest marks
// request bodies that bind but do not make sense.
var (
	ErrServerClosed = errors.New("server closed")
	ErrBadRequest   = errors.New("bad request")
)

// Config controls the listener and request limits.
type Config struct {
	Address string // ":7475" by default

	ReadTimeout  time.Duration
	WriteTimeout time.Duration // covers POST /v1/build, so keep it long
	IdleTimeout  time.Duration

	// MaxRequestSize caps request bodies; larger bodies fail to bind.
	MaxRequestSize int64
	// EnableMetrics exposes GET /metrics
	EnableMetrics bool
}

// DefaultConfig listens on :7475 with a 10MB body limit.
func DefaultConfig() *Config {
	return &Config{
		Address:        ":7475",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxRequestSize: 10 * 1024 * 1024,
		EnableMetrics:  true,
	}
}

// Server is the HTTP API server.
type Server struct {
	config *Config
	db     *mucode.DB
	logger *zap.Logger
	router *gin.Engine

	httpServer *http.Server
	listener   net.Listener

	closed  atomic.Bool
	started time.Time

	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates a server for db.
func New(db *mucode.DB, config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if db == nil {
		return nil, fmt.Errorf("database required")
	}

	s := &Server{
		config: config,
		db:     db,
		logger: db.Logger().Named("server"),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the router, for tests and embedding in another server.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listener and serves in the background. It returns once
// the address is bound, so Addr is valid afterwards.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()

	s.logger.Info("http server listening", zap.String("address", s.Addr()))
	return nil
}

// Stop drains in-flight requests until ctx expires. Later calls are no-ops.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr is the bound address, useful when Config.Address used port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats reports request counters since New.
func (s *Server) Stats() ServerStats {
	st := ServerStats{
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
	if !s.started.IsZero() {
		st.Uptime = time.Since(s.started)
	}
	return st
}

// ServerStats is the "server" block of GET /status.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	// Match escaped ids against the raw path, then unescape the params.
	router.UseRawPath = true
	router.UnescapePathValues = true

	router.Use(s.recoveryMiddleware(), s.metricsMiddleware(), s.loggingMiddleware(), s.bodyLimitMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)

	v1 := router.Group("/v1")
	v1.POST("/query", s.handleQuery)
	v1.POST("/build", s.handleBuild)
	v1.GET("/nodes/:id", s.handleNode)
	v1.GET("/nodes/:id/edges", s.handleEdges)
	v1.PUT("/embeddings/:id", s.handlePutEmbedding)
	v1.POST("/search", s.handleSearch)

	if s.config.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.db.Registry(), promhttp.HandlerOpts{})))
	}
	return router
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Health checks are noise.
		if c.Request.URL.Path == "/health" {
			return
		}
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		s.logger.Error("panic in handler", zap.Any("panic", err), zap.Stack("stack"))
		s.writeError(c, http.StatusInternalServerError, "INTERNAL", fmt.Errorf("internal server error"))
	})
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)
		c.Next()
	}
}

func (s *Server) bodyLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil && s.config.MaxRequestSize > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxRequestSize)
		}
		c.Next()
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(c *gin.Context, status int, code string, err error) {
	s.errorCount.Add(1)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// fail maps err to a status and error code.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := classify(err)
	s.writeError(c, status, code, err)
}
