// Package server exposes the orchestrator over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskplane/internal/app/orchestrator"
	"taskplane/internal/domain/task"
	"taskplane/internal/domain/tool"
	"taskplane/internal/shared/logging"
)

// TaskService is the orchestrator surface the API needs.
type TaskService interface {
	CreateTask(ctx context.Context, message, channelSessionID string, opts ...orchestrator.CreateOption) (*task.Task, error)
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	ListTasks(channelSessionID string) []*task.Task
	AbortTask(ctx context.Context, taskID string) (bool, error)
}

// ApprovalService resolves pending approvals.
type ApprovalService interface {
	ListPending(sessionID string) []*tool.ApprovalRequest
	Get(requestID string) (*tool.ApprovalRequest, bool)
	HandleResponse(ctx context.Context, requestID string, approved bool, userID string) (*tool.ApprovalRequest, error)
}

// Config configures the HTTP server.
type Config struct {
	Addr        string
	CORSOrigins []string
	Debug       bool
}

// Server is the HTTP entry point.
type Server struct {
	cfg       Config
	tasks     TaskService
	approvals ApprovalService
	hub       *Hub
	gatherer  prometheus.Gatherer
	logger    logging.Logger
	engine    *gin.Engine
	started   time.Time
	http      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer exposes metrics from g at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithLogger(logger logging.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(logger) }
}

// New builds the router. The hub must already be registered as the web
// channel observer.
func New(cfg Config, tasks TaskService, approvals ApprovalService, hub *Hub, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		tasks:     tasks,
		approvals: approvals,
		hub:       hub,
		gatherer:  prometheus.DefaultGatherer,
		logger:    logging.NewComponentLogger("HTTPServer"),
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestLogger(s.logger))
	if len(cfg.CORSOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		if len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*" {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = cfg.CORSOrigins
		}
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-Id"}
		corsConfig.AllowWebSockets = true
		s.engine.Use(cors.New(corsConfig))
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	s.engine.GET("/ws", s.handleWebSocket)

	api := s.engine.Group("/api")
	tasks := api.Group("/tasks")
	{
		tasks.POST("", s.handleCreateTask)
		tasks.GET("", s.handleListTasks)
		tasks.GET("/:id", s.handleGetTask)
		tasks.POST("/:id/abort", s.handleAbortTask)
	}
	approvals := api.Group("/approvals")
	{
		approvals.GET("", s.handleListApprovals)
		approvals.GET("/:id", s.handleGetApproval)
		approvals.POST("/:id", s.handleResolveApproval)
	}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = ":8080"
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		logger.Info("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
