// Package api is the thin HTTP boundary: command receivers for the engine
// and paginated read surfaces over the store.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xyzplatform/dispatchd/pkg/broker"
	"github.com/xyzplatform/dispatchd/pkg/config"
	"github.com/xyzplatform/dispatchd/pkg/database"
	"github.com/xyzplatform/dispatchd/pkg/engine"
	"github.com/xyzplatform/dispatchd/pkg/models"
	"github.com/xyzplatform/dispatchd/pkg/store"
)

// Publisher publishes task messages onto broker topics.
type Publisher interface {
	Send(ctx context.Context, topic string, msg broker.TaskMessage) (string, error)
}

// UsageReader reads the accumulated LLM token usage of a session.
type UsageReader interface {
	Get(ctx context.Context, sessionID string) (models.TokenCounts, error)
}

// Server wires the HTTP handlers to the engine and store.
type Server struct {
	db     *database.Client
	store  *store.Store
	engine *engine.Engine
	bus    Publisher
	usage  UsageReader
	http   *http.Server
}

// NewServer creates the API server.
func NewServer(db *database.Client, st *store.Store, eng *engine.Engine, bus Publisher, usage UsageReader) *Server {
	return &Server{db: db, store: st, engine: eng, bus: bus, usage: usage}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.Health)

	dispatch := router.Group("/task-dispatch")
	{
		dispatch.POST("", s.CreateTask)
		dispatch.POST("/refactor", s.RefactorTask)
		dispatch.POST("/chat", s.ChatTask)
		dispatch.POST("/run/:task_id", s.RunTask)
	}

	tasks := router.Group("/tasks")
	{
		tasks.GET("", s.ListTasks)
		tasks.GET("/search", s.SearchTasks)
		tasks.GET("/by-session", s.TasksBySession)
		tasks.GET("/count", s.CountTasks)
		tasks.GET("/:task_id", s.GetTask)
		tasks.DELETE("/:task_id", s.DeleteTask)
		tasks.GET("/:task_id/chats", s.ListChats)
		tasks.GET("/:task_id/histories", s.ListHistories)
		tasks.GET("/:task_id/units", s.ListUnits)
	}

	router.GET("/audits-log/:session_id", s.ListAudits)
	router.GET("/llm-usage/:session_id", s.GetUsage)

	return router
}

// Start runs the HTTP server until the listener fails.
func (s *Server) Start(cfg config.ServerConfig) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Health reports process and database health.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.Pool())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": dbHealth,
	})
}

// respondError maps store errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case store.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
