// Package api exposes sync jobs and the audit trail over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/terrafusion/syncservice/internal/application/orchestrator"
	"github.com/terrafusion/syncservice/internal/domain/audit"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/infrastructure/logging"
)

// JobService starts, stops and reports sync jobs. *orchestrator.Orchestrator satisfies it.
type JobService interface {
	StartSync(ctx context.Context, req orchestrator.StartRequest) (string, error)
	ResumeSync(ctx context.Context, req orchestrator.ResumeRequest) error
	RequestStop(jobID string) error
	GetSyncStatus(ctx context.Context, jobID string) (*job.SyncState, error)
	ListJobs(ctx context.Context) ([]*job.SyncState, error)
	ActiveJobs() []string
}

// AuditReader queries the audit trail. *auditlog.System satisfies it.
type AuditReader interface {
	GetEvents(ctx context.Context, filter audit.Filter, limit, offset int) ([]audit.Event, error)
	GetEvent(ctx context.Context, id string) (*audit.Event, error)
	GenerateReport(ctx context.Context, filter audit.Filter) (*audit.Report, error)
}

// Config holds configuration for the Server.
type Config struct {
	Address string
	// Tables are the configured tables; a start request selects among them.
	Tables []job.TableSpec
	// Metrics serves /metrics when set.
	Metrics         http.Handler
	ShutdownTimeout time.Duration
}

// Server is the HTTP front end of the sync engine.
type Server struct {
	config Config
	jobs   JobService
	audit  AuditReader
	logger *logging.Logger
	router *gin.Engine
}

// NewServer creates a Server and registers its routes.
func NewServer(cfg Config, jobs JobService, auditReader AuditReader, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		config: cfg,
		jobs:   jobs,
		audit:  auditReader,
		logger: logger.With("component", "api"),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)
	if s.config.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.config.Metrics))
	}

	v1 := s.router.Group("/api/v1")

	jobs := v1.Group("/jobs")
	jobs.POST("", s.startJob)
	jobs.GET("", s.listJobs)
	jobs.GET("/:id", s.getJob)
	jobs.POST("/:id/stop", s.stopJob)
	jobs.POST("/:id/resume", s.resumeJob)

	auditGroup := v1.Group("/audit")
	auditGroup.GET("/events", s.listEvents)
	auditGroup.GET("/events/:id", s.getEvent)
	auditGroup.GET("/report", s.report)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "address", s.config.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("api shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// respondError maps a sync error code onto an HTTP status.
func (s *Server) respondError(c *gin.Context, err error) {
	code := errors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.CodeValidation:
		status = http.StatusBadRequest
	case errors.CodeNotFound:
		status = http.StatusNotFound
	case errors.CodeConflict:
		status = http.StatusConflict
	case errors.CodeTransient:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, errorResponse{Error: err.Error(), Code: string(code)})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"active_jobs": len(s.jobs.ActiveJobs()),
	})
}
