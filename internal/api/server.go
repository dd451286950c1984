package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Martian-dev/invoice-ingest/internal/auth"
	"github.com/Martian-dev/invoice-ingest/internal/config"
	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/metrics"
	"github.com/Martian-dev/invoice-ingest/internal/sync"
)

const callerKey = "caller"

// Syncer runs sweeps on behalf of the HTTP triggers
type Syncer interface {
	RunForUser(ctx context.Context, userID string) (*sync.RunSummary, error)
	RunScheduled(ctx context.Context) *sync.RunSummary
}

// CallerVerifier authenticates the user behind an on-demand request
type CallerVerifier interface {
	CallerFromRequest(r *http.Request) (*auth.Caller, error)
}

// CronVerifier authenticates the external scheduler
type CronVerifier interface {
	Verify(token string) error
}

// Server represents the HTTP trigger surface
type Server struct {
	router     *gin.Engine
	config     config.ServerConfig
	syncer     Syncer
	callers    CallerVerifier
	cron       CronVerifier
	metrics    *metrics.Metrics
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, syncer Syncer, callers CallerVerifier, cron CronVerifier, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		router:  gin.New(),
		config:  cfg,
		syncer:  syncer,
		callers: callers,
		cron:    cron,
		metrics: m,
		logger:  logger,
	}
	s.router.HandleMethodNotAllowed = true
	s.router.Use(gin.Recovery())
	s.router.Use(metrics.Middleware(m, logger))
	s.router.Use(loggingMiddleware(logger))

	s.setupRoutes()
	return s
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	v1.POST("/sync", s.callerAuth(), s.handleSync)
	v1.POST("/cron/sync", s.cronAuth(), s.handleCronSync)
}

// loggingMiddleware logs each completed request
func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// callerAuth resolves the bearer JWT into a caller
func (s *Server) callerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.callers == nil {
			abortError(c, http.StatusUnauthorized, "unauthorized", "caller authentication is not configured")
			return
		}
		caller, err := s.callers.CallerFromRequest(c.Request)
		if err != nil {
			s.logger.Debug("caller rejected", zap.Error(err))
			abortError(c, http.StatusUnauthorized, "unauthorized", "invalid or missing bearer token")
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// cronAuth checks the scheduler's bearer token
func (s *Server) cronAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || s.cron == nil {
			abortError(c, http.StatusUnauthorized, "unauthorized", "invalid or missing bearer token")
			return
		}
		if err := s.cron.Verify(token); err != nil {
			s.logger.Warn("cron trigger rejected", zap.Error(err))
			abortError(c, http.StatusUnauthorized, "unauthorized", "invalid or missing bearer token")
			return
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// handleHealth returns health status
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleSync runs an on-demand sweep of the caller's accounts
func (s *Server) handleSync(c *gin.Context) {
	caller := c.MustGet(callerKey).(*auth.Caller)

	summary, err := s.syncer.RunForUser(c.Request.Context(), caller.UserID)
	if err != nil {
		var notConfigured *errors.ErrNotConfigured
		if stderrors.As(err, &notConfigured) {
			abortError(c, http.StatusUnprocessableEntity, "not_configured", "add at least one supplier sender before syncing")
			return
		}
		s.logger.Error("on-demand sync failed", zap.String("user_id", caller.UserID), zap.Error(err))
		_ = c.Error(err)
		abortError(c, http.StatusInternalServerError, "internal", "sync failed")
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleCronSync runs the scheduled sweep of every account
func (s *Server) handleCronSync(c *gin.Context) {
	c.JSON(http.StatusOK, s.syncer.RunScheduled(c.Request.Context()))
}

// NewHTTPServer creates a configured HTTP server. Sweeps run inside the
// request, so the write timeout leaves room for a full scheduled run.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Run starts the HTTP server and blocks until it stops
func (s *Server) Run() error {
	if s.httpServer == nil {
		s.httpServer = NewHTTPServer(s.config.Addr(), s.router)
	}
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
