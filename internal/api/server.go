package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yuguri76/fitbit/internal/config"
	"github.com/yuguri76/fitbit/internal/errors"
	"github.com/yuguri76/fitbit/internal/logging"
	"github.com/yuguri76/fitbit/internal/metrics"
	"github.com/yuguri76/fitbit/internal/middleware"
	"github.com/yuguri76/fitbit/internal/models"
	"github.com/yuguri76/fitbit/internal/scheduler"
)

// Authorizer drives the OAuth2 authorization code flow.
type Authorizer interface {
	AuthorizationURL(ctx context.Context, userID string) (string, error)
	HandleCallback(ctx context.Context, code, state string) (*models.UserToken, error)
	Invalidate(ctx context.Context, userID string) error
}

// JobManager owns the recurring collection jobs.
type JobManager interface {
	StartUser(userID string, tasks map[models.Cadence]scheduler.Task) error
	StopUser(userID string) int
	Jobs() []models.ScheduledJob
	RunNow(ctx context.Context, userID string, cadence models.Cadence) error
}

// TokenReader exposes stored credentials.
type TokenReader interface {
	ListUsers(ctx context.Context) ([]string, error)
	GetToken(ctx context.Context, userID string) (*models.UserToken, bool, error)
}

// Deps are the components the HTTP surface drives.
type Deps struct {
	Auth    Authorizer
	Jobs    JobManager
	Tasks   map[models.Cadence]scheduler.Task
	Tokens  TokenReader
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	Clock   func() time.Time
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	config      config.ServerConfig
	auth        Authorizer
	jobs        JobManager
	tasks       map[models.Cadence]scheduler.Task
	tokens      TokenReader
	metrics     *metrics.Metrics
	logger      *logging.Logger
	clock       func() time.Time
	rateLimiter *IPRateLimiter
	httpServer  *http.Server

	mu         sync.Mutex
	components []Shutdownable
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics("fitbit")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	requestsPerMinute := cfg.RateLimit.RequestsPerMinute
	if requestsPerMinute <= 0 {
		requestsPerMinute = 120
	}
	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 20
	}

	server := &Server{
		router:      gin.New(),
		config:      cfg,
		auth:        deps.Auth,
		jobs:        deps.Jobs,
		tasks:       deps.Tasks,
		tokens:      deps.Tokens,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		clock:       deps.Clock,
		rateLimiter: newIPRateLimiter(time.Minute/time.Duration(requestsPerMinute), burst),
	}
	server.router.HandleMethodNotAllowed = true

	server.router.Use(gin.Recovery())
	server.router.Use(metrics.Middleware(server.metrics, server.logger))
	server.router.Use(rateLimitMiddleware(server.rateLimiter))
	server.router.Use(bodyLimitMiddleware(1 << 20))
	server.router.Use(loggingMiddleware(server.logger))

	server.setupRoutes()
	return server
}

// loggingMiddleware logs every completed request with its correlation ID.
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.InfoWithContext(c.Request.Context(), "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.GET("/health", s.handleHealth)

	oauth := s.router.Group("")
	oauth.Use(noStoreMiddleware())
	{
		oauth.GET("/auth/:user_id", s.handleAuthorize)
		oauth.GET("/login", s.handleAuthorize)
		oauth.GET("/callback", s.handleCallback)
	}

	admin := s.router.Group("")
	admin.Use(middleware.AdminAudit(s.logger), APIKeyAuth(s.config.APIKeys, s.config.APIKeyHeader, s.logger))
	{
		admin.GET("/users", s.handleListUsers)
		admin.DELETE("/users/:user_id", s.handleRemoveUser)
		admin.GET("/jobs", s.handleListJobs)
		admin.POST("/users/:user_id/collect/:cadence", s.handleCollectNow)
	}
}

// Run starts the HTTP or HTTPS server based on TLS configuration
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)

	if s.config.TLS.Enabled {
		return s.RunTLS()
	}

	srv := NewHTTPServer(addr, s.router)
	s.setHTTPServer(srv)

	s.logger.Info("starting HTTP server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return &errors.ServerError{Op: "start", Addr: addr, Err: err}
	}
	return nil
}

// RunTLS starts the HTTPS server with TLS configuration
func (s *Server) RunTLS() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)
	tlsCfg := s.config.TLS

	srv, err := NewHTTPSServerWithConfig(addr, tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.MinVersion, s.router)
	if err != nil {
		return &errors.ServerError{Op: "start", Addr: addr, Err: err}
	}
	s.setHTTPServer(srv)

	s.logger.Info("starting HTTPS server", "addr", addr, "cert_file", tlsCfg.CertFile, "min_version", tlsCfg.MinVersion)
	if err := srv.ListenAndServeTLS("", ""); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return &errors.ServerError{Op: "start", Addr: addr, Err: err}
	}
	return nil
}

func (s *Server) setHTTPServer(srv *http.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpServer = srv
}

// OnShutdown registers a component stopped after the listener closes.
func (s *Server) OnShutdown(c Shutdownable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, c)
}

// Shutdown stops accepting requests, then stops every registered component
// in the order it was registered.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	s.mu.Lock()
	srv := s.httpServer
	components := append([]Shutdownable(nil), s.components...)
	s.mu.Unlock()

	if err := ShutdownWithComponents(ctx, srv, components); err != nil {
		s.logger.Error("graceful shutdown failed", "error", err.Error())
		return fmt.Errorf("shutdown errors: %w", err)
	}

	s.logger.Info("graceful shutdown completed")
	return nil
}

// handleHealth returns health status
func (s *Server) handleHealth(c *gin.Context) {
	jobs := 0
	if s.jobs != nil {
		jobs = len(s.jobs.Jobs())
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": s.clock().UTC(),
		"jobs":      jobs,
	})
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Message: message, Code: status})
}
