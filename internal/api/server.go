package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"metapulse/internal/auth"
	"metapulse/internal/events"
	"metapulse/internal/logging"
	"metapulse/internal/market"
	"metapulse/internal/metrics"
	"metapulse/internal/ratelimit"
	"metapulse/internal/scheduler"
	"metapulse/internal/session"
	"metapulse/internal/store"
)

const (
	linkRateEvery = 12 * time.Second
	linkRateBurst = 5

	secretsCheckTimeout = 2 * time.Second
)

// MarketRefresher fetches and stores a fresh snapshot
type MarketRefresher interface {
	RefreshMarket(ctx context.Context) (market.Snapshot, error)
}

// SessionLinker is the session surface the API exposes
type SessionLinker interface {
	auth.Authenticator
	Link(code string) (session.Link, error)
	Profile(sessionID string) (session.Profile, error)
	Revoke(sessionID string)
}

// CycleReporter exposes orchestrator state for the status endpoint
type CycleReporter interface {
	Stage() scheduler.Stage
	LastCycle() (scheduler.CycleResult, bool)
}

// ChannelLister names the enabled fanout channels
type ChannelLister interface {
	Channels() []string
}

// BreakerReporter exposes circuit breaker state for an upstream
type BreakerReporter interface {
	Stats() map[string]interface{}
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies are the collaborators the handlers use. Refresher, Cycles,
// Channels and Gateway may be nil.
type Dependencies struct {
	Store     *store.SignalStore
	Bus       *events.Bus
	Refresher MarketRefresher
	Linker    SessionLinker
	Gateway   *ratelimit.Gateway
	Cycles    CycleReporter
	Channels  ChannelLister
	Upstream  BreakerReporter
	Secrets   HealthChecker
	Metrics   *metrics.Metrics
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ProductionMode  bool
	CORSOrigins     []string
	CookieName      string
	SessionDuration time.Duration
}

// Server represents the HTTP API server
type Server struct {
	router       *gin.Engine
	httpServer   *http.Server
	config       ServerConfig
	deps         Dependencies
	hub          *Hub
	linkThrottle *ratelimit.Throttle
	logger       *logging.Logger
	startedAt    time.Time
}

// NewServer creates a new API server and attaches its websocket hub to the bus
func NewServer(config ServerConfig, deps Dependencies, logger *logging.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if config.CookieName == "" {
		config.CookieName = auth.DefaultConfig().CookieName
	}
	if config.SessionDuration <= 0 {
		config.SessionDuration = auth.DefaultConfig().SessionDuration
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("api")

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(config.CORSOrigins)))

	s := &Server{
		router:       router,
		config:       config,
		deps:         deps,
		hub:          NewHub(deps.Store, logger),
		linkThrottle: ratelimit.NewThrottle(linkRateEvery, linkRateBurst),
		logger:       logger,
		startedAt:    time.Now(),
	}
	if deps.Bus != nil {
		s.hub.Attach(deps.Bus)
	}
	deps.Metrics.TrackFeedClients(s.hub.ClientCount)

	s.setupRoutes()
	return s
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	cfg.ExposeHeaders = []string{"Content-Length"}
	cfg.AllowCredentials = true
	return cfg
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/ws", s.handleWebSocket)

		api.GET("/signals", s.handleSignals)
		api.GET("/insights/latest", s.handleLatestInsight)
		api.GET("/market", s.handleMarket)
		api.POST("/market/refresh", s.handleMarketRefresh)
		api.GET("/status", s.handleStatus)

		api.POST("/link-telegram", s.handleLinkTelegram)

		authed := api.Group("")
		authed.Use(auth.Middleware(s.deps.Linker, s.config.CookieName))
		{
			authed.POST("/unlink", s.handleUnlink)
			authed.GET("/me", s.handleMe)
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket feed hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	go s.hub.Run(ctx)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and detaches the hub
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.hub.Stop()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// requestLogger tags each request with a trace ID and logs it
func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, reqLogger := logging.WithTraceContext(c.Request.Context(), logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", logging.TraceIDFromContext(ctx))

		c.Next()

		status := c.Writer.Status()
		l := reqLogger.WithDuration(time.Since(start))
		args := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"client_ip", c.ClientIP(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			l.Warn("Request failed", args...)
		case c.Request.URL.Path == "/health":
			l.Debug("Request", args...)
		default:
			l.Info("Request", args...)
		}
	}
}

// errorResponse sends one of the fixed opaque error codes
func errorResponse(c *gin.Context, statusCode int, code string) {
	c.JSON(statusCode, gin.H{"error": code})
}

// dataResponse wraps a payload the way every read endpoint does
func dataResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"data": data})
}
