// Package server wires the relay together and runs it
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/replikanto/internal/activation"
	"github.com/mbd888/replikanto/internal/api"
	"github.com/mbd888/replikanto/internal/config"
	"github.com/mbd888/replikanto/internal/delivery"
	"github.com/mbd888/replikanto/internal/directory"
	"github.com/mbd888/replikanto/internal/fanout"
	"github.com/mbd888/replikanto/internal/health"
	"github.com/mbd888/replikanto/internal/identity"
	"github.com/mbd888/replikanto/internal/ingest"
	"github.com/mbd888/replikanto/internal/ledger"
	"github.com/mbd888/replikanto/internal/license"
	"github.com/mbd888/replikanto/internal/logging"
	"github.com/mbd888/replikanto/internal/metrics"
	"github.com/mbd888/replikanto/internal/notify"
	"github.com/mbd888/replikanto/internal/payments"
	"github.com/mbd888/replikanto/internal/ratelimit"
	"github.com/mbd888/replikanto/internal/realtime"
	"github.com/mbd888/replikanto/internal/relay"
	"github.com/mbd888/replikanto/internal/retry"
	"github.com/mbd888/replikanto/internal/security"
	"github.com/mbd888/replikanto/internal/storage"
	"github.com/mbd888/replikanto/internal/traces"
	"github.com/mbd888/replikanto/internal/transition"
	"github.com/mbd888/replikanto/migrations"
)

// redisPrefix namespaces every key the relay writes.
const redisPrefix = "replikanto"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db    *sql.DB               // nil if using in-memory
	redis redis.UniversalClient // nil if using in-memory

	ledger      *ledger.Ledger
	directory   *directory.Directory
	transitions directory.TransitionLog
	maintainer  *directory.Maintainer
	hub         *realtime.Hub
	engine      *delivery.Engine
	pool        *fanout.Pool
	dispatcher  *fanout.Dispatcher
	ingester    *ingest.Ingester
	positions   *ingest.ChanSource // nil when Postgres signals positions
	notifier    notify.Notifier
	telegram    *notify.Telegram
	relay       *relay.Service
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownTrace func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRedis sets a redis client instead of dialing REDIS_URL (for testing)
func WithRedis(rdb redis.UniversalClient) Option {
	return func(s *Server) {
		s.redis = rdb
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(2 * time.Second),
	}

	// Apply options first (may set redis/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	bounds := storage.NewBounds(cfg.StoreTimeout, cfg.StoreRetries, cfg.StoreBackoff)

	// Ledger and broadcast lists live in Postgres when DATABASE_URL is set.
	var (
		ledgerStore ledger.Store        = ledger.NewMemoryStore()
		listStore   directory.ListStore = directory.NewMemoryListStore()
		source      ingest.Source
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := Migrate(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		ledgerStore = ledger.NewPostgresStore(db)
		listStore = directory.NewPostgresListStore(db)
		source = ingest.NewPQSource(cfg.DatabaseURL, s.logger)
		s.health.Register("postgres", health.SQL(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.positions = ingest.NewChanSource(cfg.WorkQueue)
		source = s.positions
		s.logger.Info("using in-memory ledger and broadcast lists")
	}

	// Connections, transitions, instances and admin messages live in Redis
	// when REDIS_URL is set.
	if s.redis == nil && cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	transitionOpts := transition.Options{TTL: cfg.TransitionTTL, Window: cfg.TransitionWindow}
	var (
		connStore     directory.ConnectionStore
		transitionLog interface {
			directory.TransitionLog
			delivery.Transitions
		}
		instances activation.Store
	)
	if s.redis != nil {
		connStore = directory.NewRedisConnectionStore(s.redis, redisPrefix)
		transitionLog = transition.NewRedisLog(s.redis, redisPrefix, transitionOpts)
		instances = activation.NewRedisStore(s.redis, redisPrefix)
		s.notifier = notify.NewRedisNotifier(s.redis, cfg.AdminChannel)
		s.health.Register("redis", health.Redis(s.redis))
		s.logger.Info("using Redis connection directory")
	} else {
		connStore = directory.NewMemoryConnectionStore()
		transitionLog = transition.NewMemoryLog(transitionOpts)
		instances = activation.NewMemoryStore()
		s.notifier = notify.NewLogNotifier(s.logger)
	}
	s.transitions = transitionLog

	if cfg.TelegramToken != "" {
		s.telegram = notify.NewTelegram(notify.TelegramConfig{
			Token:       cfg.TelegramToken,
			AdminChatID: cfg.TelegramAdminChatID,
		}, s.logger)
		if s.redis == nil {
			// No broker to forward from: post directly.
			s.notifier = s.telegram
		}
	}

	// Core services
	s.ledger = ledger.New(ledgerStore, ledger.WithBounds(bounds), ledger.WithLogger(s.logger))
	s.directory = directory.New(connStore, listStore,
		directory.NewDirectoryCache(cfg.MembershipTTL, retry.RealClock{}),
		directory.WithBounds(bounds), directory.WithLogger(s.logger))
	resolver := identity.New(s.ledger, s.directory,
		identity.WithInitialCredits(cfg.InitialCredits), identity.WithLogger(s.logger))

	s.hub = realtime.NewHub(realtime.Config{
		Region:      cfg.Region,
		SendTimeout: cfg.SendTimeout,
		SendRate:    cfg.SendRate,
		SendBurst:   cfg.SendBurst,
	}, s.logger)
	s.engine = delivery.New(s.hub, s.directory, transitionLog, delivery.DefaultConfig(cfg.RetryTimes, cfg.RetryDelay))
	s.maintainer = directory.NewMaintainer(s.directory, transitionLog, s.logger)
	s.maintainer.SetReplayer(s.engine)

	s.pool = fanout.NewPool(cfg.Workers, cfg.WorkQueue, s.logger)
	s.maintainer.SetSubmitter(s.pool)
	s.dispatcher = fanout.NewDispatcher(s.directory, s.pool, s.engine, cfg.BroadcastChunks, cfg.SendTimeout, s.logger)
	s.ingester = ingest.New(source, s.directory, s.dispatcher, s.notifier, s.logger)

	deps := relay.Deps{
		Ledger:    s.ledger,
		Identity:  resolver,
		Directory: s.directory,
		Direct:    s.engine,
		Endpoints: s.engine,
		Lists:     s.dispatcher,
		License: license.New(license.Config{
			URL:        cfg.LicenseURL,
			Vendor:     cfg.VendorName,
			Password:   cfg.VendorPassword,
			Timeout:    cfg.LicenseTimeout,
			Production: cfg.IsProduction(),
		}, s.logger),
		Work: s.pool,
	}
	if s.positions != nil {
		deps.Positions = s.positions
	}
	s.relay = relay.New(deps, relay.Config{
		Blacklist:                  cfg.BlacklistedDevices,
		ChargeBroadcast:            cfg.ChargeBroadcast,
		ChargeDuplicateConnections: cfg.ChargeDuplicateConnections,
	}, s.logger)
	s.ledger.SetNotifier(s.relay)

	router := api.NewRouter(s.relay,
		activation.NewRegistry(instances, cfg.HMACKey, cfg.ActiveNotifyInterval, retry.RealClock{}, s.logger),
		cfg.AdminSecret, s.logger)
	s.hub.SetAdmitter(s.relay)
	s.hub.SetInbound(api.NewInbound(router))

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(api.NewHandler(router))

	s.healthy.Store(true)

	return s, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, api.Failure{
			Payload: relay.ErrorPayload{Status: "error", Msg: "An unexpected error occurred"},
		})
	}))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		if dev := c.GetHeader(relay.HeaderMachineID); dev != "" {
			ctx = logging.WithDeviceID(ctx, dev)
		}
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

type routeRegistrar interface {
	RegisterRoutes(r gin.IRouter)
}

func (s *Server) setupRoutes(handler routeRegistrar) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Client connections
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	handler.RegisterRoutes(s.router)

	// Stripe redelivers until it gets a 2xx, so the webhook sits outside the
	// action router.
	payments.NewHandler(s.ledger, s.cfg.StripeWebhookSecret, s.logger).RegisterRoutes(s.router.Group(""))
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    []health.Status        `json:"checks,omitempty"`
	Realtime  map[string]interface{} `json:"realtime,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version(),
		Checks:    checks,
		Realtime:  s.hub.Stats(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers: the worker pool, the websocket hub,
// the directory maintainer, the position ingest and the Telegram forwarder.
func (s *Server) Start(ctx context.Context) {
	go s.pool.Start(ctx)
	go s.hub.Run(ctx)
	go s.maintainer.Run(ctx, s.hub.Events())
	go func() {
		if err := s.ingester.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("position ingest stopped", "error", err)
		}
	}()
	if s.telegram != nil && s.redis != nil {
		go s.telegram.Forward(ctx, s.redis, s.cfg.AdminChannel)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTrace, err := traces.Init(runCtx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		Version:     s.version(),
		Region:      s.cfg.Region,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing not started", "error", err)
	} else {
		s.shutdownTrace = shutdownTrace
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "region", s.cfg.Region)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Cancel the context for all background goroutines (hub, pool, ingest)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) version() string {
	if s.cfg.Version == "" {
		return "dev"
	}
	return s.cfg.Version
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
