// Package server wires the escrowd HTTP API: escrow lifecycle, service
// directory, ledger, auth, webhooks, and real-time streaming.
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
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/directory"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/internal/watcher"
	"github.com/mbd888/escrowd/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine

	db *sql.DB

	escrowService *escrow.Service
	directory     *directory.Directory
	ledger        *ledger.Ledger
	authMgr       *auth.Manager
	webhookStore  webhooks.Store
	emitter       *webhooks.Emitter
	realtimeHub   *realtime.Hub

	depositWatcher *watcher.Watcher
	rateLimiter    *ratelimit.Limiter
	healthReg      *health.Registry

	httpSrv        *http.Server
	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error

	healthy atomic.Bool
	ready   atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	var (
		escrowStore  escrow.Store
		dirStore     directory.Store
		ledgerStore  ledger.Store
		authStore    auth.Store
		webhookStore webhooks.Store
	)

	// Postgres if DATABASE_URL is set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		es := escrow.NewPostgresStore(db)
		if err := es.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		escrowStore = es

		ds := directory.NewPostgresStore(db)
		if err := ds.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate directory store", "error", err)
		}
		dirStore = ds

		ls := ledger.NewPostgresStore(db)
		if err := ls.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		ledgerStore = ls

		as := auth.NewPostgresStore(db)
		if err := as.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		authStore = as

		ws := webhooks.NewPostgresStore(db)
		if err := ws.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		webhookStore = ws

		s.healthReg.Register("database", health.Ping("database", db, 2*time.Second))
	} else {
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
		escrowStore = escrow.NewMemoryStore()
		dirStore = directory.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
	}

	s.ledger = ledger.New(ledgerStore)
	s.authMgr = auth.NewManager(authStore)

	// Webhooks + WebSocket streaming share one notifier
	s.webhookStore = webhookStore
	dispatcher := webhooks.NewDispatcher(webhookStore).WithFallbackSecret(cfg.WebhookSecret)
	s.emitter = webhooks.NewEmitter(dispatcher, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)
	notifier := &eventNotifier{
		hooks: s.emitter,
		live:  realtime.NewNotifier(s.realtimeHub),
	}

	// The ledger is the custody gateway: Create locks payer funds, terminal
	// transitions pay them out
	s.escrowService = escrow.NewService(escrowStore, s.ledger, cfg.EscrowTimeout).
		WithNotifier(notifier)

	s.directory = directory.NewDirectory(dirStore).WithNotifier(notifier)

	// Deposit watcher (needs an RPC endpoint)
	if cfg.WatcherEnabled() {
		w, err := watcher.New(watcher.Config{
			RPCURL:         cfg.RPCURL,
			USDCContract:   common.HexToAddress(cfg.USDCContract),
			DepositAddress: common.HexToAddress(cfg.DepositAddress),
			PollInterval:   watcher.DefaultConfig().PollInterval,
		}, s.ledger, &authAccountChecker{s.authMgr}, s.logger)
		if err != nil {
			s.logger.Error("deposit watcher disabled", "error", err)
		} else {
			s.depositWatcher = w
			s.logger.Info("deposit watcher enabled", "deposit_address", cfg.DepositAddress)
		}
	}

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	if idx := strings.Index(dsn, "@"); idx > 0 {
		if start := strings.Index(dsn, "://"); start > 0 {
			return dsn[:start+3] + "***" + dsn[idx:]
		}
	}
	return dsn
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
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

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

		logger := s.logger.With("request_id", logging.RequestID(c.Request.Context()))

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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	escrowHandler := escrow.NewHandler(s.escrowService)
	dirHandler := directory.NewHandler(s.directory)
	ledgerHandler := ledger.NewHandler(s.ledger, s.cfg.AdminSecret)
	authHandler := auth.NewHandler(s.authMgr)
	webhookHandler := webhooks.NewHandler(s.webhookStore)

	// PUBLIC ROUTES (no auth required)
	escrowHandler.RegisterRoutes(v1)
	dirHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterAdminRoutes(v1) // checks X-Admin-Secret itself

	v1.GET("/auth/info", authHandler.Info)
	v1.POST("/auth/register", authHandler.Register)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		escrowHandler.RegisterProtectedRoutes(protected)
		dirHandler.RegisterProtectedRoutes(protected)

		// Webhook management (must own the agent)
		owned := protected.Group("")
		owned.Use(auth.RequireOwnership(s.authMgr, "address"))
		webhookHandler.RegisterRoutes(owned)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.GET("/auth/me", authHandler.GetCurrentAgent)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":          "escrowd",
		"version":       "0.1.0",
		"escrowTimeout": s.escrowService.Timeout().String(),
		"endpoints": gin.H{
			"escrows":  "/v1/escrows",
			"services": "/v1/services",
			"auth":     "/v1/auth/register",
			"ws":       "/ws",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when OTLP endpoint is unset)
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start deposit watcher
	if s.depositWatcher != nil {
		if err := s.depositWatcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start deposit watcher", "error", err)
			s.depositWatcher = nil
		}
	}

	// DB pool metrics
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for all background goroutines (hub, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.depositWatcher != nil {
		s.depositWatcher.Stop()
		s.logger.Info("deposit watcher stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close failed", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router returns the gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// eventNotifier fans state-change notifications out to webhook delivery and
// the WebSocket hub.
type eventNotifier struct {
	hooks *webhooks.Emitter
	live  *realtime.Notifier
}

var (
	_ escrow.Notifier    = (*eventNotifier)(nil)
	_ directory.Notifier = (*eventNotifier)(nil)
)

func (n *eventNotifier) EscrowCreated(id uint64, payer, payee, amount, serviceID string) {
	n.hooks.EscrowCreated(id, payer, payee, amount, serviceID)
	n.live.EscrowCreated(id, payer, payee, amount, serviceID)
}

func (n *eventNotifier) PaymentLinked(id uint64, hash string) {
	n.hooks.PaymentLinked(id, hash)
	n.live.PaymentLinked(id, hash)
}

func (n *eventNotifier) PaymentVerified(id uint64, payee string) {
	n.hooks.PaymentVerified(id, payee)
	n.live.PaymentVerified(id, payee)
}

func (n *eventNotifier) EscrowCompleted(id uint64, payee, amount string) {
	n.hooks.EscrowCompleted(id, payee, amount)
	n.live.EscrowCompleted(id, payee, amount)
}

func (n *eventNotifier) EscrowRefunded(id uint64, payer, amount string) {
	n.hooks.EscrowRefunded(id, payer, amount)
	n.live.EscrowRefunded(id, payer, amount)
}

func (n *eventNotifier) EscrowDisputed(id uint64, disputer string) {
	n.hooks.EscrowDisputed(id, disputer)
	n.live.EscrowDisputed(id, disputer)
}

func (n *eventNotifier) ServiceRegistered(serviceID uint64, provider, name, price string) {
	n.hooks.ServiceRegistered(serviceID, provider, name, price)
	n.live.ServiceRegistered(serviceID, provider, name, price)
}

func (n *eventNotifier) ServiceUpdated(serviceID uint64, provider string, active bool) {
	n.hooks.ServiceUpdated(serviceID, provider, active)
	n.live.ServiceUpdated(serviceID, provider, active)
}

func (n *eventNotifier) X402PaymentRecorded(serviceID uint64, provider, paymentHash string, success bool) {
	n.hooks.X402PaymentRecorded(serviceID, provider, paymentHash, success)
	n.live.X402PaymentRecorded(serviceID, provider, paymentHash, success)
}

func (n *eventNotifier) ReputationUpdated(provider string, score uint32) {
	n.hooks.ReputationUpdated(provider, score)
	n.live.ReputationUpdated(provider, score)
}

// authAccountChecker treats any address holding at least one API key as a
// registered agent.
type authAccountChecker struct {
	mgr *auth.Manager
}

var _ watcher.AccountChecker = (*authAccountChecker)(nil)

func (a *authAccountChecker) IsRegistered(ctx context.Context, address string) bool {
	keys, err := a.mgr.ListKeys(ctx, address)
	return err == nil && len(keys) > 0
}
