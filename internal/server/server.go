// Package server wires the governance pipeline and serves it over HTTP.
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
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/aegis/internal/audit"
	"github.com/mbd888/aegis/internal/chain"
	"github.com/mbd888/aegis/internal/config"
	"github.com/mbd888/aegis/internal/health"
	"github.com/mbd888/aegis/internal/identity"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/metrics"
	"github.com/mbd888/aegis/internal/modules"
	"github.com/mbd888/aegis/internal/payments"
	"github.com/mbd888/aegis/internal/plans"
	"github.com/mbd888/aegis/internal/quota"
	"github.com/mbd888/aegis/internal/ratelimit"
	"github.com/mbd888/aegis/internal/reconciliation"
	"github.com/mbd888/aegis/internal/security"
	"github.com/mbd888/aegis/internal/subscription"
	"github.com/mbd888/aegis/internal/syncutil"
	"github.com/mbd888/aegis/internal/tenancy"
	"github.com/mbd888/aegis/internal/tenant"
	"github.com/mbd888/aegis/internal/traces"
	"github.com/mbd888/aegis/internal/validation"
	"github.com/mbd888/aegis/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	catalog *plans.Catalog

	keys       *identity.KeyManager
	tokens     *identity.TokenIssuer
	tenants    tenant.Store
	modules    modules.Store
	auditStore audit.Store
	recorder   *audit.Recorder
	ledger     *subscription.Ledger
	quota      *quota.Enforcer
	engine     *reconciliation.Engine
	reconTimer *reconciliation.Timer
	checkout   payments.CheckoutCreator
	tracker    chain.Tracker
	hooks      webhooks.Store
	notifier   *webhooks.Dispatcher

	rateLimiter  *ratelimit.Limiter
	health       *health.Handler
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil without REDIS_URL
	closeChain   func()        // closes the RPC client, nil without a chain
	stopTraces   func(context.Context) error
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithCheckout replaces the Stripe checkout client (for testing).
func WithCheckout(c payments.CheckoutCreator) Option {
	return func(s *Server) {
		s.checkout = c
	}
}

// WithChainTracker replaces the RPC-backed tracker (for testing). The
// crypto rail still needs USDT_DEPOSIT_SEED.
func WithChainTracker(t chain.Tracker) Option {
	return func(s *Server) {
		s.tracker = t
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set logger/tracker)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTraces = stopTraces

	s.catalog = plans.Default(cfg.BillingPeriod, plans.StripePrices{
		plans.Starter:    cfg.StripePriceStarter,
		plans.Growth:     cfg.StripePriceGrowth,
		plans.Enterprise: cfg.StripePriceEnterprise,
	})

	// Coordination: Redis locks when several instances share tenants.
	// Without Redis each component keeps its own in-process lock; one
	// ContextShardedMutex must not be shared across nested lock holders.
	var locker syncutil.Locker
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		locker = syncutil.NewRedisLocker(client, "aegis:lock:", cfg.QuotaLockTTL)
		s.logger.Info("using Redis locks", "addr", opt.Addr)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		keyStore    identity.Store
		subStore    subscription.Store
		dedup       reconciliation.DedupStore
		parked      reconciliation.ParkedStore
		intentStore reconciliation.IntentStore
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
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if err := plans.Publish(ctx, db, s.catalog, time.Now()); err != nil {
			s.logger.Warn("failed to publish plan catalogue", "error", err)
		}

		keyStore = identity.NewPostgresStore(db)
		s.tenants = tenant.NewPostgresStore(db)
		s.modules = modules.NewPostgresStore(db)
		s.auditStore = audit.NewPostgresStore(db)
		subStore = subscription.NewPostgresStore(db)
		dedup = reconciliation.NewPostgresDedupStore(db, reconciliation.DefaultClaimTTL)
		parked = reconciliation.NewPostgresParkedStore(db)
		intentStore = reconciliation.NewPostgresIntentStore(db)
		s.hooks = webhooks.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		keyStore = identity.NewMemoryStore()
		s.tenants = tenant.NewMemoryStore()
		s.modules = modules.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		subStore = subscription.NewMemoryStore()
		parked = reconciliation.NewMemoryParkedStore()
		intentStore = reconciliation.NewMemoryIntentStore()
		s.hooks = webhooks.NewMemoryStore()
		if s.redis != nil {
			dedup = reconciliation.NewRedisDedupStore(s.redis, "aegis:dedup:", reconciliation.DefaultClaimTTL)
		} else {
			dedup = reconciliation.NewMemoryDedupStore()
		}
	}

	// Identity
	s.keys = identity.NewKeyManager(keyStore)
	if cfg.JWTSecret != "" {
		s.tokens = identity.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	} else {
		s.logger.Warn("JWT_SECRET not set, bearer tokens disabled")
	}

	// Tenant notifications of ledger transitions
	s.notifier = webhooks.NewDispatcher(s.hooks, s.logger,
		webhooks.WithURLValidator(s.endpointValidator()),
		webhooks.WithRetry(cfg.NotifyAttempts, cfg.NotifyBackoff),
		webhooks.WithHTTPClient(&http.Client{Timeout: cfg.NotifyTimeout}),
	)

	// Subscription ledger and quota gate
	ledgerOpts := []subscription.Option{
		subscription.WithGracePeriod(cfg.GracePeriod),
		subscription.WithTrialPeriod(cfg.TrialPeriod),
		subscription.WithObserver(webhooks.NewEmitter(s.notifier)),
	}
	quotaOpts := []quota.Option{
		quota.WithNoSubscriptionPolicy(cfg.NoSubscriptionPolicy),
		quota.WithLockTimeout(cfg.QuotaLockTimeout),
	}
	var engineOpts []reconciliation.Option
	if locker != nil {
		ledgerOpts = append(ledgerOpts, subscription.WithLocker(locker))
		quotaOpts = append(quotaOpts, quota.WithLocker(locker))
		engineOpts = append(engineOpts, reconciliation.WithLocker(locker))
	}

	s.ledger = subscription.NewLedger(subStore, s.catalog, s.logger, ledgerOpts...)
	s.quota = quota.NewEnforcer(s.ledger, s.logger, quotaOpts...)
	s.quota.Register(plans.ResourceModules, modules.Counter(s.modules))
	s.quota.Register(plans.ResourceMembers, quota.CounterFunc(s.keys.CountActive))

	s.recorder = audit.NewRecorder(s.auditStore, "/v1", s.logger)

	// Reconciliation engine, with the crypto rail when a chain is configured
	if cfg.CryptoRailEnabled() || s.tracker != nil {
		rail, err := s.cryptoRail(ctx, intentStore)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, rail)
	}
	s.engine = reconciliation.NewEngine(s.ledger, s.catalog, dedup, parked, s.logger, engineOpts...)
	s.reconTimer = reconciliation.NewTimer(s.engine, cfg.PollInterval, s.logger)

	if s.checkout == nil && cfg.StripeSecretKey != "" {
		s.checkout = payments.NewStripeCheckout(cfg.StripeSecretKey, cfg.StripeSuccessURL, cfg.StripeCancelURL)
		s.logger.Info("stripe checkout enabled")
	}

	// Health
	registry := health.NewRegistry(health.DefaultCheckTimeout)
	if s.db != nil {
		registry.Register("database", health.Database(s.db))
	}
	if s.redis != nil {
		registry.Register("redis", health.Redis(s.redis))
	}
	if s.tracker != nil {
		registry.Register("chain", health.Chain(cfg.USDTNetwork, s.tracker))
	}
	s.health = health.NewHandler(registry, s.version)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// cryptoRail dials the chain (unless a tracker was injected) and returns
// the engine option enabling USDT intents.
func (s *Server) cryptoRail(ctx context.Context, intents reconciliation.IntentStore) (reconciliation.Option, error) {
	deriver, err := chain.NewAddressDeriver(s.cfg.DepositSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to init deposit addresses: %w", err)
	}
	if s.tracker == nil {
		tracker, closeFn, err := chain.Dial(ctx, s.cfg.ChainRPCURL, chain.Config{
			Network: s.cfg.USDTNetwork,
			Token:   common.HexToAddress(s.cfg.USDTContract),
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.tracker = tracker
		s.closeChain = closeFn
	}
	s.logger.Info("USDT rail enabled",
		"network", s.cfg.USDTNetwork,
		"chain_id", s.cfg.ChainID,
		"confirmations", s.cfg.RequiredConfirmations,
	)
	return reconciliation.WithCryptoRail(intents, s.tracker, deriver, reconciliation.CryptoConfig{
		Network:               s.cfg.USDTNetwork,
		RequiredConfirmations: s.cfg.RequiredConfirmations,
		IntentTTL:             s.cfg.PaymentIntentTTL,
	}), nil
}

// endpointValidator vets tenant webhook URLs. Private addresses are only
// reachable when explicitly allowed outside production.
func (s *Server) endpointValidator() webhooks.URLValidator {
	if s.cfg.NotifyAllowLocal {
		return nil
	}
	return security.ValidateEndpointURL
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
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL_ERROR",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RPS:   s.cfg.RateLimitRPS,
		Burst: s.cfg.RateLimitBurst,
	})

	tenantHandler := tenant.NewHandler(s.tenants, s.keys, s.ledger, plans.Free)
	moduleHandler := modules.NewHandler(s.modules)
	subHandler := subscription.NewHandler(s.ledger)
	quotaHandler := quota.NewHandler(s.quota)
	auditHandler := audit.NewHandler(s.auditStore)
	planHandler := plans.NewHandler(s.catalog)
	paymentHandler := payments.NewHandler(s.engine, s.catalog, s.checkout, s.cfg.StripeWebhookSecret, s.cfg.StripeTolerance)

	// Every /v1 request resolves identity first; the rate limiter then
	// keys on the tenant when there is one.
	v1 := s.router.Group("/v1",
		identity.Middleware(identity.NewResolver(s.keys, s.tokens)),
		s.rateLimiter.Middleware(),
	)

	// Tenant-agnostic: processor callbacks and the public catalogue
	public := v1.Group("", tenancy.SkipTenantCheck(), tenancy.RequireTenant())
	paymentHandler.RegisterWebhookRoutes(public)
	planHandler.RegisterRoutes(public)

	// Platform operators
	admin := v1.Group("/admin",
		tenancy.SkipTenantCheck(),
		identity.RequireAdmin(s.cfg.AdminSecret),
		tenancy.RequireTenant(),
		s.recorder.Middleware(),
	)
	tenantHandler.RegisterAdminRoutes(admin)

	// Tenant-scoped: any member may read
	scoped := v1.Group("", tenancy.RequireTenant(), s.recorder.Middleware())
	subHandler.RegisterRoutes(scoped)
	quotaHandler.RegisterRoutes(scoped)
	auditHandler.RegisterRoutes(scoped)
	tenantHandler.RegisterRoutes(scoped)
	moduleHandler.RegisterRoutes(scoped)

	// Token exchange needs a credential, not just a tenant.
	if s.tokens != nil {
		auth := v1.Group("", identity.RequireAuth(), tenancy.RequireTenant(), s.recorder.Middleware())
		identity.NewTokenHandler(s.tokens).RegisterRoutes(auth)
	}

	// Writers
	members := scoped.Group("", identity.RequireRole(identity.RoleMember))
	moduleHandler.RegisterWriteRoutes(members, s.quota.Limit(plans.ResourceModules))

	// Tenant administrators: billing and membership
	managers := scoped.Group("", identity.RequireRole(identity.RoleAdmin))
	subHandler.RegisterManageRoutes(managers)
	tenantHandler.RegisterManageRoutes(managers, s.quota.Limit(plans.ResourceMembers))
	paymentHandler.RegisterRoutes(managers)
	webhooks.NewHandler(s.hooks, s.notifier, s.endpointValidator()).RegisterRoutes(managers)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
			"crypto_rail", s.engine.CryptoEnabled(),
			"card_checkout", s.checkout != nil,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Chain polling and subscription sweeps
	go s.reconTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.health.SetReady(true)
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
	s.health.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.reconTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	s.notifier.Wait()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.closeChain != nil {
		s.closeChain()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.stopTraces(ctx); err != nil {
		s.logger.Error("trace exporter shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
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
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
