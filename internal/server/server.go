// Package server sets up the HTTP server with all routes
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

	"github.com/mbd888/stakehold/internal/auth"
	"github.com/mbd888/stakehold/internal/chain"
	"github.com/mbd888/stakehold/internal/chain/attest"
	"github.com/mbd888/stakehold/internal/chain/btc"
	"github.com/mbd888/stakehold/internal/chain/evm"
	"github.com/mbd888/stakehold/internal/circuitbreaker"
	"github.com/mbd888/stakehold/internal/config"
	"github.com/mbd888/stakehold/internal/deposit"
	"github.com/mbd888/stakehold/internal/events"
	"github.com/mbd888/stakehold/internal/health"
	"github.com/mbd888/stakehold/internal/ledger"
	"github.com/mbd888/stakehold/internal/logging"
	"github.com/mbd888/stakehold/internal/metrics"
	"github.com/mbd888/stakehold/internal/ratelimit"
	"github.com/mbd888/stakehold/internal/realtime"
	"github.com/mbd888/stakehold/internal/reconciliation"
	"github.com/mbd888/stakehold/internal/security"
	"github.com/mbd888/stakehold/internal/session"
	"github.com/mbd888/stakehold/internal/settlement"
	"github.com/mbd888/stakehold/internal/traces"
	"github.com/mbd888/stakehold/internal/vault"
	"github.com/mbd888/stakehold/migrations"
)

const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
	drainDelay       = 5 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	version        string
	vaultKey       *vault.Key
	chains         *chain.Registry
	sessions       session.Store
	ledger         *ledger.Ledger
	breaker        *circuitbreaker.Breaker
	bus            *events.Bus
	natsPub        *events.NATSPublisher
	engine         *settlement.Engine
	depositWatcher *deposit.Watcher
	settleTimer    *settlement.Timer
	reconciler     *reconciliation.Service
	reconcileTimer *reconciliation.Timer // nil when RECONCILE_INTERVAL is 0
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	issuer         *auth.Issuer // nil disables operator auth (development only)
	health         *health.Registry
	closers        []func() // chain clients
	shutdownTraces func(context.Context) error
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

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

// WithVersion sets the build version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithChains replaces the configured chain adapters (for testing).
func WithChains(adapters ...chain.Adapter) Option {
	return func(s *Server) {
		s.chains = chain.NewRegistry(adapters...)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: drainDelay,
	}

	// Apply options first (may set chains/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	vaultKey, err := vault.ParseHexKey(cfg.VaultKey)
	if err != nil {
		return nil, fmt.Errorf("vault key: %w", err)
	}
	s.vaultKey = vaultKey

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	if s.chains == nil {
		if err := s.setupChains(); err != nil {
			s.closeChains()
			return nil, err
		}
	}
	if len(s.chains.Names()) == 0 {
		s.logger.Warn("no chains configured; every create request will be rejected")
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			s.closeChains()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			s.closeChains()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			s.closeChains()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		s.sessions = session.NewPostgresStore(db)
		s.ledger = ledger.New(ledger.NewPostgresStore(db))
		s.health.Register("database", health.Ping("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.sessions = session.NewMemoryStore()
		s.ledger = ledger.New(ledger.NewMemoryStore())
		if cfg.IsProduction() {
			s.logger.Warn("using in-memory storage in production; sessions and payouts will not survive a restart")
		} else {
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	// Events: websocket fan-out always, NATS when configured
	s.realtimeHub = realtime.NewHub(s.logger)
	s.bus = events.NewBus(s.logger, s.realtimeHub)
	if cfg.NATSURL != "" {
		pub, err := events.ConnectNATS(cfg.NATSURL, s.logger)
		if err != nil {
			s.logger.Warn("nats unavailable; events stay local", "error", err)
		} else {
			s.natsPub = pub
			s.bus.Attach(pub)
			s.logger.Info("publishing session events to nats", "subject", events.SubjectPrefix+".*")
		}
	}

	// Settlement engine
	s.breaker = circuitbreaker.New(breakerThreshold, breakerOpenFor)
	s.engine = settlement.NewEngine(s.sessions, s.ledger, s.chains, s.vaultKey, settlement.Config{
		SessionTimeout: cfg.SessionTimeout,
		MaxAttempts:    cfg.SettleMaxAttempts,
		RetryBase:      cfg.SettleRetryBase,
	}, s.logger).WithBreaker(s.breaker).WithEvents(s.bus)

	s.depositWatcher = deposit.NewWatcher(s.sessions, s.engine, cfg.DepositPollInterval, s.logger)
	s.settleTimer = settlement.NewTimer(s.engine, cfg.ExpiryInterval, s.logger)

	s.health.Register("deposit_watcher", health.Running("deposit_watcher", s.depositWatcher.Running))
	s.health.Register("settlement_timer", health.Running("settlement_timer", s.settleTimer.Running))
	for _, name := range s.chains.Names() {
		s.health.Register("chain:"+name, s.breakerCheck(name))
	}

	s.reconciler = reconciliation.NewService(s.sessions, s.ledger, s.chains)
	if cfg.ReconcileInterval > 0 {
		s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
		s.health.Register("reconciliation", health.Running("reconciliation", s.reconcileTimer.Running))
	}

	// Operator auth
	if cfg.OperatorJWTSecret != "" {
		iss, err := auth.NewIssuer([]byte(cfg.OperatorJWTSecret))
		if err != nil {
			s.closeChains()
			return nil, err
		}
		s.issuer = iss
	} else {
		s.logger.Warn("operator auth disabled (no OPERATOR_JWT_SECRET set)")
	}

	// Setup router
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupChains builds an adapter for every chain with an RPC endpoint.
func (s *Server) setupChains() error {
	s.chains = chain.NewRegistry()

	if c := s.cfg.BTC; c.Enabled() {
		client, err := btc.Dial(btc.RPCConfig{Host: c.RPCHost, User: c.RPCUser, Pass: c.RPCPass, TLS: c.RPCTLS})
		if err != nil {
			return fmt.Errorf("btc: %w", err)
		}
		s.closers = append(s.closers, client.Shutdown)
		adapter, err := btc.New(client, btc.Config{
			Network:   c.Network,
			MinConf:   c.MinConf,
			FeeRate:   c.FeeRate,
			DustLimit: c.DustLimit,
		})
		if err != nil {
			return err
		}
		s.chains.Register(adapter)
		s.logger.Info("chain enabled", "chain", adapter.Name(), "network", c.Network)
	}

	if c := s.cfg.EVM; c.Enabled() {
		adapter, err := evm.New(evm.Config{RPCURL: c.RPCURL, ChainID: c.ChainID})
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() { _ = adapter.Close() })
		s.chains.Register(adapter)
		s.logger.Info("chain enabled", "chain", adapter.Name(), "chain_id", c.ChainID)
	}

	if c := s.cfg.Attest; c.Enabled() {
		signer, err := attest.ImportSigner(c.SignerKey, s.vaultKey)
		if err != nil {
			return err
		}
		adapter, err := attest.New(attest.Config{RPCURL: c.RPCURL, ChainID: c.ChainID, Contract: c.Contract}, signer, s.vaultKey)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() { _ = adapter.Close() })
		s.chains.Register(adapter)
		s.logger.Info("chain enabled", "chain", adapter.Name(), "contract", c.Contract, "attester", adapter.SignerAddress())
	}
	return nil
}

func (s *Server) closeChains() {
	for _, closeFn := range s.closers {
		closeFn()
	}
	s.closers = nil
}

func (s *Server) breakerCheck(name string) health.Checker {
	return func(context.Context) health.Status {
		state := s.breaker.State(name)
		return health.Status{
			Name:    "chain:" + name,
			Healthy: state != circuitbreaker.StateOpen,
			Detail:  state.String(),
		}
	}
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
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(security.BodyLimitMiddleware(security.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if op := auth.Operator(c); op != "" {
			attrs = append(attrs, "operator", op)
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// rateKey buckets authenticated callers by operator and everyone else by
// address.
func rateKey(c *gin.Context) string {
	if op := auth.Operator(c); op != "" {
		return "operator:" + op
	}
	return "ip:" + c.ClientIP()
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler(s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	v1 := s.router.Group("/v1")
	if s.issuer != nil {
		v1.Use(auth.Middleware(s.issuer), s.rateLimiter.Middleware(rateKey), auth.RequireOperator())
	} else {
		v1.Use(s.rateLimiter.Middleware(rateKey))
	}

	settlement.NewHandler(s.engine).RegisterRoutes(v1)
	reconciliation.NewHandler(s.reconciler, s.reconcileTimer).RegisterRoutes(v1)
	v1.GET("/chains", s.chainsHandler)
	v1.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	v1.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

type chainInfo struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Decimals int    `json:"decimals"`
	Circuit  string `json:"circuit"`
}

func (s *Server) chainsHandler(c *gin.Context) {
	names := s.chains.Names()
	out := make([]chainInfo, 0, len(names))
	for _, name := range names {
		a, _ := s.chains.Get(name)
		out = append(out, chainInfo{
			Name:     name,
			Kind:     string(a.Kind()),
			Decimals: a.Decimals(),
			Circuit:  s.breaker.State(name).String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"chains": out})
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
			"chains", s.chains.Names(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.depositWatcher.Start(runCtx)
	go s.settleTimer.Start(runCtx)
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Resume payouts interrupted by a previous shutdown before taking traffic.
	go func() {
		s.settleTimer.Sweep(runCtx)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.stopWorkers()
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
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.stopWorkers()

	if s.natsPub != nil {
		if err := s.natsPub.Close(); err != nil {
			s.logger.Error("nats drain error", "error", err)
		}
	}

	s.closeChains()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// stopWorkers halts every background loop. In-flight payouts finish under
// their own context and persist their outcome before returning.
func (s *Server) stopWorkers() {
	s.depositWatcher.Stop()
	s.settleTimer.Stop()
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
	}
	s.rateLimiter.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.logger.Info("background workers stopped")
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the settlement engine.
func (s *Server) Engine() *settlement.Engine {
	return s.engine
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
