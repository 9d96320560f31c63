// Package server wires the safety components together, serves the admin API
// and supervises every background loop.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/goshtasb/xorj-landing-sub001/internal/audit"
	"github.com/goshtasb/xorj-landing-sub001/internal/chain"
	"github.com/goshtasb/xorj-landing-sub001/internal/circuitbreaker"
	"github.com/goshtasb/xorj-landing-sub001/internal/config"
	"github.com/goshtasb/xorj-landing-sub001/internal/confirmation"
	"github.com/goshtasb/xorj-landing-sub001/internal/guard"
	"github.com/goshtasb/xorj-landing-sub001/internal/health"
	"github.com/goshtasb/xorj-landing-sub001/internal/killswitch"
	"github.com/goshtasb/xorj-landing-sub001/internal/logging"
	"github.com/goshtasb/xorj-landing-sub001/internal/metrics"
	"github.com/goshtasb/xorj-landing-sub001/internal/pricefeed"
	"github.com/goshtasb/xorj-landing-sub001/internal/ratelimit"
	"github.com/goshtasb/xorj-landing-sub001/internal/realtime"
	"github.com/goshtasb/xorj-landing-sub001/internal/security"
	"github.com/goshtasb/xorj-landing-sub001/internal/signer"
	"github.com/goshtasb/xorj-landing-sub001/internal/slippage"
	"github.com/goshtasb/xorj-landing-sub001/internal/traces"
)

// Version is reported by /health and the tracer resource.
const Version = "0.1.0"

// ErrChainDisabled is returned by chain operations when RPC_URL is unset.
var ErrChainDisabled = errors.New("server: chain client disabled (RPC_URL not set)")

// Chain is the RPC surface the server needs. *chain.Client satisfies it.
type Chain interface {
	TransactionStatus(ctx context.Context, signature string) (chain.TxStatus, error)
	SubmitTransaction(ctx context.Context, tx *types.Transaction) (string, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Ping(ctx context.Context) error
	Close() error
}

// offlineChain stands in when no RPC endpoint is configured. Admission,
// breakers and the kill switch keep working; submission fails.
type offlineChain struct{}

func (offlineChain) TransactionStatus(context.Context, string) (chain.TxStatus, error) {
	return chain.TxStatus{}, ErrChainDisabled
}
func (offlineChain) SubmitTransaction(context.Context, *types.Transaction) (string, error) {
	return "", ErrChainDisabled
}
func (offlineChain) SuggestGasPrice(context.Context) (*big.Int, error) { return nil, ErrChainDisabled }
func (offlineChain) Ping(context.Context) error                        { return ErrChainDisabled }
func (offlineChain) Close() error                                      { return nil }

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server owns the safety layer and its admin API.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB // nil when running without Postgres

	dispatcher *audit.Dispatcher
	breakers   *circuitbreaker.Manager
	feed       pricefeed.Feed
	slippage   *slippage.Controller
	chain      Chain
	signer     signer.Signer
	monitor    *confirmation.Monitor
	killSwitch *killswitch.Switch
	guard      *guard.Guard

	hub         *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithChain injects a chain client (for testing)
func WithChain(c Chain) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// WithPriceFeed injects a market data feed (for testing)
func WithPriceFeed(f pricefeed.Feed) Option {
	return func(s *Server) {
		s.feed = f
	}
}

// New builds every component from cfg. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}
	slog.SetDefault(s.logger)

	ctx := context.Background()

	// ----- Storage -----

	var (
		auditStore audit.Store
		eventStore killswitch.EventStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		auditStore = audit.NewPostgresStore(db)
		eventStore = killswitch.NewPostgresEventStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		auditStore = audit.NewMemoryStore(10000)
		eventStore = killswitch.NewMemoryEventStore()
		s.logger.Info("using in-memory storage (audit trail will not persist)")
	}
	s.dispatcher = audit.NewDispatcher(auditStore, logging.Component(s.logger, "audit"))

	// ----- Circuit breakers -----

	breakers, err := circuitbreaker.New(
		circuitbreaker.WithAuditSink(s.dispatcher),
		circuitbreaker.WithLogger(logging.Component(s.logger, "circuitbreaker")),
		circuitbreaker.WithRecoveryInterval(cfg.BreakerRecoveryInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit breakers: %w", err)
	}
	s.breakers = breakers

	// ----- Market data + slippage -----

	if s.feed == nil {
		if cfg.PriceFeedURL != "" {
			s.feed = pricefeed.NewHTTPFeed(cfg.PriceFeedURL, cfg.PriceCacheTTL)
			s.logger.Info("using HTTP price feed", "url", cfg.PriceFeedURL, "cache_ttl", cfg.PriceCacheTTL.String())
		} else {
			s.feed = pricefeed.DefaultStaticFeed()
			s.logger.Warn("no PRICE_FEED_URL set, using static market data")
		}
	}
	s.slippage = slippage.New(s.feed,
		slippage.WithAuditSink(s.dispatcher),
		slippage.WithLogger(logging.Component(s.logger, "slippage")),
		slippage.WithBreakers(breakers),
	)

	// ----- Chain + signer -----

	if s.chain == nil {
		if cfg.RPCURL != "" {
			c, err := chain.Dial(cfg.RPCURL, cfg.ChainID,
				chain.WithRateLimit(cfg.RPCRateLimit),
				chain.WithNetworkRecorder(breakers),
				chain.WithLogger(logging.Component(s.logger, "chain")),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to dial chain: %w", err)
			}
			s.chain = c
		} else {
			s.chain = offlineChain{}
			s.logger.Warn("no RPC_URL set, transaction submission disabled")
		}
	}

	base, err := newSigner(cfg)
	if err != nil {
		return nil, err
	}
	s.signer = signer.NewGuarded(base, breakers, logging.Component(s.logger, "signer"))
	s.logger.Info("signer ready", "mode", cfg.SignerMode, "address", base.Address().Hex())

	// ----- Confirmation monitor -----

	// The guard is built after the monitor; the replacer resolves it lazily.
	var g *guard.Guard
	s.monitor = confirmation.New(s.chain,
		confirmation.WithAuditSink(s.dispatcher),
		confirmation.WithLogger(logging.Component(s.logger, "confirmation")),
		confirmation.WithBreakers(breakers),
		confirmation.WithPollInterval(cfg.ConfirmationPollInterval),
		confirmation.WithMaxRetries(cfg.ConfirmationMaxRetries),
		confirmation.WithWorkers(cfg.ConfirmationWorkers),
		confirmation.WithReplacer(func(ctx context.Context, tx confirmation.Transaction) (string, error) {
			return g.Replace(ctx, tx)
		}),
	)

	// ----- Kill switch -----

	keys, err := killswitch.KeysFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load kill switch keys: %w", err)
	}
	if keys.ValidCount() == 0 {
		s.logger.Warn("no kill switch keys configured, deactivation will be impossible")
	}
	s.killSwitch = killswitch.New(
		killswitch.WithAuditSink(s.dispatcher),
		killswitch.WithLogger(logging.Component(s.logger, "killswitch")),
		killswitch.WithKeys(keys),
		killswitch.WithEventStore(eventStore),
		killswitch.WithHalter(breakers),
		killswitch.WithDrainer(s.monitor),
		killswitch.WithEnvironment(cfg.Env),
	)

	// ----- Guard -----

	g = guard.New(guard.Deps{
		Validator:  s.slippage,
		Breakers:   breakers,
		KillSwitch: s.killSwitch,
		Chain:      s.chain,
		Signer:     s.signer,
		Tracker:    s.monitor,
		Logger:     logging.Component(s.logger, "guard"),
	})
	s.guard = g

	// ----- Operator stream -----

	s.hub = realtime.NewHub(logging.Component(s.logger, "realtime"), realtime.WithSnapshot(s.snapshot))
	breakers.OnTransition(s.hub.BroadcastTransition)
	s.killSwitch.OnEvent(s.hub.BroadcastKillSwitch)

	// ----- Health -----

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db.PingContext))
	}
	s.health.RegisterInfo("chain", health.Ping("chain", s.chain.Ping))
	s.health.RegisterInfo("trading", s.tradingCheck)

	// ----- HTTP -----

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func newSigner(cfg *config.Config) (signer.Signer, error) {
	chainID := big.NewInt(cfg.ChainID)
	switch cfg.SignerMode {
	case signer.ModeKeystore:
		ks, err := signer.NewKeystoreSigner(cfg.KeystoreDir, cfg.KeystorePassphrase, cfg.KeystoreAddress, chainID)
		if err != nil {
			return nil, fmt.Errorf("failed to open keystore signer: %w", err)
		}
		return ks, nil
	default:
		dev, err := signer.NewDevSigner(cfg.PrivateKey, chainID)
		if err != nil {
			return nil, fmt.Errorf("failed to create dev signer: %w", err)
		}
		return dev, nil
	}
}

// snapshot is the first message every operator stream receives.
func (s *Server) snapshot() any {
	return map[string]any{
		"breakers":         s.breakers.SystemStatus(),
		"kill_switch":      s.killSwitch.Status(),
		"slippage_breaker": s.slippage.BreakerStatus(),
		"active_monitors":  s.monitor.ActiveCount(),
	}
}

// tradingCheck reports whether trades are currently admitted. It never
// fails readiness: a halted system must stay reachable for recovery.
func (s *Server) tradingCheck(context.Context) health.Status {
	if s.killSwitch.TradingHalted() {
		return health.Status{Name: "trading", Healthy: false, Detail: "kill switch " + string(s.killSwitch.State())}
	}
	if ok, reason := s.breakers.IsTradingAllowed(); !ok {
		return health.Status{Name: "trading", Healthy: false, Detail: reason}
	}
	return health.Status{Name: "trading", Healthy: true}
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.BodyLimit(security.DefaultMaxBodyBytes))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health/live" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

const (
	runtimeSampleInterval = 15 * time.Second
	shutdownTimeout       = 30 * time.Second
)

// Run serves the admin API and runs every background loop until ctx is
// done, SIGINT/SIGTERM arrives, or a loop fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// The audit dispatcher outlives the errgroup so events recorded while
	// draining still reach the store.
	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		s.dispatcher.Start(context.WithoutCancel(ctx))
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.breakers.Start(gctx)
		return nil
	})
	g.Go(func() error {
		s.monitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return s.killSwitch.Watch(gctx, killswitch.WatchConfig{
			File:         s.cfg.KillSwitchFile,
			PollInterval: s.cfg.KillSwitchPollInterval,
		})
	})
	if s.cfg.KillSwitchSignals {
		g.Go(func() error {
			s.killSwitch.HandleSignals(gctx)
			return nil
		})
	}
	if s.cfg.MaintenanceSchedule != "" {
		sched, err := s.killSwitch.ScheduleMaintenance(gctx, s.cfg.MaintenanceSchedule, s.cfg.MaintenanceDuration)
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			<-sched.Stop().Done()
			return nil
		})
	}
	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		metrics.StartRuntimeCollector(gctx, s.db, runtimeSampleInterval)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "signer", s.signer.Address().Hex())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdownHTTP()
	})

	s.ready.Store(true)
	s.logger.Info("server ready")

	err = g.Wait()
	s.drain()
	s.dispatcher.Stop()
	<-auditDone

	tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := shutdownTracing(tctx); terr != nil {
		s.logger.Warn("tracing shutdown error", "error", terr)
	}
	s.close()
	return err
}

func (s *Server) shutdownHTTP() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	return nil
}

// drain stops tracking in-flight transactions so their final state lands
// in the audit trail before the process exits.
func (s *Server) drain() {
	if n := s.monitor.ActiveCount(); n > 0 {
		s.logger.Warn("force completing active transaction monitors", "count", n)
		s.monitor.ForceCompleteAll(context.Background(), "Service shutdown")
	}
	s.killSwitch.Close()
}

func (s *Server) close() {
	if err := s.chain.Close(); err != nil {
		s.logger.Error("chain close error", "error", err)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	s.logger.Info("server stopped")
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
