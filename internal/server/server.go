// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/infravault/internal/admin"
	"github.com/mbd888/infravault/internal/audit"
	"github.com/mbd888/infravault/internal/auth"
	"github.com/mbd888/infravault/internal/circuitbreaker"
	"github.com/mbd888/infravault/internal/config"
	"github.com/mbd888/infravault/internal/health"
	"github.com/mbd888/infravault/internal/idgen"
	"github.com/mbd888/infravault/internal/ledger"
	"github.com/mbd888/infravault/internal/logging"
	"github.com/mbd888/infravault/internal/metrics"
	"github.com/mbd888/infravault/internal/oracle"
	"github.com/mbd888/infravault/internal/policy"
	"github.com/mbd888/infravault/internal/ratelimit"
	"github.com/mbd888/infravault/internal/realtime"
	"github.com/mbd888/infravault/internal/receipts"
	"github.com/mbd888/infravault/internal/reconciliation"
	"github.com/mbd888/infravault/internal/records"
	"github.com/mbd888/infravault/internal/security"
	"github.com/mbd888/infravault/internal/traces"
	"github.com/mbd888/infravault/internal/tracker"
	"github.com/mbd888/infravault/internal/validation"
	"github.com/mbd888/infravault/internal/webhooks"
	"github.com/mbd888/infravault/migrations"
	"github.com/redis/go-redis/v9"
)

// Version is reported by /health and /v1/info. The server binary replaces
// it with its build version.
var Version = "0.1.0"

// pendingBacklogLimit marks the service degraded when this many oracle
// requests are outstanding.
const pendingBacklogLimit = 10000

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	authMgr      *auth.Manager
	ledger       *ledger.Service
	events       *audit.Emitter
	kafka        *audit.KafkaSink
	webhookStore webhooks.Store
	webhooks     *webhooks.Dispatcher
	realtimeHub  *realtime.Hub
	receipts     *receipts.Service
	stores       storeSet
	pending      tracker.Store
	janitor      *tracker.Janitor
	reconciler   *reconciliation.Runner
	reconcile    *reconciliation.Timer
	localOracle  *oracle.Local          // nil in http oracle mode
	breaker      *circuitbreaker.Breaker // nil in local oracle mode
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	rateBuckets  *ratelimit.MemoryStore // nil when buckets live in Redis
	db           *sql.DB                // nil if using in-memory
	redis        redis.UniversalClient  // nil unless REDIS_ADDR is set
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// storeSet carries the stores picked in initStorage to initLedger.
type storeSet struct {
	records  records.Store
	receipts receipts.Store
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRedis supplies a Redis client for the request tracker instead of
// dialing REDIS_ADDR (tests use miniredis).
func WithRedis(client redis.UniversalClient) Option {
	return func(s *Server) {
		s.redis = client
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set logger/redis)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
		Version:     Version,
		Environment: cfg.Env,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initEvents(); err != nil {
		return nil, err
	}
	if err := s.initLedger(); err != nil {
		return nil, err
	}

	s.janitor = tracker.NewJanitor(s.pending, s.ledger, cfg.PendingTTL, cfg.JanitorInterval, s.logger)
	// Anything the janitor should already have expired is overdue.
	s.reconciler = reconciliation.NewRunner(s.pending, s.stores.records, cfg.PendingTTL+cfg.JanitorInterval, s.logger)
	s.reconcile = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// initStorage opens Postgres (when DATABASE_URL is set) and Redis (when
// REDIS_ADDR is set) and picks the stores. Without either everything is
// in memory.
func (s *Server) initStorage(ctx context.Context) error {
	cfg := s.cfg

	var (
		recordStore  records.Store = records.NewMemoryStore()
		auditLog     audit.Log     = audit.NewMemoryLog()
		authStore    auth.Store    = auth.NewMemoryStore()
		receiptStore receipts.Store
	)
	s.pending = tracker.NewMemoryStore()
	s.webhookStore = webhooks.NewMemoryStore()
	receiptStore = receipts.NewMemoryStore()

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		if err := metrics.RegisterDB(db, "infravault"); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
		recordStore = records.NewPostgresStore(db)
		auditLog = audit.NewPostgresLog(db)
		authStore = auth.NewPostgresStore(db)
		receiptStore = receipts.NewPostgresStore(db)
		s.pending = tracker.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage")
	}

	if s.redis == nil && cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}
	if s.redis != nil {
		s.pending = tracker.NewRedisStore(s.redis, cfg.RedisPrefix)
		s.logger.Info("using Redis request tracker", "prefix", cfg.RedisPrefix)
	}

	s.authMgr = auth.NewManager(authStore).WithBootstrapKey(cfg.AdminAPIKey)
	s.events = audit.NewEmitter(auditLog, s.logger)
	s.stores = storeSet{records: recordStore, receipts: receiptStore}
	return nil
}

// initEvents attaches the audit subscribers: webhooks, the WebSocket hub
// and, when configured, Kafka.
func (s *Server) initEvents() error {
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.logger)
	s.events.Subscribe("webhooks", s.webhooks.Handle)

	s.realtimeHub = realtime.NewHub(s.logger,
		realtime.WithHistory(s.events),
		realtime.WithOrigins(security.ParseOrigins(s.cfg.CORSOrigins)),
	)
	s.events.Subscribe("realtime", s.realtimeHub.Handle)

	if len(s.cfg.KafkaBrokers) > 0 {
		sink, err := audit.NewKafkaSink(audit.KafkaConfig{
			Brokers: s.cfg.KafkaBrokers,
			Topic:   s.cfg.KafkaTopic,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka sink: %w", err)
		}
		s.kafka = sink
		s.events.Subscribe("kafka", sink.Handle)
		s.logger.Info("audit export to kafka enabled", "topic", s.cfg.KafkaTopic)
	}
	return nil
}

// initLedger builds the oracle client, the authorization policy and the
// ledger service.
func (s *Server) initLedger() error {
	cfg := s.cfg

	var (
		client    oracle.Client
		encryptor oracle.Encryptor
		verifier  *oracle.Verifier
	)
	switch cfg.OracleMode {
	case "local":
		signer, err := localSigner(cfg.OraclePrivateKey)
		if err != nil {
			return err
		}
		s.localOracle = oracle.NewLocal(signer, s.logger)
		verifier, err = oracle.NewVerifier([]common.Address{signer.Address()}, 1)
		if err != nil {
			return err
		}
		client, encryptor = s.localOracle, s.localOracle
		s.logger.Warn("using in-process decryption oracle; not for production", "signer", signer.Address().Hex())
	case "http":
		addrs, err := oracle.ParseSignerAddresses(strings.Join(cfg.OracleSigners, ","))
		if err != nil {
			return fmt.Errorf("invalid ORACLE_SIGNERS: %w", err)
		}
		verifier, err = oracle.NewVerifier(addrs, cfg.OracleThreshold)
		if err != nil {
			return fmt.Errorf("invalid oracle verifier: %w", err)
		}
		s.breaker = circuitbreaker.New(circuitbreaker.Config{})
		s.breaker.Notify(func(t circuitbreaker.Transition) {
			s.logger.Warn("oracle circuit changed state", "url", t.Key, "from", t.From.String(), "to", t.To.String())
			// Callbacks may have been lost while the relayer was down.
			if t.To == circuitbreaker.StateClosed && s.reconcile != nil {
				s.reconcile.Kick()
			}
		})
		httpClient := oracle.NewHTTPClient(cfg.OracleURL, cfg.PublicURL, cfg.OracleAPIKey, oracle.WithBreaker(s.breaker))
		client, encryptor = httpClient, httpClient
		s.logger.Info("using oracle relayer", "url", cfg.OracleURL, "signers", len(addrs), "threshold", cfg.OracleThreshold)
	default:
		return fmt.Errorf("unknown oracle mode %q", cfg.OracleMode)
	}

	authz, err := policy.FromName(cfg.AuthPolicy)
	if err != nil {
		return err
	}

	opts := []ledger.Option{
		ledger.WithAuthorizer(authz),
		ledger.WithLogger(s.logger),
	}
	if cfg.ReceiptHMACSecret != "" {
		s.receipts = receipts.NewService(s.stores.receipts, receipts.NewSigner(cfg.ReceiptHMACSecret))
		opts = append(opts, ledger.WithReceipts(s.receipts))
		s.logger.Info("signed receipts enabled")
	}

	s.ledger, err = ledger.New(ledger.Deps{
		Records:   s.stores.records,
		Pending:   s.pending,
		Oracle:    client,
		Encryptor: encryptor,
		Verifier:  verifier,
		Events:    s.events,
	}, opts...)
	if err != nil {
		return err
	}

	if s.localOracle != nil {
		svc := s.ledger
		s.localOracle.SetDeliverer(func(ctx context.Context, cb oracle.Callback) error {
			return svc.HandleCallback(auth.WithPrincipal(ctx, auth.OraclePrincipal), cb)
		})
	}
	return nil
}

func localSigner(hexKey string) (*oracle.Signer, error) {
	if hexKey == "" {
		return oracle.GenerateSigner()
	}
	signer, err := oracle.SignerFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid ORACLE_PRIVATE_KEY: %w", err)
	}
	return signer, nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", health.DBChecker(s.db))
	}
	if s.redis != nil {
		client := s.redis
		s.health.Register("redis", health.PingChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}, 2*time.Second))
	}
	s.health.Register("pending_requests", health.PendingChecker(s.ledger.PendingCount, pendingBacklogLimit))
	s.health.Register("janitor", health.FlagChecker("janitor", s.janitor.Running))
	s.health.RegisterAdvisory("reconciliation", s.reconciliationCheck)
	if s.breaker != nil {
		s.health.RegisterAdvisory("oracle_circuit", s.oracleCircuitCheck)
	}
}

// oracleCircuitCheck reports an open relayer circuit. It is advisory: the
// ledger keeps serving reads while the relayer is down.
func (s *Server) oracleCircuitCheck(context.Context) health.Status {
	for _, snap := range s.breaker.Snapshots() {
		if snap.State != circuitbreaker.StateClosed {
			return health.Status{Name: "oracle_circuit", Healthy: false,
				Detail: fmt.Sprintf("%s %s after %d failures", snap.Key, snap.State, snap.Failures)}
		}
	}
	return health.Status{Name: "oracle_circuit", Healthy: true}
}

// reconciliationCheck reports the last reconciliation run. Before the
// first run there is nothing to report.
func (s *Server) reconciliationCheck(context.Context) health.Status {
	report := s.reconciler.Last()
	if report == nil {
		return health.Status{Name: "reconciliation", Healthy: true, Detail: "not run yet"}
	}
	if !report.Healthy {
		return health.Status{Name: "reconciliation", Healthy: false,
			Detail: fmt.Sprintf("%d missing targets, %d already analyzed", report.MissingTargets, report.AlreadyAnalyzed)}
	}
	return health.Status{Name: "reconciliation", Healthy: true, Detail: fmt.Sprintf("%d checked", report.Checked)}
}

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS; an empty list allows any origin (development)
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics and request spans
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// API key resolution; enforcement is per route group and in the
	// ledger's authorization policy
	s.router.Use(auth.Middleware(s.authMgr))

	// Rate limiting (keys on the principal, so after auth)
	limits := ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		Burst:             max(10, s.cfg.RateLimitRPM/6),
	}
	var buckets ratelimit.Store
	if s.redis != nil {
		buckets = ratelimit.NewRedisStore(s.redis, s.cfg.RedisPrefix, limits)
	} else {
		s.rateBuckets = ratelimit.NewMemoryStore(limits)
		buckets = s.rateBuckets
	}
	s.rateLimiter = ratelimit.New(buckets, limits, s.logger)
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Hex(16)
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Event stream
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	// Everything else needs a key; scope checks happen in the ledger's
	// policy (or per route for admin).
	authed := v1.Group("", auth.RequireAuth())

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ledgerHandler.RegisterRoutes(authed)
	ledgerHandler.RegisterCallbackRoutes(authed)

	if s.receipts != nil {
		receipts.NewHandler(s.receipts, s.logger).RegisterRoutes(authed)
	}

	webhooks.NewHandler(s.webhookStore, s.webhooks).RegisterRoutes(authed)

	adminGroup := authed.Group("/admin")
	auth.NewHandler(s.authMgr).RegisterRoutes(adminGroup)
	admin.NewHandler().
		WithPendingStore(s.pending).
		WithExpirer(s.ledger).
		WithReconciler(s.reconciler).
		RegisterRoutes(adminGroup.Group("", auth.RequireScope(auth.ScopeAdmin)))

	// Development helper: mint ciphertext handles on the in-process oracle
	if s.localOracle != nil && !s.cfg.IsProduction() {
		authed.POST("/dev/encrypt", auth.RequireScope(auth.ScopeSubmit), s.devEncryptHandler)
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

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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
		"name":        "infravault",
		"description": "Encrypted critical-infrastructure risk ledger",
		"version":     Version,
		"oracleMode":  s.cfg.OracleMode,
		"receipts":    s.receipts.Enabled(),
		"sectors":     []string{"power", "telecom", "transport", "water"},
		"realtime":    s.realtimeHub.Stats(),
	})
}

// DevEncryptRequest is the body of POST /v1/dev/encrypt.
type DevEncryptRequest struct {
	Values []uint64 `json:"values" binding:"required"`
}

func (s *Server) devEncryptHandler(c *gin.Context) {
	var req DevEncryptRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Values) == 0 || len(req.Values) > 16 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "values must hold 1 to 16 integers",
		})
		return
	}
	handles := make([]string, 0, len(req.Values))
	for _, v := range req.Values {
		h, err := s.localOracle.Encrypt(c.Request.Context(), v)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "encryption failed",
			})
			return
		}
		handles = append(handles, h.String())
	}
	c.JSON(http.StatusOK, gin.H{"handles": handles})
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"oracle_mode", s.cfg.OracleMode,
			"auth_policy", s.cfg.AuthPolicy,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start pending-request janitor
	go s.janitor.Start(runCtx)

	// Periodic tracker/ledger reconciliation
	go s.reconcile.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	// Cancel the context for all background goroutines (hub, janitor, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.janitor.Stop()
	s.reconcile.Stop()

	// Let in-process oracle callbacks land before the event pipeline closes
	if s.localOracle != nil {
		s.localOracle.Wait()
	}

	// Drain audit subscribers (webhooks, hub, kafka)
	s.events.Close()
	s.logger.Info("event pipeline drained")

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.rateBuckets != nil {
		s.rateBuckets.Close()
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

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ledger returns the ledger service (cmd wiring and tests).
func (s *Server) Ledger() *ledger.Service {
	return s.ledger
}
