// Package server wires the decision engine behind the HTTP API
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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/opsdeck/opsdeck/internal/actions"
	"github.com/opsdeck/opsdeck/internal/attribution"
	"github.com/opsdeck/opsdeck/internal/auth"
	"github.com/opsdeck/opsdeck/internal/config"
	"github.com/opsdeck/opsdeck/internal/effectiveness"
	"github.com/opsdeck/opsdeck/internal/flags"
	"github.com/opsdeck/opsdeck/internal/health"
	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/metrics"
	"github.com/opsdeck/opsdeck/internal/notify"
	"github.com/opsdeck/opsdeck/internal/orchestrator"
	"github.com/opsdeck/opsdeck/internal/policy"
	"github.com/opsdeck/opsdeck/internal/ratelimit"
	"github.com/opsdeck/opsdeck/internal/rules"
	"github.com/opsdeck/opsdeck/internal/sanitize"
	"github.com/opsdeck/opsdeck/internal/security"
	"github.com/opsdeck/opsdeck/internal/snapshot"
	"github.com/opsdeck/opsdeck/internal/syncutil"
	"github.com/opsdeck/opsdeck/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// ScoreRecomputer asks the external scoring read-model to refresh a scope.
// The engine never computes scores itself; it only triggers and reads them.
type ScoreRecomputer interface {
	Recompute(ctx context.Context, entityType, entityID string) error
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	flagStore   flags.Store
	actionStore actions.Store
	attrStore   attribution.Store
	weightStore policy.WeightStore
	authMgr     *auth.Manager

	source     rules.Source
	engine     *rules.Engine
	orch       *orchestrator.Orchestrator
	provider   snapshot.Provider
	aggregator *effectiveness.Aggregator
	policyEng  *policy.Engine

	scores     snapshot.ScoreSource // nil when no scoring read-model is wired
	recomputer ScoreRecomputer      // same collaborator, write side

	notifier notify.Notifier
	gate     *notify.Gate

	rateLimiter    *ratelimit.Limiter
	executeLimiter *ratelimit.Limiter
	checks         *health.Registry
	summary        *summaryCache
	summaryLocks   *syncutil.KeyedLock

	rdb          *redis.Client // nil unless REDIS_URL is set
	db           *sql.DB       // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	now          func() time.Time

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

// WithSource sets the read-model source for rule evaluation. Without one,
// rule runs see an empty snapshot and produce no candidates.
func WithSource(src rules.Source) Option {
	return func(s *Server) {
		s.source = src
	}
}

// WithScoreSource wires the external scoring read-model into snapshot
// capture and the summary surface.
func WithScoreSource(src snapshot.ScoreSource) Option {
	return func(s *Server) {
		s.scores = src
	}
}

// WithScoreRecomputer wires the scoring collaborator's refresh trigger.
func WithScoreRecomputer(r ScoreRecomputer) Option {
	return func(s *Server) {
		s.recomputer = r
	}
}

// WithNotifier overrides the outbound alert notifier (for testing)
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// WithClock overrides the server clock. Test hook; propagated to the rule
// engine, gate, and orchestrator.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		now:    time.Now,
	}

	// Apply options first (may set source/notifier/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.flagStore = flags.NewPostgresStore(db)
		s.actionStore = actions.NewPostgresStore(db)
		s.attrStore = attribution.NewPostgresStore(db)
		s.weightStore = policy.NewPostgresStore(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.flagStore = flags.NewMemoryStore()
		s.actionStore = actions.NewMemoryStore()
		s.attrStore = attribution.NewMemoryStore()
		s.weightStore = policy.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
	}

	// Notification cooldown store: Redis when configured, else the same
	// backend as the rest of the state.
	var eventStore notify.EventStore
	switch {
	case cfg.RedisURL != "":
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(ropts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.rdb = rdb
		eventStore = notify.NewRedisStore(rdb, cfg.NotifyCooldown)
		s.logger.Info("using Redis cooldown store", "url", maskDSN(cfg.RedisURL))
	case s.db != nil:
		eventStore = notify.NewPostgresStore(s.db)
	default:
		eventStore = notify.NewMemoryStore()
	}
	s.gate = notify.NewGate(eventStore, cfg.NotifyCooldown).WithClock(s.now)

	if s.notifier == nil {
		if cfg.WebhookURL != "" {
			if err := security.ValidateEndpointURL(cfg.WebhookURL); err != nil {
				return nil, fmt.Errorf("invalid ALERT_WEBHOOK_URL: %w", err)
			}
			s.notifier = notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret)
			s.logger.Info("alert webhook enabled", "url", maskDSN(cfg.WebhookURL))
		} else {
			s.notifier = notify.NoopNotifier{}
		}
	}

	if s.source == nil {
		s.source = rules.SourceFunc(func(ctx context.Context) (*rules.Input, error) {
			return &rules.Input{Now: s.now()}, nil
		})
	}

	s.engine = rules.NewEngine(rules.DefaultRegistry(), s.flagStore, s.actionStore, s.gate, s.notifier).WithClock(s.now)
	s.provider = snapshot.NewStoreProvider(
		&flagCensusAdapter{s.flagStore},
		&actionCensusAdapter{s.actionStore},
		s.scores,
	)
	recorder := attribution.NewRecorder(s.attrStore)
	s.orch = orchestrator.New(s.actionStore, s.provider, recorder, &engineTriggers{s}).WithClock(s.now)
	s.aggregator = effectiveness.NewAggregator(s.attrStore)
	s.policyEng = policy.NewEngine(s.actionStore, s.weightStore, s.flagStore).WithClock(s.now)
	s.summary = newSummaryCache(cfg.SummaryCacheTTL, s.now)
	s.summaryLocks = syncutil.NewKeyedLock()

	s.registerHealthChecks()

	// Set up router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) registerHealthChecks() {
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("postgres", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Healthy: false, Detail: sanitize.Error(err)}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})
	}
	if s.rdb != nil {
		rdb := s.rdb
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: sanitize.Error(err)}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}
}

// maskDSN hides credentials in a connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
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

	// CORS (the dashboard frontend is served from another origin)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group; everything here requires an API key so every mutation
	// and read is tied to an operator identity.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	// API key management (issuance is admin-gated inside RegisterRoutes)
	auth.NewHandler(s.authMgr).RegisterRoutes(v1, s.cfg.AdminSecret)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		protected.POST("/engine/run-rules", s.runRulesHandler)
		protected.GET("/engine/summary", s.summaryHandler)

		protected.GET("/flags", s.listFlagsHandler)
		protected.PATCH("/flags/:id/status", validation.IDParamMiddleware(), s.updateFlagStatusHandler)

		protected.GET("/actions", s.listActionsHandler)
		protected.GET("/actions/:id/executions", validation.IDParamMiddleware(), s.listExecutionsHandler)

		protected.POST("/policy/suggestions/apply", s.applySuggestionHandler)
	}

	// Execute/preview has its own per-actor budget on top of the global
	// limiter; a stuck dashboard retry loop must not drain the queue.
	s.executeLimiter = ratelimit.New(ratelimit.ExecuteConfig(s.cfg.ExecutesPerMin))
	execute := v1.Group("")
	execute.Use(auth.RequireAuth(), s.executeLimiter.ActorMiddleware())
	{
		execute.POST("/actions/run", s.runActionHandler)
	}
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start DB pool stats collector
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutines
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.executeLimiter != nil {
		s.executeLimiter.Stop()
	}

	// Close Redis connection
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
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

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// flagCensusAdapter adapts flags.Store to snapshot.RiskCounter
type flagCensusAdapter struct {
	store flags.Store
}

func (a *flagCensusAdapter) OpenRiskCounts(ctx context.Context, entityType, entityID string) (*snapshot.RiskContext, error) {
	c, err := a.store.OpenRiskCounts(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return &snapshot.RiskContext{
		OpenCount:     c.OpenCount,
		CriticalCount: c.CriticalCount,
		BySeverity:    c.BySeverity,
	}, nil
}

// actionCensusAdapter adapts actions.Store to snapshot.ActionCounter
type actionCensusAdapter struct {
	store actions.Store
}

func (a *actionCensusAdapter) QueuedActionCounts(ctx context.Context, entityType, entityID string) (*snapshot.NBAContext, error) {
	c, err := a.store.QueuedActionCounts(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return &snapshot.NBAContext{
		QueuedCount: c.QueuedCount,
		ByPriority:  c.ByPriority,
	}, nil
}

// engineTriggers adapts the rule engine to orchestrator.Triggers so the
// run_* action keys re-enter the same code path as POST /engine/run-rules.
type engineTriggers struct {
	s *Server
}

func (t *engineTriggers) RunRiskRules(ctx context.Context) (*rules.RunResult, error) {
	return t.s.runEngine(ctx)
}

func (t *engineTriggers) RunNextActions(ctx context.Context) (*rules.RunResult, error) {
	return t.s.runEngine(ctx)
}

func (t *engineTriggers) RecomputeScore(ctx context.Context, entityType, entityID string) error {
	if t.s.recomputer == nil {
		return fmt.Errorf("no scoring collaborator configured")
	}
	return t.s.recomputer.Recompute(ctx, entityType, entityID)
}

// runEngine loads the read-model snapshot and evaluates all rules against it.
func (s *Server) runEngine(ctx context.Context) (*rules.RunResult, error) {
	in, err := s.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rule input: %w", err)
	}
	return s.engine.Run(ctx, in)
}

// -----------------------------------------------------------------------------
// Summary cache
// -----------------------------------------------------------------------------

// summaryCache memoizes /engine/summary responses per range. Best effort: a
// stale entry is at most TTL old, and a miss just recomputes.
type summaryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]summaryEntry
}

type summaryEntry struct {
	payload  gin.H
	cachedAt time.Time
}

func newSummaryCache(ttl time.Duration, now func() time.Time) *summaryCache {
	return &summaryCache{ttl: ttl, now: now, entries: make(map[string]summaryEntry)}
}

func (c *summaryCache) get(key string) (gin.H, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.cachedAt) > c.ttl {
		return nil, false
	}
	return e.payload, true
}

func (c *summaryCache) put(key string, payload gin.H) {
	c.mu.Lock()
	c.entries[key] = summaryEntry{payload: payload, cachedAt: c.now()}
	c.mu.Unlock()
}

func (c *summaryCache) invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]summaryEntry)
	c.mu.Unlock()
}
