// Package server wires the ledger services into the HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
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
	"tallyd/internal/account"
	"tallyd/internal/auth"
	"tallyd/internal/config"
	"tallyd/internal/health"
	"tallyd/internal/logging"
	"tallyd/internal/metrics"
	"tallyd/internal/notify"
	"tallyd/internal/ratelimit"
	"tallyd/internal/reconcile"
	"tallyd/internal/security"
	"tallyd/internal/store"
	"tallyd/internal/stream"
	"tallyd/internal/traces"
	"tallyd/internal/transfer"
	"tallyd/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	store  store.Store
	db     *sql.DB // nil if using in-memory

	accounts  *account.Service
	transfers *transfer.Service
	notifier  *notify.Service
	checker   *reconcile.Service

	monitor *transfer.Monitor
	worker  *notify.Worker
	hub     *stream.Hub
	sweeper *reconcile.Sweeper

	gate        *auth.Gate
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	traceShutdown func(context.Context) error

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

// WithStore sets a custom record store (for testing)
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
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

			pg := store.NewPostgresStore(db)
			if err := pg.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate record store", "error", err)
			}
			s.db = db
			s.store = pg
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = store.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	// Ledger services. The notifier hooks into transfer transactions and
	// the hub receives committed updates, so both attach to the transfer
	// service directly.
	s.accounts = account.NewService(s.store, s.logger)
	s.notifier = notify.NewService(s.store, s.logger).WithBaseURI(cfg.BaseURI)
	s.hub = stream.NewHub(s.logger).WithBaseURI(cfg.BaseURI)
	s.transfers = transfer.NewService(s.store, s.logger).
		WithNotifier(s.notifier).
		WithEvents(s.hub)

	s.monitor = transfer.NewMonitor(s.transfers, s.logger, cfg.ExpiryRescan)
	s.transfers.SetMonitor(s.monitor)

	s.worker = notify.NewWorker(s.notifier, s.logger, notify.WorkerConfig{
		Workers:     cfg.NotifyWorkers,
		MaxAttempts: cfg.NotifyMaxAttempts,
		Timeout:     cfg.NotifyTimeout,
		BackoffCap:  cfg.NotifyBackoffCap,
	})

	s.checker = reconcile.NewService(s.store, s.logger)
	s.sweeper = reconcile.NewSweeper(s.checker, s.logger, reconcile.DefaultInterval)

	// Bootstrap the admin account. Provision never overwrites an existing
	// account, so a changed ADMIN_PASSWORD does not rotate credentials here.
	if cfg.AdminPassword != "" {
		if err := s.accounts.Provision(ctx, cfg.AdminUser, cfg.AdminPassword, true); err != nil {
			return nil, fmt.Errorf("failed to provision admin account: %w", err)
		}
		s.logger.Info("admin account provisioned", "name", cfg.AdminUser)
	} else {
		s.logger.Warn("ADMIN_PASSWORD not set, admin account not provisioned")
	}

	// Authentication gate, checking revocation when a CRL is configured
	var crl *x509.RevocationList
	if cfg.TLSCRLFile != "" {
		data, err := os.ReadFile(cfg.TLSCRLFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CRL file: %w", err)
		}
		crl, err = auth.LoadCRL(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CRL: %w", err)
		}
		s.logger.Info("certificate revocation list loaded", "entries", len(crl.RevokedCertificateEntries))
	}
	s.gate = auth.NewGate(&accountDirectory{accounts: s.accounts}, crl, s.logger)

	// Health checks
	s.checks = health.NewRegistry()
	s.checks.Register("store", health.StoreChecker(s.store))

	// Tracing (no-op when OTLP_ENDPOINT is unset)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

	// Configure gin
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

	// CORS (allow all origins; credentials ride in headers, not cookies)
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
	// Probes and metrics stay outside authentication
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Every API route resolves the caller first. Requests without
	// credentials pass through anonymous; the Require* middleware on
	// individual routes decides what each operation demands.
	api := s.router.Group("", auth.Middleware(s.gate))

	account.NewHandler(s.accounts, s.cfg.BaseURI).RegisterRoutes(api)
	transfer.NewHandler(s.transfers, s.cfg.BaseURI).RegisterRoutes(api)

	subscriptions := notify.NewHandler(s.notifier, s.cfg.BaseURI)
	if !s.cfg.IsDevelopment() {
		// Outside development, refuse delivery targets that point into
		// private address space.
		subscriptions = subscriptions.WithTargetGuard()
	}
	subscriptions.RegisterRoutes(api)

	reconcile.NewHandler(s.checker).RegisterRoutes(api)

	// WebSocket transfer feed
	s.hub.RegisterRoutes(api)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
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

	if s.cfg.TLSEnabled() {
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			return err
		}
		s.httpSrv.TLSConfig = tlsCfg
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"baseUri", s.cfg.BaseURI,
			"tls", s.cfg.TLSEnabled(),
		)
		var err error
		if s.cfg.TLSEnabled() {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the feed hub
	go s.hub.Run(runCtx)

	// Start the transfer expiry monitor
	go s.monitor.Start(runCtx)

	// Start the notification delivery pool
	go s.worker.Start(runCtx)

	// Start the conservation sweeper
	go s.sweeper.Start(runCtx)

	// Export connection pool stats
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

// tlsConfig builds the listener TLS configuration. Client certificates are
// requested and verified against the configured CA when presented, but a
// connection without one still proceeds; those callers authenticate with
// basic or signature credentials instead.
func (s *Server) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.cfg.TLSClientCAFile == "" {
		return cfg, nil
	}

	pemData, err := os.ReadFile(s.cfg.TLSClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in %s", s.cfg.TLSClientCAFile)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.VerifyClientCertIfGiven
	return cfg, nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, monitor, workers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop the expiry monitor
	s.monitor.Stop()

	// Stop the delivery pool
	s.worker.Stop()

	// Stop the conservation sweeper
	s.sweeper.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending trace spans
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}

	// Close the store (and with it the connection pool)
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	} else if s.db != nil {
		s.logger.Info("database connection closed")
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

// accountDirectory exposes the account service as the credential directory
// the auth gate reads from.
type accountDirectory struct {
	accounts *account.Service
}

func (d *accountDirectory) Lookup(ctx context.Context, name string) (*auth.Credential, error) {
	detail, err := d.accounts.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return detail.Credential(), nil
}

func (d *accountDirectory) LookupFingerprint(ctx context.Context, fingerprint string) (*auth.Credential, error) {
	detail, err := d.accounts.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return detail.Credential(), nil
}
