// Package server wires the HTTP surface, the ledger listener and the stores
// together and owns process lifecycle.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nutripay/escrowsync/internal/chain"
	"github.com/nutripay/escrowsync/internal/config"
	"github.com/nutripay/escrowsync/internal/escrow"
	"github.com/nutripay/escrowsync/internal/health"
	"github.com/nutripay/escrowsync/internal/listener"
	"github.com/nutripay/escrowsync/internal/logging"
	"github.com/nutripay/escrowsync/internal/metrics"
	"github.com/nutripay/escrowsync/internal/notify"
	"github.com/nutripay/escrowsync/internal/payments"
	"github.com/nutripay/escrowsync/internal/ratelimit"
	"github.com/nutripay/escrowsync/internal/security"
	"github.com/nutripay/escrowsync/internal/units"
	"github.com/nutripay/escrowsync/internal/validation"
)

// Server wraps the HTTP server and all engine components.
type Server struct {
	cfg *config.Config

	chainClient  *chain.Client
	store        escrow.Store
	orchestrator *payments.Orchestrator
	listener     *listener.Listener
	reconciler   *listener.Reconciler
	dedup        listener.DedupStore
	fanout       *notify.Fanout
	feedHub      *notify.FeedHub
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter

	db      *sql.DB // nil if using in-memory stores
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithChainClient sets a custom ledger client (for testing).
func WithChainClient(c *chain.Client) Option {
	return func(s *Server) {
		s.chainClient = c
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, cfg.LogFormat),
		healthReg: health.NewRegistry(),
	}
	s.healthy.Store(true)

	for _, opt := range opts {
		opt(s)
	}

	if s.chainClient == nil {
		client, err := chain.New(chain.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
			Contract:   cfg.EscrowContract,
		})
		if err != nil {
			return nil, fmt.Errorf("create chain client: %w", err)
		}
		s.chainClient = client
	}

	var watermarks listener.WatermarkStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		s.store = escrow.NewPostgresStore(db)
		watermarks = listener.NewPostgresWatermarkStore(db)
		s.dedup = listener.NewPostgresDedupStore(db)
		s.healthReg.Register("database", health.Database(db))
		s.logger.Info("using postgres storage")
	} else {
		s.store = escrow.NewMemoryStore()
		watermarks = listener.NewMemoryWatermarkStore()
		s.dedup = listener.NewMemoryDedupStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (state is lost on restart)")
	}

	converter, err := units.NewConverter(cfg.NativeUnitScale)
	if err != nil {
		return nil, fmt.Errorf("unit converter: %w", err)
	}

	s.feedHub = notify.NewFeedHub(s.logger)
	var channel notify.Channel
	if cfg.WebhookURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.WebhookURL); err != nil {
				return nil, fmt.Errorf("webhook url: %w", err)
			}
		}
		channel = notify.NewWebhookChannel(cfg.WebhookURL, cfg.WebhookSecret)
	}
	s.fanout = notify.NewFanout(channel, s.feedHub, s.logger)

	s.orchestrator = payments.New(s.store, s.chainClient, converter, s.fanout,
		payments.Config{MaxSubmitAttempts: cfg.MaxSubmitAttempts}, s.logger)

	s.listener = listener.New(listener.Config{
		ConfirmationDepth: cfg.ConfirmationDepth,
		PollInterval:      cfg.PollInterval,
		StartBlock:        cfg.StartBlock,
		Workers:           cfg.Workers,
		QueueSize:         cfg.QueueSize,
	}, s.chainClient, s.store, watermarks, s.dedup, s.fanout, s.logger)

	s.reconciler = listener.NewReconciler(s.chainClient, s.chainClient, s.store, s.dedup, s.fanout, s.logger)

	s.healthReg.Register("ledger", health.Ledger(s.chainClient))
	s.healthReg.Register("listener", health.ListenerLag(s.chainClient, s.listener, 10*cfg.ConfirmationDepth))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws/feed", func(c *gin.Context) {
		s.feedHub.ServeWS(c.Writer, c.Request)
	})

	paymentsHandler := payments.NewHandler(s.orchestrator)

	v1 := s.router.Group("/v1")
	paymentsHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(s.bearerAuth())
	paymentsHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(s.bearerAuth())
	admin.POST("/replay", s.replayHandler)
	admin.GET("/escrows/:escrowId/verify", s.verifyHandler)
	admin.POST("/events/prune", s.pruneHandler)
}

// bearerAuth guards mutating routes with the shared admin secret. With no
// secret configured, requests pass only outside production.
func (s *Server) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   "auth_unconfigured",
					"message": "ADMIN_SECRET is not configured",
				})
				return
			}
			c.Next()
			return
		}

		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or missing bearer token",
			})
			return
		}
		c.Next()
	}
}

// Run starts the HTTP server, the listener and the feed hub, then blocks
// until a shutdown signal or context cancellation.
func (s *Server) Run(ctx context.Context) error {
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
			"contract", s.chainClient.Contract().Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.feedHub.Run(runCtx)

	if err := s.listener.Start(runCtx); err != nil {
		s.logger.Error("failed to start event listener", "error", err)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if s.cfg.ReconcileInterval > 0 && s.cfg.ReconcileWindow > 0 {
		go s.reconciler.Run(runCtx, s.cfg.ReconcileInterval, s.cfg.ReconcileWindow, s.listener.Watermark)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop event ingestion before anything else so no transition lands in a
	// half-closed process.
	if s.listener != nil {
		s.listener.Stop()
		s.logger.Info("event listener stopped")
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.cfg.IsProduction() {
		// Give load balancers time to stop sending traffic.
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

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.chainClient.Close(); err != nil {
		s.logger.Error("chain client close error", "error", err)
	}

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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
