// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"clinic-billing-service/internal/config"
	adminHandler "clinic-billing-service/internal/handlers/admin"
	billingHandler "clinic-billing-service/internal/handlers/billing"
	webhookHandler "clinic-billing-service/internal/handlers/webhook"
	wsHandler "clinic-billing-service/internal/handlers/websocket"
	"clinic-billing-service/internal/middleware"
	"clinic-billing-service/internal/notify"
	"clinic-billing-service/internal/pkg/jwt"
	"clinic-billing-service/internal/pkg/ratelimit"
	"clinic-billing-service/internal/pkg/retry"
	"clinic-billing-service/internal/service/reconcile"
	webhooksvc "clinic-billing-service/internal/service/webhook"
	"clinic-billing-service/internal/telemetry"
	"clinic-billing-service/internal/websocket"
	wsHandlers "clinic-billing-service/internal/websocket/handler"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "clinic-billing-service"

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger
}

func NewServer(cfg config.AppConfig, logger *zap.Logger) *Server {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{cfg: cfg, engine: gin.New(), logger: logger}
}

// NewLogger builds the process logger for the configured environment.
func NewLogger(cfg config.AppConfig) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Start wires every component and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	logger := s.logger

	// ----- Tracing -----
	tp, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		ServiceName: serviceName,
		Environment: s.cfg.AppEnv,
		Insecure:    true,
		SampleRate:  1,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	// ----- JWT -----
	verifier, err := jwt.LoadVerifier(s.cfg.JWT)
	if err != nil {
		return fmt.Errorf("failed to load JWT verifier: %w", err)
	}

	// ----- WebSocket Hub -----
	hub := websocket.NewHub(verifier, logger.Named("ws"))

	// ----- Core -----
	core, err := BuildCore(ctx, s.cfg, logger, notify.NewHub(hub))
	if err != nil {
		return err
	}
	defer core.Close()

	hub.RegisterHandler(wsHandlers.NewBillingHandler(core.Status))

	// ----- Background work -----
	processor := webhooksvc.NewProcessor(webhooksvc.Config{
		WebhookID:    s.cfg.PayPal.WebhookID,
		Workers:      s.cfg.WebhookWorkers,
		QueueSize:    s.cfg.WebhookQueueSize,
		InflightTTL:  s.cfg.WebhookInflightTTL,
		DrainTimeout: s.cfg.WebhookDrainTimeout,
		Policy: retry.Policy{
			MaxAttempts: s.cfg.WebhookMaxAttempts,
			BackoffSeed: s.cfg.WebhookBackoffSeed,
			Multiplier:  s.cfg.WebhookBackoffMultiplier,
		},
	}, core.Gateway, core.Orchestrator, core.Claims, core.Store, logger.Named("webhook"))

	reconciler := NewReconciler(s.cfg, core, logger)

	// ----- Middlewares -----
	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.CORS(s.cfg.CORSOrigins),
	)

	// ----- Router -----
	handlers := &Handlers{
		BillingHandler: billingHandler.NewBillingHandler(core.Orchestrator, core.Status),
		AdminHandler:   adminHandler.NewAdminHandler(core.Orchestrator, core.Store.Audits(), core.Gateway.Breaker()),
		WebhookHandler: webhookHandler.NewWebhookHandler(processor),
		WSHandler:      wsHandler.NewWebSocketHandler(hub, s.cfg.CORSOrigins, logger),
		AuthMiddleware: middleware.NewAuthMiddleware(verifier),
		BillingGate:    core.Status,
		Health:         NewHealthChecker(core.Pool, core.Redis, core.Gateway.Breaker()),
		Logger:         logger,
	}
	if core.Redis != nil && s.cfg.TenantRateLimit > 0 {
		handlers.MutationLimiter = ratelimit.New(core.Redis, "billing_mutation", int64(s.cfg.TenantRateLimit), time.Minute)
	}
	SetupRouter(s.engine, handlers)

	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(s.engine, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ----- Run -----
	g, gctx := errgroup.WithContext(ctx)
	// the processor outlives the HTTP server
	procCtx, stopProcessor := context.WithCancel(context.WithoutCancel(ctx))
	defer stopProcessor()

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return processor.Run(procCtx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", s.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		defer stopProcessor()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// NewReconciler paces reconciliation at half the provider rate limit.
func NewReconciler(cfg config.AppConfig, core *Core, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(reconcile.Config{
		Interval:      cfg.ReconcileInterval,
		RatePerSecond: cfg.PayPal.RateLimit / 2,
	}, core.Store, core.Orchestrator, logger)
}
