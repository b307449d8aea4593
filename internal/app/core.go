// internal/app/core.go
package app

import (
	"context"
	"fmt"

	"clinic-billing-service/internal/cache"
	"clinic-billing-service/internal/config"
	"clinic-billing-service/internal/db"
	"clinic-billing-service/internal/gateway/paypal"
	"clinic-billing-service/internal/metrics"
	"clinic-billing-service/internal/notify"
	"clinic-billing-service/internal/pkg/breaker"
	"clinic-billing-service/internal/repository/postgres"
	"clinic-billing-service/internal/service/billingstatus"
	"clinic-billing-service/internal/service/subscription"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Core holds the components shared by the API server and billingctl.
type Core struct {
	Pool         *pgxpool.Pool
	Store        *postgres.Store
	Redis        redis.UniversalClient // nil with the memory cache backend
	Claims       cache.Claimer
	Gateway      *paypal.Client
	Plans        *config.PlanCatalog
	Status       *billingstatus.Service
	Orchestrator *subscription.Orchestrator

	closers []func()
}

// Close releases connections in reverse order of creation.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// BuildCore connects the stores and builds the billing services. Status
// changes go to the given publishers and, when NATS_URL is set, to JetStream.
func BuildCore(ctx context.Context, cfg config.AppConfig, logger *zap.Logger, publishers ...notify.Publisher) (_ *Core, err error) {
	core := &Core{}
	defer func() {
		if err != nil {
			core.Close()
		}
	}()

	// ----- PostgreSQL -----
	if cfg.AutoMigrate {
		if err := db.MigrateUp(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		logger.Info("database migrations applied")
	}
	pool, err := db.ConnectDB(ctx, db.PostgresConfig{URL: cfg.DatabaseURL})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	core.closers = append(core.closers, pool.Close)
	core.Pool = pool
	core.Store = postgres.NewStore(postgres.NewDB(pool))
	logger.Info("postgres connected")

	// ----- Cache -----
	statusCache, err := core.buildCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// ----- Plans -----
	core.Plans, err = config.LoadPlanCatalog(cfg.PlanCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan catalogue: %w", err)
	}

	// ----- Provider -----
	httpClient := paypal.NewHTTPClient()
	tokens := paypal.NewTokenCache(paypal.ClientCredentials(cfg.PayPal.BaseURL, cfg.PayPal.ClientID, cfg.PayPal.ClientSecret, httpClient))
	core.Gateway = paypal.NewClient(paypal.Config{
		BaseURL:     cfg.PayPal.BaseURL,
		CallTimeout: cfg.PayPal.CallTimeout,
		RateLimit:   cfg.PayPal.RateLimit,
	}, httpClient, tokens, NewProviderBreaker(cfg, logger), logger.Named("paypal"))

	core.Status = billingstatus.NewService(core.Store, statusCache, cfg.StatusCacheTTL, logger.Named("billing_status"))

	// ----- Notifications -----
	if cfg.NATSURL != "" {
		js, err := notify.Connect(ctx, cfg.NATSURL, logger.Named("nats"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		core.closers = append(core.closers, func() { _ = js.Close() })
		publishers = append(publishers, js)
	}

	core.Orchestrator = subscription.NewOrchestrator(
		core.Store,
		core.Gateway,
		core.Plans,
		core.Status,
		core.Store,
		subscription.URLs{ReturnURL: cfg.PayPal.ReturnURL, CancelURL: cfg.PayPal.CancelURL},
		logger.Named("subscription"),
		subscription.WithNotifier(notify.NewFanout(logger.Named("notify"), publishers...)),
	)
	return core, nil
}

// buildCache selects the status cache and the webhook claim store for the
// configured backend.
func (c *Core) buildCache(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (cache.Cache, error) {
	var local *cache.Local
	if cfg.CacheBackend != "redis" {
		l, err := cache.NewLocal(32 << 20)
		if err != nil {
			return nil, fmt.Errorf("failed to build local cache: %w", err)
		}
		local = l
		c.closers = append(c.closers, local.Close)
	}
	if cfg.CacheBackend == "memory" {
		logger.Warn("using in-process cache; webhook claims are not shared between replicas")
		c.Claims = cache.NewLocalClaims()
		return local, nil
	}

	client, err := db.NewRedisClient(ctx, db.RedisConfig{
		ClusterMode: cfg.RedisCluster,
		Addresses:   cfg.RedisAddrs,
		Password:    cfg.RedisPass,
		PoolSize:    10,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() { _ = client.Close() })
	c.Redis = client
	logger.Info("redis connected", zap.Strings("addrs", cfg.RedisAddrs), zap.String("backend", cfg.CacheBackend))

	shared := cache.NewRedis(client, "")
	c.Claims = shared
	if local == nil {
		return shared, nil
	}
	return cache.NewTiered(local, shared, cfg.LocalCacheTTL), nil
}

// NewProviderBreaker builds the PayPal breaker and exports its state.
func NewProviderBreaker(cfg config.AppConfig, logger *zap.Logger) *breaker.Breaker {
	return breaker.New("paypal", breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Cooldown:         cfg.BreakerCooldown,
	},
		breaker.WithLogger(logger.Named("breaker")),
		breaker.WithStateListener(func(name string, from, to breaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			metrics.BreakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
		}),
	)
}
