package workflow

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/workflow-engine/internal/config"
)

// Module wires the store, queue, rate limiter, notifier, service and
// engine. The store and limiter backends follow the config: a database
// DSN selects Postgres over memory, a Redis address moves the daily
// caps into Redis.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(func() Clock { return SystemClock }),
		fx.Provide(NewMatcher),
		fx.Provide(newStore),
		fx.Provide(newQueue),
		fx.Provide(newLimiter),
		fx.Provide(newNotifier),
		fx.Provide(newService),
		fx.Provide(newEngine),
		fx.Invoke(registerClose),
	)
}

func newStore(cfg config.Config, logger *zap.Logger) (Store, error) {
	if cfg.Database.DSN == "" {
		logger.Info("using in-memory store")
		return NewMemoryStore(), nil
	}
	store, err := NewPGStore(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	logger.Info("using postgres store")
	return store, nil
}

func newQueue(cfg config.Config) Queue {
	return NewMemoryQueue(cfg.Worker.QueueSize)
}

func newLimiter(cfg config.Config, store Store, clock Clock, logger *zap.Logger) RateLimiter {
	if cfg.Redis.Addr == "" {
		return NewStoreRateLimiter(store, clock)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logger.Info("daily caps counted in redis", zap.String("addr", cfg.Redis.Addr))
	return NewRedisRateLimiter(rdb, clock)
}

func newNotifier(cfg config.Config) *Notifier {
	timeout, err := time.ParseDuration(cfg.Notify.Timeout)
	if err != nil {
		timeout = 5 * time.Second
	}
	return NewNotifier(cfg.Notify.AuditURL, cfg.Notify.EventURL, timeout)
}

func newService(cfg config.Config, store Store, queue Queue, limiter RateLimiter, notifier *Notifier, observer Observer, logger *zap.Logger, clock Clock) *Service {
	tolerance, err := time.ParseDuration(cfg.Webhook.Tolerance)
	if err != nil {
		tolerance = 5 * time.Minute
	}
	return NewService(ServiceParams{
		Store:            store,
		Queue:            queue,
		Limiter:          limiter,
		Notifier:         notifier,
		Observer:         observer,
		Logger:           logger,
		Clock:            clock,
		WebhookTolerance: tolerance,
	})
}

func newEngine(cfg config.Config, store Store, registry *Registry, notifier *Notifier, observer Observer, logger *zap.Logger, clock Clock) *Engine {
	stepTimeout, err := time.ParseDuration(cfg.Worker.StepTimeout)
	if err != nil {
		stepTimeout = 30 * time.Second
	}
	return NewEngine(EngineParams{
		Store:       store,
		Registry:    registry,
		Notifier:    notifier,
		Observer:    observer,
		Logger:      logger,
		Clock:       clock,
		StepTimeout: stepTimeout,
	})
}

func registerClose(lc fx.Lifecycle, store Store) {
	pg, ok := store.(*PGStore)
	if !ok {
		return
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		return pg.Close()
	}})
}
