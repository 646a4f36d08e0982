// Package app assembles the message layer from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"chat-history/internal/async"
	"chat-history/internal/cachestore"
	"chat-history/internal/config"
	"chat-history/internal/integrations/paramstore"
	"chat-history/internal/metrics"
	"chat-history/internal/reconcile"
	"chat-history/internal/repository"
	"chat-history/internal/usecase"
)

const (
	metricsNamespace = "chat_history"
	tracerName       = "chat-history"
)

// App holds the long-lived components. Job is nil without a cache.
type App struct {
	Repo    repository.Repository
	Runner  *async.Runner
	Job     *reconcile.Job
	Session *usecase.SessionService
	// History is the in-process entry point for the external chat transport,
	// which records messages and builds prompt context through it.
	History *usecase.HistoryService
	Metrics *metrics.Collector

	cache   cachestore.Store
	logger  *zap.Logger
	closers []io.Closer
}

// New connects to AWS and, when configured, Redis.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.MessagesTable)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	var (
		cache   cachestore.Store
		closers []io.Closer
	)
	if cfg.CacheEnabled() {
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		password, err := params.Resolve(ctx, cfg.Redis.Password, cfg.Redis.PasswordParam)
		if err != nil {
			return nil, fmt.Errorf("app: redis password: %w", err)
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, client)
		cache, err = newCache(client, cfg, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	a, err := Assemble(cfg, logger, store, cache)
	if err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, err
	}
	a.closers = closers
	return a, nil
}

func newCache(client redis.Cmdable, cfg *config.Config, logger *zap.Logger) (cachestore.Store, error) {
	rs, err := cachestore.NewRedisStore(client, cfg.CacheOpTimeout())
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	b, err := cachestore.NewBreaker(rs, cachestore.DefaultBreakerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return b, nil
}

// Assemble builds the components on top of already connected stores. A nil
// cache selects the durable-only repository and no reconciliation job.
func Assemble(cfg *config.Config, logger *zap.Logger, store *repository.Client, cache cachestore.Store) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if logger == nil {
		return nil, errors.New("app: logger must not be nil")
	}
	m := metrics.NewCollector(metricsNamespace)
	runner, err := async.NewRunner(logger, 0)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	repo, err := repository.NewMessageRepository(store, cache, runner, logger, repository.CacheConfig{
		TTL:         cfg.CacheTTL(),
		MaxMessages: cfg.Cache.MaxMessages,
		WarmWindow:  cfg.Cache.WarmWindow,
	}, repository.WithMetrics(m), repository.WithTracer(otel.Tracer(tracerName)))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	var job *reconcile.Job
	if cache != nil {
		job, err = reconcile.NewJob(store, cache, logger, m, reconcile.Config{
			Interval:    cfg.SyncInterval(),
			Threshold:   cfg.SyncThreshold(),
			Concurrency: cfg.Sync.Concurrency,
			RunOnStart:  cfg.Sync.RunOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	session, err := usecase.NewSessionService(repo, runner, logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	history, err := usecase.NewHistoryService(repo, 0)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	logger.Info("message layer assembled",
		zap.Bool("cache_enabled", cache != nil),
		zap.String("table", cfg.MessagesTable))
	return &App{
		Repo:    repo,
		Runner:  runner,
		Job:     job,
		Session: session,
		History: history,
		Metrics: m,
		cache:   cache,
		logger:  logger,
	}, nil
}

// CacheHealthy reports false when no cache is configured.
func (a *App) CacheHealthy(ctx context.Context) bool {
	c, ok := a.Repo.(*repository.CacheAside)
	return ok && c.CacheHealthy(ctx)
}

// CacheState describes the cache circuit: "disabled" without a cache,
// otherwise the breaker state (closed, half-open, open).
func (a *App) CacheState() string {
	switch c := a.cache.(type) {
	case nil:
		return "disabled"
	case *cachestore.Breaker:
		return c.State().String()
	default:
		return "unguarded"
	}
}

// Close stops the job, drains background tasks and closes connections.
func (a *App) Close() error {
	if a.Job != nil {
		a.Job.Stop()
	}
	a.Runner.Wait()
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
