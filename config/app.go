package config

import (
	"context"

	"github.com/agentuity/go-querycache/logger"
	"github.com/agentuity/go-querycache/persist"
	"github.com/agentuity/go-querycache/query"
	"github.com/agentuity/go-querycache/resource"
	"github.com/agentuity/go-querycache/storage"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// App holds the cache instances built from a Config. Everything is owned by
// the App and released by Close.
type App struct {
	Config    Config
	Logger    logger.Logger
	Queries   *query.Cache[any]
	Resources *resource.Deduplicator[string, []byte]
	Store     storage.Storage
	Persisted *persist.Cache[string, any]

	janitor *persist.Janitor
	redis   *redis.Client
}

// Option configures Build.
type Option func(*buildOptions)

type buildOptions struct {
	queryOpts   []query.Option
	noJanitor   bool
	redisClient *redis.Client
}

// WithQueryOptions passes extra options to the query cache.
func WithQueryOptions(opts ...query.Option) Option {
	return func(o *buildOptions) { o.queryOpts = append(o.queryOpts, opts...) }
}

// WithoutJanitor skips starting the periodic cleanup.
func WithoutJanitor() Option {
	return func(o *buildOptions) { o.noJanitor = true }
}

// WithRedisClient uses client for the redis backend instead of dialing
// redis_url. The App does not close a client it was given.
func WithRedisClient(client *redis.Client) Option {
	return func(o *buildOptions) { o.redisClient = client }
}

// Build constructs the caches described by cfg. ctx bounds opening storage
// and the lifetime of the janitor.
func Build(ctx context.Context, cfg *Config, log logger.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	queryCfg, _ := cfg.Query.CacheConfig()
	resourceCfg, _ := cfg.Resources.CacheConfig()

	app := &App{
		Config: *cfg,
		Logger: log,
		Queries: query.New[any](queryCfg,
			append([]query.Option{query.WithLogger(log)}, o.queryOpts...)...),
		Resources: resource.New[string, []byte](
			resource.WithCache(resourceCfg),
			resource.WithConcurrency(cfg.Resources.Concurrency),
			resource.WithLogger(log),
		),
	}

	store, err := app.openStorage(ctx, cfg.Persisted, o.redisClient)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Store = store
	app.Persisted = persist.New[string, any](store,
		persist.WithPrefix(cfg.Persisted.Prefix),
		persist.WithTTL(cfg.Persisted.TTL.Std()),
		persist.WithLogger(log),
	)
	if !o.noJanitor {
		app.janitor = persist.StartJanitor(ctx, app.Persisted, cfg.Persisted.CleanupInterval.Std(), log)
	}
	log.Debug("built caches with %s storage", backendName(cfg.Persisted.Backend))
	return app, nil
}

func backendName(b string) string {
	if b == "" {
		return BackendMemory
	}
	return b
}

func (a *App) openStorage(ctx context.Context, p Persisted, client *redis.Client) (storage.Storage, error) {
	switch backendName(p.Backend) {
	case BackendFile:
		store, err := storage.NewFile(p.Path)
		if err != nil {
			return nil, errors.Wrap(err, "error opening file storage")
		}
		return store, nil
	case BackendSQLite:
		store, err := storage.NewSQLite(ctx, p.Path)
		if err != nil {
			return nil, errors.Wrap(err, "error opening sqlite storage")
		}
		return store, nil
	case BackendRedis:
		if client == nil {
			ropts, err := redis.ParseURL(p.RedisURL)
			if err != nil {
				return nil, errors.Mark(errors.Wrap(err, "bad persisted.redis_url"), ErrInvalid)
			}
			client = redis.NewClient(ropts)
			a.redis = client
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrap(err, "error connecting to redis")
		}
		return storage.NewRedis(client), nil
	default:
		return storage.NewMemory(), nil
	}
}

// Close stops the janitor, waits for background loads and closes storage.
func (a *App) Close() error {
	if a.janitor != nil {
		a.janitor.Stop()
	}
	var errs error
	if a.Queries != nil {
		errs = errors.CombineErrors(errs, a.Queries.Close())
	}
	if a.Resources != nil {
		errs = errors.CombineErrors(errs, a.Resources.Close())
	}
	if a.Store != nil {
		errs = errors.CombineErrors(errs, a.Store.Close())
	}
	if a.redis != nil {
		errs = errors.CombineErrors(errs, a.redis.Close())
	}
	return errs
}
