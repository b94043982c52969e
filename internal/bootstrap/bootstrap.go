// Package bootstrap builds the service graph shared by the HTTP server and
// the shootctl CLI.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/babyshoot/api/internal/cache"
	"github.com/babyshoot/api/internal/client"
	"github.com/babyshoot/api/internal/config"
	"github.com/babyshoot/api/internal/service"
	"github.com/babyshoot/api/internal/store"
)

// Services is the wired service graph.
type Services struct {
	Store      store.Store
	Redis      *redis.Client
	Cache      cache.Cache
	Jobs       *client.AstriaClient
	Storage    client.StorageClient
	Artifacts  *service.ArtifactService
	Reconciler *service.ReconcileService
	Sessions   *service.SessionService
	Sweeper    *service.SweepService
}

// Close releases the store and redis connections.
func (s *Services) Close() {
	if s.Store != nil {
		_ = s.Store.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
}

// OpenStore connects the configured session store and applies the schema
// when database.auto_migrate is set.
func OpenStore(ctx context.Context, cfg *config.DatabaseConfig) (store.Store, error) {
	var st store.Store
	switch cfg.Driver {
	case "postgres":
		pool, err := store.NewPostgresPool(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		st = store.NewPostgresStore(pool)
	case "sqlite", "mysql":
		gs, err := store.OpenGorm(cfg.Driver, cfg.URL)
		if err != nil {
			return nil, err
		}
		st = gs
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if cfg.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to migrate %s store: %w", cfg.Driver, err)
		}
	}
	return st, nil
}

// OpenStorage connects the configured object store.
func OpenStorage(ctx context.Context, cfg *config.StorageConfig) (client.StorageClient, error) {
	switch cfg.Driver {
	case "minio":
		return client.NewMinioClient(ctx, &cfg.Minio)
	default:
		return client.NewR2Client(ctx, &cfg.R2)
	}
}

// Build wires the services. Redis and object storage are optional: without
// Redis the memory cache is used, and without storage generated images
// cannot be re-hosted, so generating sessions fail to persist their
// artifacts until storage is configured.
func Build(ctx context.Context, cfg *config.Config, notifier service.Notifier, logger zerolog.Logger) (*Services, error) {
	st, err := OpenStore(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	s := &Services{Store: st}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not available")
		_ = redisClient.Close()
	} else {
		s.Redis = redisClient
	}

	s.Cache = cache.NewMemoryCache()
	if cfg.Cache.Driver == "redis" {
		if s.Redis != nil {
			s.Cache = cache.NewRedisCache(s.Redis, "babyshoot:")
		} else {
			logger.Warn().Msg("redis cache requested but redis is down, using memory cache")
		}
	}

	s.Storage, err = OpenStorage(ctx, &cfg.Storage)
	if err != nil {
		logger.Warn().Err(err).Str("driver", cfg.Storage.Driver).Msg("object storage not initialized")
		s.Storage = nil
	}

	s.Jobs = client.NewAstriaClient(&cfg.Astria, logger)
	if !s.Jobs.IsConfigured() {
		logger.Warn().Msg("ASTRIA_API_KEY not set, remote lookups will be rejected")
	}

	s.Artifacts = service.NewArtifactService(st, s.Storage, client.NewFetcher(&cfg.Storage), logger)
	s.Reconciler = service.NewReconcileService(st, s.Jobs, s.Artifacts, s.Cache, notifier, &cfg.Reconcile, logger)
	s.Sessions = service.NewSessionService(st, s.Artifacts, s.Cache, cfg.Cache.TTL, notifier, logger)
	s.Sweeper = service.NewSweepService(st, s.Reconciler, s.Reconciler, cfg.Sweep.Concurrency, logger)

	return s, nil
}
