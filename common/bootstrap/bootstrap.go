package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/imagescale/common/blob"
	"github.com/lyzr/imagescale/common/cache"
	"github.com/lyzr/imagescale/common/config"
	"github.com/lyzr/imagescale/common/db"
	"github.com/lyzr/imagescale/common/logger"
	"github.com/lyzr/imagescale/common/redis"
	"github.com/lyzr/imagescale/common/telemetry"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := components.Config

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
	)

	// 3. Initialize database (if enabled and not skipped)
	if !options.skipDB && cfg.Database.Enabled {
		components.Logger.Info("connecting to database", "auto_migrate", cfg.Database.AutoMigrate)
		components.DB, err = db.New(ctx, cfg, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.DB.Close()
			return nil
		})

	}

	// 4. Initialize Redis and the marker cache on top of it
	if !options.skipRedis && cfg.Redis.Enabled {
		components.Logger.Info("connecting to redis", "addr", cfg.RedisAddr())
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		components.Redis = redis.NewClient(rdb, components.Logger)

		if err := components.Redis.Ping(ctx); err != nil {
			rdb.Close()
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return components.Redis.Close()
		})

		components.Cache = cache.NewRedisCache(components.Redis, serviceName+":")
	} else {
		components.Cache = cache.NewMemoryCache(components.Logger)
		components.addCleanup(func() error {
			return components.Cache.Close()
		})
	}

	// 5. Initialize blob storage
	if !options.skipBlobs {
		components.Blobs, err = newBlobStore(ctx, cfg)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize blob store: %w", err)
		}
		components.Logger.Info("blob store ready", "backend", cfg.Storage.Backend)
	}

	// 6. Initialize telemetry (if not skipped)
	if !options.skipTelemetry {
		components.Telemetry = telemetry.New(cfg, components.Logger)
		if err := components.Telemetry.Start(ctx, cfg); err != nil {
			// Don't fail startup if telemetry fails
			components.Logger.Warn("failed to start telemetry", "error", err)
		}
		components.addCleanup(components.Telemetry.Close)
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"blobs", components.Blobs != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return blob.NewMemoryStore(), nil
	case "file":
		return blob.NewFileStore(cfg.Storage.Dir)
	case "s3":
		s3cfg := cfg.Storage.S3
		return blob.NewS3Store(ctx, blob.S3Options{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			UsePathStyle:    s3cfg.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}
