package container

import (
	"context"
	"fmt"

	"github.com/lyzr/imagescale/cmd/scaled/derivation"
	"github.com/lyzr/imagescale/cmd/scaled/repository"
	"github.com/lyzr/imagescale/cmd/scaled/service"
	"github.com/lyzr/imagescale/common/bootstrap"
	"github.com/lyzr/imagescale/common/metrics"
	"github.com/lyzr/imagescale/common/policy"
	"github.com/lyzr/imagescale/common/ratelimit"
	"github.com/lyzr/imagescale/common/scaler"
	"github.com/lyzr/imagescale/common/worker"
)

// Container holds all initialized services and repositories
type Container struct {
	Components *bootstrap.Components

	// Repositories
	SourceRepo repository.SourceRepository
	EntryRepo  repository.EntryRepository

	// Services
	SourceService *service.SourceService
	ScaleService  *service.ScaleService

	// Queue is nil when background derivation is disabled
	Queue *derivation.Queue
	// Limiter is nil without Redis
	Limiter *ratelimit.RateLimiter
}

// NewContainer wires repositories, services and the derivation queue.
// Start must be called to run the queue.
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	// Initialize repositories
	var (
		sourceRepo repository.SourceRepository
		entryRepo  repository.EntryRepository
	)
	if components.DB != nil {
		sourceRepo = repository.NewPostgresSourceRepository(components.DB)
		entryRepo = repository.NewPostgresEntryRepository(components.DB)
	} else {
		log.Warn("no database configured, scales are kept in memory")
		sourceRepo = repository.NewMemorySourceRepository()
		entryRepo = repository.NewMemoryEntryRepository()
	}

	admission, err := policy.NewAdmission(cfg.Scaling.DeferExpr, log)
	if err != nil {
		return nil, fmt.Errorf("invalid defer rule: %w", err)
	}

	// Initialize services (bottom-up: dependencies first)
	sourceService := service.NewSourceService(sourceRepo, components.Blobs, cfg.Scaling.SniffLimit, log)
	scaleService := service.NewScaleService(
		sourceService,
		entryRepo,
		scaler.Local{AutoOrient: cfg.Scaling.AutoOrient},
		admission,
		cfg.Scaling,
		components.Telemetry,
		log,
	)

	c := &Container{
		Components:    components,
		SourceRepo:    sourceRepo,
		EntryRepo:     entryRepo,
		SourceService: sourceService,
		ScaleService:  scaleService,
	}

	if cfg.Queue.Enabled {
		args := []string{}
		if cfg.Scaling.AutoOrient {
			args = append(args, "--auto-orient")
		}
		workers := cfg.Queue.Workers
		if workers == 0 {
			workers = metrics.GetHost().DefaultWorkers()
		}
		executor := &worker.ProcessExecutor{Binary: cfg.Queue.WorkerBinary, Args: args}
		pool := worker.NewPool(executor, workers, log)

		opts := derivation.OptionsFromConfig(cfg.Queue)
		opts.Claims = components.Cache
		opts.OnAbandon = scaleService.OnAbandon

		c.Queue = derivation.New(scaleService, pool, opts, log)
		scaleService.AttachQueue(c.Queue)
	}

	if components.Redis != nil && cfg.RateLimit.Enabled {
		c.Limiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log)
	}

	return c, nil
}

// Start runs the derivation queue until Stop
func (c *Container) Start(ctx context.Context) {
	if c.Queue != nil {
		c.Queue.Start(ctx)
	}
}

// Stop stops the derivation queue and kills running workers
func (c *Container) Stop() {
	if c.Queue != nil {
		c.Queue.Stop()
	}
}
