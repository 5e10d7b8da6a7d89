// Package service assembles the orchestration core from configuration. The
// api and worker binaries share it so both write through the same guards.
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lantianlaoli/flowtra/internal/adapter/repo"
	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/infra"
	"github.com/lantianlaoli/flowtra/internal/providers/generation"
	"github.com/lantianlaoli/flowtra/internal/reconcile"
	"github.com/lantianlaoli/flowtra/internal/segments"
	"github.com/lantianlaoli/flowtra/internal/workflow"
	"github.com/lantianlaoli/flowtra/migrations"
)

const segmentLaunchParallelism = 4

// Service holds the wired core. Close releases the pool and Redis.
type Service struct {
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Store      domain.Store
	Client     generation.Client
	Controller *workflow.Controller
	Engine     *reconcile.Engine
}

// New connects Postgres (running migrations when MIGRATE_ON_START is set),
// optionally Redis, and builds the controller and reconciliation engine.
func New(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Service, error) {
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := infra.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if rdb == nil {
		logger.Warn().Msg("REDIS_ADDR not set, webhook dedupe relies on the database guard only")
	}

	client, err := generation.NewClient(generation.Options{
		APIKey:        cfg.ProviderAPIKey,
		BaseURL:       cfg.ProviderBaseURL,
		CallbackURL:   cfg.ProviderCallbackURL,
		HTTPClient:    &http.Client{Timeout: 60 * time.Second},
		Logger:        &logger,
		SubmitTimeout: cfg.ProviderSubmitTimeout,
		PollTimeout:   cfg.ProviderPollTimeout,
		MaxAttempts:   cfg.ProviderMaxAttempts,
		BackoffMax:    cfg.ProviderBackoffMax,
	})
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		pool.Close()
		return nil, fmt.Errorf("configure generation client: %w", err)
	}
	if !client.HasCredentials() {
		logger.Warn().Str("base_url", cfg.ProviderBaseURL).Msg("PROVIDER_API_KEY missing, provider calls will be rejected")
	}

	store := repo.NewStore(infra.NewSQLRunner(pool, logger))
	ctrl := workflow.NewController(workflow.Options{
		Store:    store,
		Client:   client,
		Segments: segments.New(store.Segments(), client, logger, segmentLaunchParallelism),
		Logger:   logger,
	})

	opts := reconcile.Options{
		Store:      store,
		Controller: ctrl,
		Client:     client,
		Logger:     logger,
		BatchSize:  cfg.SweepBatchSize,
		Workers:    cfg.SweepWorkers,
		Timeouts: map[generation.StepKind]time.Duration{
			generation.StepAnalyze: cfg.TimeoutText,
			generation.StepPrompt:  cfg.TimeoutText,
			generation.StepImage:   cfg.TimeoutImage,
			generation.StepVideo:   cfg.TimeoutVideo,
			generation.StepMerge:   cfg.TimeoutMerge,
		},
		MergeResumeAfter: cfg.MergeResumeAfter,
	}
	if rdb != nil {
		opts.Dedupe = reconcile.NewRedisDeduper(rdb, cfg.WebhookDedupeTTL)
	}

	return &Service{
		Pool:       pool,
		Redis:      rdb,
		Store:      store,
		Client:     client,
		Controller: ctrl,
		Engine:     reconcile.NewEngine(opts),
	}, nil
}

// Probes returns the readiness checks for the backing stores that are
// configured.
func (s *Service) Probes() map[string]func(context.Context) error {
	probes := map[string]func(context.Context) error{}
	if s.Pool != nil {
		probes["postgres"] = s.Pool.Ping
	}
	if s.Redis != nil {
		probes["redis"] = func(ctx context.Context) error { return s.Redis.Ping(ctx).Err() }
	}
	return probes
}

func (s *Service) Close() {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
