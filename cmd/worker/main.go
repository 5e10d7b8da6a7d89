package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/lantianlaoli/flowtra/internal/infra"
	"github.com/lantianlaoli/flowtra/internal/reconcile"
	"github.com/lantianlaoli/flowtra/internal/service"
)

const taskTypeSweep = "flowtra:sweep"

func main() {
	_ = godotenv.Load()

	logger := infra.NewLogger(infra.AppEnv()).With().Str("cmd", "worker").Logger()

	cfg, err := infra.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to initialise service")
	}
	defer svc.Close()

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}

	if cfg.RedisAddr != "" {
		if err := runScheduled(ctx, cfg, svc.Engine, interval, logger); err != nil {
			logger.Fatal().Err(err).Msg("worker: scheduler failed")
		}
		return
	}
	logger.Info().Dur("interval", interval).Msg("worker: REDIS_ADDR not set, sweeping on a local ticker")
	runTicker(ctx, svc.Engine, interval, logger)
}

// runScheduled registers the sweep as a periodic asynq task. Several worker
// replicas may share Redis; Unique keeps one sweep queued per interval.
func runScheduled(ctx context.Context, cfg *infra.Config, engine *reconcile.Engine, interval time.Duration, logger infra.Logger) error {
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	asynqLog := asynqLogger{logger: logger.With().Str("component", "asynq").Logger()}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: asynqLog})
	task := asynq.NewTask(taskTypeSweep, nil)
	entryID, err := scheduler.Register(fmt.Sprintf("@every %s", interval), task,
		asynq.MaxRetry(0),
		asynq.Timeout(interval),
		asynq.Unique(interval),
	)
	if err != nil {
		return fmt.Errorf("register sweep: %w", err)
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{"default": 1},
		Logger:      asynqLog,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(taskTypeSweep, func(ctx context.Context, _ *asynq.Task) error {
		_, err := engine.Sweep(ctx)
		return err
	})

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		srv.Shutdown()
		return fmt.Errorf("start scheduler: %w", err)
	}
	logger.Info().Str("entry", entryID).Dur("interval", interval).Msg("worker: sweep scheduled")

	<-ctx.Done()
	scheduler.Shutdown()
	srv.Shutdown()
	logger.Info().Msg("worker: stopped")
	return nil
}

func runTicker(ctx context.Context, engine *reconcile.Engine, interval time.Duration, logger infra.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := engine.Sweep(ctx); err != nil {
			logger.Error().Err(err).Msg("worker: sweep failed")
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("worker: stopped")
			return
		case <-ticker.C:
		}
	}
}
