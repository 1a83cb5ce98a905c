package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"docapi/internal/adapter/repo"
	"docapi/internal/bootstrap"
	"docapi/internal/infra"
)

const counterPurgeInterval = 10 * time.Minute

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel)

	if cfg.QueueBackend == infra.BackendMemory {
		logger.Fatal().Msg("worker: QUEUE_BACKEND=memory only works inside the api process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to initialise services")
	}
	defer svc.Close()

	if svc.PG != nil {
		go purgeCounters(ctx, svc.PG, logger)
	}

	if err := svc.Pool().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

// purgeCounters drops expired rate-limit windows. Redis expires them on its
// own; postgres needs a sweep.
func purgeCounters(ctx context.Context, pg *repo.PGStore, logger infra.Logger) {
	ticker := time.NewTicker(counterPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pg.PurgeExpiredCounters(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("worker: counter purge failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("purged", n).Msg("worker: expired counters removed")
			}
		}
	}
}
