package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"docapi/internal/bootstrap"
	"docapi/internal/http/handlers"
	httpapi "docapi/internal/http/httpapi"
	"docapi/internal/infra"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel)

	ctx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	svc, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise services")
	}
	defer svc.Close()

	// Without a shared queue nobody else can see long jobs, so render them here.
	if cfg.QueueBackend == infra.BackendMemory {
		pool := svc.Pool()
		go func() {
			if err := pool.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("in-process worker stopped")
			}
		}()
	}

	app := &handlers.App{
		Logger:             logger,
		Jobs:               svc.Jobs,
		Ledger:             svc.Ledger,
		Admission:          svc.Admission,
		Processor:          svc.Processor,
		Webhooks:           svc.Webhooks,
		Deliveries:         svc.Dispatcher,
		Artifacts:          svc.Artifacts,
		PaymentSecret:      svc.PaymentSecret,
		SignatureTolerance: cfg.PaymentTolerance,
		QuickTimeout:       cfg.QuickJobTimeout,
		Checks:             svc.Checks(),
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSAllowedOrigins,
		DefaultLocale:     cfg.DefaultLocale,
		Logger:            logger,
		Metrics:           svc.Metrics,
		Limiter:           svc.Limiter,
		APIRateLimit:      cfg.APIRateLimit,
		CallbackRateLimit: cfg.CallbackRateLimit,
	})

	server := infra.NewHTTPServer(cfg, router, logger)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	cancelWorkers()
	logger.Info().Msg("server stopped")
}
