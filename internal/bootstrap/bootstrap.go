// Package bootstrap assembles the services shared by the API and worker
// binaries from a loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"docapi/internal/adapter/repo"
	"docapi/internal/billing"
	"docapi/internal/domain/jsoncfg"
	"docapi/internal/infra"
	"docapi/internal/infra/credentials"
	"docapi/internal/jobs"
	"docapi/internal/processor"
	"docapi/internal/queue"
	"docapi/internal/quota"
	"docapi/internal/render"
	"docapi/internal/storage"
	"docapi/internal/store"
	"docapi/internal/webhooks"
)

// Services is the wired application graph.
type Services struct {
	Config  *infra.Config
	Logger  zerolog.Logger
	Metrics *infra.Metrics

	Store       store.Store
	Ledger      *billing.Ledger
	Jobs        *jobs.Registry
	Limiter     *quota.Limiter
	Admission   *quota.Admission
	Webhooks    *webhooks.Registry
	Dispatcher  *webhooks.Dispatcher
	Artifacts   *storage.Artifacts
	Queue       queue.Queue
	Processor   *processor.Processor
	Credentials *credentials.Store

	// SigningSecret signs outbound webhooks; PaymentSecret verifies
	// payment-provider callbacks.
	SigningSecret *webhooks.SecretCache
	PaymentSecret *webhooks.SecretCache

	// PG is set when records live in postgres.
	PG *repo.PGStore

	pool  *pgxpool.Pool
	redis *redis.Client
}

// New connects the configured backends and builds every service on top.
func New(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) (*Services, error) {
	s := &Services{Config: cfg, Logger: logger, Metrics: infra.NewMetrics()}
	if err := s.connect(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.build(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Services) connect(ctx context.Context) error {
	cfg := s.Config
	if cfg.StoreBackend == infra.BackendRedis || cfg.QueueBackend == infra.BackendRedis {
		client, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		s.redis = client
	}

	switch cfg.StoreBackend {
	case infra.BackendPostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		s.pool = pool
		runner := infra.NewSQLRunner(pool, s.Logger).WithMetrics(s.Metrics)
		s.PG = repo.NewPGStore(runner)
		if err := s.PG.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure records schema: %w", err)
		}
		s.Credentials = credentials.NewStore(runner)
		if err := s.Credentials.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure credentials schema: %w", err)
		}
		s.Store = s.PG
	case infra.BackendRedis:
		s.Store = repo.NewRedisStore(s.redis, "docapi")
	default:
		s.Logger.Warn().Msg("using in-memory store; data is lost on restart")
		s.Store = store.NewMemory()
	}

	switch cfg.QueueBackend {
	case infra.BackendRedis:
		q, err := queue.NewRedisStream(ctx, s.redis, queue.StreamConfig{
			Stream:            cfg.QueueStream,
			Group:             cfg.QueueGroup,
			Consumer:          consumerName(),
			VisibilityTimeout: cfg.QueueVisibilityTimeout,
		}, s.Logger)
		if err != nil {
			return fmt.Errorf("open job stream: %w", err)
		}
		s.Queue = q
	default:
		s.Logger.Warn().Msg("using in-memory queue; jobs are only visible to this process")
		s.Queue = queue.NewMemory(time.Second)
	}
	return nil
}

func (s *Services) build(ctx context.Context) error {
	cfg := s.Config

	plans, err := jsoncfg.LoadPlans(cfg.PlansFile)
	if err != nil {
		return fmt.Errorf("load plans: %w", err)
	}

	s.SigningSecret = s.secret(cfg.WebhookSigningSecret, func(c *credentials.Store) webhooks.SecretFunc {
		return c.WebhookSigningSecret
	})
	s.PaymentSecret = s.secret(cfg.PaymentWebhookSecret, func(c *credentials.Store) webhooks.SecretFunc {
		return c.PaymentSecret
	})

	s.Ledger = billing.NewLedger(s.Store,
		billing.WithPlans(plans),
		billing.WithLogger(s.Logger),
		billing.WithMetrics(s.Metrics),
	)
	s.Jobs = jobs.NewRegistry(s.Store, jobs.WithLogger(s.Logger), jobs.WithMetrics(s.Metrics))
	s.Limiter = quota.NewLimiter(s.Store, s.Logger, s.Metrics)
	guard := quota.NewGuard(s.Ledger, s.Logger, s.Metrics)
	s.Admission = quota.NewAdmission(s.Ledger, s.Limiter, guard, s.Logger)

	s.Webhooks = webhooks.NewRegistry(s.Store, s.Ledger, s.Logger)
	dcfg := webhooks.DefaultConfig()
	dcfg.MaxRetries = cfg.WebhookMaxRetries
	if len(cfg.WebhookBackoff) > 0 {
		dcfg.Backoff = cfg.WebhookBackoff
	}
	if cfg.WebhookTimeout > 0 {
		dcfg.Timeout = cfg.WebhookTimeout
	}
	s.Dispatcher = webhooks.NewDispatcher(s.Webhooks, s.Store, s.SigningSecret, dcfg,
		webhooks.WithLogger(s.Logger),
		webhooks.WithMetrics(s.Metrics),
	)

	storagePath, err := filepath.Abs(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("resolve storage path: %w", err)
	}
	blobs, err := storage.NewFileStore(storagePath)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	s.Artifacts = storage.NewArtifacts(blobs, cfg.StorageBaseURL, cfg.ArtifactTTL)

	var renderer render.Renderer = render.Passthrough{}
	if cfg.RendererURL != "" {
		renderer = render.NewHTTPRenderer(render.HTTPOptions{
			BaseURL: cfg.RendererURL,
			APIKey:  cfg.RendererAPIKey,
		})
	} else {
		s.Logger.Warn().Msg("RENDERER_URL not set; using the passthrough renderer")
	}

	s.Processor = processor.New(processor.Deps{
		Jobs:      s.Jobs,
		Ledger:    s.Ledger,
		Renderer:  renderer,
		Artifacts: s.Artifacts,
		Notifier:  s.Dispatcher,
		Queue:     s.Queue,
		Logger:    s.Logger,
		Metrics:   s.Metrics,
	}, processor.Config{
		QuickTimeout: cfg.QuickJobTimeout,
		Pages:        render.PagePolicy{MaxPages: cfg.MaxPages, Mode: cfg.PageLimitMode},
	})
	return nil
}

// secret reads from the credentials table when postgres is configured and
// falls back to the environment value otherwise.
func (s *Services) secret(fallback string, source func(*credentials.Store) webhooks.SecretFunc) *webhooks.SecretCache {
	if s.Credentials == nil {
		return webhooks.StaticSecret(fallback)
	}
	return webhooks.NewSecretCache(source(s.Credentials), s.Config.WebhookSecretTTL, fallback)
}

// Checks returns the dependency probes reported by the health endpoint.
func (s *Services) Checks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if s.pool != nil {
		checks["postgres"] = s.pool.Ping
	}
	if s.redis != nil {
		client := s.redis
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return checks
}

// Pool builds a worker pool over the configured queue.
func (s *Services) Pool() *processor.Pool {
	return processor.NewPool(s.Queue, s.Processor, s.Config.WorkerConcurrency, s.Logger, s.Metrics)
}

// Close waits for background notifications and releases connections.
func (s *Services) Close() {
	if s.Processor != nil {
		s.Processor.Wait()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
