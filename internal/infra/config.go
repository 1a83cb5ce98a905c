package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store and queue backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv        string
	LogLevel      string
	Port          string
	DatabaseURL   string
	DBMaxConns    int
	StoreBackend  string
	QueueBackend  string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	JWTSecret     string

	StoragePath    string
	StorageBaseURL string
	ArtifactTTL    time.Duration
	RendererURL    string
	RendererAPIKey string
	MaxPages       int
	PageLimitMode  string

	QueueStream            string
	QueueGroup             string
	QueueVisibilityTimeout time.Duration
	WorkerConcurrency      int
	QuickJobTimeout        time.Duration

	WebhookMaxRetries    int
	WebhookBackoff       []time.Duration
	WebhookTimeout       time.Duration
	WebhookSigningSecret string
	WebhookSecretTTL     time.Duration
	PaymentWebhookSecret string
	PaymentTolerance     time.Duration

	APIRateLimit      int
	CallbackRateLimit int

	PlansFile          string
	CORSAllowedOrigins []string
	DefaultLocale      string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
// Values from .env files never override variables already present in the environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:        getEnv("APP_ENV", "development"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		Port:          port,
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DBMaxConns:    getEnvInt("DB_MAX_CONNS", 10),
		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", BackendPostgres)),
		QueueBackend:  strings.ToLower(getEnv("QUEUE_BACKEND", BackendRedis)),
		RedisAddress:  os.Getenv("REDIS_ADDRESS"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		JWTSecret:     os.Getenv("JWT_SECRET"),

		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		ArtifactTTL:    time.Hour * time.Duration(getEnvInt("ARTIFACT_TTL_HOURS", 24)),
		RendererURL:    os.Getenv("RENDERER_URL"),
		RendererAPIKey: os.Getenv("RENDERER_API_KEY"),
		MaxPages:       getEnvInt("MAX_PAGES", 50),
		PageLimitMode:  strings.ToLower(getEnv("PAGE_LIMIT_POLICY", "truncate")),

		QueueStream:            getEnv("QUEUE_STREAM", "docapi:jobs"),
		QueueGroup:             getEnv("QUEUE_GROUP", "workers"),
		QueueVisibilityTimeout: time.Second * time.Duration(getEnvInt("QUEUE_VISIBILITY_TIMEOUT_SECONDS", 300)),
		WorkerConcurrency:      getEnvInt("WORKER_CONCURRENCY", 4),
		QuickJobTimeout:        time.Second * time.Duration(getEnvInt("QUICK_JOB_TIMEOUT_SECONDS", 25)),

		WebhookMaxRetries:    getEnvInt("WEBHOOK_MAX_RETRIES", 3),
		WebhookBackoff:       getEnvDurations("WEBHOOK_BACKOFF", []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}),
		WebhookTimeout:       time.Second * time.Duration(getEnvInt("WEBHOOK_TIMEOUT_SECONDS", 10)),
		WebhookSigningSecret: os.Getenv("WEBHOOK_SIGNING_SECRET"),
		WebhookSecretTTL:     time.Second * time.Duration(getEnvInt("WEBHOOK_SECRET_TTL_SECONDS", 300)),
		PaymentWebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		PaymentTolerance:     time.Second * time.Duration(getEnvInt("PAYMENT_SIGNATURE_TOLERANCE_SECONDS", 300)),

		APIRateLimit:      getEnvInt("API_RATE_LIMIT_PER_MINUTE", 600),
		CallbackRateLimit: getEnvInt("CALLBACK_RATE_LIMIT_PER_MINUTE", 120),

		PlansFile:          os.Getenv("PLANS_FILE"),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		DefaultLocale:      getEnv("DEFAULT_LOCALE", "en"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 60)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	switch cfg.StoreBackend {
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case BackendRedis, BackendMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_BACKEND %q", cfg.StoreBackend)
	}

	switch cfg.QueueBackend {
	case BackendRedis, BackendMemory:
	default:
		return nil, fmt.Errorf("unsupported QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	if (cfg.StoreBackend == BackendRedis || cfg.QueueBackend == BackendRedis) && cfg.RedisAddress == "" {
		return nil, fmt.Errorf("REDIS_ADDRESS is required for the redis backend")
	}

	if cfg.PageLimitMode != "truncate" && cfg.PageLimitMode != "reject" {
		return nil, fmt.Errorf("PAGE_LIMIT_POLICY must be truncate or reject, got %q", cfg.PageLimitMode)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// getEnvDurations parses a comma separated list such as "1s,2s,4s".
// Any malformed entry discards the whole value.
func getEnvDurations(key string, fallback []time.Duration) []time.Duration {
	parts := getEnvList(key, nil)
	if len(parts) == 0 {
		return fallback
	}
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(part)
		if err != nil || d < 0 {
			return fallback
		}
		out = append(out, d)
	}
	return out
}
