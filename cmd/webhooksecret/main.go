package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"docapi/internal/infra"
	"docapi/internal/infra/credentials"
)

func main() {
	var (
		secretFlag string
		kindFlag   string
	)
	flag.StringVar(&secretFlag, "secret", "", "secret to store (fallbacks to environment)")
	flag.StringVar(&kindFlag, "kind", "webhook", "secret to rotate (webhook or payment)")
	flag.Parse()

	kind := strings.TrimSpace(strings.ToLower(kindFlag))
	envKey := "WEBHOOK_SIGNING_SECRET"
	switch kind {
	case "webhook", "":
		kind = "webhook"
	case "payment":
		envKey = "PAYMENT_WEBHOOK_SECRET"
	default:
		fmt.Fprintf(os.Stderr, "unsupported kind %q\n", kindFlag)
		os.Exit(1)
	}

	secret := strings.TrimSpace(secretFlag)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv(envKey))
	}
	if secret == "" {
		fmt.Fprintf(os.Stderr, "%s secret is required via -secret or %s\n", kind, envKey)
		os.Exit(1)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli", os.Getenv("LOG_LEVEL")).With().Str("cmd", "webhooksecret").Str("kind", kind).Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))
	if err := store.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ensure schema: %v\n", err)
		os.Exit(1)
	}

	if kind == "payment" {
		err = store.SetPaymentSecret(ctx, secret)
	} else {
		err = store.SetWebhookSigningSecret(ctx, secret)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist %s secret: %v\n", kind, err)
		os.Exit(1)
	}

	fmt.Printf("%s secret stored successfully; running services pick it up within the cache TTL\n", kind)
}
