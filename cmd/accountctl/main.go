package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"docapi/internal/adapter/repo"
	"docapi/internal/billing"
	"docapi/internal/domain"
	"docapi/internal/domain/jsoncfg"
	"docapi/internal/infra"
	"docapi/internal/store"
)

func main() {
	var (
		idFlag        string
		emailFlag     string
		planFlag      string
		creditsFlag   string
		referenceFlag string
	)

	flag.StringVar(&idFlag, "id", "", "account ID to open or update")
	flag.StringVar(&emailFlag, "email", "", "contact email, used when the account is opened")
	flag.StringVar(&planFlag, "plan", "", "plan to assign (see PLANS_FILE; defaults to free for new accounts)")
	flag.StringVar(&creditsFlag, "credits", "", "credits to grant as a decimal amount, e.g. 10.00")
	flag.StringVar(&referenceFlag, "reference", "", "idempotency reference for the grant (defaults to a timestamped one)")
	flag.Parse()

	accountID := strings.TrimSpace(idFlag)
	if accountID == "" {
		exitWithError(errors.New("-id is required"))
	}
	plan := strings.TrimSpace(strings.ToLower(planFlag))

	plans, err := jsoncfg.LoadPlans(os.Getenv("PLANS_FILE"))
	if err != nil {
		exitWithError(err)
	}
	if plan != "" {
		if _, ok := plans[plan]; !ok {
			exitWithError(fmt.Errorf("unsupported plan %q", plan))
		}
	}

	var credits domain.Money
	if strings.TrimSpace(creditsFlag) != "" {
		credits, err = domain.ParseMoney(creditsFlag)
		if err != nil || !credits.IsPositive() {
			exitWithError(fmt.Errorf("invalid -credits %q", creditsFlag))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := infra.NewLogger("cli", os.Getenv("LOG_LEVEL")).With().Str("cmd", "accountctl").Logger()
	records, closeStore, err := openStore(ctx, logger)
	if err != nil {
		exitWithError(err)
	}
	defer closeStore()

	ledger := billing.NewLedger(records, billing.WithPlans(plans), billing.WithLogger(logger))

	acct, err := ledger.GetAccount(ctx, accountID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		acct, err = ledger.OpenAccount(ctx, accountID, emailFlag, plan)
		if err != nil {
			exitWithError(fmt.Errorf("failed to open account: %w", err))
		}
		fmt.Printf("Account %s opened on plan %s\n", acct.ID, acct.Plan)
	case err != nil:
		exitWithError(fmt.Errorf("failed to load account: %w", err))
	case plan != "" && plan != acct.Plan:
		acct, err = ledger.SetPlan(ctx, accountID, plan)
		if err != nil {
			exitWithError(fmt.Errorf("failed to update plan: %w", err))
		}
		fmt.Printf("Account %s moved to plan %s\n", acct.ID, acct.Plan)
	}

	if credits > 0 {
		reference := strings.TrimSpace(referenceFlag)
		if reference == "" {
			reference = fmt.Sprintf("manual-%s-%d", accountID, time.Now().UnixNano())
		}
		txn, dup, err := ledger.Purchase(ctx, accountID, credits, reference)
		if err != nil {
			exitWithError(fmt.Errorf("failed to grant credits: %w", err))
		}
		if dup {
			fmt.Printf("reference %s was already applied (transaction %s)\n", reference, txn.ID)
		} else {
			fmt.Printf("granted %s credits (transaction %s)\n", credits, txn.ID)
		}
	}

	acct, err = ledger.GetAccount(ctx, accountID)
	if err != nil {
		exitWithError(err)
	}
	fmt.Printf("credits_balance=%s\n", acct.CreditsBalance)
	fmt.Printf("free_credits_remaining=%d\n", acct.FreeCreditsRemaining)
	fmt.Printf("total_count=%d\n", acct.TotalCount)
}

// openStore connects to postgres when DATABASE_URL is set and to redis when
// REDIS_ADDRESS is set.
func openStore(ctx context.Context, logger infra.Logger) (store.Store, func(), error) {
	if dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect database: %w", err)
		}
		pg := repo.NewPGStore(infra.NewSQLRunner(pool, logger))
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
		return pg, pool.Close, nil
	}
	if addr := strings.TrimSpace(os.Getenv("REDIS_ADDRESS")); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return repo.NewRedisStore(client, "docapi"), func() { _ = client.Close() }, nil
	}
	return nil, nil, errors.New("DATABASE_URL or REDIS_ADDRESS is required")
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
