package quota

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"docapi/internal/domain"
	"docapi/internal/infra"
)

// QuotaFlagger persists the cached quota_exceeded flag.
type QuotaFlagger interface {
	SetQuotaExceeded(ctx context.Context, ownerID string, exceeded bool) error
}

// Guard enforces lifetime usage quotas.
type Guard struct {
	flags   QuotaFlagger
	logger  zerolog.Logger
	metrics *infra.Metrics
}

// NewGuard builds a quota guard.
func NewGuard(flags QuotaFlagger, logger zerolog.Logger, metrics *infra.Metrics) *Guard {
	return &Guard{flags: flags, logger: logger, metrics: metrics}
}

// CheckQuota rejects when usage has reached quota and keeps the account's
// quota_exceeded flag in sync. A quota of zero or less is unlimited. Flag
// write failures are logged and never block the request.
func (g *Guard) CheckQuota(ctx context.Context, ownerID string, usage, quota int64) error {
	if quota <= 0 {
		return nil
	}
	exceeded := usage >= quota
	if g.flags != nil {
		if err := g.flags.SetQuotaExceeded(ctx, ownerID, exceeded); err != nil {
			g.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("quota: flag update failed")
		}
	}
	if exceeded {
		g.metrics.Admission("quota", "rejected")
		return &domain.QuotaError{Usage: usage, Quota: quota}
	}
	g.metrics.Admission("quota", "allowed")
	return nil
}

// AccountSource resolves the account and plan a request is billed to.
type AccountSource interface {
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	Plans() domain.Plans
}

// Admission runs the pre-submission checks in order: rate, quota, then the
// advisory balance check.
type Admission struct {
	accounts AccountSource
	limiter  *Limiter
	guard    *Guard
	logger   zerolog.Logger
}

// NewAdmission wires the admission checks.
func NewAdmission(accounts AccountSource, limiter *Limiter, guard *Guard, logger zerolog.Logger) *Admission {
	return &Admission{accounts: accounts, limiter: limiter, guard: guard, logger: logger}
}

// Admit decides whether ownerID may submit a job of at least pages pages.
// Unknown accounts are rejected. Other store
// failures let the request through; the ledger re-checks at deduction.
func (a *Admission) Admit(ctx context.Context, ownerID string, pages int) (domain.Account, domain.Plan, error) {
	acct, err := a.accounts.GetAccount(ctx, ownerID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, domain.Plan{}, err
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("quota: account unavailable, admitting request")
		return domain.Account{ID: ownerID}, domain.Plan{}, nil
	}
	plan := a.accounts.Plans().Lookup(acct.Plan)

	if err := a.limiter.CheckRate(ctx, ownerID, plan.RateLimitPerMinute); err != nil {
		return acct, plan, err
	}
	if err := a.guard.CheckQuota(ctx, ownerID, acct.TotalCount, plan.Quota); err != nil {
		return acct, plan, err
	}

	price := plan.Price(pages)
	if price > 0 && acct.FreeCreditsRemaining <= 0 && acct.CreditsBalance < price {
		return acct, plan, &domain.InsufficientCreditsError{Required: price, Balance: acct.CreditsBalance}
	}
	return acct, plan, nil
}
