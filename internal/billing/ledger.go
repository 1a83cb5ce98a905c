// Package billing implements the credit ledger: per-account balances, free
// credits, purchase grants and the append-only transaction log.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"docapi/internal/domain"
	"docapi/internal/ids"
	"docapi/internal/infra"
	"docapi/internal/store"
)

// Collections owned by the ledger.
const (
	AccountsCollection     = "accounts"
	TransactionsCollection = "credit_transactions"
	ClaimsCollection       = "ledger_claims"
	GrantsCollection       = "purchase_grants"
)

// DefaultClaimTTL is how long an unfinished operation blocks retries of the
// same job, reference or adjustment before another caller may take it over.
const DefaultClaimTTL = 2 * time.Minute

type claimStatus string

const (
	claimPending   claimStatus = "pending"
	claimCompleted claimStatus = "completed"
	claimFailed    claimStatus = "failed"
)

// claim serializes one idempotent ledger operation. TransactionID is chosen
// when the claim is taken so a takeover can detect work that already landed.
type claim struct {
	Key           string      `json:"key"`
	OwnerID       string      `json:"owner_id"`
	Status        claimStatus `json:"status"`
	TransactionID string      `json:"transaction_id"`
	ClaimedAt     time.Time   `json:"claimed_at"`
}

// Ledger is the CreditLedger. All account mutations are single-key
// compare-and-swap updates.
type Ledger struct {
	store    store.Store
	plans    domain.Plans
	logger   zerolog.Logger
	metrics  *infra.Metrics
	now      func() time.Time
	claimTTL time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(l zerolog.Logger) Option { return func(g *Ledger) { g.logger = l } }

func WithMetrics(m *infra.Metrics) Option { return func(g *Ledger) { g.metrics = m } }

func WithClock(now func() time.Time) Option { return func(g *Ledger) { g.now = now } }

// WithClaimTTL sets how long an unfinished operation blocks its retries.
func WithClaimTTL(ttl time.Duration) Option { return func(g *Ledger) { g.claimTTL = ttl } }

// WithPlans replaces the default plan table.
func WithPlans(plans domain.Plans) Option { return func(g *Ledger) { g.plans = plans } }

// NewLedger builds a ledger on top of s.
func NewLedger(s store.Store, opts ...Option) *Ledger {
	g := &Ledger{
		store:    s,
		plans:    domain.DefaultPlans(),
		logger:   zerolog.Nop(),
		now:      time.Now,
		claimTTL: DefaultClaimTTL,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Plans exposes the plan table the ledger prices against.
func (g *Ledger) Plans() domain.Plans { return g.plans }

// =============================================================================
// Accounts
// =============================================================================

// OpenAccount creates an account on the given plan and grants the plan's
// free credits.
func (g *Ledger) OpenAccount(ctx context.Context, id, email, plan string) (domain.Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Account{}, domain.Invalid("id", "is required")
	}
	if plan == "" {
		plan = domain.PlanFree
	}
	now := g.now().UTC()
	acct := domain.Account{
		ID:                   id,
		Email:                strings.TrimSpace(email),
		Plan:                 plan,
		FreeCreditsRemaining: g.plans.Lookup(plan).FreeCredits,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := store.Create(ctx, g.store, AccountsCollection, id, acct); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrAlreadyExists)
		}
		return domain.Account{}, err
	}
	g.logger.Info().Str("owner_id", id).Str("plan", plan).Msg("ledger: account opened")
	return acct, nil
}

// GetAccount loads an account.
func (g *Ledger) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	acct, _, err := store.Load[domain.Account](ctx, g.store, AccountsCollection, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return acct, err
}

// PlanFor resolves the plan an account is on.
func (g *Ledger) PlanFor(ctx context.Context, id string) (domain.Plan, error) {
	acct, err := g.GetAccount(ctx, id)
	if err != nil {
		return domain.Plan{}, err
	}
	return g.plans.Lookup(acct.Plan), nil
}

// SetPlan moves an account to another plan. Free credits are topped up to
// the new plan's allotment when it is higher.
func (g *Ledger) SetPlan(ctx context.Context, id, plan string) (domain.Account, error) {
	plan = strings.TrimSpace(plan)
	if plan == "" {
		return domain.Account{}, domain.Invalid("plan", "is required")
	}
	allot := g.plans.Lookup(plan).FreeCredits
	return g.mutateAccount(ctx, id, func(a domain.Account) (domain.Account, error) {
		a.Plan = plan
		if a.FreeCreditsRemaining < allot {
			a.FreeCreditsRemaining = allot
		}
		return a, nil
	})
}

// SetQuotaExceeded flips the cached quota flag. It is a no-op when the flag
// already has the requested value.
func (g *Ledger) SetQuotaExceeded(ctx context.Context, id string, exceeded bool) error {
	_, err := g.mutateAccount(ctx, id, func(a domain.Account) (domain.Account, error) {
		if a.QuotaExceeded == exceeded {
			return a, errNoChange
		}
		a.QuotaExceeded = exceeded
		return a, nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

var errNoChange = errors.New("no change")

func (g *Ledger) mutateAccount(ctx context.Context, id string, fn func(domain.Account) (domain.Account, error)) (domain.Account, error) {
	acct, err := store.Mutate(ctx, g.store, AccountsCollection, id, func(a domain.Account) (domain.Account, []string, error) {
		next, err := fn(a)
		if err != nil {
			return a, nil, err
		}
		next.UpdatedAt = g.now().UTC()
		return next, nil, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return acct, err
}

// =============================================================================
// Transactions
// =============================================================================

// ListTransactions returns the owner's transactions, newest first.
func (g *Ledger) ListTransactions(ctx context.Context, ownerID string) ([]domain.CreditTransaction, error) {
	txns, err := store.QueryAll[domain.CreditTransaction](ctx, g.store, TransactionsCollection, "owner:"+ownerID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(txns, func(i, j int) bool {
		if txns[i].CreatedAt.Equal(txns[j].CreatedAt) {
			return txns[i].ID > txns[j].ID
		}
		return txns[i].CreatedAt.After(txns[j].CreatedAt)
	})
	return txns, nil
}

// TransactionsForJob returns every transaction correlated to the job.
func (g *Ledger) TransactionsForJob(ctx context.Context, jobID string) ([]domain.CreditTransaction, error) {
	return store.QueryAll[domain.CreditTransaction](ctx, g.store, TransactionsCollection, "job:"+jobID)
}

func (g *Ledger) getTransaction(ctx context.Context, id string) (domain.CreditTransaction, error) {
	txn, _, err := store.Load[domain.CreditTransaction](ctx, g.store, TransactionsCollection, id)
	return txn, err
}

// appendTransaction writes txn and reports whether this call created it.
func (g *Ledger) appendTransaction(ctx context.Context, txn domain.CreditTransaction) (bool, error) {
	if txn.ID == "" {
		txn.ID = ids.New(ids.PrefixTransaction)
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = g.now().UTC()
	}
	idx := []string{"owner:" + txn.OwnerID}
	if txn.JobID != "" {
		idx = append(idx, "job:"+txn.JobID)
	}
	if txn.Reference != "" {
		idx = append(idx, "reference:"+txn.Reference)
	}
	err := store.Create(ctx, g.store, TransactionsCollection, txn.ID, txn, idx...)
	if errors.Is(err, store.ErrAlreadyExists) {
		return false, nil
	}
	return err == nil, err
}

// appliedJournalSize bounds Account.Applied. An operation whose balance
// change landed without its transaction is recovered as long as fewer than
// this many later changes hit the account before it is retried.
const appliedJournalSize = 256

// applyChange runs fn against the account and records the change under the
// claim's operation key in the same compare-and-swap. When the key is already
// in the account's journal, fn is skipped and the recorded change returned
// with replayed set, so a retry never moves the balance twice.
func (g *Ledger) applyChange(ctx context.Context, c claim, ownerID string, fn func(*domain.Account) (domain.AppliedChange, error)) (change domain.AppliedChange, replayed bool, err error) {
	_, err = g.mutateAccount(ctx, ownerID, func(a domain.Account) (domain.Account, error) {
		if prior, ok := a.FindApplied(c.Key); ok {
			change = prior
			return a, errNoChange
		}
		next, err := fn(&a)
		if err != nil {
			return a, err
		}
		next.Key = c.Key
		next.TransactionID = c.TransactionID
		next.BalanceAfter = a.CreditsBalance
		next.AppliedAt = g.now().UTC()
		a.RecordApplied(next, appliedJournalSize)
		change = next
		return a, nil
	})
	if errors.Is(err, errNoChange) {
		g.logger.Warn().Str("claim", c.Key).Str("transaction_id", change.TransactionID).Msg("ledger: balance change already applied, finishing bookkeeping")
		return change, true, nil
	}
	return change, false, err
}

// =============================================================================
// Claims
// =============================================================================

func claimKey(kind, key string) string { return kind + ":" + key }

// acquire takes the claim for an idempotent operation. It returns the claim
// to work under, or the finished claim when the operation already completed.
func (g *Ledger) acquire(ctx context.Context, kind, key, ownerID string) (c claim, done bool, err error) {
	k := claimKey(kind, key)
	now := g.now().UTC()
	fresh := claim{
		Key:           k,
		OwnerID:       ownerID,
		Status:        claimPending,
		TransactionID: ids.New(ids.PrefixTransaction),
		ClaimedAt:     now,
	}
	err = store.Create(ctx, g.store, ClaimsCollection, k, fresh, "owner:"+ownerID)
	if err == nil {
		return fresh, false, nil
	}
	if !errors.Is(err, store.ErrAlreadyExists) {
		return claim{}, false, err
	}

	var finished claim
	taken, err := store.Mutate(ctx, g.store, ClaimsCollection, k, func(cur claim) (claim, []string, error) {
		switch cur.Status {
		case claimCompleted:
			finished = cur
			return cur, nil, errNoChange
		case claimPending:
			if now.Sub(cur.ClaimedAt) < g.claimTTL {
				return cur, nil, fmt.Errorf("%s %s in progress: %w", kind, key, domain.ErrDuplicateOperation)
			}
		}
		// An abandoned claim keeps its transaction id so work that already
		// landed is recognised. A failed one starts over.
		if cur.Status == claimFailed {
			cur.TransactionID = ids.New(ids.PrefixTransaction)
		}
		cur.Status = claimPending
		cur.ClaimedAt = now
		return cur, []string{"owner:" + cur.OwnerID}, nil
	})
	if errors.Is(err, errNoChange) {
		if finished.OwnerID != ownerID {
			return claim{}, false, fmt.Errorf("%s %s: %w", kind, key, domain.ErrForbidden)
		}
		return finished, true, nil
	}
	if err != nil {
		return claim{}, false, err
	}
	if taken.OwnerID != ownerID {
		return claim{}, false, fmt.Errorf("%s %s: %w", kind, key, domain.ErrForbidden)
	}
	return taken, false, nil
}

// settle finishes the claim and points it at the transaction that records
// the outcome.
func (g *Ledger) settle(ctx context.Context, c claim, status claimStatus) {
	_, err := store.Mutate(ctx, g.store, ClaimsCollection, c.Key, func(cur claim) (claim, []string, error) {
		cur.Status = status
		cur.TransactionID = c.TransactionID
		return cur, []string{"owner:" + cur.OwnerID}, nil
	})
	if err != nil {
		g.logger.Error().Err(err).Str("claim", c.Key).Msg("ledger: settle claim failed")
	}
}

func (g *Ledger) release(ctx context.Context, c claim) {
	if err := g.store.Delete(ctx, ClaimsCollection, c.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
		g.logger.Error().Err(err).Str("claim", c.Key).Msg("ledger: release claim failed")
	}
}

// landed reports whether a previous holder of the claim already wrote its
// completed transaction.
func (g *Ledger) landed(ctx context.Context, c claim) (domain.CreditTransaction, bool) {
	txn, err := g.getTransaction(ctx, c.TransactionID)
	if err != nil || txn.Status != domain.TransactionCompleted {
		return domain.CreditTransaction{}, false
	}
	return txn, true
}
