package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"docapi/internal/domain"
	"docapi/internal/ids"
	"docapi/internal/store"
)

const claimDeduction = "deduction"

// Deduct charges ownerID for jobID. It is idempotent per job: once a
// deduction for the job has completed every further call returns that
// transaction with Duplicate set.
//
// Free credits are consumed before the monetary balance. A zero amount only
// bumps the usage counter. When the balance cannot cover the amount a failed
// transaction is recorded and *domain.InsufficientCreditsError returned.
// Store failures are reported as domain.ErrLedgerConflict. A retry of the same
// job after such a failure never charges a second time.
func (g *Ledger) Deduct(ctx context.Context, ownerID, jobID string, amount domain.Money) (domain.DeductionResult, error) {
	if ownerID == "" || jobID == "" {
		return domain.DeductionResult{}, domain.Invalid("deduction", "owner_id and job_id are required")
	}

	c, done, err := g.acquire(ctx, claimDeduction, jobID, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateOperation) || errors.Is(err, domain.ErrForbidden) {
			return domain.DeductionResult{}, err
		}
		return domain.DeductionResult{}, g.conflict("deduct", jobID, err)
	}
	if done {
		txn, err := g.getTransaction(ctx, c.TransactionID)
		if err != nil {
			return domain.DeductionResult{}, g.conflict("deduct", jobID, err)
		}
		g.metrics.Ledger("deduct", "duplicate")
		g.logger.Info().Str("job_id", jobID).Str("transaction_id", txn.ID).Msg("ledger: duplicate deduction absorbed")
		return domain.DeductionResult{Transaction: txn, Duplicate: true}, nil
	}
	if txn, ok := g.landed(ctx, c); ok {
		g.settle(ctx, c, claimCompleted)
		return domain.DeductionResult{Transaction: txn, Duplicate: true}, nil
	}
	if prior, err := g.getTransaction(ctx, c.TransactionID); err == nil && prior.Status == domain.TransactionFailed {
		c.TransactionID = ids.New(ids.PrefixTransaction)
	}

	change, replayed, err := g.applyChange(ctx, c, ownerID, func(a *domain.Account) (domain.AppliedChange, error) {
		switch {
		case amount <= 0:
			a.TotalCount++
			return domain.AppliedChange{}, nil
		case a.FreeCreditsRemaining > 0:
			a.FreeCreditsRemaining--
			a.TotalCount++
			return domain.AppliedChange{UsedFreeCredits: true}, nil
		case a.CreditsBalance >= amount:
			a.CreditsBalance -= amount
			a.TotalCount++
			return domain.AppliedChange{Amount: amount.Neg()}, nil
		default:
			return domain.AppliedChange{}, &domain.InsufficientCreditsError{Required: amount, Balance: a.CreditsBalance}
		}
	})

	var insufficient *domain.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		return domain.DeductionResult{}, g.recordFailedDeduction(ctx, c, ownerID, jobID, amount, insufficient.Balance)
	case errors.Is(err, domain.ErrNotFound):
		g.release(ctx, c)
		return domain.DeductionResult{}, err
	case err != nil:
		g.release(ctx, c)
		return domain.DeductionResult{}, g.conflict("deduct", jobID, err)
	}

	txn := domain.CreditTransaction{
		ID:              change.TransactionID,
		OwnerID:         ownerID,
		JobID:           jobID,
		Amount:          change.Amount,
		Type:            domain.TransactionDeduction,
		Status:          domain.TransactionCompleted,
		UsedFreeCredits: change.UsedFreeCredits,
		BalanceAfter:    change.BalanceAfter,
		CreatedAt:       change.AppliedAt,
	}
	created, err := g.appendTransaction(ctx, txn)
	if err != nil {
		// The balance already moved and the account journal holds the change
		// under the job's key, so a retry writes this transaction without
		// charging again.
		g.logger.Error().Err(err).Str("job_id", jobID).Msg("ledger: deduction applied but transaction not recorded")
		return domain.DeductionResult{}, g.conflict("deduct", jobID, err)
	}
	if created && txn.Amount < 0 {
		g.attributeConsumption(ctx, ownerID, txn.Amount.Neg())
	}
	c.TransactionID = txn.ID
	g.settle(ctx, c, claimCompleted)

	if replayed {
		g.metrics.Ledger("deduct", "recovered")
		return domain.DeductionResult{Transaction: txn, Duplicate: true}, nil
	}
	g.metrics.Ledger("deduct", outcomeFor(txn))
	g.logger.Info().
		Str("job_id", jobID).
		Str("owner_id", ownerID).
		Str("amount", txn.Amount.String()).
		Bool("used_free_credits", txn.UsedFreeCredits).
		Msg("ledger: deduction recorded")
	return domain.DeductionResult{Transaction: txn}, nil
}

func (g *Ledger) recordFailedDeduction(ctx context.Context, c claim, ownerID, jobID string, amount, balance domain.Money) error {
	txn := domain.CreditTransaction{
		ID:            c.TransactionID,
		OwnerID:       ownerID,
		JobID:         jobID,
		Amount:        amount.Neg(),
		Type:          domain.TransactionDeduction,
		Status:        domain.TransactionFailed,
		BalanceAfter:  balance,
		FailureReason: "insufficient credits",
		CreatedAt:     g.now().UTC(),
	}
	if _, err := g.appendTransaction(ctx, txn); err != nil {
		g.logger.Error().Err(err).Str("job_id", jobID).Msg("ledger: failed deduction not recorded")
	}
	g.settle(ctx, c, claimFailed)
	g.metrics.Ledger("deduct", "insufficient")
	g.logger.Warn().
		Str("job_id", jobID).
		Str("owner_id", ownerID).
		Str("required", amount.String()).
		Str("balance", balance.String()).
		Msg("ledger: insufficient credits")
	return &domain.InsufficientCreditsError{Required: amount, Balance: balance, TransactionID: txn.ID}
}

// attributeConsumption spreads a balance charge over the owner's purchase
// grants, oldest first, so refunds can tell spent from unspent credits.
// Charges beyond what grants cover (for example admin credits) are ignored.
func (g *Ledger) attributeConsumption(ctx context.Context, ownerID string, amount domain.Money) {
	grants, err := g.ListGrants(ctx, ownerID)
	if err != nil {
		g.logger.Error().Err(err).Str("owner_id", ownerID).Msg("ledger: list grants for attribution failed")
		return
	}
	remaining := amount
	for _, grant := range grants {
		if remaining <= 0 {
			return
		}
		if !grant.Applied || grant.Unused() <= 0 {
			continue
		}
		var took domain.Money
		_, err := store.Mutate(ctx, g.store, GrantsCollection, grant.Reference, func(cur domain.PurchaseGrant) (domain.PurchaseGrant, []string, error) {
			took = remaining.Min(cur.Unused())
			cur.Consumed += took
			cur.UpdatedAt = g.now().UTC()
			return cur, grantIndexes(cur), nil
		})
		if err != nil {
			g.logger.Error().Err(err).Str("reference", grant.Reference).Msg("ledger: grant attribution failed")
			return
		}
		remaining -= took
	}
}

// ListGrants returns the owner's purchase grants, oldest first.
func (g *Ledger) ListGrants(ctx context.Context, ownerID string) ([]domain.PurchaseGrant, error) {
	grants, err := store.QueryAll[domain.PurchaseGrant](ctx, g.store, GrantsCollection, "owner:"+ownerID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(grants, func(i, j int) bool { return grants[i].CreatedAt.Before(grants[j].CreatedAt) })
	return grants, nil
}

func grantIndexes(gr domain.PurchaseGrant) []string {
	return []string{"owner:" + gr.OwnerID}
}

func (g *Ledger) conflict(op, key string, err error) error {
	g.metrics.Ledger(op, "conflict")
	return fmt.Errorf("%s %s: %w: %v", op, key, domain.ErrLedgerConflict, err)
}

func outcomeFor(txn domain.CreditTransaction) string {
	switch {
	case txn.UsedFreeCredits:
		return "free_credit"
	case txn.Amount == 0:
		return "unpriced"
	default:
		return "charged"
	}
}
