package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"docapi/internal/domain"
	"docapi/internal/store"
)

const (
	claimPurchase = "purchase"
	claimRefund   = "refund"
)

// Purchase credits ownerID with amount. It is idempotent per external
// reference so payment-provider redeliveries never credit twice.
func (g *Ledger) Purchase(ctx context.Context, ownerID string, amount domain.Money, reference string) (domain.CreditTransaction, bool, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.CreditTransaction{}, false, domain.Invalid("reference", "is required")
	}
	if !amount.IsPositive() {
		return domain.CreditTransaction{}, false, domain.Invalid("amount", "must be positive")
	}

	c, done, err := g.acquire(ctx, claimPurchase, reference, ownerID)
	if err != nil {
		return domain.CreditTransaction{}, false, err
	}
	if done {
		txn, err := g.getTransaction(ctx, c.TransactionID)
		if err != nil {
			return domain.CreditTransaction{}, false, g.conflict("purchase", reference, err)
		}
		g.metrics.Ledger("purchase", "duplicate")
		return txn, true, nil
	}
	if txn, ok := g.landed(ctx, c); ok {
		g.markGrantApplied(ctx, reference)
		g.settle(ctx, c, claimCompleted)
		return txn, true, nil
	}

	now := g.now().UTC()
	grant := domain.PurchaseGrant{
		Reference:     reference,
		OwnerID:       ownerID,
		Granted:       amount,
		TransactionID: c.TransactionID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.Create(ctx, g.store, GrantsCollection, reference, grant, grantIndexes(grant)...); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		g.release(ctx, c)
		return domain.CreditTransaction{}, false, err
	}

	change, replayed, err := g.applyChange(ctx, c, ownerID, func(a *domain.Account) (domain.AppliedChange, error) {
		a.CreditsBalance += amount
		return domain.AppliedChange{Amount: amount}, nil
	})
	if err != nil {
		g.release(ctx, c)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.CreditTransaction{}, false, err
		}
		return domain.CreditTransaction{}, false, g.conflict("purchase", reference, err)
	}

	txn := domain.CreditTransaction{
		ID:           change.TransactionID,
		OwnerID:      ownerID,
		Amount:       change.Amount,
		Reference:    reference,
		Type:         domain.TransactionPurchase,
		Status:       domain.TransactionCompleted,
		BalanceAfter: change.BalanceAfter,
		CreatedAt:    change.AppliedAt,
	}
	if _, err := g.appendTransaction(ctx, txn); err != nil {
		g.logger.Error().Err(err).Str("reference", reference).Msg("ledger: purchase applied but transaction not recorded")
		return domain.CreditTransaction{}, false, g.conflict("purchase", reference, err)
	}
	g.markGrantApplied(ctx, reference)
	c.TransactionID = txn.ID
	g.settle(ctx, c, claimCompleted)

	if replayed {
		g.metrics.Ledger("purchase", "recovered")
		return txn, true, nil
	}
	g.metrics.Ledger("purchase", "completed")
	g.logger.Info().
		Str("owner_id", ownerID).
		Str("reference", reference).
		Str("amount", amount.String()).
		Msg("ledger: purchase recorded")
	return txn, false, nil
}

func (g *Ledger) markGrantApplied(ctx context.Context, reference string) {
	_, err := store.Mutate(ctx, g.store, GrantsCollection, reference, func(cur domain.PurchaseGrant) (domain.PurchaseGrant, []string, error) {
		if cur.Applied {
			return cur, nil, errNoChange
		}
		cur.Applied = true
		cur.UpdatedAt = g.now().UTC()
		return cur, grantIndexes(cur), nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		g.logger.Error().Err(err).Str("reference", reference).Msg("ledger: mark grant applied failed")
	}
}

// RefundRequest revokes credits granted by one purchase.
type RefundRequest struct {
	OwnerID      string
	Reference    string
	AdjustmentID string
	// Amount caps the revocation. Zero revokes everything still unused.
	Amount domain.Money
}

// Refund revokes the unused part of a purchase grant. The revoked amount is
// bounded by the grant's unused credits and by the current balance. It is
// idempotent per AdjustmentID.
//
// The revocation is reserved on the grant before the balance moves, so
// concurrent refunds of one purchase never revoke more than it has unused.
func (g *Ledger) Refund(ctx context.Context, req RefundRequest) (domain.CreditTransaction, bool, error) {
	req.Reference = strings.TrimSpace(req.Reference)
	req.AdjustmentID = strings.TrimSpace(req.AdjustmentID)
	if req.Reference == "" {
		return domain.CreditTransaction{}, false, domain.Invalid("reference", "is required")
	}
	if req.AdjustmentID == "" {
		return domain.CreditTransaction{}, false, domain.Invalid("adjustment_id", "is required")
	}
	if req.Amount < 0 {
		return domain.CreditTransaction{}, false, domain.Invalid("amount", "must not be negative")
	}

	grant, _, err := store.Load[domain.PurchaseGrant](ctx, g.store, GrantsCollection, req.Reference)
	if errors.Is(err, store.ErrNotFound) {
		return domain.CreditTransaction{}, false, fmt.Errorf("purchase %s: %w", req.Reference, domain.ErrNotFound)
	}
	if err != nil {
		return domain.CreditTransaction{}, false, err
	}
	if !grant.Applied {
		return domain.CreditTransaction{}, false, fmt.Errorf("purchase %s not settled: %w", req.Reference, domain.ErrNotFound)
	}
	if grant.OwnerID != req.OwnerID {
		return domain.CreditTransaction{}, false, fmt.Errorf("purchase %s: %w", req.Reference, domain.ErrForbidden)
	}

	c, done, err := g.acquire(ctx, claimRefund, req.AdjustmentID, req.OwnerID)
	if err != nil {
		return domain.CreditTransaction{}, false, err
	}
	if done {
		txn, err := g.getTransaction(ctx, c.TransactionID)
		if err != nil {
			return domain.CreditTransaction{}, false, g.conflict("refund", req.AdjustmentID, err)
		}
		g.metrics.Ledger("refund", "duplicate")
		return txn, true, nil
	}
	if txn, ok := g.landed(ctx, c); ok {
		g.settle(ctx, c, claimCompleted)
		return txn, true, nil
	}

	reserved, err := g.reserveRevocation(ctx, req)
	if err != nil {
		g.release(ctx, c)
		return domain.CreditTransaction{}, false, g.conflict("refund", req.AdjustmentID, err)
	}

	change, replayed, err := g.applyChange(ctx, c, req.OwnerID, func(a *domain.Account) (domain.AppliedChange, error) {
		revoked := reserved.Min(a.CreditsBalance)
		if revoked < 0 {
			revoked = 0
		}
		a.CreditsBalance -= revoked
		return domain.AppliedChange{Amount: revoked.Neg()}, nil
	})
	if err != nil {
		// A definite failure leaves nothing applied, so the reservation is
		// returned. Otherwise it stays for a retry under the same adjustment.
		if errors.Is(err, store.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			g.reviseRevocation(ctx, req, 0, true)
		}
		g.release(ctx, c)
		return domain.CreditTransaction{}, false, g.conflict("refund", req.AdjustmentID, err)
	}
	revoked := change.Amount.Neg()
	if revoked < reserved {
		g.reviseRevocation(ctx, req, revoked, false)
	}

	txn := domain.CreditTransaction{
		ID:           change.TransactionID,
		OwnerID:      req.OwnerID,
		Amount:       change.Amount,
		Reference:    req.Reference,
		AdjustmentID: req.AdjustmentID,
		Type:         domain.TransactionRefund,
		Status:       domain.TransactionCompleted,
		BalanceAfter: change.BalanceAfter,
		CreatedAt:    change.AppliedAt,
	}
	if _, err := g.appendTransaction(ctx, txn); err != nil {
		g.logger.Error().Err(err).Str("adjustment_id", req.AdjustmentID).Msg("ledger: refund applied but transaction not recorded")
		return domain.CreditTransaction{}, false, g.conflict("refund", req.AdjustmentID, err)
	}
	c.TransactionID = txn.ID
	g.settle(ctx, c, claimCompleted)

	if replayed {
		g.metrics.Ledger("refund", "recovered")
		return txn, true, nil
	}
	g.metrics.Ledger("refund", "completed")
	g.logger.Info().
		Str("owner_id", req.OwnerID).
		Str("reference", req.Reference).
		Str("adjustment_id", req.AdjustmentID).
		Str("revoked", revoked.String()).
		Msg("ledger: refund recorded")
	return txn, false, nil
}

// reserveRevocation takes the refund's share out of the grant's unused
// credits. A retry under the same adjustment gets the earlier reservation
// back instead of reserving again.
func (g *Ledger) reserveRevocation(ctx context.Context, req RefundRequest) (domain.Money, error) {
	var took domain.Money
	_, err := store.Mutate(ctx, g.store, GrantsCollection, req.Reference, func(cur domain.PurchaseGrant) (domain.PurchaseGrant, []string, error) {
		if prior, ok := cur.Revocations[req.AdjustmentID]; ok {
			took = prior
			return cur, nil, errNoChange
		}
		took = cur.Unused()
		if req.Amount > 0 {
			took = took.Min(req.Amount)
		}
		if cur.Revocations == nil {
			cur.Revocations = map[string]domain.Money{}
		}
		cur.Revocations[req.AdjustmentID] = took
		cur.Revoked += took
		cur.UpdatedAt = g.now().UTC()
		return cur, grantIndexes(cur), nil
	})
	if errors.Is(err, errNoChange) {
		return took, nil
	}
	return took, err
}

// reviseRevocation lowers the adjustment's reservation to final and gives the
// rest back to the grant. With forget set the reservation is dropped entirely.
func (g *Ledger) reviseRevocation(ctx context.Context, req RefundRequest, final domain.Money, forget bool) {
	_, err := store.Mutate(ctx, g.store, GrantsCollection, req.Reference, func(cur domain.PurchaseGrant) (domain.PurchaseGrant, []string, error) {
		prior, ok := cur.Revocations[req.AdjustmentID]
		if !ok || (prior == final && !forget) {
			return cur, nil, errNoChange
		}
		cur.Revoked -= prior - final
		if forget {
			delete(cur.Revocations, req.AdjustmentID)
		} else {
			cur.Revocations[req.AdjustmentID] = final
		}
		cur.UpdatedAt = g.now().UTC()
		return cur, grantIndexes(cur), nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		g.logger.Error().Err(err).Str("reference", req.Reference).Str("adjustment_id", req.AdjustmentID).
			Msg("ledger: revocation reservation not revised")
	}
}
