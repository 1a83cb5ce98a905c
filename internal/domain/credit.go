package domain

import "time"

// TransactionType enumerates billing events.
type TransactionType string

const (
	TransactionPurchase  TransactionType = "purchase"
	TransactionDeduction TransactionType = "deduction"
	TransactionRefund    TransactionType = "refund"
)

// TransactionStatus records whether the billing event moved money.
type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// CreditTransaction is an append-only ledger entry. Amount is the signed
// balance delta: deductions and refunds are negative, purchases positive,
// free-credit consumption is zero.
type CreditTransaction struct {
	ID              string            `json:"transaction_id"`
	OwnerID         string            `json:"owner_id"`
	Amount          Money             `json:"amount"`
	JobID           string            `json:"job_id,omitempty"`
	Reference       string            `json:"reference,omitempty"`
	AdjustmentID    string            `json:"adjustment_id,omitempty"`
	Type            TransactionType   `json:"transaction_type"`
	Status          TransactionStatus `json:"status"`
	UsedFreeCredits bool              `json:"used_free_credits,omitempty"`
	BalanceAfter    Money             `json:"balance_after"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// PurchaseGrant tracks how much of one purchase has been consumed or
// revoked so that refunds never claw back spent credits.
type PurchaseGrant struct {
	Reference     string    `json:"reference"`
	OwnerID       string    `json:"owner_id"`
	Granted       Money     `json:"granted"`
	Consumed      Money     `json:"consumed"`
	Revoked       Money     `json:"revoked"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Applied       bool      `json:"applied"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Revocations holds the amount each refund adjustment took out of the
	// grant. Their sum is Revoked.
	Revocations map[string]Money `json:"revocations,omitempty"`
}

// Unused returns the part of the grant that is neither consumed nor revoked.
func (g PurchaseGrant) Unused() Money {
	u := g.Granted - g.Consumed - g.Revoked
	if u < 0 {
		return 0
	}
	return u
}

// DeductionResult is returned by the ledger for every deduct call,
// including ones absorbed by the idempotency check.
type DeductionResult struct {
	Transaction CreditTransaction
	Duplicate   bool
}
