package domain

import "time"

// Plan names shipped by default.
const (
	PlanFree       = "free"
	PlanStandard   = "standard"
	PlanEnterprise = "enterprise"
)

// Account represents a billed customer. The credit fields form the
// CreditAccount and are only mutated through the ledger.
type Account struct {
	ID                   string    `json:"id"`
	Email                string    `json:"email"`
	Plan                 string    `json:"plan"`
	CreditsBalance       Money     `json:"credits_balance"`
	FreeCreditsRemaining int64     `json:"free_credits_remaining"`
	TotalCount           int64     `json:"total_count"`
	QuotaExceeded        bool      `json:"quota_exceeded"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`

	// Applied lists the most recent balance changes by operation key. It is
	// written in the same update as the balance so an interrupted operation
	// can tell whether its change already landed.
	Applied []AppliedChange `json:"applied,omitempty"`
}

// AppliedChange is one balance change recorded on the account.
type AppliedChange struct {
	Key             string    `json:"key"`
	TransactionID   string    `json:"transaction_id"`
	Amount          Money     `json:"amount"`
	UsedFreeCredits bool      `json:"used_free_credits,omitempty"`
	BalanceAfter    Money     `json:"balance_after"`
	AppliedAt       time.Time `json:"applied_at"`
}

// FindApplied returns the change recorded under the operation key, if any.
func (a Account) FindApplied(key string) (AppliedChange, bool) {
	for _, c := range a.Applied {
		if c.Key == key {
			return c, true
		}
	}
	return AppliedChange{}, false
}

// RecordApplied appends c and drops the oldest entries beyond keep.
func (a *Account) RecordApplied(c AppliedChange, keep int) {
	a.Applied = append(a.Applied, c)
	if keep > 0 && len(a.Applied) > keep {
		a.Applied = append([]AppliedChange(nil), a.Applied[len(a.Applied)-keep:]...)
	}
}

// Plan holds the limits and pricing derived from a billing plan. Zero
// limits mean "not configured" and are never enforced.
type Plan struct {
	Name               string `json:"name"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	Quota              int64  `json:"quota"`
	MaxWebhooks        int    `json:"max_webhooks"`
	PricePerPage       Money  `json:"price_per_page"`
	FreeCredits        int64  `json:"free_credits"`
}

// Price returns what a document with the given page count costs on this plan.
func (p Plan) Price(pages int) Money {
	if pages < 1 {
		pages = 1
	}
	return p.PricePerPage.Mul(int64(pages))
}

// Plans indexes plans by name.
type Plans map[string]Plan

// DefaultPlans returns the built-in plan table.
func DefaultPlans() Plans {
	return Plans{
		PlanFree: {
			Name:               PlanFree,
			RateLimitPerMinute: 20,
			Quota:              50,
			MaxWebhooks:        1,
			FreeCredits:        0,
		},
		PlanStandard: {
			Name:               PlanStandard,
			RateLimitPerMinute: 60,
			MaxWebhooks:        5,
			PricePerPage:       MustParseMoney("0.002"),
			FreeCredits:        25,
		},
		PlanEnterprise: {
			Name:               PlanEnterprise,
			RateLimitPerMinute: 300,
			MaxWebhooks:        25,
			PricePerPage:       MustParseMoney("0.001"),
			FreeCredits:        100,
		},
	}
}

// Lookup returns the named plan. Unknown plans resolve to an unconfigured
// plan so that no limit is applied.
func (p Plans) Lookup(name string) Plan {
	if plan, ok := p[name]; ok {
		return plan
	}
	return Plan{Name: name}
}
