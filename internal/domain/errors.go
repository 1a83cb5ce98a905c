package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidTransition   = errors.New("invalid job state transition")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrLedgerConflict      = errors.New("ledger conflict")
	ErrJobTimeout          = errors.New("job timed out")
	ErrPageLimitExceeded   = errors.New("page limit exceeded")
	ErrDuplicateOperation  = errors.New("duplicate operation")
	ErrRendererFailure     = errors.New("renderer failure")
)

// ValidationError describes a rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RateLimitError carries the detail a client needs to back off.
type RateLimitError struct {
	Limit      int
	Current    int64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests per minute exceeded, retry after %s", e.Limit, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// QuotaError reports usage against a plan quota.
type QuotaError struct {
	Usage int64
	Quota int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %d of %d used", e.Usage, e.Quota)
}

func (e *QuotaError) Is(target error) bool { return target == ErrQuotaExceeded }

// InsufficientCreditsError reports the balance observed when a charge was refused.
type InsufficientCreditsError struct {
	Required      Money
	Balance       Money
	TransactionID string
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %s, balance %s", e.Required, e.Balance)
}

func (e *InsufficientCreditsError) Is(target error) bool { return target == ErrInsufficientCredits }

// LimitError reports a capacity limit such as the number of webhooks per plan.
type LimitError struct {
	Resource string
	Current  int
	Max      int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit reached: %d of %d", e.Resource, e.Current, e.Max)
}

func (e *LimitError) Is(target error) bool { return target == ErrLimitExceeded }
