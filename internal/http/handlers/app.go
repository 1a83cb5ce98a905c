package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"docapi/internal/billing"
	"docapi/internal/domain"
	"docapi/internal/jobs"
	"docapi/internal/middleware"
	"docapi/internal/processor"
	"docapi/internal/quota"
	"docapi/internal/storage"
	"docapi/internal/webhooks"
)

// maxBodyBytes leaves headroom over processor.MaxContentBytes for the JSON
// envelope.
const maxBodyBytes = processor.MaxContentBytes + 1<<20

type App struct {
	Logger     zerolog.Logger
	Jobs       *jobs.Registry
	Ledger     *billing.Ledger
	Admission  *quota.Admission
	Processor  *processor.Processor
	Webhooks   *webhooks.Registry
	Deliveries *webhooks.Dispatcher
	Artifacts  *storage.Artifacts

	// PaymentSecret verifies payment-provider callbacks.
	PaymentSecret      *webhooks.SecretCache
	SignatureTolerance time.Duration
	QuickTimeout       time.Duration

	// Checks probes backing services for the health endpoint.
	Checks map[string]func(context.Context) error
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, msg string) {
	a.errorWithDetails(w, status, code, msg, nil)
}

func (a *App) errorWithDetails(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	body := map[string]any{"code": code, "message": msg}
	if len(details) > 0 {
		body["details"] = details
	}
	a.json(w, status, map[string]any{"error": body})
}

func (a *App) currentOwnerID(r *http.Request) string {
	return middleware.OwnerIDFromContext(r.Context())
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return false
		}
		if errors.Is(err, io.EOF) {
			a.error(w, http.StatusBadRequest, "bad_request", "empty payload")
			return false
		}
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return false
	}
	return true
}

// fail maps a domain error onto the API error envelope.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	locale := middleware.LocaleFromContext(r.Context())
	var (
		invalid      *domain.ValidationError
		rate         *domain.RateLimitError
		quotaErr     *domain.QuotaError
		insufficient *domain.InsufficientCreditsError
		limit        *domain.LimitError
	)
	switch {
	case errors.As(err, &invalid):
		a.errorWithDetails(w, http.StatusBadRequest, "invalid_input", invalid.Error(), map[string]any{"field": invalid.Field})
	case errors.Is(err, domain.ErrInvalidInput):
		a.error(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.As(err, &rate):
		secs := int(rate.RetryAfter.Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		a.errorWithDetails(w, http.StatusTooManyRequests, "rate_limited",
			middleware.Translate(locale, middleware.MsgRateLimited, secs),
			map[string]any{"current": rate.Current, "limit": rate.Limit, "retry_after": secs})
	case errors.As(err, &quotaErr):
		a.errorWithDetails(w, http.StatusForbidden, "quota_exceeded",
			middleware.Translate(locale, middleware.MsgQuotaExceeded, quotaErr.Usage, quotaErr.Quota),
			map[string]any{"current": quotaErr.Usage, "limit": quotaErr.Quota})
	case errors.As(err, &insufficient):
		a.errorWithDetails(w, http.StatusPaymentRequired, "insufficient_credits",
			middleware.Translate(locale, middleware.MsgInsufficientCredits, insufficient.Required, insufficient.Balance),
			map[string]any{"required": insufficient.Required, "current": insufficient.Balance})
	case errors.As(err, &limit):
		a.errorWithDetails(w, http.StatusForbidden, "limit_exceeded",
			middleware.Translate(locale, middleware.MsgWebhookLimit, limit.Current, limit.Max),
			map[string]any{"resource": limit.Resource, "current": limit.Current, "limit": limit.Max})
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	case errors.Is(err, domain.ErrForbidden):
		a.error(w, http.StatusForbidden, "forbidden", "access denied")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrDuplicateOperation):
		a.error(w, http.StatusConflict, "conflict", "operation already in progress or completed")
	case errors.Is(err, domain.ErrLedgerConflict):
		w.Header().Set("Retry-After", "1")
		a.error(w, http.StatusServiceUnavailable, "unavailable", "ledger busy, retry the request")
	default:
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.RequestIDFromContext(r.Context())).Msg("http: unhandled error")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// owner returns the authenticated owner or writes 401.
func (a *App) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := a.currentOwnerID(r)
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner context")
		return "", false
	}
	return ownerID, true
}
