package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"docapi/internal/billing"
	"docapi/internal/domain"
	"docapi/internal/webhooks"
)

// Payment-provider callback headers.
const (
	HeaderPaymentTimestamp = "X-Payment-Timestamp"
	HeaderPaymentSignature = "X-Payment-Signature"
)

const maxCallbackBytes = 64 << 10

type purchaseCallback struct {
	OwnerID   string       `json:"owner_id"`
	Amount    domain.Money `json:"amount"`
	Reference string       `json:"reference"`
}

type refundCallback struct {
	OwnerID      string       `json:"owner_id"`
	Reference    string       `json:"reference"`
	AdjustmentID string       `json:"adjustment_id"`
	Amount       domain.Money `json:"amount"`
}

type transactionResponse struct {
	Transaction domain.CreditTransaction `json:"transaction"`
	Duplicate   bool                     `json:"duplicate"`
}

// BillingPurchase credits an account after a settled payment. Redeliveries of
// the same reference answer 200 with the original transaction.
func (a *App) BillingPurchase(w http.ResponseWriter, r *http.Request) {
	var cb purchaseCallback
	if !a.verifiedCallback(w, r, &cb) {
		return
	}
	txn, dup, err := a.Ledger.Purchase(r.Context(), cb.OwnerID, cb.Amount, cb.Reference)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	a.json(w, status, transactionResponse{Transaction: txn, Duplicate: dup})
}

// BillingRefund revokes unused credits of a refunded purchase.
func (a *App) BillingRefund(w http.ResponseWriter, r *http.Request) {
	var cb refundCallback
	if !a.verifiedCallback(w, r, &cb) {
		return
	}
	txn, dup, err := a.Ledger.Refund(r.Context(), billing.RefundRequest{
		OwnerID:      cb.OwnerID,
		Reference:    cb.Reference,
		AdjustmentID: cb.AdjustmentID,
		Amount:       cb.Amount,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	a.json(w, status, transactionResponse{Transaction: txn, Duplicate: dup})
}

// verifiedCallback checks the HMAC signature over the raw body before
// decoding it into v.
func (a *App) verifiedCallback(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		a.error(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
		return false
	}
	ts, err := strconv.ParseInt(r.Header.Get(HeaderPaymentTimestamp), 10, 64)
	if err != nil {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing or invalid timestamp")
		return false
	}
	secret, err := a.PaymentSecret.Get(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("billing: payment secret unavailable")
		a.error(w, http.StatusServiceUnavailable, "unavailable", "payment verification unavailable")
		return false
	}
	if !webhooks.Verify(secret, ts, body, r.Header.Get(HeaderPaymentSignature), time.Now(), a.SignatureTolerance) {
		a.error(w, http.StatusUnauthorized, "unauthorized", "invalid signature")
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return false
	}
	return true
}
