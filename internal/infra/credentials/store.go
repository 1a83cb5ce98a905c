// Package credentials reads and rotates shared secrets kept in the
// integration_tokens table.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"docapi/internal/infra"
	"docapi/internal/sqlinline"
)

const (
	ProviderWebhookSigning = "webhook_signing"
	ProviderPayment        = "payment_callback"
)

type Store struct {
	sql infra.SQLExecutor
	now func() time.Time
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql, now: time.Now}
}

// EnsureSchema creates the integration_tokens table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.sql.Exec(ctx, sqlinline.QEnsureIntegrationTokenSchema)
	return err
}

// WebhookSigningSecret returns the secret outbound webhooks are signed with,
// or "" when none has been stored.
func (s *Store) WebhookSigningSecret(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderWebhookSigning)
}

// PaymentSecret returns the secret payment-provider callbacks are verified with.
func (s *Store) PaymentSecret(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderPayment)
}

func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// SetWebhookSigningSecret rotates the signing secret. Workers pick the new
// value up when their cached copy expires.
func (s *Store) SetWebhookSigningSecret(ctx context.Context, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errors.New("webhook signing secret is required")
	}
	return s.upsert(ctx, ProviderWebhookSigning, secret, map[string]any{
		"rotated_at": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Store) SetPaymentSecret(ctx context.Context, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errors.New("payment secret is required")
	}
	return s.upsert(ctx, ProviderPayment, secret, nil)
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}
