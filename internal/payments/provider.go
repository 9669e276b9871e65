package payments

import (
	"context"

	"github.com/tutorlink/backend/internal/models"
)

// ChargeRequest describes a new provider charge.
type ChargeRequest struct {
	AmountCents int64
	Currency    string
	Description string
	Metadata    map[string]string
}

// Charge is a provider-side charge handle.
type Charge struct {
	Reference    string
	ClientSecret string
}

// Refund is a provider-side refund result.
type Refund struct {
	Reference   string
	AmountCents int64
}

// Provider is the card-payment integration used by the engine.
type Provider interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	ConfirmCharge(ctx context.Context, reference string) (models.ChargeOutcome, error)
	Refund(ctx context.Context, reference string, amountCents int64, reason string) (*Refund, error)
}

// WebhookEvent is a provider callback reduced to the fields the engine needs.
type WebhookEvent struct {
	ID        string
	Reference string
	Outcome   models.ChargeOutcome
}

// WebhookVerifier authenticates and decodes provider callbacks.
// ok is false for event types the engine does not act on.
type WebhookVerifier interface {
	ParseWebhook(payload []byte, signature string) (ev *WebhookEvent, ok bool, err error)
}
