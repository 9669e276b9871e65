package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/tutorlink/backend/internal/models"
)

const (
	stripeEventSucceeded = "payment_intent.succeeded"
	stripeEventFailed    = "payment_intent.payment_failed"
)

// StripeProvider implements Provider and WebhookVerifier with Stripe PaymentIntents.
type StripeProvider struct {
	sc            *client.API
	webhookSecret string
}

// NewStripeProvider creates a Stripe-backed provider.
func NewStripeProvider(secretKey, webhookSecret string) *StripeProvider {
	return &StripeProvider{
		sc:            client.New(secretKey, nil),
		webhookSecret: webhookSecret,
	}
}

// CreateCharge creates a PaymentIntent.
func (p *StripeProvider) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Description),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := p.sc.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create payment intent: %w", err)
	}
	return &Charge{Reference: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// ConfirmCharge confirms a PaymentIntent and reports the resulting status.
func (p *StripeProvider) ConfirmCharge(ctx context.Context, reference string) (models.ChargeOutcome, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	pi, err := p.sc.PaymentIntents.Confirm(reference, params)
	if err != nil {
		return "", fmt.Errorf("stripe confirm payment intent: %w", err)
	}
	return outcomeFromStripe(pi.Status), nil
}

// Refund refunds a PaymentIntent in full (amountCents 0) or in part.
func (p *StripeProvider) Refund(ctx context.Context, reference string, amountCents int64, reason string) (*Refund, error) {
	if reason == "" {
		reason = string(stripe.RefundReasonRequestedByCustomer)
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(reference),
		Reason:        stripe.String(reason),
	}
	if amountCents > 0 {
		params.Amount = stripe.Int64(amountCents)
	}
	params.Context = ctx
	r, err := p.sc.Refunds.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe refund: %w", err)
	}
	return &Refund{Reference: r.ID, AmountCents: r.Amount}, nil
}

// ParseWebhook verifies the Stripe-Signature header and extracts the PaymentIntent outcome.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (*WebhookEvent, bool, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, false, fmt.Errorf("verify webhook: %w", err)
	}

	var outcome models.ChargeOutcome
	switch string(event.Type) {
	case stripeEventSucceeded:
		outcome = models.ChargeSucceeded
	case stripeEventFailed:
		outcome = models.ChargeFailed
	default:
		return nil, false, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, false, fmt.Errorf("decode payment intent: %w", err)
	}
	if pi.ID == "" {
		return nil, false, fmt.Errorf("webhook %s carries no payment intent id", event.ID)
	}
	return &WebhookEvent{ID: event.ID, Reference: pi.ID, Outcome: outcome}, true, nil
}

func outcomeFromStripe(s stripe.PaymentIntentStatus) models.ChargeOutcome {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return models.ChargeSucceeded
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusCanceled:
		return models.ChargeFailed
	}
	return models.ChargePending
}
