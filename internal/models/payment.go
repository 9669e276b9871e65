package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentMethodStripe is the card provider used for automatic retries.
const PaymentMethodStripe = "stripe"

// DefaultMaxRetries is applied when a payment is created without an explicit limit.
const DefaultMaxRetries = 5

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusRetrying          PaymentStatus = "retrying"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// IsTerminal reports whether no automatic transition leaves this status.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		return true
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusRetrying:
		return false
	}
	return false
}

// Payment is one charge owned by a user, possibly paying for a subscription.
// Version is bumped on every ledger write and used for compare-and-swap updates.
type Payment struct {
	ID             uuid.UUID     `json:"id"`
	UserID         uuid.UUID     `json:"user_id"`
	SubscriptionID *uuid.UUID    `json:"subscription_id,omitempty"`
	AmountCents    int64         `json:"amount_cents"`
	Currency       string        `json:"currency"`
	Description    string        `json:"description,omitempty"`
	Status         PaymentStatus `json:"status"`
	PaymentMethod  string        `json:"payment_method"`
	TransactionID  string        `json:"transaction_id,omitempty"`
	RetryCount     int           `json:"retry_count"`
	MaxRetries     int           `json:"max_retries"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
	Version        int64         `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// PaymentUpdate lists the fields a transition may change. Nil pointers are left untouched,
// except NextRetryAt which is always written (nil clears it).
type PaymentUpdate struct {
	Status        PaymentStatus
	RetryCount    *int
	TransactionID *string
	NextRetryAt   *time.Time
}

// ChargeOutcome is the provider-reported result of a charge.
type ChargeOutcome string

const (
	ChargeSucceeded ChargeOutcome = "succeeded"
	ChargeFailed    ChargeOutcome = "failed"
	ChargePending   ChargeOutcome = "pending"
)
