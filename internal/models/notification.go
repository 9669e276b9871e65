package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotificationKind identifies what a notification is about.
type NotificationKind string

const (
	NotificationPaymentFailed   NotificationKind = "payment_failed"
	NotificationPaymentRetry    NotificationKind = "payment_retry"
	NotificationPaymentSuccess  NotificationKind = "payment_success"
	NotificationPaymentRefunded NotificationKind = "payment_refunded"
)

// Notification is a message addressed to one user.
type Notification struct {
	ID        uuid.UUID        `json:"id"`
	UserID    uuid.UUID        `json:"user_id"`
	Kind      NotificationKind `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      json.RawMessage  `json:"data,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}
