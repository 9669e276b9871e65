package payments

import "errors"

var (
	// ErrNotFound means no payment matches the id or provider reference.
	ErrNotFound = errors.New("payment not found")
	// ErrProviderNotConfigured means no provider integration is available; nothing is scheduled.
	ErrProviderNotConfigured = errors.New("payment provider not configured")
	// ErrProvider wraps a provider call that failed outside the retry path.
	ErrProvider = errors.New("payment provider error")
	// ErrConflict means a concurrent writer changed the payment first.
	ErrConflict = errors.New("payment was modified concurrently")
	// ErrInvalidTransition means the payment's status does not allow the operation.
	ErrInvalidTransition = errors.New("invalid payment status transition")
	// ErrNotRefundable means only completed payments can be refunded.
	ErrNotRefundable = errors.New("only completed payments can be refunded")
	// ErrInvalidAmount rejects non-positive or oversized amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	errPanicked = errors.New("retry attempt panicked")
)
