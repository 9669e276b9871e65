package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorlink/backend/internal/metrics"
	"github.com/tutorlink/backend/internal/models"
)

// maxCASAttempts bounds re-reads after losing a compare-and-swap race.
const maxCASAttempts = 3

// Ledger is the durable payment store. Update must be atomic per id.
type Ledger interface {
	Create(ctx context.Context, p *models.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetByTransactionID(ctx context.Context, ref string) (*models.Payment, error)
	ListDueRetries(ctx context.Context, now time.Time) ([]models.Payment, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Payment, error)
	Update(ctx context.Context, id uuid.UUID, expectedVersion int64, u models.PaymentUpdate) (*models.Payment, error)
}

// Notifier is the best-effort notification sink.
type Notifier interface {
	Notify(ctx context.Context, recipient uuid.UUID, kind models.NotificationKind, title, message string, data interface{})
}

// Directory lists admin users for failure fan-out.
type Directory interface {
	ListAdmins(ctx context.Context) ([]uuid.UUID, error)
}

// Subscriptions flips subscription status on payment success or refund.
type Subscriptions interface {
	Activate(ctx context.Context, id uuid.UUID) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
}

// EngineConfig tunes the retry state machine.
type EngineConfig struct {
	BaseDelay       time.Duration // first retry delay, doubled per attempt
	MaxRetries      int           // applied to new payments
	ProviderTimeout time.Duration // bound on one provider call
}

// RetryResult is the outcome of one AttemptRetry call.
type RetryResult string

const (
	// RetryInitiated: a new provider charge exists and the payment is pending again.
	RetryInitiated RetryResult = "initiated"
	// RetryFailed: the attempt could not be initiated and was recorded as another failure.
	RetryFailed RetryResult = "failed"
	// RetrySkipped: the payment was no longer due or another worker claimed it.
	RetrySkipped RetryResult = "skipped"
)

// CreateRequest is a new payment initiated by its owner.
type CreateRequest struct {
	UserID         uuid.UUID
	AmountCents    int64
	Currency       string
	Description    string
	SubscriptionID *uuid.UUID
}

// Engine drives a payment from first attempt through retries to completed or failed.
type Engine struct {
	ledger    Ledger
	provider  Provider
	notifier  Notifier
	directory Directory
	subs      Subscriptions
	cfg       EngineConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates the retry engine. provider may be nil when no integration is configured.
func NewEngine(ledger Ledger, provider Provider, notifier Notifier, directory Directory, subs Subscriptions, cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = models.DefaultMaxRetries
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	return &Engine{
		ledger:    ledger,
		provider:  provider,
		notifier:  notifier,
		directory: directory,
		subs:      subs,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// ProviderConfigured reports whether charges can be made.
func (e *Engine) ProviderConfigured() bool { return e.provider != nil }

// RecordFailure registers a failed charge for the payment bound to ref.
// A payment already retrying, claimed by a retry attempt, or in a terminal status is left untouched.
func (e *Engine) RecordFailure(ctx context.Context, ref string) error {
	return e.fail(ctx, false, func(ctx context.Context) (*models.Payment, error) {
		return e.ledger.GetByTransactionID(ctx, ref)
	})
}

// fail counts one failure. Only the retry attempt that claimed a payment may fail it out of processing;
// an outside report for the previous charge reference must not race that attempt.
func (e *Engine) fail(ctx context.Context, allowProcessing bool, load func(context.Context) (*models.Payment, error)) error {
	for i := 0; i < maxCASAttempts; i++ {
		p, err := load(ctx)
		if err != nil {
			return err
		}
		claimed := p.Status == models.PaymentStatusProcessing && !allowProcessing
		if claimed || p.Status == models.PaymentStatusRetrying || p.Status.IsTerminal() {
			e.logger.Debug("failure ignored",
				zap.String("payment_id", p.ID.String()),
				zap.String("status", string(p.Status)),
			)
			return nil
		}

		u, delay := e.failureUpdate(p)
		updated, err := e.ledger.Update(ctx, p.ID, p.Version, u)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		metrics.PaymentTransitions.WithLabelValues(string(updated.Status)).Inc()

		if updated.Status == models.PaymentStatusFailed {
			e.logger.Warn("payment retries exhausted",
				zap.String("payment_id", updated.ID.String()),
				zap.Int("max_retries", updated.MaxRetries),
			)
			e.notifyExhausted(ctx, updated)
			return nil
		}
		e.logger.Info("payment retry scheduled",
			zap.String("payment_id", updated.ID.String()),
			zap.Int("retry", updated.RetryCount),
			zap.Int("max_retries", updated.MaxRetries),
			zap.Timep("next_retry_at", updated.NextRetryAt),
		)
		e.notifyRetry(ctx, updated, delay)
		return nil
	}
	return ErrConflict
}

// failureUpdate computes the transition for one more failure. retry_count never exceeds max_retries:
// the failure that would push it past the limit moves the payment to failed instead.
func (e *Engine) failureUpdate(p *models.Payment) (models.PaymentUpdate, time.Duration) {
	next := p.RetryCount + 1
	if next > p.MaxRetries {
		return models.PaymentUpdate{Status: models.PaymentStatusFailed}, 0
	}
	delay := Backoff(e.cfg.BaseDelay, next)
	at := e.now().Add(delay)
	return models.PaymentUpdate{
		Status:      models.PaymentStatusRetrying,
		RetryCount:  &next,
		NextRetryAt: &at,
	}, delay
}

// DueForRetry returns retrying payments whose next attempt time has passed.
func (e *Engine) DueForRetry(ctx context.Context, now time.Time) ([]models.Payment, error) {
	list, err := e.ledger.ListDueRetries(ctx, now)
	if err != nil {
		return nil, err
	}
	due := list[:0]
	for _, p := range list {
		if p.Status == models.PaymentStatusRetrying && p.NextRetryAt != nil && !p.NextRetryAt.After(now) {
			due = append(due, p)
		}
	}
	return due, nil
}

// AttemptRetry starts a fresh provider charge for a due payment. The payment is claimed
// (retrying -> processing) before the provider is called, so concurrent callers charge at most once.
func (e *Engine) AttemptRetry(ctx context.Context, id uuid.UUID) (RetryResult, error) {
	if e.provider == nil {
		return RetrySkipped, ErrProviderNotConfigured
	}

	p, err := e.ledger.GetByID(ctx, id)
	if err != nil {
		return RetrySkipped, err
	}
	now := e.now()
	if p.Status != models.PaymentStatusRetrying || p.NextRetryAt == nil || p.NextRetryAt.After(now) {
		return RetrySkipped, nil
	}
	claimed, err := e.ledger.Update(ctx, p.ID, p.Version, models.PaymentUpdate{Status: models.PaymentStatusProcessing})
	if errors.Is(err, ErrConflict) {
		return RetrySkipped, nil
	}
	if err != nil {
		return RetrySkipped, fmt.Errorf("claim payment: %w", err)
	}
	metrics.PaymentTransitions.WithLabelValues(string(claimed.Status)).Inc()

	// From here on the payment must not be left in processing, so writes ignore caller cancellation.
	wctx := context.WithoutCancel(ctx)

	pctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	charge, err := e.provider.CreateCharge(pctx, ChargeRequest{
		AmountCents: claimed.AmountCents,
		Currency:    claimed.Currency,
		Description: claimed.Description,
		Metadata:    chargeMetadata(claimed),
	})
	cancel()
	if err != nil {
		e.logger.Warn("retry charge failed",
			zap.String("payment_id", claimed.ID.String()),
			zap.Int("retry", claimed.RetryCount),
			zap.Error(err),
		)
		if ferr := e.fail(wctx, true, func(ctx context.Context) (*models.Payment, error) {
			return e.ledger.GetByID(ctx, claimed.ID)
		}); ferr != nil {
			return RetryFailed, ferr
		}
		return RetryFailed, nil
	}

	ref := charge.Reference
	updated, err := e.ledger.Update(wctx, claimed.ID, claimed.Version, models.PaymentUpdate{
		Status:        models.PaymentStatusPending,
		TransactionID: &ref,
	})
	if err != nil {
		e.logger.Error("retry charge created but ledger update failed",
			zap.String("payment_id", claimed.ID.String()),
			zap.String("transaction_id", ref),
			zap.Error(err),
		)
		return RetryFailed, fmt.Errorf("store retry reference: %w", err)
	}
	metrics.PaymentTransitions.WithLabelValues(string(updated.Status)).Inc()
	e.logger.Info("payment retry initiated",
		zap.String("payment_id", updated.ID.String()),
		zap.String("transaction_id", ref),
		zap.Int("retry", updated.RetryCount),
	)
	return RetryInitiated, nil
}

// ConfirmSuccess completes a payment, activates its subscription and notifies the owner.
// Confirming an already completed payment is a no-op.
func (e *Engine) ConfirmSuccess(ctx context.Context, id uuid.UUID) error {
	for i := 0; i < maxCASAttempts; i++ {
		p, err := e.ledger.GetByID(ctx, id)
		if err != nil {
			return err
		}
		switch p.Status {
		case models.PaymentStatusCompleted:
			return nil
		case models.PaymentStatusRefunded, models.PaymentStatusPartiallyRefunded:
			return ErrInvalidTransition
		}

		updated, err := e.ledger.Update(ctx, p.ID, p.Version, models.PaymentUpdate{Status: models.PaymentStatusCompleted})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("confirm success: %w", err)
		}
		metrics.PaymentTransitions.WithLabelValues(string(updated.Status)).Inc()
		e.logger.Info("payment completed", zap.String("payment_id", updated.ID.String()))

		if updated.SubscriptionID != nil && e.subs != nil {
			if _, err := e.subs.Activate(ctx, *updated.SubscriptionID); err != nil {
				e.logger.Error("activate subscription failed",
					zap.String("payment_id", updated.ID.String()),
					zap.String("subscription_id", updated.SubscriptionID.String()),
					zap.Error(err),
				)
			}
		}
		e.notify(ctx, updated.UserID, models.NotificationPaymentSuccess, "Payment Successful",
			fmt.Sprintf("Your payment of %s has been processed successfully.", formatAmount(updated)),
			map[string]string{"paymentId": updated.ID.String()})
		return nil
	}
	return ErrConflict
}

// HandleOutcome applies a provider-reported result for ref. Webhooks and client confirms both land here.
func (e *Engine) HandleOutcome(ctx context.Context, ref string, outcome models.ChargeOutcome) error {
	switch outcome {
	case models.ChargeSucceeded:
		p, err := e.ledger.GetByTransactionID(ctx, ref)
		if err != nil {
			return err
		}
		return e.ConfirmSuccess(ctx, p.ID)
	case models.ChargeFailed:
		return e.RecordFailure(ctx, ref)
	case models.ChargePending:
		return nil
	}
	return fmt.Errorf("unknown charge outcome %q", outcome)
}

// CreatePayment opens a provider charge and records it as a pending payment.
func (e *Engine) CreatePayment(ctx context.Context, req CreateRequest) (*models.Payment, string, error) {
	if e.provider == nil {
		return nil, "", ErrProviderNotConfigured
	}
	if req.AmountCents <= 0 {
		return nil, "", ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	p := &models.Payment{
		UserID:         req.UserID,
		SubscriptionID: req.SubscriptionID,
		AmountCents:    req.AmountCents,
		Currency:       currency,
		Description:    req.Description,
		Status:         models.PaymentStatusPending,
		PaymentMethod:  models.PaymentMethodStripe,
		MaxRetries:     e.cfg.MaxRetries,
	}

	pctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()
	charge, err := e.provider.CreateCharge(pctx, ChargeRequest{
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		Description: p.Description,
		Metadata:    chargeMetadata(p),
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrProvider, err)
	}
	p.TransactionID = charge.Reference

	if err := e.ledger.Create(ctx, p); err != nil {
		e.logger.Error("charge created but payment insert failed",
			zap.String("transaction_id", charge.Reference),
			zap.Error(err),
		)
		return nil, "", fmt.Errorf("create payment: %w", err)
	}
	metrics.PaymentTransitions.WithLabelValues(string(p.Status)).Inc()
	return p, charge.ClientSecret, nil
}

// Confirm asks the provider for the outcome of the owner's pending payment and applies it.
func (e *Engine) Confirm(ctx context.Context, id, owner uuid.UUID) (models.ChargeOutcome, error) {
	if e.provider == nil {
		return "", ErrProviderNotConfigured
	}
	p, err := e.Get(ctx, id, owner)
	if err != nil {
		return "", err
	}
	switch p.Status {
	case models.PaymentStatusCompleted:
		return models.ChargeSucceeded, nil
	case models.PaymentStatusPending:
	default:
		return "", ErrInvalidTransition
	}
	if p.TransactionID == "" {
		return "", ErrInvalidTransition
	}

	pctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	outcome, err := e.provider.ConfirmCharge(pctx, p.TransactionID)
	cancel()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if err := e.HandleOutcome(ctx, p.TransactionID, outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// Refund refunds a completed payment in full (amountCents 0) or in part and cancels its subscription.
func (e *Engine) Refund(ctx context.Context, id uuid.UUID, amountCents int64, reason string) (*Refund, *models.Payment, error) {
	if e.provider == nil {
		return nil, nil, ErrProviderNotConfigured
	}
	p, err := e.ledger.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if p.Status != models.PaymentStatusCompleted {
		return nil, nil, ErrNotRefundable
	}
	if amountCents < 0 || amountCents > p.AmountCents {
		return nil, nil, ErrInvalidAmount
	}

	pctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	refund, err := e.provider.Refund(pctx, p.TransactionID, amountCents, reason)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	status := models.PaymentStatusPartiallyRefunded
	if refund.AmountCents >= p.AmountCents {
		status = models.PaymentStatusRefunded
	}
	wctx := context.WithoutCancel(ctx)
	var updated *models.Payment
	for i := 0; i < maxCASAttempts && updated == nil; i++ {
		updated, err = e.ledger.Update(wctx, p.ID, p.Version, models.PaymentUpdate{Status: status})
		if errors.Is(err, ErrConflict) {
			if p, err = e.ledger.GetByID(wctx, id); err != nil {
				break
			}
			if p.Status != models.PaymentStatusCompleted {
				err = ErrConflict
				break
			}
			continue
		}
		if err != nil {
			break
		}
	}
	if updated == nil {
		e.logger.Error("refund issued but ledger update failed",
			zap.String("payment_id", id.String()),
			zap.String("refund_id", refund.Reference),
			zap.Error(err),
		)
		if err == nil {
			err = ErrConflict
		}
		return refund, nil, fmt.Errorf("record refund: %w", err)
	}
	metrics.PaymentTransitions.WithLabelValues(string(updated.Status)).Inc()

	if updated.SubscriptionID != nil && e.subs != nil {
		if _, err := e.subs.Cancel(wctx, *updated.SubscriptionID); err != nil {
			e.logger.Error("cancel subscription failed",
				zap.String("subscription_id", updated.SubscriptionID.String()),
				zap.Error(err),
			)
		}
	}
	e.notify(wctx, updated.UserID, models.NotificationPaymentRefunded, "Payment Refunded",
		fmt.Sprintf("A refund of %s has been issued for your payment.", formatCents(refund.AmountCents, updated.Currency)),
		map[string]string{"paymentId": updated.ID.String(), "refundId": refund.Reference})
	return refund, updated, nil
}

// Get returns the owner's payment. Payments of other users are reported as not found.
func (e *Engine) Get(ctx context.Context, id, owner uuid.UUID) (*models.Payment, error) {
	p, err := e.ledger.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != owner {
		return nil, ErrNotFound
	}
	return p, nil
}

// List returns the owner's payments.
func (e *Engine) List(ctx context.Context, owner uuid.UUID, limit, offset int) ([]models.Payment, error) {
	return e.ledger.ListByUser(ctx, owner, limit, offset)
}

func (e *Engine) notifyRetry(ctx context.Context, p *models.Payment, delay time.Duration) {
	e.notify(ctx, p.UserID, models.NotificationPaymentRetry, "Payment Retry Scheduled",
		fmt.Sprintf("Your payment of %s failed. We'll retry in %s.", formatAmount(p), formatDelay(delay)),
		map[string]interface{}{"paymentId": p.ID.String(), "retryAttempt": p.RetryCount})
}

func (e *Engine) notifyExhausted(ctx context.Context, p *models.Payment) {
	e.notify(ctx, p.UserID, models.NotificationPaymentFailed, "Payment Failed",
		fmt.Sprintf("Your payment of %s has failed after %d attempts.", formatAmount(p), p.MaxRetries),
		map[string]string{"paymentId": p.ID.String()})

	if e.directory == nil {
		return
	}
	admins, err := e.directory.ListAdmins(ctx)
	if err != nil {
		e.logger.Error("list admins failed", zap.String("payment_id", p.ID.String()), zap.Error(err))
		return
	}
	msg := fmt.Sprintf("Payment %s for user %s has failed after %d attempts.", p.ID, p.UserID, p.MaxRetries)
	for _, admin := range admins {
		e.notify(ctx, admin, models.NotificationPaymentFailed, "Payment Failed", msg,
			map[string]string{"paymentId": p.ID.String(), "userId": p.UserID.String()})
	}
}

func (e *Engine) notify(ctx context.Context, to uuid.UUID, kind models.NotificationKind, title, msg string, data interface{}) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, to, kind, title, msg, data)
}

func chargeMetadata(p *models.Payment) map[string]string {
	md := map[string]string{
		"userId":         p.UserID.String(),
		"subscriptionId": "",
	}
	if p.SubscriptionID != nil {
		md["subscriptionId"] = p.SubscriptionID.String()
	}
	if p.ID != uuid.Nil {
		md["paymentId"] = p.ID.String()
		md["retryAttempt"] = strconv.Itoa(p.RetryCount)
	}
	return md
}

func formatAmount(p *models.Payment) string {
	return formatCents(p.AmountCents, p.Currency)
}

func formatCents(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}

// formatDelay renders whole minutes as "N minute(s)" and anything else as a duration.
func formatDelay(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d minute(s)", int64(d/time.Minute))
	}
	return d.String()
}
