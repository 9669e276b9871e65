package payments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tutorlink/backend/internal/models"
)

type memLedger struct {
	mu   sync.Mutex
	rows map[uuid.UUID]models.Payment
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[uuid.UUID]models.Payment)}
}

func (l *memLedger) put(p models.Payment) *models.Payment {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Version == 0 {
		p.Version = 1
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = models.DefaultMaxRetries
	}
	l.rows[p.ID] = p
	return &p
}

func (l *memLedger) get(id uuid.UUID) models.Payment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows[id]
}

func (l *memLedger) Create(_ context.Context, p *models.Payment) error {
	stored := l.put(*p)
	*p = *stored
	return nil
}

func (l *memLedger) GetByID(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (l *memLedger) GetByTransactionID(_ context.Context, ref string) (*models.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.rows {
		if p.TransactionID == ref {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (l *memLedger) ListDueRetries(_ context.Context, now time.Time) ([]models.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Payment
	for _, p := range l.rows {
		if p.Status == models.PaymentStatusRetrying && p.NextRetryAt != nil && !p.NextRetryAt.After(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	return out, nil
}

func (l *memLedger) ListByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]models.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Payment
	for _, p := range l.rows {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (l *memLedger) Update(_ context.Context, id uuid.UUID, expectedVersion int64, u models.PaymentUpdate) (*models.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Version != expectedVersion {
		return nil, ErrConflict
	}
	p.Status = u.Status
	if u.RetryCount != nil {
		p.RetryCount = *u.RetryCount
	}
	if u.TransactionID != nil {
		p.TransactionID = *u.TransactionID
	}
	p.NextRetryAt = u.NextRetryAt
	if p.RetryCount > p.MaxRetries {
		return nil, fmt.Errorf("retry_count %d exceeds max_retries %d", p.RetryCount, p.MaxRetries)
	}
	if (p.Status == models.PaymentStatusRetrying) != (p.NextRetryAt != nil) {
		return nil, errors.New("next_retry_at must be set only while retrying")
	}
	p.Version++
	l.rows[id] = p
	return &p, nil
}

type fakeProvider struct {
	mu        sync.Mutex
	charges   int32
	createErr error
	outcome   models.ChargeOutcome
	refundAmt int64
	gate      chan struct{}
	onCreate  func(ctx context.Context)
}

func (f *fakeProvider) CreateCharge(ctx context.Context, _ ChargeRequest) (*Charge, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.onCreate != nil {
		f.onCreate(ctx)
	}
	n := atomic.AddInt32(&f.charges, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &Charge{Reference: fmt.Sprintf("pi_retry_%d", n), ClientSecret: "secret"}, nil
}

func (f *fakeProvider) ConfirmCharge(context.Context, string) (models.ChargeOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome, nil
}

func (f *fakeProvider) Refund(_ context.Context, _ string, amountCents int64, _ string) (*Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	amt := amountCents
	if amt == 0 {
		amt = f.refundAmt
	}
	return &Refund{Reference: "re_1", AmountCents: amt}, nil
}

func (f *fakeProvider) chargeCount() int { return int(atomic.LoadInt32(&f.charges)) }

type sentNotification struct {
	To      uuid.UUID
	Kind    models.NotificationKind
	Message string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, to uuid.UUID, kind models.NotificationKind, _, message string, _ interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{To: to, Kind: kind, Message: message})
}

func (n *recordingNotifier) ofKind(kind models.NotificationKind) []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotification
	for _, s := range n.sent {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

type staticDirectory struct {
	admins []uuid.UUID
	err    error
}

func (d staticDirectory) ListAdmins(context.Context) ([]uuid.UUID, error) { return d.admins, d.err }

type fakeSubscriptions struct {
	mu        sync.Mutex
	status    map[uuid.UUID]models.SubscriptionStatus
	activated int
	cancelled int
}

func (s *fakeSubscriptions) set(id uuid.UUID, st models.SubscriptionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		s.status = make(map[uuid.UUID]models.SubscriptionStatus)
	}
	if s.status[id] == st {
		return false, nil
	}
	s.status[id] = st
	return true, nil
}

func (s *fakeSubscriptions) Activate(_ context.Context, id uuid.UUID) (bool, error) {
	changed, err := s.set(id, models.SubscriptionActive)
	if changed {
		s.mu.Lock()
		s.activated++
		s.mu.Unlock()
	}
	return changed, err
}

func (s *fakeSubscriptions) Cancel(_ context.Context, id uuid.UUID) (bool, error) {
	changed, err := s.set(id, models.SubscriptionCancelled)
	if changed {
		s.mu.Lock()
		s.cancelled++
		s.mu.Unlock()
	}
	return changed, err
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
