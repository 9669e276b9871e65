package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/internal/payments"
	"github.com/tutorlink/backend/pkg/queue"
)

type call struct {
	ref     string
	outcome models.ChargeOutcome
}

type stubHandler struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (s *stubHandler) HandleOutcome(_ context.Context, ref string, outcome models.ChargeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{ref, outcome})
	return s.err
}

func (s *stubHandler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type memQueue struct {
	mu      sync.Mutex
	jobs    []*queue.Job
	retried []*queue.Job
}

func (q *memQueue) Dequeue(ctx context.Context) (*queue.Job, error) {
	q.mu.Lock()
	if len(q.jobs) > 0 {
		j := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		return j, nil
	}
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (q *memQueue) Retry(_ context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Attempt++
	q.retried = append(q.retried, job)
	return nil
}

func (q *memQueue) retries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.retried)
}

func outcomeJob(t *testing.T, ref string, outcome models.ChargeOutcome) *queue.Job {
	t.Helper()
	body, err := json.Marshal(queue.PaymentOutcomePayload{Reference: ref, Outcome: string(outcome), ReceivedAt: time.Now()})
	require.NoError(t, err)
	return &queue.Job{ID: "job-" + ref, Type: queue.JobTypePaymentOutcome, Payload: body}
}

func TestProcessAppliesOutcome(t *testing.T) {
	h := &stubHandler{}
	p := NewOutcomeProcessor(h, &memQueue{}, zap.NewNop())

	require.NoError(t, p.Process(context.Background(), outcomeJob(t, "pi_1", models.ChargeFailed)))
	assert.Equal(t, []call{{"pi_1", models.ChargeFailed}}, h.calls)
}

func TestProcessDropsUnknownCharge(t *testing.T) {
	h := &stubHandler{err: payments.ErrNotFound}
	p := NewOutcomeProcessor(h, &memQueue{}, zap.NewNop())

	assert.NoError(t, p.Process(context.Background(), outcomeJob(t, "pi_gone", models.ChargeSucceeded)))
}

func TestProcessRejectsForeignJob(t *testing.T) {
	p := NewOutcomeProcessor(&stubHandler{}, &memQueue{}, zap.NewNop())

	err := p.Process(context.Background(), &queue.Job{ID: "x", Type: "recording_upload"})
	assert.Error(t, err)
}

func TestRunRetriesFailedJobs(t *testing.T) {
	h := &stubHandler{err: errors.New("db down")}
	q := &memQueue{jobs: []*queue.Job{outcomeJob(t, "pi_1", models.ChargeFailed)}}
	p := NewOutcomeProcessor(h, q, zap.NewNop())
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.retries() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.count())
	assert.Equal(t, 1, q.retried[0].Attempt)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
