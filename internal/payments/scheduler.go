package payments

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorlink/backend/internal/metrics"
	"github.com/tutorlink/backend/internal/models"
)

// RetryRunner is the part of Engine the scheduler drives.
type RetryRunner interface {
	DueForRetry(ctx context.Context, now time.Time) ([]models.Payment, error)
	AttemptRetry(ctx context.Context, id uuid.UUID) (RetryResult, error)
}

// TickSummary counts what one sweep did.
type TickSummary struct {
	Due       int
	Initiated int
	Failed    int
	Skipped   int
	Errors    int
}

// Scheduler periodically retries payments whose backoff has elapsed.
type Scheduler struct {
	runner      RetryRunner
	interval    time.Duration
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

// NewScheduler creates a retry scheduler. concurrency < 1 means sequential.
func NewScheduler(runner RetryRunner, interval time.Duration, concurrency int, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{runner: runner, interval: interval, concurrency: concurrency, logger: logger, now: time.Now}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("payment retry scheduler started", zap.Duration("interval", s.interval), zap.Int("concurrency", s.concurrency))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("payment retry scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick attempts every due payment. A failure on one payment does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) TickSummary {
	var sum TickSummary
	due, err := s.runner.DueForRetry(ctx, s.now())
	if err != nil {
		s.logger.Error("list due retries failed", zap.Error(err))
		sum.Errors++
		return sum
	}
	sum.Due = len(due)
	if len(due) == 0 {
		return sum
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.concurrency)
	)
	for _, p := range due {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id uuid.UUID) {
			defer func() {
				<-sem
				wg.Done()
			}()
			result, err := s.attempt(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Errors++
				metrics.RetryAttempts.WithLabelValues("error").Inc()
				s.logger.Error("payment retry attempt failed", zap.String("payment_id", id.String()), zap.Error(err))
				return
			}
			metrics.RetryAttempts.WithLabelValues(string(result)).Inc()
			switch result {
			case RetryInitiated:
				sum.Initiated++
			case RetryFailed:
				sum.Failed++
			case RetrySkipped:
				sum.Skipped++
			}
		}(p.ID)
	}
	wg.Wait()

	s.logger.Info("payment retry sweep finished",
		zap.Int("due", sum.Due),
		zap.Int("initiated", sum.Initiated),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", sum.Errors),
	)
	return sum
}

// attempt isolates a panicking attempt so the rest of the sweep continues.
func (s *Scheduler) attempt(ctx context.Context, id uuid.UUID) (result RetryResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("payment retry attempt panicked", zap.String("payment_id", id.String()), zap.Any("panic", r))
			result, err = RetrySkipped, errPanicked
		}
	}()
	return s.runner.AttemptRetry(ctx, id)
}
