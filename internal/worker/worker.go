package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/internal/payments"
	"github.com/tutorlink/backend/pkg/queue"
)

// OutcomeHandler applies a provider-reported charge result to the ledger.
type OutcomeHandler interface {
	HandleOutcome(ctx context.Context, ref string, outcome models.ChargeOutcome) error
}

// JobQueue is the outcome job queue.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// OutcomeProcessor drains queued payment outcomes (webhook deliveries) into the retry engine.
type OutcomeProcessor struct {
	handler OutcomeHandler
	queue   JobQueue
	logger  *zap.Logger
	backoff time.Duration
}

// NewOutcomeProcessor creates a payment outcome processor.
func NewOutcomeProcessor(handler OutcomeHandler, q JobQueue, logger *zap.Logger) *OutcomeProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutcomeProcessor{handler: handler, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one outcome job.
func (p *OutcomeProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypePaymentOutcome {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.PaymentOutcomePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	err := p.handler.HandleOutcome(ctx, payload.Reference, models.ChargeOutcome(payload.Outcome))
	if errors.Is(err, payments.ErrNotFound) {
		// A charge we never recorded will not appear on retry.
		p.logger.Warn("outcome for unknown charge dropped",
			zap.String("job_id", job.ID),
			zap.String("reference", payload.Reference),
			zap.String("event_id", payload.EventID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply outcome: %w", err)
	}
	p.logger.Info("payment outcome applied",
		zap.String("reference", payload.Reference),
		zap.String("outcome", payload.Outcome),
		zap.Duration("lag", time.Since(payload.ReceivedAt)),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *OutcomeProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outcome worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *OutcomeProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
