package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueuePaymentOutcomes is the Redis list key for provider payment outcomes.
	QueuePaymentOutcomes = "worker:payment_outcomes"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxAttempts is the number of times a job is tried before moving to DLQ.
	MaxAttempts = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// popTimeout bounds one blocking pop so the worker can observe cancellation.
	popTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypePaymentOutcome JobType = "payment_outcome"
)

// PaymentOutcomePayload is a provider-reported charge result awaiting application to the ledger.
type PaymentOutcomePayload struct {
	Reference  string    `json:"reference"`
	Outcome    string    `json:"outcome"`
	EventID    string    `json:"event_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueuePaymentOutcome enqueues a payment outcome job.
func (q *Queue) EnqueuePaymentOutcome(ctx context.Context, payload PaymentOutcomePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypePaymentOutcome,
		Payload:   body,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueuePaymentOutcomes, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued payment outcome job",
		zap.String("job_id", job.ID),
		zap.String("reference", payload.Reference),
		zap.String("outcome", payload.Outcome),
	)
	return nil
}

// Dequeue blocks until a job is available, popTimeout elapses, or ctx is done.
// A nil job with nil error means nothing was available.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, popTimeout, QueuePaymentOutcomes).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxAttempts, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxAttempts {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueuePaymentOutcomes, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
