package subscriptions

import (
	"context"

	"github.com/google/uuid"

	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/pkg/database"
)

// Repository updates user subscription status on behalf of payments.
type Repository struct {
	db database.DBTX
}

// NewRepository creates a subscriptions repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

// Activate marks a subscription active. changed is false when it already was, or does not exist.
func (r *Repository) Activate(ctx context.Context, id uuid.UUID) (changed bool, err error) {
	return r.setStatus(ctx, id, models.SubscriptionActive)
}

// Cancel marks a subscription cancelled.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID) (changed bool, err error) {
	return r.setStatus(ctx, id, models.SubscriptionCancelled)
}

func (r *Repository) setStatus(ctx context.Context, id uuid.UUID, status models.SubscriptionStatus) (bool, error) {
	const q = `UPDATE user_subscriptions SET status = $1, updated_at = NOW() WHERE id = $2 AND status <> $1`
	tag, err := r.db.Exec(ctx, q, status, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
