package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/pkg/database"
)

const paymentColumns = `id, user_id, subscription_id, amount_cents, currency, description, status,
	payment_method, transaction_id, retry_count, max_retries, next_retry_at, version, created_at, updated_at`

// Repository is the Postgres payment ledger.
type Repository struct {
	db database.DBTX
}

// NewRepository creates a payment ledger repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	var txID *string
	err := row.Scan(&p.ID, &p.UserID, &p.SubscriptionID, &p.AmountCents, &p.Currency, &p.Description, &p.Status,
		&p.PaymentMethod, &txID, &p.RetryCount, &p.MaxRetries, &p.NextRetryAt, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if txID != nil {
		p.TransactionID = *txID
	}
	return &p, nil
}

func collectPayments(rows pgx.Rows) ([]models.Payment, error) {
	defer rows.Close()
	list := make([]models.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// Create inserts a payment and fills ID, Version and timestamps.
func (r *Repository) Create(ctx context.Context, p *models.Payment) error {
	const q = `INSERT INTO payments (user_id, subscription_id, amount_cents, currency, description, status,
			payment_method, transaction_id, retry_count, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		RETURNING id, version, created_at, updated_at`
	return r.db.QueryRow(ctx, q, p.UserID, p.SubscriptionID, p.AmountCents, p.Currency, p.Description, p.Status,
		p.PaymentMethod, p.TransactionID, p.RetryCount, p.MaxRetries).
		Scan(&p.ID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
}

// GetByID returns a payment by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// GetByTransactionID returns the payment currently bound to a provider reference.
func (r *Repository) GetByTransactionID(ctx context.Context, ref string) (*models.Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1 ORDER BY updated_at DESC LIMIT 1`
	p, err := scanPayment(r.db.QueryRow(ctx, q, ref))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListDueRetries returns retrying payments whose next attempt is at or before now.
func (r *Repository) ListDueRetries(ctx context.Context, now time.Time) ([]models.Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = $1 AND next_retry_at <= $2 ORDER BY next_retry_at`
	rows, err := r.db.Query(ctx, q, models.PaymentStatusRetrying, now)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

// ListByUser returns a user's payments, oldest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE user_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

// Update applies u if the row still has expectedVersion, returning the new row.
// ErrConflict means another writer got there first; ErrNotFound means the row is gone.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, expectedVersion int64, u models.PaymentUpdate) (*models.Payment, error) {
	const q = `UPDATE payments SET
			status = $3,
			retry_count = COALESCE($4, retry_count),
			transaction_id = COALESCE($5, transaction_id),
			next_retry_at = $6,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING ` + paymentColumns
	p, err := scanPayment(r.db.QueryRow(ctx, q, id, expectedVersion, u.Status, u.RetryCount, u.TransactionID, u.NextRetryAt))
	if err == nil {
		return p, nil
	}
	if !database.IsNoRows(err) {
		return nil, err
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrConflict
}

var _ Ledger = (*Repository)(nil)
