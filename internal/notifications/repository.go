package notifications

import (
	"context"

	"github.com/google/uuid"

	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/pkg/database"
)

// Repository persists notifications.
type Repository struct {
	db database.DBTX
}

// NewRepository creates a notifications repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

// Create inserts n and fills ID and CreatedAt.
func (r *Repository) Create(ctx context.Context, n *models.Notification) error {
	const q = `INSERT INTO notifications (user_id, type, title, message, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
	var data []byte
	if len(n.Data) > 0 {
		data = n.Data
	}
	return r.db.QueryRow(ctx, q, n.UserID, n.Kind, n.Title, n.Message, data).Scan(&n.ID, &n.CreatedAt)
}

// ListByUser returns a user's notifications, oldest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Notification, error) {
	const q = `SELECT id, user_id, type, title, message, data, is_read, created_at
		FROM notifications WHERE user_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]models.Notification, 0)
	for rows.Next() {
		var n models.Notification
		var data []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &data, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Data = data
		list = append(list, n)
	}
	return list, rows.Err()
}

// MarkRead flags a notification as read. found is false if it does not belong to userID.
func (r *Repository) MarkRead(ctx context.Context, id, userID uuid.UUID) (found bool, err error) {
	tag, err := r.db.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
