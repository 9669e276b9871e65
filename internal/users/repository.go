package users

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/pkg/database"
)

// ErrNotFound is returned when no user has the requested id.
var ErrNotFound = errors.New("user not found")

// Repository is a read-only view of the user directory.
type Repository struct {
	db database.DBTX
}

// NewRepository creates a user directory repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

// GetByID returns a user by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const q = `SELECT id, email, name, role, created_at FROM users WHERE id = $1`
	var u models.User
	err := r.db.QueryRow(ctx, q, id).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.CreatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// ListAdmins returns the ids of every admin-role user.
func (r *Repository) ListAdmins(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM users WHERE role = $1 ORDER BY created_at`, models.RoleAdmin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
