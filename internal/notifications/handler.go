package notifications

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tutorlink/backend/internal/middleware"
	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/pkg/response"
)

// Reader lists and acknowledges a user's notifications.
type Reader interface {
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Notification, error)
	MarkRead(ctx context.Context, id, userID uuid.UUID) (bool, error)
}

// Handler handles notification HTTP endpoints.
type Handler struct {
	repo Reader
}

// NewHandler creates a notifications handler.
func NewHandler(repo Reader) *Handler {
	return &Handler{repo: repo}
}

// List handles GET /notifications?limit=&offset=.
func (h *Handler) List(c *gin.Context) {
	p, _ := middleware.Principal(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	list, err := h.repo.ListByUser(c.Request.Context(), p.UserID, limit, offset)
	if err != nil {
		response.Internal(c, "failed to list notifications")
		return
	}
	response.OK(c, list)
}

// MarkRead handles PUT /notifications/:id/read.
func (h *Handler) MarkRead(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid notification id")
		return
	}
	p, _ := middleware.Principal(c)
	found, err := h.repo.MarkRead(c.Request.Context(), id, p.UserID)
	if err != nil {
		response.Internal(c, "failed to update notification")
		return
	}
	if !found {
		response.NotFound(c, "notification not found")
		return
	}
	response.OK(c, gin.H{"id": id, "is_read": true})
}
