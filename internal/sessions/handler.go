package sessions

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorlink/backend/internal/middleware"
	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/pkg/response"
)

// Handler handles live session HTTP endpoints.
type Handler struct {
	registry *Registry
	logger   *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(registry *Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, logger: logger}
}

// CreateSessionRequest is the body for POST /sessions. Admins may create on behalf of a lecturer.
type CreateSessionRequest struct {
	CourseID      uuid.UUID  `json:"course_id" binding:"required"`
	LecturerID    *uuid.UUID `json:"lecturer_id"`
	Topic         string     `json:"topic" binding:"required"`
	ScheduledTime *time.Time `json:"scheduled_time"`
}

// Create handles POST /sessions.
func (h *Handler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	p, _ := middleware.Principal(c)
	lecturerID := p.UserID
	if req.LecturerID != nil && *req.LecturerID != p.UserID {
		if p.Role != models.RoleAdmin {
			response.Forbidden(c, "cannot create sessions for another lecturer")
			return
		}
		lecturerID = *req.LecturerID
	}
	s, err := h.registry.Create(c.Request.Context(), CreateRequest{
		CourseID:      req.CourseID,
		LecturerID:    lecturerID,
		Topic:         req.Topic,
		ScheduledTime: req.ScheduledTime,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, s)
}

// List handles GET /sessions?live=true.
func (h *Handler) List(c *gin.Context) {
	liveOnly, _ := strconv.ParseBool(c.DefaultQuery("live", "false"))
	h.list(c, liveOnly)
}

// ListLive handles GET /sessions/live.
func (h *Handler) ListLive(c *gin.Context) {
	h.list(c, true)
}

func (h *Handler) list(c *gin.Context, liveOnly bool) {
	list, err := h.registry.List(c.Request.Context(), liveOnly)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, list)
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	s, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, s)
}

// Attendees handles GET /sessions/:id/attendees.
func (h *Handler) Attendees(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	list, err := h.registry.Attendees(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, list)
}

// Messages handles GET /sessions/:id/messages?limit=.
func (h *Handler) Messages(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	list, err := h.registry.Messages(c.Request.Context(), id, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, list)
}

// Start handles PUT /sessions/:id/start.
func (h *Handler) Start(c *gin.Context) {
	id, ok := h.authorizeManage(c)
	if !ok {
		return
	}
	s, err := h.registry.Start(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, s)
}

// End handles PUT /sessions/:id/end.
func (h *Handler) End(c *gin.Context) {
	id, ok := h.authorizeManage(c)
	if !ok {
		return
	}
	s, err := h.registry.End(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, s)
}

// Delete handles DELETE /sessions/:id.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := h.authorizeManage(c)
	if !ok {
		return
	}
	if err := h.registry.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, gin.H{"deleted": true})
}

// DocumentRequest is the body for PUT /sessions/:id/document. Absent fields are left as they are;
// "current_document": null clears the shown document.
type DocumentRequest struct {
	CurrentDocument json.RawMessage `json:"current_document"`
	CurrentPage     *int            `json:"current_page"`
	Annotations     json.RawMessage `json:"annotations"`
	CurrentTool     *string         `json:"current_tool"`
}

// UpdateDocument handles PUT /sessions/:id/document.
func (h *Handler) UpdateDocument(c *gin.Context) {
	id, ok := h.authorizeManage(c)
	if !ok {
		return
	}
	var req DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	state, err := req.toState()
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	s, err := h.registry.UpdateDocument(c.Request.Context(), id, state)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, s)
}

func (r DocumentRequest) toState() (models.DocumentState, error) {
	state := models.DocumentState{CurrentPage: r.CurrentPage, CurrentTool: r.CurrentTool, Annotations: r.Annotations}
	switch {
	case len(r.CurrentDocument) == 0:
	case string(r.CurrentDocument) == "null":
		state.ClearDocument = true
	default:
		var ref models.DocumentRef
		if err := json.Unmarshal(r.CurrentDocument, &ref); err != nil {
			return state, errors.New("invalid current_document")
		}
		state.CurrentDocument = &ref
	}
	return state, nil
}

// authorizeManage allows admins and the session's own lecturer.
func (h *Handler) authorizeManage(c *gin.Context) (uuid.UUID, bool) {
	id, ok := parseID(c)
	if !ok {
		return uuid.Nil, false
	}
	p, _ := middleware.Principal(c)
	if p.Role == models.RoleAdmin {
		return id, true
	}
	s, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return uuid.Nil, false
	}
	if s.LecturerID != p.UserID {
		response.Forbidden(c, "only the session's lecturer can manage it")
		return uuid.Nil, false
	}
	return id, true
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrEnded):
		response.Gone(c, err.Error())
	case errors.Is(err, ErrLecturerBusy):
		response.Conflict(c, "You already have an active live session. Please end it before starting a new one.")
	case errors.Is(err, ErrLecturerNotFound), errors.Is(err, ErrInvalidInput):
		response.BadRequest(c, err.Error())
	default:
		h.logger.Error("session request failed", zap.Error(err), zap.String("path", c.FullPath()))
		response.Internal(c, "internal server error")
	}
}
