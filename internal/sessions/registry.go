package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/internal/users"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrNotLive          = errors.New("session is not live")
	ErrEnded            = errors.New("session has ended")
	ErrLecturerBusy     = errors.New("lecturer already has a live session")
	ErrLecturerNotFound = errors.New("lecturer not found")
	ErrInvalidInput     = errors.New("invalid session input")
)

// Store is the durable session store.
type Store interface {
	Create(ctx context.Context, s *models.LiveSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	List(ctx context.Context, liveOnly bool) ([]models.LiveSession, error)
	LecturerHasLive(ctx context.Context, lecturerID uuid.UUID) (bool, error)
	Start(ctx context.Context, id uuid.UUID, at time.Time) (*models.LiveSession, error)
	End(ctx context.Context, id uuid.UUID, at time.Time) (*models.LiveSession, bool, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	AddAttendee(ctx context.Context, a models.Attendee) (bool, error)
	RemoveAttendee(ctx context.Context, sessionID uuid.UUID, ref string) (bool, error)
	ListAttendees(ctx context.Context, sessionID uuid.UUID) ([]models.Attendee, error)
	UpdateDocument(ctx context.Context, id uuid.UUID, d models.DocumentState) (*models.LiveSession, error)
	SetMicState(ctx context.Context, id uuid.UUID, participant string, muted bool) error
	SaveMessage(ctx context.Context, m *models.ChatMessage) error
	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.ChatMessage, error)
}

// Directory resolves lecturers.
type Directory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Broadcaster tells connected clients about session lifecycle changes.
type Broadcaster interface {
	// SessionStarted notifies every connection, joined or not.
	SessionStarted(s *models.LiveSession)
	// SessionEnded notifies the session's group and then closes it.
	SessionEnded(sessionID uuid.UUID)
}

// CreateRequest starts or schedules a session. A nil ScheduledTime starts it now.
type CreateRequest struct {
	CourseID      uuid.UUID
	LecturerID    uuid.UUID
	Topic         string
	ScheduledTime *time.Time
}

// Registry tracks session liveness and gates joins.
type Registry struct {
	store     Store
	directory Directory
	logger    *zap.Logger
	now       func() time.Time

	broadcaster Broadcaster
}

// NewRegistry creates a session registry.
func NewRegistry(store Store, directory Directory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, directory: directory, logger: logger, now: time.Now}
}

// SetBroadcaster attaches the realtime relay. Must be called before serving traffic.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.broadcaster = b
}

// IsLive reports whether the session exists and is live. Lookup errors count as not live.
func (r *Registry) IsLive(ctx context.Context, id uuid.UUID) bool {
	s, err := r.store.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("session lookup failed", zap.String("session_id", id.String()), zap.Error(err))
		}
		return false
	}
	return s.IsLive
}

// TryJoin admits a participant to a live session. Any session that is missing, scheduled
// or ended yields ErrNotLive and records nothing.
func (r *Registry) TryJoin(ctx context.Context, a models.Attendee) error {
	if a.ParticipantRef == "" {
		return ErrInvalidInput
	}
	added, err := r.store.AddAttendee(ctx, a)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotLive) {
			return ErrNotLive
		}
		return fmt.Errorf("join session: %w", err)
	}
	r.logger.Debug("participant joined",
		zap.String("session_id", a.SessionID.String()),
		zap.String("participant", a.ParticipantRef),
		zap.Bool("new", added),
	)
	return nil
}

// Leave removes a participant. Liveness is unaffected.
func (r *Registry) Leave(ctx context.Context, sessionID uuid.UUID, ref string) error {
	if _, err := r.store.RemoveAttendee(ctx, sessionID, ref); err != nil {
		return fmt.Errorf("leave session: %w", err)
	}
	return nil
}

// Create starts or schedules a session for a lecturer with no other live session.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*models.LiveSession, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" || req.CourseID == uuid.Nil || req.LecturerID == uuid.Nil {
		return nil, ErrInvalidInput
	}
	lecturer, err := r.directory.GetByID(ctx, req.LecturerID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, ErrLecturerNotFound
		}
		return nil, err
	}
	busy, err := r.store.LecturerHasLive(ctx, req.LecturerID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, ErrLecturerBusy
	}

	s := &models.LiveSession{
		CourseID:      req.CourseID,
		LecturerID:    req.LecturerID,
		LecturerName:  lecturer.DisplayName(),
		Topic:         topic,
		ScheduledTime: req.ScheduledTime,
	}
	if req.ScheduledTime == nil {
		now := r.now()
		s.StartTime = &now
		s.IsLive = true
	}
	if err := r.store.Create(ctx, s); err != nil {
		return nil, err
	}
	r.logger.Info("session created",
		zap.String("session_id", s.ID.String()),
		zap.String("lecturer_id", s.LecturerID.String()),
		zap.Bool("live", s.IsLive),
	)
	if s.IsLive && r.broadcaster != nil {
		r.broadcaster.SessionStarted(s)
	}
	return s, nil
}

// Start makes a scheduled session live and announces it.
func (r *Registry) Start(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	before, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if before.Ended() {
		return nil, ErrEnded
	}
	if before.IsLive {
		return before, nil
	}
	s, err := r.store.Start(ctx, id, r.now())
	if err != nil {
		return nil, err
	}
	if s.IsLive && r.broadcaster != nil {
		r.broadcaster.SessionStarted(s)
	}
	return s, nil
}

// End closes a session for good and tells its group. Ending twice is a no-op.
func (r *Registry) End(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	s, changed, err := r.store.End(ctx, id, r.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return s, nil
	}
	r.logger.Info("session ended", zap.String("session_id", id.String()), zap.Int("participants", s.Participants))
	if r.broadcaster != nil {
		r.broadcaster.SessionEnded(id)
	}
	return s, nil
}

// Delete removes a session. Connected members are told it ended.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	ok, err := r.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if r.broadcaster != nil {
		r.broadcaster.SessionEnded(id)
	}
	return nil
}

// UpdateDocument applies a partial shared-document update.
func (r *Registry) UpdateDocument(ctx context.Context, id uuid.UUID, d models.DocumentState) (*models.LiveSession, error) {
	if d.CurrentPage != nil && *d.CurrentPage < 1 {
		return nil, ErrInvalidInput
	}
	return r.store.UpdateDocument(ctx, id, d)
}

// SetMicState records a participant's mute state.
func (r *Registry) SetMicState(ctx context.Context, id uuid.UUID, participant string, muted bool) error {
	if participant == "" {
		return ErrInvalidInput
	}
	return r.store.SetMicState(ctx, id, participant, muted)
}

// SaveMessage stores a chat line sent in a session.
func (r *Registry) SaveMessage(ctx context.Context, m *models.ChatMessage) error {
	if strings.TrimSpace(m.Message) == "" {
		return ErrInvalidInput
	}
	return r.store.SaveMessage(ctx, m)
}

// Get returns a session.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	return r.store.GetByID(ctx, id)
}

// List returns all sessions, or only live ones.
func (r *Registry) List(ctx context.Context, liveOnly bool) ([]models.LiveSession, error) {
	return r.store.List(ctx, liveOnly)
}

// Attendees lists a session's current participants.
func (r *Registry) Attendees(ctx context.Context, id uuid.UUID) ([]models.Attendee, error) {
	if _, err := r.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return r.store.ListAttendees(ctx, id)
}

// Messages lists a session's chat.
func (r *Registry) Messages(ctx context.Context, id uuid.UUID, limit int) ([]models.ChatMessage, error) {
	return r.store.ListMessages(ctx, id, limit)
}
