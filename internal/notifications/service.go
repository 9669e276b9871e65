package notifications

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorlink/backend/internal/models"
)

// EventNotification is the realtime event carrying a freshly created notification.
const EventNotification = "notification"

const writeTimeout = 5 * time.Second

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *models.Notification) error
}

// Pusher delivers an event to every live connection of a user.
type Pusher interface {
	SendToUser(userID uuid.UUID, event string, payload interface{})
}

// Service is the notification sink. Notify never fails the caller: errors are logged and dropped.
type Service struct {
	store  Store
	logger *zap.Logger

	mu     sync.RWMutex
	pusher Pusher
}

// NewService creates the notification sink.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// SetPusher attaches realtime delivery (e.g. the relay hub). Optional.
func (s *Service) SetPusher(p Pusher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pusher = p
}

// Notify persists a notification for recipient and pushes it to their open connections.
// The write is detached from ctx cancellation so a finished request does not drop it.
func (s *Service) Notify(ctx context.Context, recipient uuid.UUID, kind models.NotificationKind, title, message string, data interface{}) {
	n := &models.Notification{UserID: recipient, Kind: kind, Title: title, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			s.logger.Warn("notification payload marshal failed", zap.Error(err), zap.String("kind", string(kind)))
		} else {
			n.Data = raw
		}
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := s.store.Create(wctx, n); err != nil {
		s.logger.Error("create notification failed",
			zap.Error(err),
			zap.String("user_id", recipient.String()),
			zap.String("kind", string(kind)),
		)
		return
	}

	s.mu.RLock()
	pusher := s.pusher
	s.mu.RUnlock()
	if pusher != nil {
		pusher.SendToUser(recipient, EventNotification, n)
	}
}
