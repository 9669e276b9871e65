package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorlink/backend/internal/metrics"
	"github.com/tutorlink/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	// closedRetention bounds how long an ended session keeps refusing late subscribers. By then
	// the registry refuses the join itself.
	closedRetention = time.Minute

	publishTimeout = 3 * time.Second
)

// Scope says who a bus message is for.
type Scope string

const (
	ScopeGroup  Scope = "group"
	ScopeGlobal Scope = "global"
	ScopeUser   Scope = "user"
)

// BusMessage is one fan-out unit, delivered locally or through the cross-instance bus.
type BusMessage struct {
	Scope     Scope           `json:"scope"`
	SessionID uuid.UUID       `json:"session_id,omitempty"`
	UserID    uuid.UUID       `json:"user_id,omitempty"`
	Event     EventType       `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Origin    string          `json:"origin,omitempty"` // sending connection, skipped on delivery
	Target    string          `json:"target,omitempty"` // user id or connection id; empty means the whole group
	At        int64           `json:"at"`
}

// Bus carries messages between instances. Every published message, including this
// instance's own, comes back through the subscription handler.
type Bus interface {
	Publish(ctx context.Context, m BusMessage) error
	Subscribe(ctx context.Context, handler func(BusMessage)) error
}

// Hub maintains session groups of connections and fans events out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	groups  map[uuid.UUID]map[string]*Client
	byUser  map[uuid.UUID]map[string]*Client
	closed  map[uuid.UUID]time.Time // ended sessions, by dissolve time

	bus    Bus
	logger *zap.Logger
}

// NewHub creates a hub. bus may be nil for single-instance delivery.
func NewHub(bus Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		groups:  make(map[uuid.UUID]map[string]*Client),
		byUser:  make(map[uuid.UUID]map[string]*Client),
		closed:  make(map[uuid.UUID]time.Time),
		bus:     bus,
		logger:  logger,
	}
}

// Run attaches the hub to the bus. It returns once the subscription is live;
// delivery continues until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		return nil
	}
	return h.bus.Subscribe(ctx, h.deliver)
}

// Register adds a connected client with no group memberships.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	if c.UserID != uuid.Nil {
		if h.byUser[c.UserID] == nil {
			h.byUser[c.UserID] = make(map[string]*Client)
		}
		h.byUser[c.UserID][c.ID] = c
	}
	h.mu.Unlock()
	metrics.RealtimeConnections.Inc()
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.String("user_id", c.UserID.String()))
}

// Disconnect removes c from every group and closes its outbound queue.
// It returns the sessions c was a member of. Calling it twice is safe.
func (h *Hub) Disconnect(c *Client) []uuid.UUID {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return nil
	}
	left := make([]uuid.UUID, 0, len(c.groups))
	for sid := range c.groups {
		h.removeMemberLocked(sid, c)
		left = append(left, sid)
	}
	delete(h.clients, c.ID)
	if m := h.byUser[c.UserID]; m != nil {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
	close(c.send)
	h.mu.Unlock()

	metrics.RealtimeConnections.Dec()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.Int("groups", len(left)))
	return left
}

// ErrSessionClosed is returned by Subscribe once the session's group has been dissolved.
var ErrSessionClosed = errors.New("session group closed")

// Subscribe adds c to a session group. It reports false if c was already a member or is
// no longer registered.
func (h *Hub) Subscribe(c *Client, sessionID uuid.UUID) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.closed[sessionID]; ok {
		return false, ErrSessionClosed
	}
	if _, ok := h.clients[c.ID]; !ok {
		return false, nil
	}
	if _, ok := c.groups[sessionID]; ok {
		return false, nil
	}
	if h.groups[sessionID] == nil {
		h.groups[sessionID] = make(map[string]*Client)
	}
	h.groups[sessionID][c.ID] = c
	c.groups[sessionID] = struct{}{}
	return true, nil
}

// Unsubscribe removes c from a session group. It reports false if c was not a member.
func (h *Hub) Unsubscribe(c *Client, sessionID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := c.groups[sessionID]; !ok {
		return false
	}
	h.removeMemberLocked(sessionID, c)
	return true
}

func (h *Hub) removeMemberLocked(sessionID uuid.UUID, c *Client) {
	delete(c.groups, sessionID)
	if m := h.groups[sessionID]; m != nil {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.groups, sessionID)
		}
	}
}

// IsMember reports whether c belongs to the session group.
func (h *Hub) IsMember(c *Client, sessionID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.groups[sessionID]
	return ok
}

// Members returns the number of local connections in a session group.
func (h *Hub) Members(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[sessionID])
}

// Relay sends an event to every member of a session group except sender (nil for none).
func (h *Hub) Relay(sessionID uuid.UUID, event EventType, payload interface{}, sender *Client) {
	h.RelayTo(sessionID, event, payload, sender, "")
}

// RelayTo is Relay restricted to members matching target (a user id or connection id).
// An empty target means the whole group.
func (h *Hub) RelayTo(sessionID uuid.UUID, event EventType, payload interface{}, sender *Client, target string) {
	m := BusMessage{Scope: ScopeGroup, SessionID: sessionID, Event: event, Target: target}
	if sender != nil {
		m.Origin = sender.ID
	}
	h.publish(m, payload)
}

// BroadcastGlobal sends an event to every connection, joined or not.
func (h *Hub) BroadcastGlobal(event EventType, payload interface{}) {
	h.publish(BusMessage{Scope: ScopeGlobal, Event: event}, payload)
}

// SendToUser sends an event to every connection of one user.
func (h *Hub) SendToUser(userID uuid.UUID, event string, payload interface{}) {
	h.publish(BusMessage{Scope: ScopeUser, UserID: userID, Event: EventType(event)}, payload)
}

// Send delivers an event to a single local connection.
func (h *Hub) Send(c *Client, event EventType, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Warn("encode event failed", zap.String("event", string(event)), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.ID]; ok {
		h.enqueue(c, WSMessage{Event: event, Data: data})
	}
}

// SessionStarted announces a newly live session to every connection.
func (h *Hub) SessionStarted(s *models.LiveSession) {
	h.BroadcastGlobal(EventSessionStarted, map[string]interface{}{"session": s})
}

// SessionEnded tells a session group it ended; each instance then dissolves its local group.
func (h *Hub) SessionEnded(sessionID uuid.UUID) {
	h.Relay(sessionID, EventSessionEnded, sessionRef{SessionID: sessionID.String()}, nil)
}

func (h *Hub) publish(m BusMessage, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Warn("encode event failed", zap.String("event", string(m.Event)), zap.Error(err))
		return
	}
	m.Data = data
	m.At = time.Now().Unix()

	if h.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := h.bus.Publish(ctx, m)
		cancel()
		if err == nil {
			return
		}
		h.logger.Warn("bus publish failed, delivering locally", zap.String("event", string(m.Event)), zap.Error(err))
	}
	h.deliver(m)
}

// deliver fans m out to matching local connections.
func (h *Hub) deliver(m BusMessage) {
	msg := WSMessage{Event: m.Event, Data: m.Data}

	h.mu.RLock()
	switch m.Scope {
	case ScopeGroup:
		for id, c := range h.groups[m.SessionID] {
			if id == m.Origin || !c.matches(m.Target) {
				continue
			}
			h.enqueue(c, msg)
		}
	case ScopeGlobal:
		for _, c := range h.clients {
			h.enqueue(c, msg)
		}
	case ScopeUser:
		for _, c := range h.byUser[m.UserID] {
			h.enqueue(c, msg)
		}
	}
	h.mu.RUnlock()

	if m.Scope == ScopeGroup && m.Event == EventSessionEnded {
		h.closeGroup(m.SessionID)
	}
}

// closeGroup drops every local membership of a session group and refuses new ones.
func (h *Hub) closeGroup(sessionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.groups[sessionID] {
		delete(c.groups, sessionID)
	}
	delete(h.groups, sessionID)

	now := time.Now()
	for id, at := range h.closed {
		if now.Sub(at) > closedRetention {
			delete(h.closed, id)
		}
	}
	h.closed[sessionID] = now
}

// enqueue never blocks: a client whose buffer is full misses the event. Caller holds h.mu.
func (h *Hub) enqueue(c *Client, msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		h.logger.Debug("client buffer full, event dropped", zap.String("client_id", c.ID), zap.String("event", string(msg.Event)))
	}
}
