package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorlink/backend/internal/metrics"
	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/internal/sessions"
)

// handle applies one inbound event from the client.
func (c *Client) handle(ctx context.Context, msg WSMessage) {
	if !c.limiter.Allow() {
		c.reject("", msg.Event, "rate limit exceeded")
		return
	}
	metrics.RealtimeEvents.WithLabelValues(eventLabel(msg.Event)).Inc()

	var r routing
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			c.reject("", msg.Event, "malformed payload")
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	switch msg.Event {
	case EventJoinLiveClass:
		c.join(ctx, r)
	case EventLeaveLiveClass:
		c.leave(ctx, r)
	case EventSessionStarted:
		c.announce(ctx, r, msg.Data)
	default:
		out, ok := RelayTarget(msg.Event)
		if !ok {
			c.reject(r.SessionID, msg.Event, "unknown event")
			return
		}
		c.relay(ctx, msg.Event, out, r, msg.Data)
	}
}

func eventLabel(e EventType) string {
	if _, ok := relayRoutes[e]; ok {
		return string(e)
	}
	switch e {
	case EventJoinLiveClass, EventLeaveLiveClass, EventSessionStarted:
		return string(e)
	}
	return "unknown"
}

func (c *Client) join(ctx context.Context, r routing) {
	sid, ok := r.session()
	if !ok {
		c.reject(r.SessionID, EventJoinLiveClass, "missing sessionId")
		return
	}
	name := r.Name
	if name == "" {
		name = c.Name
	}
	a := models.Attendee{SessionID: sid, ParticipantRef: c.ref(), Name: name}
	if c.UserID != uuid.Nil {
		uid := c.UserID
		a.UserID = &uid
	}
	if err := c.gate.TryJoin(ctx, a); err != nil {
		if errors.Is(err, sessions.ErrNotLive) {
			c.hub.Send(c, EventSessionEnded, sessionRef{SessionID: sid.String()})
			return
		}
		c.logger.Warn("join failed", zap.String("session_id", sid.String()), zap.Error(err))
		c.reject(r.SessionID, EventJoinLiveClass, "join failed")
		return
	}
	joined, err := c.hub.Subscribe(c, sid)
	if errors.Is(err, ErrSessionClosed) {
		// The session ended between the registry admitting us and the subscribe.
		if lerr := c.gate.Leave(ctx, sid, c.ref()); lerr != nil {
			c.logger.Debug("leave after late join failed", zap.String("session_id", sid.String()), zap.Error(lerr))
		}
		c.hub.Send(c, EventSessionEnded, sessionRef{SessionID: sid.String()})
		return
	}
	if joined {
		c.hub.Relay(sid, EventUserJoined, presence{UserID: c.ref(), Name: name}, c)
	}
}

func (c *Client) leave(ctx context.Context, r routing) {
	sid, ok := r.session()
	if !ok {
		c.reject(r.SessionID, EventLeaveLiveClass, "missing sessionId")
		return
	}
	if !c.hub.Unsubscribe(c, sid) {
		return
	}
	if err := c.gate.Leave(ctx, sid, c.ref()); err != nil {
		c.logger.Warn("leave failed", zap.String("session_id", sid.String()), zap.Error(err))
	}
	c.hub.Relay(sid, EventUserLeft, presence{UserID: c.ref(), Name: c.Name}, nil)
}

// announce rebroadcasts a lecturer's session-started to every connection.
func (c *Client) announce(ctx context.Context, r routing, data json.RawMessage) {
	if c.Role != models.RoleLecturer && c.Role != models.RoleAdmin {
		c.reject(r.SessionID, EventSessionStarted, "not allowed")
		return
	}
	sid, ok := r.session()
	if !ok || !c.gate.IsLive(ctx, sid) {
		c.reject(r.SessionID, EventSessionStarted, "session is not live")
		return
	}
	c.hub.BroadcastGlobal(EventSessionStarted, data)
}

func (c *Client) relay(ctx context.Context, in, out EventType, r routing, data json.RawMessage) {
	sid, ok := r.session()
	if !ok {
		c.reject(r.SessionID, in, "missing sessionId")
		return
	}
	if !c.hub.IsMember(c, sid) {
		c.reject(r.SessionID, in, "not a member of this session")
		return
	}
	if in.IsSignaling() {
		if err := validateSignal(in, data); err != nil {
			c.reject(r.SessionID, in, err.Error())
			return
		}
		c.hub.RelayTo(sid, out, data, c, r.To)
		return
	}

	switch in {
	case EventSendMessage:
		c.saveMessage(ctx, sid, data)
	case EventMicStateChanged:
		c.saveMic(ctx, sid, r, data)
	}
	c.hub.Relay(sid, out, data, c)
}

// saveMessage persists a chat line. Failures do not block the relay.
func (c *Client) saveMessage(ctx context.Context, sid uuid.UUID, data json.RawMessage) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil || strings.TrimSpace(body.Message) == "" {
		return
	}
	m := &models.ChatMessage{SessionID: sid, Message: body.Message}
	if c.UserID != uuid.Nil {
		uid := c.UserID
		m.UserID = &uid
	}
	if err := c.gate.SaveMessage(ctx, m); err != nil {
		c.logger.Warn("save chat message failed", zap.String("session_id", sid.String()), zap.Error(err))
	}
}

func (c *Client) saveMic(ctx context.Context, sid uuid.UUID, r routing, data json.RawMessage) {
	var body struct {
		Muted *bool `json:"muted"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Muted == nil {
		return
	}
	participant := r.UserID
	if participant == "" {
		participant = c.ref()
	}
	if err := c.gate.SetMicState(ctx, sid, participant, *body.Muted); err != nil {
		c.logger.Warn("save mic state failed", zap.String("session_id", sid.String()), zap.Error(err))
	}
}

func (c *Client) reject(sessionID string, event EventType, reason string) {
	c.hub.Send(c, EventRelayRejected, rejection{SessionID: sessionID, Event: event, Reason: reason})
}
