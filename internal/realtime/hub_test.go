package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tutorlink/backend/internal/auth"
	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/internal/sessions"
)

type fakeGate struct {
	mu       sync.Mutex
	live     map[uuid.UUID]bool
	joins    []models.Attendee
	leaves   []string
	messages []models.ChatMessage
	mics     map[string]bool
}

func newFakeGate(live ...uuid.UUID) *fakeGate {
	g := &fakeGate{live: make(map[uuid.UUID]bool), mics: make(map[string]bool)}
	for _, id := range live {
		g.live[id] = true
	}
	return g
}

func (g *fakeGate) IsLive(_ context.Context, id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live[id]
}

func (g *fakeGate) TryJoin(_ context.Context, a models.Attendee) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.live[a.SessionID] {
		return sessions.ErrNotLive
	}
	g.joins = append(g.joins, a)
	return nil
}

func (g *fakeGate) Leave(_ context.Context, _ uuid.UUID, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaves = append(g.leaves, ref)
	return nil
}

func (g *fakeGate) SaveMessage(_ context.Context, m *models.ChatMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, *m)
	return nil
}

func (g *fakeGate) SetMicState(_ context.Context, _ uuid.UUID, participant string, muted bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mics[participant] = muted
	return nil
}

func connect(h *Hub, g SessionGate, role models.Role) *Client {
	p := auth.Principal{UserID: uuid.New(), Role: role, Name: string(role)}
	c := newClient(h, g, p, rate.NewLimiter(rate.Inf, 0), zap.NewNop())
	h.Register(c)
	return c
}

func send(c *Client, event EventType, payload interface{}) {
	data, _ := json.Marshal(payload)
	c.handle(context.Background(), WSMessage{Event: event, Data: data})
}

func next(t *testing.T, c *Client) WSMessage {
	t.Helper()
	select {
	case m := <-c.send:
		return m
	case <-time.After(time.Second):
		t.Fatalf("client %s: no message", c.ID)
		return WSMessage{}
	}
}

func silent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case m := <-c.send:
		t.Fatalf("client %s: unexpected %s", c.ID, m.Event)
	default:
	}
}

func joinAll(h *Hub, sid uuid.UUID, clients ...*Client) {
	for _, c := range clients {
		h.Subscribe(c, sid)
	}
}

func TestRelayStaysInGroupAndSkipsSender(t *testing.T) {
	h := NewHub(nil, nil)
	g := newFakeGate()
	s1, s2 := uuid.New(), uuid.New()
	a, b, other := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	joinAll(h, s1, a, b)
	joinAll(h, s2, other)

	h.Relay(s1, EventNoteShared, map[string]string{"note": "n"}, a)

	m := next(t, b)
	assert.Equal(t, EventNoteShared, m.Event)
	assert.JSONEq(t, `{"note":"n"}`, string(m.Data))
	silent(t, a)
	silent(t, other)
}

func TestDisconnectLeavesEveryGroup(t *testing.T) {
	h := NewHub(nil, nil)
	g := newFakeGate()
	s1, s2 := uuid.New(), uuid.New()
	a, b := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	joinAll(h, s1, a, b)
	joinAll(h, s2, a)

	left := h.Disconnect(a)
	assert.ElementsMatch(t, []uuid.UUID{s1, s2}, left)
	assert.Equal(t, 1, h.Members(s1))
	assert.Equal(t, 0, h.Members(s2))
	assert.Nil(t, h.Disconnect(a))

	h.Relay(s1, EventNoteShared, nil, nil)
	assert.Equal(t, EventNoteShared, next(t, b).Event)
}

func TestBroadcastGlobalReachesUnjoined(t *testing.T) {
	h := NewHub(nil, nil)
	g := newFakeGate()
	a, b := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	h.Subscribe(a, uuid.New())

	s := &models.LiveSession{ID: uuid.New(), Topic: "Algebra", IsLive: true}
	h.SessionStarted(s)

	for _, c := range []*Client{a, b} {
		m := next(t, c)
		assert.Equal(t, EventSessionStarted, m.Event)
		assert.Contains(t, string(m.Data), "Algebra")
	}
}

func TestSendToUserReachesEveryConnection(t *testing.T) {
	h := NewHub(nil, nil)
	g := newFakeGate()
	a := connect(h, g, models.RoleStudent)
	twin := newClient(h, g, auth.Principal{UserID: a.UserID}, rate.NewLimiter(rate.Inf, 0), zap.NewNop())
	h.Register(twin)
	stranger := connect(h, g, models.RoleStudent)

	h.SendToUser(a.UserID, string(EventNotification), map[string]string{"title": "Payment Successful"})

	assert.Equal(t, EventNotification, next(t, a).Event)
	assert.Equal(t, EventNotification, next(t, twin).Event)
	silent(t, stranger)
}

func TestSessionEndedClosesGroup(t *testing.T) {
	h := NewHub(nil, nil)
	g := newFakeGate()
	sid := uuid.New()
	a, b := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	joinAll(h, sid, a, b)

	h.SessionEnded(sid)

	for _, c := range []*Client{a, b} {
		m := next(t, c)
		assert.Equal(t, EventSessionEnded, m.Event)
		assert.JSONEq(t, `{"sessionId":"`+sid.String()+`"}`, string(m.Data))
		assert.False(t, h.IsMember(c, sid))
	}
	assert.Equal(t, 0, h.Members(sid))

	h.Relay(sid, EventNoteShared, nil, nil)
	silent(t, a)

	joined, err := h.Subscribe(a, sid)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.False(t, joined)
	assert.Equal(t, 0, h.Members(sid))
}

type loopbackBus struct {
	mu      sync.Mutex
	handler func(BusMessage)
	fail    bool
	sent    int
}

func (b *loopbackBus) Publish(_ context.Context, m BusMessage) error {
	b.mu.Lock()
	b.sent++
	fail, handler := b.fail, b.handler
	b.mu.Unlock()
	if fail {
		return errors.New("redis unavailable")
	}
	raw, _ := json.Marshal(m)
	var echoed BusMessage
	_ = json.Unmarshal(raw, &echoed)
	handler(echoed)
	return nil
}

func (b *loopbackBus) Subscribe(_ context.Context, handler func(BusMessage)) error {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	return nil
}

func TestBusDeliversOnceThroughSubscription(t *testing.T) {
	bus := &loopbackBus{}
	h := NewHub(bus, nil)
	require.NoError(t, h.Run(context.Background()))
	g := newFakeGate()
	sid := uuid.New()
	a, b := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	joinAll(h, sid, a, b)

	h.Relay(sid, EventNoteShared, map[string]int{"n": 1}, a)

	assert.Equal(t, EventNoteShared, next(t, b).Event)
	silent(t, b)
	silent(t, a)
	assert.Equal(t, 1, bus.sent)
}

func TestBusFailureFallsBackToLocal(t *testing.T) {
	bus := &loopbackBus{fail: true}
	h := NewHub(bus, nil)
	require.NoError(t, h.Run(context.Background()))
	g := newFakeGate()
	sid := uuid.New()
	a, b := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	joinAll(h, sid, a, b)

	h.Relay(sid, EventNoteShared, nil, a)

	assert.Equal(t, EventNoteShared, next(t, b).Event)
	silent(t, a)
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(nil, nil)
	g := newFakeGate()
	a := connect(h, g, models.RoleStudent)

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer+10; i++ {
			h.BroadcastGlobal(EventNoteShared, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full client buffer")
	}
	assert.Len(t, a.send, sendBuffer)
}
