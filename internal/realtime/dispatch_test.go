package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tutorlink/backend/internal/auth"
	"github.com/tutorlink/backend/internal/models"
)

const minimalSDP = "v=0\r\no=- 4215 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func decode(t *testing.T, m WSMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(m.Data, v))
}

func TestJoinLiveSessionAnnouncesPresence(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(sid)
	a, b := connect(h, g, models.RoleLecturer), connect(h, g, models.RoleStudent)

	send(a, EventJoinLiveClass, map[string]string{"sessionId": sid.String()})
	send(b, EventJoinLiveClass, map[string]string{"sessionId": sid.String(), "name": "Sam"})

	var p presence
	m := next(t, a)
	assert.Equal(t, EventUserJoined, m.Event)
	decode(t, m, &p)
	assert.Equal(t, presence{UserID: b.UserID.String(), Name: "Sam"}, p)
	silent(t, b)

	assert.True(t, h.IsMember(a, sid))
	assert.True(t, h.IsMember(b, sid))
	require.Len(t, g.joins, 2)
	assert.Equal(t, b.UserID.String(), g.joins[1].ParticipantRef)
	require.NotNil(t, g.joins[1].UserID)
	assert.Equal(t, b.UserID, *g.joins[1].UserID)
}

func TestJoinEndedSessionGetsSessionEnded(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate()
	member, late := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	h.Subscribe(member, sid)

	send(late, EventJoinLiveClass, map[string]string{"sessionId": sid.String()})

	m := next(t, late)
	assert.Equal(t, EventSessionEnded, m.Event)
	var ref sessionRef
	decode(t, m, &ref)
	assert.Equal(t, sid.String(), ref.SessionID)
	assert.False(t, h.IsMember(late, sid))
	assert.Empty(t, g.joins)
	silent(t, member)
}

// endingGate admits a join and then ends the session before the caller subscribes.
type endingGate struct {
	*fakeGate
	hub *Hub
}

func (g *endingGate) TryJoin(ctx context.Context, a models.Attendee) error {
	if err := g.fakeGate.TryJoin(ctx, a); err != nil {
		return err
	}
	g.mu.Lock()
	g.live[a.SessionID] = false
	g.mu.Unlock()
	g.hub.SessionEnded(a.SessionID)
	return nil
}

func TestJoinRacingSessionEndIsRefused(t *testing.T) {
	sid := uuid.New()
	h := NewHub(nil, nil)
	g := &endingGate{fakeGate: newFakeGate(sid), hub: h}
	member, late := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	h.Subscribe(member, sid)

	send(late, EventJoinLiveClass, map[string]string{"sessionId": sid.String()})

	assert.False(t, h.IsMember(late, sid))
	assert.Equal(t, 0, h.Members(sid))
	assert.Equal(t, EventSessionEnded, next(t, late).Event)
	silent(t, late)
	assert.Equal(t, EventSessionEnded, next(t, member).Event)
	assert.Equal(t, []string{late.ref()}, g.leaves)

	send(late, EventSendMessage, map[string]string{"sessionId": sid.String(), "message": "still here?"})
	assert.Equal(t, EventRelayRejected, next(t, late).Event)
	silent(t, member)
	assert.Empty(t, g.messages)
}

func TestJoinWithoutSessionIDRejected(t *testing.T) {
	h, g := NewHub(nil, nil), newFakeGate()
	a := connect(h, g, models.RoleStudent)

	send(a, EventJoinLiveClass, map[string]string{})

	m := next(t, a)
	assert.Equal(t, EventRelayRejected, m.Event)
}

func TestRelayFromNonMemberRejected(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(sid)
	member, outsider := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	h.Subscribe(member, sid)

	send(outsider, EventShareNote, map[string]string{"sessionId": sid.String(), "note": "hi"})

	m := next(t, outsider)
	assert.Equal(t, EventRelayRejected, m.Event)
	var r rejection
	decode(t, m, &r)
	assert.Equal(t, sid.String(), r.SessionID)
	assert.Equal(t, EventShareNote, r.Event)
	silent(t, member)
}

func TestChatIsPersistedAndRelayed(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(sid)
	a, b := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	joinAll(h, sid, a, b)

	send(a, EventSendMessage, map[string]string{"sessionId": sid.String(), "message": "hello"})

	m := next(t, b)
	assert.Equal(t, EventNewMessage, m.Event)
	assert.Contains(t, string(m.Data), "hello")
	silent(t, a)
	require.Len(t, g.messages, 1)
	assert.Equal(t, "hello", g.messages[0].Message)
	assert.Equal(t, sid, g.messages[0].SessionID)
	assert.Equal(t, a.UserID, *g.messages[0].UserID)
}

func TestDocumentEventsKeepTheirNames(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(sid)
	a, b := connect(h, g, models.RoleLecturer), connect(h, g, models.RoleStudent)
	joinAll(h, sid, a, b)

	for in, want := range map[EventType]EventType{
		EventShareDocument:             EventDocumentShared,
		EventDocumentPageUpdate:        EventDocumentPageUpdate,
		EventDocumentAnnotationsUpdate: EventDocumentAnnotationsUpdate,
		EventDocumentToolUpdate:        EventDocumentToolUpdate,
		EventDocumentCurrentPathUpdate: EventDocumentCurrentPathUpdate,
		EventDocumentScrollUpdate:      EventDocumentScrollUpdate,
	} {
		send(a, in, map[string]interface{}{"sessionId": sid.String(), "page": 2})
		assert.Equal(t, want, next(t, b).Event, in)
	}
}

func TestMicStateRecorded(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(sid)
	a, b := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	joinAll(h, sid, a, b)

	send(a, EventMicStateChanged, map[string]interface{}{"sessionId": sid.String(), "userId": a.UserID.String(), "muted": true})

	assert.Equal(t, EventMicStateChanged, next(t, b).Event)
	assert.True(t, g.mics[a.UserID.String()])
}

func TestSignalingTargetsPeer(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(sid)
	a, b, c := connect(h, g, models.RoleLecturer), connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	joinAll(h, sid, a, b, c)

	send(a, EventWebRTCOffer, map[string]interface{}{
		"sessionId": sid.String(),
		"to":        b.UserID.String(),
		"from":      a.UserID.String(),
		"offer":     map[string]string{"type": "offer", "sdp": minimalSDP},
	})

	assert.Equal(t, EventWebRTCOffer, next(t, b).Event)
	silent(t, c)
	silent(t, a)
}

func TestSignalingWithoutTargetReachesGroup(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(sid)
	a, b, c := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	joinAll(h, sid, a, b, c)

	send(a, EventWebRTCICECandidate, map[string]interface{}{
		"sessionId": sid.String(),
		"candidate": map[string]string{"candidate": ""},
	})

	assert.Equal(t, EventWebRTCICECandidate, next(t, b).Event)
	assert.Equal(t, EventWebRTCICECandidate, next(t, c).Event)
}

func TestMalformedSignalRejected(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(sid)
	a, b := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	joinAll(h, sid, a, b)

	cases := []struct {
		event   EventType
		payload map[string]interface{}
	}{
		{EventWebRTCOffer, map[string]interface{}{"sessionId": sid.String()}},
		{EventWebRTCOffer, map[string]interface{}{"sessionId": sid.String(), "offer": map[string]string{"type": "answer", "sdp": minimalSDP}}},
		{EventWebRTCAnswer, map[string]interface{}{"sessionId": sid.String(), "answer": map[string]string{"type": "answer", "sdp": "garbage"}}},
		{EventWebRTCICECandidate, map[string]interface{}{"sessionId": sid.String(), "candidate": map[string]string{"candidate": "garbage"}}},
	}
	for _, tc := range cases {
		send(a, tc.event, tc.payload)
		assert.Equal(t, EventRelayRejected, next(t, a).Event, tc.event)
	}
	silent(t, b)
}

func TestEndOfCandidatesRelayed(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(sid)
	a, b := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	joinAll(h, sid, a, b)

	send(a, EventWebRTCICECandidate, map[string]interface{}{"sessionId": sid.String(), "candidate": nil})
	m := next(t, b)
	assert.Equal(t, EventWebRTCICECandidate, m.Event)
	assert.Contains(t, string(m.Data), `"candidate":null`)

	send(a, EventWebRTCICECandidate, map[string]interface{}{"sessionId": sid.String(), "candidate": map[string]string{"candidate": ""}})
	assert.Equal(t, EventWebRTCICECandidate, next(t, b).Event)
	silent(t, a)
}

func TestLeaveNotifiesGroup(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(sid)
	a, b := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	joinAll(h, sid, a, b)

	send(a, EventLeaveLiveClass, map[string]string{"sessionId": sid.String()})

	assert.Equal(t, EventUserLeft, next(t, b).Event)
	assert.False(t, h.IsMember(a, sid))
	assert.Equal(t, []string{a.UserID.String()}, g.leaves)

	send(a, EventLeaveLiveClass, map[string]string{"sessionId": sid.String()})
	assert.Len(t, g.leaves, 1)
}

func TestDisconnectReleasesAttendance(t *testing.T) {
	s1, s2 := uuid.New(), uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(s1, s2)
	a, b, c := connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent), connect(h, g, models.RoleStudent)
	joinAll(h, s1, a, b)
	joinAll(h, s2, a, c)

	a.close(context.Background())

	assert.Equal(t, EventUserLeft, next(t, b).Event)
	assert.Equal(t, EventUserLeft, next(t, c).Event)
	assert.Len(t, g.leaves, 2)
	_, open := <-a.send
	assert.False(t, open)
}

func TestSessionStartedOnlyFromLecturer(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(sid)
	lecturer, student := connect(h, g, models.RoleLecturer), connect(h, g, models.RoleStudent)

	send(student, EventSessionStarted, map[string]string{"sessionId": sid.String()})
	assert.Equal(t, EventRelayRejected, next(t, student).Event)
	silent(t, lecturer)

	send(lecturer, EventSessionStarted, map[string]string{"sessionId": sid.String()})
	assert.Equal(t, EventSessionStarted, next(t, lecturer).Event)
	assert.Equal(t, EventSessionStarted, next(t, student).Event)
}

func TestUnknownEventRejected(t *testing.T) {
	h, g := NewHub(nil, nil), newFakeGate()
	a := connect(h, g, models.RoleStudent)

	send(a, EventType("launch-missiles"), map[string]string{})

	var r rejection
	decode(t, next(t, a), &r)
	assert.Equal(t, "unknown event", r.Reason)
}

func TestRateLimitRejectsBurst(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(sid)
	a := newClient(h, g, auth.Principal{UserID: uuid.New()}, rate.NewLimiter(rate.Every(time.Hour), 1), zap.NewNop())
	h.Register(a)

	send(a, EventJoinLiveClass, map[string]string{"sessionId": sid.String()})
	send(a, EventShareNote, map[string]string{"sessionId": sid.String()})

	var r rejection
	decode(t, next(t, a), &r)
	assert.Equal(t, "rate limit exceeded", r.Reason)
	assert.True(t, h.IsMember(a, sid))
}

func TestAnonymousParticipantUsesConnectionRef(t *testing.T) {
	sid := uuid.New()
	h, g := NewHub(nil, nil), newFakeGate(sid)
	anon := newClient(h, g, auth.Principal{}, rate.NewLimiter(rate.Inf, 0), zap.NewNop())
	h.Register(anon)

	send(anon, EventJoinLiveClass, map[string]string{"sessionId": sid.String(), "name": "Guest"})

	require.Len(t, g.joins, 1)
	assert.Equal(t, anon.ID, g.joins[0].ParticipantRef)
	assert.Nil(t, g.joins[0].UserID)
}
