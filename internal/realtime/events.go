package realtime

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventType names a realtime event on the wire.
type EventType string

// Client-originated events.
const (
	EventJoinLiveClass             EventType = "join-live-class"
	EventLeaveLiveClass            EventType = "leave-live-class"
	EventSendMessage               EventType = "send-message"
	EventShareNote                 EventType = "share-note"
	EventShareDocument             EventType = "share-document"
	EventDocumentPageUpdate        EventType = "document-page-update"
	EventDocumentAnnotationsUpdate EventType = "document-annotations-update"
	EventDocumentToolUpdate        EventType = "document-tool-update"
	EventDocumentCurrentPathUpdate EventType = "document-current-path-update"
	EventDocumentScrollUpdate      EventType = "document-scroll-update"
	EventMicStateChanged           EventType = "mic-state-changed"
	EventWebRTCOffer               EventType = "webrtc-offer"
	EventWebRTCAnswer              EventType = "webrtc-answer"
	EventWebRTCICECandidate        EventType = "webrtc-ice-candidate"
)

// Server-originated events.
const (
	EventNewMessage     EventType = "new-message"
	EventNoteShared     EventType = "note-shared"
	EventDocumentShared EventType = "document-shared"
	EventSessionStarted EventType = "session-started"
	EventSessionEnded   EventType = "session-ended"
	EventUserJoined     EventType = "user-joined"
	EventUserLeft       EventType = "user-left"
	EventNotification   EventType = "notification"
	EventRelayRejected  EventType = "relay-rejected"
)

// relayRoutes maps a client event to the event fanned out to the rest of its session group.
var relayRoutes = map[EventType]EventType{
	EventSendMessage:               EventNewMessage,
	EventShareNote:                 EventNoteShared,
	EventShareDocument:             EventDocumentShared,
	EventDocumentPageUpdate:        EventDocumentPageUpdate,
	EventDocumentAnnotationsUpdate: EventDocumentAnnotationsUpdate,
	EventDocumentToolUpdate:        EventDocumentToolUpdate,
	EventDocumentCurrentPathUpdate: EventDocumentCurrentPathUpdate,
	EventDocumentScrollUpdate:      EventDocumentScrollUpdate,
	EventMicStateChanged:           EventMicStateChanged,
	EventWebRTCOffer:               EventWebRTCOffer,
	EventWebRTCAnswer:              EventWebRTCAnswer,
	EventWebRTCICECandidate:        EventWebRTCICECandidate,
}

// RelayTarget returns the event relayed for a client event, if it is a group relay.
func RelayTarget(e EventType) (EventType, bool) {
	out, ok := relayRoutes[e]
	return out, ok
}

// IsSignaling reports whether e is WebRTC signaling.
func (e EventType) IsSignaling() bool {
	switch e {
	case EventWebRTCOffer, EventWebRTCAnswer, EventWebRTCICECandidate:
		return true
	}
	return false
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// routing holds the fields every session event may carry.
type routing struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	Name      string `json:"name,omitempty"`
	To        string `json:"to,omitempty"`
}

func (r routing) session() (uuid.UUID, bool) {
	id, err := uuid.Parse(r.SessionID)
	return id, err == nil
}

type rejection struct {
	SessionID string    `json:"sessionId,omitempty"`
	Event     EventType `json:"event,omitempty"`
	Reason    string    `json:"reason"`
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

type presence struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

func encode(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	return json.Marshal(payload)
}
