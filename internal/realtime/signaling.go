package realtime

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"

	"github.com/tutorlink/backend/pkg/response"
)

var (
	errBadDescription = errors.New("invalid session description")
	errBadCandidate   = errors.New("invalid ice candidate")
)

type signal struct {
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// validateSignal checks that a signaling payload carries a well-formed SDP or ICE candidate.
// The server never terminates media; peers connect to each other.
func validateSignal(event EventType, data json.RawMessage) error {
	var s signal
	if err := json.Unmarshal(data, &s); err != nil {
		return errBadDescription
	}
	switch event {
	case EventWebRTCOffer:
		return checkDescription(s.Offer, webrtc.SDPTypeOffer)
	case EventWebRTCAnswer:
		return checkDescription(s.Answer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer)
	case EventWebRTCICECandidate:
		// A null or empty candidate marks end-of-candidates and is relayed as is.
		if s.Candidate == nil || s.Candidate.Candidate == "" {
			return nil
		}
		if !strings.HasPrefix(s.Candidate.Candidate, "candidate:") {
			return errBadCandidate
		}
	}
	return nil
}

func checkDescription(d *webrtc.SessionDescription, allowed ...webrtc.SDPType) error {
	if d == nil || d.SDP == "" {
		return errBadDescription
	}
	ok := false
	for _, t := range allowed {
		if d.Type == t {
			ok = true
		}
	}
	if !ok {
		return errBadDescription
	}
	if _, err := d.Unmarshal(); err != nil {
		return errBadDescription
	}
	return nil
}

// ICEServers returns the STUN/TURN servers clients should use, defaulting to a public STUN server.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// ICEServersHandler handles GET /realtime/ice-servers.
func ICEServersHandler(urls []string) gin.HandlerFunc {
	servers := ICEServers(urls)
	return func(c *gin.Context) {
		response.OK(c, gin.H{"ice_servers": servers})
	}
}
