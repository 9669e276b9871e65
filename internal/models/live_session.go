package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DocumentRef points at the document currently shown in a live session.
type DocumentRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// LiveSession is a lecturer-hosted class. Once EndTime is set the session is closed for good.
type LiveSession struct {
	ID              uuid.UUID       `json:"id"`
	CourseID        uuid.UUID       `json:"course_id"`
	LecturerID      uuid.UUID       `json:"lecturer_id"`
	LecturerName    string          `json:"lecturer_name,omitempty"`
	Topic           string          `json:"topic"`
	ScheduledTime   *time.Time      `json:"scheduled_time,omitempty"`
	StartTime       *time.Time      `json:"start_time,omitempty"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	IsLive          bool            `json:"is_live"`
	Participants    int             `json:"participants"`
	CurrentDocument *DocumentRef    `json:"current_document,omitempty"`
	CurrentPage     int             `json:"current_page"`
	Annotations     json.RawMessage `json:"annotations,omitempty"`
	CurrentTool     string          `json:"current_tool"`
	MicStates       map[string]bool `json:"mic_states,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Ended reports whether the session has been ended.
func (s *LiveSession) Ended() bool { return s.EndTime != nil }

// Attendee is one participant currently recorded against a session.
type Attendee struct {
	SessionID      uuid.UUID  `json:"session_id"`
	ParticipantRef string     `json:"participant_ref"`
	UserID         *uuid.UUID `json:"user_id,omitempty"`
	Name           string     `json:"name,omitempty"`
	JoinedAt       time.Time  `json:"joined_at"`
}

// ChatMessage is a persisted in-session chat line.
type ChatMessage struct {
	ID        uuid.UUID  `json:"id"`
	SessionID uuid.UUID  `json:"session_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// DocumentState is a partial update of a session's shared document view.
type DocumentState struct {
	CurrentDocument *DocumentRef    `json:"current_document"`
	ClearDocument   bool            `json:"-"`
	CurrentPage     *int            `json:"current_page"`
	Annotations     json.RawMessage `json:"annotations"`
	CurrentTool     *string         `json:"current_tool"`
}
