package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/pkg/database"
)

const liveLecturerIndex = "idx_live_sessions_lecturer_live"

const sessionColumns = `id, course_id, lecturer_id, lecturer_name, topic, scheduled_time, start_time, end_time,
	is_live, participants, current_document, current_page, annotations, current_tool, mic_states, created_at`

// PostgresStore persists live sessions, attendees and chat.
type PostgresStore struct {
	db database.TxBeginner
}

// NewPostgresStore creates a session store.
func NewPostgresStore(db database.TxBeginner) *PostgresStore {
	return &PostgresStore{db: db}
}

func scanSession(row pgx.Row) (*models.LiveSession, error) {
	var s models.LiveSession
	var doc, annotations, mics []byte
	err := row.Scan(&s.ID, &s.CourseID, &s.LecturerID, &s.LecturerName, &s.Topic, &s.ScheduledTime, &s.StartTime,
		&s.EndTime, &s.IsLive, &s.Participants, &doc, &s.CurrentPage, &annotations, &s.CurrentTool, &mics, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(doc) > 0 && string(doc) != "null" {
		var ref models.DocumentRef
		if err := json.Unmarshal(doc, &ref); err != nil {
			return nil, fmt.Errorf("decode current_document: %w", err)
		}
		s.CurrentDocument = &ref
	}
	if len(annotations) > 0 {
		s.Annotations = annotations
	}
	if len(mics) > 0 {
		if err := json.Unmarshal(mics, &s.MicStates); err != nil {
			return nil, fmt.Errorf("decode mic_states: %w", err)
		}
	}
	return &s, nil
}

func (st *PostgresStore) one(ctx context.Context, q string, args ...any) (*models.LiveSession, error) {
	s, err := scanSession(st.db.QueryRow(ctx, q, args...))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// Create inserts a session. A second live session for the same lecturer is ErrLecturerBusy.
func (st *PostgresStore) Create(ctx context.Context, s *models.LiveSession) error {
	const q = `INSERT INTO live_sessions (course_id, lecturer_id, lecturer_name, topic, scheduled_time, start_time, is_live)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + sessionColumns
	created, err := scanSession(st.db.QueryRow(ctx, q,
		s.CourseID, s.LecturerID, s.LecturerName, s.Topic, s.ScheduledTime, s.StartTime, s.IsLive))
	if err != nil {
		if database.IsUniqueViolation(err, liveLecturerIndex) {
			return ErrLecturerBusy
		}
		return err
	}
	*s = *created
	return nil
}

// GetByID returns a session by ID.
func (st *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	return st.one(ctx, `SELECT `+sessionColumns+` FROM live_sessions WHERE id = $1`, id)
}

// List returns sessions, newest first.
func (st *PostgresStore) List(ctx context.Context, liveOnly bool) ([]models.LiveSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM live_sessions`
	if liveOnly {
		q += ` WHERE is_live`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := st.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.LiveSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// LecturerHasLive reports whether the lecturer already runs a live session.
func (st *PostgresStore) LecturerHasLive(ctx context.Context, lecturerID uuid.UUID) (bool, error) {
	var exists bool
	err := st.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM live_sessions WHERE lecturer_id = $1 AND is_live)`, lecturerID).Scan(&exists)
	return exists, err
}

// Start makes a scheduled session live.
func (st *PostgresStore) Start(ctx context.Context, id uuid.UUID, at time.Time) (*models.LiveSession, error) {
	const q = `UPDATE live_sessions SET is_live = TRUE, start_time = $2
		WHERE id = $1 AND NOT is_live AND end_time IS NULL
		RETURNING ` + sessionColumns
	s, err := scanSession(st.db.QueryRow(ctx, q, id, at))
	if err == nil {
		return s, nil
	}
	if database.IsUniqueViolation(err, liveLecturerIndex) {
		return nil, ErrLecturerBusy
	}
	if !database.IsNoRows(err) {
		return nil, err
	}
	cur, err := st.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Ended() {
		return nil, ErrEnded
	}
	return cur, nil
}

// End closes a session. changed is false if it had already ended.
func (st *PostgresStore) End(ctx context.Context, id uuid.UUID, at time.Time) (s *models.LiveSession, changed bool, err error) {
	const q = `UPDATE live_sessions SET is_live = FALSE, end_time = $2
		WHERE id = $1 AND end_time IS NULL
		RETURNING ` + sessionColumns
	s, err = scanSession(st.db.QueryRow(ctx, q, id, at))
	if err == nil {
		return s, true, nil
	}
	if !database.IsNoRows(err) {
		return nil, false, err
	}
	s, err = st.GetByID(ctx, id)
	return s, false, err
}

// Delete removes a session with its attendees and chat.
func (st *PostgresStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := st.db.Exec(ctx, `DELETE FROM live_sessions WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AddAttendee records a participant in a live session and bumps the participant count.
// The liveness check and the insert share one transaction so a concurrent End cannot admit a joiner.
func (st *PostgresStore) AddAttendee(ctx context.Context, a models.Attendee) (added bool, err error) {
	err = pgx.BeginFunc(ctx, st.db, func(tx pgx.Tx) error {
		var live bool
		if err := tx.QueryRow(ctx, `SELECT is_live FROM live_sessions WHERE id = $1 FOR UPDATE`, a.SessionID).Scan(&live); err != nil {
			if database.IsNoRows(err) {
				return ErrNotFound
			}
			return err
		}
		if !live {
			return ErrNotLive
		}
		tag, err := tx.Exec(ctx, `INSERT INTO session_attendees (session_id, participant_ref, user_id, name)
			VALUES ($1, $2, $3, $4) ON CONFLICT (session_id, participant_ref) DO NOTHING`,
			a.SessionID, a.ParticipantRef, a.UserID, a.Name)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		added = true
		_, err = tx.Exec(ctx, `UPDATE live_sessions SET participants = participants + 1 WHERE id = $1`, a.SessionID)
		return err
	})
	return added, err
}

// RemoveAttendee drops a participant and decrements the count, never below zero.
func (st *PostgresStore) RemoveAttendee(ctx context.Context, sessionID uuid.UUID, ref string) (removed bool, err error) {
	err = pgx.BeginFunc(ctx, st.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM session_attendees WHERE session_id = $1 AND participant_ref = $2`, sessionID, ref)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		removed = true
		_, err = tx.Exec(ctx, `UPDATE live_sessions SET participants = GREATEST(participants - 1, 0) WHERE id = $1`, sessionID)
		return err
	})
	return removed, err
}

// ListAttendees returns the participants currently recorded against a session.
func (st *PostgresStore) ListAttendees(ctx context.Context, sessionID uuid.UUID) ([]models.Attendee, error) {
	rows, err := st.db.Query(ctx, `SELECT session_id, participant_ref, user_id, name, joined_at
		FROM session_attendees WHERE session_id = $1 ORDER BY joined_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.Attendee, 0)
	for rows.Next() {
		var a models.Attendee
		if err := rows.Scan(&a.SessionID, &a.ParticipantRef, &a.UserID, &a.Name, &a.JoinedAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// UpdateDocument applies a partial document-state update.
func (st *PostgresStore) UpdateDocument(ctx context.Context, id uuid.UUID, d models.DocumentState) (*models.LiveSession, error) {
	setDoc := d.CurrentDocument != nil || d.ClearDocument
	var doc []byte
	if d.CurrentDocument != nil {
		var err error
		if doc, err = json.Marshal(d.CurrentDocument); err != nil {
			return nil, err
		}
	}
	setAnnotations := len(d.Annotations) > 0
	var annotations []byte
	if setAnnotations {
		annotations = d.Annotations
	}

	const q = `UPDATE live_sessions SET
			current_document = CASE WHEN $2 THEN $3::jsonb ELSE current_document END,
			current_page = COALESCE($4, current_page),
			annotations = CASE WHEN $5 THEN $6::jsonb ELSE annotations END,
			current_tool = COALESCE($7, current_tool)
		WHERE id = $1
		RETURNING ` + sessionColumns
	return st.one(ctx, q, id, setDoc, doc, d.CurrentPage, setAnnotations, annotations, d.CurrentTool)
}

// SetMicState records whether participant is muted.
func (st *PostgresStore) SetMicState(ctx context.Context, id uuid.UUID, participant string, muted bool) error {
	tag, err := st.db.Exec(ctx, `UPDATE live_sessions
		SET mic_states = jsonb_set(mic_states, ARRAY[$2::text], to_jsonb($3::boolean), true)
		WHERE id = $1`, id, participant, muted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveMessage stores a chat line.
func (st *PostgresStore) SaveMessage(ctx context.Context, m *models.ChatMessage) error {
	return st.db.QueryRow(ctx, `INSERT INTO chat_messages (session_id, user_id, message)
		VALUES ($1, $2, $3) RETURNING id, created_at`, m.SessionID, m.UserID, m.Message).Scan(&m.ID, &m.CreatedAt)
}

// ListMessages returns a session's chat in send order.
func (st *PostgresStore) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.ChatMessage, error) {
	rows, err := st.db.Query(ctx, `SELECT id, session_id, user_id, message, created_at
		FROM chat_messages WHERE session_id = $1 ORDER BY created_at LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Message, &m.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}
