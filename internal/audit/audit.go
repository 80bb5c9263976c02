// Package audit keeps an append-only trail of session lifecycle transitions.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EventType names the lifecycle event being recorded.
type EventType string

const (
	EventCredentialLoaded     EventType = "session.credential_loaded"
	EventPractitionerSelected EventType = "session.practitioner_selected"
	EventPatientSelected      EventType = "session.patient_selected"
	EventStartRequested       EventType = "session.start_requested"
	EventStarted              EventType = "session.started"
	EventStartFailed          EventType = "session.start_failed"
	EventSummaryReady         EventType = "session.summary_ready"
	EventSummaryFiled         EventType = "session.summary_filed"
	EventLoggedOut            EventType = "session.logged_out"
	EventRejected             EventType = "session.rejected"
)

// Event is an immutable audit record. It carries identifiers only; names and
// summary text never reach the trail.
type Event struct {
	ID             string          `json:"id"`
	EventType      EventType       `json:"event_type"`
	Epoch          int64           `json:"epoch"`
	Attempt        int64           `json:"attempt,omitempty"`
	FromPhase      string          `json:"from_phase"`
	ToPhase        string          `json:"to_phase"`
	SessionID      string          `json:"session_id,omitempty"`
	PractitionerID string          `json:"practitioner_id,omitempty"`
	PatientID      string          `json:"patient_id,omitempty"`
	Reasons        []string        `json:"reasons,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Recorder accepts audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Service writes audit events to session_audit_events.
type Service struct {
	db *sql.DB
}

// NewService creates a new audit service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Record inserts event, filling in ID and CreatedAt when unset.
func (s *Service) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	reasons := event.Reasons
	if reasons == nil {
		reasons = []string{}
	}

	query := `
		INSERT INTO session_audit_events (
			id, event_type, epoch, attempt, from_phase, to_phase,
			session_id, practitioner_id, patient_id, reasons, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.Epoch,
		event.Attempt,
		event.FromPhase,
		event.ToPhase,
		nullString(event.SessionID),
		nullString(event.PractitionerID),
		nullString(event.PatientID),
		pq.Array(reasons),
		nullJSON(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to record event: %w", err)
	}
	return nil
}

// Filter specifies criteria for querying audit events.
type Filter struct {
	SessionID string
	EventType EventType
	Since     time.Time
	Limit     int
}

// Query retrieves audit events, newest first.
func (s *Service) Query(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT id, event_type, epoch, attempt, from_phase, to_phase,
			   session_id, practitioner_id, patient_id, reasons, details, created_at
		FROM session_audit_events
		WHERE 1 = 1
	`
	var args []interface{}
	argIdx := 1

	if filter.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, filter.EventType)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.Since)
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var sessionID, practitionerID, patientID sql.NullString
		var details []byte
		err := rows.Scan(
			&e.ID, &e.EventType, &e.Epoch, &e.Attempt, &e.FromPhase, &e.ToPhase,
			&sessionID, &practitionerID, &patientID, pq.Array(&e.Reasons), &details, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to scan event: %w", err)
		}
		e.SessionID = sessionID.String
		e.PractitionerID = practitionerID.String
		e.PatientID = patientID.String
		if len(details) > 0 {
			e.Details = json.RawMessage(details)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: failed to read events: %w", err)
	}
	return events, nil
}

// Nop discards events. It is used when no database is configured.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
