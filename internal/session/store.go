package session

import (
	"context"
	"time"
)

// Store is the narrow contract this engine holds against persistent state.
// The Postgres implementation lives in repo.go; tests substitute an
// in-memory one.
type Store interface {
	// CreateSession inserts a new session in scheduled state, generating
	// an ID when one is not supplied, and returns the stored session.
	CreateSession(ctx context.Context, s Session) (Session, error)
	// LoadSession returns a session or ErrSessionNotFound.
	LoadSession(ctx context.Context, id string) (Session, error)
	// ListSessions returns sessions filtered by professor and/or date.
	ListSessions(ctx context.Context, professorID string, date time.Time, limit int) ([]Session, error)
	// ListActiveSessions returns every session currently active, used to
	// resume rotation after a restart.
	ListActiveSessions(ctx context.Context) ([]Session, error)

	// TransitionStatus is a compare-and-swap on the session status. When
	// next is StatusActive, window must carry the secret being installed;
	// any other target clears the secret. Returns ErrConflict when the
	// current status does not match expected at write time.
	TransitionStatus(ctx context.Context, id string, expected, next Status, window *ActiveWindow) error

	// RotateSecret replaces the active window in place. Returns
	// ErrConflict when the session is no longer active.
	RotateSecret(ctx context.Context, id string, window ActiveWindow) error

	// RecordAttendance is insert-only; a second record for the same
	// (session, student) pair returns ErrDuplicateRecord.
	RecordAttendance(ctx context.Context, rec AttendanceRecord) error

	// IncrementAttendanceCount bumps the derived counter and returns the
	// new value. Best-effort; dashboards tolerate brief staleness.
	IncrementAttendanceCount(ctx context.Context, id string) (int, error)
}

// Publisher fans session and attendance events out to connected dashboards.
// Best-effort only: the engine never depends on delivery.
type Publisher interface {
	Publish(topic string, event Event)
}

// Event is the payload pushed to dashboard subscribers.
type Event struct {
	Type            string    `json:"type"`
	SessionID       string    `json:"session_id"`
	Status          Status    `json:"status,omitempty"`
	AttendanceCount int       `json:"attendance_count,omitempty"`
	TotalEnrolled   int       `json:"total_enrolled,omitempty"`
	At              time.Time `json:"at"`
}

// Topic names. Dashboards subscribe to the session topic for live counts
// and to the professor topic for activation and completion events.
func SessionTopic(id string) string            { return "session:" + id }
func ProfessorTopic(professorID string) string { return "professor:" + professorID }

// Event types.
const (
	EventSessionActivated   = "session_activated"
	EventSessionCompleted   = "session_completed"
	EventSessionStatus      = "session_status_update"
	EventAttendanceRecorded = "attendance_recorded"
)
