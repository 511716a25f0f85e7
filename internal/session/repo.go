package session

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the Postgres-backed Store.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, class_instance_id, professor_id, session_date, start_time, end_time,
	room_location, status, qr_secret, qr_expires_at, attendance_count, total_enrolled,
	created_at, updated_at`

const attendanceColumns = `session_id, student_id, status, scanned_at, device_fingerprint,
	minutes_late, created_at`

// CreateSession inserts a session in scheduled state and returns it with the
// generated ID filled in. Callers address the session by that ID from then on.
func (r *Repository) CreateSession(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = StatusScheduled
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO class_sessions (id, class_instance_id, professor_id, session_date, start_time, end_time, room_location, status, total_enrolled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.ID, s.ClassInstanceID, s.ProfessorID, s.Date, s.StartTime, s.EndTime, s.RoomLocation, s.Status, s.TotalEnrolled)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// LoadSession returns a session or ErrSessionNotFound.
func (r *Repository) LoadSession(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM class_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return s, err
}

// ListSessions returns sessions filtered by professor and/or date, newest first.
func (r *Repository) ListSessions(ctx context.Context, professorID string, date time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + ` FROM class_sessions WHERE 1=1`
	args := []any{}
	if professorID != "" {
		args = append(args, professorID)
		query += ` AND professor_id = $1`
	}
	if !date.IsZero() {
		args = append(args, date)
		query += ` AND session_date = $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY start_time DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListActiveSessions returns every active session.
func (r *Repository) ListActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM class_sessions WHERE status = $1`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// TransitionStatus performs the status CAS described in store.go. The WHERE
// clause on the prior status is what guarantees exactly one winner between
// two concurrent activations or completions.
func (r *Repository) TransitionStatus(ctx context.Context, id string, expected, next Status, window *ActiveWindow) error {
	var secret sql.NullString
	var expires sql.NullTime
	if window != nil {
		secret = sql.NullString{String: window.Secret, Valid: true}
		expires = sql.NullTime{Time: window.ExpiresAt.UTC(), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE class_sessions
		SET status = $3, qr_secret = $4, qr_expires_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, expected, next, secret, expires)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// RotateSecret swaps the active window without touching status.
func (r *Repository) RotateSecret(ctx context.Context, id string, window ActiveWindow) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE class_sessions
		SET qr_secret = $2, qr_expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, window.Secret, window.ExpiresAt.UTC(), StatusActive)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// RecordAttendance inserts exactly once per (session, student). The primary
// key on that pair makes concurrent duplicate scans race-safe regardless of
// arrival order.
func (r *Repository) RecordAttendance(ctx context.Context, rec AttendanceRecord) error {
	var minutesLate sql.NullInt32
	if rec.MinutesLate != nil {
		minutesLate = sql.NullInt32{Int32: int32(*rec.MinutesLate), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (session_id, student_id, status, scanned_at, device_fingerprint, minutes_late)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec.SessionID, rec.StudentID, rec.Status, rec.ScannedAt.UTC(), rec.DeviceFingerprint, minutesLate)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateRecord
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateRecord
	}
	return nil
}

// IncrementAttendanceCount bumps the derived counter. Commutative, no lock
// needed; eventual accuracy is acceptable for dashboards.
func (r *Repository) IncrementAttendanceCount(ctx context.Context, id string) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE class_sessions
		SET attendance_count = attendance_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING attendance_count
	`, id)
	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrSessionNotFound
		}
		return 0, err
	}
	return count, nil
}

// ListAttendance returns the records for a session, most recent scan first.
func (r *Repository) ListAttendance(ctx context.Context, sessionID string) ([]AttendanceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attendanceColumns+`
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY scanned_at DESC NULLS LAST
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []AttendanceRecord
	for rows.Next() {
		var rec AttendanceRecord
		var scannedAt sql.NullTime
		var minutesLate sql.NullInt32
		if err := rows.Scan(&rec.SessionID, &rec.StudentID, &rec.Status, &scannedAt, &rec.DeviceFingerprint, &minutesLate, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if scannedAt.Valid {
			rec.ScannedAt = scannedAt.Time
		}
		if minutesLate.Valid {
			m := int(minutesLate.Int32)
			rec.MinutesLate = &m
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var secret sql.NullString
	var expires sql.NullTime
	err := row.Scan(&s.ID, &s.ClassInstanceID, &s.ProfessorID, &s.Date, &s.StartTime, &s.EndTime,
		&s.RoomLocation, &s.Status, &secret, &expires, &s.AttendanceCount, &s.TotalEnrolled,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Session{}, err
	}
	if secret.Valid {
		s.QRSecret = secret.String
	}
	if expires.Valid {
		s.QRExpiresAt = expires.Time
	}
	return s, nil
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
