// Package session implements the attendance session engine: the session
// state machine, QR secret rotation, and scan verification against the
// active window.
package session

import "time"

// Status is the lifecycle state of a class session.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// RecordStatus is the outcome recorded for one student in one session.
type RecordStatus string

const (
	RecordPresent RecordStatus = "present"
	RecordLate    RecordStatus = "late"
	RecordExcused RecordStatus = "excused"
	RecordAbsent  RecordStatus = "absent"
)

// Session is one scheduled meeting of a class. QRSecret and QRExpiresAt are
// set iff Status == StatusActive; the store enforces that with a check
// constraint and this package never writes a state violating it.
type Session struct {
	ID              string    `json:"id"`
	ClassInstanceID string    `json:"class_instance_id"`
	ProfessorID     string    `json:"professor_id"`
	Date            time.Time `json:"date"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	RoomLocation    string    `json:"room_location"`
	Status          Status    `json:"status"`
	QRSecret        string    `json:"-"`
	QRExpiresAt     time.Time `json:"qr_expires_at,omitempty"`
	AttendanceCount int       `json:"attendance_count"`
	TotalEnrolled   int       `json:"total_enrolled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AttendanceRecord is one student's outcome for one session. At most one
// record exists per (SessionID, StudentID); a second scan never overwrites
// the first.
type AttendanceRecord struct {
	SessionID         string       `json:"session_id"`
	StudentID         string       `json:"student_id"`
	Status            RecordStatus `json:"status"`
	ScannedAt         time.Time    `json:"scanned_at"`
	DeviceFingerprint string       `json:"device_fingerprint"`
	MinutesLate       *int         `json:"minutes_late,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// ActiveWindow carries the secret and expiry written alongside an
// activation or rotation.
type ActiveWindow struct {
	Secret    string
	ExpiresAt time.Time
}
