package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"fsas/internal/metrics"
	"fsas/internal/token"
)

// AuditEvent flags a scan that failed cryptographic checks. Recurring
// mismatches for one (session, student) pair suggest a forged or shared
// code and are aggregated by the audit worker.
type AuditEvent struct {
	SessionID         string    `json:"session_id"`
	StudentID         string    `json:"student_id"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	Reason            string    `json:"reason"`
	At                time.Time `json:"at"`
	// ClientTimestamp is the scanner's own clock at submission, kept for
	// investigating clock-skew claims. Never used in verification.
	ClientTimestamp time.Time `json:"client_timestamp"`
}

// AuditSink receives audit events. Best-effort; a failed publish never
// changes the scan outcome.
type AuditSink interface {
	Record(ctx context.Context, evt AuditEvent) error
}

// ScanInput is one student's scan attempt.
type ScanInput struct {
	SessionID         string
	Payload           string
	StudentID         string
	DeviceFingerprint string
	ClientTimestamp   time.Time
}

// ScanResult is the successful outcome of a scan.
type ScanResult struct {
	Status          RecordStatus `json:"status"`
	MinutesLate     int          `json:"minutes_late,omitempty"`
	AttendanceCount int          `json:"attendance_count"`
}

// Verifier validates scan submissions against the active session window.
// It only reads the QR secret; the manager is the single writer.
type Verifier struct {
	store         Store
	pub           Publisher
	audit         AuditSink
	log           *zap.Logger
	lateThreshold time.Duration
	windowCutoff  time.Duration
	graceBefore   time.Duration
	deadline      time.Duration
	now           func() time.Time
}

// NewVerifier creates a verifier. audit may be nil.
func NewVerifier(store Store, pub Publisher, audit AuditSink, log *zap.Logger, lateThreshold, windowCutoff, graceBefore, deadline time.Duration) *Verifier {
	if deadline <= 0 {
		deadline = 3 * time.Second
	}
	return &Verifier{
		store:         store,
		pub:           pub,
		audit:         audit,
		log:           log,
		lateThreshold: lateThreshold,
		windowCutoff:  windowCutoff,
		graceBefore:   graceBefore,
		deadline:      deadline,
		now:           time.Now,
	}
}

// Submit runs the verification algorithm. Every failure is a typed error;
// nothing is written unless the token verified and the window was open.
// Server time is authoritative throughout; ClientTimestamp is recorded for
// audit only.
func (v *Verifier) Submit(ctx context.Context, in ScanInput) (ScanResult, error) {
	now := v.now().UTC()
	ctx, cancel := context.WithTimeout(ctx, v.deadline)
	defer cancel()

	s, err := v.store.LoadSession(ctx, in.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			metrics.ScanOutcomes.WithLabelValues("session_not_found").Inc()
			return ScanResult{}, err
		}
		return ScanResult{}, v.storeErr(ctx, err)
	}
	if s.Status != StatusActive {
		metrics.ScanOutcomes.WithLabelValues("session_not_active").Inc()
		return ScanResult{}, ErrSessionNotActive
	}

	tok, err := token.Decode(in.Payload)
	if err != nil {
		metrics.ScanOutcomes.WithLabelValues("malformed").Inc()
		return ScanResult{}, err
	}
	if err := token.Verify(tok, s.QRSecret, now); err != nil {
		switch {
		case errors.Is(err, token.ErrExpired):
			// Dominant expected failure: the frame was captured before
			// the last rotation. The client just rescans.
			metrics.ScanOutcomes.WithLabelValues("expired").Inc()
		case errors.Is(err, token.ErrSignatureMismatch):
			metrics.ScanOutcomes.WithLabelValues("signature_mismatch").Inc()
			v.flagMismatch(ctx, in, now)
		default:
			metrics.ScanOutcomes.WithLabelValues("malformed").Inc()
		}
		return ScanResult{}, err
	}

	status, minutesLate, err := Classify(s.StartTime, now, v.lateThreshold, v.windowCutoff, v.graceBefore)
	if err != nil {
		if errors.Is(err, ErrSessionWindowClosed) {
			metrics.ScanOutcomes.WithLabelValues("window_closed").Inc()
		} else {
			metrics.ScanOutcomes.WithLabelValues("too_early").Inc()
		}
		return ScanResult{}, err
	}

	rec := AttendanceRecord{
		SessionID:         in.SessionID,
		StudentID:         in.StudentID,
		Status:            status,
		ScannedAt:         now,
		DeviceFingerprint: in.DeviceFingerprint,
	}
	if status == RecordLate {
		rec.MinutesLate = &minutesLate
	}
	if err := v.store.RecordAttendance(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			// Idempotent from the student's perspective: a retried
			// request never creates or changes a record.
			metrics.ScanOutcomes.WithLabelValues("already_scanned").Inc()
			return ScanResult{}, ErrAlreadyScanned
		}
		return ScanResult{}, v.storeErr(ctx, err)
	}

	count, err := v.store.IncrementAttendanceCount(ctx, in.SessionID)
	if err != nil {
		// Counter is eventually consistent; the record is the truth.
		v.log.Warn("attendance count increment failed",
			zap.String("session_id", in.SessionID), zap.Error(err))
		count = s.AttendanceCount + 1
	}
	if s.TotalEnrolled > 0 && count > s.TotalEnrolled {
		v.log.Warn("attendance count exceeds enrollment",
			zap.String("session_id", in.SessionID),
			zap.Int("count", count), zap.Int("total_enrolled", s.TotalEnrolled))
	}

	metrics.ScanOutcomes.WithLabelValues(string(status)).Inc()
	v.pub.Publish(SessionTopic(in.SessionID), Event{
		Type:            EventAttendanceRecorded,
		SessionID:       in.SessionID,
		Status:          s.Status,
		AttendanceCount: count,
		TotalEnrolled:   s.TotalEnrolled,
		At:              now,
	})

	return ScanResult{Status: status, MinutesLate: minutesLate, AttendanceCount: count}, nil
}

// Classify derives the attendance status for a scan observed at now against
// a session starting at start. Pure; server time is the only clock.
func Classify(start, now time.Time, lateThreshold, windowCutoff, graceBefore time.Duration) (RecordStatus, int, error) {
	if now.Before(start.Add(-graceBefore)) {
		return "", 0, ErrScanTooEarly
	}
	if now.After(start.Add(windowCutoff)) {
		return "", 0, ErrSessionWindowClosed
	}
	if !now.After(start.Add(lateThreshold)) {
		return RecordPresent, 0, nil
	}
	return RecordLate, int(now.Sub(start).Minutes()), nil
}

func (v *Verifier) flagMismatch(ctx context.Context, in ScanInput, now time.Time) {
	if v.audit == nil {
		return
	}
	evt := AuditEvent{
		SessionID:         in.SessionID,
		StudentID:         in.StudentID,
		DeviceFingerprint: in.DeviceFingerprint,
		Reason:            "signature_mismatch",
		At:                now,
		ClientTimestamp:   in.ClientTimestamp,
	}
	if err := v.audit.Record(ctx, evt); err != nil {
		v.log.Warn("audit publish failed", zap.String("session_id", in.SessionID), zap.Error(err))
	}
}

// storeErr converts a deadline overrun on a store call into the typed
// ErrTimeout the client is told to retry on.
func (v *Verifier) storeErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
