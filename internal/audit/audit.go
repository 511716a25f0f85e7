// Package audit aggregates scan attempts that failed cryptographic checks.
// One mismatch is noise (a stale screenshot, a glitchy camera); the same
// (session, student) pair failing repeatedly is the signature of a forged or
// shared code and gets flagged.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fsas/internal/metrics"
	"fsas/internal/queue"
	"fsas/internal/session"
)

// MessageType identifies audit events on the queue.
const MessageType = "scan_audit"

// FlagThreshold is the mismatch count at which a pair is reported.
const FlagThreshold = 3

// Sink publishes verifier audit events onto the queue. Implements
// session.AuditSink.
type Sink struct {
	q queue.Queue
}

// NewSink wraps a queue as an audit sink.
func NewSink(q queue.Queue) *Sink {
	return &Sink{q: q}
}

// Record enqueues one audit event.
func (s *Sink) Record(ctx context.Context, evt session.AuditEvent) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.q.Publish(ctx, queue.Message{Type: MessageType, Body: raw})
}

// Repo persists mismatch tallies.
type Repo struct {
	db *sql.DB
}

// NewRepo creates an audit repo.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Bump increments the tally for a pair and returns the new count.
func (r *Repo) Bump(ctx context.Context, evt session.AuditEvent) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO scan_audit (id, session_id, student_id, reason, first_seen_at, last_seen_at)
		VALUES ($1,$2,$3,$4,$5,$5)
		ON CONFLICT (session_id, student_id, reason) DO UPDATE SET
			mismatch_count = scan_audit.mismatch_count + 1,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING mismatch_count
	`, uuid.NewString(), evt.SessionID, evt.StudentID, evt.Reason, evt.At.UTC())
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Counter abstracts the tally store so the monitor is testable without
// Postgres.
type Counter interface {
	Bump(ctx context.Context, evt session.AuditEvent) (int, error)
}

// Monitor consumes audit events and flags repeat offenders.
type Monitor struct {
	counter   Counter
	log       *zap.Logger
	threshold int
}

// NewMonitor creates a monitor with the default flag threshold.
func NewMonitor(counter Counter, log *zap.Logger) *Monitor {
	return &Monitor{counter: counter, log: log, threshold: FlagThreshold}
}

// Run consumes messages until ctx is cancelled or the queue closes.
func (m *Monitor) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		if msg.Type != MessageType {
			continue
		}
		var evt session.AuditEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			m.log.Warn("bad audit message", zap.Error(err))
			continue
		}
		m.Handle(ctx, evt)
	}
	return ctx.Err()
}

// Handle tallies one event and flags the pair when it crosses the threshold.
func (m *Monitor) Handle(ctx context.Context, evt session.AuditEvent) {
	count, err := m.counter.Bump(ctx, evt)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.log.Warn("audit tally failed",
				zap.String("session_id", evt.SessionID),
				zap.String("student_id", evt.StudentID),
				zap.Error(err))
		}
		return
	}
	if count == m.threshold {
		metrics.AuditFlags.Inc()
		m.log.Warn("repeated signature mismatches, flagging for review",
			zap.String("session_id", evt.SessionID),
			zap.String("student_id", evt.StudentID),
			zap.String("device_fingerprint", evt.DeviceFingerprint),
			zap.Int("mismatch_count", count),
			zap.Time("last_seen", evt.At))
	}
}

// memCounter is the in-memory Counter used in dev when Postgres is down.
type memCounter struct {
	counts map[string]int
}

// NewMemCounter returns a Counter that tallies in process memory.
func NewMemCounter() Counter {
	return &memCounter{counts: make(map[string]int)}
}

func (c *memCounter) Bump(_ context.Context, evt session.AuditEvent) (int, error) {
	key := evt.SessionID + "|" + evt.StudentID + "|" + evt.Reason
	c.counts[key]++
	return c.counts[key], nil
}

var _ session.AuditSink = (*Sink)(nil)
