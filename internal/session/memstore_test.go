package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store with the same CAS and uniqueness semantics
// as the Postgres repository.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	records  map[string]AttendanceRecord

	loadDelay     time.Duration
	failIncrement bool
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]Session),
		records:  make(map[string]AttendanceRecord),
	}
}

func (m *memStore) put(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *memStore) get(id string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *memStore) recordCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if rec.SessionID == sessionID {
			n++
		}
	}
	return n
}

func (m *memStore) CreateSession(_ context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = StatusScheduled
	}
	m.put(s)
	return s, nil
}

func (m *memStore) LoadSession(ctx context.Context, id string) (Session, error) {
	if m.loadDelay > 0 {
		select {
		case <-time.After(m.loadDelay):
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *memStore) ListSessions(_ context.Context, professorID string, _ time.Time, _ int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Session
	for _, s := range m.sessions {
		if professorID == "" || s.ProfessorID == professorID {
			res = append(res, s)
		}
	}
	return res, nil
}

func (m *memStore) ListActiveSessions(_ context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Session
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			res = append(res, s)
		}
	}
	return res, nil
}

func (m *memStore) TransitionStatus(_ context.Context, id string, expected, next Status, window *ActiveWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != expected {
		return ErrConflict
	}
	s.Status = next
	if window != nil {
		s.QRSecret = window.Secret
		s.QRExpiresAt = window.ExpiresAt
	} else {
		s.QRSecret = ""
		s.QRExpiresAt = time.Time{}
	}
	m.sessions[id] = s
	return nil
}

func (m *memStore) RotateSecret(_ context.Context, id string, window ActiveWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != StatusActive {
		return ErrConflict
	}
	s.QRSecret = window.Secret
	s.QRExpiresAt = window.ExpiresAt
	m.sessions[id] = s
	return nil
}

func (m *memStore) RecordAttendance(_ context.Context, rec AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.SessionID + "|" + rec.StudentID
	if _, exists := m.records[key]; exists {
		return ErrDuplicateRecord
	}
	m.records[key] = rec
	return nil
}

func (m *memStore) IncrementAttendanceCount(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIncrement {
		return 0, context.DeadlineExceeded
	}
	s, ok := m.sessions[id]
	if !ok {
		return 0, ErrSessionNotFound
	}
	s.AttendanceCount++
	m.sessions[id] = s
	return s.AttendanceCount, nil
}

// capturePub records published events for assertions.
type capturePub struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	topic string
	event Event
}

func (p *capturePub) Publish(topic string, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{topic: topic, event: event})
}

func (p *capturePub) byType(eventType string) []capturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var res []capturedEvent
	for _, e := range p.events {
		if e.event.Type == eventType {
			res = append(res, e)
		}
	}
	return res
}

// captureAudit records audit events.
type captureAudit struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *captureAudit) Record(_ context.Context, evt AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, evt)
	return nil
}

func (a *captureAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}
