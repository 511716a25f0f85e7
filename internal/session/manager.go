package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"fsas/internal/metrics"
	"fsas/internal/token"
)

// Manager owns the session state machine. It is the single writer of the
// qrSecret/qrExpiresAt pair; the verifier only ever reads it.
type Manager struct {
	store    Store
	pub      Publisher
	log      *zap.Logger
	rotation time.Duration
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	current map[string]token.Token        // current token per active session
	stops   map[string]context.CancelFunc // rotation loop cancels
	wg      sync.WaitGroup
}

// NewManager creates a lifecycle manager. rotation is how often the active
// secret is replaced; ttl is how long each minted token stays valid and must
// be at least the rotation interval.
func NewManager(store Store, pub Publisher, log *zap.Logger, rotation, ttl time.Duration) *Manager {
	if ttl < rotation {
		ttl = rotation
	}
	return &Manager{
		store:    store,
		pub:      pub,
		log:      log,
		rotation: rotation,
		ttl:      ttl,
		now:      time.Now,
		current:  make(map[string]token.Token),
		stops:    make(map[string]context.CancelFunc),
	}
}

// Activate moves a scheduled session to active, installs the first QR
// window, and starts the rotation loop. Exactly one of two concurrent calls
// wins; the loser gets ErrAlreadyActivated.
func (m *Manager) Activate(ctx context.Context, id string) (Session, token.Token, error) {
	s, err := m.store.LoadSession(ctx, id)
	if err != nil {
		return Session{}, token.Token{}, err
	}
	switch s.Status {
	case StatusScheduled:
	case StatusActive:
		return Session{}, token.Token{}, ErrAlreadyActivated
	default:
		return Session{}, token.Token{}, ErrInvalidTransition
	}

	now := m.now().UTC()
	secret := token.NewSecret()
	tok := token.Mint(id, secret, now, m.ttl)
	window := ActiveWindow{Secret: secret, ExpiresAt: time.UnixMilli(tok.ExpiresAt).UTC()}

	if err := m.store.TransitionStatus(ctx, id, StatusScheduled, StatusActive, &window); err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost the race. Terminal outcome, never retried.
			return Session{}, token.Token{}, ErrAlreadyActivated
		}
		return Session{}, token.Token{}, err
	}

	s.Status = StatusActive
	s.QRSecret = secret
	s.QRExpiresAt = window.ExpiresAt

	m.mu.Lock()
	m.current[id] = tok
	m.mu.Unlock()
	m.startRotation(id)
	metrics.ActiveSessions.Inc()

	m.log.Info("session activated",
		zap.String("session_id", id),
		zap.Time("qr_expires_at", window.ExpiresAt))

	evt := Event{Type: EventSessionActivated, SessionID: id, Status: StatusActive, TotalEnrolled: s.TotalEnrolled, At: now}
	m.pub.Publish(ProfessorTopic(s.ProfessorID), evt)
	m.pub.Publish(SessionTopic(id), evt)
	return s, tok, nil
}

// Complete moves an active session to completed and clears the QR window.
// Completing twice returns ErrAlreadyCompleted, a no-op for the caller.
func (m *Manager) Complete(ctx context.Context, id string) (Session, error) {
	s, err := m.store.LoadSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	switch s.Status {
	case StatusActive:
	case StatusCompleted:
		return Session{}, ErrAlreadyCompleted
	default:
		return Session{}, ErrInvalidTransition
	}

	if err := m.store.TransitionStatus(ctx, id, StatusActive, StatusCompleted, nil); err != nil {
		if errors.Is(err, ErrConflict) {
			return Session{}, ErrAlreadyCompleted
		}
		return Session{}, err
	}

	s.Status = StatusCompleted
	s.QRSecret = ""
	s.QRExpiresAt = time.Time{}
	m.stopRotation(id)
	metrics.ActiveSessions.Dec()

	m.log.Info("session completed", zap.String("session_id", id), zap.Int("attendance_count", s.AttendanceCount))

	evt := Event{Type: EventSessionCompleted, SessionID: id, Status: StatusCompleted, AttendanceCount: s.AttendanceCount, TotalEnrolled: s.TotalEnrolled, At: m.now().UTC()}
	m.pub.Publish(ProfessorTopic(s.ProfessorID), evt)
	m.pub.Publish(SessionTopic(id), evt)
	return s, nil
}

// Cancel moves a scheduled or active session to cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (Session, error) {
	s, err := m.store.LoadSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Status != StatusScheduled && s.Status != StatusActive {
		return Session{}, ErrInvalidTransition
	}
	wasActive := s.Status == StatusActive

	if err := m.store.TransitionStatus(ctx, id, s.Status, StatusCancelled, nil); err != nil {
		if errors.Is(err, ErrConflict) {
			return Session{}, ErrInvalidTransition
		}
		return Session{}, err
	}

	s.Status = StatusCancelled
	s.QRSecret = ""
	s.QRExpiresAt = time.Time{}
	if wasActive {
		m.stopRotation(id)
		metrics.ActiveSessions.Dec()
	}

	m.log.Info("session cancelled", zap.String("session_id", id))

	evt := Event{Type: EventSessionStatus, SessionID: id, Status: StatusCancelled, At: m.now().UTC()}
	m.pub.Publish(ProfessorTopic(s.ProfessorID), evt)
	m.pub.Publish(SessionTopic(id), evt)
	return s, nil
}

// CurrentToken returns the token callers render as the QR image. After a
// restart the in-memory token is gone; it is re-derived from the persisted
// secret, or rotated immediately when that window has already lapsed.
func (m *Manager) CurrentToken(ctx context.Context, id string) (token.Token, error) {
	now := m.now().UTC()

	m.mu.Lock()
	tok, ok := m.current[id]
	m.mu.Unlock()
	if ok && now.UnixMilli() <= tok.ExpiresAt {
		return tok, nil
	}

	s, err := m.store.LoadSession(ctx, id)
	if err != nil {
		return token.Token{}, err
	}
	if s.Status != StatusActive {
		return token.Token{}, ErrSessionNotActive
	}

	if remaining := s.QRExpiresAt.Sub(now); remaining > 0 {
		tok = token.Mint(id, s.QRSecret, now, remaining)
	} else {
		// Window lapsed with no rotation loop running (restart).
		tok, err = m.rotateOnce(ctx, id)
		if err != nil {
			return token.Token{}, err
		}
	}

	m.mu.Lock()
	m.current[id] = tok
	m.mu.Unlock()
	return tok, nil
}

// Resume restarts rotation loops for sessions that were active when the
// process last stopped.
func (m *Manager) Resume(ctx context.Context) error {
	active, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range active {
		if _, err := m.rotateOnce(ctx, s.ID); err != nil {
			m.log.Warn("resume rotation failed", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		m.startRotation(s.ID)
		metrics.ActiveSessions.Inc()
	}
	if len(active) > 0 {
		m.log.Info("resumed active sessions", zap.Int("count", len(active)))
	}
	return nil
}

// Close stops every rotation loop and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, cancel := range m.stops {
		cancel()
		delete(m.stops, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) startRotation(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if _, running := m.stops[id]; running {
		m.mu.Unlock()
		cancel()
		return
	}
	m.stops[id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.rotateLoop(ctx, id)
}

func (m *Manager) stopRotation(id string) {
	m.mu.Lock()
	if cancel, ok := m.stops[id]; ok {
		cancel()
		delete(m.stops, id)
	}
	delete(m.current, id)
	m.mu.Unlock()
}

// rotateLoop re-mints the session secret on every tick until the session
// leaves active. A failed tick leaves the previous token valid until its own
// expiry and retries on the next tick; it never blocks scans.
func (m *Manager) rotateLoop(ctx context.Context, id string) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.rotation)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.rotateOnce(ctx, id); err != nil {
				if errors.Is(err, ErrConflict) {
					// Session no longer active; loop is done.
					m.stopRotation(id)
					return
				}
				m.log.Warn("token rotation failed, will retry",
					zap.String("session_id", id), zap.Error(err))
			}
		}
	}
}

func (m *Manager) rotateOnce(ctx context.Context, id string) (token.Token, error) {
	now := m.now().UTC()
	secret := token.NewSecret()
	tok := token.Mint(id, secret, now, m.ttl)
	window := ActiveWindow{Secret: secret, ExpiresAt: time.UnixMilli(tok.ExpiresAt).UTC()}
	if err := m.store.RotateSecret(ctx, id, window); err != nil {
		return token.Token{}, err
	}
	m.mu.Lock()
	m.current[id] = tok
	m.mu.Unlock()
	metrics.TokenRotations.Inc()
	return tok, nil
}
