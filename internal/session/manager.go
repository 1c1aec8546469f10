package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

const (
	EndReasonClient     = "client_disconnected"
	EndReasonUpstream   = "upstream_closed"
	EndReasonInactivity = "inactivity"
	EndReasonOperator   = "ended_by_request"
	EndReasonCredential = "credential_failed"
	EndReasonProvider   = "provider_error"
)

const (
	defaultInactivity = 2 * time.Minute
	endedRetention    = 10 * time.Minute
)

var ErrNotFound = errors.New("session not found")

// Session is the bridge's bookkeeping record for one relayed live session.
// Callers always receive copies.
type Session struct {
	ID                string
	UserID            string
	DisplayName       string
	Status            Status
	Model             string
	VoiceID           string
	TurnCount         int
	InterruptionCount int
	EndReason         string
	StartedAt         time.Time
	LastActivityAt    time.Time
	EndedAt           time.Time
}

func (s *Session) idleFor(now time.Time) time.Duration { return now.Sub(s.LastActivityAt) }

func (s *Session) finish(reason string, at time.Time) {
	s.Status = StatusEnded
	s.EndReason = reason
	s.EndedAt = at
	s.LastActivityAt = at
}

// Manager tracks relay sessions in memory. Ended sessions stay readable for
// a while so operators can inspect why they ended.
type Manager struct {
	idleLimit time.Duration
	now       func() time.Time

	mu       sync.Mutex
	byID     map[string]*Session
	onExpire func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = defaultInactivity
	}
	return &Manager{
		idleLimit: inactivityTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		byID:      map[string]*Session{},
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.idleLimit }

// SetExpireHook registers a callback for sessions the janitor ends. It runs
// outside the manager lock.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	m.onExpire = hook
	m.mu.Unlock()
}

func (m *Manager) Create(userID, displayName, voiceID, model string) *Session {
	at := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		DisplayName:    displayName,
		Status:         StatusActive,
		Model:          model,
		VoiceID:        voiceID,
		StartedAt:      at,
		LastActivityAt: at,
	}
	m.mu.Lock()
	m.byID[s.ID] = s
	m.mu.Unlock()
	cp := *s
	return &cp
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	return m.with(sessionID, false, nil)
}

func (m *Manager) Touch(sessionID string) error {
	_, err := m.with(sessionID, true, nil)
	return err
}

func (m *Manager) CompleteTurn(sessionID string) error {
	_, err := m.with(sessionID, true, func(s *Session) { s.TurnCount++ })
	return err
}

func (m *Manager) Interrupt(sessionID string) error {
	_, err := m.with(sessionID, true, func(s *Session) { s.InterruptionCount++ })
	return err
}

// End marks a session ended. Ending an ended session keeps the first reason.
func (m *Manager) End(sessionID, reason string) (*Session, error) {
	return m.with(sessionID, false, func(s *Session) {
		if s.Status == StatusActive {
			s.finish(reason, m.now())
		}
	})
}

// with applies fn under the lock and returns a copy of the result. touch
// also refreshes the activity time.
func (m *Manager) with(sessionID string, touch bool, fn func(*Session)) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byID[sessionID]
	if s == nil {
		return nil, ErrNotFound
	}
	if fn != nil {
		fn(s)
	}
	if touch {
		s.LastActivityAt = m.now()
	}
	cp := *s
	return &cp, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.byID {
		if s.Status == StatusActive {
			n++
		}
	}
	return n
}

// StartJanitor sweeps idle and long-ended sessions every interval until ctx
// ends.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	at := m.now()
	m.mu.Lock()
	var expired []Session
	for id, s := range m.byID {
		switch {
		case s.Status == StatusEnded && at.Sub(s.EndedAt) >= endedRetention:
			delete(m.byID, id)
		case s.Status == StatusActive && s.idleFor(at) >= m.idleLimit:
			s.finish(EndReasonInactivity, at)
			expired = append(expired, *s)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook == nil {
		return
	}
	for i := range expired {
		hook(&expired[i])
	}
}
