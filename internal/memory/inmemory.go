package memory

import (
	"context"
	"slices"
	"sync"
	"time"
)

// InMemoryStore keeps everything in process. It is used when no database
// is configured and in tests.
type InMemoryStore struct {
	mu     sync.Mutex
	turns  []TurnRecord
	alerts []Alert
}

func NewInMemoryStore() *InMemoryStore { return &InMemoryStore{} }

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	if err := record.prepare(time.Now().UTC()); err != nil {
		return err
	}
	s.mu.Lock()
	s.turns = append(s.turns, record)
	s.mu.Unlock()
	return nil
}

// RecentContext returns the user's last limit turns, oldest first.
func (s *InMemoryStore) RecentContext(_ context.Context, userID string, limit int) ([]TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mine []TurnRecord
	for _, t := range s.turns {
		if t.UserID == userID {
			mine = append(mine, t)
		}
	}
	if limit > 0 && len(mine) > limit {
		mine = mine[len(mine)-limit:]
	}
	return mine, nil
}

func (s *InMemoryStore) SaveAlert(_ context.Context, alert Alert) (Alert, error) {
	if err := alert.prepare(time.Now().UTC()); err != nil {
		return Alert{}, err
	}
	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	s.mu.Unlock()
	return alert, nil
}

// ListAlerts returns alerts newest first.
func (s *InMemoryStore) ListAlerts(_ context.Context, filter AlertFilter) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Alert{}
	for _, a := range slices.Backward(s.alerts) {
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
		if filter.UserID == "" || a.UserID == filter.UserID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
