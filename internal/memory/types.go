package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidRecord = errors.New("invalid record")

// TurnRecord stores a single user or assistant conversational turn.
type TurnRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Alert is a risk assessment that crossed the caller's threshold.
type Alert struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	Level     string         `json:"level"`
	Score     int            `json:"score"`
	Triggers  []string       `json:"triggers,omitempty"`
	Record    map[string]int `json:"record,omitempty"`
	Note      string         `json:"note,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type AlertFilter struct {
	UserID string
	Limit  int
}

// Store persists conversation turns and risk alerts.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error)
	SaveAlert(ctx context.Context, alert Alert) (Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)
	Close() error
}

// prepare validates a turn and fills in the ID and timestamp.
func (r *TurnRecord) prepare(now time.Time) error {
	switch {
	case r.UserID == "":
		return invalid("user_id is required")
	case r.Role != "user" && r.Role != "assistant":
		return invalid("role must be user or assistant")
	case r.Content == "":
		return invalid("content is required")
	}
	r.ID = cmp.Or(r.ID, uuid.NewString())
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	return nil
}

func (a *Alert) prepare(now time.Time) error {
	switch {
	case a.UserID == "":
		return invalid("user_id is required")
	case a.Level == "":
		return invalid("level is required")
	}
	a.ID = cmp.Or(a.ID, uuid.NewString())
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.Triggers == nil {
		a.Triggers = []string{}
	}
	if a.Record == nil {
		a.Record = map[string]int{}
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, msg)
}
