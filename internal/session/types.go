package session

import "time"

// View is the HTTP representation of a tracked live session.
type View struct {
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	DisplayName       string    `json:"display_name"`
	Status            Status    `json:"status"`
	Model             string    `json:"model"`
	VoiceID           string    `json:"voice_id"`
	TurnCount         int       `json:"turn_count"`
	InterruptionCount int       `json:"interruption_count"`
	EndReason         string    `json:"end_reason,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	InactivityTTLMS   int64     `json:"inactivity_ttl_ms"`
}

func NewView(s *Session, inactivity time.Duration) View {
	return View{
		SessionID:         s.ID,
		UserID:            s.UserID,
		DisplayName:       s.DisplayName,
		Status:            s.Status,
		Model:             s.Model,
		VoiceID:           s.VoiceID,
		TurnCount:         s.TurnCount,
		InterruptionCount: s.InterruptionCount,
		EndReason:         s.EndReason,
		StartedAt:         s.StartedAt,
		LastActivityAt:    s.LastActivityAt,
		InactivityTTLMS:   inactivity.Milliseconds(),
	}
}
