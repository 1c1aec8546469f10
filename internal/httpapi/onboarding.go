package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ent0n29/mamavoice/internal/memory"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	LiveModel string            `json:"live_model"`
	Voice     string            `json:"voice"`
	StoreMode string            `json:"store_mode"`
	Checks    []onboardingCheck `json:"checks"`
}

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]onboardingCheck, 0, 6)

	if strings.TrimSpace(s.cfg.GeminiAPIKey) == "" {
		checks = append(checks, onboardingCheck{
			ID:     "gemini_key",
			Status: "error",
			Label:  "Gemini API key",
			Detail: "GEMINI_API_KEY is not set",
			Fix:    "Set GEMINI_API_KEY and restart the bridge.",
		})
	} else {
		checks = append(checks, onboardingCheck{ID: "gemini_key", Status: "ok", Label: "Gemini API key", Detail: "present"})
	}

	checks = append(checks,
		enabledCheck("live_relay", "Live relay", s.relay != nil),
		enabledCheck("live_token", "Ephemeral tokens", s.tokens != nil),
		enabledCheck("fallback_chat", "Fallback chat", s.chat != nil),
	)

	mode := memory.Mode(s.store)
	switch mode {
	case memory.ModeInMemory:
		checks = append(checks, onboardingCheck{
			ID:     "store",
			Status: "warn",
			Label:  "Conversation persistence",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL to keep prior context and alerts across restarts.",
		})
	default:
		checks = append(checks, onboardingCheck{ID: "store", Status: "ok", Label: "Conversation persistence", Detail: mode})
	}

	checks = append(checks, onboardingCheck{
		ID:     "alert_threshold",
		Status: "ok",
		Label:  "Risk alert threshold",
		Detail: fmt.Sprintf("score >= %d or high level", s.cfg.AlertScoreThreshold),
	})

	respondJSON(w, http.StatusOK, onboardingStatusResponse{
		LiveModel: s.cfg.LiveModel,
		Voice:     s.cfg.Voice,
		StoreMode: mode,
		Checks:    checks,
	})
}

func enabledCheck(id, label string, enabled bool) onboardingCheck {
	if enabled {
		return onboardingCheck{ID: id, Status: "ok", Label: label, Detail: "enabled"}
	}
	return onboardingCheck{
		ID:     id,
		Status: "error",
		Label:  label,
		Detail: "disabled",
		Fix:    "Configure GEMINI_API_KEY so the bridge can reach the provider.",
	}
}
