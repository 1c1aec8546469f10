package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/mamavoice/internal/gemini"
	"github.com/ent0n29/mamavoice/internal/live"
	"github.com/ent0n29/mamavoice/internal/memory"
	"github.com/ent0n29/mamavoice/internal/policy"
	"github.com/ent0n29/mamavoice/internal/risk"
)

const contextTurns = 20

type chatRequest struct {
	UserID      string               `json:"user_id"`
	DisplayName string               `json:"display_name"`
	Message     string               `json:"message"`
	History     []gemini.ChatMessage `json:"history"`
}

type chatResponse struct {
	Reply string      `json:"reply"`
	Risk  risk.Record `json:"risk,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "fallback chat not configured")
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	prior := ""
	if req.UserID != "" {
		turns, err := s.store.RecentContext(r.Context(), req.UserID, contextTurns)
		if err != nil {
			s.logger.Warn("chat_context_failed", "user_id", req.UserID, "error", err)
		}
		prior = memory.Summarize(turns, 0)
	}
	instruction := live.BuildSystemInstruction(live.DefaultSystemPrompt, req.DisplayName, prior)

	reply, err := s.chat.GenerateReply(r.Context(), instruction, req.Message, req.History)
	if err != nil {
		s.metrics.ObserveProviderError("chat")
		respondError(w, http.StatusBadGateway, "provider_error", err.Error())
		return
	}
	clean, rec, _ := risk.Extract(reply)
	respondJSON(w, http.StatusOK, chatResponse{Reply: clean, Risk: rec})
}

func (s *Server) handleUserContext(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	turns, err := s.store.RecentContext(r.Context(), userID, queryInt(r, "limit", contextTurns))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"summary": memory.Summarize(turns, 0),
		"turns":   len(turns),
	})
}

type messageRequest struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

func (s *Server) handleSaveMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	content, redacted := policy.RedactPII(strings.TrimSpace(req.Content))
	rec := memory.TurnRecord{
		UserID:      chi.URLParam(r, "id"),
		SessionID:   req.SessionID,
		Role:        strings.ToLower(strings.TrimSpace(req.Role)),
		Content:     content,
		PIIRedacted: redacted,
	}
	if err := s.store.SaveTurn(r.Context(), rec); err != nil {
		if errors.Is(err, memory.ErrInvalidRecord) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"stored": true, "pii_redacted": redacted})
}

type alertRequest struct {
	UserID    string      `json:"user_id"`
	SessionID string      `json:"session_id"`
	Record    risk.Record `json:"record"`
	Note      string      `json:"note"`
}

// handleCreateAlert re-assesses the record and stores it when it reaches the
// configured score threshold or a high level.
func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Record) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "record is required")
		return
	}
	assessment := risk.Assess(req.Record)
	if assessment.Score < s.cfg.AlertScoreThreshold && !assessment.Exceeds(risk.LevelHigh) {
		respondJSON(w, http.StatusAccepted, map[string]any{"stored": false, "assessment": assessment})
		return
	}
	note, _ := policy.RedactPII(req.Note)
	alert, err := s.store.SaveAlert(r.Context(), memory.Alert{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Level:     string(assessment.Level),
		Score:     assessment.Score,
		Triggers:  assessment.Triggers,
		Record:    req.Record,
		Note:      note,
	})
	if err != nil {
		if errors.Is(err, memory.ErrInvalidRecord) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	s.logger.Info("risk_alert_stored", "user_id", alert.UserID, "level", alert.Level, "score", alert.Score)
	respondJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListAlerts(r.Context(), memory.AlertFilter{
		UserID: strings.TrimSpace(r.URL.Query().Get("user_id")),
		Limit:  queryInt(r, "limit", 50),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}
