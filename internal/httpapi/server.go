package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/mamavoice/internal/bridge"
	"github.com/ent0n29/mamavoice/internal/config"
	"github.com/ent0n29/mamavoice/internal/gemini"
	"github.com/ent0n29/mamavoice/internal/memory"
	"github.com/ent0n29/mamavoice/internal/observability"
	"github.com/ent0n29/mamavoice/internal/session"
)

// Relay serves one downstream live connection.
type Relay interface {
	Serve(ctx context.Context, conn bridge.Downstream, onSession func(id string, cancel context.CancelFunc)) error
}

type TokenIssuer interface {
	Issue(ctx context.Context) (string, error)
}

type ChatModel interface {
	GenerateReply(ctx context.Context, systemInstruction, prompt string, history []gemini.ChatMessage) (string, error)
}

// Deps are the optional collaborators; nil ones disable their routes.
type Deps struct {
	Relay   Relay
	Tokens  TokenIssuer
	Chat    ChatModel
	Store   memory.Store
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	relay    Relay
	tokens   TokenIssuer
	chat     ChatModel
	store    memory.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(cfg config.Config, sessions *session.Manager, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := deps.Store
	if store == nil {
		store = memory.NewInMemoryStore()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		relay:    deps.Relay,
		tokens:   deps.Tokens,
		chat:     deps.Chat,
		store:    store,
		metrics:  deps.Metrics,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originPolicy(cfg.AllowAnyOrigin),
		},
	}
}

// originPolicy admits same-origin browsers and clients that send no Origin
// at all, such as the terminal runner.
func originPolicy(allowAny bool) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if allowAny || origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		switch {
		case err != nil:
			return false
		case u.Scheme == "http", u.Scheme == "https":
			return strings.EqualFold(u.Host, r.Host)
		default:
			return false
		}
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/perf/latency", s.handlePerfLatency)
		r.Get("/onboarding/status", s.handleOnboardingStatus)
		r.Post("/chat", s.handleChat)

		r.Route("/live", func(r chi.Router) {
			r.Get("/ws", s.handleLiveWS)
			r.Post("/token", s.handleIssueToken)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Post("/sessions/{id}/end", s.handleEndSession)
		})
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/context", s.handleUserContext)
			r.Post("/messages", s.handleSaveMessage)
		})
		r.Post("/alerts", s.handleCreateAlert)
		r.Get("/alerts", s.handleListAlerts)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"relay_enabled":   s.relay != nil,
		"chat_enabled":    s.chat != nil,
		"store_mode":      memory.Mode(s.store),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "live relay not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(2 << 20)

	var sessionID string
	err = s.relay.Serve(r.Context(), conn, func(id string, cancel context.CancelFunc) {
		sessionID = id
		s.mu.Lock()
		s.cancels[id] = cancel
		s.mu.Unlock()
	})
	if sessionID != "" {
		s.mu.Lock()
		delete(s.cancels, sessionID)
		s.mu.Unlock()
	}
	if err != nil {
		s.logger.Warn("live_relay_failed", "session_id", sessionID, "error", err)
	}
}

// EndRelay cancels the relay serving sessionID, if any. It backs the
// inactivity janitor and the end-session route.
func (s *Server) EndRelay(sessionID string) {
	s.mu.Lock()
	cancel := s.cancels[sessionID]
	delete(s.cancels, sessionID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// EndAllRelays cancels every live relay. Hijacked websocket connections are
// not tracked by http.Server.Shutdown.
func (s *Server) EndAllRelays() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "token issuance not configured")
		return
	}
	token, err := s.tokens.Issue(r.Context())
	if err != nil {
		s.metrics.ObserveCredentialAttempt("failed")
		s.logger.Warn("live_token_failed", "error", err)
		respondError(w, http.StatusBadGateway, "credential_error", err.Error())
		return
	}
	s.metrics.ObserveCredentialAttempt("ok")
	respondJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"expires_in": int(s.cfg.TokenTTL.Seconds()),
		"model":      s.cfg.LiveModel,
		"voice_id":   s.cfg.Voice,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session.NewView(sess, s.sessions.InactivityTimeout()))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.sessions.End(id, session.EndReasonOperator)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.EndRelay(id)
	respondJSON(w, http.StatusOK, session.NewView(sess, s.sessions.InactivityTimeout()))
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(out)
	if errors.Is(err, io.EOF) {
		return errEmptyBody
	}
	return err
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("http_response_write_failed", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
