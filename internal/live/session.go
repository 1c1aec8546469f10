package live

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/mamavoice/internal/audio"
	"github.com/ent0n29/mamavoice/internal/risk"
)

const DefaultConnectTimeout = 20 * time.Second

type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// ChatMessage is one logical chat entry. Partial updates of the same turn
// share an ID; the entry with Final set carries the display text with any
// risk tag removed.
type ChatMessage struct {
	ID    string
	Role  Role
	Text  string
	Final bool
}

// Turn summarizes a completed exchange for callers that log conversations.
type Turn struct {
	MessageID      string
	UserTranscript string
	AssistantText  string
	Risk           risk.Record
}

// Hooks are invoked outside the session lock. Any may be nil.
type Hooks struct {
	OnStatus       func(status Status, err error)
	OnMessage      func(msg ChatMessage)
	OnRisk         func(rec risk.Record)
	OnTranscript   func(text string)
	OnTurnComplete func(turn Turn)
	OnInterrupted  func()
	OnAudio        func(f audio.Frame)
	OnSpeaking     func(speaking bool)
	OnUserSpeech   func(speaking bool)
	OnMicFrame     func(f audio.Frame, peak float64)
	OnError        func(err error)
}

// Player is the playback side the session drives.
type Player interface {
	Enqueue(f audio.Frame) time.Duration
	StopAll()
	Close() error
}

// Microphone is the capture side the session drives.
type Microphone interface {
	Start(ctx context.Context, onFrame audio.FrameFunc, onErr func(error)) error
	Stop() error
}

type Option func(*Session)

func WithClock(c audio.Clock) Option { return func(s *Session) { s.clock = c } }

func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Session is the turn-taking state machine for one conversation. It is
// single use: once it reaches Disconnected or Error after Connect, a new
// Session with fresh resources is required.
type Session struct {
	cfg            SessionConfig
	transport      Transport
	player         Player
	mic            Microphone
	hooks          Hooks
	clock          audio.Clock
	connectTimeout time.Duration
	logger         *slog.Logger

	mu            sync.Mutex
	status        Status
	err           error
	used          bool
	terminal      bool
	configSent    bool
	utteranceOpen bool
	micOn         bool

	msgID      string
	turnText   string
	turnFinal  bool
	turnClean  string
	turnRisk   risk.Record
	transcript string

	ready     chan struct{}
	readyOnce sync.Once
	ended     chan struct{}
}

// NewSession wires a session. player and mic may be nil for text-only use.
func NewSession(cfg SessionConfig, transport Transport, player Player, mic Microphone, hooks Hooks, opts ...Option) *Session {
	s := &Session{
		cfg:            cfg,
		transport:      transport,
		player:         player,
		mic:            mic,
		hooks:          hooks,
		clock:          audio.NewSystemClock(),
		connectTimeout: DefaultConnectTimeout,
		logger:         slog.Default(),
		status:         StatusDisconnected,
		ready:          make(chan struct{}),
		ended:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if sp, ok := player.(interface{ OnSpeakingChange(func(bool)) }); ok && hooks.OnSpeaking != nil {
		sp.OnSpeakingChange(hooks.OnSpeaking)
	}
	return s
}

func (s *Session) Config() SessionConfig { return s.cfg }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err is the error that moved the session to StatusError, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.ended }

// Connect opens the transport and waits for the provider's ready
// acknowledgment. Both steps share one hard timeout.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return ErrSessionUsed
	}
	s.used = true
	s.status = StatusConnecting
	s.mu.Unlock()

	s.logger.Info("session_connecting", "model", s.cfg.ModelID, "voice", s.cfg.VoiceID, "modality", s.cfg.ResponseModality)
	s.notifyStatus(StatusConnecting, nil)

	cctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := s.clock.AfterFunc(s.connectTimeout, func() { cancel(ErrConnectTimeout) })
	defer timer.Stop()

	if err := s.transport.Open(cctx); err != nil {
		err = s.classifyConnectErr(cctx, err)
		s.fail(err)
		return err
	}
	go s.run()

	select {
	case <-s.ready:
		return nil
	case <-s.ended:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrNotConnected
	case <-cctx.Done():
		err := s.classifyConnectErr(cctx, cctx.Err())
		s.fail(err)
		return err
	}
}

func (s *Session) classifyConnectErr(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrConnectTimeout) {
		if errors.Is(err, ErrConnectTimeout) {
			return err
		}
		return newError(ErrConnectTimeout, "no ready acknowledgment within %s", s.connectTimeout)
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	if ctx.Err() != nil {
		return newError(ErrTransport, "connect canceled: %v", err)
	}
	return newError(ErrTransport, "%v", err)
}

func (s *Session) run() {
	for ev := range s.transport.Events() {
		s.HandleEvent(ev)
	}
}

// HandleEvent applies one inbound event. It is the only path by which
// transport input changes session state.
func (s *Session) HandleEvent(ev Event) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}

	var notes []func()
	switch ev.Kind {
	case EventOpened:
		s.sendConfigLocked()

	case EventReady:
		s.sendConfigLocked()
		if s.status == StatusConnecting {
			s.status = StatusConnected
			s.logger.Info("session_connected", "server_vad", s.transport.ServerVAD())
			notes = append(notes, func() {
				s.notifyStatus(StatusConnected, nil)
				s.readyOnce.Do(func() { close(s.ready) })
			})
		}

	case EventAudioChunk:
		if s.status != StatusConnected {
			s.logger.Debug("session_audio_dropped", "status", s.status.String())
			break
		}
		frame := ev.Frame
		notes = append(notes, func() {
			if s.player != nil {
				s.player.Enqueue(frame)
			}
			if s.hooks.OnAudio != nil {
				s.hooks.OnAudio(frame)
			}
		})

	case EventPartialText:
		if ev.Text == "" || s.turnFinal {
			break
		}
		if s.msgID == "" {
			s.msgID = uuid.NewString()
		}
		s.turnText += ev.Text
		msg := ChatMessage{ID: s.msgID, Role: RoleAssistant, Text: risk.HidePartial(s.turnText)}
		notes = append(notes, func() { s.emitMessage(msg) })

	case EventFinalText:
		if s.msgID == "" {
			s.msgID = uuid.NewString()
		}
		clean, rec, ok := risk.Extract(ev.Text)
		s.turnText = ev.Text
		s.turnFinal = true
		s.turnClean = clean
		msg := ChatMessage{ID: s.msgID, Role: RoleAssistant, Text: clean, Final: true}
		notes = append(notes, func() { s.emitMessage(msg) })
		if ok {
			s.turnRisk = rec
			notes = append(notes, func() { s.emitRisk(rec) })
		}

	case EventInputTranscript:
		s.transcript += ev.Text
		text := s.transcript
		notes = append(notes, func() {
			if s.hooks.OnTranscript != nil {
				s.hooks.OnTranscript(text)
			}
		})

	case EventTurnComplete:
		notes = append(notes, s.completeTurnLocked()...)

	case EventInterrupted:
		s.logger.Debug("session_interrupted")
		notes = append(notes, func() {
			if s.player != nil {
				s.player.StopAll()
			}
			if s.hooks.OnInterrupted != nil {
				s.hooks.OnInterrupted()
			}
		})

	case EventSpeechStarted, EventSpeechEnded:
		speaking := ev.Kind == EventSpeechStarted
		notes = append(notes, func() {
			if s.hooks.OnUserSpeech != nil {
				s.hooks.OnUserSpeech(speaking)
			}
		})

	case EventError:
		s.mu.Unlock()
		err := ev.Err
		if err == nil {
			err = newError(ErrProvider, "unspecified provider error")
		}
		s.fail(err)
		return

	case EventClosed:
		connecting := s.status == StatusConnecting
		s.mu.Unlock()
		switch {
		case ev.Err != nil:
			s.fail(ev.Err)
		case connecting:
			s.fail(newError(ErrTransport, "channel closed before ready"))
		default:
			s.logger.Info("session_closed_by_peer")
			s.end(StatusDisconnected, nil)
		}
		return
	}
	s.mu.Unlock()

	for _, fn := range notes {
		fn()
	}
}

func (s *Session) sendConfigLocked() {
	if s.configSent {
		return
	}
	if s.transport.Send(Outbound{Kind: OutboundSetup, Config: s.cfg}) {
		s.configSent = true
		s.logger.Debug("session_config_sent")
	}
}

func (s *Session) completeTurnLocked() []func() {
	var notes []func()
	if !s.turnFinal && s.turnText != "" {
		clean, rec, ok := risk.Extract(s.turnText)
		s.turnClean = clean
		msg := ChatMessage{ID: s.msgID, Role: RoleAssistant, Text: clean, Final: true}
		notes = append(notes, func() { s.emitMessage(msg) })
		if ok {
			s.turnRisk = rec
			notes = append(notes, func() { s.emitRisk(rec) })
		}
	}

	turn := Turn{
		MessageID:      s.msgID,
		UserTranscript: strings.TrimSpace(s.transcript),
		AssistantText:  s.turnClean,
		Risk:           s.turnRisk,
	}
	hadTranscript := s.transcript != ""

	s.msgID = ""
	s.turnText = ""
	s.turnFinal = false
	s.turnClean = ""
	s.turnRisk = nil
	s.transcript = ""

	notes = append(notes, func() {
		if hadTranscript && s.hooks.OnTranscript != nil {
			s.hooks.OnTranscript("")
		}
		if s.hooks.OnTurnComplete != nil {
			s.hooks.OnTurnComplete(turn)
		}
	})
	return notes
}

// SendText sends one complete user turn.
func (s *Session) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("text is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal || s.status != StatusConnected {
		return ErrNotConnected
	}
	if !s.transport.Send(Outbound{Kind: OutboundText, Text: text}) {
		return ErrNotConnected
	}
	return nil
}

// SendAudioChunk forwards one capture frame. It reports false when the frame
// was dropped because the session or channel is not connected.
func (s *Session) SendAudioChunk(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal || s.status != StatusConnected {
		return false
	}
	if !s.transport.ServerVAD() && !s.utteranceOpen {
		if !s.transport.Send(Outbound{Kind: OutboundActivityStart}) {
			return false
		}
		s.utteranceOpen = true
	}
	return s.transport.Send(Outbound{Kind: OutboundAudio, Frame: f})
}

// SendAudioStreamEnd marks the end of the user's utterance. Without server
// side detection this is what triggers the response.
func (s *Session) SendAudioStreamEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal || s.status != StatusConnected {
		return false
	}
	if !s.transport.ServerVAD() {
		if !s.utteranceOpen {
			return false
		}
		s.utteranceOpen = false
		return s.transport.Send(Outbound{Kind: OutboundActivityEnd})
	}
	return s.transport.Send(Outbound{Kind: OutboundAudioStreamEnd})
}

// StartMicrophone begins streaming capture frames. Capture failures move the
// session to StatusError.
func (s *Session) StartMicrophone(ctx context.Context) error {
	if s.mic == nil {
		return newError(ErrDeviceUnavailable, "no microphone configured")
	}
	s.mu.Lock()
	if s.terminal || s.status != StatusConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.micOn {
		s.mu.Unlock()
		return nil
	}
	s.micOn = true
	s.mu.Unlock()

	err := s.mic.Start(ctx, s.onMicFrame, s.onMicError)
	if errors.Is(err, audio.ErrCaptureRunning) {
		return nil
	}
	if err != nil {
		s.mu.Lock()
		s.micOn = false
		s.mu.Unlock()
		s.logger.Warn("session_microphone_failed", "error", err)
		s.fail(err)
		return err
	}
	s.logger.Info("session_microphone_started")
	return nil
}

// StopMicrophone stops capture and ends the current utterance.
func (s *Session) StopMicrophone() error {
	s.mu.Lock()
	on := s.micOn
	s.micOn = false
	s.mu.Unlock()
	if !on || s.mic == nil {
		return nil
	}
	err := s.mic.Stop()
	s.SendAudioStreamEnd()
	s.logger.Info("session_microphone_stopped")
	return err
}

func (s *Session) MicrophoneOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micOn
}

func (s *Session) onMicFrame(f audio.Frame, peak float64) {
	if s.hooks.OnMicFrame != nil {
		s.hooks.OnMicFrame(f, peak)
	}
	s.SendAudioChunk(f)
}

func (s *Session) onMicError(err error) {
	s.mu.Lock()
	s.micOn = false
	s.mu.Unlock()
	s.fail(err)
}

// Disconnect ends the session. Repeated calls are no-ops.
func (s *Session) Disconnect() error {
	s.end(StatusDisconnected, nil)
	return nil
}

func (s *Session) fail(err error) {
	s.end(StatusError, err)
}

func (s *Session) end(status Status, err error) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.used = true
	prev := s.status
	s.status = status
	s.err = err
	s.micOn = false
	s.utteranceOpen = false
	close(s.ended)
	s.mu.Unlock()

	if s.mic != nil {
		_ = s.mic.Stop()
	}
	if s.player != nil {
		s.player.StopAll()
		_ = s.player.Close()
	}
	_ = s.transport.Close()

	if err != nil {
		s.logger.Warn("session_failed", "from", prev.String(), "error", err)
	} else {
		s.logger.Info("session_disconnected", "from", prev.String())
	}
	if prev != status {
		s.notifyStatus(status, err)
	}
	if err != nil && s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}

func (s *Session) notifyStatus(st Status, err error) {
	if s.hooks.OnStatus != nil {
		s.hooks.OnStatus(st, err)
	}
}

func (s *Session) emitMessage(msg ChatMessage) {
	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(msg)
	}
}

func (s *Session) emitRisk(rec risk.Record) {
	if s.hooks.OnRisk != nil {
		s.hooks.OnRisk(rec)
	}
}
