package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/mamavoice/internal/live"
	"github.com/ent0n29/mamavoice/internal/observability"
	"github.com/ent0n29/mamavoice/internal/protocol"
	"github.com/ent0n29/mamavoice/internal/reliability"
	"github.com/ent0n29/mamavoice/internal/session"
)

const (
	DefaultCredentialAttempts = 3
	DefaultCredentialBackoff  = time.Second

	DefaultPingInterval = 30 * time.Second
	DefaultReadTimeout  = 120 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	// closeGrace bounds how long finish waits for an in-flight write before
	// closing the socket anyway.
	closeGrace = time.Second
)

// VADConfig holds the automatic voice-activity detection parameters applied
// to every upstream session. Sensitivities are "high", "low" or empty for the
// provider default.
type VADConfig struct {
	StartSensitivity  string
	EndSensitivity    string
	PrefixPaddingMs   int
	SilenceDurationMs int
}

type Config struct {
	Model              string
	Voice              string
	ResponseModality   live.Modality
	VAD                VADConfig
	CredentialAttempts int
	CredentialBackoff  time.Duration
	SystemPrompt       string

	// Downstream keepalive. A client that answers no ping within
	// ReadTimeout is dropped; a write stuck for WriteTimeout fails.
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// CredentialIssuer mints a short-lived, single-use provider credential.
type CredentialIssuer interface {
	Issue(ctx context.Context) (string, error)
}

type UpstreamConfig struct {
	Model               string
	Voice               string
	ResponseModality    live.Modality
	VAD                 VADConfig
	SystemInstruction   string
	InputTranscription  bool
	OutputTranscription bool
}

type Upstream interface {
	Connect(ctx context.Context, token string, cfg UpstreamConfig) (UpstreamSession, error)
}

// UpstreamSession is one provider live session. Receive returns io.EOF once
// the provider closes normally.
type UpstreamSession interface {
	SendText(text string) error
	SendAudio(pcm []byte, sampleRate int) error
	SendAudioStreamEnd() error
	Receive() (UpstreamMessage, error)
	Close() error
}

// UpstreamMessage is the provider-neutral view of one server frame. Audio
// holds little-endian PCM16 chunks at AudioRate.
type UpstreamMessage struct {
	SetupComplete    bool
	Audio            [][]byte
	AudioRate        int
	Text             string
	InputTranscript  string
	OutputTranscript string
	TurnComplete     bool
	Interrupted      bool
	GoAway           bool
}

// Downstream is the client-facing websocket. *websocket.Conn satisfies it.
type Downstream interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Tracker records relay sessions. *session.Manager satisfies it.
type Tracker interface {
	Create(userID, displayName, voiceID, model string) *session.Session
	Touch(sessionID string) error
	CompleteTurn(sessionID string) error
	Interrupt(sessionID string) error
	End(sessionID, reason string) (*session.Session, error)
}

type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithSleep replaces the wait between credential attempts.
func WithSleep(sleep reliability.SleepFunc) Option {
	return func(b *Bridge) {
		if sleep != nil {
			b.sleep = sleep
		}
	}
}

type Bridge struct {
	cfg      Config
	issuer   CredentialIssuer
	upstream Upstream
	tracker  Tracker
	metrics  *observability.Metrics
	logger   *slog.Logger
	sleep    reliability.SleepFunc
	now      func() time.Time
}

func New(cfg Config, issuer CredentialIssuer, upstream Upstream, tracker Tracker, metrics *observability.Metrics, opts ...Option) *Bridge {
	if cfg.CredentialAttempts <= 0 {
		cfg.CredentialAttempts = DefaultCredentialAttempts
	}
	if cfg.CredentialBackoff <= 0 {
		cfg.CredentialBackoff = DefaultCredentialBackoff
	}
	if cfg.ResponseModality == "" {
		cfg.ResponseModality = live.ModalityAudio
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	b := &Bridge{
		cfg:      cfg,
		issuer:   issuer,
		upstream: upstream,
		tracker:  tracker,
		metrics:  metrics,
		logger:   slog.Default(),
		sleep:    reliability.Sleep,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Serve relays one downstream connection until either side ends. onSession,
// if set, receives the tracked session ID and a cancel func that ends the
// relay from outside.
func (b *Bridge) Serve(ctx context.Context, conn Downstream, onSession func(id string, cancel context.CancelFunc)) error {
	down := newDownstream(conn, b.cfg, b.metrics)
	stopPing := down.keepAlive(b.cfg.PingInterval)
	defer stopPing()
	stopEarly := context.AfterFunc(ctx, func() { _ = conn.Close() })

	setup, err := b.awaitSetup(down)
	stopEarly()
	if err != nil {
		_ = conn.Close()
		return nil
	}

	sess := b.tracker.Create(setup.UserID, setup.DisplayName, b.cfg.Voice, b.cfg.Model)
	b.metrics.SessionEvent("started")
	defer b.metrics.SessionEvent("ended")
	log := b.logger.With("session_id", sess.ID, "user_id", sess.UserID)
	log.Info("bridge_session_started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := &relay{
		b:    b,
		id:   sess.ID,
		down: down,
		log:  log,
		tr:   newTranslator(sess.ID, b.cfg.Model, b.cfg.Voice, b.now, b.metrics),
	}
	if onSession != nil {
		onSession(sess.ID, cancel)
	}
	stop := context.AfterFunc(ctx, func() { r.finish(session.EndReasonOperator) })
	defer stop()

	token, err := b.issueCredential(ctx, log)
	if err != nil {
		r.sendError(protocol.CodeConnectTimeout, "credential", true, err.Error())
		r.finish(session.EndReasonCredential)
		return fmt.Errorf("issue credential: %w", err)
	}

	ucfg, err := b.upstreamConfig(setup)
	if err != nil {
		r.sendError(protocol.CodeInvalidMessage, "bridge", false, err.Error())
		r.finish(session.EndReasonClient)
		return err
	}
	setupStart := b.now()
	up, err := b.upstream.Connect(ctx, token, ucfg)
	if err != nil {
		b.metrics.ObserveProviderError("connect_failed")
		r.sendError(protocol.CodeTransportError, "provider", true, err.Error())
		r.finish(session.EndReasonProvider)
		return fmt.Errorf("connect upstream: %w", err)
	}
	if !r.attach(up) {
		return nil
	}
	r.tr.markSetupStarted(setupStart)
	log.Info("bridge_upstream_connected", "model", ucfg.Model, "voice", ucfg.Voice)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		r.pump(ctx)
	}()

	r.readLoop()
	r.finish(session.EndReasonClient)
	<-pumpDone
	log.Info("bridge_session_ended")
	return nil
}

func (b *Bridge) awaitSetup(down *downstream) (protocol.SessionSetup, error) {
	for {
		data, err := down.read()
		if err != nil {
			return protocol.SessionSetup{}, err
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			b.metrics.ObserveRelayMessage("inbound", "invalid")
			_ = down.write(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: protocol.CodeInvalidMessage, Source: "bridge", Detail: err.Error()})
			continue
		}
		b.metrics.ObserveRelayMessage("inbound", string(messageType(msg)))
		if setup, ok := msg.(protocol.SessionSetup); ok {
			return setup, nil
		}
		_ = down.write(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: protocol.CodeSetupRequired, Source: "bridge", Detail: "send session_setup first"})
	}
}

func (b *Bridge) issueCredential(ctx context.Context, log *slog.Logger) (string, error) {
	start := b.now()
	var token string
	err := reliability.RetryFixed(ctx, b.cfg.CredentialAttempts, b.cfg.CredentialBackoff, b.sleep,
		func(ctx context.Context, _ int) error {
			t, err := b.issuer.Issue(ctx)
			if err != nil {
				return err
			}
			if strings.TrimSpace(t) == "" {
				return errors.New("empty credential")
			}
			token = t
			return nil
		},
		func(attempt int, err error) {
			b.metrics.ObserveCredentialAttempt("retry")
			log.Warn("bridge_credential_retry", "attempt", attempt, "error", err)
		})
	if err != nil {
		b.metrics.ObserveCredentialAttempt("failed")
		log.Error("bridge_credential_failed", "attempts", b.cfg.CredentialAttempts, "error", err)
		return "", fmt.Errorf("%w: %v", live.ErrCredential, err)
	}
	b.metrics.ObserveCredentialAttempt("ok")
	b.metrics.ObserveStage(observability.StageCredential, b.now().Sub(start))
	return token, nil
}

func (b *Bridge) upstreamConfig(setup protocol.SessionSetup) (UpstreamConfig, error) {
	modality := b.cfg.ResponseModality
	if strings.TrimSpace(setup.ResponseModality) != "" {
		m, err := live.ParseModality(setup.ResponseModality)
		if err != nil {
			return UpstreamConfig{}, err
		}
		modality = m
	}
	base := b.cfg.SystemPrompt
	if strings.TrimSpace(base) == "" {
		base = live.DefaultSystemPrompt
	}
	return UpstreamConfig{
		Model:               b.cfg.Model,
		Voice:               b.cfg.Voice,
		ResponseModality:    modality,
		VAD:                 b.cfg.VAD,
		SystemInstruction:   live.BuildSystemInstruction(base, setup.DisplayName, setup.PriorContext),
		InputTranscription:  setup.InputTranscription,
		OutputTranscription: setup.OutputTranscription,
	}, nil
}

// relay is the state of one established downstream/upstream pairing.
type relay struct {
	b    *Bridge
	id   string
	down *downstream
	log  *slog.Logger
	tr   *translator

	mu       sync.Mutex
	up       UpstreamSession
	finished bool
}

func (r *relay) attach(up UpstreamSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		_ = up.Close()
		return false
	}
	r.up = up
	return true
}

func (r *relay) done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *relay) upstream() UpstreamSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.up
}

// finish ends the tracked session, tells the client why (unless the client
// is the one that left), and closes both sides. Only the first call acts.
func (r *relay) finish(reason string) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	up := r.up
	r.mu.Unlock()

	if s, err := r.b.tracker.End(r.id, reason); err == nil && s.EndReason != "" {
		reason = s.EndReason
	}
	if reason != session.EndReasonClient {
		closed := protocol.SessionClosed{Type: protocol.TypeSessionClosed, SessionID: r.id, Reason: reason}
		if err := r.down.tryWrite(closed, closeGrace); err != nil {
			r.log.Debug("bridge_session_closed_not_sent", "error", err)
		}
	}
	r.down.close(reason)
	if up != nil {
		_ = up.Close()
	}
	r.log.Info("bridge_relay_finished", "reason", reason)
}

func (r *relay) sendError(code, source string, retryable bool, detail string) {
	_ = r.down.write(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: r.id,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	})
}

func (r *relay) pump(ctx context.Context) {
	up := r.upstream()
	for {
		msg, err := up.Receive()
		if err != nil {
			if ctx.Err() != nil || r.done() {
				return
			}
			if errors.Is(err, io.EOF) {
				r.finish(session.EndReasonUpstream)
				return
			}
			r.b.metrics.ObserveProviderError("receive")
			r.log.Warn("bridge_upstream_error", "error", err)
			r.sendError(protocol.CodeProviderError, "provider", false, err.Error())
			r.finish(session.EndReasonProvider)
			return
		}
		if msg.GoAway {
			r.log.Info("bridge_upstream_go_away")
		}
		for _, out := range r.tr.translate(msg) {
			if sig, ok := out.(protocol.TurnSignal); ok {
				switch sig.Type {
				case protocol.TypeTurnComplete:
					_ = r.b.tracker.CompleteTurn(r.id)
				case protocol.TypeInterrupted:
					_ = r.b.tracker.Interrupt(r.id)
				}
			}
			if err := r.down.write(out); err != nil {
				r.finish(session.EndReasonClient)
				return
			}
		}
	}
}

func (r *relay) readLoop() {
	up := r.upstream()
	for {
		data, err := r.down.read()
		if err != nil {
			return
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			r.b.metrics.ObserveRelayMessage("inbound", "invalid")
			r.log.Debug("bridge_invalid_client_message", "error", err)
			r.sendError(protocol.CodeInvalidMessage, "bridge", false, err.Error())
			continue
		}
		r.b.metrics.ObserveRelayMessage("inbound", string(messageType(msg)))
		_ = r.b.tracker.Touch(r.id)

		switch m := msg.(type) {
		case protocol.ClientText:
			r.tr.markInputEnd()
			err = up.SendText(m.Text)
		case protocol.ClientAudioChunk:
			pcm, decodeErr := base64.StdEncoding.DecodeString(m.PCM16Base64)
			if decodeErr != nil || len(pcm)%2 != 0 {
				r.sendError(protocol.CodeInvalidMessage, "bridge", false, "client_audio_chunk is not base64 pcm16")
				continue
			}
			err = up.SendAudio(pcm, m.SampleRate)
		case protocol.AudioStreamEnd:
			r.tr.markInputEnd()
			err = up.SendAudioStreamEnd()
		case protocol.SessionSetup:
			r.log.Debug("bridge_duplicate_setup_ignored")
		}
		if err != nil {
			r.b.metrics.ObserveProviderError("send")
			r.log.Warn("bridge_upstream_send_failed", "error", err)
			r.sendError(protocol.CodeProviderError, "provider", false, err.Error())
			r.finish(session.EndReasonProvider)
			return
		}
	}
}

var errWriteBusy = errors.New("downstream write still in progress")

// downstream wraps the client socket with deadlines and a single writer
// slot shared by the pump, the read loop and finish.
type downstream struct {
	conn         Downstream
	metrics      *observability.Metrics
	readTimeout  time.Duration
	writeTimeout time.Duration
	slot         chan struct{}
}

func newDownstream(conn Downstream, cfg Config, metrics *observability.Metrics) *downstream {
	d := &downstream{
		conn:         conn,
		metrics:      metrics,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		slot:         make(chan struct{}, 1),
	}
	d.extendRead()
	conn.SetPongHandler(func(string) error {
		d.extendRead()
		return nil
	})
	return d
}

func (d *downstream) extendRead() {
	_ = d.conn.SetReadDeadline(time.Now().Add(d.readTimeout))
}

func (d *downstream) read() ([]byte, error) {
	_, data, err := d.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	d.extendRead()
	return data, nil
}

func (d *downstream) write(msg any) error {
	d.slot <- struct{}{}
	defer func() { <-d.slot }()
	return d.send(msg)
}

// tryWrite gives up when another write holds the slot for longer than wait.
func (d *downstream) tryWrite(msg any, wait time.Duration) error {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case d.slot <- struct{}{}:
		defer func() { <-d.slot }()
		return d.send(msg)
	case <-t.C:
		return errWriteBusy
	}
}

func (d *downstream) send(msg any) error {
	_ = d.conn.SetWriteDeadline(time.Now().Add(d.writeTimeout))
	if err := d.conn.WriteJSON(msg); err != nil {
		return err
	}
	d.metrics.ObserveRelayMessage("outbound", string(messageType(msg)))
	return nil
}

// keepAlive pings every interval until the returned stop func runs. A failed
// ping closes the socket so the blocked read returns.
func (d *downstream) keepAlive(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := d.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(d.writeTimeout)); err != nil {
					_ = d.conn.Close()
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// close sends a normal-closure frame and closes the socket. Control frames
// may be written while a data write is in flight.
func (d *downstream) close(reason string) {
	_ = d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(closeGrace))
	_ = d.conn.Close()
}

func messageType(msg any) protocol.MessageType {
	switch m := msg.(type) {
	case protocol.SessionSetup:
		return m.Type
	case protocol.ClientText:
		return m.Type
	case protocol.ClientAudioChunk:
		return m.Type
	case protocol.AudioStreamEnd:
		return protocol.TypeAudioStreamEnd
	case protocol.Ready:
		return m.Type
	case protocol.AssistantAudioChunk:
		return m.Type
	case protocol.AssistantTextDelta:
		return m.Type
	case protocol.InputTranscript:
		return m.Type
	case protocol.TurnSignal:
		return m.Type
	case protocol.ErrorEvent:
		return m.Type
	case protocol.SessionClosed:
		return m.Type
	default:
		return "unknown"
	}
}
