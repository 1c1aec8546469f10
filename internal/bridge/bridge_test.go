package bridge

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/mamavoice/internal/live"
	"github.com/ent0n29/mamavoice/internal/observability"
	"github.com/ent0n29/mamavoice/internal/protocol"
	"github.com/ent0n29/mamavoice/internal/session"
)

type fakeDown struct {
	in        chan []byte
	out       chan any
	closed    chan struct{}
	closeOnce sync.Once
	// stall makes WriteJSON block until Close, like a client that stopped
	// reading with a full socket buffer.
	stall   atomic.Bool
	stalled chan struct{}

	mu         sync.Mutex
	closeCodes []int
	pings      int
}

func newFakeDown() *fakeDown {
	return &fakeDown{
		in:      make(chan []byte, 16),
		out:     make(chan any, 64),
		closed:  make(chan struct{}),
		stalled: make(chan struct{}, 1),
	}
}

func (d *fakeDown) ReadMessage() (int, []byte, error) {
	select {
	case <-d.closed:
		return 0, nil, io.EOF
	case b := <-d.in:
		return 1, b, nil
	}
}

func (d *fakeDown) WriteJSON(v any) error {
	if d.stall.Load() {
		select {
		case d.stalled <- struct{}{}:
		default:
		}
		<-d.closed
		return errors.New("closed")
	}
	select {
	case <-d.closed:
		return errors.New("closed")
	default:
	}
	d.out <- v
	return nil
}

func (d *fakeDown) WriteControl(messageType int, data []byte, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch messageType {
	case websocket.CloseMessage:
		code := -1
		if len(data) >= 2 {
			code = int(binary.BigEndian.Uint16(data))
		}
		d.closeCodes = append(d.closeCodes, code)
	case websocket.PingMessage:
		d.pings++
	}
	return nil
}

func (d *fakeDown) SetReadDeadline(time.Time) error  { return nil }
func (d *fakeDown) SetWriteDeadline(time.Time) error { return nil }
func (d *fakeDown) SetPongHandler(func(string) error) {}

func (d *fakeDown) closeCodesSent() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.closeCodes...)
}

func (d *fakeDown) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDown) send(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	d.in <- raw
}

func (d *fakeDown) next(t *testing.T) any {
	t.Helper()
	select {
	case v := <-d.out:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for downstream message")
	}
	return nil
}

type fakeIssuer struct {
	failures int
	calls    atomic.Int32
}

func (f *fakeIssuer) Issue(context.Context) (string, error) {
	n := int(f.calls.Add(1))
	if n <= f.failures {
		return "", errors.New("token service unavailable")
	}
	return "auth_tokens/ephemeral", nil
}

type fakeUpstreamSession struct {
	recv      chan UpstreamMessage
	sent      chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeUpstreamSession) SendText(text string) error {
	s.sent <- "text:" + text
	return nil
}

func (s *fakeUpstreamSession) SendAudio(pcm []byte, rate int) error {
	s.sent <- "audio:" + base64.StdEncoding.EncodeToString(pcm)
	return nil
}

func (s *fakeUpstreamSession) SendAudioStreamEnd() error {
	s.sent <- "stream_end"
	return nil
}

func (s *fakeUpstreamSession) Receive() (UpstreamMessage, error) {
	select {
	case <-s.closed:
		return UpstreamMessage{}, io.EOF
	case msg, ok := <-s.recv:
		if !ok {
			return UpstreamMessage{}, io.EOF
		}
		return msg, nil
	}
}

func (s *fakeUpstreamSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fakeUpstream struct {
	mu      sync.Mutex
	token   string
	cfg     UpstreamConfig
	session *fakeUpstreamSession
	ready   chan struct{}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		session: &fakeUpstreamSession{
			recv:   make(chan UpstreamMessage, 16),
			sent:   make(chan string, 16),
			closed: make(chan struct{}),
		},
		ready: make(chan struct{}),
	}
}

func (u *fakeUpstream) Connect(_ context.Context, token string, cfg UpstreamConfig) (UpstreamSession, error) {
	u.mu.Lock()
	u.token = token
	u.cfg = cfg
	u.mu.Unlock()
	close(u.ready)
	return u.session, nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return nil
}

func testBridge(issuer CredentialIssuer, up Upstream, tracker Tracker, sleeps *sleepRecorder, metrics *observability.Metrics) *Bridge {
	return New(Config{
		Model: "gemini-live-2.5-flash-preview",
		Voice: "Aoede",
		VAD:   VADConfig{StartSensitivity: "high", EndSensitivity: "low", PrefixPaddingMs: 20, SilenceDurationMs: 500},
	}, issuer, up, tracker, metrics, WithSleep(sleeps.sleep))
}

func serve(b *Bridge, down *fakeDown, onSession func(string, context.CancelFunc)) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(context.Background(), down, onSession) }()
	return errCh
}

func setupMessage() protocol.SessionSetup {
	return protocol.SessionSetup{
		Type:               protocol.TypeSessionSetup,
		UserID:             "u1",
		DisplayName:        "Amara",
		PriorContext:       "Week 32. Mild swelling reported last week.",
		InputTranscription: true,
	}
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve() did not return")
	}
	return nil
}

func TestServeRetriesCredentialThenRelays(t *testing.T) {
	issuer := &fakeIssuer{failures: 2}
	up := newFakeUpstream()
	tracker := session.NewManager(time.Minute)
	sleeps := &sleepRecorder{}
	metrics := observability.NewMetricsWith("test", prometheus.NewRegistry())
	down := newFakeDown()

	var sessionID string
	errCh := serve(testBridge(issuer, up, tracker, sleeps, metrics), down, func(id string, _ context.CancelFunc) { sessionID = id })
	down.send(t, setupMessage())

	select {
	case <-up.ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream never connected")
	}
	if got := issuer.calls.Load(); got != 3 {
		t.Fatalf("Issue() calls = %d, want 3", got)
	}
	sleeps.mu.Lock()
	if len(sleeps.waits) != 2 || sleeps.waits[0] != time.Second || sleeps.waits[1] != time.Second {
		t.Fatalf("backoff waits = %v, want [1s 1s]", sleeps.waits)
	}
	sleeps.mu.Unlock()

	up.mu.Lock()
	if up.token != "auth_tokens/ephemeral" {
		t.Fatalf("token = %q", up.token)
	}
	if up.cfg.Voice != "Aoede" || up.cfg.VAD.SilenceDurationMs != 500 || !up.cfg.InputTranscription {
		t.Fatalf("upstream config = %+v", up.cfg)
	}
	if up.cfg.ResponseModality != live.ModalityAudio {
		t.Fatalf("ResponseModality = %q, want audio", up.cfg.ResponseModality)
	}
	up.mu.Unlock()

	up.session.recv <- UpstreamMessage{SetupComplete: true}
	ready, ok := down.next(t).(protocol.Ready)
	if !ok {
		t.Fatalf("first downstream message is not ready")
	}
	if ready.SessionID == "" || !ready.ServerVAD {
		t.Fatalf("ready = %+v", ready)
	}

	pcm := []byte{1, 0, 2, 0}
	up.session.recv <- UpstreamMessage{InputTranscript: "My head hurts"}
	up.session.recv <- UpstreamMessage{Audio: [][]byte{pcm}, AudioRate: 24000, OutputTranscript: "Rest now"}
	up.session.recv <- UpstreamMessage{TurnComplete: true}

	want := []protocol.MessageType{
		protocol.TypeSpeechStarted,
		protocol.TypeInputTranscript,
		protocol.TypeSpeechEnded,
		protocol.TypeAssistantAudio,
		protocol.TypeAssistantTextDelta,
		protocol.TypeTurnComplete,
	}
	for _, typ := range want {
		msg := down.next(t)
		if got := messageType(msg); got != typ {
			t.Fatalf("downstream message = %q, want %q", got, typ)
		}
		if chunk, ok := msg.(protocol.AssistantAudioChunk); ok {
			if chunk.Seq != 1 || chunk.SampleRate != 24000 || chunk.PCM16Base64 != base64.StdEncoding.EncodeToString(pcm) {
				t.Fatalf("audio chunk = %+v", chunk)
			}
		}
	}

	down.send(t, protocol.ClientAudioChunk{Type: protocol.TypeClientAudioChunk, Seq: 1, PCM16Base64: base64.StdEncoding.EncodeToString(pcm), SampleRate: 16000})
	down.send(t, protocol.AudioStreamEnd{Type: protocol.TypeAudioStreamEnd})
	down.send(t, protocol.ClientText{Type: protocol.TypeClientText, Text: "thank you"})
	for _, wantSent := range []string{"audio:" + base64.StdEncoding.EncodeToString(pcm), "stream_end", "text:thank you"} {
		select {
		case got := <-up.session.sent:
			if got != wantSent {
				t.Fatalf("upstream received %q, want %q", got, wantSent)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("upstream never received %q", wantSent)
		}
	}

	_ = down.Close()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	select {
	case <-up.session.closed:
	default:
		t.Fatalf("upstream left open after client disconnect")
	}
	sess, err := tracker.Get(sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Status != session.StatusEnded || sess.EndReason != session.EndReasonClient || sess.TurnCount != 1 {
		t.Fatalf("tracked session = %+v", sess)
	}
	if snap := metrics.SnapshotStages(); len(snap.Indicators) == 0 || snap.Indicators[0].Name != "credential_retry" || snap.Indicators[0].Count != 2 {
		t.Fatalf("indicators = %+v, want two credential retries", snap.Indicators)
	}
}

func TestServeCredentialExhaustionFailsConnect(t *testing.T) {
	issuer := &fakeIssuer{failures: 10}
	up := newFakeUpstream()
	tracker := session.NewManager(time.Minute)
	sleeps := &sleepRecorder{}
	down := newFakeDown()

	errCh := serve(testBridge(issuer, up, tracker, sleeps, nil), down, nil)
	down.send(t, setupMessage())

	ev, ok := down.next(t).(protocol.ErrorEvent)
	if !ok || ev.Code != protocol.CodeConnectTimeout || !ev.Retryable {
		t.Fatalf("first message = %+v, want retryable connect_timeout", ev)
	}
	closed, ok := down.next(t).(protocol.SessionClosed)
	if !ok || closed.Reason != session.EndReasonCredential {
		t.Fatalf("second message = %+v, want session_closed credential_failed", closed)
	}
	err := waitErr(t, errCh)
	if !errors.Is(err, live.ErrCredential) {
		t.Fatalf("Serve() error = %v, want ErrCredential", err)
	}
	if got := issuer.calls.Load(); got != 3 {
		t.Fatalf("Issue() calls = %d, want 3", got)
	}
	select {
	case <-up.ready:
		t.Fatalf("upstream connected without a credential")
	default:
	}
}

func TestServeRequiresSetupFirst(t *testing.T) {
	down := newFakeDown()
	errCh := serve(testBridge(&fakeIssuer{}, newFakeUpstream(), session.NewManager(time.Minute), &sleepRecorder{}, nil), down, nil)

	down.send(t, protocol.ClientText{Type: protocol.TypeClientText, Text: "hello"})
	ev, ok := down.next(t).(protocol.ErrorEvent)
	if !ok || ev.Code != protocol.CodeSetupRequired {
		t.Fatalf("message = %+v, want setup_required", ev)
	}
	down.in <- []byte("{")
	ev, ok = down.next(t).(protocol.ErrorEvent)
	if !ok || ev.Code != protocol.CodeInvalidMessage {
		t.Fatalf("message = %+v, want invalid_client_message", ev)
	}

	_ = down.Close()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
}

func TestServeUpstreamCloseEndsDownstream(t *testing.T) {
	up := newFakeUpstream()
	tracker := session.NewManager(time.Minute)
	down := newFakeDown()
	errCh := serve(testBridge(&fakeIssuer{}, up, tracker, &sleepRecorder{}, nil), down, nil)
	down.send(t, setupMessage())
	<-up.ready

	close(up.session.recv)
	closed, ok := down.next(t).(protocol.SessionClosed)
	if !ok || closed.Reason != session.EndReasonUpstream {
		t.Fatalf("message = %+v, want session_closed upstream_closed", closed)
	}
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if tracker.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", tracker.ActiveCount())
	}
}

func TestServeCancelEndsRelay(t *testing.T) {
	up := newFakeUpstream()
	tracker := session.NewManager(time.Minute)
	down := newFakeDown()
	cancels := make(chan func(), 1)
	errCh := serve(testBridge(&fakeIssuer{}, up, tracker, &sleepRecorder{}, nil), down, func(id string, cancel context.CancelFunc) {
		if _, err := tracker.Get(id); err != nil {
			t.Errorf("Get() error = %v", err)
		}
		cancels <- cancel
	})
	down.send(t, setupMessage())
	<-up.ready

	cancel := <-cancels
	cancel()
	closed, ok := down.next(t).(protocol.SessionClosed)
	if !ok || closed.Reason != session.EndReasonOperator {
		t.Fatalf("message = %+v, want session_closed ended_by_request", closed)
	}
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	select {
	case <-up.session.closed:
	default:
		t.Fatalf("upstream left open after cancel")
	}
	if codes := down.closeCodesSent(); len(codes) != 1 || codes[0] != websocket.CloseNormalClosure {
		t.Fatalf("close frames = %v, want one normal closure", codes)
	}
}

func TestServeCancelTearsDownStalledClient(t *testing.T) {
	up := newFakeUpstream()
	tracker := session.NewManager(time.Minute)
	down := newFakeDown()
	var sessionID string
	cancels := make(chan func(), 1)
	errCh := serve(testBridge(&fakeIssuer{}, up, tracker, &sleepRecorder{}, nil), down, func(id string, cancel context.CancelFunc) {
		sessionID = id
		cancels <- cancel
	})
	down.send(t, setupMessage())
	<-up.ready
	cancel := <-cancels

	down.stall.Store(true)
	up.session.recv <- UpstreamMessage{Audio: [][]byte{{1, 0}}, AudioRate: 24000}
	select {
	case <-down.stalled:
	case <-time.After(2 * time.Second):
		t.Fatalf("pump never wrote downstream")
	}

	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	select {
	case <-up.session.closed:
	default:
		t.Fatalf("upstream left open behind a stalled client")
	}
	sess, err := tracker.Get(sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.EndReason != session.EndReasonOperator {
		t.Fatalf("EndReason = %q, want %q", sess.EndReason, session.EndReasonOperator)
	}
}

func TestTranslatorBargeInAndTurnBoundaries(t *testing.T) {
	tr := newTranslator("s1", "m", "v", nil, nil)

	got := tr.translate(UpstreamMessage{Interrupted: true})
	if len(got) != 2 || messageType(got[0]) != protocol.TypeInterrupted || messageType(got[1]) != protocol.TypeSpeechStarted {
		t.Fatalf("interrupted = %+v", got)
	}
	got = tr.translate(UpstreamMessage{InputTranscript: "wait"})
	if len(got) != 1 || messageType(got[0]) != protocol.TypeInputTranscript {
		t.Fatalf("transcript while speaking = %+v", got)
	}
	got = tr.translate(UpstreamMessage{TurnComplete: true})
	if len(got) != 2 || messageType(got[0]) != protocol.TypeSpeechEnded || messageType(got[1]) != protocol.TypeTurnComplete {
		t.Fatalf("turn complete = %+v", got)
	}
	got = tr.translate(UpstreamMessage{Audio: [][]byte{{0, 0}, {}}, Text: "ok"})
	if len(got) != 2 || messageType(got[0]) != protocol.TypeAssistantAudio || messageType(got[1]) != protocol.TypeAssistantTextDelta {
		t.Fatalf("model output = %+v", got)
	}
	if chunk := got[0].(protocol.AssistantAudioChunk); chunk.SampleRate != 24000 {
		t.Fatalf("default sample rate = %d, want 24000", chunk.SampleRate)
	}
	if got := tr.translate(UpstreamMessage{GoAway: true}); len(got) != 0 {
		t.Fatalf("go away produced %+v", got)
	}
}
