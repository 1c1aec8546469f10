package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/mamavoice/internal/audio"
	"github.com/ent0n29/mamavoice/internal/risk"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      []Outbound
	events    chan Event
	open      bool
	openErr   error
	autoReady bool
	serverVAD bool
	closes    int
	closeOnce sync.Once
}

func newFakeTransport(autoReady bool) *fakeTransport {
	return &fakeTransport{events: make(chan Event, 64), autoReady: autoReady}
}

func (f *fakeTransport) Open(context.Context) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	f.events <- Event{Kind: EventOpened}
	return nil
}

func (f *fakeTransport) Send(msg Outbound) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return false
	}
	f.sent = append(f.sent, msg)
	if msg.Kind == OutboundSetup && f.autoReady {
		f.events <- Event{Kind: EventReady}
	}
	return true
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) ServerVAD() bool { return f.serverVAD }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.open = false
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) kinds() []OutboundKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OutboundKind, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Kind)
	}
	return out
}

func (f *fakeTransport) count(kind OutboundKind) int {
	n := 0
	for _, k := range f.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakePlayer struct {
	mu       sync.Mutex
	enqueued int
	stops    int
	closes   int
}

func (p *fakePlayer) Enqueue(audio.Frame) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued++
	return 0
}

func (p *fakePlayer) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

type fakeMic struct {
	mu       sync.Mutex
	startErr error
	onFrame  audio.FrameFunc
	onErr    func(error)
	starts   int
	stops    int
}

func (m *fakeMic) Start(_ context.Context, onFrame audio.FrameFunc, onErr func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.starts++
	m.onFrame = onFrame
	m.onErr = onErr
	return nil
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
	errs     []error
}

func (r *statusRecorder) onStatus(st Status, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *statusRecorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *statusRecorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func testConfig() SessionConfig {
	return SessionConfig{
		ModelID:          "gemini-live-2.5-flash-preview",
		VoiceID:          "Aoede",
		ResponseModality: ModalityAudio,
		UserDisplayName:  "Amara",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func connectedSession(t *testing.T, tr *fakeTransport, player Player, mic Microphone, hooks Hooks) *Session {
	t.Helper()
	s := NewSession(testConfig(), tr, player, mic, hooks, WithClock(audio.NewManualClock()))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return s
}

func equalStatuses(a, b []Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSessionConnectTransitions(t *testing.T) {
	rec := &statusRecorder{}
	tr := newFakeTransport(true)
	s := connectedSession(t, tr, nil, nil, Hooks{OnStatus: rec.onStatus})

	if s.Status() != StatusConnected {
		t.Fatalf("Status() = %v, want connected", s.Status())
	}
	want := []Status{StatusConnecting, StatusConnected}
	if got := rec.snapshot(); !equalStatuses(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	kinds := tr.kinds()
	if len(kinds) == 0 || kinds[0] != OutboundSetup {
		t.Fatalf("first outbound = %v, want setup", kinds)
	}
}

func TestSessionConfigSentOnceOnDuplicateReady(t *testing.T) {
	tr := newFakeTransport(true)
	s := connectedSession(t, tr, nil, nil, Hooks{})

	s.HandleEvent(Event{Kind: EventReady})
	s.HandleEvent(Event{Kind: EventReady})
	s.HandleEvent(Event{Kind: EventOpened})
	if got := tr.count(OutboundSetup); got != 1 {
		t.Fatalf("setup sent %d times, want 1", got)
	}
	if s.Status() != StatusConnected {
		t.Fatalf("Status() = %v, want connected", s.Status())
	}
}

func TestSessionConnectTimeout(t *testing.T) {
	clock := audio.NewManualClock()
	rec := &statusRecorder{}
	tr := newFakeTransport(false)
	player := &fakePlayer{}
	mic := &fakeMic{}
	s := NewSession(testConfig(), tr, player, mic, Hooks{OnStatus: rec.onStatus, OnError: rec.onError}, WithClock(clock))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background()) }()
	waitFor(t, func() bool { return tr.count(OutboundSetup) == 1 })

	clock.Advance(DefaultConnectTimeout - time.Millisecond)
	select {
	case err := <-errCh:
		t.Fatalf("Connect() returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	clock.Advance(time.Millisecond)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectTimeout) {
			t.Fatalf("Connect() error = %v, want ErrConnectTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Connect() did not time out")
	}
	if s.Status() != StatusError {
		t.Fatalf("Status() = %v, want error", s.Status())
	}
	if tr.closeCount() != 1 || player.closes != 1 || mic.stops != 1 {
		t.Fatalf("resources not released: transport=%d player=%d mic=%d", tr.closeCount(), player.closes, mic.stops)
	}
	want := []Status{StatusConnecting, StatusError}
	if got := rec.snapshot(); !equalStatuses(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
}

func TestSessionOpenFailureIsTransportError(t *testing.T) {
	tr := newFakeTransport(true)
	tr.openErr = newError(ErrTransport, "dial: connection refused")
	s := NewSession(testConfig(), tr, nil, nil, Hooks{}, WithClock(audio.NewManualClock()))

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Connect() error = %v, want ErrTransport", err)
	}
	if s.Status() != StatusError {
		t.Fatalf("Status() = %v, want error", s.Status())
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrSessionUsed) {
		t.Fatalf("second Connect() error = %v, want ErrSessionUsed", err)
	}
}

func TestSessionDisconnectIsIdempotent(t *testing.T) {
	rec := &statusRecorder{}
	tr := newFakeTransport(true)
	player := &fakePlayer{}
	s := connectedSession(t, tr, player, &fakeMic{}, Hooks{OnStatus: rec.onStatus})

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
	want := []Status{StatusConnecting, StatusConnected, StatusDisconnected}
	if got := rec.snapshot(); !equalStatuses(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	if tr.closeCount() != 1 || player.closes != 1 {
		t.Fatalf("closes: transport=%d player=%d, want 1 each", tr.closeCount(), player.closes)
	}
	if err := s.SendText("hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendText() after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestSessionPartialTextSharesMessageID(t *testing.T) {
	var msgs []ChatMessage
	tr := newFakeTransport(true)
	s := connectedSession(t, tr, nil, nil, Hooks{OnMessage: func(m ChatMessage) { msgs = append(msgs, m) }})

	s.HandleEvent(Event{Kind: EventPartialText, Text: "Hello"})
	s.HandleEvent(Event{Kind: EventPartialText, Text: " there"})
	s.HandleEvent(Event{Kind: EventTurnComplete})
	s.HandleEvent(Event{Kind: EventPartialText, Text: "Next"})

	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].ID == "" || msgs[0].ID != msgs[1].ID || msgs[1].ID != msgs[2].ID {
		t.Fatalf("turn messages do not share an ID: %+v", msgs[:3])
	}
	if msgs[1].Text != "Hello there" || msgs[1].Final {
		t.Fatalf("partial = %+v", msgs[1])
	}
	if !msgs[2].Final || msgs[2].Text != "Hello there" {
		t.Fatalf("finalized = %+v", msgs[2])
	}
	if msgs[3].ID == msgs[0].ID {
		t.Fatalf("new turn reused message ID %s", msgs[3].ID)
	}
}

func TestSessionRiskDeliveredOncePerTurn(t *testing.T) {
	var (
		msgs  []ChatMessage
		risks []risk.Record
		turns []Turn
	)
	tr := newFakeTransport(true)
	s := connectedSession(t, tr, nil, nil, Hooks{
		OnMessage:      func(m ChatMessage) { msgs = append(msgs, m) },
		OnRisk:         func(r risk.Record) { risks = append(risks, r) },
		OnTurnComplete: func(turn Turn) { turns = append(turns, turn) },
	})

	s.HandleEvent(Event{Kind: EventInputTranscript, Text: "My head hurts"})
	s.HandleEvent(Event{Kind: EventPartialText, Text: "Please rest. [RISK_DA"})
	s.HandleEvent(Event{Kind: EventPartialText, Text: `TA:{"headache":2,"days":1}]`})
	if msgs[0].Text != "Please rest. " || msgs[1].Text != "Please rest." {
		t.Fatalf("partials leaked the tag: %q / %q", msgs[0].Text, msgs[1].Text)
	}
	s.HandleEvent(Event{Kind: EventTurnComplete})

	if len(risks) != 1 || risks[0]["headache"] != 2 || risks[0]["days"] != 1 {
		t.Fatalf("risks = %v, want one headache=2 record", risks)
	}
	if last := msgs[len(msgs)-1]; !last.Final || last.Text != "Please rest." {
		t.Fatalf("final message = %+v", last)
	}
	if len(turns) != 1 || turns[0].UserTranscript != "My head hurts" || turns[0].AssistantText != "Please rest." {
		t.Fatalf("turn = %+v", turns)
	}

	s.HandleEvent(Event{Kind: EventFinalText, Text: `Call your midwife now. [RISK_DATA:{"bleeding":3}]`})
	s.HandleEvent(Event{Kind: EventTurnComplete})
	if len(risks) != 2 || risks[1]["bleeding"] != 3 {
		t.Fatalf("risks = %v, want second bleeding=3 record", risks)
	}

	s.HandleEvent(Event{Kind: EventFinalText, Text: "Noted. [RISK_DATA:{oops}]"})
	s.HandleEvent(Event{Kind: EventTurnComplete})
	if len(risks) != 2 {
		t.Fatalf("malformed tag produced a risk record: %v", risks)
	}
	if s.Status() != StatusConnected {
		t.Fatalf("Status() = %v, want connected", s.Status())
	}
}

func TestSessionInterruptStopsPlaybackOnly(t *testing.T) {
	tr := newFakeTransport(true)
	player := &fakePlayer{}
	audioSeen := 0
	s := connectedSession(t, tr, player, nil, Hooks{OnAudio: func(audio.Frame) { audioSeen++ }})

	frame := audio.NewFrame(make([]int16, 2400), audio.PlaybackSampleRate)
	s.HandleEvent(Event{Kind: EventAudioChunk, Frame: frame})
	s.HandleEvent(Event{Kind: EventAudioChunk, Frame: frame})
	s.HandleEvent(Event{Kind: EventInterrupted})

	if player.enqueued != 2 || audioSeen != 2 {
		t.Fatalf("enqueued = %d, audio hook = %d; want 2, 2", player.enqueued, audioSeen)
	}
	if player.stops != 1 {
		t.Fatalf("StopAll calls = %d, want 1", player.stops)
	}
	if tr.closeCount() != 0 || s.Status() != StatusConnected {
		t.Fatalf("interrupt severed the session: closes=%d status=%v", tr.closeCount(), s.Status())
	}
}

func TestSessionAudioChunksScheduledGapless(t *testing.T) {
	clock := audio.NewManualClock()
	sched := audio.NewScheduler(clock, nopSink{clock: clock}, audio.PlaybackConfig{}, nil)
	var edges []bool
	tr := newFakeTransport(true)
	s := NewSession(testConfig(), tr, sched, nil, Hooks{OnSpeaking: func(v bool) { edges = append(edges, v) }}, WithClock(clock))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	frame := audio.NewFrame(make([]int16, 2400), audio.PlaybackSampleRate) // 100ms
	for i := 0; i < 3; i++ {
		s.HandleEvent(Event{Kind: EventAudioChunk, Frame: frame})
		if !sched.IsSpeaking() {
			t.Fatalf("IsSpeaking() = false after frame %d", i+1)
		}
	}
	if got := sched.NextPlayTime(); got != 500*time.Millisecond {
		t.Fatalf("NextPlayTime() = %v, want 500ms (200ms lookahead + 3x100ms)", got)
	}
	clock.Advance(799 * time.Millisecond)
	if !sched.IsSpeaking() {
		t.Fatalf("IsSpeaking() = false inside trailing debounce")
	}
	clock.Advance(time.Millisecond)
	if sched.IsSpeaking() {
		t.Fatalf("IsSpeaking() = true 300ms after the last frame ended")
	}
	if len(edges) != 2 || !edges[0] || edges[1] {
		t.Fatalf("speaking edges = %v, want [true false]", edges)
	}
}

func TestSessionDirectAudioBracketsUtterance(t *testing.T) {
	tr := newFakeTransport(true)
	s := connectedSession(t, tr, nil, nil, Hooks{})
	frame := audio.NewFrame(make([]int16, audio.CaptureFrameSamples), audio.CaptureSampleRate)

	if !s.SendAudioChunk(frame) || !s.SendAudioChunk(frame) {
		t.Fatalf("SendAudioChunk() = false while connected")
	}
	if !s.SendAudioStreamEnd() {
		t.Fatalf("SendAudioStreamEnd() = false")
	}
	s.SendAudioChunk(frame)

	want := []OutboundKind{OutboundSetup, OutboundActivityStart, OutboundAudio, OutboundAudio, OutboundActivityEnd, OutboundActivityStart, OutboundAudio}
	got := tr.kinds()
	if len(got) != len(want) {
		t.Fatalf("outbound = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outbound = %v, want %v", got, want)
		}
	}
}

func TestSessionServerVADAudioStreamEndIsAdvisory(t *testing.T) {
	tr := newFakeTransport(true)
	tr.serverVAD = true
	s := connectedSession(t, tr, nil, nil, Hooks{})
	frame := audio.NewFrame(make([]int16, audio.CaptureFrameSamples), audio.CaptureSampleRate)

	s.SendAudioChunk(frame)
	s.SendAudioStreamEnd()
	want := []OutboundKind{OutboundSetup, OutboundAudio, OutboundAudioStreamEnd}
	got := tr.kinds()
	if len(got) != len(want) || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("outbound = %v, want %v", got, want)
	}
}

func TestSessionSendTextRequiresConnected(t *testing.T) {
	tr := newFakeTransport(true)
	s := NewSession(testConfig(), tr, nil, nil, Hooks{}, WithClock(audio.NewManualClock()))
	if err := s.SendText("hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendText() before connect = %v, want ErrNotConnected", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.SendText("  I feel dizzy  "); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	tr.mu.Lock()
	last := tr.sent[len(tr.sent)-1]
	tr.mu.Unlock()
	if last.Kind != OutboundText || last.Text != "I feel dizzy" {
		t.Fatalf("last outbound = %+v", last)
	}
}

func TestSessionProviderErrorTearsDown(t *testing.T) {
	rec := &statusRecorder{}
	tr := newFakeTransport(true)
	player := &fakePlayer{}
	s := connectedSession(t, tr, player, &fakeMic{}, Hooks{OnStatus: rec.onStatus, OnError: rec.onError})

	s.HandleEvent(Event{Kind: EventError, Err: newError(ErrProvider, "quota exceeded")})
	if s.Status() != StatusError || !errors.Is(s.Err(), ErrProvider) {
		t.Fatalf("Status() = %v, Err() = %v", s.Status(), s.Err())
	}
	if len(rec.errs) != 1 {
		t.Fatalf("OnError calls = %d, want 1", len(rec.errs))
	}
	if tr.closeCount() != 1 || player.closes != 1 {
		t.Fatalf("closes: transport=%d player=%d", tr.closeCount(), player.closes)
	}
	s.HandleEvent(Event{Kind: EventReady})
	if s.Status() != StatusError {
		t.Fatalf("terminal session was resurrected: %v", s.Status())
	}
}

func TestSessionUnexpectedClose(t *testing.T) {
	tr := newFakeTransport(true)
	s := connectedSession(t, tr, nil, nil, Hooks{})
	s.HandleEvent(Event{Kind: EventClosed})
	if s.Status() != StatusDisconnected {
		t.Fatalf("clean close status = %v, want disconnected", s.Status())
	}

	tr2 := newFakeTransport(true)
	s2 := connectedSession(t, tr2, nil, nil, Hooks{})
	s2.HandleEvent(Event{Kind: EventClosed, Err: newError(ErrTransport, "read: connection reset")})
	if s2.Status() != StatusError || !errors.Is(s2.Err(), ErrTransport) {
		t.Fatalf("abnormal close = %v / %v, want error / ErrTransport", s2.Status(), s2.Err())
	}
}

func TestSessionMicrophoneLifecycle(t *testing.T) {
	tr := newFakeTransport(true)
	mic := &fakeMic{}
	var peaks []float64
	s := connectedSession(t, tr, nil, mic, Hooks{OnMicFrame: func(_ audio.Frame, p float64) { peaks = append(peaks, p) }})

	if err := s.StartMicrophone(context.Background()); err != nil {
		t.Fatalf("StartMicrophone() error = %v", err)
	}
	if !s.MicrophoneOn() {
		t.Fatalf("MicrophoneOn() = false")
	}
	mic.onFrame(audio.NewFrame(make([]int16, audio.CaptureFrameSamples), audio.CaptureSampleRate), 0.25)
	s.HandleEvent(Event{Kind: EventTurnComplete})
	if !s.MicrophoneOn() {
		t.Fatalf("turn completion muted the microphone")
	}
	if err := s.StopMicrophone(); err != nil {
		t.Fatalf("StopMicrophone() error = %v", err)
	}
	if err := s.StopMicrophone(); err != nil {
		t.Fatalf("second StopMicrophone() error = %v", err)
	}
	if mic.stops != 1 || len(peaks) != 1 || peaks[0] != 0.25 {
		t.Fatalf("mic stops = %d, peaks = %v", mic.stops, peaks)
	}
	if tr.count(OutboundAudio) != 1 || tr.count(OutboundActivityEnd) != 1 {
		t.Fatalf("outbound = %v", tr.kinds())
	}
}

func TestSessionMicrophonePermissionDenied(t *testing.T) {
	tr := newFakeTransport(true)
	mic := &fakeMic{startErr: ErrPermissionDenied}
	s := connectedSession(t, tr, nil, mic, Hooks{})

	if err := s.StartMicrophone(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("StartMicrophone() error = %v, want ErrPermissionDenied", err)
	}
	if s.Status() != StatusError {
		t.Fatalf("Status() = %v, want error", s.Status())
	}
}

func TestSessionCaptureFailureForcesError(t *testing.T) {
	tr := newFakeTransport(true)
	mic := &fakeMic{}
	s := connectedSession(t, tr, nil, mic, Hooks{})
	if err := s.StartMicrophone(context.Background()); err != nil {
		t.Fatalf("StartMicrophone() error = %v", err)
	}
	mic.onErr(ErrDeviceUnavailable)
	if s.Status() != StatusError || !errors.Is(s.Err(), ErrDeviceUnavailable) {
		t.Fatalf("Status() = %v, Err() = %v", s.Status(), s.Err())
	}
}

type nopSink struct{ clock *audio.ManualClock }

func (s nopSink) Play(at time.Duration, _ audio.Frame) audio.Timer {
	return s.clock.AfterFunc(at-s.clock.Now(), func() {})
}

func (nopSink) Flush() error { return nil }
func (nopSink) Close() error { return nil }
