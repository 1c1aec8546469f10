package bridge

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/ent0n29/mamavoice/internal/audio"
	"github.com/ent0n29/mamavoice/internal/observability"
	"github.com/ent0n29/mamavoice/internal/protocol"
)

// translator maps upstream frames to relay messages. It keeps only the
// user-speaking flag and the timestamps needed for latency stages; nothing is
// buffered between frames.
type translator struct {
	sessionID string
	model     string
	voice     string
	now       func() time.Time
	metrics   *observability.Metrics

	mu             sync.Mutex
	seq            int
	userSpeaking   bool
	setupStartedAt time.Time
	inputEndedAt   time.Time
}

func newTranslator(sessionID, model, voice string, now func() time.Time, metrics *observability.Metrics) *translator {
	if now == nil {
		now = time.Now
	}
	return &translator{sessionID: sessionID, model: model, voice: voice, now: now, metrics: metrics}
}

func (t *translator) markSetupStarted(at time.Time) {
	t.mu.Lock()
	t.setupStartedAt = at
	t.mu.Unlock()
}

// markInputEnd starts the first-audio latency clock for the next reply.
func (t *translator) markInputEnd() {
	t.mu.Lock()
	t.inputEndedAt = t.now()
	t.mu.Unlock()
}

func (t *translator) translate(msg UpstreamMessage) []any {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []any
	if msg.SetupComplete {
		if !t.setupStartedAt.IsZero() {
			t.metrics.ObserveStage(observability.StageUpstreamSetup, t.now().Sub(t.setupStartedAt))
			t.setupStartedAt = time.Time{}
		}
		out = append(out, protocol.Ready{
			Type:      protocol.TypeReady,
			SessionID: t.sessionID,
			Model:     t.model,
			VoiceID:   t.voice,
			ServerVAD: true,
		})
	}
	if msg.Interrupted {
		out = append(out, t.signal(protocol.TypeInterrupted))
		out = t.userStarted(out)
	}
	if msg.InputTranscript != "" {
		out = t.userStarted(out)
		out = append(out, protocol.InputTranscript{Type: protocol.TypeInputTranscript, SessionID: t.sessionID, Text: msg.InputTranscript})
	}

	hasOutput := len(msg.Audio) > 0 || msg.Text != "" || msg.OutputTranscript != ""
	if hasOutput {
		out = t.userEnded(out)
	}
	if len(msg.Audio) > 0 && !t.inputEndedAt.IsZero() {
		t.metrics.ObserveFirstAudioLatency(t.now().Sub(t.inputEndedAt))
		t.inputEndedAt = time.Time{}
	}
	rate := msg.AudioRate
	if rate <= 0 {
		rate = audio.PlaybackSampleRate
	}
	for _, pcm := range msg.Audio {
		if len(pcm) == 0 {
			continue
		}
		t.seq++
		out = append(out, protocol.AssistantAudioChunk{
			Type:        protocol.TypeAssistantAudio,
			SessionID:   t.sessionID,
			Seq:         t.seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(pcm),
			SampleRate:  rate,
		})
	}
	for _, text := range []string{msg.Text, msg.OutputTranscript} {
		if text != "" {
			out = append(out, protocol.AssistantTextDelta{Type: protocol.TypeAssistantTextDelta, SessionID: t.sessionID, TextDelta: text})
		}
	}

	if msg.TurnComplete {
		out = t.userEnded(out)
		out = append(out, t.signal(protocol.TypeTurnComplete))
	}
	return out
}

func (t *translator) userStarted(out []any) []any {
	if t.userSpeaking {
		return out
	}
	t.userSpeaking = true
	return append(out, t.signal(protocol.TypeSpeechStarted))
}

func (t *translator) userEnded(out []any) []any {
	if !t.userSpeaking {
		return out
	}
	t.userSpeaking = false
	return append(out, t.signal(protocol.TypeSpeechEnded))
}

func (t *translator) signal(kind protocol.MessageType) protocol.TurnSignal {
	return protocol.TurnSignal{Type: kind, SessionID: t.sessionID}
}
