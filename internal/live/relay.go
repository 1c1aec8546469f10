package live

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/ent0n29/mamavoice/internal/audio"
	"github.com/ent0n29/mamavoice/internal/protocol"
	"github.com/ent0n29/mamavoice/internal/reliability"
)

type RelayConfig struct {
	// URL is the bridge websocket endpoint, e.g. ws://localhost:8080/v1/live/ws.
	URL    string
	Header http.Header
	Logger *slog.Logger
}

// RelayTransport speaks the relay vocabulary to the bridge, which holds the
// provider credentials and runs server-side voice activity detection.
type RelayTransport struct {
	cfg RelayConfig
	*wsChannel

	seq       atomic.Int64
	serverVAD atomic.Bool
	sessionID atomic.Value
}

func NewRelayTransport(cfg RelayConfig) *RelayTransport {
	t := &RelayTransport{cfg: cfg, wsChannel: newWSChannel(cfg.Logger, ErrTransport)}
	t.serverVAD.Store(true)
	t.sessionID.Store("")
	return t
}

func (t *RelayTransport) Open(ctx context.Context) error {
	if strings.TrimSpace(t.cfg.URL) == "" {
		_ = t.Close()
		return newError(ErrTransport, "relay url is required")
	}
	conn, err := t.dial(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		_ = t.Close()
		return err
	}
	return t.start(conn, t.decode)
}

func (t *RelayTransport) ServerVAD() bool { return t.serverVAD.Load() }

// SessionID is the bridge-assigned session id, known after ready.
func (t *RelayTransport) SessionID() string {
	id, _ := t.sessionID.Load().(string)
	return id
}

func (t *RelayTransport) Send(msg Outbound) bool {
	var wire any
	switch msg.Kind {
	case OutboundSetup:
		cfg := msg.Config
		wire = protocol.SessionSetup{
			Type:                protocol.TypeSessionSetup,
			UserID:              cfg.UserID,
			DisplayName:         cfg.UserDisplayName,
			PriorContext:        cfg.PriorContextSummary,
			ResponseModality:    string(cfg.ResponseModality),
			InputTranscription:  cfg.Transcription.Input,
			OutputTranscription: cfg.Transcription.Output,
		}
	case OutboundText:
		wire = protocol.ClientText{Type: protocol.TypeClientText, Text: msg.Text, TurnComplete: true}
	case OutboundAudio:
		wire = protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			Seq:         int(t.seq.Add(1)),
			PCM16Base64: msg.Frame.Base64(),
			SampleRate:  msg.Frame.SampleRate,
		}
	case OutboundAudioStreamEnd, OutboundActivityEnd:
		wire = protocol.AudioStreamEnd{Type: protocol.TypeAudioStreamEnd}
	case OutboundActivityStart:
		// The bridge detects speech onset itself.
		return t.Connected()
	default:
		return false
	}
	return t.writeJSON(wire)
}

func (t *RelayTransport) decode(raw []byte) []Event {
	msg, err := protocol.ParseServerMessage(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedType) {
			t.logger.Debug("relay_message_ignored", "error", err)
		} else {
			t.logger.Warn("relay_frame_malformed", "error", err)
		}
		return nil
	}

	switch m := msg.(type) {
	case *protocol.Ready:
		t.serverVAD.Store(m.ServerVAD)
		t.sessionID.Store(m.SessionID)
		return []Event{{Kind: EventReady}}
	case *protocol.AssistantAudioChunk:
		rate := m.SampleRate
		if rate <= 0 {
			rate = audio.PlaybackSampleRate
		}
		frame, err := audio.DecodeBase64Frame(m.PCM16Base64, rate)
		if err != nil {
			t.logger.Warn("relay_audio_malformed", "seq", m.Seq, "error", err)
			return nil
		}
		return []Event{{Kind: EventAudioChunk, Frame: frame}}
	case *protocol.AssistantTextDelta:
		return []Event{{Kind: EventPartialText, Text: m.TextDelta}}
	case *protocol.InputTranscript:
		return []Event{{Kind: EventInputTranscript, Text: m.Text}}
	case *protocol.TurnSignal:
		switch m.Type {
		case protocol.TypeTurnComplete:
			return []Event{{Kind: EventTurnComplete}}
		case protocol.TypeInterrupted:
			return []Event{{Kind: EventInterrupted}}
		case protocol.TypeSpeechStarted:
			return []Event{{Kind: EventSpeechStarted}}
		case protocol.TypeSpeechEnded:
			return []Event{{Kind: EventSpeechEnded}}
		}
	case *protocol.ErrorEvent:
		return []Event{{Kind: EventError, Err: &Error{
			Kind:      errorKindForCode(m.Code),
			Code:      m.Code,
			Detail:    m.Detail,
			Retryable: m.Retryable || reliability.IsRetryableErrorCode(m.Code),
		}}}
	case *protocol.SessionClosed:
		// Failures arrive as error_event first, so this is always a clean end.
		t.logger.Info("relay_session_closed", "session_id", m.SessionID, "reason", m.Reason)
		return []Event{{Kind: EventClosed}}
	}
	return nil
}

func errorKindForCode(code string) error {
	switch code {
	case protocol.CodeConnectTimeout:
		return ErrConnectTimeout
	case protocol.CodeProviderError:
		return ErrProvider
	case protocol.CodeInvalidMessage, protocol.CodeSetupRequired:
		return ErrMalformedMessage
	default:
		return ErrTransport
	}
}
