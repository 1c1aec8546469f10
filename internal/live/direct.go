package live

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ent0n29/mamavoice/internal/audio"
	"github.com/ent0n29/mamavoice/internal/protocol"
)

const (
	DefaultDirectURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	// Ephemeral tokens are only accepted on the constrained endpoint.
	DefaultDirectTokenURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContentConstrained"
)

// TokenFunc returns a short-lived, single-use provider credential.
type TokenFunc func(ctx context.Context) (string, error)

type DirectConfig struct {
	// URL overrides the provider endpoint.
	URL    string
	APIKey string
	// Token is used when APIKey is empty.
	Token  TokenFunc
	Logger *slog.Logger
}

// DirectTransport talks to the provider's streaming endpoint itself. Server
// side voice activity detection is switched off in the setup frame, so the
// session brackets each utterance with activityStart/activityEnd.
type DirectTransport struct {
	cfg DirectConfig
	*wsChannel
}

func NewDirectTransport(cfg DirectConfig) *DirectTransport {
	return &DirectTransport{cfg: cfg, wsChannel: newWSChannel(cfg.Logger, ErrProvider)}
}

func (t *DirectTransport) Open(ctx context.Context) error {
	endpoint, err := t.endpoint(ctx)
	if err != nil {
		_ = t.Close()
		return err
	}
	conn, err := t.dial(ctx, endpoint, nil)
	if err != nil {
		_ = t.Close()
		return err
	}
	return t.start(conn, t.decode)
}

func (t *DirectTransport) endpoint(ctx context.Context) (string, error) {
	var (
		base  = strings.TrimSpace(t.cfg.URL)
		param string
		value string
	)
	switch {
	case strings.TrimSpace(t.cfg.APIKey) != "":
		if base == "" {
			base = DefaultDirectURL
		}
		param, value = "key", t.cfg.APIKey
	case t.cfg.Token != nil:
		token, err := t.cfg.Token(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", newError(ErrConnectTimeout, "fetch token: %v", err)
			}
			return "", newError(ErrCredential, "fetch token: %v", err)
		}
		if base == "" {
			base = DefaultDirectTokenURL
		}
		param, value = "access_token", token
	default:
		return "", newError(ErrCredential, "no api key or token source configured")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", newError(ErrTransport, "parse url: %v", err)
	}
	q := u.Query()
	q.Set(param, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *DirectTransport) ServerVAD() bool { return false }

func (t *DirectTransport) Send(msg Outbound) bool {
	var wire protocol.ProviderClientMessage
	switch msg.Kind {
	case OutboundSetup:
		cfg := msg.Config
		wire = protocol.NewProviderSetup(protocol.SetupParams{
			Model:               cfg.ModelID,
			Voice:               cfg.VoiceID,
			ResponseModality:    string(cfg.ResponseModality),
			SystemInstruction:   cfg.SystemInstruction(),
			InputTranscription:  cfg.Transcription.Input,
			OutputTranscription: cfg.Transcription.Output,
			ClientActivity:      true,
		})
	case OutboundText:
		wire = protocol.NewProviderText(msg.Text)
	case OutboundAudio:
		wire = protocol.NewProviderAudio(msg.Frame.MIMEType(), msg.Frame.Base64())
	case OutboundActivityStart:
		wire = protocol.NewProviderActivityStart()
	case OutboundActivityEnd:
		wire = protocol.NewProviderActivityEnd()
	case OutboundAudioStreamEnd:
		wire = protocol.NewProviderAudioStreamEnd()
	default:
		return false
	}
	return t.writeJSON(wire)
}

func (t *DirectTransport) decode(raw []byte) []Event {
	msg, err := protocol.ParseProviderMessage(raw)
	if err != nil {
		if !errors.Is(err, protocol.ErrEmptyProviderMessage) {
			t.logger.Warn("direct_frame_malformed", "error", err)
		}
		return nil
	}

	var out []Event
	if msg.SetupComplete != nil {
		out = append(out, Event{Kind: EventReady})
	}
	if msg.GoAway != nil {
		t.logger.Info("direct_go_away", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.Error != nil {
		out = append(out, Event{Kind: EventError, Err: &Error{
			Kind:   ErrProvider,
			Code:   msg.Error.Status,
			Detail: msg.Error.Message,
		}})
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			out = append(out, Event{Kind: EventInputTranscript, Text: sc.InputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
					rate := audio.RateFromMIMEType(part.InlineData.MIMEType, audio.PlaybackSampleRate)
					frame, err := audio.DecodeBase64Frame(part.InlineData.Data, rate)
					if err != nil {
						t.logger.Warn("direct_audio_malformed", "error", err)
						continue
					}
					out = append(out, Event{Kind: EventAudioChunk, Frame: frame})
				}
				if part.Text != "" {
					out = append(out, Event{Kind: EventPartialText, Text: part.Text})
				}
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out = append(out, Event{Kind: EventPartialText, Text: sc.OutputTranscription.Text})
		}
		if sc.Interrupted {
			out = append(out, Event{Kind: EventInterrupted})
		}
		if sc.TurnComplete {
			out = append(out, Event{Kind: EventTurnComplete})
		}
	}
	return out
}
