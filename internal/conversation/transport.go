package conversation

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/mamavoice/internal/apiclient"
	"github.com/ent0n29/mamavoice/internal/config"
	"github.com/ent0n29/mamavoice/internal/live"
)

// SessionConfig renders the runner settings into the live session config.
func SessionConfig(cfg config.ClientConfig) (live.SessionConfig, error) {
	modality, err := live.ParseModality(cfg.Modality)
	if err != nil {
		return live.SessionConfig{}, err
	}
	return live.SessionConfig{
		ModelID:          cfg.LiveModel,
		VoiceID:          cfg.Voice,
		ResponseModality: modality,
		UserID:           cfg.UserID,
		UserDisplayName:  cfg.UserName,
		Transcription:    live.Transcription{Input: true, Output: modality == live.ModalityAudio},
		SystemPrompt:     cfg.SystemPrompt,
	}, nil
}

// NewTransport picks the relayed or direct transport. The direct transport
// uses the API key when one is configured and otherwise asks the bridge for
// an ephemeral token.
func NewTransport(cfg config.ClientConfig, api *apiclient.Client, logger *slog.Logger) (live.Transport, error) {
	switch cfg.Transport {
	case config.TransportRelay:
		wsURL, err := api.LiveURL()
		if err != nil {
			return nil, err
		}
		return live.NewRelayTransport(live.RelayConfig{URL: wsURL, Logger: logger}), nil
	case config.TransportDirect:
		dc := live.DirectConfig{URL: cfg.DirectURL, Logger: logger}
		if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
			dc.APIKey = cfg.GeminiAPIKey
		} else {
			dc.Token = api.IssueToken
		}
		return live.NewDirectTransport(dc), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// SessionIDFunc reports the bridge session id for transports that have one.
func SessionIDFunc(t live.Transport) func() string {
	if st, ok := t.(interface{ SessionID() string }); ok {
		return st.SessionID
	}
	return func() string { return "" }
}
