package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/ent0n29/mamavoice/internal/audio"
	"github.com/ent0n29/mamavoice/internal/bridge"
	"github.com/ent0n29/mamavoice/internal/live"
)

// Connect opens a live session authenticated with an ephemeral token.
func (c *Client) Connect(ctx context.Context, token string, cfg bridge.UpstreamConfig) (bridge.UpstreamSession, error) {
	gc, err := newGenAIClient(ctx, token)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = c.cfg.LiveModel
	}
	sess, err := gc.Live.Connect(ctx, model, liveConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}
	c.logger.Debug("gemini_live_connected", "model", model)
	return &liveSession{sess: sess}, nil
}

func liveConnectConfig(cfg bridge.UpstreamConfig) *genai.LiveConnectConfig {
	modality := genai.ModalityAudio
	if cfg.ResponseModality == live.ModalityText {
		modality = genai.ModalityText
	}
	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{modality},
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: automaticActivityDetection(cfg.VAD),
		},
	}
	if modality == genai.ModalityAudio && cfg.Voice != "" {
		out.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		out.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	if cfg.InputTranscription {
		out.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		out.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return out
}

func automaticActivityDetection(vad bridge.VADConfig) *genai.AutomaticActivityDetection {
	out := &genai.AutomaticActivityDetection{}
	switch strings.ToLower(strings.TrimSpace(vad.StartSensitivity)) {
	case "high":
		out.StartOfSpeechSensitivity = genai.StartSensitivityHigh
	case "low":
		out.StartOfSpeechSensitivity = genai.StartSensitivityLow
	}
	switch strings.ToLower(strings.TrimSpace(vad.EndSensitivity)) {
	case "high":
		out.EndOfSpeechSensitivity = genai.EndSensitivityHigh
	case "low":
		out.EndOfSpeechSensitivity = genai.EndSensitivityLow
	}
	if vad.PrefixPaddingMs > 0 {
		v := int32(vad.PrefixPaddingMs)
		out.PrefixPaddingMs = &v
	}
	if vad.SilenceDurationMs > 0 {
		v := int32(vad.SilenceDurationMs)
		out.SilenceDurationMs = &v
	}
	return out
}

type liveSession struct {
	sess *genai.Session
}

func (s *liveSession) SendText(text string) error {
	return s.sess.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
	})
}

func (s *liveSession) SendAudio(pcm []byte, sampleRate int) error {
	return s.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: audio.MIMEType(sampleRate), Data: pcm},
	})
}

func (s *liveSession) SendAudioStreamEnd() error {
	return s.sess.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true})
}

func (s *liveSession) Receive() (bridge.UpstreamMessage, error) {
	msg, err := s.sess.Receive()
	if err != nil {
		if isNormalClose(err) {
			return bridge.UpstreamMessage{}, io.EOF
		}
		return bridge.UpstreamMessage{}, err
	}
	return upstreamMessage(msg), nil
}

func (s *liveSession) Close() error {
	return s.sess.Close()
}

func isNormalClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}

func upstreamMessage(msg *genai.LiveServerMessage) bridge.UpstreamMessage {
	var out bridge.UpstreamMessage
	if msg == nil {
		return out
	}
	out.SetupComplete = msg.SetupComplete != nil
	out.GoAway = msg.GoAway != nil

	sc := msg.ServerContent
	if sc == nil {
		return out
	}
	if sc.ModelTurn != nil {
		var text strings.Builder
		for _, part := range sc.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				if out.AudioRate == 0 {
					out.AudioRate = audio.RateFromMIMEType(part.InlineData.MIMEType, audio.PlaybackSampleRate)
				}
				out.Audio = append(out.Audio, part.InlineData.Data)
			}
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
		}
		out.Text = text.String()
	}
	if sc.InputTranscription != nil {
		out.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscript = sc.OutputTranscription.Text
	}
	out.TurnComplete = sc.TurnComplete
	out.Interrupted = sc.Interrupted
	return out
}
