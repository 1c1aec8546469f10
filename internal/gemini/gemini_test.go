package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/ent0n29/mamavoice/internal/bridge"
	"github.com/ent0n29/mamavoice/internal/live"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("NewClient() error = %v, want ErrMissingAPIKey", err)
	}
}

func TestLiveConnectConfigAudio(t *testing.T) {
	cfg := liveConnectConfig(bridge.UpstreamConfig{
		Voice:              "Aoede",
		ResponseModality:   live.ModalityAudio,
		SystemInstruction:  "be kind",
		InputTranscription: true,
		VAD: bridge.VADConfig{
			StartSensitivity:  "High",
			EndSensitivity:    "low",
			PrefixPaddingMs:   20,
			SilenceDurationMs: 600,
		},
	})

	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Fatalf("ResponseModalities = %v", cfg.ResponseModalities)
	}
	if cfg.SpeechConfig == nil || cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Aoede" {
		t.Fatalf("SpeechConfig = %+v", cfg.SpeechConfig)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be kind" {
		t.Fatalf("SystemInstruction = %+v", cfg.SystemInstruction)
	}
	if cfg.InputAudioTranscription == nil || cfg.OutputAudioTranscription != nil {
		t.Fatalf("transcription = %+v / %+v", cfg.InputAudioTranscription, cfg.OutputAudioTranscription)
	}
	aad := cfg.RealtimeInputConfig.AutomaticActivityDetection
	if aad.Disabled {
		t.Fatalf("automatic activity detection disabled on the bridge")
	}
	if aad.StartOfSpeechSensitivity != genai.StartSensitivityHigh || aad.EndOfSpeechSensitivity != genai.EndSensitivityLow {
		t.Fatalf("sensitivities = %q / %q", aad.StartOfSpeechSensitivity, aad.EndOfSpeechSensitivity)
	}
	if aad.PrefixPaddingMs == nil || *aad.PrefixPaddingMs != 20 || aad.SilenceDurationMs == nil || *aad.SilenceDurationMs != 600 {
		t.Fatalf("padding/silence = %v / %v", aad.PrefixPaddingMs, aad.SilenceDurationMs)
	}
}

func TestLiveConnectConfigTextSkipsVoice(t *testing.T) {
	cfg := liveConnectConfig(bridge.UpstreamConfig{Voice: "Aoede", ResponseModality: live.ModalityText})
	if cfg.ResponseModalities[0] != genai.ModalityText {
		t.Fatalf("ResponseModalities = %v", cfg.ResponseModalities)
	}
	if cfg.SpeechConfig != nil || cfg.SystemInstruction != nil {
		t.Fatalf("text config carries speech or empty instruction: %+v", cfg)
	}
	aad := cfg.RealtimeInputConfig.AutomaticActivityDetection
	if aad.StartOfSpeechSensitivity != "" || aad.PrefixPaddingMs != nil {
		t.Fatalf("unset VAD fields should stay at provider defaults: %+v", aad)
	}
}

func TestUpstreamMessage(t *testing.T) {
	got := upstreamMessage(&genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{1, 0}}},
				{Text: "Hello "},
				{Text: "thinking", Thought: true},
				{Text: "Amara"},
			}},
			InputTranscription:  &genai.Transcription{Text: "hi"},
			OutputTranscription: &genai.Transcription{Text: "Hello Amara"},
			TurnComplete:        true,
		},
	})
	if len(got.Audio) != 1 || got.AudioRate != 24000 {
		t.Fatalf("audio = %d chunks at %d", len(got.Audio), got.AudioRate)
	}
	if got.Text != "Hello Amara" || got.InputTranscript != "hi" || got.OutputTranscript != "Hello Amara" {
		t.Fatalf("text fields = %+v", got)
	}
	if !got.TurnComplete || got.Interrupted || got.SetupComplete {
		t.Fatalf("flags = %+v", got)
	}

	setup := upstreamMessage(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}})
	if !setup.SetupComplete {
		t.Fatalf("SetupComplete = false")
	}
	if empty := upstreamMessage(nil); empty.SetupComplete || len(empty.Audio) != 0 {
		t.Fatalf("nil message = %+v", empty)
	}
}

func TestIsNormalClose(t *testing.T) {
	if !isNormalClose(&websocket.CloseError{Code: websocket.CloseNormalClosure}) {
		t.Fatalf("normal closure not recognized")
	}
	if !isNormalClose(fmt.Errorf("receive: %w", io.EOF)) {
		t.Fatalf("wrapped EOF not recognized")
	}
	if isNormalClose(&websocket.CloseError{Code: websocket.CloseInternalServerErr}) {
		t.Fatalf("1011 treated as normal")
	}
}

func TestChatContents(t *testing.T) {
	got := chatContents([]ChatMessage{
		{Role: "user", Text: "I have a headache"},
		{Role: "assistant", Text: "Since when?"},
		{Role: "user", Text: "  "},
	}, "Two days")
	if len(got) != 3 {
		t.Fatalf("len(contents) = %d, want 3", len(got))
	}
	if got[1].Role != string(genai.RoleModel) || got[2].Role != string(genai.RoleUser) || got[2].Parts[0].Text != "Two days" {
		t.Fatalf("contents = %+v", got)
	}
}
