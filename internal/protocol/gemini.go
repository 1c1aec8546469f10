package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire types for the provider's bidirectional streaming endpoint
// (BidiGenerateContent). Only the fields the live engine reads or writes are
// modelled; unknown fields are ignored on decode.

type Empty struct{}

type ProviderClientMessage struct {
	Setup         *ProviderSetup         `json:"setup,omitempty"`
	ClientContent *ProviderClientContent `json:"clientContent,omitempty"`
	RealtimeInput *ProviderRealtimeInput `json:"realtimeInput,omitempty"`
}

type ProviderSetup struct {
	Model                    string                   `json:"model"`
	GenerationConfig         ProviderGenerationConfig `json:"generationConfig"`
	SystemInstruction        *ProviderContent         `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      *ProviderRealtimeConfig  `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *Empty                   `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *Empty                   `json:"outputAudioTranscription,omitempty"`
}

type ProviderGenerationConfig struct {
	ResponseModalities []string              `json:"responseModalities"`
	SpeechConfig       *ProviderSpeechConfig `json:"speechConfig,omitempty"`
}

type ProviderSpeechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type ProviderRealtimeConfig struct {
	AutomaticActivityDetection ProviderActivityDetection `json:"automaticActivityDetection"`
}

type ProviderActivityDetection struct {
	Disabled bool `json:"disabled"`
}

type ProviderContent struct {
	Role  string         `json:"role,omitempty"`
	Parts []ProviderPart `json:"parts"`
}

type ProviderPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *ProviderBlob `json:"inlineData,omitempty"`
}

type ProviderBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type ProviderClientContent struct {
	Turns        []ProviderContent `json:"turns"`
	TurnComplete bool              `json:"turnComplete"`
}

type ProviderRealtimeInput struct {
	Audio          *ProviderBlob `json:"audio,omitempty"`
	ActivityStart  *Empty        `json:"activityStart,omitempty"`
	ActivityEnd    *Empty        `json:"activityEnd,omitempty"`
	AudioStreamEnd bool          `json:"audioStreamEnd,omitempty"`
}

type ProviderServerMessage struct {
	SetupComplete *Empty                 `json:"setupComplete,omitempty"`
	ServerContent *ProviderServerContent `json:"serverContent,omitempty"`
	GoAway        *ProviderGoAway        `json:"goAway,omitempty"`
	Error         *ProviderError         `json:"error,omitempty"`
}

type ProviderServerContent struct {
	ModelTurn           *ProviderContent       `json:"modelTurn,omitempty"`
	TurnComplete        bool                   `json:"turnComplete,omitempty"`
	Interrupted         bool                   `json:"interrupted,omitempty"`
	GenerationComplete  bool                   `json:"generationComplete,omitempty"`
	InputTranscription  *ProviderTranscription `json:"inputTranscription,omitempty"`
	OutputTranscription *ProviderTranscription `json:"outputTranscription,omitempty"`
}

type ProviderTranscription struct {
	Text string `json:"text"`
}

type ProviderGoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type ProviderError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

var ErrEmptyProviderMessage = errors.New("provider message has no known field")

// SetupParams is the one-shot session configuration rendered into a setup
// frame.
type SetupParams struct {
	Model               string
	Voice               string
	ResponseModality    string
	SystemInstruction   string
	InputTranscription  bool
	OutputTranscription bool
	// ClientActivity disables server-side voice activity detection; the
	// client then brackets each utterance with activityStart/activityEnd.
	ClientActivity bool
}

func NewProviderSetup(p SetupParams) ProviderClientMessage {
	model := p.Model
	if model != "" && !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	modality := strings.ToUpper(strings.TrimSpace(p.ResponseModality))
	if modality == "" {
		modality = "AUDIO"
	}

	setup := &ProviderSetup{
		Model:            model,
		GenerationConfig: ProviderGenerationConfig{ResponseModalities: []string{modality}},
	}
	if modality == "AUDIO" && p.Voice != "" {
		sc := &ProviderSpeechConfig{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = p.Voice
		setup.GenerationConfig.SpeechConfig = sc
	}
	if p.SystemInstruction != "" {
		setup.SystemInstruction = &ProviderContent{Parts: []ProviderPart{{Text: p.SystemInstruction}}}
	}
	if p.ClientActivity {
		setup.RealtimeInputConfig = &ProviderRealtimeConfig{
			AutomaticActivityDetection: ProviderActivityDetection{Disabled: true},
		}
	}
	if p.InputTranscription {
		setup.InputAudioTranscription = &Empty{}
	}
	if p.OutputTranscription {
		setup.OutputAudioTranscription = &Empty{}
	}
	return ProviderClientMessage{Setup: setup}
}

func NewProviderText(text string) ProviderClientMessage {
	return ProviderClientMessage{ClientContent: &ProviderClientContent{
		Turns:        []ProviderContent{{Role: "user", Parts: []ProviderPart{{Text: text}}}},
		TurnComplete: true,
	}}
}

func NewProviderAudio(mimeType, b64 string) ProviderClientMessage {
	return ProviderClientMessage{RealtimeInput: &ProviderRealtimeInput{
		Audio: &ProviderBlob{MIMEType: mimeType, Data: b64},
	}}
}

func NewProviderActivityStart() ProviderClientMessage {
	return ProviderClientMessage{RealtimeInput: &ProviderRealtimeInput{ActivityStart: &Empty{}}}
}

func NewProviderActivityEnd() ProviderClientMessage {
	return ProviderClientMessage{RealtimeInput: &ProviderRealtimeInput{ActivityEnd: &Empty{}}}
}

func NewProviderAudioStreamEnd() ProviderClientMessage {
	return ProviderClientMessage{RealtimeInput: &ProviderRealtimeInput{AudioStreamEnd: true}}
}

// ParseProviderMessage decodes one inbound provider frame. Frames that carry
// none of the modelled fields yield ErrEmptyProviderMessage so callers can
// skip them.
func ParseProviderMessage(raw []byte) (*ProviderServerMessage, error) {
	var msg ProviderServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid provider frame: %w", err)
	}
	if msg.SetupComplete == nil && msg.ServerContent == nil && msg.GoAway == nil && msg.Error == nil {
		return nil, ErrEmptyProviderMessage
	}
	return &msg, nil
}
