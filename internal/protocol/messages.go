package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies relay websocket payload variants exchanged between
// the conversation client and the bridge.
type MessageType string

const (
	TypeSessionSetup     MessageType = "session_setup"
	TypeClientText       MessageType = "client_text"
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeAudioStreamEnd   MessageType = "audio_stream_end"

	TypeReady              MessageType = "ready"
	TypeAssistantAudio     MessageType = "assistant_audio_chunk"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeInputTranscript    MessageType = "input_transcript"
	TypeTurnComplete       MessageType = "turn_complete"
	TypeInterrupted        MessageType = "interrupted"
	TypeSpeechStarted      MessageType = "speech_started"
	TypeSpeechEnded        MessageType = "speech_ended"
	TypeErrorEvent         MessageType = "error_event"
	TypeSessionClosed      MessageType = "session_closed"
)

// Error codes carried by ErrorEvent.
const (
	CodeInvalidMessage  = "invalid_client_message"
	CodeConnectTimeout  = "connect_timeout"
	CodeTransportError  = "transport_error"
	CodeProviderError   = "provider_error"
	CodeSetupRequired   = "setup_required"
	CodeSessionNotFound = "session_not_found"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type SessionSetup struct {
	Type                MessageType `json:"type"`
	UserID              string      `json:"user_id"`
	DisplayName         string      `json:"display_name"`
	PriorContext        string      `json:"prior_context,omitempty"`
	ResponseModality    string      `json:"response_modality,omitempty"`
	InputTranscription  bool        `json:"input_transcription"`
	OutputTranscription bool        `json:"output_transcription"`
}

type ClientText struct {
	Type         MessageType `json:"type"`
	Text         string      `json:"text"`
	TurnComplete bool        `json:"turn_complete"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
}

type AudioStreamEnd struct {
	Type MessageType `json:"type"`
}

type Ready struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Model     string      `json:"model,omitempty"`
	VoiceID   string      `json:"voice_id,omitempty"`
	ServerVAD bool        `json:"server_vad"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TextDelta string      `json:"text_delta"`
}

type InputTranscript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// TurnSignal covers the payload-free turn boundary messages.
type TurnSignal struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

type SessionClosed struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
}

// ParseClientMessage decodes a client→bridge relay frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSessionSetup:
		var msg SessionSetup
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid client_text")
		}
		return msg, nil
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeAudioStreamEnd:
		return AudioStreamEnd{Type: TypeAudioStreamEnd}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes a bridge→client relay frame.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var out any
	switch env.Type {
	case TypeReady:
		out = &Ready{}
	case TypeAssistantAudio:
		out = &AssistantAudioChunk{}
	case TypeAssistantTextDelta:
		out = &AssistantTextDelta{}
	case TypeInputTranscript:
		out = &InputTranscript{}
	case TypeTurnComplete, TypeInterrupted, TypeSpeechStarted, TypeSpeechEnded:
		out = &TurnSignal{}
	case TypeErrorEvent:
		out = &ErrorEvent{}
	case TypeSessionClosed:
		out = &SessionClosed{}
	default:
		return nil, ErrUnsupportedType
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}
