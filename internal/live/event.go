package live

import "github.com/ent0n29/mamavoice/internal/audio"

// EventKind tags an inbound transport event.
type EventKind string

const (
	EventOpened          EventKind = "opened"
	EventReady           EventKind = "ready"
	EventPartialText     EventKind = "partial_text"
	EventFinalText       EventKind = "final_text"
	EventInputTranscript EventKind = "input_transcript"
	EventAudioChunk      EventKind = "audio_chunk"
	EventTurnComplete    EventKind = "turn_complete"
	EventInterrupted     EventKind = "interrupted"
	EventSpeechStarted   EventKind = "speech_started"
	EventSpeechEnded     EventKind = "speech_ended"
	EventError           EventKind = "error"
	EventClosed          EventKind = "closed"
)

// Event is the tagged variant every transport produces. Only the field
// matching Kind is meaningful: Text for the text kinds, Frame for
// EventAudioChunk, Err for EventError and EventClosed.
type Event struct {
	Kind  EventKind
	Text  string
	Frame audio.Frame
	Err   error
}

// Status is the session lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}
