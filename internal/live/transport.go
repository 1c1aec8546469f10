package live

import (
	"context"

	"github.com/ent0n29/mamavoice/internal/audio"
)

// OutboundKind tags a message the session asks a transport to send.
type OutboundKind int

const (
	OutboundSetup OutboundKind = iota
	OutboundText
	OutboundAudio
	OutboundActivityStart
	OutboundActivityEnd
	OutboundAudioStreamEnd
)

func (k OutboundKind) String() string {
	switch k {
	case OutboundSetup:
		return "setup"
	case OutboundText:
		return "text"
	case OutboundAudio:
		return "audio"
	case OutboundActivityStart:
		return "activity_start"
	case OutboundActivityEnd:
		return "activity_end"
	case OutboundAudioStreamEnd:
		return "audio_stream_end"
	default:
		return "unknown"
	}
}

// Outbound is one client→server message. Each transport renders it in its
// own wire vocabulary.
type Outbound struct {
	Kind   OutboundKind
	Config SessionConfig
	Text   string
	Frame  audio.Frame
}

// Transport is a bidirectional channel to the provider, either direct or
// through the bridge.
type Transport interface {
	// Open dials the channel. On failure nothing is left open and the error
	// wraps ErrTransport, ErrCredential or ErrConnectTimeout. A successful
	// Open is followed by an EventOpened on Events.
	Open(ctx context.Context) error
	// Send is fire-and-forget and preserves order. It reports false and
	// drops the message when the channel is not open.
	Send(msg Outbound) bool
	// Events yields inbound events and is closed when the channel ends. An
	// unexpected end is reported as EventClosed first; Close is silent.
	Events() <-chan Event
	Connected() bool
	// ServerVAD reports whether the far end detects turn boundaries itself.
	ServerVAD() bool
	Close() error
}
