package live

import (
	"errors"
	"fmt"

	"github.com/ent0n29/mamavoice/internal/audio"
)

var (
	ErrConnectTimeout   = errors.New("connect timeout")
	ErrTransport        = errors.New("transport error")
	ErrCredential       = errors.New("credential error")
	ErrProvider         = errors.New("provider error")
	ErrMalformedMessage = errors.New("malformed message")
	ErrNotConnected     = errors.New("session not connected")
	ErrSessionUsed      = errors.New("session already used")

	ErrPermissionDenied  = audio.ErrPermissionDenied
	ErrDeviceUnavailable = audio.ErrDeviceUnavailable
)

// Error is a classified session failure. Kind is one of the sentinel errors
// above and is what errors.Is matches against.
type Error struct {
	Kind      error
	Code      string
	Detail    string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
