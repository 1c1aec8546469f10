package audio

import "errors"

var (
	// ErrPermissionDenied means the OS refused microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceUnavailable means no usable capture or output device exists.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrCaptureRunning is returned by Start on an already running capturer.
	ErrCaptureRunning = errors.New("capture already running")
)
