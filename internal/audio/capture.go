package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// CaptureConfig describes how the microphone should be opened.
type CaptureConfig struct {
	SampleRate   int
	FrameSamples int
	InputFormat  string
	InputDevice  string
	// EnhanceVoice asks the source for echo cancellation, noise suppression
	// and automatic gain where the backend supports it.
	EnhanceVoice bool
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = CaptureSampleRate
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = CaptureFrameSamples
	}
	return c
}

// Source is an open microphone stream of mono PCM16LE bytes.
type Source interface {
	io.ReadCloser
}

// SourceOpener acquires a microphone. Implementations map OS failures to
// ErrPermissionDenied or ErrDeviceUnavailable.
type SourceOpener interface {
	Open(ctx context.Context, cfg CaptureConfig) (Source, error)
}

// FrameFunc receives each captured frame and its peak amplitude.
type FrameFunc func(f Frame, peak float64)

// Capturer turns a Source into fixed-size frames.
type Capturer struct {
	opener SourceOpener
	cfg    CaptureConfig
	logger *slog.Logger

	mu      sync.Mutex
	src     Source
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewCapturer(opener SourceOpener, cfg CaptureConfig, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{opener: opener, cfg: cfg.withDefaults(), logger: logger}
}

// Start opens the microphone and begins emitting frames to onFrame from a
// dedicated goroutine. onErr is invoked at most once when the stream fails
// for a reason other than Stop.
func (c *Capturer) Start(ctx context.Context, onFrame FrameFunc, onErr func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrCaptureRunning
	}

	runCtx, cancel := context.WithCancel(context.Background())
	src, err := c.opener.Open(ctx, c.cfg)
	if err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	c.src = src
	c.cancel = cancel
	c.done = done
	c.running = true

	go func() {
		err := c.pump(runCtx, src, onFrame)
		if runCtx.Err() == nil {
			// Stream ended on its own; Stop did not close it.
			_ = src.Close()
		}
		cancel()
		c.finish(src, done)
		if err != nil && onErr != nil {
			onErr(err)
		}
	}()
	c.logger.Debug("capture_started", "sample_rate", c.cfg.SampleRate, "frame_samples", c.cfg.FrameSamples)
	return nil
}

// Stop releases the device. Calling it on a stopped capturer is a no-op.
func (c *Capturer) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	src, cancel, done := c.src, c.cancel, c.done
	c.mu.Unlock()

	cancel()
	err := src.Close()
	<-done
	c.logger.Debug("capture_stopped")
	return err
}

// Running reports whether frames are currently being emitted.
func (c *Capturer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Capturer) finish(src Source, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.src == src {
		c.src = nil
		c.cancel = nil
		c.done = nil
		c.running = false
	}
	close(done)
}

func (c *Capturer) pump(ctx context.Context, src Source, onFrame FrameFunc) error {
	buf := make([]byte, c.cfg.FrameSamples*2)
	for {
		n, err := io.ReadFull(src, buf)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err == nil:
			c.emit(buf, onFrame)
		case errors.Is(err, io.ErrUnexpectedEOF):
			// Pad the tail so every frame keeps the fixed size.
			clear(buf[n:])
			c.emit(buf, onFrame)
			return nil
		case errors.Is(err, io.EOF):
			return nil
		default:
			return fmt.Errorf("%w: read microphone: %v", ErrDeviceUnavailable, err)
		}
	}
}

func (c *Capturer) emit(buf []byte, onFrame FrameFunc) {
	samples := DecodePCM16LE(buf)
	if onFrame != nil {
		onFrame(NewFrame(samples, c.cfg.SampleRate), PeakAmplitude(samples))
	}
}
