package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

type readerSource struct {
	io.Reader
	closed int
	mu     sync.Mutex
}

func (s *readerSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	if c, ok := s.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type fakeOpener struct {
	src Source
	err error
}

func (o *fakeOpener) Open(context.Context, CaptureConfig) (Source, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.src, nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func waitStopped(t *testing.T, c *Capturer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("capturer still running")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCapturerEmitsFixedFramesAndPadsTail(t *testing.T) {
	samples := make([]int16, 8+4)
	for i := range samples {
		samples[i] = int16(i * 1000)
	}
	samples[3] = -32768
	src := &readerSource{Reader: bytes.NewReader(EncodePCM16LE(samples))}
	c := NewCapturer(&fakeOpener{src: src}, CaptureConfig{FrameSamples: 8}, nil)

	var (
		mu     sync.Mutex
		frames []Frame
		peaks  []float64
	)
	err := c.Start(context.Background(), func(f Frame, peak float64) {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, f)
		peaks = append(peaks, peak)
	}, func(err error) {
		t.Errorf("unexpected capture error: %v", err)
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitStopped(t, c)

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f.Samples) != 8 {
			t.Fatalf("frame %d samples = %d, want 8", i, len(f.Samples))
		}
		if f.SampleRate != CaptureSampleRate {
			t.Fatalf("frame %d rate = %d, want %d", i, f.SampleRate, CaptureSampleRate)
		}
	}
	if peaks[0] != 1 {
		t.Fatalf("peak = %v, want 1", peaks[0])
	}
	if frames[1].Samples[3] != 11000 || frames[1].Samples[4] != 0 || frames[1].Samples[7] != 0 {
		t.Fatalf("tail frame not zero padded: %v", frames[1].Samples)
	}
}

func TestCapturerStopIsIdempotent(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	src := &readerSource{Reader: pr}
	c := NewCapturer(&fakeOpener{src: src}, CaptureConfig{}, nil)

	if err := c.Start(context.Background(), nil, func(err error) {
		t.Errorf("stop must not surface an error: %v", err)
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !c.Running() {
		t.Fatalf("Running() = false after Start")
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("first Stop() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if c.Running() {
		t.Fatalf("Running() = true after Stop")
	}
	if src.closed != 1 {
		t.Fatalf("source closed %d times, want 1", src.closed)
	}
}

func TestCapturerStartSurfacesPermissionDenied(t *testing.T) {
	c := NewCapturer(&fakeOpener{err: ErrPermissionDenied}, CaptureConfig{}, nil)
	err := c.Start(context.Background(), nil, nil)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start() error = %v, want ErrPermissionDenied", err)
	}
	if c.Running() {
		t.Fatalf("Running() = true after failed Start")
	}
}

func TestCapturerReadFailureReportsDeviceUnavailable(t *testing.T) {
	src := &readerSource{Reader: errReader{err: errors.New("device unplugged")}}
	c := NewCapturer(&fakeOpener{src: src}, CaptureConfig{}, nil)

	errCh := make(chan error, 1)
	if err := c.Start(context.Background(), nil, func(err error) { errCh <- err }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDeviceUnavailable) {
			t.Fatalf("capture error = %v, want ErrDeviceUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for capture error")
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() after failure error = %v", err)
	}
}

func TestClassifyCaptureFailure(t *testing.T) {
	err := classifyCaptureFailure(errors.New("exit status 1"), "[pulse] Permission denied")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("error = %v, want ErrPermissionDenied", err)
	}
	err = classifyCaptureFailure(errors.New("exit status 1"), "default: No such device")
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestFFmpegCaptureArgs(t *testing.T) {
	args, err := ffmpegCaptureArgs("linux", CaptureConfig{SampleRate: 16000, EnhanceVoice: true})
	if err != nil {
		t.Fatalf("ffmpegCaptureArgs() error = %v", err)
	}
	joined := " " + join(args) + " "
	for _, want := range []string{" -f pulse ", " -i default ", " -ar 16000 ", " -ac 1 ", " -af "} {
		if !bytes.Contains([]byte(joined), []byte(want)) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
	if _, err := ffmpegCaptureArgs("plan9", CaptureConfig{}); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("unsupported platform error = %v, want ErrDeviceUnavailable", err)
	}
}

func join(args []string) string {
	var b bytes.Buffer
	for i, a := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(a)
	}
	return b.String()
}
