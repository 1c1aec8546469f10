package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFmpegOpener captures the microphone through an ffmpeg child process.
type FFmpegOpener struct {
	Command string
}

func NewFFmpegOpener(command string) *FFmpegOpener {
	if strings.TrimSpace(command) == "" {
		command = "ffmpeg"
	}
	return &FFmpegOpener{Command: command}
}

func (o *FFmpegOpener) Open(ctx context.Context, cfg CaptureConfig) (Source, error) {
	cfg = cfg.withDefaults()
	args, err := ffmpegCaptureArgs(runtime.GOOS, cfg)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(o.Command, args...)
	var stderr lockedBuffer
	cmd.Stderr = &stderr

	// The read end stays ours so reaping the process never closes it under a
	// pending Read; readers see buffered audio and then EOF.
	stdout, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	cmd.Stdout = pw
	startErr := cmd.Start()
	_ = pw.Close()
	if startErr != nil {
		_ = stdout.Close()
		if errors.Is(startErr, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s not found", ErrDeviceUnavailable, o.Command)
		}
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrDeviceUnavailable, startErr)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		_ = stdout.Close()
		return nil, classifyCaptureFailure(err, stderr.String())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		_ = stdout.Close()
		return nil, ctx.Err()
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegSource{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

func ffmpegCaptureArgs(goos string, cfg CaptureConfig) ([]string, error) {
	format, device := cfg.InputFormat, cfg.InputDevice
	switch goos {
	case "darwin":
		if format == "" {
			format = "avfoundation"
		}
		if device == "" {
			device = ":0"
		}
	case "linux":
		if format == "" {
			format = "pulse"
		}
		if device == "" {
			device = "default"
		}
	default:
		if format == "" || device == "" {
			return nil, fmt.Errorf("%w: microphone capture needs MIC_INPUT_FORMAT and MIC_INPUT_DEVICE on %s", ErrDeviceUnavailable, goos)
		}
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", format,
		"-i", device,
	}
	if cfg.EnhanceVoice {
		// Noise suppression plus loudness normalisation. Echo cancellation is
		// expected from the capture device (e.g. a pulse echo-cancel source).
		args = append(args, "-af", "highpass=f=80,afftdn=nf=-25,dynaudnorm=f=150:g=15")
	}
	args = append(args,
		"-ac", "1",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	)
	return args, nil
}

func classifyCaptureFailure(waitErr error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "not permitted"),
		strings.Contains(lower, "not authorized"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, detail)
	case waitErr != nil:
		return fmt.Errorf("%w: ffmpeg exited before capture started: %v: %s", ErrDeviceUnavailable, waitErr, detail)
	default:
		return fmt.Errorf("%w: ffmpeg exited before capture started", ErrDeviceUnavailable)
	}
}

type ffmpegSource struct {
	stdout io.ReadCloser
	stderr *lockedBuffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSource) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSource) Close() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = closeErr
		}
		if s.stopErr != nil && s.stderr != nil {
			if tail := strings.TrimSpace(s.stderr.String()); tail != "" {
				s.stopErr = fmt.Errorf("%w: %s", s.stopErr, tail)
			}
		}
	})
	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// lockedBuffer lets the exec package write stderr while we read it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
