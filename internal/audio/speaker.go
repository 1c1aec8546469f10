package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFplaySink plays scheduled frames through an ffplay child process fed on
// stdin. The process is started on first use and restarted after Flush.
type FFplaySink struct {
	path       string
	sampleRate int
	clock      Clock
	logger     *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

func NewFFplaySink(path string, sampleRate int, clock Clock, logger *slog.Logger) *FFplaySink {
	if strings.TrimSpace(path) == "" {
		path = "ffplay"
	}
	if sampleRate <= 0 {
		sampleRate = PlaybackSampleRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFplaySink{path: path, sampleRate: sampleRate, clock: clock, logger: logger}
}

// Play writes the frame to ffplay when the output clock reaches at.
func (s *FFplaySink) Play(at time.Duration, f Frame) Timer {
	pcm := f.PCM16LE()
	delay := at - s.clock.Now()
	return s.clock.AfterFunc(delay, func() {
		if err := s.write(pcm); err != nil {
			s.logger.Warn("speaker_write_failed", "error", err)
		}
	})
}

// Flush kills the player so buffered audio is dropped immediately.
func (s *FFplaySink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *FFplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.stopLocked()
}

func (s *FFplaySink) write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.startLocked(); err != nil {
		return err
	}
	if _, err := s.stdin.Write(pcm); err != nil {
		_ = s.stopLocked()
		return err
	}
	return nil
}

func (s *FFplaySink) startLocked() error {
	if s.cmd != nil {
		return nil
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-fflags", "nobuffer",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", strconv.Itoa(s.sampleRate),
		"-i", "-",
	}
	cmd := exec.Command(s.path, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL may otherwise pick a silent dummy backend.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s not found", ErrDeviceUnavailable, s.path)
		}
		return fmt.Errorf("%w: start ffplay: %v", ErrDeviceUnavailable, err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

func (s *FFplaySink) stopLocked() error {
	if s.cmd == nil {
		return nil
	}
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	err := normalizeStopErr(s.cmd.Wait())
	s.cmd = nil
	s.stdin = nil
	return err
}
