package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// fakeFFmpeg writes an executable shell script that ignores its arguments.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skipf("no shell capture stand-in on %s", runtime.GOOS)
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestFFmpegSourceKeepsAudioWrittenBeforeExit(t *testing.T) {
	cmd := fakeFFmpeg(t, "printf 'pcm-frames'\nsleep 0.3")
	src, err := NewFFmpegOpener(cmd).Open(context.Background(), CaptureConfig{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	// Let the child exit and be reaped before anything is read.
	time.Sleep(500 * time.Millisecond)

	got, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != "pcm-frames" {
		t.Fatalf("ReadAll() = %q, want %q", got, "pcm-frames")
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestFFmpegOpenReportsEarlyExit(t *testing.T) {
	cmd := fakeFFmpeg(t, "echo '[pulse] Permission denied' >&2\nexit 1")
	_, err := NewFFmpegOpener(cmd).Open(context.Background(), CaptureConfig{})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Open() error = %v, want ErrPermissionDenied", err)
	}
}

func TestFFmpegOpenMissingBinary(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skipf("capture args need explicit devices on %s", runtime.GOOS)
	}
	_, err := NewFFmpegOpener(filepath.Join(t.TempDir(), "missing-ffmpeg")).Open(context.Background(), CaptureConfig{})
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Open() error = %v, want ErrDeviceUnavailable", err)
	}
}
