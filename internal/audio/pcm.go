package audio

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// CaptureSampleRate is the microphone rate sent upstream.
	CaptureSampleRate = 16000
	// PlaybackSampleRate is the rate of synthesized speech coming back.
	PlaybackSampleRate = 24000
	// CaptureFrameSamples is ~128 ms at 16 kHz.
	CaptureFrameSamples = 2048
)

// Frame is a block of mono 16-bit signed PCM.
type Frame struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// NewFrame builds a mono frame.
func NewFrame(samples []int16, sampleRate int) Frame {
	return Frame{Samples: samples, SampleRate: sampleRate, Channels: 1}
}

// Duration returns the playout length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || len(f.Samples) == 0 {
		return 0
	}
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	n := int64(len(f.Samples) / ch)
	return time.Duration(n) * time.Second / time.Duration(f.SampleRate)
}

// PCM16LE returns the frame as little-endian bytes.
func (f Frame) PCM16LE() []byte {
	return EncodePCM16LE(f.Samples)
}

// Base64 returns the frame as base64 encoded PCM16LE.
func (f Frame) Base64() string {
	return base64.StdEncoding.EncodeToString(EncodePCM16LE(f.Samples))
}

// MIMEType returns the provider mime type for the frame, e.g. audio/pcm;rate=16000.
func (f Frame) MIMEType() string {
	return MIMEType(f.SampleRate)
}

// EncodePCM16LE serializes samples as little-endian 16-bit PCM.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

// DecodePCM16LE parses little-endian 16-bit PCM. A trailing odd byte is ignored.
func DecodePCM16LE(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out
}

// DecodeBase64Frame decodes a base64 PCM16LE payload into a frame.
func DecodeBase64Frame(payload string, sampleRate int) (Frame, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("decode pcm base64: %w", err)
	}
	return NewFrame(DecodePCM16LE(raw), sampleRate), nil
}

// PeakAmplitude returns the maximum absolute amplitude in [0, 1].
func PeakAmplitude(samples []int16) float64 {
	var maxAbs float64
	for _, s := range samples {
		// float64 avoids overflow when negating -32768
		abs := math.Abs(float64(s))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768.0
}

// Resample converts mono samples between rates with linear interpolation.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(samples) == 0 {
		return samples
	}
	outLen := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	if outLen <= 0 {
		return nil
	}
	out := make([]int16, outLen)
	step := float64(fromRate) / float64(toRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		lo := int(pos)
		if lo >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(lo)
		v := float64(samples[lo])*(1-frac) + float64(samples[lo+1])*frac
		out[i] = int16(math.Round(v))
	}
	return out
}

// MIMEType renders the raw PCM mime type used on the wire.
func MIMEType(sampleRate int) string {
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	return "audio/pcm;rate=" + strconv.Itoa(sampleRate)
}

// RateFromMIMEType extracts the rate parameter from a PCM mime type.
func RateFromMIMEType(mime string, fallback int) int {
	for _, part := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "rate") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
