package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
)

const wavHeaderSize = 44

// WAVRecorder appends mono PCM16 frames to a WAV file and fixes up the
// RIFF sizes on Close.
type WAVRecorder struct {
	mu         sync.Mutex
	f          *os.File
	w          *bufio.Writer
	sampleRate int
	dataBytes  uint32
	closed     bool
}

// CreateWAVRecorder creates path and writes a placeholder header.
func CreateWAVRecorder(path string, sampleRate int) (*WAVRecorder, error) {
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r := &WAVRecorder{f: f, w: bufio.NewWriter(f), sampleRate: sampleRate}
	if err := writeWAVHeader(r.w, sampleRate, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// Write appends one frame. Frames at another rate are resampled.
func (r *WAVRecorder) Write(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}
	samples := f.Samples
	if f.SampleRate != r.sampleRate {
		samples = Resample(samples, f.SampleRate, r.sampleRate)
	}
	pcm := EncodePCM16LE(samples)
	if _, err := r.w.Write(pcm); err != nil {
		return err
	}
	r.dataBytes += uint32(len(pcm))
	return nil
}

// Close flushes audio and rewrites the header with final sizes. Safe to call twice.
func (r *WAVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.w.Flush()
	if err == nil {
		_, err = r.f.Seek(0, io.SeekStart)
	}
	if err == nil {
		hw := bufio.NewWriterSize(r.f, wavHeaderSize)
		err = writeWAVHeader(hw, r.sampleRate, r.dataBytes)
		if err == nil {
			err = hw.Flush()
		}
	}
	return errors.Join(err, r.f.Close())
}

// WriteWAV writes samples to out as a complete mono WAV stream.
func WriteWAV(out io.Writer, samples []int16, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	pcm := EncodePCM16LE(samples)
	w := bufio.NewWriter(out)
	if err := writeWAVHeader(w, sampleRate, uint32(len(pcm))); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

func writeWAVHeader(w *bufio.Writer, sampleRate int, dataSize uint32) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVEfmt "); err != nil {
		return err
	}
	fmtChunk := []any{
		uint32(16),
		uint16(audioFormat),
		uint16(numChannels),
		uint32(sampleRate),
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
	}
	for _, v := range fmtChunk {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, dataSize)
}

// DecodeWAV reads a 16-bit PCM WAV file into a mono frame. Multi-channel
// input is downmixed by averaging.
func DecodeWAV(data []byte) (Frame, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Frame{}, errors.New("unsupported wav header")
	}

	var (
		haveFmt     bool
		format      uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcm         []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return Frame{}, errors.New("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return Frame{}, errors.New("invalid wav fmt chunk")
			}
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcm = chunk
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	switch {
	case !haveFmt:
		return Frame{}, errors.New("wav fmt chunk missing")
	case len(pcm) == 0:
		return Frame{}, errors.New("wav data chunk missing")
	case format != 1 || bitsPerSamp != 16:
		return Frame{}, errors.New("wav is not 16-bit pcm")
	case channels == 0:
		return Frame{}, errors.New("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}

	interleaved := DecodePCM16LE(pcm)
	if channels == 1 {
		return NewFrame(interleaved, sampleRate), nil
	}
	n := int(channels)
	mono := make([]int16, len(interleaved)/n)
	for i := range mono {
		sum := 0
		for ch := 0; ch < n; ch++ {
			sum += int(interleaved[i*n+ch])
		}
		mono[i] = int16(sum / n)
	}
	return NewFrame(mono, sampleRate), nil
}
