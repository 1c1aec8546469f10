package audio

import (
	"log/slog"
	"sync"
	"time"
)

// Sink is the output device. Play hands a frame to the device at the
// given clock time and returns a handle that cancels it if it has not
// started yet. Flush discards audio the device already accepted.
type Sink interface {
	Play(at time.Duration, f Frame) Timer
	Flush() error
	Close() error
}

// PlaybackConfig tunes the gapless scheduler.
type PlaybackConfig struct {
	SampleRate       int
	Lookahead        time.Duration
	SpeakingDebounce time.Duration
}

func (c PlaybackConfig) withDefaults() PlaybackConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = PlaybackSampleRate
	}
	if c.Lookahead <= 0 {
		c.Lookahead = 200 * time.Millisecond
	}
	if c.SpeakingDebounce <= 0 {
		c.SpeakingDebounce = 300 * time.Millisecond
	}
	return c
}

type scheduledBuffer struct {
	start  time.Duration
	end    time.Duration
	handle Timer
}

// Scheduler places incoming speech frames back to back on the output clock.
// The timeline (nextPlayTime plus the queue of unplayed buffers) is only
// touched under mu; callers interact through Enqueue and StopAll.
type Scheduler struct {
	clock  Clock
	sink   Sink
	cfg    PlaybackConfig
	logger *slog.Logger

	mu           sync.Mutex
	nextPlayTime time.Duration
	fresh        bool
	queue        []scheduledBuffer
	closed       bool

	speaking      bool
	speakingGen   uint64
	speakingTimer Timer
	onSpeaking    func(bool)
}

func NewScheduler(clock Clock, sink Sink, cfg PlaybackConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:  clock,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		logger: logger,
		fresh:  true,
	}
}

// OnSpeakingChange registers a hook fired on every speaking edge.
func (s *Scheduler) OnSpeakingChange(fn func(speaking bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSpeaking = fn
}

// EnqueuePCM16LE decodes raw little-endian PCM at the playback rate and schedules it.
func (s *Scheduler) EnqueuePCM16LE(pcm []byte) time.Duration {
	return s.Enqueue(NewFrame(DecodePCM16LE(pcm), s.cfg.SampleRate))
}

// Enqueue schedules f at max(now, nextPlayTime) and returns its start time.
// A fresh timeline, or one that fell behind the output clock, restarts at
// now+Lookahead. Returns -1 when the frame was not scheduled.
func (s *Scheduler) Enqueue(f Frame) time.Duration {
	if len(f.Samples) == 0 {
		return -1
	}
	if f.SampleRate > 0 && f.SampleRate != s.cfg.SampleRate {
		f = NewFrame(Resample(f.Samples, f.SampleRate, s.cfg.SampleRate), s.cfg.SampleRate)
	}
	if f.SampleRate <= 0 {
		f.SampleRate = s.cfg.SampleRate
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return -1
	}
	now := s.clock.Now()
	s.pruneLocked(now)

	start := s.nextPlayTime
	switch {
	case s.fresh:
		start = now + s.cfg.Lookahead
		s.fresh = false
	case s.nextPlayTime < now:
		s.logger.Debug("playback_resync", "behind_ms", (now - s.nextPlayTime).Milliseconds())
		start = now + s.cfg.Lookahead
	}
	end := start + f.Duration()

	handle := s.sink.Play(start, f)
	s.queue = append(s.queue, scheduledBuffer{start: start, end: end, handle: handle})
	s.nextPlayTime = end

	notify := s.armSpeakingLocked(now)
	s.mu.Unlock()

	if notify != nil {
		notify(true)
	}
	return start
}

// StopAll cancels every buffer that has not finished playing and resets the
// timeline so the next Enqueue gets the lookahead again.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for _, b := range s.queue {
		if b.handle != nil {
			b.handle.Stop()
		}
	}
	s.queue = nil
	s.nextPlayTime = 0
	s.fresh = true
	notify := s.clearSpeakingLocked()
	s.mu.Unlock()

	if err := s.sink.Flush(); err != nil {
		s.logger.Warn("playback_flush_failed", "error", err)
	}
	if notify != nil {
		notify(false)
	}
}

// Close stops playback and releases the output device. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.StopAll()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.sink.Close()
}

// IsSpeaking is true while audio is scheduled or playing, and for the
// debounce window after the last buffer ends.
func (s *Scheduler) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Pending returns the number of buffers that have not finished playing.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.clock.Now())
	return len(s.queue)
}

// NextPlayTime exposes the timeline cursor.
func (s *Scheduler) NextPlayTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPlayTime
}

func (s *Scheduler) pruneLocked(now time.Duration) {
	i := 0
	for i < len(s.queue) && s.queue[i].end <= now {
		i++
	}
	if i > 0 {
		s.queue = append(s.queue[:0], s.queue[i:]...)
	}
}

func (s *Scheduler) armSpeakingLocked(now time.Duration) func(bool) {
	var notify func(bool)
	if !s.speaking {
		s.speaking = true
		notify = s.onSpeaking
	}
	if s.speakingTimer != nil {
		s.speakingTimer.Stop()
	}
	s.speakingGen++
	gen := s.speakingGen
	s.speakingTimer = s.clock.AfterFunc(s.nextPlayTime+s.cfg.SpeakingDebounce-now, func() {
		s.speakingExpired(gen)
	})
	return notify
}

func (s *Scheduler) clearSpeakingLocked() func(bool) {
	if s.speakingTimer != nil {
		s.speakingTimer.Stop()
		s.speakingTimer = nil
	}
	s.speakingGen++
	if !s.speaking {
		return nil
	}
	s.speaking = false
	return s.onSpeaking
}

func (s *Scheduler) speakingExpired(gen uint64) {
	s.mu.Lock()
	if gen != s.speakingGen || !s.speaking {
		s.mu.Unlock()
		return
	}
	s.speaking = false
	s.speakingTimer = nil
	s.pruneLocked(s.clock.Now())
	notify := s.onSpeaking
	s.mu.Unlock()

	if notify != nil {
		notify(false)
	}
}
