package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/mamavoice/internal/apiclient"
	"github.com/ent0n29/mamavoice/internal/audio"
	"github.com/ent0n29/mamavoice/internal/observability"
	"github.com/ent0n29/mamavoice/internal/protocol"
)

const stageTurnComplete = "input_end_to_turn_complete"

type options struct {
	baseURL        string
	userID         string
	turns          int
	chunkMS        int
	realtime       float64
	wavPath        string
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

var defaultUtterances = []string{
	"Hello, I am thirty two weeks pregnant.",
	"I have had a mild headache since yesterday.",
	"The baby is moving normally today.",
}

// probeEvent is one relay frame as seen by the probe.
type probeEvent struct {
	typ    protocol.MessageType
	at     time.Time
	detail string
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mamavoice-probe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "mamavoice-probe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	fs := flag.NewFlagSet("mamavoice-probe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "bridge base URL")
	fs.StringVar(&cfg.userID, "user-id", "probe", "user_id sent in session_setup")
	fs.IntVar(&cfg.turns, "turns", 3, "number of turns to replay")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.StringVar(&cfg.wavPath, "wav", "", "replay this 16-bit WAV as each turn instead of text")
	fs.DurationVar(&cfg.interTurnDelay, "inter-turn", 500*time.Millisecond, "delay between turns")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 20*time.Second, "timeout waiting for turn_complete")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}
	cfg.texts = splitUtterances(textsRaw)
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func splitUtterances(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var clip audio.Frame
	if cfg.wavPath != "" {
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return fmt.Errorf("read wav: %w", err)
		}
		if clip, err = audio.DecodeWAV(data); err != nil {
			return fmt.Errorf("decode wav: %w", err)
		}
	}

	wsURL, err := apiclient.New(cfg.baseURL).LiveURL()
	if err != nil {
		return err
	}
	metrics := observability.NewMetricsWith("mamavoice_probe", prometheus.NewRegistry())

	dialedAt := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.SessionSetup{
		Type:               protocol.TypeSessionSetup,
		UserID:             cfg.userID,
		DisplayName:        "Probe",
		InputTranscription: cfg.wavPath != "",
	}); err != nil {
		return fmt.Errorf("send session_setup: %w", err)
	}

	events := make(chan probeEvent, 256)
	go readLoop(conn, events)

	if _, err := awaitEvent(events, cfg.turnTimeout, protocol.TypeReady); err != nil {
		return fmt.Errorf("await ready: %w", err)
	}
	metrics.ObserveStage(observability.StageUpstreamSetup, time.Since(dialedAt))

	seq := 0
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.wavPath != "" {
			if cfg.verbose {
				fmt.Printf("mamavoice-probe: turn %d/%d wav=%s duration=%s\n", i+1, cfg.turns, cfg.wavPath, clip.Duration())
			}
			if err := sendTurnAudio(conn, clip, cfg.chunkMS, cfg.realtime, &seq); err != nil {
				return fmt.Errorf("turn %d send audio: %w", i+1, err)
			}
			if err := conn.WriteJSON(protocol.AudioStreamEnd{Type: protocol.TypeAudioStreamEnd}); err != nil {
				return fmt.Errorf("turn %d send audio_stream_end: %w", i+1, err)
			}
		} else {
			if cfg.verbose {
				fmt.Printf("mamavoice-probe: turn %d/%d text=%q\n", i+1, cfg.turns, text)
			}
			if err := conn.WriteJSON(protocol.ClientText{Type: protocol.TypeClientText, Text: text, TurnComplete: true}); err != nil {
				return fmt.Errorf("turn %d send text: %w", i+1, err)
			}
		}
		inputEnd := time.Now()

		first, done, err := awaitTurn(events, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		if !first.IsZero() {
			metrics.ObserveFirstAudioLatency(first.Sub(inputEnd))
		} else {
			metrics.ObserveIndicator("turn_without_output")
		}
		metrics.ObserveStage(stageTurnComplete, done.Sub(inputEnd))

		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(metrics.SnapshotStages())
}

func readLoop(conn *websocket.Conn, events chan<- probeEvent) {
	defer close(events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		ev := probeEvent{at: time.Now()}
		switch m := msg.(type) {
		case *protocol.Ready:
			ev.typ = m.Type
		case *protocol.AssistantAudioChunk:
			ev.typ = m.Type
		case *protocol.AssistantTextDelta:
			ev.typ = m.Type
		case *protocol.InputTranscript:
			ev.typ, ev.detail = m.Type, m.Text
		case *protocol.TurnSignal:
			ev.typ = m.Type
		case *protocol.ErrorEvent:
			ev.typ, ev.detail = m.Type, m.Code+": "+m.Detail
		case *protocol.SessionClosed:
			ev.typ, ev.detail = m.Type, m.Reason
		default:
			continue
		}
		events <- ev
	}
}

var errRelayClosed = errors.New("relay connection closed")

// awaitEvent waits for the first event of kind want, failing on relay errors.
func awaitEvent(events <-chan probeEvent, timeout time.Duration, want protocol.MessageType) (probeEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return probeEvent{}, errRelayClosed
			}
			if err := terminal(ev); err != nil {
				return probeEvent{}, err
			}
			if ev.typ == want {
				return ev, nil
			}
		case <-timer.C:
			return probeEvent{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

// awaitTurn returns when the first assistant output arrived (zero if none)
// and when the turn completed.
func awaitTurn(events <-chan probeEvent, timeout time.Duration) (first, done time.Time, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return first, done, errRelayClosed
			}
			if err := terminal(ev); err != nil {
				return first, done, err
			}
			switch ev.typ {
			case protocol.TypeAssistantAudio, protocol.TypeAssistantTextDelta:
				if first.IsZero() {
					first = ev.at
				}
			case protocol.TypeTurnComplete:
				return first, ev.at, nil
			}
		case <-timer.C:
			return first, done, fmt.Errorf("timeout after %s waiting for turn_complete", timeout)
		}
	}
}

func terminal(ev probeEvent) error {
	switch ev.typ {
	case protocol.TypeErrorEvent:
		return fmt.Errorf("error_event %s", ev.detail)
	case protocol.TypeSessionClosed:
		return fmt.Errorf("session closed: %s", ev.detail)
	}
	return nil
}

// chunkFrame splits a clip into chunkMS pieces, the last one possibly shorter.
func chunkFrame(f audio.Frame, chunkMS int) [][]int16 {
	per := f.SampleRate * chunkMS / 1000
	if per <= 0 {
		per = 1
	}
	var out [][]int16
	for off := 0; off < len(f.Samples); off += per {
		end := min(off+per, len(f.Samples))
		out = append(out, f.Samples[off:end])
	}
	return out
}

func sendTurnAudio(conn *websocket.Conn, clip audio.Frame, chunkMS int, realtime float64, seq *int) error {
	for _, samples := range chunkFrame(clip, chunkMS) {
		chunk := audio.NewFrame(samples, clip.SampleRate)
		*seq = *seq + 1
		if err := conn.WriteJSON(protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			Seq:         *seq,
			PCM16Base64: chunk.Base64(),
			SampleRate:  chunk.SampleRate,
		}); err != nil {
			return err
		}
		pause := time.Duration(float64(chunk.Duration()) / realtime)
		if pause <= 0 {
			pause = 10 * time.Millisecond
		}
		time.Sleep(pause)
	}
	return nil
}
