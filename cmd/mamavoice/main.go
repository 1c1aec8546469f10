package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dimiro1/banner"
	"github.com/joho/godotenv"

	"github.com/ent0n29/mamavoice/internal/apiclient"
	"github.com/ent0n29/mamavoice/internal/audio"
	"github.com/ent0n29/mamavoice/internal/config"
	"github.com/ent0n29/mamavoice/internal/conversation"
	"github.com/ent0n29/mamavoice/internal/live"
	"github.com/ent0n29/mamavoice/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mamavoice: config error: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "mamavoice: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.ClientConfig) error {
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	banner.Init(os.Stdout, true, false, bytes.NewBufferString("{{ .Title \"mama\" \"\" 0 }}\n"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessCfg, err := conversation.SessionConfig(cfg)
	if err != nil {
		return err
	}
	api := apiclient.New(cfg.BridgeURL)
	transport, err := conversation.NewTransport(cfg, api, logger)
	if err != nil {
		return err
	}

	clock := audio.NewSystemClock()
	var player live.Player
	if sessCfg.ResponseModality == live.ModalityAudio {
		sink := audio.NewFFplaySink(cfg.FFplayPath, audio.PlaybackSampleRate, clock, logger)
		player = audio.NewScheduler(clock, sink, audio.PlaybackConfig{
			SampleRate:       audio.PlaybackSampleRate,
			Lookahead:        cfg.PlaybackLookahead,
			SpeakingDebounce: cfg.SpeakingDebounce,
		}, logger)
	}
	mic := audio.NewCapturer(audio.NewFFmpegOpener(cfg.FFmpegPath), audio.CaptureConfig{
		InputFormat:  cfg.MicInputFormat,
		InputDevice:  cfg.MicInputDevice,
		EnhanceVoice: true,
	}, logger)

	opts := []conversation.Option{
		conversation.WithLogger(logger),
		conversation.WithSessionID(conversation.SessionIDFunc(transport)),
	}
	if cfg.RecordWAVPath != "" {
		rec, err := audio.CreateWAVRecorder(cfg.RecordWAVPath, audio.CaptureSampleRate)
		if err != nil {
			return fmt.Errorf("create wav recorder: %w", err)
		}
		defer func() {
			if err := rec.Close(); err != nil {
				logger.Warn("wav_recorder_close_failed", "error", err)
			}
		}()
		opts = append(opts, conversation.WithRecorder(rec))
	}

	newSession := func(sc live.SessionConfig, hooks live.Hooks) *live.Session {
		return live.NewSession(sc, transport, player, mic, hooks,
			live.WithClock(clock),
			live.WithConnectTimeout(cfg.ConnectTimeout),
			live.WithLogger(logger),
		)
	}

	runner := conversation.New(sessCfg, api, newSession, os.Stdout, opts...)
	return runner.Run(ctx, os.Stdin)
}
