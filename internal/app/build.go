// Package app assembles the bridge process from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/mamavoice/internal/bridge"
	"github.com/ent0n29/mamavoice/internal/config"
	"github.com/ent0n29/mamavoice/internal/gemini"
	"github.com/ent0n29/mamavoice/internal/httpapi"
	"github.com/ent0n29/mamavoice/internal/live"
	"github.com/ent0n29/mamavoice/internal/memory"
	"github.com/ent0n29/mamavoice/internal/observability"
	"github.com/ent0n29/mamavoice/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Bridge   *bridge.Bridge
	Metrics  *observability.Metrics
	// Provider reports whether Gemini credentials were configured. Without
	// them the relay, token and chat routes answer 501.
	Provider bool

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	deps := httpapi.Deps{Store: store, Metrics: metrics, Logger: logger}

	var relay *bridge.Bridge
	client, err := gemini.NewClient(ctx, gemini.Config{
		APIKey:    cfg.GeminiAPIKey,
		LiveModel: cfg.LiveModel,
		ChatModel: cfg.ChatModel,
		TokenTTL:  cfg.TokenTTL,
		Logger:    logger,
	})
	switch {
	case errors.Is(err, gemini.ErrMissingAPIKey):
		logger.Warn("gemini_disabled", "reason", "GEMINI_API_KEY is not set")
	case err != nil:
		_ = store.Close()
		return nil, fmt.Errorf("gemini client init failed: %w", err)
	default:
		modality, _ := live.ParseModality(cfg.ResponseModality)
		relay = bridge.New(bridge.Config{
			Model:            cfg.LiveModel,
			Voice:            cfg.Voice,
			ResponseModality: modality,
			VAD: bridge.VADConfig{
				StartSensitivity:  cfg.VADStartSensitivity,
				EndSensitivity:    cfg.VADEndSensitivity,
				PrefixPaddingMs:   cfg.VADPrefixPaddingMs,
				SilenceDurationMs: cfg.VADSilenceDurationMs,
			},
			CredentialAttempts: cfg.CredentialAttempts,
			CredentialBackoff:  cfg.CredentialBackoff,
		}, client, client, sessions, metrics, bridge.WithLogger(logger))
		deps.Relay = relay
		deps.Tokens = client
		deps.Chat = client
	}

	api := httpapi.New(cfg, sessions, deps)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvent("expired")
		api.EndRelay(s.ID)
	})

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Bridge:   relay,
		Metrics:  metrics,
		Provider: relay != nil,
		Cleanup:  store.Close,
	}, nil
}
