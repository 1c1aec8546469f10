// Package gemini adapts the Gemini API to the bridge: ephemeral auth tokens,
// upstream live sessions and the non-streaming fallback chat.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	DefaultLiveModel = "gemini-live-2.5-flash-preview"
	DefaultChatModel = "gemini-2.5-flash"
	DefaultTokenTTL  = 30 * time.Minute

	// Ephemeral tokens and constrained live sessions are only served on
	// v1alpha.
	apiVersion = "v1alpha"
)

var ErrMissingAPIKey = errors.New("gemini api key is required")

type Config struct {
	APIKey    string
	LiveModel string
	ChatModel string
	TokenTTL  time.Duration
	Logger    *slog.Logger
}

type Client struct {
	cfg    Config
	genai  *genai.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.LiveModel == "" {
		cfg.LiveModel = DefaultLiveModel
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gc, err := newGenAIClient(ctx, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, genai: gc, logger: logger, now: time.Now}, nil
}

func newGenAIClient(ctx context.Context, key string) (*genai.Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return gc, nil
}

// Issue mints a single-use auth token. The token may open one live session
// within a minute and expires after the configured TTL.
func (c *Client) Issue(ctx context.Context) (string, error) {
	now := c.now()
	tok, err := c.genai.AuthTokens.Create(ctx, &genai.CreateAuthTokenConfig{
		Uses:                 genai.Ptr[int32](1),
		ExpireTime:           now.Add(c.cfg.TokenTTL),
		NewSessionExpireTime: now.Add(time.Minute),
	})
	if err != nil {
		return "", fmt.Errorf("create auth token: %w", err)
	}
	if tok == nil || strings.TrimSpace(tok.Name) == "" {
		return "", errors.New("create auth token: empty token name")
	}
	return tok.Name, nil
}

func (c *Client) LiveModel() string { return c.cfg.LiveModel }
