package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/ent0n29/mamavoice/internal/live"
)

// ConfigFileEnv names an optional YAML file read before the environment.
const ConfigFileEnv = "MAMAVOICE_CONFIG"

// Config contains all runtime settings for the relay bridge service.
type Config struct {
	BindAddr                 string        `mapstructure:"bind_addr"`
	ShutdownTimeout          time.Duration `mapstructure:"shutdown_timeout"`
	SessionInactivityTimeout time.Duration `mapstructure:"session_inactivity_timeout"`
	MetricsNamespace         string        `mapstructure:"metrics_namespace"`
	AllowAnyOrigin           bool          `mapstructure:"allow_any_origin"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	GeminiAPIKey     string `mapstructure:"gemini_api_key"`
	LiveModel        string `mapstructure:"live_model"`
	ChatModel        string `mapstructure:"chat_model"`
	Voice            string `mapstructure:"voice"`
	ResponseModality string `mapstructure:"response_modality"`

	VADStartSensitivity  string `mapstructure:"vad_start_sensitivity"`
	VADEndSensitivity    string `mapstructure:"vad_end_sensitivity"`
	VADPrefixPaddingMs   int    `mapstructure:"vad_prefix_padding_ms"`
	VADSilenceDurationMs int    `mapstructure:"vad_silence_duration_ms"`

	CredentialAttempts int           `mapstructure:"credential_attempts"`
	CredentialBackoff  time.Duration `mapstructure:"credential_backoff"`
	TokenTTL           time.Duration `mapstructure:"token_ttl"`

	DatabaseURL         string `mapstructure:"database_url"`
	AlertScoreThreshold int    `mapstructure:"alert_score_threshold"`
}

type setting struct {
	key string
	env string
	def any
}

var bridgeSettings = []setting{
	{"bind_addr", "APP_BIND_ADDR", ":8080"},
	{"shutdown_timeout", "APP_SHUTDOWN_TIMEOUT", "15s"},
	{"session_inactivity_timeout", "APP_SESSION_INACTIVITY_TIMEOUT", "2m"},
	{"metrics_namespace", "APP_METRICS_NAMESPACE", "mamavoice"},
	{"allow_any_origin", "APP_ALLOW_ANY_ORIGIN", false},
	{"log_level", "LOG_LEVEL", "info"},
	{"log_format", "LOG_FORMAT", "text"},
	{"gemini_api_key", "GEMINI_API_KEY", ""},
	{"live_model", "GEMINI_LIVE_MODEL", "gemini-live-2.5-flash-preview"},
	{"chat_model", "GEMINI_CHAT_MODEL", "gemini-2.5-flash"},
	{"voice", "GEMINI_VOICE", "Aoede"},
	{"response_modality", "GEMINI_RESPONSE_MODALITY", "audio"},
	{"vad_start_sensitivity", "VAD_START_SENSITIVITY", "high"},
	{"vad_end_sensitivity", "VAD_END_SENSITIVITY", "high"},
	{"vad_prefix_padding_ms", "VAD_PREFIX_PADDING_MS", 20},
	{"vad_silence_duration_ms", "VAD_SILENCE_DURATION_MS", 500},
	{"credential_attempts", "CREDENTIAL_ATTEMPTS", 3},
	{"credential_backoff", "CREDENTIAL_BACKOFF", "1s"},
	{"token_ttl", "TOKEN_TTL", "30m"},
	{"database_url", "DATABASE_URL", ""},
	{"alert_score_threshold", "ALERT_SCORE_THRESHOLD", 4},
}

// Load reads the optional config file and environment variables and applies
// safe defaults.
func Load() (Config, error) {
	var cfg Config
	if err := decode(bridgeSettings, &cfg); err != nil {
		return Config{}, err
	}
	cfg.GeminiAPIKey = strings.TrimSpace(cfg.GeminiAPIKey)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if _, err := live.ParseModality(cfg.ResponseModality); err != nil {
		return Config{}, fmt.Errorf("GEMINI_RESPONSE_MODALITY: %w", err)
	}
	if !validSensitivity(cfg.VADStartSensitivity) {
		return Config{}, fmt.Errorf("VAD_START_SENSITIVITY must be high or low")
	}
	if !validSensitivity(cfg.VADEndSensitivity) {
		return Config{}, fmt.Errorf("VAD_END_SENSITIVITY must be high or low")
	}
	if cfg.VADPrefixPaddingMs < 0 || cfg.VADSilenceDurationMs < 0 {
		return Config{}, fmt.Errorf("VAD_PREFIX_PADDING_MS and VAD_SILENCE_DURATION_MS must be >= 0")
	}
	if cfg.CredentialAttempts <= 0 {
		return Config{}, fmt.Errorf("CREDENTIAL_ATTEMPTS must be positive")
	}
	if cfg.CredentialBackoff < 0 {
		return Config{}, fmt.Errorf("CREDENTIAL_BACKOFF must be >= 0")
	}
	if cfg.TokenTTL < time.Minute {
		return Config{}, fmt.Errorf("TOKEN_TTL must be at least 1m")
	}
	if cfg.AlertScoreThreshold < 0 {
		return Config{}, fmt.Errorf("ALERT_SCORE_THRESHOLD must be >= 0")
	}
	return cfg, nil
}

func validSensitivity(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "high", "low":
		return true
	default:
		return false
	}
}

func decode(settings []setting, out any) error {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(s.key, s.env); err != nil {
			return fmt.Errorf("bind %s: %w", s.env, err)
		}
	}
	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%s: read %s: %w", ConfigFileEnv, path, err)
		}
	}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(out, hook); err != nil {
		return fmt.Errorf("config parse error: %w", err)
	}
	return nil
}
