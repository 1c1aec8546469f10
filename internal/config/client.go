package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/mamavoice/internal/live"
)

const (
	TransportRelay  = "relay"
	TransportDirect = "direct"
)

// ClientConfig contains the settings for the terminal conversation runner.
type ClientConfig struct {
	Transport    string `mapstructure:"transport"`
	BridgeURL    string `mapstructure:"bridge_url"`
	UserID       string `mapstructure:"user_id"`
	UserName     string `mapstructure:"user_name"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
	SystemPrompt string `mapstructure:"system_prompt"`

	DirectURL    string `mapstructure:"direct_url"`
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	LiveModel    string `mapstructure:"live_model"`
	Voice        string `mapstructure:"voice"`
	Modality     string `mapstructure:"modality"`

	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	PlaybackLookahead time.Duration `mapstructure:"playback_lookahead"`
	SpeakingDebounce  time.Duration `mapstructure:"speaking_debounce"`

	FFmpegPath     string `mapstructure:"ffmpeg_path"`
	FFplayPath     string `mapstructure:"ffplay_path"`
	MicInputFormat string `mapstructure:"mic_input_format"`
	MicInputDevice string `mapstructure:"mic_input_device"`
	RecordWAVPath  string `mapstructure:"record_wav_path"`
}

var clientSettings = []setting{
	{"transport", "MAMAVOICE_TRANSPORT", TransportRelay},
	{"bridge_url", "MAMAVOICE_BRIDGE_URL", "http://127.0.0.1:8080"},
	{"user_id", "MAMAVOICE_USER_ID", "local-user"},
	{"user_name", "MAMAVOICE_USER_NAME", ""},
	{"log_level", "LOG_LEVEL", "info"},
	{"log_format", "LOG_FORMAT", "text"},
	{"system_prompt", "MAMAVOICE_SYSTEM_PROMPT", ""},
	{"direct_url", "GEMINI_LIVE_URL", ""},
	{"gemini_api_key", "GEMINI_API_KEY", ""},
	{"live_model", "GEMINI_LIVE_MODEL", "gemini-live-2.5-flash-preview"},
	{"voice", "GEMINI_VOICE", "Aoede"},
	{"modality", "MAMAVOICE_MODALITY", "audio"},
	{"connect_timeout", "CONNECT_TIMEOUT", "20s"},
	{"playback_lookahead", "PLAYBACK_LOOKAHEAD", "200ms"},
	{"speaking_debounce", "SPEAKING_DEBOUNCE", "300ms"},
	{"ffmpeg_path", "FFMPEG_PATH", "ffmpeg"},
	{"ffplay_path", "FFPLAY_PATH", "ffplay"},
	{"mic_input_format", "MIC_INPUT_FORMAT", ""},
	{"mic_input_device", "MIC_INPUT_DEVICE", ""},
	{"record_wav_path", "RECORD_WAV_PATH", ""},
}

// LoadClient reads the runner settings the same way Load reads the bridge's.
func LoadClient() (ClientConfig, error) {
	var cfg ClientConfig
	if err := decode(clientSettings, &cfg); err != nil {
		return ClientConfig{}, err
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	cfg.BridgeURL = strings.TrimRight(strings.TrimSpace(cfg.BridgeURL), "/")
	cfg.GeminiAPIKey = strings.TrimSpace(cfg.GeminiAPIKey)

	switch cfg.Transport {
	case TransportRelay, TransportDirect:
	default:
		return ClientConfig{}, fmt.Errorf("MAMAVOICE_TRANSPORT must be relay or direct")
	}
	if cfg.BridgeURL == "" && (cfg.Transport == TransportRelay || cfg.GeminiAPIKey == "") {
		return ClientConfig{}, fmt.Errorf("MAMAVOICE_BRIDGE_URL is required unless the direct transport has GEMINI_API_KEY")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return ClientConfig{}, fmt.Errorf("MAMAVOICE_USER_ID must not be empty")
	}
	if _, err := live.ParseModality(cfg.Modality); err != nil {
		return ClientConfig{}, fmt.Errorf("MAMAVOICE_MODALITY: %w", err)
	}
	if cfg.ConnectTimeout <= 0 {
		return ClientConfig{}, fmt.Errorf("CONNECT_TIMEOUT must be positive")
	}
	if cfg.PlaybackLookahead < 0 || cfg.SpeakingDebounce < 0 {
		return ClientConfig{}, fmt.Errorf("PLAYBACK_LOOKAHEAD and SPEAKING_DEBOUNCE must be >= 0")
	}
	return cfg, nil
}
