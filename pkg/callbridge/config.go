package callbridge

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// ProviderConfig names a pluggable implementation and its settings block.
type ProviderConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type SessionConfig struct {
	IdleTimeoutMS    int    `mapstructure:"idle_timeout_ms"`
	StartTimeoutMS   int    `mapstructure:"start_timeout_ms"`
	EngineRetries    int    `mapstructure:"engine_retries"`
	EngineBackoffMS  int    `mapstructure:"engine_backoff_ms"`
	InboundCapacity  int    `mapstructure:"inbound_capacity"`
	OutboundCapacity int    `mapstructure:"outbound_capacity"`
	EngineEncoding   string `mapstructure:"engine_encoding"`
}

type SummarySettings struct {
	Provider           string         `mapstructure:"provider"`
	Settings           map[string]any `mapstructure:"settings"`
	MaxTranscriptChars int            `mapstructure:"max_transcript_chars"`
	TimeoutMS          int            `mapstructure:"timeout_ms"`
}

type TranscriptionConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type OutboundConfig struct {
	From       string `mapstructure:"from"`
	WebhookURL string `mapstructure:"webhook_url"`
}

type PrivacyConfig struct {
	// RedactPII scrubs emails, phone numbers and wallet addresses from
	// transcript text before it reaches logs or viewer feeds. Stored
	// transcripts and summaries are untouched.
	RedactPII bool `mapstructure:"redact_pii"`
}

type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	Transport     ProviderConfig      `mapstructure:"transport"`
	Engine        ProviderConfig      `mapstructure:"engine"`
	Summary       SummarySettings     `mapstructure:"summary"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Session       SessionConfig       `mapstructure:"session"`
	Outbound      OutboundConfig      `mapstructure:"outbound"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("transport.provider", "twilio")
	v.SetDefault("engine.provider", "elevenlabs")
	v.SetDefault("summary.provider", "openai")
	v.SetDefault("summary.max_transcript_chars", 8000)
	v.SetDefault("summary.timeout_ms", 30000)
	v.SetDefault("transcription.enabled", false)
	v.SetDefault("transcription.provider", "deepgram")
	v.SetDefault("session.idle_timeout_ms", 45000)
	v.SetDefault("session.start_timeout_ms", 10000)
	v.SetDefault("session.engine_retries", 1)
	v.SetDefault("session.engine_backoff_ms", 500)
	v.SetDefault("session.inbound_capacity", 50)
	v.SetDefault("session.outbound_capacity", 50)
	v.SetDefault("session.engine_encoding", "ulaw_8000")
	v.SetDefault("privacy.redact_pii", false)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transport.Provider) == "" {
		return fmt.Errorf("transport.provider is required")
	}
	if strings.TrimSpace(c.Engine.Provider) == "" {
		return fmt.Errorf("engine.provider is required")
	}
	if strings.TrimSpace(c.Summary.Provider) == "" {
		return fmt.Errorf("summary.provider is required")
	}
	if c.Session.EngineRetries < 0 {
		return fmt.Errorf("session.engine_retries must not be negative")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	cfg.Environment = os.ExpandEnv(cfg.Environment)
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
	cfg.Engine.Settings = expandSettings(cfg.Engine.Settings)
	cfg.Summary.Settings = expandSettings(cfg.Summary.Settings)
	cfg.Transcription.Settings = expandSettings(cfg.Transcription.Settings)
	cfg.Outbound.From = os.ExpandEnv(cfg.Outbound.From)
	cfg.Outbound.WebhookURL = os.ExpandEnv(cfg.Outbound.WebhookURL)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}
