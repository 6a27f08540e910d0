package callbridge

import (
	"fmt"
	"time"

	"github.com/voicelink/callbridge/pkg/configutil"
	"github.com/voicelink/callbridge/pkg/engine"
	"github.com/voicelink/callbridge/pkg/metrics"
	"github.com/voicelink/callbridge/pkg/providers/deepgram"
	"github.com/voicelink/callbridge/pkg/providers/elevenlabs"
	providermock "github.com/voicelink/callbridge/pkg/providers/mock"
	"github.com/voicelink/callbridge/pkg/providers/openai"
	"github.com/voicelink/callbridge/pkg/resilience"
	"github.com/voicelink/callbridge/pkg/session"
	"github.com/voicelink/callbridge/pkg/store"
	"github.com/voicelink/callbridge/pkg/summary"
	"github.com/voicelink/callbridge/pkg/transports"
	transportmock "github.com/voicelink/callbridge/pkg/transports/mock"
	"github.com/voicelink/callbridge/pkg/transports/twilio"
)

var twilioSchema = configutil.Schema{
	Required:     []string{},
	Optional:     []string{"server_addr", "public_url", "auth_token", "account_sid", "voice_path", "ws_path", "status_callback_path", "transcripts_path", "voice_greeting", "allow_any_origin", "allowed_origins", "protocol_error_limit"},
	AllowUnknown: false,
}

var elevenlabsSchema = configutil.Schema{
	Required:     []string{"api_key", "agent_id"},
	Optional:     []string{"base_url", "dial_timeout"},
	AllowUnknown: false,
}

var deepgramSchema = configutil.Schema{
	Required:     []string{"api_key"},
	Optional:     []string{"model", "language", "sample_rate", "encoding", "interim", "utterance_end_ms"},
	AllowUnknown: false,
}

// NewTransportFromConfig builds the configured telephony transport. The
// twilio transport doubles as the outbound dialer.
func NewTransportFromConfig(cfg ProviderConfig) (transports.Transport, transports.OutboundDialerWithOptions, error) {
	switch cfg.Provider {
	case "twilio":
		if err := configutil.ValidateSettings(cfg.Settings, twilioSchema); err != nil {
			return nil, nil, fmt.Errorf("transport settings: %w", err)
		}
		var tc twilio.Config
		if err := configutil.DecodeSettings(cfg.Settings, &tc); err != nil {
			return nil, nil, fmt.Errorf("transport settings: %w", err)
		}
		return twilio.New(tc), twilio.NewDialer(tc), nil
	case "mock":
		return transportmock.New(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport provider %q", cfg.Provider)
	}
}

// NewEngineFromConfig builds the conversational engine.
func NewEngineFromConfig(cfg ProviderConfig) (engine.Engine, error) {
	switch cfg.Provider {
	case "elevenlabs":
		if err := configutil.ValidateSettings(cfg.Settings, elevenlabsSchema); err != nil {
			return nil, fmt.Errorf("engine settings: %w", err)
		}
		var ec elevenlabs.Config
		if err := configutil.DecodeSettings(cfg.Settings, &ec); err != nil {
			return nil, fmt.Errorf("engine settings: %w", err)
		}
		return elevenlabs.New(ec), nil
	case "mock":
		return providermock.NewEngine(), nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
}

// NewSummarizerFromConfig builds the post-call summarizer on top of the
// candidate store.
func NewSummarizerFromConfig(cfg SummarySettings, st store.Store, obs metrics.Observer) (*summary.Summarizer, error) {
	sc := summary.Config{
		MaxTranscriptChars: cfg.MaxTranscriptChars,
		Timeout:            time.Duration(cfg.TimeoutMS) * time.Millisecond,
		Observer:           obs,
	}
	switch cfg.Provider {
	case "openai":
		apiKey, _ := cfg.Settings["api_key"].(string)
		model, _ := cfg.Settings["model"].(string)
		if err := configutil.RequireString(apiKey, "summary.settings.api_key"); err != nil {
			return nil, err
		}
		gen := openai.NewAdapter(apiKey, model)
		if base, _ := cfg.Settings["base_url"].(string); base != "" {
			gen.BaseURL = base
		}
		return summary.NewSummarizer(gen, st, sc), nil
	case "mock":
		response, _ := cfg.Settings["response"].(string)
		return summary.NewSummarizer(&providermock.Generator{Response: response}, st, sc), nil
	case "none":
		// Fallback-only summaries; no generation capability configured.
		return summary.NewSummarizer(nil, st, sc), nil
	default:
		return nil, fmt.Errorf("unknown summary provider %q", cfg.Provider)
	}
}

// NewTapFactoryFromConfig builds the optional caller transcription tap
// factory, or nil when disabled.
func NewTapFactoryFromConfig(cfg TranscriptionConfig) (TapFactory, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Provider {
	case "deepgram":
		if err := configutil.ValidateSettings(cfg.Settings, deepgramSchema); err != nil {
			return nil, fmt.Errorf("transcription settings: %w", err)
		}
		var dc deepgram.Config
		if err := configutil.DecodeSettings(cfg.Settings, &dc); err != nil {
			return nil, fmt.Errorf("transcription settings: %w", err)
		}
		return func(streamID, callSID string) session.TranscriptionTap {
			c := dc
			c.StreamID = streamID
			c.CallSID = callSID
			return deepgram.New(c)
		}, nil
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
	}
}

// SessionOptionsFromConfig converts millisecond-based config to runtime
// session options.
func SessionOptionsFromConfig(cfg SessionConfig) SessionOptions {
	return SessionOptions{
		IdleTimeout:      time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
		StartTimeout:     time.Duration(cfg.StartTimeoutMS) * time.Millisecond,
		EngineRetry:      resilience.NewRetryPolicy(cfg.EngineRetries, time.Duration(cfg.EngineBackoffMS)*time.Millisecond),
		InboundCapacity:  cfg.InboundCapacity,
		OutboundCapacity: cfg.OutboundCapacity,
		EngineEncoding:   cfg.EngineEncoding,
	}
}
