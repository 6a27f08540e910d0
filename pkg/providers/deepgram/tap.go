package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/voicelink/callbridge/pkg/errorsx"
	"github.com/voicelink/callbridge/pkg/logging"
)

type Config struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
	// SampleRate and Encoding describe the caller leg. Telephony audio is
	// mu-law at 8 kHz unless the transport says otherwise.
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        bool   `mapstructure:"interim"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	StreamID       string
	CallSID        string
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.Encoding == "" {
		c.Encoding = "mulaw"
	}
	return c
}

// Tap streams caller audio to Deepgram and surfaces final transcripts.
// It exists for engines that do not transcribe the caller themselves; the
// call keeps working when the tap cannot connect.
type Tap struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan string
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	closed     atomic.Bool
	logger     *slog.Logger
}

func New(cfg Config) *Tap {
	cfg = cfg.withDefaults()
	return &Tap{
		cfg:    cfg,
		out:    make(chan string, 64),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_tap"),
	}
}

func (t *Tap) Name() string { return "deepgram" }

func (t *Tap) Start(ctx context.Context) error {
	if t.cfg.APIKey == "" {
		return fmt.Errorf("missing deepgram api key")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.pipeReader, t.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          t.cfg.Model,
		Language:       t.cfg.Language,
		Encoding:       t.cfg.Encoding,
		SampleRate:     t.cfg.SampleRate,
		InterimResults: t.cfg.Interim,
		SmartFormat:    true,
	}
	if t.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", t.cfg.UtteranceEndMS)
	}

	t.logger.Info("initializing deepgram connection",
		slog.String("stream_id", t.cfg.StreamID),
		slog.String("model", t.cfg.Model),
		slog.Int("sample_rate", t.cfg.SampleRate))

	cb := &tapCallback{parent: t}
	dgClient, err := client.NewWSUsingCallback(t.ctx, t.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTapConnect)
	}
	t.dgClient = dgClient

	if connected := t.dgClient.Connect(); !connected {
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonTapConnect)
	}

	go func() {
		if err := t.dgClient.Stream(t.pipeReader); err != nil && t.ctx.Err() == nil {
			t.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", t.cfg.StreamID))
		}
	}()
	return nil
}

func (t *Tap) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.pipeWriter != nil {
		_ = t.pipeWriter.Close()
	}
	if t.dgClient != nil {
		t.dgClient.Stop()
	}
	return nil
}

func (t *Tap) SendAudio(payload []byte) error {
	if t.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := t.pipeWriter.Write(payload)
	return err
}

// Results yields final caller transcripts in utterance order.
func (t *Tap) Results() <-chan string { return t.out }

type tapCallback struct {
	parent *Tap
}

func (c *tapCallback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *tapCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := mr.Channel.Alternatives[0].Transcript
	if text == "" || c.parent.closed.Load() {
		return nil
	}
	if !(mr.IsFinal || mr.SpeechFinal) {
		return nil
	}
	select {
	case c.parent.out <- text:
	default:
		c.parent.logger.Warn("deepgram_out_channel_full",
			slog.String("stream_id", c.parent.cfg.StreamID))
	}
	return nil
}

func (c *tapCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("stream_id", c.parent.cfg.StreamID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *tapCallback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *tapCallback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *tapCallback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *tapCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *tapCallback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}
