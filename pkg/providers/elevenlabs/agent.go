package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicelink/callbridge/pkg/engine"
	"github.com/voicelink/callbridge/pkg/errorsx"
	"github.com/voicelink/callbridge/pkg/resilience"
)

const defaultBaseURL = "wss://api.elevenlabs.io"

type Config struct {
	APIKey  string `mapstructure:"api_key"`
	AgentID string `mapstructure:"agent_id"`
	// BaseURL overrides the ElevenLabs endpoint, used by tests.
	BaseURL     string        `mapstructure:"base_url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Engine speaks the ElevenLabs Conversational AI websocket protocol. One
// websocket per call session; caller audio goes up as base64 chunks, agent
// audio and transcript events come back as typed messages.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

func (e *Engine) Name() string { return "elevenlabs" }

func (e *Engine) Open(ctx context.Context, sc engine.SessionConfig) (engine.Session, error) {
	if e.cfg.APIKey == "" || e.cfg.AgentID == "" {
		return nil, errors.New("missing elevenlabs config")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	q := url.Values{}
	q.Set("agent_id", e.cfg.AgentID)
	endpoint := e.cfg.BaseURL + "/v1/convai/conversation?" + q.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: e.cfg.DialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, http.Header{
		"xi-api-key": []string{e.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			slog.Error("elevenlabs rate limit exceeded",
				slog.String("stream_id", sc.StreamID),
				slog.String("status", resp.Status))
			return nil, errorsx.Wrap(
				resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status},
				errorsx.ReasonEngineConnect)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonEngineConnect)
	}

	s := &convSession{
		cfg:     sc,
		conn:    conn,
		audio:   make(chan []byte, 256),
		events:  make(chan engine.Event, 256),
		writeCh: make(chan []byte, 256),
		logger: slog.Default().With(
			slog.String("component", "elevenlabs"),
			slog.String("stream_id", sc.StreamID)),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.writeJSON(map[string]any{"type": "conversation_initiation_client_data"}); err != nil {
		_ = conn.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonEngineConnect)
	}

	go s.readLoop()
	go s.writeLoop()
	s.logger.Info("elevenlabs session opened", slog.String("call_sid", sc.CallSID))
	return s, nil
}

type convSession struct {
	cfg     engine.SessionConfig
	conn    *websocket.Conn
	audio   chan []byte
	events  chan engine.Event
	writeCh chan []byte
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
	chanOnce  sync.Once
}

func (s *convSession) SendAudio(payload []byte) error {
	if s.ctx.Err() != nil {
		return errorsx.Wrap(errors.New("session closed"), errorsx.ReasonEngineSend)
	}
	b, err := json.Marshal(map[string]string{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return err
	}
	select {
	case s.writeCh <- b:
		return nil
	default:
		// The socket writer is behind; dropping one chunk beats stalling
		// the call.
		return nil
	}
}

func (s *convSession) Audio() <-chan []byte        { return s.audio }
func (s *convSession) Events() <-chan engine.Event { return s.events }

func (s *convSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

func (s *convSession) closeChannels() {
	s.chanOnce.Do(func() {
		close(s.audio)
		close(s.events)
	})
}

func (s *convSession) readLoop() {
	defer s.closeChannels()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("elevenlabs read loop error", slog.String("error", err.Error()))
			}
			return
		}
		s.handleMessage(data)
	}
}

func (s *convSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case b := <-s.writeCh:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.TextMessage, b)
			s.writeMu.Unlock()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Warn("elevenlabs write error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func (s *convSession) handleMessage(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("elevenlabs unparseable message", slog.Int("bytes", len(data)))
		return
	}
	switch msg.Type {
	case "conversation_initiation_metadata":
		s.emit(engine.Event{Type: engine.EventReady, Time: time.Now()})
	case "audio":
		if msg.AudioEvent == nil {
			return
		}
		raw, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
		if err != nil {
			s.logger.Debug("elevenlabs audio decode error", slog.String("error", err.Error()))
			return
		}
		select {
		case s.audio <- raw:
		default:
			s.logger.Warn("elevenlabs audio buffer full")
		}
	case "agent_response":
		if msg.AgentResponseEvent != nil {
			s.emit(engine.Event{
				Type: engine.EventAgentText,
				Text: msg.AgentResponseEvent.AgentResponse,
				Time: time.Now(),
			})
		}
	case "user_transcript":
		if msg.UserTranscriptionEvent != nil {
			s.emit(engine.Event{
				Type: engine.EventUserText,
				Text: msg.UserTranscriptionEvent.UserTranscript,
				Time: time.Now(),
			})
		}
	case "interruption":
		s.emit(engine.Event{Type: engine.EventInterruption, Time: time.Now()})
	case "ping":
		eventID := 0
		if msg.PingEvent != nil {
			eventID = msg.PingEvent.EventID
		}
		b, err := json.Marshal(map[string]any{"type": "pong", "event_id": eventID})
		if err != nil {
			return
		}
		select {
		case s.writeCh <- b:
		default:
		}
	default:
		s.logger.Debug("elevenlabs unhandled message", slog.String("type", msg.Type))
	}
}

func (s *convSession) emit(ev engine.Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *convSession) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

type serverMessage struct {
	Type       string `json:"type"`
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event,omitempty"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`
	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`
	PingEvent *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event,omitempty"`
}

var _ engine.Engine = (*Engine)(nil)
var _ engine.Session = (*convSession)(nil)
