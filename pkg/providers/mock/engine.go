package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicelink/callbridge/pkg/engine"
)

// Engine is an in-memory conversational engine for local testing. Sessions
// expose push helpers so tests can script agent behavior.
type Engine struct {
	mu       sync.Mutex
	sessions []*Session

	// OpenFailures makes the next N Open calls fail, for exercising
	// retry and error paths.
	OpenFailures int
	// Ready controls whether sessions emit EventReady on open.
	Ready bool
}

func NewEngine() *Engine {
	return &Engine{Ready: true}
}

func (e *Engine) Name() string { return "mock" }

func (e *Engine) Open(ctx context.Context, cfg engine.SessionConfig) (engine.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.OpenFailures > 0 {
		e.OpenFailures--
		return nil, errors.New("mock engine unavailable")
	}
	s := &Session{
		cfg:    cfg,
		audio:  make(chan []byte, 256),
		events: make(chan engine.Event, 256),
	}
	if e.Ready {
		s.events <- engine.Event{Type: engine.EventReady, Time: time.Now()}
	}
	e.sessions = append(e.sessions, s)
	return s, nil
}

// Sessions returns every session opened so far.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, len(e.sessions))
	copy(out, e.sessions)
	return out
}

// LastSession returns the most recently opened session, or nil.
func (e *Engine) LastSession() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

type Session struct {
	cfg    engine.SessionConfig
	audio  chan []byte
	events chan engine.Event

	mu       sync.Mutex
	received [][]byte

	closed atomic.Bool

	// SendErr, when set, is returned by SendAudio to simulate a dropped
	// engine connection.
	SendErr error
}

func (s *Session) Config() engine.SessionConfig { return s.cfg }

func (s *Session) SendAudio(payload []byte) error {
	if s.closed.Load() {
		return errors.New("session closed")
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.mu.Lock()
	s.received = append(s.received, append([]byte(nil), payload...))
	s.mu.Unlock()
	return nil
}

func (s *Session) Audio() <-chan []byte        { return s.audio }
func (s *Session) Events() <-chan engine.Event { return s.events }

func (s *Session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.audio)
		close(s.events)
	}
	return nil
}

func (s *Session) Closed() bool { return s.closed.Load() }

// Received returns the audio chunks the "engine" consumed.
func (s *Session) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

// EmitAudio scripts an engine-produced audio chunk.
func (s *Session) EmitAudio(payload []byte) {
	if s.closed.Load() {
		return
	}
	select {
	case s.audio <- payload:
	default:
	}
}

// EmitAgentText scripts an agent transcript event.
func (s *Session) EmitAgentText(text string) {
	s.emit(engine.Event{Type: engine.EventAgentText, Text: text, Time: time.Now()})
}

// EmitUserText scripts a caller transcript event.
func (s *Session) EmitUserText(text string) {
	s.emit(engine.Event{Type: engine.EventUserText, Text: text, Time: time.Now()})
}

func (s *Session) emit(ev engine.Event) {
	if s.closed.Load() {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

var _ engine.Engine = (*Engine)(nil)
var _ engine.Session = (*Session)(nil)
