package engine

import (
	"context"
	"time"
)

// EventType identifies what a conversational engine session emitted.
type EventType string

const (
	// EventReady confirms the engine accepted the session and audio may
	// flow.
	EventReady EventType = "ready"
	// EventAgentText carries a finished agent utterance transcript.
	EventAgentText EventType = "agent_text"
	// EventUserText carries a caller utterance transcript.
	EventUserText EventType = "user_text"
	// EventInterruption signals the caller barged in; buffered outbound
	// audio should be discarded.
	EventInterruption EventType = "interruption"
)

// Event is emitted by a Session onto its event channel in arrival order.
// This replaces callback-style hooks: the session task consumes the channel
// and ordering is preserved without chained-callback coupling.
type Event struct {
	Type EventType
	Text string
	Time time.Time
}

// SessionConfig carries per-call parameters for opening an engine session.
type SessionConfig struct {
	StreamID    string
	CallSID     string
	CandidateID string
	// AudioEncoding is the representation exchanged with the engine,
	// e.g. "ulaw_8000" for telephony-native sessions.
	AudioEncoding string
}

// Session is one live conversation with the engine. Audio and events are
// delivered on channels owned by the session; both are closed when the
// session ends.
type Session interface {
	// SendAudio forwards one caller audio chunk to the engine.
	SendAudio(payload []byte) error
	// Audio yields engine-produced audio chunks for the caller.
	Audio() <-chan []byte
	// Events yields transcript and lifecycle events in arrival order.
	Events() <-chan Event
	// Close tells the engine the conversation is over. Safe to call more
	// than once.
	Close() error
}

// Engine opens conversation sessions. Implementations hold per-session
// client state only; nothing is shared mutably between sessions.
type Engine interface {
	Name() string
	Open(ctx context.Context, cfg SessionConfig) (Session, error)
}
