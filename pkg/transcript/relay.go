package transcript

import (
	"sync"
	"time"
)

// Speaker identifies who produced a transcript turn.
type Speaker string

const (
	SpeakerAgent Speaker = "agent"
	SpeakerUser  Speaker = "user"
)

// Event is one spoken turn. Events are appended in arrival order and never
// mutated or removed.
type Event struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
}

// Relay is an ordered, append-only log of spoken turns with best-effort
// fan-out to observers. A slow or disconnected subscriber never blocks the
// call.
type Relay struct {
	mu     sync.Mutex
	events []Event
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewRelay() *Relay {
	return &Relay{subs: make(map[int]chan Event)}
}

// Append records a turn at the next sequence number and notifies
// subscribers without blocking. Appends after Close are ignored.
func (r *Relay) Append(speaker Speaker, text string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	ev := Event{
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now(),
		Seq:       int64(len(r.events) + 1),
	}
	r.events = append(r.events, ev)
	subs := make([]chan Event, 0, len(r.subs))
	for _, ch := range r.subs {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Snapshot returns an ordered copy of all recorded events.
func (r *Relay) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Len reports the number of recorded events.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Subscribe registers an observer. The returned channel receives events in
// append order; delivery is best-effort when the buffer is full.
func (r *Relay) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	ch := make(chan Event, 64)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	r.subs[id] = ch
	return ch, func() { r.unsubscribe(id) }
}

func (r *Relay) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subs[id]; ok {
		delete(r.subs, id)
		close(ch)
	}
}

// Close freezes the log. After Close the relay is read-only input for
// summarization; subscriber channels are closed.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}
