package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/voicelink/callbridge/pkg/frames"
	"github.com/voicelink/callbridge/pkg/transcript"
)

// Transport is an in-memory telephony transport for local testing. It
// implements transports.Transport without any network dependency.
type Transport struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame
	closed atomic.Bool
	mu     sync.Mutex

	published map[string][]transcript.Event
}

func New() *Transport {
	return &Transport{
		recvCh:    make(chan frames.Frame, 256),
		sentCh:    make(chan frames.Frame, 256),
		published: make(map[string][]transcript.Event),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	if t.closed.Load() {
		return nil
	}
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

// PublishTranscript records transcript turns for test inspection.
func (t *Transport) PublishTranscript(streamID string, ev transcript.Event) {
	t.mu.Lock()
	t.published[streamID] = append(t.published[streamID], ev)
	t.mu.Unlock()
}

// Published returns the transcript turns pushed for a stream.
func (t *Transport) Published(streamID string) []transcript.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transcript.Event, len(t.published[streamID]))
	copy(out, t.published[streamID])
	return out
}

// Push injects an inbound frame, simulating telephony traffic.
func (t *Transport) Push(f frames.Frame) {
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }
