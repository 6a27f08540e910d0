package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voicelink/callbridge/pkg/errorsx"
	"github.com/voicelink/callbridge/pkg/frames"
	"github.com/voicelink/callbridge/pkg/logging"
	"github.com/voicelink/callbridge/pkg/metrics"
)

// Telephony-side and engine-side encodings the adapter understands.
const (
	EncodingMuLaw8000 = "ulaw_8000"
	EncodingPCM8000   = "pcm_8000"
)

const DefaultQueueCapacity = 50

var ErrClosed = errors.New("audio adapter closed")

type Config struct {
	StreamID         string
	InboundCapacity  int
	OutboundCapacity int
	// EngineEncoding is the representation the conversational engine
	// consumes and produces. Telephony side is always mu-law 8 kHz.
	EngineEncoding string
	Observer       metrics.Observer
}

func (c Config) withDefaults() Config {
	if c.InboundCapacity <= 0 {
		c.InboundCapacity = DefaultQueueCapacity
	}
	if c.OutboundCapacity <= 0 {
		c.OutboundCapacity = DefaultQueueCapacity
	}
	if c.EngineEncoding == "" {
		c.EngineEncoding = EncodingMuLaw8000
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	return c
}

// Adapter translates raw telephony frames to and from the representation
// the conversational engine consumes, buffering each direction on a bounded
// queue. Real-time audio cannot wait: when a queue is full the oldest
// unread frame is dropped and counted, keeping latency bounded.
type Adapter struct {
	cfg    Config
	seq    *frames.SeqGen
	logger *slog.Logger

	inbound  chan frames.AudioFrame
	outbound chan frames.AudioFrame

	droppedInbound  atomic.Int64
	droppedOutbound atomic.Int64
	protocolErrors  atomic.Int64

	closed atomic.Bool
}

func NewAdapter(cfg Config) *Adapter {
	cfg = cfg.withDefaults()
	return &Adapter{
		cfg:      cfg,
		seq:      frames.NewSeqGen(),
		logger:   logging.NewComponentLogger(slog.Default(), "audio_adapter"),
		inbound:  make(chan frames.AudioFrame, cfg.InboundCapacity),
		outbound: make(chan frames.AudioFrame, cfg.OutboundCapacity),
	}
}

// PushInbound accepts one telephony-encoded (mu-law) frame, converts it to
// the engine representation and enqueues it. Malformed frames are dropped
// and counted; they never abort the call.
func (a *Adapter) PushInbound(payload []byte) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if len(payload) == 0 {
		return a.protocolError("empty inbound frame")
	}
	data := payload
	if a.cfg.EngineEncoding == EncodingPCM8000 {
		data = MuLawToPCM16(payload)
	}
	seq := a.seq.Next(a.cfg.StreamID + ":in")
	f := frames.NewAudioFrame(a.cfg.StreamID, seq, data, a.cfg.EngineEncoding, frames.DirectionInbound, nil)
	a.enqueue(a.inbound, f, frames.DirectionInbound, &a.droppedInbound)
	return nil
}

// PullInbound blocks until an engine-ready frame is available.
func (a *Adapter) PullInbound(ctx context.Context) (frames.AudioFrame, error) {
	select {
	case <-ctx.Done():
		return frames.AudioFrame{}, ctx.Err()
	case f := <-a.inbound:
		return f, nil
	}
}

// PushOutbound accepts an engine-produced frame and enqueues it in
// telephony wire format.
func (a *Adapter) PushOutbound(payload []byte) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if len(payload) == 0 {
		return a.protocolError("empty outbound frame")
	}
	data := payload
	if a.cfg.EngineEncoding == EncodingPCM8000 {
		if len(payload)%2 != 0 {
			return a.protocolError("truncated pcm frame")
		}
		data = PCM16ToMuLaw(payload)
	}
	seq := a.seq.Next(a.cfg.StreamID + ":out")
	f := frames.NewAudioFrame(a.cfg.StreamID, seq, data, EncodingMuLaw8000, frames.DirectionOutbound, nil)
	a.enqueue(a.outbound, f, frames.DirectionOutbound, &a.droppedOutbound)
	return nil
}

// PullOutbound blocks until a telephony-encoded frame is ready for
// transmission.
func (a *Adapter) PullOutbound(ctx context.Context) (frames.AudioFrame, error) {
	select {
	case <-ctx.Done():
		return frames.AudioFrame{}, ctx.Err()
	case f := <-a.outbound:
		return f, nil
	}
}

// Drain discards any pending frames in both directions.
func (a *Adapter) Drain() {
	for {
		select {
		case f := <-a.inbound:
			frames.ReleaseAudioFrame(f)
		case f := <-a.outbound:
			frames.ReleaseAudioFrame(f)
		default:
			return
		}
	}
}

// Close marks the adapter closed. Pending frames stay readable until Drain.
func (a *Adapter) Close() {
	a.closed.Store(true)
}

func (a *Adapter) DroppedInbound() int64  { return a.droppedInbound.Load() }
func (a *Adapter) DroppedOutbound() int64 { return a.droppedOutbound.Load() }
func (a *Adapter) ProtocolErrors() int64  { return a.protocolErrors.Load() }

func (a *Adapter) enqueue(ch chan frames.AudioFrame, f frames.AudioFrame, dir frames.Direction, dropped *atomic.Int64) {
	select {
	case ch <- f:
		return
	default:
	}
	// Queue full: evict the oldest unread frame, then retry once.
	select {
	case old := <-ch:
		frames.ReleaseAudioFrame(old)
		dropped.Add(1)
		a.recordDrop(dir, old.Seq())
	default:
	}
	select {
	case ch <- f:
	default:
		frames.ReleaseAudioFrame(f)
		dropped.Add(1)
		a.recordDrop(dir, f.Seq())
	}
}

func (a *Adapter) protocolError(msg string) error {
	a.protocolErrors.Add(1)
	a.logger.Warn("malformed_audio_frame",
		slog.String("stream_id", a.cfg.StreamID),
		slog.String("detail", msg))
	return errorsx.Wrap(errors.New(msg), errorsx.ReasonProtocolViolation)
}

func (a *Adapter) recordDrop(dir frames.Direction, seq int64) {
	a.logger.Debug("audio_frame_dropped",
		slog.String("stream_id", a.cfg.StreamID),
		slog.String("direction", string(dir)),
		slog.Int64("seq", seq))
	a.cfg.Observer.RecordEvent(metrics.MetricsEvent{
		Name:  "audio_backpressure_drop",
		Time:  time.Now(),
		Value: 1,
		Tags: map[string]string{
			frames.MetaStreamID: a.cfg.StreamID,
			"direction":         string(dir),
		},
	})
}
