package frames

import "sync"

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

// Direction marks which way an audio frame travels relative to the bridge.
type Direction string

const (
	DirectionInbound  Direction = "inbound"  // caller -> engine
	DirectionOutbound Direction = "outbound" // engine -> caller
)

type ControlCode string

const (
	ControlClear ControlCode = "clear"
)

// System frame names emitted by transports.
const (
	SystemCallStart = "call_start"
	SystemCallEnd   = "call_end"
)

// Meta keys shared across packages.
const (
	MetaStreamID      = "stream_id"
	MetaCallSID       = "call_sid"
	MetaTraceID       = "trace_id"
	MetaCandidateID   = "candidate_id"
	MetaFromNumber    = "from_number"
	MetaEncoding      = "encoding"
	MetaSource        = "source"
	MetaCallEndReason = "call_end_reason"
	MetaMarker        = "marker"
)

type Frame interface {
	Kind() Kind
	Seq() int64
	Meta() map[string]string
}

// AudioFrame carries one chunk of call audio. The payload is immutable once
// the frame is constructed; ownership moves from producer to queue to
// consumer.
type AudioFrame struct {
	seq       int64
	data      []byte
	encoding  string
	direction Direction
	meta      map[string]string
	pooled    bool
}

func NewAudioFrame(streamID string, seq int64, data []byte, encoding string, dir Direction, meta map[string]string) AudioFrame {
	return AudioFrame{
		seq:       seq,
		data:      data,
		encoding:  encoding,
		direction: dir,
		meta:      mergeMeta(streamID, meta),
	}
}

// NewAudioFrameFromPool copies data into a pooled buffer. Callers that are
// done with the frame should hand it to ReleaseAudioFrame.
func NewAudioFrameFromPool(streamID string, seq int64, data []byte, encoding string, dir Direction, meta map[string]string) AudioFrame {
	buf := acquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		seq:       seq,
		data:      buf,
		encoding:  encoding,
		direction: dir,
		meta:      mergeMeta(streamID, meta),
		pooled:    true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) Seq() int64              { return a.seq }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Encoding() string        { return a.encoding }
func (a AudioFrame) Direction() Direction    { return a.direction }

func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		if ap, ok := f.(*AudioFrame); ok {
			af = *ap
		} else {
			return false
		}
	}
	if af.pooled {
		releaseAudioBuf(af.data)
		return true
	}
	return false
}

type TextFrame struct {
	seq  int64
	text string
	meta map[string]string
}

func NewTextFrame(streamID string, seq int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		seq:  seq,
		text: text,
		meta: mergeMeta(streamID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) Seq() int64              { return t.seq }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }

type ControlFrame struct {
	seq  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(streamID string, seq int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		seq:  seq,
		code: code,
		meta: mergeMeta(streamID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) Seq() int64              { return c.seq }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	seq  int64
	name string
	meta map[string]string
}

func NewSystemFrame(streamID string, seq int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		seq:  seq,
		name: name,
		meta: mergeMeta(streamID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) Seq() int64              { return s.seq }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

// SeqGen allocates monotonically increasing sequence numbers, one counter
// per key (typically stream id plus direction).
type SeqGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewSeqGen() *SeqGen {
	return &SeqGen{value: make(map[string]int64)}
}

func (g *SeqGen) Next(key string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[key] + 1
	g.value[key] = v
	return v
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func acquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func releaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
