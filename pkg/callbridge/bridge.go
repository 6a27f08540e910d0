package callbridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voicelink/callbridge/pkg/engine"
	"github.com/voicelink/callbridge/pkg/frames"
	"github.com/voicelink/callbridge/pkg/logging"
	"github.com/voicelink/callbridge/pkg/metrics"
	"github.com/voicelink/callbridge/pkg/resilience"
	"github.com/voicelink/callbridge/pkg/session"
	"github.com/voicelink/callbridge/pkg/transports"
)

// SessionOptions tunes every call session the bridge creates.
type SessionOptions struct {
	IdleTimeout      time.Duration
	StartTimeout     time.Duration
	EngineRetry      resilience.RetryPolicy
	InboundCapacity  int
	OutboundCapacity int
	EngineEncoding   string
}

// TapFactory builds a per-call transcription tap, or returns nil when no
// tap should be attached.
type TapFactory func(streamID, callSID string) session.TranscriptionTap

type Options struct {
	Transport  transports.Transport
	Dialer     transports.OutboundDialerWithOptions
	Engine     engine.Engine
	Summarizer session.Summarizer
	TapFactory TapFactory
	Session    SessionOptions
	Observer   metrics.Observer

	// From is the caller id used for outbound calls.
	From string
	// WebhookURL is handed to the telephony provider when placing calls;
	// empty lets the dialer use its configured default.
	WebhookURL string
}

type candidateResolverSetter interface {
	SetCandidateResolver(transports.CandidateResolver)
}

// Bridge routes telephony frames to per-call sessions. One goroutine
// consumes the transport; each session runs its own relay loops, so a
// stalled or failed call never blocks its neighbors.
type Bridge struct {
	opts    Options
	dialReg *DialRegistry
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func New(opts Options) (*Bridge, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport required")
	}
	if opts.Engine == nil {
		return nil, errors.New("engine required")
	}
	if opts.Summarizer == nil {
		return nil, errors.New("summarizer required")
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	b := &Bridge{
		opts:     opts,
		dialReg:  NewDialRegistry(),
		logger:   logging.NewComponentLogger(slog.Default(), "bridge"),
		sessions: make(map[string]*session.Session),
	}
	if setter, ok := opts.Transport.(candidateResolverSetter); ok {
		setter.SetCandidateResolver(b.dialReg.Resolve)
	}
	return b, nil
}

func (b *Bridge) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	if err := b.opts.Transport.Start(b.ctx); err != nil {
		return err
	}
	b.wg.Add(1)
	go b.loop()
	if rr, ok := b.opts.Transport.(transports.ReadyReporter); ok {
		args := []any{slog.String("transport", b.opts.Transport.Name())}
		for k, v := range rr.ReadyFields() {
			args = append(args, slog.Any(k, v))
		}
		b.logger.Info("bridge_ready", args...)
	}
	return nil
}

// PlaceCall dials a candidate and records the call-to-candidate binding so
// the media stream can be attributed when it connects.
func (b *Bridge) PlaceCall(ctx context.Context, to, candidateID string) (string, error) {
	if b.opts.Dialer == nil {
		return "", errors.New("no outbound dialer configured")
	}
	callSID, err := b.opts.Dialer.DialWithOptions(ctx, to, b.opts.From, b.opts.WebhookURL, transports.DialOptions{})
	if err != nil {
		return "", err
	}
	b.dialReg.Register(callSID, candidateID)
	b.logger.Info("outbound_call_placed",
		slog.String("call_sid", callSID),
		slog.String("candidate_id", candidateID))
	return callSID, nil
}

// Session returns the live session for a stream, if any.
func (b *Bridge) Session(streamID string) *session.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[streamID]
}

func (b *Bridge) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Drain ends every live session and waits for their summaries.
func (b *Bridge) Drain() error {
	b.mu.Lock()
	live := make([]*session.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		live = append(live, s)
	}
	b.mu.Unlock()
	for _, s := range live {
		s.End("server_shutdown")
	}
	deadline := time.After(15 * time.Second)
	for _, s := range live {
		select {
		case <-s.Done():
		case <-deadline:
			return errors.New("drain timeout")
		}
	}
	return nil
}

func (b *Bridge) Stop() error {
	err := b.Drain()
	if b.cancel != nil {
		b.cancel()
	}
	_ = b.opts.Transport.Stop()
	b.wg.Wait()
	return err
}

func (b *Bridge) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case f, ok := <-b.opts.Transport.Recv():
			if !ok {
				return
			}
			b.route(f)
		}
	}
}

func (b *Bridge) route(f frames.Frame) {
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]
	switch f.Kind() {
	case frames.KindSystem:
		sys, ok := f.(frames.SystemFrame)
		if !ok {
			return
		}
		switch sys.Name() {
		case frames.SystemCallStart:
			b.startSession(meta)
		case frames.SystemCallEnd:
			b.endSession(streamID, meta)
		}
	case frames.KindAudio:
		af, ok := f.(frames.AudioFrame)
		if !ok {
			return
		}
		sess := b.Session(streamID)
		if sess == nil {
			return
		}
		if err := sess.PushMedia(af.RawPayload()); err != nil {
			b.logger.Debug("media_rejected",
				slog.String("stream_id", streamID),
				slog.String("error", err.Error()))
		}
	}
}

func (b *Bridge) startSession(meta map[string]string) {
	streamID := meta[frames.MetaStreamID]
	callSID := meta[frames.MetaCallSID]
	if streamID == "" {
		return
	}
	candidateID := meta[frames.MetaCandidateID]
	if candidateID == "" && callSID != "" {
		candidateID = b.dialReg.Resolve(callSID)
	}

	cfg := session.Config{
		StreamID:         streamID,
		CallSID:          callSID,
		CandidateID:      candidateID,
		TraceID:          meta[frames.MetaTraceID],
		EngineEncoding:   b.opts.Session.EngineEncoding,
		InboundCapacity:  b.opts.Session.InboundCapacity,
		OutboundCapacity: b.opts.Session.OutboundCapacity,
		IdleTimeout:      b.opts.Session.IdleTimeout,
		StartTimeout:     b.opts.Session.StartTimeout,
		EngineRetry:      b.opts.Session.EngineRetry,
		Observer:         b.opts.Observer,
	}
	sess := session.New(cfg, b.opts.Engine, b.opts.Summarizer, b.opts.Transport.Send)
	if b.opts.TapFactory != nil {
		if tap := b.opts.TapFactory(streamID, callSID); tap != nil {
			sess.SetTap(tap)
		}
	}

	if pub, ok := b.opts.Transport.(transports.TranscriptPublisher); ok {
		ch, cancel := sess.Relay().Subscribe()
		go func() {
			defer cancel()
			for ev := range ch {
				pub.PublishTranscript(streamID, ev)
			}
		}()
	}

	b.mu.Lock()
	if _, exists := b.sessions[streamID]; exists {
		b.mu.Unlock()
		b.logger.Warn("duplicate_call_start", slog.String("stream_id", streamID))
		return
	}
	b.sessions[streamID] = sess
	b.mu.Unlock()

	if err := sess.Start(b.ctx); err != nil {
		b.logger.Error("session_start_failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
		b.remove(streamID, callSID)
		return
	}

	// Reap once the terminal summary exists.
	go func() {
		<-sess.Done()
		b.remove(streamID, callSID)
	}()
}

func (b *Bridge) endSession(streamID string, meta map[string]string) {
	sess := b.Session(streamID)
	if sess == nil {
		return
	}
	reason := meta[frames.MetaCallEndReason]
	if reason == "" {
		reason = "completed"
	}
	if terminalFailure(reason) {
		sess.Fail(reason)
		return
	}
	sess.End(reason)
}

// terminalFailure reports whether a call-end reason means the connection
// died rather than the call finishing; those sessions take the error path
// and produce a degraded summary.
func terminalFailure(reason string) bool {
	return reason == "protocol_violation" || reason == "failed"
}

func (b *Bridge) remove(streamID, callSID string) {
	b.mu.Lock()
	delete(b.sessions, streamID)
	b.mu.Unlock()
	if callSID != "" {
		b.dialReg.Forget(callSID)
	}
}
