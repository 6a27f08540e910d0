package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicelink/callbridge/pkg/audio"
	"github.com/voicelink/callbridge/pkg/engine"
	"github.com/voicelink/callbridge/pkg/errorsx"
	"github.com/voicelink/callbridge/pkg/frames"
	"github.com/voicelink/callbridge/pkg/logging"
	"github.com/voicelink/callbridge/pkg/metrics"
	"github.com/voicelink/callbridge/pkg/redact"
	"github.com/voicelink/callbridge/pkg/resilience"
	"github.com/voicelink/callbridge/pkg/summary"
	"github.com/voicelink/callbridge/pkg/transcript"
)

// Sink delivers outbound frames to the telephony transport.
type Sink func(frames.Frame) error

// Summarizer produces the single post-call summary. SummarizeFallback is
// used on the error path, where the summary must be marked degraded no
// matter what the generation capability would return.
type Summarizer interface {
	Summarize(ctx context.Context, snapshot []transcript.Event, candidateID string) summary.CallSummary
	SummarizeFallback(ctx context.Context, snapshot []transcript.Event, candidateID string) summary.CallSummary
}

// TranscriptionTap transcribes caller audio independently of the engine.
// Configure one only for engines that do not emit user transcripts
// themselves, otherwise user turns are recorded twice.
type TranscriptionTap interface {
	Start(ctx context.Context) error
	SendAudio(payload []byte) error
	Results() <-chan string
	Close() error
}

type Config struct {
	StreamID    string
	CallSID     string
	CandidateID string
	TraceID     string

	EngineEncoding   string
	InboundCapacity  int
	OutboundCapacity int

	// IdleTimeout forces the session to end when the engine produces no
	// audio and no transcript activity while active.
	IdleTimeout time.Duration
	// StartTimeout bounds how long the engine may take to confirm
	// readiness.
	StartTimeout time.Duration
	EngineRetry  resilience.RetryPolicy
	Observer     metrics.Observer
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 45 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.EngineRetry == (resilience.RetryPolicy{}) {
		c.EngineRetry = resilience.NewRetryPolicy(1, 500*time.Millisecond)
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	return c
}

// Session owns one call's lifecycle: it drives the audio adapter and the
// conversational engine concurrently, accumulates the transcript, and
// invokes the summarizer exactly once on reaching a terminal state. A
// failing session never takes the server down with it.
type Session struct {
	cfg        Config
	fsm        *stateMachine
	adapter    *audio.Adapter
	relay      *transcript.Relay
	eng        engine.Engine
	summarizer Summarizer
	sink       Sink
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	engSess     engine.Session
	tap         TranscriptionTap
	lastSummary summary.CallSummary
	hasSummary  bool
	endedAt     time.Time

	createdAt     time.Time
	lastActivity  atomic.Int64
	endOnce       sync.Once
	summarizeOnce sync.Once
	done          chan struct{}
}

func New(cfg Config, eng engine.Engine, sum Summarizer, sink Sink) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg: cfg,
		fsm: newStateMachine(),
		adapter: audio.NewAdapter(audio.Config{
			StreamID:         cfg.StreamID,
			InboundCapacity:  cfg.InboundCapacity,
			OutboundCapacity: cfg.OutboundCapacity,
			EngineEncoding:   cfg.EngineEncoding,
			Observer:         cfg.Observer,
		}),
		relay:      transcript.NewRelay(),
		eng:        eng,
		summarizer: sum,
		sink:       sink,
		logger: logging.NewComponentLogger(slog.Default(), "session").With(
			slog.String("stream_id", cfg.StreamID),
			slog.String("trace_id", cfg.TraceID)),
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.touch()
	return s
}

// SetTap installs a caller-audio transcription tap. Must be called before
// Start.
func (s *Session) SetTap(tap TranscriptionTap) {
	s.mu.Lock()
	s.tap = tap
	s.mu.Unlock()
}

// AddListener registers a state change listener.
func (s *Session) AddListener(l StateListener) { s.fsm.AddListener(l) }

func (s *Session) State() State               { return s.fsm.State() }
func (s *Session) StreamID() string           { return s.cfg.StreamID }
func (s *Session) CallSID() string            { return s.cfg.CallSID }
func (s *Session) CandidateID() string        { return s.cfg.CandidateID }
func (s *Session) CreatedAt() time.Time       { return s.createdAt }
func (s *Session) Relay() *transcript.Relay   { return s.relay }
func (s *Session) Adapter() *audio.Adapter    { return s.adapter }

// Done is closed once the terminal summary has been produced.
func (s *Session) Done() <-chan struct{} { return s.done }

// Summary returns the produced CallSummary, if any.
func (s *Session) Summary() (summary.CallSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSummary, s.hasSummary
}

// EndedAt returns when the session reached a terminal state.
func (s *Session) EndedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt, !s.endedAt.IsZero()
}

// Start transitions Idle -> Starting, opens the engine session (one bounded
// retry) and launches the relay loops. The session moves to Active once the
// engine confirms readiness.
func (s *Session) Start(ctx context.Context) error {
	if err := s.fsm.Transition(StateStarting, "telephony_accepted"); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	var sess engine.Session
	err := s.cfg.EngineRetry.Do(s.ctx, func() error {
		var oerr error
		sess, oerr = s.eng.Open(s.ctx, s.engineConfig())
		return oerr
	})
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonEngineConnect)
		s.fail(err)
		return err
	}
	s.setEngineSession(sess)

	if tap := s.currentTap(); tap != nil {
		if terr := tap.Start(s.ctx); terr != nil {
			s.logger.Warn("transcription_tap_unavailable",
				slog.String("error", terr.Error()))
			s.clearTap()
		}
	}

	s.touch()
	s.wg.Add(3)
	go s.superviseEngine(sess)
	go s.transmitLoop()
	go s.watchdog()
	s.logger.Info("session_starting",
		slog.String("call_sid", s.cfg.CallSID),
		slog.String("candidate_id", s.cfg.CandidateID))
	return nil
}

// PushMedia accepts one telephony-encoded media payload from the bridge.
func (s *Session) PushMedia(payload []byte) error {
	return s.adapter.PushInbound(payload)
}

// End drives the session to Ending and, after both relay loops drain, to
// Ended. The summarizer runs to completion even if the caller has already
// disconnected. Safe to call more than once.
func (s *Session) End(reason string) {
	s.endOnce.Do(func() {
		go s.shutdown(reason)
	})
}

// Fail drives the session straight to Error. Transports report a call end
// this way when the connection died badly (protocol violations, provider
// failures): the transcript cannot be trusted to be complete, so the
// summary must carry the degraded marker. Safe to call more than once.
func (s *Session) Fail(reason string) {
	code := errorsx.ReasonTransportLost
	if reason == "protocol_violation" {
		code = errorsx.ReasonProtocolViolation
	}
	s.endOnce.Do(func() {})
	s.fail(errorsx.Wrap(errors.New(reason), code))
}

func (s *Session) shutdown(reason string) {
	if err := s.fsm.Transition(StateEnding, reason); err != nil {
		// Already terminal; the failure path owns the summary.
		return
	}
	s.logger.Info("session_ending", slog.String("reason", reason))
	if s.cancel != nil {
		s.cancel()
	}
	s.closeEngine()
	s.closeTap()
	s.wg.Wait()
	s.adapter.Close()
	s.adapter.Drain()
	s.relay.Close()
	s.markEnded()
	_ = s.fsm.Transition(StateEnded, reason)
	s.summarize(false)
	s.logger.Info("session_ended",
		slog.String("reason", reason),
		slog.Int("transcript_events", s.relay.Len()),
		slog.Int64("dropped_inbound", s.adapter.DroppedInbound()))
}

// fail moves the session to the absorbing Error state and produces the
// fallback summary from whatever transcript exists. Never blocks on the
// relay loops: they exit through context cancellation.
func (s *Session) fail(err error) {
	if terr := s.fsm.Transition(StateError, string(errorsx.Reason(err))); terr != nil {
		return
	}
	s.logger.Error("session_failed",
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	if s.cancel != nil {
		s.cancel()
	}
	s.closeEngine()
	s.closeTap()
	s.relay.Close()
	s.markEnded()
	s.summarize(true)
}

func (s *Session) summarize(fallback bool) {
	s.summarizeOnce.Do(func() {
		snap := s.relay.Snapshot()
		ctx := context.Background()
		var out summary.CallSummary
		if fallback {
			out = s.summarizer.SummarizeFallback(ctx, snap, s.cfg.CandidateID)
		} else {
			out = s.summarizer.Summarize(ctx, snap, s.cfg.CandidateID)
		}
		s.mu.Lock()
		s.lastSummary = out
		s.hasSummary = true
		s.mu.Unlock()
		close(s.done)
	})
}

// superviseEngine serves the engine session and retries once with backoff
// when the stream breaks mid-call. Repeated failures are terminal for this
// call only.
func (s *Session) superviseEngine(sess engine.Session) {
	defer s.wg.Done()
	attempts := 0
	for {
		err := s.serveEngine(sess)
		if err == nil || s.ctx.Err() != nil {
			return
		}
		attempts++
		if attempts > s.cfg.EngineRetry.MaxRetries {
			s.fail(err)
			return
		}
		s.logger.Warn("engine_reconnecting",
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()))
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.EngineRetry.Backoff):
		}
		next, oerr := s.eng.Open(s.ctx, s.engineConfig())
		if oerr != nil {
			s.fail(errorsx.Wrap(oerr, errorsx.ReasonEngineConnect))
			return
		}
		s.setEngineSession(next)
		sess = next
	}
}

// serveEngine relays frames and events for one engine session. Returns nil
// on context cancellation, an engine_stream error when the engine side
// closes unexpectedly.
func (s *Session) serveEngine(sess engine.Session) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	defer func() { _ = sess.Close() }()

	errCh := make(chan error, 2)
	go func() { errCh <- s.relayInbound(ctx, sess) }()
	go func() { errCh <- s.drainEngineAudio(ctx, sess) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case ev, ok := <-sess.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errorsx.Wrap(errors.New("engine event stream closed"), errorsx.ReasonEngineStream)
			}
			s.handleEvent(ev)
		case text, ok := <-s.tapResults():
			if !ok {
				s.clearTap()
				continue
			}
			s.appendTranscript(transcript.SpeakerUser, text)
		}
	}
}

// relayInbound drains engine-ready frames into the engine, preserving
// arrival order.
func (s *Session) relayInbound(ctx context.Context, sess engine.Session) error {
	for {
		f, err := s.adapter.PullInbound(ctx)
		if err != nil {
			return nil
		}
		if tap := s.currentTap(); tap != nil {
			_ = tap.SendAudio(f.RawPayload())
		}
		if err := sess.SendAudio(f.RawPayload()); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonEngineSend)
		}
		frames.ReleaseAudioFrame(f)
	}
}

// drainEngineAudio moves engine output onto the bounded outbound queue.
func (s *Session) drainEngineAudio(ctx context.Context, sess engine.Session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sess.Audio():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errorsx.Wrap(errors.New("engine audio stream closed"), errorsx.ReasonEngineStream)
			}
			s.touch()
			if err := s.adapter.PushOutbound(payload); err != nil {
				s.logger.Debug("outbound_frame_rejected", slog.String("error", err.Error()))
			}
		}
	}
}

// transmitLoop hands telephony-ready frames to the transport sink.
func (s *Session) transmitLoop() {
	defer s.wg.Done()
	for {
		f, err := s.adapter.PullOutbound(s.ctx)
		if err != nil {
			return
		}
		if err := s.sink(f); err != nil {
			s.logger.Warn("transport_send_failed",
				slog.String("reason_code", string(errorsx.ReasonTransportSend)),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Session) watchdog() {
	defer s.wg.Done()
	interval := s.cfg.IdleTimeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			switch s.fsm.State() {
			case StateStarting:
				if idle > s.cfg.StartTimeout {
					s.fail(errorsx.Wrap(errors.New("engine did not become ready"), errorsx.ReasonEngineConnect))
					return
				}
			case StateActive:
				if idle > s.cfg.IdleTimeout {
					s.logger.Warn("session_idle_timeout",
						slog.Duration("idle", idle))
					s.End("idle_timeout")
					return
				}
			}
		}
	}
}

func (s *Session) handleEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventReady:
		s.touch()
		if s.fsm.State() == StateStarting {
			_ = s.fsm.Transition(StateActive, "engine_ready")
			s.logger.Info("session_active")
		}
	case engine.EventAgentText:
		s.appendTranscript(transcript.SpeakerAgent, ev.Text)
	case engine.EventUserText:
		s.appendTranscript(transcript.SpeakerUser, ev.Text)
	case engine.EventInterruption:
		s.touch()
		meta := map[string]string{frames.MetaCallSID: s.cfg.CallSID}
		if err := s.sink(frames.NewControlFrame(s.cfg.StreamID, 0, frames.ControlClear, meta)); err != nil {
			s.logger.Debug("clear_send_failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Session) appendTranscript(speaker transcript.Speaker, text string) {
	if text == "" {
		return
	}
	s.touch()
	s.relay.Append(speaker, text)
	s.logger.Debug("transcript_turn",
		slog.String("speaker", string(speaker)),
		slog.String("text", redact.Text(text)))
}

func (s *Session) engineConfig() engine.SessionConfig {
	return engine.SessionConfig{
		StreamID:      s.cfg.StreamID,
		CallSID:       s.cfg.CallSID,
		CandidateID:   s.cfg.CandidateID,
		AudioEncoding: s.cfg.EngineEncoding,
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) markEnded() {
	s.mu.Lock()
	if s.endedAt.IsZero() {
		s.endedAt = time.Now()
	}
	s.mu.Unlock()
}

func (s *Session) setEngineSession(sess engine.Session) {
	s.mu.Lock()
	s.engSess = sess
	s.mu.Unlock()
}

func (s *Session) closeEngine() {
	s.mu.Lock()
	sess := s.engSess
	s.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

func (s *Session) currentTap() TranscriptionTap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tap
}

func (s *Session) tapResults() <-chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tap == nil {
		return nil
	}
	return s.tap.Results()
}

func (s *Session) clearTap() {
	s.mu.Lock()
	s.tap = nil
	s.mu.Unlock()
}

func (s *Session) closeTap() {
	s.mu.Lock()
	tap := s.tap
	s.tap = nil
	s.mu.Unlock()
	if tap != nil {
		_ = tap.Close()
	}
}
