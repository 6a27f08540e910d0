package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/voicelink/callbridge/pkg/errorsx"
	"github.com/voicelink/callbridge/pkg/frames"
	"github.com/voicelink/callbridge/pkg/redact"
	"github.com/voicelink/callbridge/pkg/transcript"
	"github.com/voicelink/callbridge/pkg/transports"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	TranscriptsPath    string   `mapstructure:"transcripts_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	// ProtocolErrorLimit is how many consecutive malformed media-stream
	// messages a connection may produce before it is closed.
	ProtocolErrorLimit int `mapstructure:"protocol_error_limit"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/media"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.TranscriptsPath == "" {
		c.TranscriptsPath = "/transcripts"
	}
	if c.ProtocolErrorLimit <= 0 {
		c.ProtocolErrorLimit = 5
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport bridges Twilio media-stream websockets to the frame pipeline.
// One websocket connection per call; caller audio arrives base64-encoded
// mu-law and leaves the same way. It also serves the voice webhook, the
// status callback and a read-only transcript stream for observers.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame
	seq      *frames.SeqGen

	// resolveCandidate, when set, maps a call SID to a candidate id that
	// is injected into the media stream as a custom parameter.
	resolveCandidate transports.CandidateResolver

	mu           sync.Mutex
	sessions     map[string]*wsSession
	callSIDs     map[string]string
	callStreams  map[string]string
	traceIDs     map[string]string
	fromNumbers  map[string]string
	candidateIDs map[string]string
	statuses     map[string][]string
	viewers      map[*wsSession]string

	// recvMu fences emit against Stop closing recvCh: stream read loops
	// can still be reporting call ends while the transport drains.
	recvMu   sync.RWMutex
	draining atomic.Bool
	stopOnce sync.Once
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:       make(chan frames.Frame, 512),
		seq:          frames.NewSeqGen(),
		sessions:     make(map[string]*wsSession),
		callSIDs:     make(map[string]string),
		callStreams:  make(map[string]string),
		traceIDs:     make(map[string]string),
		fromNumbers:  make(map[string]string),
		candidateIDs: make(map[string]string),
		statuses:     make(map[string][]string),
		viewers:      make(map[*wsSession]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

// SetCandidateResolver installs the call-to-candidate lookup used by the
// voice webhook. Must be set before Start.
func (t *Transport) SetCandidateResolver(r transports.CandidateResolver) {
	t.resolveCandidate = r
}

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.publicHTTPURL(t.cfg.VoicePath),
		"status_callback_url": t.publicHTTPURL(t.cfg.StatusCallbackPath),
		"media_stream_url":    t.websocketURLForHost(""),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc(t.cfg.TranscriptsPath, t.handleTranscripts)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.stopOnce.Do(func() {
		t.draining.Store(true)
		if t.server != nil {
			_ = t.server.Close()
		}
		t.mu.Lock()
		for _, sess := range t.sessions {
			_ = sess.close()
		}
		t.sessions = make(map[string]*wsSession)
		for v := range t.viewers {
			_ = v.close()
		}
		t.viewers = make(map[*wsSession]string)
		t.mu.Unlock()
		t.recvMu.Lock()
		close(t.recvCh)
		t.recvMu.Unlock()
	})
	return nil
}

// emit hands one frame to the consumer unless the transport is draining;
// late frames from dying read loops are dropped.
func (t *Transport) emit(f frames.Frame) {
	t.recvMu.RLock()
	defer t.recvMu.RUnlock()
	if t.draining.Load() {
		return
	}
	nonBlockingSend(t.recvCh, f)
}

// ServeHTTP handles one media-stream websocket connection. Malformed
// messages are tolerated up to ProtocolErrorLimit in a row; a well-formed
// message resets the counter.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var streamID string
	violations := 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		evt, perr := t.dispatch(conn, msg, &streamID)
		if perr != nil {
			violations++
			slog.Warn("twilio_protocol_violation",
				"reason_code", string(errorsx.ReasonProtocolViolation),
				"stream_id", streamID,
				"consecutive", violations,
				"error", perr.Error())
			if violations >= t.cfg.ProtocolErrorLimit {
				t.endStream(streamID, "protocol_violation")
				return
			}
			continue
		}
		violations = 0
		if evt == "stop" {
			return
		}
	}
	if streamID != "" {
		t.endStream(streamID, "failed")
	}
}

// dispatch decodes one wire message and routes it. Returns the event name
// and a protocol error for malformed input.
func (t *Transport) dispatch(conn *websocket.Conn, msg []byte, streamID *string) (string, error) {
	var evt StreamEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		return "", err
	}
	switch evt.Event {
	case "connected":
		return evt.Event, nil
	case "start":
		if evt.Start == nil || evt.Start.StreamID == "" {
			return evt.Event, errors.New("start event missing stream sid")
		}
		*streamID = evt.Start.StreamID
		t.handleStart(evt.Start, conn)
		return evt.Event, nil
	case "media":
		if *streamID == "" {
			return evt.Event, errors.New("media before start")
		}
		if evt.Media == nil {
			return evt.Event, errors.New("media event missing payload")
		}
		payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
		if err != nil {
			return evt.Event, err
		}
		seq := t.wireSeq(*streamID, evt.SequenceNumber)
		meta := t.metaForStream(*streamID)
		meta[frames.MetaEncoding] = "ulaw_8000"
		af := frames.NewAudioFrame(*streamID, seq, payload, "ulaw_8000", frames.DirectionInbound, meta)
		t.emit(af)
		return evt.Event, nil
	case "mark":
		return evt.Event, nil
	case "stop":
		reason := "completed"
		if evt.Stop != nil && evt.Stop.Reason != "" {
			reason = normalizeCallEndReason(evt.Stop.Reason)
		}
		t.endStream(*streamID, reason)
		return evt.Event, nil
	default:
		return evt.Event, errors.New("unknown event " + strconv.Quote(evt.Event))
	}
}

func (t *Transport) handleStart(start *StreamStart, conn *websocket.Conn) {
	traceID := uuid.NewString()
	candidateID := start.CustomParameters["candidate_id"]
	old := t.attach(start, traceID, candidateID, conn)
	if old != nil {
		_ = old.close()
	}
	meta := map[string]string{
		frames.MetaStreamID:   start.StreamID,
		frames.MetaCallSID:    start.CallSID,
		frames.MetaTraceID:    traceID,
		frames.MetaFromNumber: start.From,
		frames.MetaSource:     "transport",
	}
	if candidateID != "" {
		meta[frames.MetaCandidateID] = candidateID
	}
	t.emit(frames.NewSystemFrame(
		start.StreamID, time.Now().UnixNano(), frames.SystemCallStart, meta))
}

func (t *Transport) endStream(streamID, reason string) {
	if streamID == "" {
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaCallEndReason] = reason
	t.emit(frames.NewSystemFrame(
		streamID, time.Now().UnixNano(), frames.SystemCallEnd, meta))
	t.detach(streamID)
}

// Send delivers outbound frames to the caller's websocket. Audio frames
// become base64 media messages, clear controls flush Twilio's playback
// buffer. Frames for unknown streams are dropped silently: the call may
// have ended while the frame was in flight.
func (t *Transport) Send(f frames.Frame) error {
	streamID := f.Meta()[frames.MetaStreamID]
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	switch f.Kind() {
	case frames.KindControl:
		cf, ok := f.(frames.ControlFrame)
		if !ok || cf.Code() != frames.ControlClear {
			return nil
		}
		return sess.enqueue(map[string]any{
			"event":     "clear",
			"streamSid": streamID,
		})
	case frames.KindAudio:
		af, ok := f.(frames.AudioFrame)
		if !ok {
			return nil
		}
		msg := map[string]any{
			"event":     "media",
			"streamSid": streamID,
			"media": map[string]any{
				"payload": base64.StdEncoding.EncodeToString(af.RawPayload()),
			},
		}
		if err := sess.enqueue(msg); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonTransportSend)
		}
		if marker := af.Meta()[frames.MetaMarker]; marker != "" {
			return sess.enqueue(map[string]any{
				"event":     "mark",
				"streamSid": streamID,
				"mark":      map[string]any{"name": marker},
			})
		}
		return nil
	default:
		return nil
	}
}

// PublishTranscript pushes one transcript turn to any websocket observers
// watching this stream.
func (t *Transport) PublishTranscript(streamID string, ev transcript.Event) {
	b, err := json.Marshal(viewerEvent{
		StreamID:  streamID,
		Speaker:   string(ev.Speaker),
		Text:      redact.Text(ev.Text),
		Timestamp: ev.Timestamp,
		Seq:       ev.Seq,
	})
	if err != nil {
		return
	}
	t.mu.Lock()
	targets := make([]*wsSession, 0, len(t.viewers))
	for v, want := range t.viewers {
		if want == "" || want == streamID {
			targets = append(targets, v)
		}
	}
	t.mu.Unlock()
	for _, v := range targets {
		_ = v.enqueueRaw(b)
	}
}

// StatusHistory returns every status the provider reported for a call, in
// arrival order.
func (t *Transport) StatusHistory(callSID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.statuses[callSID]))
	copy(out, t.statuses[callSID])
	return out
}

// handleVoice answers the provider's voice webhook with TwiML that opens
// the media stream back to us. The candidate id rides along as a custom
// stream parameter so the start event carries call attribution.
func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateRequest(r) {
		slog.Warn("twilio_invalid_signature",
			"reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	_ = r.ParseForm()
	callSID := r.FormValue("CallSid")
	var candidateID string
	if t.resolveCandidate != nil && callSID != "" {
		candidateID = t.resolveCandidate(callSID)
	}

	var b strings.Builder
	b.WriteString(`<Response>`)
	if g := strings.TrimSpace(t.cfg.VoiceGreeting); g != "" {
		b.WriteString(`<Say>` + xmlEscape(g) + `</Say>`)
	}
	b.WriteString(`<Connect><Stream url="` + t.websocketURLForHost(r.Host) + `">`)
	if candidateID != "" {
		b.WriteString(`<Parameter name="candidate_id" value="` + xmlEscape(candidateID) + `"/>`)
	}
	b.WriteString(`</Stream></Connect></Response>`)

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(b.String()))
}

// handleStatusCallback records the reported status and, for terminal
// statuses, ends the associated stream. Unknown statuses are recorded
// as received. Always acknowledges with a small JSON body.
func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateRequest(r) {
		slog.Warn("twilio_status_invalid_signature",
			"reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeStatusAck(w)
		return
	}
	callSID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	if callSID != "" && status != "" {
		t.mu.Lock()
		t.statuses[callSID] = append(t.statuses[callSID], status)
		t.mu.Unlock()
		slog.Info("twilio_call_status",
			"call_sid", callSID,
			"call_status", status)
	}
	reason := normalizeCallEndReason(status)
	if terminalReason(reason) && callSID != "" {
		if streamID := t.streamForCall(callSID); streamID != "" {
			t.endStream(streamID, reason)
		}
	}
	writeStatusAck(w)
}

func writeStatusAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"received"}`))
}

// handleTranscripts serves a read-only websocket of transcript turns.
// An optional stream_id query parameter narrows the feed to one call.
func (t *Transport) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	viewer := newWSSession(conn)
	want := r.URL.Query().Get("stream_id")
	t.mu.Lock()
	t.viewers[viewer] = want
	t.mu.Unlock()
	go viewer.loop()

	// Reads only surface disconnects; viewers never send data we use.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	t.mu.Lock()
	delete(t.viewers, viewer)
	t.mu.Unlock()
	_ = viewer.close()
}

func (t *Transport) wireSeq(streamID, wire string) int64 {
	if wire != "" {
		if n, err := strconv.ParseInt(wire, 10, 64); err == nil {
			return n
		}
	}
	return t.seq.Next(streamID + ":wire")
}

func (t *Transport) websocketURLForHost(host string) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + NormalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) publicHTTPURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + NormalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) attach(start *StreamStart, traceID, candidateID string, conn *websocket.Conn) *wsSession {
	sess := newWSSession(conn)
	var old *wsSession
	t.mu.Lock()
	if start.CallSID != "" {
		if existing := t.callStreams[start.CallSID]; existing != "" && existing != start.StreamID {
			old = t.sessions[existing]
			delete(t.sessions, existing)
			delete(t.callSIDs, existing)
			delete(t.traceIDs, existing)
			delete(t.fromNumbers, existing)
			delete(t.candidateIDs, existing)
		}
		t.callStreams[start.CallSID] = start.StreamID
	}
	t.sessions[start.StreamID] = sess
	t.callSIDs[start.StreamID] = start.CallSID
	t.traceIDs[start.StreamID] = traceID
	if start.From != "" {
		t.fromNumbers[start.StreamID] = start.From
	}
	if candidateID != "" {
		t.candidateIDs[start.StreamID] = candidateID
	}
	t.mu.Unlock()
	go sess.loop()
	return old
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	sess := t.sessions[streamID]
	callSID := t.callSIDs[streamID]
	delete(t.sessions, streamID)
	delete(t.callSIDs, streamID)
	delete(t.traceIDs, streamID)
	delete(t.fromNumbers, streamID)
	delete(t.candidateIDs, streamID)
	if callSID != "" && t.callStreams[callSID] == streamID {
		delete(t.callStreams, callSID)
	}
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) session(streamID string) *wsSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[streamID]
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaStreamID: streamID}
	if v := t.callSIDs[streamID]; v != "" {
		meta[frames.MetaCallSID] = v
	}
	if v := t.traceIDs[streamID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	if v := t.fromNumbers[streamID]; v != "" {
		meta[frames.MetaFromNumber] = v
	}
	if v := t.candidateIDs[streamID]; v != "" {
		meta[frames.MetaCandidateID] = v
	}
	return meta
}

func (t *Transport) validateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	switch r {
	case "", "queued", "initiated", "ringing", "answered", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func terminalReason(reason string) bool {
	switch reason {
	case "completed", "busy", "no_answer", "failed":
		return true
	default:
		return false
	}
}

// wsSession serializes writes to one websocket through a buffered queue.
// Enqueue never blocks; a full queue drops the message.
type wsSession struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func newWSSession(conn *websocket.Conn) *wsSession {
	return &wsSession{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
}

func (s *wsSession) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.enqueueRaw(b)
}

func (s *wsSession) enqueueRaw(b []byte) error {
	if s.closed.Load() {
		return nil
	}
	select {
	case s.sendCh <- b:
	default:
	}
	return nil
}

func (s *wsSession) loop() {
	for msg := range s.sendCh {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (s *wsSession) close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	return s.conn.Close()
}

// Wire envelope for Twilio media-stream messages.
type StreamStart struct {
	CallSID          string            `json:"callSid"`
	StreamID         string            `json:"streamSid"`
	From             string            `json:"from"`
	CustomParameters map[string]string `json:"customParameters"`
}

type StreamMedia struct {
	Payload string `json:"payload"`
}

type StreamStop struct {
	Reason string `json:"reason"`
}

type StreamEvent struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	Start          *StreamStart `json:"start,omitempty"`
	Media          *StreamMedia `json:"media,omitempty"`
	Stop           *StreamStop  `json:"stop,omitempty"`
}

type viewerEvent struct {
	StreamID  string    `json:"stream_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
}

// NormalizePublicURL reduces a configured public URL to a bare host (plus
// optional path prefix): scheme stripped, trailing slashes trimmed.
func NormalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}
