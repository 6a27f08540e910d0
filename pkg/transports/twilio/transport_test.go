package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicelink/callbridge/pkg/frames"
	"github.com/voicelink/callbridge/pkg/redact"
	"github.com/voicelink/callbridge/pkg/transcript"
)

func dialTestServer(t *testing.T, tr *Transport) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(tr)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func recvFrame(t *testing.T, tr *Transport) frames.Frame {
	t.Helper()
	select {
	case f := <-tr.Recv():
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestMediaStreamLifecycle(t *testing.T) {
	tr := New(Config{})
	conn, cleanup := dialTestServer(t, tr)
	defer cleanup()

	writeJSON(t, conn, map[string]any{"event": "connected"})
	writeJSON(t, conn, map[string]any{
		"event": "start",
		"start": map[string]any{
			"callSid":   "CA123",
			"streamSid": "MZ123",
			"from":      "+15550001111",
			"customParameters": map[string]string{
				"candidate_id": "cand-9",
			},
		},
	})

	f := recvFrame(t, tr)
	sys, ok := f.(frames.SystemFrame)
	if !ok || sys.Name() != frames.SystemCallStart {
		t.Fatalf("expected call_start, got %#v", f)
	}
	meta := sys.Meta()
	if meta[frames.MetaCallSID] != "CA123" {
		t.Fatalf("missing call sid: %v", meta)
	}
	if meta[frames.MetaCandidateID] != "cand-9" {
		t.Fatalf("custom parameter not propagated: %v", meta)
	}

	payload := []byte{0x01, 0x02, 0x03}
	writeJSON(t, conn, map[string]any{
		"event":          "media",
		"sequenceNumber": "7",
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	})
	af, ok := recvFrame(t, tr).(frames.AudioFrame)
	if !ok {
		t.Fatal("expected audio frame")
	}
	if af.Seq() != 7 {
		t.Fatalf("expected wire sequence 7, got %d", af.Seq())
	}
	if string(af.RawPayload()) != string(payload) {
		t.Fatalf("payload corrupted: %x", af.RawPayload())
	}

	writeJSON(t, conn, map[string]any{"event": "stop", "stop": map[string]any{"reason": "completed"}})
	end, ok := recvFrame(t, tr).(frames.SystemFrame)
	if !ok || end.Name() != frames.SystemCallEnd {
		t.Fatalf("expected call_end, got %#v", end)
	}
	if end.Meta()[frames.MetaCallEndReason] != "completed" {
		t.Fatalf("unexpected end reason: %v", end.Meta())
	}
}

func TestAbruptDisconnectEmitsCallEnd(t *testing.T) {
	tr := New(Config{})
	conn, cleanup := dialTestServer(t, tr)
	defer cleanup()

	writeJSON(t, conn, map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA1", "streamSid": "MZ1"},
	})
	_ = recvFrame(t, tr) // call_start
	conn.Close()

	end, ok := recvFrame(t, tr).(frames.SystemFrame)
	if !ok || end.Name() != frames.SystemCallEnd {
		t.Fatalf("expected call_end, got %#v", end)
	}
	if end.Meta()[frames.MetaCallEndReason] != "failed" {
		t.Fatalf("expected failed reason, got %v", end.Meta())
	}
}

func TestProtocolViolationLimitClosesConnection(t *testing.T) {
	tr := New(Config{ProtocolErrorLimit: 3})
	conn, cleanup := dialTestServer(t, tr)
	defer cleanup()

	writeJSON(t, conn, map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA1", "streamSid": "MZ1"},
	})
	_ = recvFrame(t, tr) // call_start

	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	end, ok := recvFrame(t, tr).(frames.SystemFrame)
	if !ok || end.Name() != frames.SystemCallEnd {
		t.Fatalf("expected call_end, got %#v", end)
	}
	if end.Meta()[frames.MetaCallEndReason] != "protocol_violation" {
		t.Fatalf("expected protocol_violation, got %v", end.Meta())
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected server to close the connection")
	}
}

func TestMalformedMediaToleratedBelowLimit(t *testing.T) {
	tr := New(Config{ProtocolErrorLimit: 5})
	conn, cleanup := dialTestServer(t, tr)
	defer cleanup()

	writeJSON(t, conn, map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA1", "streamSid": "MZ1"},
	})
	_ = recvFrame(t, tr)

	// Bad base64, then a good frame: counter must reset.
	writeJSON(t, conn, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": "!!!not-base64!!!"},
	})
	writeJSON(t, conn, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString([]byte{0xFF})},
	})

	af, ok := recvFrame(t, tr).(frames.AudioFrame)
	if !ok {
		t.Fatal("expected the well-formed frame to pass through")
	}
	if len(af.RawPayload()) != 1 || af.RawPayload()[0] != 0xFF {
		t.Fatalf("unexpected payload: %x", af.RawPayload())
	}
}

func TestSendAudioAndClear(t *testing.T) {
	tr := New(Config{})
	sess := newWSSession(nil)
	tr.mu.Lock()
	tr.sessions["MZ1"] = sess
	tr.mu.Unlock()

	af := frames.NewAudioFrame("MZ1", 1, []byte{0x7F, 0x7F}, "ulaw_8000", frames.DirectionOutbound, nil)
	if err := tr.Send(af); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	select {
	case msg := <-sess.sendCh:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatal(err)
		}
		if payload["event"] != "media" || payload["streamSid"] != "MZ1" {
			t.Fatalf("unexpected media message: %v", payload)
		}
	default:
		t.Fatal("expected media message enqueued")
	}

	cf := frames.NewControlFrame("MZ1", 2, frames.ControlClear, nil)
	if err := tr.Send(cf); err != nil {
		t.Fatalf("send clear: %v", err)
	}
	select {
	case msg := <-sess.sendCh:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatal(err)
		}
		if payload["event"] != "clear" {
			t.Fatalf("expected clear event, got %v", payload)
		}
	default:
		t.Fatal("expected clear message enqueued")
	}
}

func TestSendToUnknownStreamIsDropped(t *testing.T) {
	tr := New(Config{})
	af := frames.NewAudioFrame("MZ-gone", 1, []byte{0x00}, "ulaw_8000", frames.DirectionOutbound, nil)
	if err := tr.Send(af); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", VoicePath: "/voice"}
	tr := New(cfg)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Connect><Stream") {
		t.Fatalf("expected stream TwiML, got %q", w.Body.String())
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestHandleVoiceInjectsCandidateParameter(t *testing.T) {
	tr := New(Config{PublicURL: "https://example.com"})
	tr.SetCandidateResolver(func(callSID string) string {
		if callSID == "CA77" {
			return "cand-77"
		}
		return ""
	})

	form := url.Values{}
	form.Set("CallSid", "CA77")
	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `<Parameter name="candidate_id" value="cand-77"/>`) {
		t.Fatalf("expected candidate parameter in TwiML, got %q", w.Body.String())
	}
}

func TestHandleStatusCallback(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", StatusCallbackPath: "/status"}
	tr := New(cfg)
	streamID := "MZ1"
	callSID := "CA123"

	tr.mu.Lock()
	tr.callStreams[callSID] = streamID
	tr.callSIDs[streamID] = callSID
	tr.mu.Unlock()

	post := func(status string) *httptest.ResponseRecorder {
		form := url.Values{}
		form.Set("CallSid", callSID)
		form.Set("CallStatus", status)
		body := form.Encode()
		req := httptest.NewRequest(http.MethodPost, "https://example.com/status", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		params := map[string]string{"CallSid": callSID, "CallStatus": status}
		sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
		req.Header.Set("X-Twilio-Signature", sig)
		w := httptest.NewRecorder()
		tr.handleStatusCallback(w, req)
		return w
	}

	w := post("ringing")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != `{"status":"received"}` {
		t.Fatalf("unexpected ack body: %q", w.Body.String())
	}
	select {
	case f := <-tr.Recv():
		t.Fatalf("ringing must not end the stream, got %#v", f)
	default:
	}

	// An unrecognized status is recorded but does not end the call.
	post("transferred")

	w = post("completed")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	end, ok := recvFrame(t, tr).(frames.SystemFrame)
	if !ok || end.Name() != frames.SystemCallEnd {
		t.Fatalf("expected call_end, got %#v", end)
	}
	if end.Meta()[frames.MetaCallEndReason] != "completed" {
		t.Fatalf("unexpected reason: %v", end.Meta())
	}

	history := tr.StatusHistory(callSID)
	want := []string{"ringing", "transferred", "completed"}
	if len(history) != len(want) {
		t.Fatalf("expected %v, got %v", want, history)
	}
	for i := range want {
		if history[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, history)
		}
	}
}

func TestPublishTranscriptReachesViewer(t *testing.T) {
	tr := New(Config{})
	viewer := newWSSession(nil)
	tr.mu.Lock()
	tr.viewers[viewer] = "MZ1"
	tr.mu.Unlock()

	ev := transcript.Event{
		Speaker:   transcript.SpeakerAgent,
		Text:      "hello",
		Timestamp: time.Now(),
		Seq:       1,
	}
	tr.PublishTranscript("MZ1", ev)
	tr.PublishTranscript("MZ-other", ev)

	select {
	case msg := <-viewer.sendCh:
		var got viewerEvent
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatal(err)
		}
		if got.StreamID != "MZ1" || got.Speaker != "agent" || got.Text != "hello" {
			t.Fatalf("unexpected viewer event: %+v", got)
		}
	default:
		t.Fatal("expected transcript event for watched stream")
	}
	select {
	case msg := <-viewer.sendCh:
		t.Fatalf("viewer received event for a different stream: %s", msg)
	default:
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestStopDuringLiveStream(t *testing.T) {
	tr := New(Config{})
	conn, cleanup := dialTestServer(t, tr)
	defer cleanup()

	writeJSON(t, conn, map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA-halt", "streamSid": "MZ-halt"},
	})
	recvFrame(t, tr)

	if err := tr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stop is idempotent.
	if err := tr.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	// The dying read loop still runs its end-of-stream cleanup; the frame
	// is dropped but the stream bookkeeping must be released.
	deadline := time.Now().Add(time.Second)
	for {
		tr.mu.Lock()
		clean := len(tr.callStreams) == 0 && len(tr.callSIDs) == 0
		tr.mu.Unlock()
		if clean {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream bookkeeping not released after stop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for {
		select {
		case f, ok := <-tr.Recv():
			if !ok {
				return
			}
			if sf, isSys := f.(frames.SystemFrame); isSys && sf.Name() == frames.SystemCallEnd {
				t.Fatal("call_end emitted after stop")
			}
		case <-time.After(time.Second):
			t.Fatal("recv channel never closed")
		}
	}
}

func TestNormalizePublicURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com":  "example.com",
		"https://example.com/": "example.com",
		"http://example.com//": "example.com",
		"example.com/":         "example.com",
		"":                     "",
	}
	for in, want := range cases {
		if got := NormalizePublicURL(in); got != want {
			t.Fatalf("NormalizePublicURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublishTranscriptRedactsViewerFeed(t *testing.T) {
	redact.SetEnabled(true)
	defer redact.SetEnabled(false)

	tr := New(Config{})
	viewer := newWSSession(nil)
	tr.mu.Lock()
	tr.viewers[viewer] = "MZ1"
	tr.mu.Unlock()

	tr.PublishTranscript("MZ1", transcript.Event{
		Speaker:   transcript.SpeakerUser,
		Text:      "my email is jordan@example.com",
		Timestamp: time.Now(),
		Seq:       1,
	})

	select {
	case msg := <-viewer.sendCh:
		var got viewerEvent
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(got.Text, "[REDACTED_EMAIL]") || strings.Contains(got.Text, "jordan@example.com") {
			t.Fatalf("viewer feed leaked PII: %q", got.Text)
		}
	default:
		t.Fatal("expected viewer event")
	}
}
