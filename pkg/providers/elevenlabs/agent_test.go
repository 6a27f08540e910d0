package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicelink/callbridge/pkg/engine"
)

// fakeAgentServer mimics the conversational endpoint: it consumes the
// initiation message, scripts a short conversation and records everything
// the client sends.
type fakeAgentServer struct {
	srv      *httptest.Server
	received chan map[string]any
	// pending holds messages already drained from received that did not
	// match an earlier waitFor predicate, so later waits can still see them.
	pending []map[string]any
}

func newFakeAgentServer(t *testing.T) *fakeAgentServer {
	t.Helper()
	f := &fakeAgentServer{received: make(chan map[string]any, 64)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("agent_id") != "agent-1" {
			t.Errorf("missing agent_id query: %s", r.URL.RawQuery)
		}
		if r.Header.Get("xi-api-key") != "key-1" {
			t.Errorf("missing api key header")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		readJSON := func() map[string]any {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return nil
			}
			var m map[string]any
			_ = json.Unmarshal(data, &m)
			return m
		}

		init := readJSON()
		if init == nil || init["type"] != "conversation_initiation_client_data" {
			t.Errorf("expected initiation message, got %v", init)
			return
		}

		send := func(v any) {
			b, _ := json.Marshal(v)
			_ = conn.WriteMessage(websocket.TextMessage, b)
		}
		send(map[string]any{"type": "conversation_initiation_metadata"})
		send(map[string]any{"type": "audio", "audio_event": map[string]any{
			"audio_base_64": base64.StdEncoding.EncodeToString([]byte{0x10, 0x20}),
			"event_id":      1,
		}})
		send(map[string]any{"type": "agent_response", "agent_response_event": map[string]any{
			"agent_response": "hello caller",
		}})
		send(map[string]any{"type": "user_transcript", "user_transcription_event": map[string]any{
			"user_transcript": "hi agent",
		}})
		send(map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": 42}})

		for {
			m := readJSON()
			if m == nil {
				return
			}
			f.received <- m
		}
	}))
	return f
}

func (f *fakeAgentServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeAgentServer) waitFor(t *testing.T, match func(map[string]any) bool, msg string) map[string]any {
	t.Helper()
	for i, m := range f.pending {
		if match(m) {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return m
		}
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-f.received:
			if match(m) {
				return m
			}
			f.pending = append(f.pending, m)
		case <-deadline:
			t.Fatal(msg)
			return nil
		}
	}
}

func TestOpenRequiresConfig(t *testing.T) {
	eng := New(Config{})
	if _, err := eng.Open(context.Background(), engine.SessionConfig{}); err == nil {
		t.Fatal("expected config error")
	}
}

func TestConversationProtocol(t *testing.T) {
	f := newFakeAgentServer(t)
	defer f.srv.Close()

	eng := New(Config{APIKey: "key-1", AgentID: "agent-1", BaseURL: f.wsURL()})
	sess, err := eng.Open(context.Background(), engine.SessionConfig{StreamID: "MZ1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	var sawReady, sawAgent, sawUser bool
	deadline := time.After(2 * time.Second)
	for !(sawReady && sawAgent && sawUser) {
		select {
		case ev := <-sess.Events():
			switch ev.Type {
			case engine.EventReady:
				sawReady = true
			case engine.EventAgentText:
				if ev.Text != "hello caller" {
					t.Fatalf("unexpected agent text: %q", ev.Text)
				}
				sawAgent = true
			case engine.EventUserText:
				if ev.Text != "hi agent" {
					t.Fatalf("unexpected user text: %q", ev.Text)
				}
				sawUser = true
			}
		case <-deadline:
			t.Fatalf("missing events: ready=%v agent=%v user=%v", sawReady, sawAgent, sawUser)
		}
	}

	select {
	case raw := <-sess.Audio():
		if len(raw) != 2 || raw[0] != 0x10 {
			t.Fatalf("unexpected audio payload: %x", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("no audio received")
	}

	if err := sess.SendAudio([]byte{0xAB, 0xCD}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	chunk := f.waitFor(t, func(m map[string]any) bool {
		_, ok := m["user_audio_chunk"]
		return ok
	}, "server never received user audio")
	decoded, err := base64.StdEncoding.DecodeString(chunk["user_audio_chunk"].(string))
	if err != nil || len(decoded) != 2 || decoded[0] != 0xAB {
		t.Fatalf("unexpected audio chunk: %v (%v)", chunk, err)
	}

	pong := f.waitFor(t, func(m map[string]any) bool {
		return m["type"] == "pong"
	}, "server never received pong")
	if id, _ := pong["event_id"].(float64); int(id) != 42 {
		t.Fatalf("pong must echo the ping event id, got %v", pong["event_id"])
	}
}

func TestCloseEndsStreams(t *testing.T) {
	f := newFakeAgentServer(t)
	defer f.srv.Close()

	eng := New(Config{APIKey: "key-1", AgentID: "agent-1", BaseURL: f.wsURL()})
	sess, err := eng.Open(context.Background(), engine.SessionConfig{StreamID: "MZ2"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = sess.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sess.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel never closed after Close")
		}
	}
}
