package callbridge

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voicelink/callbridge/pkg/audio"
	"github.com/voicelink/callbridge/pkg/frames"
	providermock "github.com/voicelink/callbridge/pkg/providers/mock"
	"github.com/voicelink/callbridge/pkg/resilience"
	"github.com/voicelink/callbridge/pkg/session"
	"github.com/voicelink/callbridge/pkg/store"
	"github.com/voicelink/callbridge/pkg/summary"
	"github.com/voicelink/callbridge/pkg/transports"
	transportmock "github.com/voicelink/callbridge/pkg/transports/mock"
)

type stubDialer struct {
	mu    sync.Mutex
	calls []string
	sid   string
	err   error
}

func (d *stubDialer) DialWithOptions(_ context.Context, to, from, url string, _ transports.DialOptions) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, to)
	d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	return d.sid, nil
}

func newTestBridge(t *testing.T) (*Bridge, *transportmock.Transport, *providermock.Engine, *store.MemoryStore, *stubDialer) {
	t.Helper()
	tr := transportmock.New()
	eng := providermock.NewEngine()
	st := store.NewMemoryStore()
	st.AddCandidate(store.Candidate{Identification: "cand-1", Name: "Ada", Phone: "+15550001111"})
	sum := summary.NewSummarizer(&providermock.Generator{Response: "all good"}, st, summary.Config{})
	dialer := &stubDialer{sid: "CA900"}

	b, err := New(Options{
		Transport:  tr,
		Dialer:     dialer,
		Engine:     eng,
		Summarizer: sum,
		From:       "+15559990000",
		Session: SessionOptions{
			EngineEncoding: audio.EncodingMuLaw8000,
			IdleTimeout:    2 * time.Second,
			StartTimeout:   time.Second,
			EngineRetry:    resilience.NewRetryPolicy(1, 10*time.Millisecond),
		},
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b, tr, eng, st, dialer
}

func pushCallStart(tr *transportmock.Transport, streamID, callSID, candidateID string) {
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaCallSID:  callSID,
	}
	if candidateID != "" {
		meta[frames.MetaCandidateID] = candidateID
	}
	tr.Push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCallStart, meta))
}

func pushCallEnd(tr *transportmock.Transport, streamID, reason string) {
	meta := map[string]string{
		frames.MetaStreamID:      streamID,
		frames.MetaCallEndReason: reason,
	}
	tr.Push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCallEnd, meta))
}

func waitCond(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBridgeFullCall(t *testing.T) {
	b, tr, eng, st, _ := newTestBridge(t)

	pushCallStart(tr, "MZ1", "CA1", "cand-1")
	waitCond(t, time.Second, func() bool { return b.Session("MZ1") != nil }, "session not created")
	waitCond(t, time.Second, func() bool { return eng.LastSession() != nil }, "engine not opened")

	af := frames.NewAudioFrame("MZ1", 1, []byte{0x10, 0x20}, "ulaw_8000", frames.DirectionInbound, nil)
	tr.Push(af)
	es := eng.LastSession()
	waitCond(t, time.Second, func() bool { return len(es.Received()) == 1 }, "media never reached the engine")

	es.EmitAgentText("hello Ada")
	es.EmitAudio([]byte{0x7F})
	deadline := time.After(time.Second)
	for {
		var got frames.Frame
		select {
		case got = <-tr.Sent():
		case <-deadline:
			t.Fatal("no outbound audio on transport")
		}
		if got.Kind() == frames.KindAudio {
			break
		}
	}

	pushCallEnd(tr, "MZ1", "completed")
	waitCond(t, 2*time.Second, func() bool {
		c, err := st.GetCandidate("cand-1")
		return err == nil && strings.Contains(c.Summary, "all good")
	}, "summary never persisted")
	waitCond(t, time.Second, func() bool { return b.Session("MZ1") == nil }, "session never reaped")
}

func TestBridgeTranscriptFanOut(t *testing.T) {
	b, tr, eng, _, _ := newTestBridge(t)

	pushCallStart(tr, "MZ2", "CA2", "cand-1")
	waitCond(t, time.Second, func() bool { return eng.LastSession() != nil }, "engine not opened")
	sess := b.Session("MZ2")
	waitCond(t, time.Second, func() bool { return sess != nil }, "session not created")

	eng.LastSession().EmitAgentText("first turn")
	waitCond(t, time.Second, func() bool { return len(tr.Published("MZ2")) == 1 }, "transcript not published")
	got := tr.Published("MZ2")[0]
	if got.Text != "first turn" || string(got.Speaker) != "agent" {
		t.Fatalf("unexpected published turn: %+v", got)
	}
}

func TestBridgeAttributesDialedCalls(t *testing.T) {
	b, tr, eng, st, dialer := newTestBridge(t)

	callSID, err := b.PlaceCall(context.Background(), "+15550001111", "cand-1")
	if err != nil {
		t.Fatalf("place call: %v", err)
	}
	if callSID != "CA900" {
		t.Fatalf("unexpected call sid %q", callSID)
	}
	if len(dialer.calls) != 1 || dialer.calls[0] != "+15550001111" {
		t.Fatalf("dialer not invoked: %v", dialer.calls)
	}

	// The media stream arrives without candidate metadata; attribution
	// comes from the dial registry.
	pushCallStart(tr, "MZ3", "CA900", "")
	waitCond(t, time.Second, func() bool { return eng.LastSession() != nil }, "engine not opened")
	sess := b.Session("MZ3")
	if sess == nil {
		t.Fatal("session not created")
	}
	if sess.CandidateID() != "cand-1" {
		t.Fatalf("expected candidate from dial registry, got %q", sess.CandidateID())
	}

	eng.LastSession().EmitUserText("yes, I agree")
	pushCallEnd(tr, "MZ3", "completed")
	waitCond(t, 2*time.Second, func() bool {
		c, err := st.GetCandidate("cand-1")
		return err == nil && c.Summary != ""
	}, "summary never persisted for dialed call")
}

func TestBridgeTerminalFailureReasonsTakeErrorPath(t *testing.T) {
	for _, reason := range []string{"protocol_violation", "failed"} {
		t.Run(reason, func(t *testing.T) {
			b, tr, eng, st, _ := newTestBridge(t)

			streamID := "MZ-" + reason
			pushCallStart(tr, streamID, "CA-"+reason, "cand-1")
			waitCond(t, time.Second, func() bool { return eng.LastSession() != nil }, "engine not opened")
			sess := b.Session(streamID)
			if sess == nil {
				t.Fatal("session not created")
			}
			waitCond(t, time.Second, func() bool { return sess.State() == session.StateActive }, "session never active")
			eng.LastSession().EmitAgentText("partial turn")

			pushCallEnd(tr, streamID, reason)
			select {
			case <-sess.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("session never reached a terminal state")
			}
			if got := sess.State(); got != session.StateError {
				t.Fatalf("state = %v, want error", got)
			}
			sum, ok := sess.Summary()
			if !ok {
				t.Fatal("no summary produced")
			}
			if !sum.Fallback {
				t.Fatal("expected degraded summary on transport failure")
			}
			c, err := st.GetCandidate("cand-1")
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(c.Summary, "exchanges recorded") {
				t.Fatalf("fallback not persisted: %q", c.Summary)
			}
		})
	}
}

func TestBridgeIsolatesConcurrentCalls(t *testing.T) {
	b, tr, eng, _, _ := newTestBridge(t)

	pushCallStart(tr, "MZA", "CAA", "cand-1")
	waitCond(t, time.Second, func() bool { return len(eng.Sessions()) == 1 }, "first engine session missing")
	esA := eng.Sessions()[0]
	pushCallStart(tr, "MZB", "CAB", "cand-1")
	waitCond(t, time.Second, func() bool { return len(eng.Sessions()) == 2 }, "second engine session missing")
	esB := eng.Sessions()[1]

	tr.Push(frames.NewAudioFrame("MZA", 1, []byte{0xAA}, "ulaw_8000", frames.DirectionInbound, nil))
	tr.Push(frames.NewAudioFrame("MZB", 1, []byte{0xBB}, "ulaw_8000", frames.DirectionInbound, nil))

	waitCond(t, time.Second, func() bool {
		return len(esA.Received()) == 1 && len(esB.Received()) == 1
	}, "media did not reach both engines")
	if esA.Received()[0][0] != 0xAA || esB.Received()[0][0] != 0xBB {
		t.Fatal("media crossed between sessions")
	}
	if b.ActiveSessions() != 2 {
		t.Fatalf("expected 2 active sessions, got %d", b.ActiveSessions())
	}
}

func TestBridgeMediaForUnknownStreamIgnored(t *testing.T) {
	_, tr, _, _, _ := newTestBridge(t)
	tr.Push(frames.NewAudioFrame("MZ-none", 1, []byte{0x01}, "ulaw_8000", frames.DirectionInbound, nil))
	// Nothing to assert beyond the bridge not panicking; give the loop a
	// moment to process.
	time.Sleep(20 * time.Millisecond)
}

func TestBridgeRejectsIncompleteOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for missing transport")
	}
	tr := transportmock.New()
	if _, err := New(Options{Transport: tr}); err == nil {
		t.Fatal("expected error for missing engine")
	}
	if _, err := New(Options{Transport: tr, Engine: providermock.NewEngine()}); err == nil {
		t.Fatal("expected error for missing summarizer")
	}
}

func TestPlaceCallWithoutDialer(t *testing.T) {
	tr := transportmock.New()
	st := store.NewMemoryStore()
	sum := summary.NewSummarizer(nil, st, summary.Config{})
	b, err := New(Options{Transport: tr, Engine: providermock.NewEngine(), Summarizer: sum})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.PlaceCall(context.Background(), "+1555", "cand-1"); err == nil {
		t.Fatal("expected error without dialer")
	}
}
