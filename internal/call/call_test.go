package call

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/codec"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/rtpio"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/sipevent"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/sipserver"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/stt"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/tts"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeASR accepts websocket sessions and swallows whatever arrives.
func fakeASR(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
}

func fakeTTS(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 320))
	}))
}

func newTestManager(t *testing.T, portMin, portMax int) *Manager {
	t.Helper()

	asr := fakeASR(t)
	t.Cleanup(asr.Close)
	ttsSrv := fakeTTS(t)
	t.Cleanup(ttsSrv.Close)

	pool, err := rtpio.NewPool("127.0.0.1", portMin, portMax, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m, err := NewManager(ctx, Options{
		STT: stt.Config{URL: "ws" + asr.URL[len("http"):]},
		TTS: tts.Config{URL: ttsSrv.URL},
	}, pool, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		m.StopAll(stopCtx)
	})
	return m
}

func invite(callID string) *sipserver.InviteInfo {
	return &sipserver.InviteInfo{
		CallID: callID,
		From:   "sip:caller@example.net",
		Offer:  &sipserver.Offer{IP: "127.0.0.1", Port: 40000},
	}
}

func TestInviteStartsAndByeStopsCall(t *testing.T) {
	m := newTestManager(t, 41000, 41010)

	answer, err := m.HandleInvite(invite("call-1"), codec.NewPCMU())
	if err != nil {
		t.Fatalf("HandleInvite: %v", err)
	}
	if answer.RTPPort < 41000 || answer.RTPPort > 41010 {
		t.Errorf("answer port %d outside pool range", answer.RTPPort)
	}
	if m.ActiveCallCount() != 1 {
		t.Fatalf("active calls = %d, want 1", m.ActiveCallCount())
	}
	if m.PortsAllocated() != 1 {
		t.Errorf("ports allocated = %d, want 1", m.PortsAllocated())
	}

	// A re-INVITE returns the same media answer.
	again, err := m.HandleInvite(invite("call-1"), codec.NewPCMU())
	if err != nil {
		t.Fatal(err)
	}
	if again.RTPPort != answer.RTPPort {
		t.Errorf("re-invite port %d, want %d", again.RTPPort, answer.RTPPort)
	}
	if m.PortsAllocated() != 1 {
		t.Errorf("re-invite allocated another port")
	}

	m.End("call-1", "test")
	if m.ActiveCallCount() != 0 {
		t.Errorf("active calls after end = %d", m.ActiveCallCount())
	}
	if m.PortsAllocated() != 0 {
		t.Errorf("port not released after end: %d", m.PortsAllocated())
	}

	// Ending twice is harmless.
	m.End("call-1", "test")
}

func TestPortExhaustionSurfaces(t *testing.T) {
	// Range with a single even port.
	m := newTestManager(t, 41100, 41101)

	if _, err := m.HandleInvite(invite("call-a"), codec.NewPCMU()); err != nil {
		t.Fatal(err)
	}
	_, err := m.HandleInvite(invite("call-b"), codec.NewPCMU())
	if !errors.Is(err, rtpio.ErrNoAvailablePorts) {
		t.Errorf("second invite error = %v, want ErrNoAvailablePorts", err)
	}
}

func TestConsumeEventsEndsCall(t *testing.T) {
	m := newTestManager(t, 41200, 41210)

	if _, err := m.HandleInvite(invite("call-ev"), codec.NewPCMU()); err != nil {
		t.Fatal(err)
	}

	events := make(chan sipevent.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.ConsumeEvents(ctx, events)

	events <- sipevent.Event{Kind: sipevent.KindCallEnd, CallID: "call-ev"}

	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveCallCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("call not ended by switch event")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopAllParallel(t *testing.T) {
	m := newTestManager(t, 41300, 41320)

	for _, id := range []string{"c1", "c2", "c3"} {
		if _, err := m.HandleInvite(invite(id), codec.NewPCMU()); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.StopAll(ctx)

	if m.ActiveCallCount() != 0 {
		t.Errorf("active calls after StopAll = %d", m.ActiveCallCount())
	}
	if m.PortsAllocated() != 0 {
		t.Errorf("ports still allocated after StopAll = %d", m.PortsAllocated())
	}
}

func TestDriverForUnknownCall(t *testing.T) {
	m := newTestManager(t, 41400, 41410)
	if _, err := m.Driver("ghost"); err == nil {
		t.Error("expected error for unknown call")
	}
}

func TestHangupSendsByeAndEnds(t *testing.T) {
	m := newTestManager(t, 41500, 41510)

	byeSent := ""
	m.SetHangup(func(ctx context.Context, callID string) error {
		byeSent = callID
		return nil
	})

	if _, err := m.HandleInvite(invite("call-h"), codec.NewPCMU()); err != nil {
		t.Fatal(err)
	}
	if err := m.Hangup(context.Background(), "call-h", "scenario done"); err != nil {
		t.Fatal(err)
	}
	if byeSent != "call-h" {
		t.Errorf("bye sent for %q, want call-h", byeSent)
	}
	if m.ActiveCallCount() != 0 {
		t.Errorf("call still active after hangup")
	}
}

func TestRecognizerLossHangsUpCall(t *testing.T) {
	asr := fakeASR(t)
	ttsSrv := fakeTTS(t)
	t.Cleanup(ttsSrv.Close)

	pool, err := rtpio.NewPool("127.0.0.1", 41600, 41610, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m, err := NewManager(ctx, Options{
		STT: stt.Config{URL: "ws" + asr.URL[len("http"):], MaxReconnectAttempts: 1},
		TTS: tts.Config{URL: ttsSrv.URL},
	}, pool, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		m.StopAll(stopCtx)
	})

	var byeSent atomic.Value
	m.SetHangup(func(ctx context.Context, callID string) error {
		byeSent.Store(callID)
		return nil
	})

	if _, err := m.HandleInvite(invite("call-stt"), codec.NewPCMU()); err != nil {
		t.Fatal(err)
	}

	// Kill the recognizer; the supervisor exhausts its single retry and the
	// manager must tear the call down with a BYE.
	asr.Close()

	deadline := time.Now().Add(20 * time.Second)
	for m.ActiveCallCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("call still active after recognizer loss")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got, _ := byeSent.Load().(string); got != "call-stt" {
		t.Errorf("bye sent for %q, want call-stt", got)
	}
}
