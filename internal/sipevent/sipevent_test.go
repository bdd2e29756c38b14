package sipevent

import (
	"log/slog"
	"net"
	"testing"
	"time"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		datagram string
		wantKind Kind
		wantID   string
		wantErr  bool
	}{
		{
			name:     "json call setup",
			datagram: `{"event":"E_CALL_SETUP","call_id":"abc123","caller":"sip:alice@example.com","sdp_body":"v=0"}`,
			wantKind: KindCallStart,
			wantID:   "abc123",
		},
		{
			name:     "json custom event start action",
			datagram: `{"event":"OAVC_CALL_EVENT","action":"start","b2b_key":"k1"}`,
			wantKind: KindCallStart,
			wantID:   "k1",
		},
		{
			name:     "json terminated",
			datagram: `{"event":"E_CALL_TERMINATED","callid":"abc123","reason":"BYE"}`,
			wantKind: KindCallEnd,
			wantID:   "abc123",
		},
		{
			name:     "key value setup",
			datagram: "event=E_CALL_SETUP\ncall_id=xyz\ncaller=sip:bob@host",
			wantKind: KindCallStart,
			wantID:   "xyz",
		},
		{
			name:     "key value end action",
			datagram: "event=OAVC_CALL_EVENT\r\naction=end\r\nkey=xyz",
			wantKind: KindCallEnd,
			wantID:   "xyz",
		},
		{
			name:     "answered",
			datagram: `{"event":"E_CALL_ANSWERED","call_id":"abc"}`,
			wantKind: KindCallAnswered,
			wantID:   "abc",
		},
		{
			name:     "heuristic start",
			datagram: `{"event":"E_UL_CALL_BEGIN_START","call_id":"h1"}`,
			wantKind: KindCallStart,
			wantID:   "h1",
		},
		{
			name:     "heuristic hangup",
			datagram: "event=CUSTOM_HANGUP\ncall_id=h2",
			wantKind: KindCallEnd,
			wantID:   "h2",
		},
		{
			name:     "setup without call id",
			datagram: `{"event":"E_CALL_SETUP"}`,
			wantErr:  true,
		},
		{
			name:     "garbage",
			datagram: "%%%%",
			wantErr:  true,
		},
		{
			name:     "broken json",
			datagram: `{"event":`,
			wantErr:  true,
		},
		{
			name:     "unknown event no keywords",
			datagram: `{"event":"E_PIKE_BLOCKED","call_id":"x"}`,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse([]byte(tt.datagram))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", ev)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", ev.Kind, tt.wantKind)
			}
			if ev.CallID != tt.wantID {
				t.Errorf("call id = %q, want %q", ev.CallID, tt.wantID)
			}
		})
	}
}

func TestParseInlineSDPBody(t *testing.T) {
	datagram := "event=E_CALL_SETUP\ncall_id=abc\n\nv=0\no=- 1 1 IN IP4 10.0.0.1\nm=audio 4000 RTP/AVP 0"
	ev, err := Parse([]byte(datagram))
	if err != nil {
		t.Fatal(err)
	}
	if ev.SDP == "" {
		t.Fatal("inline sdp body not captured")
	}
	if got := ev.SDP[:3]; got != "v=0" {
		t.Errorf("sdp starts with %q, want v=0", got)
	}
}

func TestListenerEndToEnd(t *testing.T) {
	l, err := NewListener("127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go l.Run()

	sender, err := net.Dial("udp", l.conn.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()

	// A garbage datagram must not break subsequent parsing.
	if _, err := sender.Write([]byte("%%%%")); err != nil {
		t.Fatal(err)
	}
	if _, err := sender.Write([]byte(`{"event":"E_CALL_SETUP","call_id":"e2e","sdp_body":"v=0"}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-l.Events():
		if ev.Kind != KindCallStart || ev.CallID != "e2e" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}
