package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSynthesizeStreams(t *testing.T) {
	const totalBytes = 44100 * 2 // one second at 22050 Hz

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req synthesisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Text != "hello there" || req.SampleRate != 22050 {
			t.Errorf("request = %+v", req)
		}

		flusher := w.(http.Flusher)
		sent := 0
		for sent < totalBytes {
			n := 4096
			if totalBytes-sent < n {
				n = totalBytes - sent
			}
			w.Write(make([]byte, n))
			flusher.Flush()
			sent += n
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	chunks, err := c.Synthesize(context.Background(), "hello there")
	if err != nil {
		t.Fatal(err)
	}

	got := 0
	for chunk := range chunks {
		if len(chunk)%2 != 0 {
			t.Errorf("chunk of %d bytes splits a sample", len(chunk))
		}
		got += len(chunk)
	}
	if got != totalBytes {
		t.Errorf("received %d bytes, want %d", got, totalBytes)
	}
}

func TestSynthesizeCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		// Trickle audio forever until the client goes away.
		for {
			if _, err := w.Write(make([]byte, 1024)); err != nil {
				close(release)
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				close(release)
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := c.Synthesize(ctx, "a very long passage")
	if err != nil {
		t.Fatal(err)
	}

	// Read a little, then interrupt.
	<-chunks
	cancel()

	// The channel must close promptly after cancellation.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("chunk channel not closed after cancel")
		}
	}
}

func TestSynthesizeServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such voice", http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Synthesize(context.Background(), "hi"); err == nil {
		t.Error("expected error for 404 response")
	}
}
