package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func collect(t *testing.T, tokens <-chan string) string {
	t.Helper()
	var sb strings.Builder
	deadline := time.After(3 * time.Second)
	for {
		select {
		case tok, ok := <-tokens:
			if !ok {
				return sb.String()
			}
			sb.WriteString(tok)
		case <-deadline:
			t.Fatal("token stream did not close")
		}
	}
}

func TestEcho(t *testing.T) {
	r, err := New(Options{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := r.Respond(context.Background(), "c1", "merhaba")
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, tokens); got != "merhaba" {
		t.Errorf("echo reply = %q", got)
	}
}

func TestIntentResponder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req intentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(Classification{
			Intent:     "balance_inquiry",
			Confidence: 0.93,
			Reply:      "Your balance is forty-two lira.",
		})
	}))
	defer srv.Close()

	r, err := New(Options{Kind: "intent", IntentURL: srv.URL}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := r.Respond(context.Background(), "c1", "what is my balance")
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, tokens); got != "Your balance is forty-two lira." {
		t.Errorf("intent reply = %q", got)
	}

	intent := r.(*Intent)
	c, err := intent.Classify(context.Background(), "c1", "what is my balance")
	if err != nil {
		t.Fatal(err)
	}
	if c.Intent != "balance_inquiry" {
		t.Errorf("intent = %q", c.Intent)
	}
}

func TestIntentServiceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oops", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, err := NewIntent(srv.URL, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Respond(context.Background(), "c1", "hello"); err == nil {
		t.Error("expected error for 500 response")
	}
}

// sseChunk writes one chat completion delta in the server-sent-events frame
// the OpenAI streaming API uses.
func sseChunk(w http.ResponseWriter, content string) {
	payload := fmt.Sprintf(
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`,
		content,
	)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	w.(http.Flusher).Flush()
}

func TestLLMStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		sseChunk(w, "Hello ")
		sseChunk(w, "caller.")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	r, err := New(Options{
		Kind:       "llm",
		LLMBaseURL: srv.URL + "/v1",
		LLMAPIKey:  "test",
		LLMModel:   "test-model",
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	tokens, err := r.Respond(context.Background(), "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, tokens); got != "Hello caller." {
		t.Errorf("llm reply = %q", got)
	}

	// A completed turn enters the per-call history.
	llm := r.(*LLM)
	msgs := llm.buildMessages("c1", "next question")
	if len(msgs) != 4 { // system, prior user, prior assistant, new user
		t.Errorf("history length = %d, want 4", len(msgs))
	}
}

func TestUnknownKind(t *testing.T) {
	if _, err := New(Options{Kind: "oracle"}, testLogger()); err == nil {
		t.Error("expected error for unknown responder kind")
	}
}
