// Package responder turns a committed final transcript into the bot's reply.
// Three implementations exist behind one interface: echo (repeat the caller,
// the default), intent (an external intent service), and llm (a streaming
// chat completion). The core never interprets the reply text; it goes
// straight to the TTS pacer.
package responder

import (
	"context"
	"fmt"
	"log/slog"
)

// Responder produces a reply token stream for a final transcript. The
// channel is closed when the reply is complete; implementations that produce
// the whole reply at once send a single token. A cancelled context stops the
// stream early (barge-in).
type Responder interface {
	Respond(ctx context.Context, callID, userText string) (<-chan string, error)
}

// Options selects and configures the responder implementation.
type Options struct {
	// Kind is "echo", "intent", or "llm".
	Kind string

	// IntentURL is the intent service endpoint (intent kind).
	IntentURL string

	// LLM settings (llm kind).
	LLMBaseURL      string
	LLMAPIKey       string
	LLMModel        string
	LLMSystemPrompt string
}

// New builds the configured responder.
func New(opts Options, logger *slog.Logger) (Responder, error) {
	switch opts.Kind {
	case "", "echo":
		return &Echo{}, nil
	case "intent":
		return NewIntent(opts.IntentURL, logger)
	case "llm":
		return NewLLM(opts, logger)
	default:
		return nil, fmt.Errorf("unknown responder kind %q", opts.Kind)
	}
}

// Echo replies with the caller's own words. Useful for loopback testing of
// the whole audio path without external services.
type Echo struct{}

// Respond implements Responder.
func (e *Echo) Respond(ctx context.Context, callID, userText string) (<-chan string, error) {
	out := make(chan string, 1)
	out <- userText
	close(out)
	return out, nil
}
