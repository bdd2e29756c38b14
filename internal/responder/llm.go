package responder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

const defaultSystemPrompt = "You are a helpful voice assistant on a phone call. " +
	"Answer briefly, in plain spoken language, without lists or markup."

// historyTurns bounds the per-call conversation memory (user+assistant
// pairs).
const historyTurns = 10

// LLM streams replies from an OpenAI-compatible chat completion endpoint,
// keeping a short per-call conversation history.
type LLM struct {
	client *openai.Client
	model  string
	system string
	logger *slog.Logger

	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessage
}

// NewLLM creates the LLM responder. LLMBaseURL may point at any
// OpenAI-compatible server (a local vLLM or llama.cpp endpoint included).
func NewLLM(opts Options, logger *slog.Logger) (*LLM, error) {
	if opts.LLMModel == "" {
		return nil, errors.New("llm model is empty")
	}

	cfg := openai.DefaultConfig(opts.LLMAPIKey)
	if opts.LLMBaseURL != "" {
		cfg.BaseURL = opts.LLMBaseURL
	}

	system := opts.LLMSystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}

	return &LLM{
		client:  openai.NewClientWithConfig(cfg),
		model:   opts.LLMModel,
		system:  system,
		logger:  logger.With("subsystem", "llm"),
		history: make(map[string][]openai.ChatCompletionMessage),
	}, nil
}

// Respond implements Responder: deltas from the completion stream become
// tokens on the returned channel.
func (l *LLM) Respond(ctx context.Context, callID, userText string) (<-chan string, error) {
	messages := l.buildMessages(callID, userText)

	stream, err := l.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    l.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("starting chat completion: %w", err)
	}

	out := make(chan string, 32)
	go func() {
		defer close(out)
		defer stream.Close()

		var reply []byte
		for {
			resp, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					l.logger.Warn("chat completion stream error",
						"call_id", callID,
						"error", err,
					)
				}
				break
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			reply = append(reply, delta...)
			select {
			case out <- delta:
			case <-ctx.Done():
				return
			}
		}

		// Record the exchange only when a reply actually completed; a
		// barge-in cancels the turn entirely.
		if len(reply) > 0 && ctx.Err() == nil {
			l.remember(callID, userText, string(reply))
		}
	}()

	return out, nil
}

// Forget drops a call's conversation history at teardown.
func (l *LLM) Forget(callID string) {
	l.mu.Lock()
	delete(l.history, callID)
	l.mu.Unlock()
}

func (l *LLM) buildMessages(callID, userText string) []openai.ChatCompletionMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	messages := make([]openai.ChatCompletionMessage, 0, 2+len(l.history[callID]))
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: l.system,
	})
	messages = append(messages, l.history[callID]...)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})
	return messages
}

func (l *LLM) remember(callID, userText, reply string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := append(l.history[callID],
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userText},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
	)
	if len(h) > historyTurns*2 {
		h = h[len(h)-historyTurns*2:]
	}
	l.history[callID] = h
}
