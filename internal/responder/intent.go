package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Intent asks an external intent service to classify the utterance and
// produce a reply. The same client serves the scenario executor's
// intent_validate step via Classify.
type Intent struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewIntent creates the intent-service responder.
func NewIntent(url string, logger *slog.Logger) (*Intent, error) {
	if url == "" {
		return nil, errors.New("intent service url is empty")
	}
	return &Intent{
		url:    url,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("subsystem", "intent"),
	}, nil
}

type intentRequest struct {
	CallID string `json:"call_id,omitempty"`
	Text   string `json:"text"`
}

// Classification is the intent service's verdict on one utterance.
type Classification struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reply      string  `json:"reply"`
}

// Classify sends the utterance to the intent service.
func (i *Intent) Classify(ctx context.Context, callID, text string) (*Classification, error) {
	payload, err := json.Marshal(intentRequest{CallID: callID, Text: text})
	if err != nil {
		return nil, fmt.Errorf("encoding intent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building intent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("intent request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("intent service returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var c Classification
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, fmt.Errorf("decoding intent response: %w", err)
	}
	return &c, nil
}

// Respond implements Responder: the service's reply text, as one token.
func (i *Intent) Respond(ctx context.Context, callID, userText string) (<-chan string, error) {
	c, err := i.Classify(ctx, callID, userText)
	if err != nil {
		return nil, err
	}
	i.logger.Debug("intent classified",
		"call_id", callID,
		"intent", c.Intent,
		"confidence", c.Confidence,
	)

	out := make(chan string, 1)
	if c.Reply != "" {
		out <- c.Reply
	}
	close(out)
	return out, nil
}
