// Package tts streams synthesized speech from a Piper-style HTTP service:
// one POST per utterance, raw PCM16 coming back as a chunked response body.
// Cancellation mid-stream is the context being cancelled, which aborts the
// request and closes the audio channel.
package tts

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

// Config holds TTS connection parameters.
type Config struct {
	// URL is the synthesis endpoint.
	URL string
	// Voice selects the service-side voice model; empty uses the service
	// default.
	Voice string
	// SampleRate of the PCM16 the service produces (default 22050).
	SampleRate int
	// RequestTimeout bounds one whole synthesis request (default 30s). The
	// per-utterance context can cancel earlier.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 22050
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// chunkSize is the read granularity for the streamed body. 4410 samples of
// 22.05 kHz PCM16 is 100 ms, small enough to keep time-to-first-audio low.
const chunkSize = 8820

// Client synthesizes utterances against one TTS service.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a TTS client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("tts url is empty")
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger.With("subsystem", "tts"),
	}, nil
}

// SampleRate returns the PCM16 rate of the audio the client delivers.
func (c *Client) SampleRate() int {
	return c.cfg.SampleRate
}

type synthesisRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
}

// Synthesize streams one utterance. The returned channel delivers PCM16
// chunks in order and is closed when synthesis completes, fails, or ctx is
// cancelled. Failures after the stream started are logged, not returned: by
// then part of the utterance has already played and the caller's recovery is
// the same either way.
func (c *Client) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	payload, err := json.Marshal(synthesisRequest{
		Text:       text,
		Voice:      c.cfg.Voice,
		SampleRate: c.cfg.SampleRate,
		Format:     "pcm16",
	})
	if err != nil {
		return nil, fmt.Errorf("encoding synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("tts service returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		firstChunk := true
		for {
			buf := make([]byte, chunkSize)
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 {
				// PCM16 chunks must hold whole samples; carry a split
				// byte into oblivion rather than desync the stream.
				n -= n % 2
				if firstChunk {
					firstChunk = false
					c.logger.Debug("first tts audio",
						"latency", time.Since(start),
						"text_len", len(text),
					)
				}
				select {
				case out <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) &&
					!errors.Is(err, context.Canceled) && ctx.Err() == nil {
					c.logger.Warn("tts stream ended abnormally", "error", err)
				}
				return
			}
		}
	}()

	return out, nil
}
