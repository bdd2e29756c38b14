package call

import (
	"context"
	"fmt"
	"time"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/dtmf"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/scenario"
)

// Call implements scenario.Driver so the executor can drive a live call.

// Speak synthesizes the prompt through the call's pacer. With wait set it
// blocks until the prompt is fully queued for sending.
func (c *Call) Speak(ctx context.Context, text string, wait bool) error {
	tokens := make(chan string, 1)
	tokens <- text
	close(tokens)

	if wait {
		return c.pacer.Speak(ctx, tokens)
	}
	go func() {
		if err := c.pacer.Speak(ctx, tokens); err != nil && ctx.Err() == nil {
			c.logger.Warn("scenario prompt playback failed", "error", err)
		}
	}()
	return nil
}

// WaitForFinal blocks until the session commits a final transcript, the
// listen window closes, or the step context ends.
func (c *Call) WaitForFinal(ctx context.Context, maxWait time.Duration) (string, error) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case text := <-c.sess.FinalEvents():
		return text, nil
	case <-timer.C:
		return "", scenario.ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SendDTMF plays a digit sequence on the call's outbound path.
func (c *Call) SendDTMF(ctx context.Context, sequence string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.player.Play(sequence, dtmf.DefaultTimings())
}

// ClassifyIntent runs a transcript through the intent service.
func (c *Call) ClassifyIntent(ctx context.Context, text string) (string, error) {
	if c.intent == nil {
		return "", fmt.Errorf("intent service not configured")
	}
	cls, err := c.intent.Classify(ctx, c.id, text)
	if err != nil {
		return "", err
	}
	return cls.Intent, nil
}

// LastFinal returns the most recent committed final transcript.
func (c *Call) LastFinal() string {
	return c.sess.LastFinal()
}
