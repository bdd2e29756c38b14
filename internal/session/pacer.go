package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/audio"
	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/codec"
)

// maxSentenceChars force-flushes the sentence aggregator when a token
// stream runs long without a terminator.
const maxSentenceChars = 200

// Synthesizer is the TTS surface the pacer consumes.
type Synthesizer interface {
	// Synthesize streams PCM16 for one utterance; the channel closes on
	// completion or context cancellation.
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
	// SampleRate of the delivered PCM16.
	SampleRate() int
}

// Outbound is the RTP sender surface the pacer drives.
type Outbound interface {
	// Enqueue blocks on a full queue and returns false once the sender
	// stopped.
	Enqueue(frame []byte) bool
	// Drain flushes queued frames, returning how many were discarded.
	Drain() int
	// QueueLen returns how many enqueued frames have not been sent yet.
	QueueLen() int
}

// EchoGate is the VAD surface for suppressing our own audio.
type EchoGate interface {
	RegisterTTS()
	TTSDone()
}

// Pacer converts a reply token stream into paced RTP payloads: sentence
// aggregation, synthesis, resampling to the call codec's rate, encoding,
// 20 ms framing with trailing silence padding, and echo-gate registration
// per frame. One Pacer serves one call.
type Pacer struct {
	tts    Synthesizer
	out    Outbound
	gate   EchoGate
	codec  codec.Codec
	logger *slog.Logger

	mu       sync.Mutex
	active   bool
	draining bool
	gen      uint64
	cancel   context.CancelFunc

	// onFirstFrame fires when the first frame of a reply is enqueued. Set
	// before the pacer is used; nil is fine.
	onFirstFrame func()
	firstSent    bool
}

// NewPacer creates the pacer for one call's negotiated codec.
func NewPacer(tts Synthesizer, out Outbound, gate EchoGate, c codec.Codec, logger *slog.Logger) *Pacer {
	return &Pacer{
		tts:    tts,
		out:    out,
		gate:   gate,
		codec:  c,
		logger: logger.With("subsystem", "tts-pacer"),
	}
}

// SetOnFirstFrame installs a callback fired when the first frame of each
// reply is enqueued, used for time-to-first-audio measurement.
func (p *Pacer) SetOnFirstFrame(fn func()) {
	p.onFirstFrame = fn
}

// Active reports whether a reply is currently being synthesized or still
// draining from the send queue.
func (p *Pacer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active || p.draining
}

// Interrupt cancels the in-flight synthesis and flushes queued audio.
// Idempotent and safe to call concurrently with Speak; RTP bookkeeping is
// untouched, the sender resumes with a marker on the next spurt.
func (p *Pacer) Interrupt() {
	p.mu.Lock()
	cancel := p.cancel
	engaged := p.active || p.draining
	p.active = false
	p.draining = false
	p.gen++
	p.cancel = nil
	p.mu.Unlock()

	if !engaged {
		return
	}
	if cancel != nil {
		cancel()
	}
	dropped := p.out.Drain()
	p.gate.TTSDone()
	p.logger.Info("tts interrupted", "frames_dropped", dropped)
}

// releaseGate ends the echo-gate hold once the sender's queue has drained,
// so the gate tracks audio actually leaving the process rather than audio
// merely queued. An interrupt or a newer reply takes the gate over instead.
func (p *Pacer) releaseGate(gen uint64) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	if p.out.QueueLen() == 0 {
		p.mu.Unlock()
		p.gate.TTSDone()
		return
	}
	p.draining = true
	p.mu.Unlock()

	interval := time.Duration(p.codec.PtimeMs()) * time.Millisecond
	// A stopped sender never drains; cap the wait instead of leaking.
	deadline := time.Now().Add(5 * time.Second)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for now := range ticker.C {
			if p.out.QueueLen() > 0 && now.Before(deadline) {
				continue
			}
			p.mu.Lock()
			if p.gen != gen {
				p.mu.Unlock()
				return
			}
			p.draining = false
			p.mu.Unlock()
			p.gate.TTSDone()
			return
		}
	}()
}

// Speak synthesizes the token stream and enqueues it for sending. Blocks
// until the whole reply is queued or the context/Interrupt cancels it.
func (p *Pacer) Speak(ctx context.Context, tokens <-chan string) error {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		cancel()
		return fmt.Errorf("pacer already speaking")
	}
	p.active = true
	p.draining = false
	p.gen++
	gen := p.gen
	p.cancel = cancel
	p.firstSent = false
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active = false
		p.cancel = nil
		p.mu.Unlock()
		cancel()
		p.releaseGate(gen)
	}()

	frameSamples := p.codec.SampleRate() * p.codec.PtimeMs() / 1000
	var pending []int16

	for sentence := range aggregateSentences(ctx, tokens) {
		if err := p.speakSentence(ctx, sentence, frameSamples, &pending); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Pad the trailing partial frame with silence so the utterance ends on
	// a whole packet.
	if len(pending) > 0 {
		padded := make([]int16, frameSamples)
		copy(padded, pending)
		if err := p.enqueueFrame(padded); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pacer) speakSentence(ctx context.Context, sentence string, frameSamples int, pending *[]int16) error {
	chunks, err := p.tts.Synthesize(ctx, sentence)
	if err != nil {
		return fmt.Errorf("synthesizing %q: %w", truncate(sentence, 40), err)
	}

	for chunk := range chunks {
		pcm := audio.BytesToPCM16(chunk)
		resampled, err := audio.Resample(pcm, p.tts.SampleRate(), p.codec.SampleRate())
		if err != nil {
			return fmt.Errorf("resampling tts audio: %w", err)
		}

		*pending = append(*pending, resampled...)
		for len(*pending) >= frameSamples {
			frame := (*pending)[:frameSamples]
			*pending = (*pending)[frameSamples:]
			if err := p.enqueueFrame(frame); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return ctx.Err()
}

func (p *Pacer) enqueueFrame(samples []int16) error {
	payload, err := p.codec.Encode(samples)
	if err != nil {
		return fmt.Errorf("encoding tts frame: %w", err)
	}
	// Register before enqueue so the echo gate is up before the audio can
	// possibly come back at us.
	p.gate.RegisterTTS()
	if !p.out.Enqueue(payload) {
		return fmt.Errorf("rtp sender stopped")
	}
	if !p.firstSent {
		p.firstSent = true
		if p.onFirstFrame != nil {
			p.onFirstFrame()
		}
	}
	return nil
}

// aggregateSentences buffers tokens into synthesis units: flushed on a
// sentence terminator or when the buffer exceeds maxSentenceChars. Keeps
// synthesis overlapped with generation to minimize time-to-first-audio.
func aggregateSentences(ctx context.Context, tokens <-chan string) <-chan string {
	out := make(chan string, 4)
	go func() {
		defer close(out)
		var sb strings.Builder

		flush := func() bool {
			s := strings.TrimSpace(sb.String())
			sb.Reset()
			if s == "" {
				return true
			}
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case tok, ok := <-tokens:
				if !ok {
					flush()
					return
				}
				sb.WriteString(tok)
				if endsSentence(tok) || sb.Len() >= maxSentenceChars {
					if !flush() {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func endsSentence(tok string) bool {
	trimmed := strings.TrimRight(tok, " \t")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '?', '!', ';', '\n':
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
