// Package dtmf synthesizes in-band DTMF tone sequences for the outbound RTP
// path. Digits map to the ITU-T Q.23 row/column frequency pairs; each tone
// carries raised-cosine fades so the edges do not click on the line.
package dtmf

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/codec"
)

// Q.23 frequency pairs, row then column, in Hz.
var tonePairs = map[rune][2]float64{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477}, 'A': {697, 1633},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477}, 'B': {770, 1633},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477}, 'C': {852, 1633},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477}, 'D': {941, 1633},
}

const (
	// amplitude is the peak of the summed two-tone signal relative to
	// full scale.
	amplitude = 0.5

	// fadeMs is the raised-cosine ramp at each end of a tone.
	fadeMs = 5
)

// Timings controls the sequence envelope in milliseconds.
type Timings struct {
	ToneMs      int
	PauseMs     int
	PreDelayMs  int
	PostDelayMs int
}

// DefaultTimings is the standard envelope: 100 ms tones with 100 ms gaps,
// 500 ms lead-in and 200 ms tail.
func DefaultTimings() Timings {
	return Timings{ToneMs: 100, PauseMs: 100, PreDelayMs: 500, PostDelayMs: 200}
}

// ValidateSequence rejects sequences containing anything outside 0-9 * # A-D.
// Lowercase a-d are accepted and treated as uppercase.
func ValidateSequence(seq string) error {
	if seq == "" {
		return fmt.Errorf("empty dtmf sequence")
	}
	for _, r := range strings.ToUpper(seq) {
		if _, ok := tonePairs[r]; !ok {
			return fmt.Errorf("invalid dtmf digit %q", r)
		}
	}
	return nil
}

// Synthesize renders the whole sequence as PCM16 at the given sample rate:
// pre-delay silence, then tone/pause per digit, then post-delay silence.
func Synthesize(seq string, sampleRate int, t Timings) ([]int16, error) {
	if err := ValidateSequence(seq); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	samplesPerMs := sampleRate / 1000
	digits := strings.ToUpper(seq)

	total := (t.PreDelayMs + t.PostDelayMs + len(digits)*(t.ToneMs+t.PauseMs)) * samplesPerMs
	out := make([]int16, 0, total)

	out = append(out, make([]int16, t.PreDelayMs*samplesPerMs)...)
	for _, r := range digits {
		out = append(out, tone(tonePairs[r], sampleRate, t.ToneMs)...)
		out = append(out, make([]int16, t.PauseMs*samplesPerMs)...)
	}
	out = append(out, make([]int16, t.PostDelayMs*samplesPerMs)...)
	return out, nil
}

// tone renders one digit: the sum of the row and column sines at half
// amplitude each, with raised-cosine fades over the first and last fadeMs.
func tone(pair [2]float64, sampleRate, durationMs int) []int16 {
	n := sampleRate * durationMs / 1000
	fade := sampleRate * fadeMs / 1000
	if 2*fade > n {
		fade = n / 2
	}

	samples := make([]int16, n)
	wLow := 2 * math.Pi * pair[0] / float64(sampleRate)
	wHigh := 2 * math.Pi * pair[1] / float64(sampleRate)

	for i := 0; i < n; i++ {
		v := amplitude / 2 * (math.Sin(wLow*float64(i)) + math.Sin(wHigh*float64(i)))

		switch {
		case i < fade:
			v *= 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(fade)))
		case i >= n-fade:
			v *= 0.5 * (1 - math.Cos(math.Pi*float64(n-1-i)/float64(fade)))
		}

		samples[i] = int16(v * 32767)
	}
	return samples
}

// Outbound is the frame sink the player drives, satisfied by the RTP sender.
type Outbound interface {
	Enqueue(frame []byte) bool
}

// Player frames and encodes synthesized sequences for one call's codec.
type Player struct {
	codec  codec.Codec
	out    Outbound
	logger *slog.Logger
}

// NewPlayer creates a player bound to a call's negotiated codec and sender.
func NewPlayer(c codec.Codec, out Outbound, logger *slog.Logger) *Player {
	return &Player{
		codec:  c,
		out:    out,
		logger: logger.With("subsystem", "dtmf"),
	}
}

// Play synthesizes the sequence and enqueues it as ptime-sized frames. The
// bounded outbound queue provides the real-time pacing backpressure.
func (p *Player) Play(seq string, t Timings) error {
	pcm, err := Synthesize(seq, p.codec.SampleRate(), t)
	if err != nil {
		return err
	}

	frameSamples := p.codec.SampleRate() * p.codec.PtimeMs() / 1000
	frames := 0
	for off := 0; off < len(pcm); off += frameSamples {
		end := off + frameSamples
		frame := make([]int16, frameSamples)
		if end > len(pcm) {
			copy(frame, pcm[off:])
		} else {
			copy(frame, pcm[off:end])
		}

		payload, err := p.codec.Encode(frame)
		if err != nil {
			return fmt.Errorf("encoding dtmf frame: %w", err)
		}
		if !p.out.Enqueue(payload) {
			return fmt.Errorf("rtp sender stopped")
		}
		frames++
	}

	p.logger.Info("dtmf sequence played",
		"sequence", seq,
		"frames", frames,
	)
	return nil
}
