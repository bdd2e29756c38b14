package dtmf

import (
	"log/slog"
	"math"
	"testing"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/codec"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// goertzel returns the signal power at one frequency.
func goertzel(samples []int16, freq float64, sampleRate int) float64 {
	coeff := 2 * math.Cos(2*math.Pi*freq/float64(sampleRate))
	var s1, s2 float64
	for _, s := range samples {
		s0 := float64(s)/32768 + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

func TestValidateSequence(t *testing.T) {
	tests := []struct {
		seq     string
		wantErr bool
	}{
		{"1234567890*#ABCD", false},
		{"1#", false},
		{"abcd", false},
		{"", true},
		{"12E4", true},
		{"1 2", true},
	}
	for _, tt := range tests {
		err := ValidateSequence(tt.seq)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSequence(%q) error = %v, wantErr %v", tt.seq, err, tt.wantErr)
		}
	}
}

func TestSynthesizeLength(t *testing.T) {
	const rate = 8000
	pcm, err := Synthesize("1#", rate, DefaultTimings())
	if err != nil {
		t.Fatal(err)
	}
	// 500 pre + 2*(100 tone + 100 pause) + 200 post = 1100 ms.
	want := 1100 * rate / 1000
	if len(pcm) != want {
		t.Errorf("sample count = %d, want %d", len(pcm), want)
	}
}

func TestToneFrequencies(t *testing.T) {
	const rate = 8000
	timings := DefaultTimings()
	pcm, err := Synthesize("1#", rate, timings)
	if err != nil {
		t.Fatal(err)
	}

	ms := rate / 1000
	// Sample the stable middle of each tone, past the fades.
	tone1 := pcm[(timings.PreDelayMs+20)*ms : (timings.PreDelayMs+80)*ms]
	gapStart := timings.PreDelayMs + timings.ToneMs
	gap := pcm[(gapStart+20)*ms : (gapStart+80)*ms]
	tone2Start := gapStart + timings.PauseMs
	tone2 := pcm[(tone2Start+20)*ms : (tone2Start+80)*ms]

	probes := []float64{697, 770, 852, 941, 1209, 1336, 1477, 1633}
	checkPair := func(name string, samples []int16, low, high float64) {
		t.Helper()
		ref := goertzel(samples, low, rate)
		for _, f := range probes {
			p := goertzel(samples, f, rate)
			if f == low || f == high {
				if p < ref/4 {
					t.Errorf("%s: expected component %.0f Hz is weak (%.1f)", name, f, p)
				}
				continue
			}
			if p > ref/10 {
				t.Errorf("%s: unexpected component at %.0f Hz (%.1f vs ref %.1f)", name, f, p, ref)
			}
		}
	}

	checkPair("digit 1", tone1, 697, 1209)
	checkPair("digit #", tone2, 941, 1477)

	for i, s := range gap {
		if s != 0 {
			t.Fatalf("inter-digit gap sample %d = %d, want silence", i, s)
		}
	}
}

func TestFadesRampAmplitude(t *testing.T) {
	const rate = 8000
	pcm := tone(tonePairs['5'], rate, 100)

	fade := rate * fadeMs / 1000
	peakIn := maxAbs(pcm[:fade/2])
	peakMid := maxAbs(pcm[fade : len(pcm)-fade])
	peakOut := maxAbs(pcm[len(pcm)-fade/2:])

	if peakIn >= peakMid/2 {
		t.Errorf("fade-in peak %d not attenuated vs mid %d", peakIn, peakMid)
	}
	if peakOut >= peakMid/2 {
		t.Errorf("fade-out peak %d not attenuated vs mid %d", peakOut, peakMid)
	}
	// Summed two-tone at amplitude 0.5 stays at or under half scale.
	if peakMid > 17000 {
		t.Errorf("mid-tone peak %d exceeds half scale", peakMid)
	}
}

func maxAbs(samples []int16) int {
	var peak int
	for _, s := range samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

type captureOut struct {
	frames [][]byte
}

func (c *captureOut) Enqueue(frame []byte) bool {
	c.frames = append(c.frames, frame)
	return true
}

func TestPlayerFramesSequence(t *testing.T) {
	out := &captureOut{}
	p := NewPlayer(codec.NewPCMU(), out, testLogger())

	if err := p.Play("5", DefaultTimings()); err != nil {
		t.Fatal(err)
	}

	// 500 + 100 + 100 + 200 = 900 ms at 20 ms per frame.
	if len(out.frames) != 45 {
		t.Errorf("frames = %d, want 45", len(out.frames))
	}
	for i, f := range out.frames {
		if len(f) != codec.G711FrameBytes {
			t.Fatalf("frame %d size = %d, want %d", i, len(f), codec.G711FrameBytes)
		}
	}
}

func TestPlayerRejectsBadSequence(t *testing.T) {
	p := NewPlayer(codec.NewPCMU(), &captureOut{}, testLogger())
	if err := p.Play("1X", DefaultTimings()); err == nil {
		t.Error("expected error for invalid digit")
	}
}
