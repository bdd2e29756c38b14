package codec

import (
	"testing"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/audio"
)

func TestPCMUParameters(t *testing.T) {
	c := NewPCMU()
	if c.Name() != "PCMU" {
		t.Errorf("Name = %q", c.Name())
	}
	if c.PayloadType() != 0 {
		t.Errorf("PayloadType = %d, want 0", c.PayloadType())
	}
	if c.SampleRate() != 8000 || c.ClockRate() != 8000 {
		t.Errorf("rates = %d/%d, want 8000/8000", c.SampleRate(), c.ClockRate())
	}
	if c.TSIncrement() != 160 {
		t.Errorf("TSIncrement = %d, want 160", c.TSIncrement())
	}
}

func TestG711SilenceFrames(t *testing.T) {
	pcmu := NewPCMU().SilenceFrame()
	if len(pcmu) != G711FrameBytes {
		t.Fatalf("pcmu silence length = %d, want %d", len(pcmu), G711FrameBytes)
	}
	for i, b := range pcmu {
		if b != audio.SilencePCMU {
			t.Fatalf("pcmu silence byte %d = %#x, want 0xFF", i, b)
		}
	}

	pcma := NewPCMA().SilenceFrame()
	for i, b := range pcma {
		if b != audio.SilencePCMA {
			t.Fatalf("pcma silence byte %d = %#x, want 0xD5", i, b)
		}
	}
}

func TestG711Frames(t *testing.T) {
	c := NewPCMU()

	tests := []struct {
		name    string
		payload int
		want    []int
	}{
		{"empty", 0, nil},
		{"one frame", 160, []int{160}},
		{"two frames", 320, []int{160, 160}},
		{"trailing remainder", 200, []int{160, 40}},
		{"short", 80, []int{80}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := c.Frames(make([]byte, tt.payload))
			if len(frames) != len(tt.want) {
				t.Fatalf("got %d frames, want %d", len(frames), len(tt.want))
			}
			for i, want := range tt.want {
				if len(frames[i]) != want {
					t.Errorf("frame %d length = %d, want %d", i, len(frames[i]), want)
				}
			}
		})
	}
}

func TestG711EncodeDecode(t *testing.T) {
	c := NewPCMA()
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = int16(i * 100)
	}
	wire, err := c.Encode(samples)
	if err != nil {
		t.Fatal(err)
	}
	if len(wire) != 160 {
		t.Fatalf("wire length = %d, want 160", len(wire))
	}
	back, err := c.Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 160 {
		t.Fatalf("decoded length = %d, want 160", len(back))
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"PCMU", "pcmu", "PCMA", "pcma"} {
		if _, err := ByName(name, 0, 0); err != nil {
			t.Errorf("ByName(%q) failed: %v", name, err)
		}
	}
	if _, err := ByName("G729", 18, 0); err == nil {
		t.Error("expected error for unsupported codec")
	}
}

func TestOpusCaptureRateSelection(t *testing.T) {
	// The pipeline resamples between 8, 16, and 22.05 kHz only; capture
	// rates outside that lattice clamp to wideband.
	for _, rate := range []int{0, 12000, 24000, 48000} {
		c, err := NewOpus(111, rate)
		if err != nil {
			t.Fatalf("NewOpus(%d): %v", rate, err)
		}
		if c.SampleRate() != 16000 {
			t.Errorf("NewOpus(%d).SampleRate() = %d, want 16000", rate, c.SampleRate())
		}
	}

	c, err := NewOpus(111, 8000)
	if err != nil {
		t.Fatal(err)
	}
	if c.SampleRate() != 8000 {
		t.Errorf("narrowband sample rate = %d, want 8000", c.SampleRate())
	}

	if _, err := NewOpus(111, 44100); err == nil {
		t.Error("expected error for off-grid capture rate")
	}
}
