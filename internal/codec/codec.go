// Package codec defines the negotiated audio codec variants used on the RTP
// media plane: G.711 u-law (PCMU), G.711 a-law (PCMA), and Opus. A Codec
// converts between wire payloads and linear PCM16, produces silence frames
// for the paced sender, and carries the RTP timing parameters (payload type,
// clock rate, ptime, timestamp increment) negotiated via SDP.
package codec

import (
	"fmt"

	"github.com/dehalokmansahin/opensips-ai-voice-connector-sub000/internal/audio"
)

// Static RTP payload types per RFC 3551.
const (
	PayloadTypePCMU = 0
	PayloadTypePCMA = 8
)

// Standard telephony packetization.
const (
	// DefaultPtimeMs is the packet duration used for all codecs.
	DefaultPtimeMs = 20

	// G711SampleRate is the G.711 sample (and RTP clock) rate.
	G711SampleRate = 8000

	// G711FrameBytes is the payload size of one 20 ms G.711 packet:
	// 160 samples at one byte per sample.
	G711FrameBytes = 160
)

// Codec converts between RTP payloads and linear PCM16 and carries the
// negotiated timing parameters for one media stream.
type Codec interface {
	// Name is the SDP encoding name ("PCMU", "PCMA", "opus").
	Name() string

	// PayloadType is the negotiated RTP payload type.
	PayloadType() uint8

	// ClockRate is the RTP timestamp clock rate in Hz.
	ClockRate() int

	// SampleRate is the decoded audio sample rate in Hz.
	SampleRate() int

	// PtimeMs is the packet duration in milliseconds.
	PtimeMs() int

	// TSIncrement is the RTP timestamp increment per packet
	// (samples per frame at the clock rate).
	TSIncrement() uint32

	// SilenceFrame returns one ptime worth of encoded silence. The returned
	// slice must not be modified by the caller.
	SilenceFrame() []byte

	// Frames splits an RTP payload into individual ptime-sized frames.
	// Payloads carrying multiple frames (ptime multiples) are split;
	// a short trailing remainder is returned as its own frame.
	Frames(payload []byte) [][]byte

	// Decode converts one wire frame to PCM16 at SampleRate.
	Decode(payload []byte) ([]int16, error)

	// Encode converts PCM16 at SampleRate to one wire frame.
	Encode(samples []int16) ([]byte, error)
}

// g711 implements Codec for the two G.711 companding laws.
type g711 struct {
	name    string
	pt      uint8
	silence []byte
	decode  func([]byte) []int16
	encode  func([]int16) []byte
}

// NewPCMU returns the G.711 u-law codec (payload type 0, 8 kHz, 20 ms).
func NewPCMU() Codec {
	silence := make([]byte, G711FrameBytes)
	for i := range silence {
		silence[i] = audio.SilencePCMU
	}
	return &g711{
		name:    "PCMU",
		pt:      PayloadTypePCMU,
		silence: silence,
		decode:  audio.DecodePCMU,
		encode:  audio.EncodePCMU,
	}
}

// NewPCMA returns the G.711 a-law codec (payload type 8, 8 kHz, 20 ms).
func NewPCMA() Codec {
	silence := make([]byte, G711FrameBytes)
	for i := range silence {
		silence[i] = audio.SilencePCMA
	}
	return &g711{
		name:    "PCMA",
		pt:      PayloadTypePCMA,
		silence: silence,
		decode:  audio.DecodePCMA,
		encode:  audio.EncodePCMA,
	}
}

func (c *g711) Name() string         { return c.name }
func (c *g711) PayloadType() uint8   { return c.pt }
func (c *g711) ClockRate() int       { return G711SampleRate }
func (c *g711) SampleRate() int      { return G711SampleRate }
func (c *g711) PtimeMs() int         { return DefaultPtimeMs }
func (c *g711) TSIncrement() uint32  { return G711FrameBytes }
func (c *g711) SilenceFrame() []byte { return c.silence }

func (c *g711) Frames(payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	var frames [][]byte
	for len(payload) > G711FrameBytes {
		frames = append(frames, payload[:G711FrameBytes])
		payload = payload[G711FrameBytes:]
	}
	frames = append(frames, payload)
	return frames
}

func (c *g711) Decode(payload []byte) ([]int16, error) {
	return c.decode(payload), nil
}

func (c *g711) Encode(samples []int16) ([]byte, error) {
	return c.encode(samples), nil
}

// ByName returns a fresh codec instance for an SDP encoding name.
// payloadType is only used for dynamic-PT codecs (Opus); G.711 codecs use
// their static types. captureRate applies to Opus only (0 selects the
// 16 kHz default).
func ByName(name string, payloadType uint8, captureRate int) (Codec, error) {
	switch normalizeName(name) {
	case "pcmu":
		return NewPCMU(), nil
	case "pcma":
		return NewPCMA(), nil
	case "opus":
		return NewOpus(payloadType, captureRate)
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}

func normalizeName(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
