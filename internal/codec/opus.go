package codec

import (
	"fmt"
	"sync"

	"layeh.com/gopus"
)

// Opus RTP parameters per RFC 7587: the RTP clock is always 48 kHz
// regardless of the coded bandwidth.
const (
	opusClockRate      = 48000
	opusDefaultRate    = 16000
	opusChannels       = 1
	opusMaxPacketBytes = 1500
)

// opus implements Codec backed by libopus via gopus. Encoder and decoder
// hold codec state across frames, so one instance serves exactly one
// media stream. Encode/Decode are serialized by a mutex because the
// sender and pacer run on different goroutines.
type opus struct {
	pt         uint8
	sampleRate int
	frameSize  int // samples per 20 ms frame at sampleRate

	mu      sync.Mutex
	enc     *gopus.Encoder
	dec     *gopus.Decoder
	silence []byte
}

// NewOpus creates an Opus codec with the given dynamic payload type.
// captureRate comes from the offer's sprop-maxcapturerate fmtp parameter.
// The rest of the pipeline resamples only between 8, 16, and 22.05 kHz, so
// the codec runs at 16 kHz unless the offer caps capture at narrowband;
// libopus decodes any stream at the rate the decoder was opened with.
func NewOpus(payloadType uint8, captureRate int) (Codec, error) {
	switch captureRate {
	case 8000:
	case 0, 12000, 16000, 24000, 48000:
		captureRate = opusDefaultRate
	default:
		return nil, fmt.Errorf("invalid opus capture rate %d", captureRate)
	}

	enc, err := gopus.NewEncoder(captureRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("creating opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(captureRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("creating opus decoder: %w", err)
	}

	c := &opus{
		pt:         payloadType,
		sampleRate: captureRate,
		frameSize:  captureRate * DefaultPtimeMs / 1000,
		enc:        enc,
		dec:        dec,
	}

	// Pre-encode one frame of silence for the paced sender's idle fill.
	zero := make([]int16, c.frameSize)
	sil, err := enc.Encode(zero, c.frameSize, opusMaxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("encoding opus silence frame: %w", err)
	}
	c.silence = sil

	return c, nil
}

func (c *opus) Name() string        { return "opus" }
func (c *opus) PayloadType() uint8  { return c.pt }
func (c *opus) ClockRate() int      { return opusClockRate }
func (c *opus) SampleRate() int     { return c.sampleRate }
func (c *opus) PtimeMs() int        { return DefaultPtimeMs }
func (c *opus) TSIncrement() uint32 { return opusClockRate * DefaultPtimeMs / 1000 }

func (c *opus) SilenceFrame() []byte { return c.silence }

// Frames returns the payload as a single frame: Opus packets are
// self-delimiting and carry exactly one frame at our ptime.
func (c *opus) Frames(payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	return [][]byte{payload}
}

func (c *opus) Decode(payload []byte) ([]int16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pcm, err := c.dec.Decode(payload, c.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return pcm, nil
}

func (c *opus) Encode(samples []int16) ([]byte, error) {
	if len(samples) != c.frameSize {
		return nil, fmt.Errorf("opus encode: frame must be %d samples, got %d", c.frameSize, len(samples))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.enc.Encode(samples, c.frameSize, opusMaxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return data, nil
}
