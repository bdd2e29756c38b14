package audio

import (
	"encoding/binary"
	"math"
)

// DefaultSilenceThreshold is the normalized RMS level below which a frame is
// considered silent.
const DefaultSilenceThreshold = 0.01

// BytesToPCM16 interprets raw little-endian bytes as 16-bit signed PCM
// samples. A trailing odd byte is ignored.
func BytesToPCM16(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out
}

// PCM16ToBytes serializes 16-bit signed PCM samples as little-endian bytes.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// clip bounds a float32 value to the int16 range.
func clip(v float32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// Level returns the RMS level of a frame normalized to [0, 1] by dividing
// by 32768. An empty frame has level 0.
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(samples))) / 32768
}

// Peak returns the largest absolute sample value normalized to [0, 1].
func Peak(samples []int16) float64 {
	var peak int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / 32768
}

// IsSilence reports whether a frame is silent: RMS level below threshold and
// frame duration of at least minDurationMs at the given sample rate.
func IsSilence(samples []int16, sampleRate int, threshold float64, minDurationMs int) bool {
	if sampleRate <= 0 || len(samples) == 0 {
		return false
	}
	durationMs := len(samples) * 1000 / sampleRate
	if durationMs < minDurationMs {
		return false
	}
	return Level(samples) < threshold
}

// Mix sums N equal-length streams, divides by N, and clips to int16.
// Returns nil if streams is empty or lengths differ.
func Mix(streams ...[]int16) []int16 {
	if len(streams) == 0 {
		return nil
	}
	n := len(streams[0])
	for _, s := range streams[1:] {
		if len(s) != n {
			return nil
		}
	}
	out := make([]int16, n)
	count := float32(len(streams))
	for i := 0; i < n; i++ {
		var sum float32
		for _, s := range streams {
			sum += float32(s[i])
		}
		out[i] = clip(sum / count)
	}
	return out
}

// Gain applies gainDb decibels of gain to a frame, clipping to int16.
func Gain(samples []int16, gainDb float64) []int16 {
	factor := float32(math.Pow(10, gainDb/20))
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = clip(float32(s) * factor)
	}
	return out
}

// Downmix reduces interleaved multi-channel audio to mono by arithmetic mean.
// Trailing samples that do not fill a full frame are dropped. channels <= 1
// returns the input unchanged.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	n := len(samples) / channels
	out := make([]int16, n)
	count := float32(channels)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(samples[i*channels+c])
		}
		out[i] = clip(sum / count)
	}
	return out
}
