package audio

import "fmt"

// supportedRates is the set of sample rates the pipeline converts between:
// 8 kHz G.711 on the wire, 16 kHz for speech recognition, and 22.05 kHz
// synthesis output.
var supportedRates = map[int]bool{
	8000:  true,
	16000: true,
	22050: true,
}

// Resample converts a mono PCM16 frame from one sample rate to another using
// linear interpolation. This is telephony-quality conversion: adequate for
// 8-bit G.711 voice paths, not for music. from == to returns the input
// unchanged (bit-exact).
func Resample(samples []int16, from, to int) ([]int16, error) {
	if from == to {
		return samples, nil
	}
	if !supportedRates[from] || !supportedRates[to] {
		return nil, fmt.Errorf("unsupported resample pair %d -> %d Hz", from, to)
	}
	if len(samples) == 0 {
		return nil, nil
	}

	ratio := float64(from) / float64(to)
	outLen := int(float64(len(samples)) * float64(to) / float64(from))
	if outLen == 0 {
		outLen = 1
	}
	out := make([]int16, outLen)

	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		a := float32(samples[idx])
		b := float32(samples[idx+1])
		out[i] = clip(a + (b-a)*frac)
	}

	return out, nil
}
