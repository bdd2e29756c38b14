// Package audio implements the pure signal-processing conversions used by the
// media pipeline: G.711 u-law/a-law transcoding, telephony-quality resampling,
// level metering, silence detection, mixing, and gain.
//
// All functions are synchronous and allocation-light; they hold no shared
// state and perform no I/O. Intermediate arithmetic is done in float32 and
// samples are clipped to [-32768, 32767] before conversion back to int16.
package audio

// G.711 silence bytes. A u-law encoded zero sample is 0xFF, an a-law encoded
// zero sample is 0xD5.
const (
	SilencePCMU = 0xFF
	SilencePCMA = 0xD5
)

// G.711 u-law (PCMU) decoding table: maps each u-law byte to a 16-bit linear PCM sample.
var ulawToLinear [256]int16

// G.711 a-law (PCMA) decoding table: maps each a-law byte to a 16-bit linear PCM sample.
var alawToLinear [256]int16

// G.711 u-law encoding table: maps each 16-bit signed sample to a u-law byte.
var linearToUlaw [65536]uint8

// G.711 a-law encoding table: maps each 16-bit signed sample to an a-law byte.
var linearToAlaw [65536]uint8

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
		linearToAlaw[uint16(int16(i))] = encodeAlaw(int16(i))
	}
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample.
func decodeUlaw(u uint8) int16 {
	// Complement to obtain the original code.
	u = ^u
	sign := int32(1)
	if u&0x80 != 0 {
		sign = -1
		u &= 0x7F
	}
	exponent := uint(u>>4) & 0x07
	mantissa := int32(u & 0x0F)
	sample := ((mantissa<<3 + 0x84) << exponent) - 0x84
	return int16(sign * sample)
}

// decodeAlaw converts an a-law byte to a 16-bit linear PCM sample.
func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	sign := int16(1)
	if a&0x80 != 0 {
		a &= 0x7F
	} else {
		sign = -1
	}
	exponent := int((a >> 4) & 0x07)
	mantissa := int(a & 0x0F)
	var sample int16
	if exponent == 0 {
		sample = int16(mantissa<<4 | 0x08)
	} else {
		sample = int16((mantissa<<4 | 0x108) << uint(exponent-1))
	}
	return sign * sample
}

// encodeUlaw converts a 16-bit linear PCM sample to a u-law byte using the
// standard bias-0x84, 7-segment encoding.
func encodeUlaw(sample int16) uint8 {
	const bias = 0x84
	const clip = 32635

	sign := uint8(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := 7
	mask := int16(0x4000)
	for exponent > 0 {
		if sample&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (sample >> (uint(exponent) + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

// alawSegEnd holds the a-law segment upper bounds on the 13-bit scale.
var alawSegEnd = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

// encodeAlaw converts a 16-bit linear PCM sample to an a-law byte.
func encodeAlaw(sample int16) uint8 {
	v := int32(sample) >> 3
	mask := uint8(0xD5)
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}

	seg := 8
	for i, end := range alawSegEnd {
		if v <= end {
			seg = i
			break
		}
	}
	if seg >= 8 {
		return 0x7F ^ mask
	}

	aval := uint8(seg) << 4
	if seg < 2 {
		aval |= uint8(v>>1) & 0x0F
	} else {
		aval |= uint8(v>>uint(seg)) & 0x0F
	}
	return aval ^ mask
}

// DecodePCMU expands G.711 u-law bytes to 16-bit linear PCM samples.
func DecodePCMU(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = ulawToLinear[b]
	}
	return out
}

// EncodePCMU compresses 16-bit linear PCM samples to G.711 u-law bytes.
func EncodePCMU(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToUlaw[uint16(s)]
	}
	return out
}

// DecodePCMA expands G.711 a-law bytes to 16-bit linear PCM samples.
func DecodePCMA(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = alawToLinear[b]
	}
	return out
}

// EncodePCMA compresses 16-bit linear PCM samples to G.711 a-law bytes.
func EncodePCMA(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToAlaw[uint16(s)]
	}
	return out
}
