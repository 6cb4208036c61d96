package audio

// G.711 mu-law companding, as carried by PCMU RTP payloads.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawEncode compands PCM16 samples into 8-bit mu-law.
func MulawEncode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = mulawEncodeSample(s)
	}
	return out
}

// MulawDecode expands 8-bit mu-law into PCM16 samples.
func MulawDecode(b []byte) []int16 {
	out := make([]int16, len(b))
	for i, u := range b {
		out[i] = mulawDecodeSample(u)
	}
	return out
}

func mulawEncodeSample(s int16) byte {
	v := int(s)
	sign := 0
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := 7
	for mask := 0x4000; v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func mulawDecodeSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	v := ((mantissa << 3) + mulawBias) << exponent
	v -= mulawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}
