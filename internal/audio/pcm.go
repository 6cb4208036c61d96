package audio

import (
	"encoding/binary"
	"errors"
	"time"
)

// Wire format of the realtime service: 16-bit little-endian PCM, mono.
const (
	SampleRate     = 24000
	BytesPerSample = 2
)

var ErrOddPCMLength = errors.New("pcm16 payload has odd length")

// FrameBytes returns the byte size of a mono PCM16 frame of duration d.
func FrameBytes(d time.Duration, sampleRate int) int {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * BytesPerSample
}

// Duration returns the playback length of n bytes of mono PCM16.
func Duration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	samples := int64(n / BytesPerSample)
	return time.Duration(samples * int64(time.Second) / int64(sampleRate))
}

// DecodePCM16 converts little-endian PCM16 bytes into samples.
func DecodePCM16(b []byte) ([]int16, error) {
	if len(b)%BytesPerSample != 0 {
		return nil, ErrOddPCMLength
	}
	out := make([]int16, len(b)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out, nil
}

// EncodePCM16 converts samples into little-endian PCM16 bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Decimate averages every factor samples into one. A trailing partial group
// is averaged on its own.
func Decimate(samples []int16, factor int) []int16 {
	if factor <= 1 {
		return samples
	}
	out := make([]int16, 0, (len(samples)+factor-1)/factor)
	for i := 0; i < len(samples); i += factor {
		end := i + factor
		if end > len(samples) {
			end = len(samples)
		}
		sum := 0
		for _, s := range samples[i:end] {
			sum += int(s)
		}
		out = append(out, int16(sum/(end-i)))
	}
	return out
}

// Upsample repeats each sample factor times.
func Upsample(samples []int16, factor int) []int16 {
	if factor <= 1 {
		return samples
	}
	out := make([]int16, 0, len(samples)*factor)
	for _, s := range samples {
		for i := 0; i < factor; i++ {
			out = append(out, s)
		}
	}
	return out
}
