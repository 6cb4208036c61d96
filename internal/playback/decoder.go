package playback

import (
	"github.com/ent0n29/tandem/internal/audio"
)

// Decoder turns a raw chunk payload into PCM16 24 kHz mono ready for a Sink.
type Decoder interface {
	Decode(data []byte) ([]byte, error)
}

// PCM16Decoder validates socket-strategy audio, which already arrives as
// PCM16 once base64 is stripped.
type PCM16Decoder struct{}

func (PCM16Decoder) Decode(data []byte) ([]byte, error) {
	if len(data)%audio.BytesPerSample != 0 {
		return nil, audio.ErrOddPCMLength
	}
	return data, nil
}

// MulawDecoder expands 8 kHz G.711 payloads from the media strategy to
// 24 kHz PCM16.
type MulawDecoder struct{}

func (MulawDecoder) Decode(data []byte) ([]byte, error) {
	samples := audio.Upsample(audio.MulawDecode(data), audio.SampleRate/8000)
	return audio.EncodePCM16(samples), nil
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(data []byte) ([]byte, error)

func (f DecoderFunc) Decode(data []byte) ([]byte, error) { return f(data) }
