package media

import (
	"encoding/binary"

	"voice-gateway/pkg/errors"

	"github.com/zaf/g711"
)

// Transcoder converts between one codec's RTP payloads and 16-bit mono PCM at the codec's PCMRate
type Transcoder interface {
	Decode(payload []byte) ([]int16, error)
	Encode(pcm []int16) ([]byte, error)
	Silence() []byte
	Close()
}

// NewTranscoder returns the transcoder for a negotiated codec
func NewTranscoder(codec Codec) (Transcoder, error) {
	switch {
	case codec.Is(CodecPCMA):
		return &g711Transcoder{alaw: true}, nil
	case codec.Is(CodecPCMU):
		return &g711Transcoder{}, nil
	case codec.Is(CodecOpus):
		return newOpusTranscoder(codec.PCMRate(), codec.PCMFrameSamples())
	default:
		return nil, errors.Newf(errors.ErrUnsupportedCodec, "no transcoder for %s", codec.Name)
	}
}

type g711Transcoder struct {
	alaw bool
}

func (t *g711Transcoder) Decode(payload []byte) ([]int16, error) {
	var lpcm []byte
	if t.alaw {
		lpcm = g711.DecodeAlaw(payload)
	} else {
		lpcm = g711.DecodeUlaw(payload)
	}
	return BytesToSamples(lpcm), nil
}

func (t *g711Transcoder) Encode(pcm []int16) ([]byte, error) {
	lpcm := SamplesToBytes(pcm)
	if t.alaw {
		return g711.EncodeAlaw(lpcm), nil
	}
	return g711.EncodeUlaw(lpcm), nil
}

func (t *g711Transcoder) Silence() []byte {
	fill := byte(0xFF)
	if t.alaw {
		fill = 0xD5
	}
	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = fill
	}
	return frame
}

func (t *g711Transcoder) Close() {}

// BytesToSamples interprets little-endian 16-bit PCM
func BytesToSamples(lpcm []byte) []int16 {
	samples := make([]int16, len(lpcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(lpcm[i*2:]))
	}
	return samples
}

// SamplesToBytes renders samples as little-endian 16-bit PCM
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Upsample8kTo16k doubles the sample rate, interpolating the midpoint between neighbours
func Upsample8kTo16k(samples []int16) []int16 {
	if len(samples) == 0 {
		return nil
	}
	out := make([]int16, len(samples)*2)
	for i, s := range samples {
		next := s
		if i+1 < len(samples) {
			next = samples[i+1]
		}
		out[i*2] = s
		out[i*2+1] = int16((int32(s) + int32(next)) / 2)
	}
	return out
}

// Resample converts mono PCM between rates by linear interpolation. Downsampling averages
// the source samples covering each output sample first to limit aliasing.
func Resample(samples []int16, from, to int) []int16 {
	if from == to || len(samples) == 0 || from <= 0 || to <= 0 {
		return samples
	}
	if from == 8000 && to == 16000 {
		return Upsample8kTo16k(samples)
	}

	outLen := int(int64(len(samples)) * int64(to) / int64(from))
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	ratio := float64(from) / float64(to)

	if to < from {
		for i := range out {
			start := int(float64(i) * ratio)
			end := int(float64(i+1) * ratio)
			if end > len(samples) {
				end = len(samples)
			}
			if end <= start {
				end = start + 1
			}
			var sum int64
			for _, s := range samples[start:end] {
				sum += int64(s)
			}
			out[i] = int16(sum / int64(end-start))
		}
		return out
	}

	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		a := samples[idx]
		b := a
		if idx+1 < len(samples) {
			b = samples[idx+1]
		}
		out[i] = int16(float64(a) + (float64(b)-float64(a))*frac)
	}
	return out
}

// ToSTTAudio decodes an RTP payload and returns 16 kHz little-endian PCM for the STT stream
func ToSTTAudio(t Transcoder, codec Codec, payload []byte) ([]byte, error) {
	pcm, err := t.Decode(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode RTP payload").WithField("codec", codec.Name)
	}
	return SamplesToBytes(Resample(pcm, codec.PCMRate(), 16000)), nil
}
