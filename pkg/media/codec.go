package media

import (
	"strings"
	"time"

	"voice-gateway/pkg/errors"
)

// FrameDuration is the packetization interval used for every codec
const FrameDuration = 20 * time.Millisecond

// Codec names as they appear in rtpmap attributes
const (
	CodecOpus = "opus"
	CodecPCMA = "PCMA"
	CodecPCMU = "PCMU"
)

// Codec is the audio codec negotiated for one call
type Codec struct {
	Name        string
	PayloadType uint8
	ClockRate   uint32
	Channels    uint16
	Fmtp        string
}

// codecPriority is the negotiation order; Opus wins for transcription quality
var codecPriority = []string{CodecOpus, CodecPCMA, CodecPCMU}

var staticPayloadTypes = map[uint8]Codec{
	0: {Name: CodecPCMU, PayloadType: 0, ClockRate: 8000, Channels: 1},
	8: {Name: CodecPCMA, PayloadType: 8, ClockRate: 8000, Channels: 1},
}

// Is reports whether the codec has the given rtpmap name
func (c Codec) Is(name string) bool {
	return strings.EqualFold(c.Name, name)
}

// TimestampStep is the RTP timestamp increment per frame
func (c Codec) TimestampStep() uint32 {
	return c.ClockRate * uint32(FrameDuration/time.Millisecond) / 1000
}

// PCMRate is the sample rate of the linear PCM this codec is decoded to and encoded from
func (c Codec) PCMRate() int {
	if c.Is(CodecOpus) {
		return 16000
	}
	return int(c.ClockRate)
}

// PCMFrameSamples is the number of PCM samples in one frame
func (c Codec) PCMFrameSamples() int {
	return c.PCMRate() * int(FrameDuration/time.Millisecond) / 1000
}

// NegotiateCodec picks the call codec from the offer using the fixed priority order.
// A non-empty allowed list restricts the candidates.
func NegotiateCodec(offer *Offer, allowed []string) (Codec, error) {
	if offer == nil || len(offer.Formats) == 0 {
		return Codec{}, errors.ErrUnsupportedCodec
	}

	for _, name := range codecPriority {
		if !codecAllowed(name, allowed) {
			continue
		}
		for _, format := range offer.Formats {
			if !strings.EqualFold(format.Name, name) {
				continue
			}
			if name == CodecOpus && format.ClockRate != 48000 {
				continue
			}
			return format, nil
		}
	}

	return Codec{}, errors.Newf(errors.ErrUnsupportedCodec, "offer carries none of %s", strings.Join(codecPriority, ","))
}

func codecAllowed(name string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}
