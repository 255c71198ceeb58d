package media

import (
	"strings"
	"testing"

	"voice-gateway/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sdpBody(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

var g711Offer = sdpBody(
	"v=0",
	"o=- 4711 1 IN IP4 192.0.2.10",
	"s=call",
	"c=IN IP4 192.0.2.10",
	"t=0 0",
	"m=audio 40000 RTP/AVP 8 0 101",
	"a=rtpmap:8 PCMA/8000",
	"a=rtpmap:0 PCMU/8000",
	"a=rtpmap:101 telephone-event/8000",
	"a=fmtp:101 0-16",
	"a=sendrecv",
)

func TestParseOffer(t *testing.T) {
	offer, err := ParseOffer(g711Offer)
	require.NoError(t, err)

	assert.Equal(t, "192.0.2.10", offer.Address)
	assert.Equal(t, 40000, offer.Port)
	assert.Equal(t, SendRecv, offer.Direction)
	assert.Equal(t, uint8(101), offer.TelephoneEvent)
	require.Len(t, offer.Formats, 2)
	assert.Equal(t, CodecPCMA, offer.Formats[0].Name)
	assert.Equal(t, uint8(8), offer.Formats[0].PayloadType)
	assert.Equal(t, CodecPCMU, offer.Formats[1].Name)
}

func TestParseOfferStaticPayloadWithoutRtpmap(t *testing.T) {
	offer, err := ParseOffer(sdpBody(
		"v=0",
		"o=- 1 1 IN IP4 198.51.100.7",
		"s=-",
		"t=0 0",
		"m=audio 30000 RTP/AVP 0",
		"c=IN IP4 198.51.100.7",
		"a=recvonly",
	))
	require.NoError(t, err)
	require.Len(t, offer.Formats, 1)
	assert.Equal(t, CodecPCMU, offer.Formats[0].Name)
	assert.Equal(t, uint32(8000), offer.Formats[0].ClockRate)
	assert.Equal(t, RecvOnly, offer.Direction)
	assert.True(t, offer.Direction.Pauses())
}

func TestParseOfferSessionLevelDirection(t *testing.T) {
	offer, err := ParseOffer(sdpBody(
		"v=0",
		"o=- 1 2 IN IP4 192.0.2.10",
		"s=-",
		"c=IN IP4 192.0.2.10",
		"t=0 0",
		"a=inactive",
		"m=audio 40000 RTP/AVP 8",
	))
	require.NoError(t, err)
	assert.Equal(t, Inactive, offer.Direction)
}

func TestParseOfferErrors(t *testing.T) {
	t.Run("empty body", func(t *testing.T) {
		_, err := ParseOffer(nil)
		assert.True(t, errors.Is(err, errors.ErrMissingSDP))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseOffer([]byte("not an sdp"))
		assert.True(t, errors.Is(err, errors.ErrInvalidSDP))
	})

	t.Run("no audio", func(t *testing.T) {
		_, err := ParseOffer(sdpBody(
			"v=0",
			"o=- 1 1 IN IP4 192.0.2.10",
			"s=-",
			"c=IN IP4 192.0.2.10",
			"t=0 0",
			"m=video 40002 RTP/AVP 96",
			"a=rtpmap:96 VP8/90000",
		))
		assert.True(t, errors.Is(err, errors.ErrInvalidSDP))
	})

	t.Run("no connection address", func(t *testing.T) {
		_, err := ParseOffer(sdpBody(
			"v=0",
			"o=- 1 1 IN IP4 192.0.2.10",
			"s=-",
			"t=0 0",
			"m=audio 40000 RTP/AVP 0",
		))
		assert.True(t, errors.Is(err, errors.ErrInvalidSDP))
	})
}

func TestDirectionAnswer(t *testing.T) {
	assert.Equal(t, SendRecv, SendRecv.Answer())
	assert.Equal(t, RecvOnly, SendOnly.Answer())
	assert.Equal(t, SendOnly, RecvOnly.Answer())
	assert.Equal(t, Inactive, Inactive.Answer())
	assert.False(t, SendRecv.Pauses())
}

func TestBuildAnswerRoundTrip(t *testing.T) {
	offer, err := ParseOffer(g711Offer)
	require.NoError(t, err)
	codec, err := NegotiateCodec(offer, nil)
	require.NoError(t, err)

	body, err := BuildAnswer(AnswerParams{
		Codec:          codec,
		PublicIP:       "203.0.113.5",
		Port:           12000,
		Direction:      offer.Direction.Answer(),
		TelephoneEvent: offer.TelephoneEvent,
		SessionID:      42,
	})
	require.NoError(t, err)
	assert.Contains(t, string(body), "a=ptime:20")
	assert.Contains(t, string(body), "a=rtpmap:8 PCMA/8000")
	assert.NotContains(t, string(body), "PCMU")

	answer, err := ParseOffer(body)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", answer.Address)
	assert.Equal(t, 12000, answer.Port)
	assert.Equal(t, SendRecv, answer.Direction)
	require.Len(t, answer.Formats, 1)
	assert.Equal(t, CodecPCMA, answer.Formats[0].Name)
	assert.Equal(t, uint8(101), answer.TelephoneEvent)
}

func TestBuildAnswerAddressType(t *testing.T) {
	tests := []struct {
		ip       string
		expected string
	}{
		{"203.0.113.5", "c=IN IP4 203.0.113.5"},
		{"2001:db8::5", "c=IN IP6 2001:db8::5"},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			body, err := BuildAnswer(AnswerParams{
				Codec:          Codec{Name: CodecPCMU, PayloadType: 0, ClockRate: 8000, Channels: 1},
				PublicIP:       tt.ip,
				Port:           12000,
				Direction:      SendRecv,
				SessionID:      7,
				SessionVersion: 7,
			})
			require.NoError(t, err)
			assert.Contains(t, string(body), tt.expected)
			assert.Contains(t, string(body), "o=- 7 7 IN "+tt.expected[len("c=IN "):])
		})
	}
}
