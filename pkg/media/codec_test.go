package media

import (
	"testing"

	"voice-gateway/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offerWith(formats ...Codec) *Offer {
	return &Offer{Address: "192.0.2.1", Port: 4000, Direction: SendRecv, Formats: formats}
}

var (
	pcmuCodec = Codec{Name: CodecPCMU, PayloadType: 0, ClockRate: 8000, Channels: 1}
	pcmaCodec = Codec{Name: CodecPCMA, PayloadType: 8, ClockRate: 8000, Channels: 1}
	opusCodec = Codec{Name: CodecOpus, PayloadType: 111, ClockRate: 48000, Channels: 2, Fmtp: "minptime=10;useinbandfec=1"}
)

func TestNegotiateCodec(t *testing.T) {
	tests := []struct {
		name    string
		offer   *Offer
		allowed []string
		want    string
		wantErr bool
	}{
		{name: "pcma preferred over pcmu", offer: offerWith(pcmuCodec, pcmaCodec), want: CodecPCMA},
		{name: "opus preferred", offer: offerWith(pcmuCodec, pcmaCodec, opusCodec), want: CodecOpus},
		{name: "pcmu only", offer: offerWith(pcmuCodec), want: CodecPCMU},
		{name: "opus at wrong rate skipped", offer: offerWith(Codec{Name: "opus", PayloadType: 96, ClockRate: 16000}, pcmuCodec), want: CodecPCMU},
		{name: "tenant restricts to g711", offer: offerWith(opusCodec, pcmuCodec), allowed: []string{"PCMU"}, want: CodecPCMU},
		{name: "nothing usable", offer: offerWith(Codec{Name: "G729", PayloadType: 18, ClockRate: 8000}), wantErr: true},
		{name: "nil offer", offer: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := NegotiateCodec(tt.offer, tt.allowed)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrUnsupportedCodec))
				assert.Equal(t, 488, errors.SIPStatusFromError(err).Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, codec.Name)
		})
	}
}

func TestCodecTiming(t *testing.T) {
	assert.Equal(t, uint32(160), pcmaCodec.TimestampStep())
	assert.Equal(t, uint32(960), opusCodec.TimestampStep())
	assert.Equal(t, 160, pcmuCodec.PCMFrameSamples())
	assert.Equal(t, 16000, opusCodec.PCMRate())
	assert.Equal(t, 320, opusCodec.PCMFrameSamples())
}
