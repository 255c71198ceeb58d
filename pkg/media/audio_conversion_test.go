package media

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n, rate int, freq float64, amplitude float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestPCMByteHelpers(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	raw := SamplesToBytes(samples)
	assert.Equal(t, []byte{0, 0, 1, 0, 0xFF, 0xFF, 0xFF, 0x7F, 0x00, 0x80}, raw)
	assert.Equal(t, samples, BytesToSamples(raw))
	assert.Len(t, BytesToSamples([]byte{1, 2, 3}), 1)
}

func TestG711RoundTrip(t *testing.T) {
	for _, codec := range []Codec{pcmaCodec, pcmuCodec} {
		t.Run(codec.Name, func(t *testing.T) {
			tr, err := NewTranscoder(codec)
			require.NoError(t, err)
			defer tr.Close()

			in := sine(160, 8000, 440, 8000)
			encoded, err := tr.Encode(in)
			require.NoError(t, err)
			require.Len(t, encoded, 160)

			decoded, err := tr.Decode(encoded)
			require.NoError(t, err)
			require.Len(t, decoded, 160)
			for i := range in {
				assert.InDelta(t, in[i], decoded[i], 300, "sample %d", i)
			}
		})
	}
}

func TestG711Silence(t *testing.T) {
	for _, codec := range []Codec{pcmaCodec, pcmuCodec} {
		tr, err := NewTranscoder(codec)
		require.NoError(t, err)

		silence := tr.Silence()
		require.Len(t, silence, 160)
		decoded, err := tr.Decode(silence)
		require.NoError(t, err)
		for _, s := range decoded {
			assert.InDelta(t, 0, s, 16)
		}
	}
}

func TestOpusRoundTrip(t *testing.T) {
	tr, err := NewTranscoder(opusCodec)
	require.NoError(t, err)
	defer tr.Close()

	encoded, err := tr.Encode(sine(320, 16000, 300, 6000))
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := tr.Decode(encoded)
	require.NoError(t, err)
	assert.Len(t, decoded, 320)
	assert.NotEmpty(t, tr.Silence())
}

func TestUnknownCodecHasNoTranscoder(t *testing.T) {
	_, err := NewTranscoder(Codec{Name: "G729", ClockRate: 8000})
	assert.Error(t, err)
}

func TestUpsample8kTo16k(t *testing.T) {
	out := Upsample8kTo16k([]int16{0, 100, 200})
	assert.Equal(t, []int16{0, 50, 100, 150, 200, 200}, out)
	assert.Nil(t, Upsample8kTo16k(nil))
}

func TestResample(t *testing.T) {
	in := sine(480, 24000, 200, 10000)

	down := Resample(in, 24000, 8000)
	assert.Len(t, down, 160)

	up := Resample(down, 8000, 16000)
	assert.Len(t, up, 320)

	same := Resample(in, 16000, 16000)
	assert.Equal(t, in, same)

	// a constant signal survives both directions unchanged
	flat := make([]int16, 240)
	for i := range flat {
		flat[i] = 1234
	}
	for _, s := range Resample(flat, 24000, 16000) {
		assert.Equal(t, int16(1234), s)
	}
	for _, s := range Resample(flat, 16000, 24000) {
		assert.Equal(t, int16(1234), s)
	}
}

func TestToSTTAudio(t *testing.T) {
	tr, err := NewTranscoder(pcmuCodec)
	require.NoError(t, err)

	out, err := ToSTTAudio(tr, pcmuCodec, tr.Silence())
	require.NoError(t, err)
	// 160 samples at 8 kHz become 320 samples at 16 kHz, two bytes each
	assert.Len(t, out, 640)
}
