package media

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketizerSequence(t *testing.T) {
	p := NewPacketizer(pcmaCodec)

	var prev *rtp.Packet
	for i := 0; i < 5; i++ {
		raw, err := p.Next([]byte{0xD5, 0xD5})
		require.NoError(t, err)

		pkt, err := ParsePacket(raw)
		require.NoError(t, err)
		assert.Equal(t, uint8(8), pkt.PayloadType)
		assert.Equal(t, p.SSRC(), pkt.SSRC)
		assert.Equal(t, i == 0, pkt.Marker)

		if prev != nil {
			assert.Equal(t, prev.SequenceNumber+1, pkt.SequenceNumber)
			assert.Equal(t, prev.Timestamp+160, pkt.Timestamp)
		}
		prev = pkt
	}

	p.MarkTalkspurt()
	raw, err := p.Next(nil)
	require.NoError(t, err)
	pkt, err := ParsePacket(raw)
	require.NoError(t, err)
	assert.True(t, pkt.Marker)
}

func TestParsePacketRejects(t *testing.T) {
	_, err := ParsePacket([]byte{0x80, 0x08})
	assert.Error(t, err)

	rr, err := rtcp.Marshal([]rtcp.Packet{&rtcp.ReceiverReport{SSRC: 1}})
	require.NoError(t, err)
	_, err = ParsePacket(append(rr, make([]byte, 8)...))
	assert.Error(t, err)
}

func TestStreamStats(t *testing.T) {
	stats := NewStreamStats(8000)
	assert.Nil(t, stats.ReceptionReport(1))

	start := time.Now()
	// packet 3 is lost
	for _, seq := range []uint16{1, 2, 4, 5} {
		stats.Update(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq, Timestamp: uint32(seq) * 160}},
			start.Add(time.Duration(seq)*20*time.Millisecond))
	}

	loss, jitter, received := stats.Snapshot()
	assert.Equal(t, uint32(4), received)
	assert.InDelta(t, 0.2, loss, 0.001)
	assert.InDelta(t, 0, jitter, 0.001)

	report := stats.ReceptionReport(99)
	require.NotNil(t, report)
	assert.Equal(t, uint32(1), report.TotalLost)
	assert.Equal(t, uint32(5), report.LastSequenceNumber)
}

func TestBuildGoodbye(t *testing.T) {
	raw, err := BuildGoodbye(7, &rtcp.ReceptionReport{SSRC: 9})
	require.NoError(t, err)

	packets, err := rtcp.Unmarshal(raw)
	require.NoError(t, err)
	require.Len(t, packets, 2)
	bye, ok := packets[1].(*rtcp.Goodbye)
	require.True(t, ok)
	assert.Equal(t, []uint32{7}, bye.Sources)
}
