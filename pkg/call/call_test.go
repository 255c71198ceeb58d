package call

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"voice-gateway/pkg/media"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

var pcma = media.Codec{Name: media.CodecPCMA, PayloadType: 8, ClockRate: 8000, Channels: 1}

// peer is the caller's RTP endpoint
func newPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func offerFor(peer *net.UDPConn, direction media.Direction) *media.Offer {
	addr := peer.LocalAddr().(*net.UDPAddr)
	return &media.Offer{
		Address:   "127.0.0.1",
		Port:      addr.Port,
		Direction: direction,
		Formats:   []media.Codec{pcma},
	}
}

func newTestCall(t *testing.T, pm *media.PortManager, offer *media.Offer, onTerminated func(*Call)) *Call {
	t.Helper()
	c, err := New(context.Background(), Params{
		Key:          "call-1",
		Offer:        offer,
		DID:          "02112345678",
		Ports:        pm,
		PublicIP:     "203.0.113.5",
		BindIP:       "127.0.0.1",
		QueueFrames:  100,
		OnTerminated: onTerminated,
		Logger:       quietLogger(),
	})
	require.NoError(t, err)
	return c
}

func readPacket(t *testing.T, conn *net.UDPConn, timeout time.Duration) (*rtp.Packet, error) {
	t.Helper()
	buf := make([]byte, media.MaxPacketSize)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return media.ParsePacket(buf[:n])
}

func sendRTP(t *testing.T, from *net.UDPConn, c *Call, seq uint16) {
	t.Helper()
	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 8, SequenceNumber: seq, Timestamp: uint32(seq) * 160, SSRC: 1234},
		Payload: make([]byte, 160),
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = from.WriteToUDP(raw, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: c.Port()})
	require.NoError(t, err)
}

func TestNewCallNegotiatesAndAnswers(t *testing.T) {
	pm := media.NewPortManager(41000, 41010, quietLogger())
	peer := newPeer(t)

	offer := offerFor(peer, media.SendRecv)
	offer.Formats = append([]media.Codec{{Name: media.CodecPCMU, PayloadType: 0, ClockRate: 8000, Channels: 1}}, offer.Formats...)

	c := newTestCall(t, pm, offer, nil)
	defer c.Close()

	assert.Equal(t, media.CodecPCMA, c.Codec().Name)
	assert.Equal(t, 1, pm.GetStats().AllocatedPorts)
	assert.Equal(t, StateActive, c.State())

	answer, err := media.ParseOffer(c.AnswerSDP())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", answer.Address)
	assert.Equal(t, c.Port(), answer.Port)
	require.Len(t, answer.Formats, 1)
	assert.Equal(t, media.CodecPCMA, answer.Formats[0].Name)
}

func TestCallSendsSilenceWithoutInboundRTP(t *testing.T) {
	pm := media.NewPortManager(41100, 41110, quietLogger())
	peer := newPeer(t)
	c := newTestCall(t, pm, offerFor(peer, media.SendRecv), nil)
	defer c.Close()

	pkt, err := readPacket(t, peer, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint8(8), pkt.PayloadType)
	assert.Equal(t, byte(0xD5), pkt.Payload[0])
}

func TestSendPacingConverges(t *testing.T) {
	pm := media.NewPortManager(41200, 41210, quietLogger())
	peer := newPeer(t)
	c := newTestCall(t, pm, offerFor(peer, media.SendRecv), nil)
	defer c.Close()

	// skip the backlog sent before we started reading
	for {
		if _, err := readPacket(t, peer, 5*time.Millisecond); err != nil {
			break
		}
	}

	// mix queued audio with synthesized silence
	for i := 0; i < 20; i++ {
		c.EnqueueAudio(make([]byte, 160))
	}

	const packets = 51
	var first, last time.Time
	var prev *rtp.Packet
	for i := 0; i < packets; i++ {
		pkt, err := readPacket(t, peer, time.Second)
		require.NoError(t, err)
		now := time.Now()
		if i == 0 {
			first = now
		}
		last = now

		if prev != nil {
			assert.Equal(t, prev.SequenceNumber+1, pkt.SequenceNumber)
			assert.Equal(t, prev.Timestamp+160, pkt.Timestamp)
			assert.Equal(t, prev.SSRC, pkt.SSRC)
		}
		prev = pkt
	}

	avg := last.Sub(first) / (packets - 1)
	assert.InDelta(t, float64(media.FrameDuration), float64(avg), float64(3*time.Millisecond))
}

func TestPortReleasedExactlyOnce(t *testing.T) {
	pm := media.NewPortManager(41300, 41310, quietLogger())
	peer := newPeer(t)

	terminated := make(chan struct{})
	c := newTestCall(t, pm, offerFor(peer, media.SendRecv), func(c *Call) {
		c.Close()
		close(terminated)
	})

	for i := 0; i < 5; i++ {
		c.EnqueueAudio(make([]byte, 160))
	}
	c.Terminate()
	assert.Equal(t, StateTerminating, c.State())

	select {
	case <-terminated:
	case <-time.After(2 * time.Second):
		t.Fatal("call did not tear down after draining")
	}

	// a late BYE and a signaling failure close again
	c.Close()
	c.Close()

	stats := pm.GetStats()
	assert.Equal(t, int64(1), stats.Releases)
	assert.Equal(t, int64(0), stats.RejectedReleases)
	assert.Equal(t, stats.TotalPorts, stats.AvailablePorts)
	assert.Equal(t, StateTerminated, c.State())
	assert.Equal(t, 0, c.QueueLen())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestPauseDrainsQueuedAudioAndDropsInbound(t *testing.T) {
	pm := media.NewPortManager(41400, 41410, quietLogger())
	peer := newPeer(t)
	c := newTestCall(t, pm, offerFor(peer, media.SendRecv), nil)
	defer c.Close()

	var received atomic.Int32
	c.SetAudioSink(AudioSinkFunc(func(pcm []byte) {
		assert.Len(t, pcm, 640)
		received.Add(1)
	}))

	recvonly := offerFor(peer, media.RecvOnly)
	answer, err := c.ApplyOffer(recvonly)
	require.NoError(t, err)
	assert.Contains(t, string(answer), "a=sendonly")
	assert.True(t, c.Paused())

	speech := make([]byte, 160)
	for i := range speech {
		speech[i] = 0x01
	}
	for i := 0; i < 10; i++ {
		c.EnqueueAudio(speech)
	}

	speechFrames := 0
	deadline := time.Now().Add(2 * time.Second)
	for speechFrames < 10 && time.Now().Before(deadline) {
		pkt, err := readPacket(t, peer, time.Second)
		require.NoError(t, err)
		if pkt.Payload[0] == 0x01 {
			speechFrames++
		}
	}
	assert.Equal(t, 10, speechFrames)

	// queue drained and paused: no silence follows
	_, err = readPacket(t, peer, 150*time.Millisecond)
	assert.Error(t, err)

	sendRTP(t, peer, c, 1)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), received.Load())

	_, err = c.ApplyOffer(offerFor(peer, media.SendRecv))
	require.NoError(t, err)
	assert.False(t, c.Paused())

	sendRTP(t, peer, c, 2)
	assert.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestFirstPacketLocksRemote(t *testing.T) {
	pm := media.NewPortManager(41500, 41510, quietLogger())
	peer := newPeer(t)
	stranger := newPeer(t)

	// SDP points somewhere else; the first packet's source wins
	offer := offerFor(stranger, media.SendRecv)
	c := newTestCall(t, pm, offer, nil)
	defer c.Close()

	var received atomic.Int32
	c.SetAudioSink(AudioSinkFunc(func([]byte) { received.Add(1) }))

	sendRTP(t, peer, c, 1)
	assert.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, peer.LocalAddr().(*net.UDPAddr).Port, c.RemoteAddr().Port)

	sendRTP(t, stranger, c, 2)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), received.Load())

	sendRTP(t, peer, c, 3)
	assert.Eventually(t, func() bool { return received.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestUpdateDIDKeepsOriginal(t *testing.T) {
	pm := media.NewPortManager(41600, 41610, quietLogger())
	peer := newPeer(t)
	c := newTestCall(t, pm, offerFor(peer, media.SendRecv), nil)
	defer c.Close()

	assert.Equal(t, "", c.OriginalDID())
	c.UpdateDID("02187654321")
	c.UpdateDID("02100000000")
	assert.Equal(t, "02100000000", c.DID())
	assert.Equal(t, "02112345678", c.OriginalDID())
}

// orderedStream records its close position and whether the call context was still live
type orderedStream struct {
	name   string
	ctx    context.Context
	closed *[]string
}

func (s *orderedStream) Close() error {
	if s.ctx.Err() == nil {
		*s.closed = append(*s.closed, s.name)
	} else {
		*s.closed = append(*s.closed, s.name+" after cancel")
	}
	return nil
}

func TestCloseStopsSessionsBeforeCanceling(t *testing.T) {
	pm := media.NewPortManager(41700, 41710, quietLogger())
	peer := newPeer(t)
	c := newTestCall(t, pm, offerFor(peer, media.SendRecv), nil)

	var closed []string
	c.AttachAI(&orderedStream{name: "ai", ctx: c.Context(), closed: &closed})
	c.AttachSTT(&orderedStream{name: "stt", ctx: c.Context(), closed: &closed})
	c.Close()

	assert.Equal(t, []string{"stt", "ai"}, closed)
	assert.Error(t, c.Context().Err())
	assert.Equal(t, 0, pm.GetStats().AllocatedPorts)
}

// idleCall has no media loops, so nothing consumes its queue
func idleCall(t *testing.T) *Call {
	t.Helper()
	tr, err := media.NewTranscoder(pcma)
	require.NoError(t, err)
	return &Call{
		codec:      pcma,
		transcoder: tr,
		queue:      media.NewFrameQueue(10),
		logger:     logrus.NewEntry(quietLogger()),
	}
}

func TestEnqueuePCM16Frames(t *testing.T) {
	c := idleCall(t)

	// 30 ms at 24 kHz is one full 20 ms frame plus a remainder
	require.NoError(t, c.EnqueuePCM16(make([]byte, 720*2), 24000))
	assert.Equal(t, 1, c.QueueLen())

	require.NoError(t, c.FlushPending())
	assert.Equal(t, 2, c.QueueLen())

	c.EnqueueEncoded(make([]byte, 400))
	assert.Equal(t, 4, c.QueueLen())

	for i := 0; i < 4; i++ {
		frame, ok := c.queue.Pop()
		require.True(t, ok)
		assert.Len(t, frame, 160)
		c.queue.Push(frame)
	}

	assert.Equal(t, 4, c.DrainQueue())
	require.NoError(t, c.FlushPending())
	assert.Equal(t, 0, c.QueueLen())
}

func TestNewCallFailsWhenPortsExhausted(t *testing.T) {
	pm := media.NewPortManager(41800, 41801, quietLogger())
	peer := newPeer(t)

	first := newTestCall(t, pm, offerFor(peer, media.SendRecv), nil)
	defer first.Close()

	_, err := New(context.Background(), Params{
		Key:    "call-2",
		Offer:  offerFor(peer, media.SendRecv),
		Ports:  pm,
		BindIP: "127.0.0.1",
		Logger: quietLogger(),
	})
	require.Error(t, err)
	assert.Equal(t, 503, errorsStatus(err))
}
