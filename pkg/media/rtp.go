package media

import (
	"math/rand/v2"
	"net"

	"voice-gateway/pkg/errors"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// MaxPacketSize bounds a single inbound RTP datagram
const MaxPacketSize = 1500

// Packetizer stamps outbound frames with a fixed SSRC and monotonically increasing sequence and timestamp
type Packetizer struct {
	payloadType uint8
	step        uint32
	ssrc        uint32
	sequence    uint16
	timestamp   uint32
	marker      bool
}

// NewPacketizer starts a stream with a random SSRC, sequence and timestamp
func NewPacketizer(codec Codec) *Packetizer {
	return &Packetizer{
		payloadType: codec.PayloadType,
		step:        codec.TimestampStep(),
		ssrc:        rand.Uint32(),
		sequence:    uint16(rand.UintN(1 << 16)),
		timestamp:   rand.Uint32(),
		marker:      true,
	}
}

// SSRC is the synchronization source of this stream
func (p *Packetizer) SSRC() uint32 {
	return p.ssrc
}

// MarkTalkspurt sets the marker bit on the next packet
func (p *Packetizer) MarkTalkspurt() {
	p.marker = true
}

// Next wraps one frame in an RTP packet and advances sequence and timestamp
func (p *Packetizer) Next(payload []byte) ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         p.marker,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequence,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}

	out, err := pkt.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal RTP packet")
	}

	p.marker = false
	p.sequence++
	p.timestamp += p.step
	return out, nil
}

// ParsePacket decodes an RTP datagram, rejecting RTCP and non-v2 traffic
func ParsePacket(data []byte) (*rtp.Packet, error) {
	if len(data) < 12 {
		return nil, errors.Newf(errors.ErrInvalidInput, "RTP packet too short: %d bytes", len(data))
	}
	if isRTCPPacket(data) {
		return nil, errors.Newf(errors.ErrInvalidInput, "RTCP packet on RTP port")
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal RTP packet")
	}
	if pkt.Version != 2 {
		return nil, errors.Newf(errors.ErrInvalidInput, "unsupported RTP version %d", pkt.Version)
	}
	return pkt, nil
}

func isRTCPPacket(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	pt := payload[1]
	return pt >= 200 && pt <= 204
}

// BuildGoodbye renders a compound RTCP packet announcing the end of our stream,
// carrying a reception report for the caller's stream when one is available
func BuildGoodbye(ssrc uint32, report *rtcp.ReceptionReport) ([]byte, error) {
	rr := &rtcp.ReceiverReport{SSRC: ssrc}
	if report != nil {
		rr.Reports = []rtcp.ReceptionReport{*report}
	}
	out, err := rtcp.Marshal([]rtcp.Packet{
		rr,
		&rtcp.Goodbye{Sources: []uint32{ssrc}, Reason: "call ended"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal RTCP goodbye")
	}
	return out, nil
}

// RTCPAddr returns the conventional RTCP address for an RTP address
func RTCPAddr(addr *net.UDPAddr) *net.UDPAddr {
	if addr == nil {
		return nil
	}
	return &net.UDPAddr{IP: addr.IP, Port: addr.Port + 1, Zone: addr.Zone}
}

// SetUDPSocketBuffers enlarges socket buffers to absorb network bursts
func SetUDPSocketBuffers(conn *net.UDPConn, logger *logrus.Logger) {
	const readBufferSize = 1024 * 1024
	if err := conn.SetReadBuffer(readBufferSize); err != nil {
		logger.WithError(err).Warn("Failed to set UDP read buffer size, using system default")
	}

	const writeBufferSize = 256 * 1024
	if err := conn.SetWriteBuffer(writeBufferSize); err != nil {
		logger.WithError(err).Warn("Failed to set UDP write buffer size, using system default")
	}
}
