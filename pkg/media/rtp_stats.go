package media

import (
	"math"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// StreamStats tracks loss and interarrival jitter of the caller's RTP stream
type StreamStats struct {
	mu sync.Mutex

	clockRate float64

	baseSeq  uint32
	maxSeq   uint32
	cycles   uint32
	received uint32

	lastArrival   time.Time
	lastTimestamp uint32
	jitter        float64

	initialized bool
}

// NewStreamStats creates stats for a stream with the given RTP clock rate
func NewStreamStats(clockRate uint32) *StreamStats {
	if clockRate == 0 {
		clockRate = 8000
	}
	return &StreamStats{clockRate: float64(clockRate)}
}

// Update records one received packet
func (s *StreamStats) Update(pkt *rtp.Packet, arrival time.Time) {
	if pkt == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := uint32(pkt.SequenceNumber)

	if !s.initialized {
		s.baseSeq = seq
		s.maxSeq = seq
		s.received = 1
		s.initialized = true
		s.lastArrival = arrival
		s.lastTimestamp = pkt.Timestamp
		return
	}

	// wrap-around
	if seq < s.maxSeq&0xFFFF && (s.maxSeq&0xFFFF)-seq > 0x8000 {
		s.cycles += 1 << 16
	}

	extendedSeq := s.cycles | seq
	if extendedSeq > s.maxSeq {
		s.maxSeq = extendedSeq
	}

	s.received++

	// RFC 3550 section 6.4.1
	arrivalDiff := arrival.Sub(s.lastArrival).Seconds()
	tsDiff := int32(pkt.Timestamp - s.lastTimestamp)
	transit := math.Abs(arrivalDiff - float64(tsDiff)/s.clockRate)
	s.jitter += (transit - s.jitter) / 16

	s.lastArrival = arrival
	s.lastTimestamp = pkt.Timestamp
}

// ReceptionReport summarizes the stream for an RTCP receiver report; nil before the first packet
func (s *StreamStats) ReceptionReport(ssrc uint32) *rtcp.ReceptionReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}

	expected := s.maxSeq - s.baseSeq + 1
	lost := int64(expected) - int64(s.received)
	if lost < 0 {
		lost = 0
	}
	if lost > 0xFFFFFF {
		lost = 0xFFFFFF
	}

	var fraction uint8
	if expected > 0 && lost > 0 {
		fraction = uint8((lost << 8) / int64(expected))
	}

	return &rtcp.ReceptionReport{
		SSRC:               ssrc,
		FractionLost:       fraction,
		TotalLost:          uint32(lost),
		LastSequenceNumber: s.maxSeq,
		Jitter:             uint32(math.Round(s.jitter * s.clockRate)),
	}
}

// Snapshot returns the loss ratio, jitter in seconds and received packet count
func (s *StreamStats) Snapshot() (packetLoss float64, jitter float64, received uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, 0, 0
	}

	expected := s.maxSeq - s.baseSeq + 1
	if expected == 0 {
		expected = 1
	}
	lost := (float64(expected) - float64(s.received)) / float64(expected)
	if lost < 0 {
		lost = 0
	}
	return lost, s.jitter, s.received
}
