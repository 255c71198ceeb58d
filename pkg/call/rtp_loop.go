package call

import (
	"net"
	"time"

	"voice-gateway/pkg/media"
	"voice-gateway/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// readRTP receives caller RTP. The first packet locks the remote address to its real source,
// which is more reliable than the SDP behind NAT; other sources are dropped from then on.
func (c *Call) readRTP() {
	defer c.wg.Done()

	buf := make([]byte, media.MaxPacketSize)
	for {
		if c.ctx.Err() != nil {
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if isClosedConn(err) || c.ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).Warn("Failed to read RTP packet")
			metrics.RecordRTPDroppedPackets("read_error", 1)
			continue
		}

		if !c.acceptSource(addr) {
			metrics.RecordRTPDroppedPackets("foreign_source", 1)
			continue
		}

		pkt, err := media.ParsePacket(buf[:n])
		if err != nil {
			metrics.RecordRTPDroppedPackets("parse_error", 1)
			continue
		}
		c.stats.Update(pkt, time.Now())
		metrics.RecordRTPPacket("inbound", n)

		if c.paused.Load() {
			metrics.RecordRTPDroppedPackets("paused", 1)
			continue
		}
		if pkt.PayloadType != c.codec.PayloadType {
			// telephone-event and comfort noise
			continue
		}

		sink := c.audioSink()
		if sink == nil {
			continue
		}
		pcm, err := media.ToSTTAudio(c.transcoder, c.codec, pkt.Payload)
		if err != nil {
			c.logger.WithError(err).Debug("Failed to decode caller audio")
			metrics.RecordRTPDroppedPackets("decode_error", 1)
			continue
		}
		sink.WriteAudio(pcm)
	}
}

func (c *Call) acceptSource(addr *net.UDPAddr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.remoteLocked {
		previous := c.remote
		c.remote = addr
		c.remoteLocked = true
		if previous == nil || !previous.IP.Equal(addr.IP) || previous.Port != addr.Port {
			c.logger.WithFields(logrus.Fields{
				"sdp_remote": previous.String(),
				"rtp_remote": addr.String(),
			}).Info("Locked RTP remote to first packet source")
		}
		return true
	}
	return c.remote.IP.Equal(addr.IP) && c.remote.Port == addr.Port
}

// sendRTP paces one frame per FrameDuration against a fixed start time, so scheduling
// delays are absorbed by the next sleep instead of accumulating
func (c *Call) sendRTP() {
	defer c.wg.Done()

	packetizer := media.NewPacketizer(c.codec)
	c.ssrc.Store(packetizer.SSRC())

	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	start := time.Now()
	var frameIndex int64

	for {
		if c.ctx.Err() != nil {
			return
		}

		frame, ok := c.queue.Pop()
		if !ok {
			if c.terminated.Load() {
				go c.finishTermination()
				return
			}
			if c.paused.Load() {
				if !c.sleep(timer, pausedSleep) {
					return
				}
				// hold breaks the cadence; start a fresh one on resume
				start = time.Now()
				frameIndex = 0
				continue
			}
			frame = c.silence
		}

		if c.talkspurt.Swap(false) {
			packetizer.MarkTalkspurt()
		}
		c.writeFrame(packetizer, frame)

		frameIndex++
		deadline := start.Add(time.Duration(frameIndex) * media.FrameDuration)
		wait := time.Until(deadline)
		if wait > 0 {
			if !c.sleep(timer, wait) {
				return
			}
			continue
		}

		metrics.ObserveSendLateness(-wait)
		if -wait > maxSendLag {
			c.logger.WithField("lag", (-wait).String()).Debug("Send loop fell behind, rebasing clock")
			start = time.Now()
			frameIndex = 0
		}
	}
}

func (c *Call) writeFrame(packetizer *media.Packetizer, frame []byte) {
	remote := c.RemoteAddr()
	packet, err := packetizer.Next(frame)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to packetize frame")
		return
	}
	if remote.Port == 0 {
		return
	}
	if _, err := c.conn.WriteToUDP(packet, remote); err != nil {
		if !isClosedConn(err) {
			c.logger.WithError(err).Debug("Failed to send RTP packet")
			metrics.RecordRTPDroppedPackets("write_error", 1)
		}
		return
	}
	metrics.RecordRTPPacket("outbound", len(packet))
}

func (c *Call) sleep(timer *time.Timer, d time.Duration) bool {
	timer.Reset(d)
	select {
	case <-c.ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		return false
	case <-timer.C:
		return true
	}
}
