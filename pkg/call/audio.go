package call

import (
	"voice-gateway/pkg/media"
	"voice-gateway/pkg/metrics"
)

// EnqueueAudio queues already encoded frames for playback
func (c *Call) EnqueueAudio(frames ...[]byte) {
	if dropped := c.queue.Push(frames...); dropped > 0 {
		metrics.RecordQueueDrops("overflow", dropped)
		c.logger.WithField("dropped", dropped).Debug("Outbound queue full, dropped oldest frames")
	}
}

// EnqueueEncoded queues a stream in the call's own G.711 encoding, split into frames.
// A trailing partial frame waits for the next chunk or FlushPending.
func (c *Call) EnqueueEncoded(data []byte) {
	frameSize := c.codec.PCMFrameSamples()

	c.mu.Lock()
	buf := append(c.encRemainder, data...)
	var frames [][]byte
	for len(buf) >= frameSize {
		frames = append(frames, append([]byte(nil), buf[:frameSize]...))
		buf = buf[frameSize:]
	}
	c.encRemainder = append([]byte(nil), buf...)
	c.mu.Unlock()

	c.EnqueueAudio(frames...)
}

// EnqueuePCM16 converts little-endian PCM at rate into codec frames and queues them
func (c *Call) EnqueuePCM16(pcm []byte, rate int) error {
	samples := media.Resample(media.BytesToSamples(pcm), rate, c.codec.PCMRate())
	frameSamples := c.codec.PCMFrameSamples()

	c.mu.Lock()
	buf := append(c.pcmRemainder, samples...)
	var chunks [][]int16
	for len(buf) >= frameSamples {
		chunks = append(chunks, buf[:frameSamples])
		buf = buf[frameSamples:]
	}
	c.pcmRemainder = append([]int16(nil), buf...)
	c.mu.Unlock()

	frames := make([][]byte, 0, len(chunks))
	for _, chunk := range chunks {
		frame, err := c.transcoder.Encode(chunk)
		if err != nil {
			return err
		}
		frames = append(frames, frame)
	}
	c.EnqueueAudio(frames...)
	return nil
}

// FlushPending pads and queues whatever partial frame is left at the end of an utterance
func (c *Call) FlushPending() error {
	c.mu.Lock()
	pcm := c.pcmRemainder
	enc := c.encRemainder
	c.pcmRemainder = nil
	c.encRemainder = nil
	c.mu.Unlock()

	if len(enc) > 0 {
		frame := c.transcoder.Silence()
		copy(frame, enc)
		c.EnqueueAudio(frame)
	}
	if len(pcm) > 0 {
		padded := make([]int16, c.codec.PCMFrameSamples())
		copy(padded, pcm)
		frame, err := c.transcoder.Encode(padded)
		if err != nil {
			return err
		}
		c.EnqueueAudio(frame)
	}
	return nil
}

// DrainQueue discards queued audio when a new utterance starts, so stale speech is not played late
func (c *Call) DrainQueue() int {
	c.mu.Lock()
	c.pcmRemainder = nil
	c.encRemainder = nil
	c.mu.Unlock()

	dropped := c.queue.Drain()
	if dropped > 0 {
		metrics.RecordQueueDrops("drain", dropped)
	}
	c.talkspurt.Store(true)
	return dropped
}

// QueueLen is the number of frames waiting to be sent
func (c *Call) QueueLen() int {
	return c.queue.Len()
}
