package media

import (
	"sync"

	"voice-gateway/pkg/errors"

	"gopkg.in/hraban/opus.v2"
)

// maxOpusFrameSamples covers the longest Opus frame (120 ms) at 48 kHz
const maxOpusFrameSamples = 5760

type opusTranscoder struct {
	mu           sync.Mutex
	enc          *opus.Encoder
	dec          *opus.Decoder
	frameSamples int
	silence      []byte
}

func newOpusTranscoder(rate, frameSamples int) (*opusTranscoder, error) {
	enc, err := opus.NewEncoder(rate, 1, opus.AppVoIP)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create opus encoder")
	}
	dec, err := opus.NewDecoder(rate, 1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create opus decoder")
	}

	t := &opusTranscoder{enc: enc, dec: dec, frameSamples: frameSamples}
	t.silence, err = t.Encode(make([]int16, frameSamples))
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *opusTranscoder) Decode(payload []byte) ([]int16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pcm := make([]int16, maxOpusFrameSamples)
	n, err := t.dec.Decode(payload, pcm)
	if err != nil {
		return nil, errors.Wrap(err, "opus decode failed")
	}
	return pcm[:n], nil
}

// Encode expects exactly one frame of samples; short input is zero-padded
func (t *opusTranscoder) Encode(pcm []int16) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(pcm) < t.frameSamples {
		padded := make([]int16, t.frameSamples)
		copy(padded, pcm)
		pcm = padded
	}

	buf := make([]byte, 1275)
	n, err := t.enc.Encode(pcm[:t.frameSamples], buf)
	if err != nil {
		return nil, errors.Wrap(err, "opus encode failed")
	}
	return buf[:n], nil
}

func (t *opusTranscoder) Silence() []byte {
	out := make([]byte, len(t.silence))
	copy(out, t.silence)
	return out
}

func (t *opusTranscoder) Close() {}
