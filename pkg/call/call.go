package call

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"voice-gateway/pkg/config"
	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/media"
	"voice-gateway/pkg/metrics"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

const (
	readPollInterval = 100 * time.Millisecond
	pausedSleep      = 10 * time.Millisecond
	// send loop falls this far behind before it gives up catching up and rebases its clock
	maxSendLag = 200 * time.Millisecond
)

// Stream is an upstream session owned by a call, closed when the call closes
type Stream interface {
	Close() error
}

// AudioSink receives caller audio as 16 kHz 16-bit little-endian PCM
type AudioSink interface {
	WriteAudio(pcm []byte)
}

// AudioSinkFunc adapts a function to AudioSink
type AudioSinkFunc func(pcm []byte)

// WriteAudio calls f(pcm)
func (f AudioSinkFunc) WriteAudio(pcm []byte) { f(pcm) }

// Params are everything needed to set up a call
type Params struct {
	Key      string
	Offer    *media.Offer
	Profile  *config.CallProfile
	DID      string
	Caller   string
	Ports    *media.PortManager
	PublicIP string
	BindIP   string

	QueueFrames    int
	SilencePreload time.Duration

	// OnTerminated runs once the call was terminated and its queue drained.
	// When nil the call closes itself.
	OnTerminated func(c *Call)

	Logger *logrus.Logger
}

// Call is one live phone call: its RTP socket, outbound audio queue and pacing loop
type Call struct {
	key        string
	codec      media.Codec
	transcoder media.Transcoder
	ports      *media.PortManager
	port       int
	conn       *net.UDPConn
	queue      *media.FrameQueue
	silence    []byte
	stats      *media.StreamStats
	profile    *config.CallProfile
	publicIP   string
	startedAt  time.Time

	logger *logrus.Entry
	state  *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	paused     atomic.Bool
	terminated atomic.Bool
	talkspurt  atomic.Bool
	ssrc       atomic.Uint32

	mu             sync.Mutex
	remote         *net.UDPAddr
	remoteLocked   bool
	direction      media.Direction
	telephoneEvent uint8
	answer         []byte
	sessionID      uint64
	sessionVersion uint64
	did            string
	originalDID    string
	caller         string
	stt            Stream
	ai             Stream
	sink           AudioSink
	pcmRemainder   []int16
	encRemainder   []byte

	onTerminated   func(c *Call)
	terminatedOnce sync.Once
	closeOnce      sync.Once
	closed         chan struct{}
}

// New negotiates the codec, binds the RTP socket, builds the SDP answer and starts the media loops.
// The send loop runs from the start so the caller hears audio even if their RTP never reaches us.
func New(ctx context.Context, p Params) (*Call, error) {
	if p.Offer == nil {
		return nil, errors.ErrMissingSDP
	}
	if p.Ports == nil || p.Logger == nil {
		return nil, errors.NewInvalidInput("call needs a port manager and a logger")
	}
	if p.Profile == nil {
		p.Profile = &config.CallProfile{DID: p.DID}
	}

	codec, err := media.NegotiateCodec(p.Offer, p.Profile.Codecs)
	if err != nil {
		return nil, err
	}

	transcoder, err := media.NewTranscoder(codec)
	if err != nil {
		return nil, err
	}

	port, err := p.Ports.AllocatePort()
	if err != nil {
		transcoder.Close()
		return nil, err
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(p.BindIP), Port: port})
	if err != nil {
		p.Ports.ReleasePort(port)
		transcoder.Close()
		return nil, errors.Wrap(err, "failed to bind RTP socket").WithField("port", port)
	}
	media.SetUDPSocketBuffers(conn, p.Logger)

	logger := p.Logger.WithFields(logrus.Fields{
		"call_id": p.Key,
		"did":     p.DID,
		"port":    port,
		"codec":   codec.Name,
	})

	callCtx, cancel := context.WithCancel(ctx)
	c := &Call{
		key:            p.Key,
		codec:          codec,
		transcoder:     transcoder,
		ports:          p.Ports,
		port:           port,
		conn:           conn,
		queue:          media.NewFrameQueue(p.QueueFrames),
		silence:        transcoder.Silence(),
		stats:          media.NewStreamStats(codec.ClockRate),
		profile:        p.Profile,
		publicIP:       p.PublicIP,
		startedAt:      time.Now(),
		logger:         logger,
		state:          newDialogFSM(logger),
		ctx:            callCtx,
		cancel:         cancel,
		did:            p.DID,
		caller:         p.Caller,
		onTerminated:   p.OnTerminated,
		closed:         make(chan struct{}),
		sessionID:      uint64(time.Now().UnixNano()),
		telephoneEvent: p.Offer.TelephoneEvent,
	}
	c.sessionVersion = c.sessionID
	c.setRemote(p.Offer)
	c.direction = p.Offer.Direction
	c.paused.Store(p.Offer.Direction.Pauses())

	answer, err := c.buildAnswerLocked()
	if err != nil {
		cancel()
		conn.Close()
		p.Ports.ReleasePort(port)
		transcoder.Close()
		return nil, err
	}
	c.answer = answer

	preload := int(p.SilencePreload / media.FrameDuration)
	for i := 0; i < preload; i++ {
		c.queue.Push(c.silence)
	}

	c.wg.Add(2)
	go c.readRTP()
	go c.sendRTP()

	c.fire(eventAnswer)
	metrics.RecordCallOutcome("started")

	logger.WithFields(logrus.Fields{
		"remote":         c.RemoteAddr().String(),
		"preload_frames": preload,
		"direction":      string(c.direction),
	}).Info("Call media started")

	return c, nil
}

// Key is the dialog id
func (c *Call) Key() string { return c.key }

// Caller is the calling party number from the INVITE
func (c *Call) Caller() string { return c.caller }

// Codec is the negotiated codec
func (c *Call) Codec() media.Codec { return c.codec }

// Port is the local RTP port
func (c *Call) Port() int { return c.port }

// Profile is the call's resolved tenant configuration
func (c *Call) Profile() *config.CallProfile { return c.profile }

// Logger returns the call-scoped log entry
func (c *Call) Logger() *logrus.Entry { return c.logger }

// Context is cancelled when the call closes
func (c *Call) Context() context.Context { return c.ctx }

// Done is closed once Close has finished
func (c *Call) Done() <-chan struct{} { return c.closed }

// AnswerSDP returns the current local SDP
func (c *Call) AnswerSDP() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.answer...)
}

// RemoteAddr returns where RTP is sent
func (c *Call) RemoteAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return &net.UDPAddr{}
	}
	addr := *c.remote
	return &addr
}

// DID is the number the call is currently routed to
func (c *Call) DID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.did
}

// OriginalDID is the number first dialed, set once the DID has changed
func (c *Call) OriginalDID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.originalDID
}

// UpdateDID records IVR re-routing; the first dialed number is kept
func (c *Call) UpdateDID(did string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if did == "" || did == c.did {
		return
	}
	if c.originalDID == "" {
		c.originalDID = c.did
	}
	c.logger.WithFields(logrus.Fields{
		"old_did":      c.did,
		"new_did":      did,
		"original_did": c.originalDID,
	}).Info("Call DID changed")
	c.did = did
}

// AttachSTT hands the STT session to the call
func (c *Call) AttachSTT(s Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stt = s
}

// AttachAI hands the conversation session to the call
func (c *Call) AttachAI(s Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ai = s
}

// SetAudioSink routes caller audio; nil discards it
func (c *Call) SetAudioSink(sink AudioSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *Call) audioSink() AudioSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

// Pause stops processing caller RTP and synthesizing silence. Queued audio still plays.
func (c *Call) Pause() {
	if !c.paused.Swap(true) {
		c.logger.Info("Call paused")
	}
}

// Resume undoes Pause
func (c *Call) Resume() {
	if c.paused.Swap(false) {
		c.talkspurt.Store(true)
		c.logger.Info("Call resumed")
	}
}

// Paused reports whether the call is on hold
func (c *Call) Paused() bool { return c.paused.Load() }

// Terminated reports whether teardown was requested
func (c *Call) Terminated() bool { return c.terminated.Load() }

// Terminate requests teardown once the outbound queue has drained
func (c *Call) Terminate() {
	if c.terminated.Swap(true) {
		return
	}
	c.fire(eventTerminate)
	c.logger.WithField("queued_frames", c.queue.Len()).Info("Call termination requested, draining audio")
}

// ApplyOffer handles a re-INVITE: direction changes pause or resume the call,
// and the answer is rebuilt with a bumped session version
func (c *Call) ApplyOffer(offer *media.Offer) ([]byte, error) {
	if offer == nil {
		return c.AnswerSDP(), nil
	}

	c.mu.Lock()
	c.setRemote(offer)
	c.direction = offer.Direction
	c.telephoneEvent = offer.TelephoneEvent
	c.sessionVersion++
	answer, err := c.buildAnswerLocked()
	if err == nil {
		c.answer = answer
	}
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if offer.Direction.Pauses() {
		c.Pause()
	} else {
		c.Resume()
	}
	return answer, nil
}

// setRemote takes the SDP address until the first packet has locked the real source
func (c *Call) setRemote(offer *media.Offer) {
	if c.remoteLocked || offer.Address == "" || offer.Port == 0 {
		return
	}
	ip := net.ParseIP(offer.Address)
	if ip == nil {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(offer.Address, strconv.Itoa(offer.Port)))
		if err != nil {
			c.logger.WithError(err).WithField("address", offer.Address).Warn("Failed to resolve SDP address")
			return
		}
		c.remote = addr
		return
	}
	c.remote = &net.UDPAddr{IP: ip, Port: offer.Port}
}

func (c *Call) buildAnswerLocked() ([]byte, error) {
	return media.BuildAnswer(media.AnswerParams{
		Codec:          c.codec,
		PublicIP:       c.publicIP,
		Port:           c.port,
		Direction:      c.direction.Answer(),
		TelephoneEvent: c.telephoneEvent,
		SessionID:      c.sessionID,
		SessionVersion: c.sessionVersion,
	})
}

// Close tears the call down exactly once: STT first, then the AI session, then the socket.
// The port goes back to the pool only after both media loops have exited.
func (c *Call) Close() {
	c.closeOnce.Do(func() {
		c.fire(eventClose)

		c.mu.Lock()
		stt, ai := c.stt, c.ai
		c.sink = nil
		c.mu.Unlock()

		if stt != nil {
			if err := stt.Close(); err != nil {
				c.logger.WithError(err).Warn("Failed to close STT session")
			}
		}
		if ai != nil {
			if err := ai.Close(); err != nil {
				c.logger.WithError(err).Warn("Failed to close AI session")
			}
		}

		// both sessions derive from the call context, so it is canceled only after they finalized
		c.cancel()
		c.wg.Wait()
		c.sendGoodbye()
		if err := c.conn.Close(); err != nil {
			c.logger.WithError(err).Debug("RTP socket already closed")
		}

		c.ports.ReleasePort(c.port)
		c.transcoder.Close()

		duration := time.Since(c.startedAt)
		metrics.ObserveCallDuration(duration)
		metrics.RecordCallOutcome("closed")

		loss, jitter, received := c.stats.Snapshot()
		c.logger.WithFields(logrus.Fields{
			"duration":     duration.Round(time.Millisecond).String(),
			"rtp_received": received,
			"packet_loss":  loss,
			"jitter_ms":    jitter * 1000,
		}).Info("Call closed")

		close(c.closed)
	})
}

func (c *Call) sendGoodbye() {
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if remote == nil {
		return
	}

	packet, err := media.BuildGoodbye(c.ssrc.Load(), c.stats.ReceptionReport(c.ssrc.Load()))
	if err != nil {
		c.logger.WithError(err).Debug("Failed to build RTCP goodbye")
		return
	}
	if _, err := c.conn.WriteToUDP(packet, media.RTCPAddr(remote)); err != nil {
		c.logger.WithError(err).Debug("Failed to send RTCP goodbye")
	}
}

func (c *Call) finishTermination() {
	c.terminatedOnce.Do(func() {
		c.logger.Info("Outbound audio drained, ending call")
		if c.onTerminated != nil {
			c.onTerminated(c)
			return
		}
		c.Close()
	})
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
