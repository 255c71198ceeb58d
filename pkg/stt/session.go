package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voice-gateway/pkg/circuitbreaker"
	"voice-gateway/pkg/config"
	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/metrics"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	sampleRate   = 16000
	audioFormat  = "pcm_s16le"
	writeTimeout = 5 * time.Second

	// how long Close waits for the server to report finished
	finalizeTimeout = 2 * time.Second

	endToken      = "<end>"
	finalizeToken = "<fin>"
)

// Config is the per-call STT session configuration
type Config struct {
	URL     string
	APIKey  string
	Model   string
	Hints   []string
	Context []string

	FlushDelay         time.Duration
	KeepaliveInterval  time.Duration
	RetryBackoff       time.Duration
	MaxConnectFailures int
	QueueFrames        int

	Corrections map[string]string
}

// ConfigFor layers the call profile over the gateway STT settings
func ConfigFor(cfg config.STTConfig, profile *config.CallProfile) Config {
	c := Config{
		URL:                cfg.URL,
		APIKey:             cfg.APIKey,
		Model:              cfg.Model,
		Hints:              cfg.LanguageHints,
		FlushDelay:         cfg.FlushDelay,
		KeepaliveInterval:  cfg.KeepaliveInterval,
		RetryBackoff:       cfg.RetryBackoff,
		MaxConnectFailures: cfg.MaxConnectFailures,
		QueueFrames:        200,
	}
	if profile != nil {
		if profile.STTModel != "" {
			c.Model = profile.STTModel
		}
		if len(profile.LanguageHints) > 0 {
			c.Hints = profile.LanguageHints
		}
		if profile.FlushDelay > 0 {
			c.FlushDelay = profile.FlushDelay
		}
		c.Context = profile.STTContext
		c.Corrections = profile.Corrections
	}
	return c
}

func (c *Config) applyDefaults() {
	if c.FlushDelay <= 0 {
		c.FlushDelay = 500 * time.Millisecond
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 10 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxConnectFailures <= 0 {
		c.MaxConnectFailures = 3
	}
	if c.QueueFrames <= 0 {
		c.QueueFrames = 200
	}
}

type initMessage struct {
	APIKey                  string   `json:"api_key"`
	Model                   string   `json:"model"`
	AudioFormat             string   `json:"audio_format"`
	SampleRate              int      `json:"sample_rate"`
	NumChannels             int      `json:"num_channels"`
	LanguageHints           []string `json:"language_hints,omitempty"`
	Context                 string   `json:"context,omitempty"`
	EnableEndpointDetection bool     `json:"enable_endpoint_detection"`
}

type controlMessage struct {
	Type string `json:"type"`
}

type token struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type response struct {
	Tokens       []token `json:"tokens"`
	Finished     bool    `json:"finished"`
	ErrorCode    int     `json:"error_code"`
	ErrorMessage string  `json:"error_message"`
}

// Options are the optional collaborators of a Session
type Options struct {
	Breaker *circuitbreaker.CircuitBreaker

	// OnFailure runs once when the session gives up reconnecting mid-call
	OnFailure func(err error)

	Dialer *websocket.Dialer
}

// Session is one call's streaming STT connection. Audio written with Write is
// sent in order by a single writer; recognized turns go to the TurnSink.
type Session struct {
	cfg     Config
	opts    Options
	logger  *logrus.Entry
	acc     *Accumulator
	audio   chan []byte
	stop    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	once    sync.Once

	dropped atomic.Int64
}

// Dial opens the STT WebSocket, retrying with exponential backoff, and starts
// the session. It fails only after MaxConnectFailures consecutive attempts.
func Dial(ctx context.Context, cfg Config, sink TurnSink, opts Options, logger *logrus.Entry) (*Session, error) {
	cfg.applyDefaults()
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:    cfg,
		opts:   opts,
		logger: logger.WithField("component", "stt"),
		audio:  make(chan []byte, cfg.QueueFrames),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    sessionCtx,
		cancel: cancel,
	}
	s.acc = NewAccumulator(cfg.FlushDelay, sink, cfg.Corrections, s.logger)

	conn, err := s.connect(sessionCtx)
	if err != nil {
		cancel()
		metrics.RecordSTTSession("failed")
		return nil, err
	}

	metrics.RecordSTTSession("connected")
	go s.run(conn)
	return s, nil
}

// Write queues 16 kHz PCM for sending. It never blocks: when the queue is full the frame is dropped.
func (s *Session) Write(pcm []byte) {
	if s.closing.Load() {
		return
	}
	select {
	case s.audio <- pcm:
	default:
		if s.dropped.Add(1)%50 == 1 {
			s.logger.WithField("dropped", s.dropped.Load()).Warn("STT send queue full, dropping audio")
		}
		metrics.RecordQueueDrops("stt_backpressure", 1)
	}
}

// WriteAudio lets the session act as a call's audio sink
func (s *Session) WriteAudio(pcm []byte) { s.Write(pcm) }

// Close finalizes the stream, flushes the last turn and closes the socket
func (s *Session) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)
		close(s.stop)

		select {
		case <-s.done:
		case <-time.After(finalizeTimeout + writeTimeout):
			s.logger.Warn("STT session did not shut down in time")
		}
		s.cancel()
		s.acc.Stop()
		metrics.RecordSTTSession("closed")
	})
	return nil
}

// Dropped is the number of audio frames discarded because the send queue was full
func (s *Session) Dropped() int64 { return s.dropped.Load() }

func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	backoff := s.cfg.RetryBackoff

	for attempt := 1; attempt <= s.cfg.MaxConnectFailures; attempt++ {
		conn, err := s.dialOnce(ctx)
		if err == nil {
			if attempt > 1 {
				s.logger.WithField("attempt", attempt).Info("STT connected after retry")
			}
			return conn, nil
		}

		lastErr = err
		metrics.RecordSTTConnectError()
		s.logger.WithError(err).WithField("attempt", attempt).Warn("STT connect failed")

		if attempt == s.cfg.MaxConnectFailures || circuitbreaker.IsOpen(err) {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "STT connect canceled")
		case <-s.stop:
			return nil, errors.Newf(errors.ErrCanceled, "STT session closed while connecting")
		}
		backoff *= 2
	}

	return nil, errors.Newf(errors.ErrBridgeFailure, "STT unavailable: %v", lastErr)
}

func (s *Session) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	dial := func(ctx context.Context) error {
		c, resp, err := s.opts.Dialer.DialContext(ctx, s.cfg.URL, nil)
		if err != nil {
			if resp != nil {
				return errors.Wrap(err, "STT handshake rejected").WithField("status", resp.StatusCode)
			}
			return errors.Wrap(err, "failed to dial STT")
		}

		setup := initMessage{
			APIKey:                  s.cfg.APIKey,
			Model:                   s.cfg.Model,
			AudioFormat:             audioFormat,
			SampleRate:              sampleRate,
			NumChannels:             1,
			LanguageHints:           s.cfg.Hints,
			Context:                 strings.Join(s.cfg.Context, ", "),
			EnableEndpointDetection: true,
		}
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteJSON(setup); err != nil {
			c.Close()
			return errors.Wrap(err, "failed to send STT configuration")
		}
		conn = c
		return nil
	}

	if s.opts.Breaker == nil {
		return conn, dial(ctx)
	}
	err := s.opts.Breaker.Execute(ctx, dial)
	return conn, err
}

// run serves the connection and reconnects while the call lives
func (s *Session) run(conn *websocket.Conn) {
	defer close(s.done)

	for {
		err := s.serve(conn)
		if s.closing.Load() || s.ctx.Err() != nil {
			return
		}

		s.logger.WithError(err).Warn("STT connection lost, reconnecting")
		metrics.RecordSTTSession("reconnect")
		s.acc.Flush()

		conn, err = s.connect(s.ctx)
		if err != nil {
			if s.closing.Load() || s.ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Error("STT session failed")
			metrics.RecordSTTSession("failed")
			if s.opts.OnFailure != nil {
				s.opts.OnFailure(err)
			}
			return
		}
	}
}

func (s *Session) serve(conn *websocket.Conn) error {
	readDone := make(chan error, 1)
	go func() { readDone <- s.readLoop(conn) }()

	readerExited, err := s.writeLoop(conn, readDone)
	conn.Close()
	if !readerExited {
		<-readDone
	}
	return err
}

// writeLoop is the only writer on conn
func (s *Session) writeLoop(conn *websocket.Conn, readDone <-chan error) (readerExited bool, err error) {
	keepalive := time.NewTicker(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()
	lastSend := time.Now()

	for {
		select {
		case err := <-readDone:
			return true, err

		case frame := <-s.audio:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return false, errors.Wrap(err, "failed to send audio to STT")
			}
			lastSend = time.Now()

		case <-keepalive.C:
			if time.Since(lastSend) < s.cfg.KeepaliveInterval {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(controlMessage{Type: "keepalive"}); err != nil {
				return false, errors.Wrap(err, "failed to send STT keepalive")
			}
			lastSend = time.Now()

		case <-s.stop:
			return s.finalize(conn, readDone)

		// a canceled call still finalizes so pending tokens reach the sink
		case <-s.ctx.Done():
			return s.finalize(conn, readDone)
		}
	}
}

// finalize asks the server to finalize pending tokens, signals end of audio
// and waits briefly for the finished message
func (s *Session) finalize(conn *websocket.Conn, readDone <-chan error) (readerExited bool, err error) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(controlMessage{Type: "finalize"}); err != nil {
		return false, nil
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{}); err != nil {
		return false, nil
	}

	select {
	case <-readDone:
		return true, nil
	case <-time.After(finalizeTimeout):
		s.logger.Debug("STT did not report finished before timeout")
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return false, nil
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && s.closing.Load() {
				return nil
			}
			return errors.Wrap(err, "STT read failed")
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			s.logger.WithError(err).Debug("Ignoring malformed STT message")
			continue
		}

		if resp.ErrorCode != 0 || resp.ErrorMessage != "" {
			return errors.Newf(errors.ErrBridgeFailure, "STT error %d: %s", resp.ErrorCode, resp.ErrorMessage)
		}

		s.handleTokens(resp.Tokens)

		if resp.Finished {
			s.acc.Flush()
			return nil
		}
	}
}

func (s *Session) handleTokens(tokens []token) {
	var endOfTurn, provisional bool
	for _, t := range tokens {
		switch {
		case !t.IsFinal:
			provisional = true
		case t.Text == endToken || t.Text == finalizeToken:
			endOfTurn = true
		default:
			s.acc.Append(t.Text)
		}
	}

	switch {
	case endOfTurn:
		s.acc.Flush()
	case provisional:
		s.acc.Touch()
	}
}
