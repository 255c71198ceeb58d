package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voice-gateway/pkg/call"
	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/functions"
	"voice-gateway/pkg/media"
	"voice-gateway/pkg/messaging"
	"voice-gateway/pkg/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout     = 5 * time.Second
	pingInterval     = 20 * time.Second
	closeTimeout     = 3 * time.Second
	transferTimeout  = 5 * time.Second
	reconnectBackoff = 500 * time.Millisecond
	outboundEvents   = 256

	defaultVADThreshold       = 0.5
	defaultVADPrefixPadding   = 300 * time.Millisecond
	defaultVADSilenceDuration = 500 * time.Millisecond
)

// Session is one call's realtime conversation over a WebSocket.
// Every outbound event goes through a single writer goroutine.
type Session struct {
	call     *call.Call
	flavor   string
	endpoint Endpoint
	deps     Deps
	format   string
	// encodes fallback caller audio for G.711 sessions
	encoder media.Transcoder
	logger  *logrus.Entry

	out    chan []byte
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	started    atomic.Bool
	closing    atomic.Bool
	transcribe atomic.Bool
	closeOnce  sync.Once
	handlers   sync.WaitGroup

	dropped atomic.Int64
}

func newSession(c *call.Call, flavor string, endpoint Endpoint, deps Deps) (*Session, error) {
	format := audioFormatFor(c.Codec())

	var encoder media.Transcoder
	if format != formatPCM16 {
		t, err := media.NewTranscoder(c.Codec())
		if err != nil {
			return nil, err
		}
		encoder = t
	}

	if deps.Dialer == nil {
		deps.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = functions.NewDispatcher(deps.Logger)
	}

	ctx, cancel := context.WithCancel(c.Context())
	return &Session{
		call:     c,
		flavor:   flavor,
		endpoint: endpoint,
		deps:     deps,
		format:   format,
		encoder:  encoder,
		logger: c.Logger().WithFields(logrus.Fields{
			"component": "realtime",
			"flavor":    flavor,
		}),
		out:    make(chan []byte, outboundEvents),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start connects, configures the session and issues the greeting when the tenant has one
func (s *Session) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return errors.New("conversation session already started")
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(s.ctx, cancel)
	defer stopWatch()

	conn, err := s.connect(dialCtx)
	if err != nil {
		close(s.done)
		return err
	}
	if s.closing.Load() {
		conn.Close()
		close(s.done)
		return errors.Newf(errors.ErrCanceled, "conversation session closed while connecting")
	}

	s.logger.WithField("format", s.format).Info("Conversation session connected")
	go s.run(conn)

	if greeting := s.call.Profile().Greeting; greeting != "" {
		if err := s.send(clientEvent{
			Type:     typeResponseCreate,
			Response: &responseConfig{Instructions: "Greet the caller by saying: " + greeting},
		}); err != nil {
			s.logger.WithError(err).Warn("Failed to request greeting")
		}
	}
	return nil
}

// SendUserTurn adds the caller's words to the conversation and asks for a reply
func (s *Session) SendUserTurn(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.publish(messaging.EventTranscript, map[string]interface{}{"role": "caller", "text": text})

	err := s.send(clientEvent{
		Type: typeItemCreate,
		Item: &conversationItem{
			Type:    itemMessage,
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return err
	}
	return s.send(clientEvent{Type: typeResponseCreate})
}

// EnableTranscription switches the provider to transcribing caller audio with server VAD
func (s *Session) EnableTranscription() error {
	if s.transcribe.Swap(true) {
		return nil
	}
	s.logger.Warn("Provider transcription enabled, caller audio goes to the conversation directly")
	return s.send(s.sessionUpdate())
}

// AppendAudio forwards 16 kHz caller PCM. It never blocks and drops audio when the writer falls behind.
func (s *Session) AppendAudio(pcm []byte) error {
	if !s.transcribe.Load() || s.closing.Load() || len(pcm) == 0 {
		return nil
	}

	audio, err := s.encodeInput(pcm)
	if err != nil {
		return err
	}
	data, err := s.marshal(clientEvent{
		Type:  typeInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		return err
	}

	select {
	case s.out <- data:
	default:
		if s.dropped.Add(1)%50 == 1 {
			s.logger.WithField("dropped", s.dropped.Load()).Warn("Conversation send queue full, dropping caller audio")
		}
		metrics.RecordQueueDrops("ai_backpressure", 1)
	}
	return nil
}

// WriteAudio lets the session act as a call's audio sink
func (s *Session) WriteAudio(pcm []byte) {
	if err := s.AppendAudio(pcm); err != nil {
		s.logger.WithError(err).Debug("Failed to forward caller audio")
	}
}

// Close closes the socket and waits for the loops and in-flight tool calls
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.stop)
		s.cancel()

		if s.started.Load() {
			select {
			case <-s.done:
			case <-time.After(closeTimeout):
				s.logger.Warn("Conversation session did not shut down in time")
			}
		}
		s.handlers.Wait()
		if s.encoder != nil {
			s.encoder.Close()
		}
		s.logger.Debug("Conversation session closed")
	})
	return nil
}

func (s *Session) encodeInput(pcm []byte) ([]byte, error) {
	samples := media.BytesToSamples(pcm)
	if s.format == formatPCM16 {
		return media.SamplesToBytes(media.Resample(samples, 16000, pcm16Rate)), nil
	}
	return s.encoder.Encode(media.Resample(samples, 16000, 8000))
}

func (s *Session) sessionUpdate() clientEvent {
	profile := s.call.Profile()
	cfg := s.deps.Config

	threshold := firstPositiveFloat(profile.VADThreshold, cfg.VADThreshold, defaultVADThreshold)
	padding := firstPositiveDuration(profile.VADPrefixPadding, cfg.VADPrefixPadding, defaultVADPrefixPadding)
	silence := firstPositiveDuration(profile.VADSilenceDuration, cfg.VADSilenceDuration, defaultVADSilenceDuration)

	tools := s.deps.Dispatcher.Tools(profile)
	if tools == nil {
		tools = []functions.ToolSpec{}
	}

	session := &sessionConfig{
		Modalities:        []string{"audio", "text"},
		Instructions:      firstNonEmpty(profile.Instructions, cfg.Instructions),
		Voice:             firstNonEmpty(profile.Voice, cfg.Voice),
		InputAudioFormat:  s.format,
		OutputAudioFormat: s.format,
		TurnDetection: &turnDetection{
			Type:              "server_vad",
			Threshold:         threshold,
			PrefixPaddingMs:   int(padding / time.Millisecond),
			SilenceDurationMs: int(silence / time.Millisecond),
			// turns come from the STT bridge unless the provider transcribes
			CreateResponse: s.transcribe.Load(),
		},
		Tools:      tools,
		ToolChoice: "auto",
	}
	if s.transcribe.Load() {
		session.InputAudioTranscription = &transcriptionConfig{Model: transcriptionModel}
	}
	return clientEvent{Type: typeSessionUpdate, Session: session}
}

func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	attempts := s.deps.Config.ReconnectAttempts + 1
	backoff := reconnectBackoff
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := s.dialOnce(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		s.logger.WithError(err).WithField("attempt", attempt).Warn("Conversation connect failed")

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "conversation connect canceled")
		case <-s.stop:
			return nil, errors.Newf(errors.ErrCanceled, "conversation session closed while connecting")
		}
		backoff *= 2
	}

	return nil, errors.Newf(errors.ErrBridgeFailure, "conversation provider unavailable: %v", lastErr).
		WithField("flavor", s.flavor)
}

// dialOnce opens the socket and sends the session configuration before any queued event
func (s *Session) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	timeout := s.deps.Config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := s.deps.Dialer.DialContext(dialCtx, s.endpoint.URL, s.endpoint.Header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrap(err, "conversation handshake rejected").WithField("status", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "failed to dial conversation provider")
	}

	data, err := s.marshal(s.sessionUpdate())
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to send session configuration")
	}
	return conn, nil
}

// run serves the connection and reconnects while the call lives
func (s *Session) run(conn *websocket.Conn) {
	defer close(s.done)

	for {
		err := s.serve(conn)
		if s.closing.Load() || s.ctx.Err() != nil {
			return
		}

		s.logger.WithError(err).Warn("Conversation connection lost, reconnecting")
		metrics.RecordAIReconnect()

		conn, err = s.connect(s.ctx)
		if err != nil {
			if s.closing.Load() || s.ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Error("Conversation session lost, ending call")
			s.call.Terminate()
			return
		}
		s.logger.Info("Conversation session reconnected")
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
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case data := <-s.out:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return false, errors.Wrap(err, "failed to write conversation event")
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return false, errors.Wrap(err, "failed to ping conversation provider")
			}
		case err := <-readDone:
			return true, err
		case <-s.stop:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended")
			if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
				s.logger.WithError(err).Debug("Failed to send close frame")
			}
			return false, nil
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.Newf(errors.ErrBridgeFailure, "conversation closed by provider")
			}
			return errors.Wrap(err, "conversation read failed")
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.WithError(err).Warn("Ignoring malformed conversation event")
			continue
		}
		s.handleEvent(ev)
	}
}

func (s *Session) handleEvent(ev serverEvent) {
	metrics.RecordAIEvent(ev.Type)

	switch ev.Type {
	case eventSessionCreated, eventSessionUpdated:
		s.logger.WithField("event", ev.Type).Debug("Conversation session configured")

	case eventResponseCreated:
		if dropped := s.call.DrainQueue(); dropped > 0 {
			s.logger.WithField("dropped_frames", dropped).Debug("New response started, dropped stale audio")
		}

	case eventAudioDelta, eventOutputAudioDelta:
		s.handleAudioDelta(ev.Delta)

	case eventAudioDone, eventOutputAudioDone:
		if err := s.call.FlushPending(); err != nil {
			s.logger.WithError(err).Warn("Failed to flush response audio")
		}

	case eventAudioTranscriptDone, eventOutputTranscript:
		s.publish(messaging.EventTranscript, map[string]interface{}{"role": "assistant", "text": ev.Transcript})
		s.logger.WithField("text", ev.Transcript).Debug("Assistant turn")

	case eventInputTranscribed:
		s.publish(messaging.EventTranscript, map[string]interface{}{"role": "caller", "text": ev.Transcript})
		s.logger.WithField("text", ev.Transcript).Info("Caller turn transcribed by provider")

	case eventSpeechStarted:
		// caller barged in over the assistant
		if s.transcribe.Load() {
			s.call.DrainQueue()
		}

	case eventFunctionCallDone:
		s.handlers.Add(1)
		go s.handleFunctionCall(ev)

	case eventError:
		fields := logrus.Fields{}
		if ev.Error != nil {
			fields["type"] = ev.Error.Type
			fields["code"] = ev.Error.Code
			fields["message"] = ev.Error.Message
		}
		s.logger.WithFields(fields).Warn("Conversation provider reported an error")
	}
}

func (s *Session) handleAudioDelta(delta string) {
	if delta == "" {
		return
	}
	audio, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		s.logger.WithError(err).Warn("Ignoring undecodable audio delta")
		return
	}

	if s.format == formatPCM16 {
		if err := s.call.EnqueuePCM16(audio, pcm16Rate); err != nil {
			s.logger.WithError(err).Warn("Failed to encode response audio")
		}
		return
	}
	s.call.EnqueueEncoded(audio)
}

// handleFunctionCall runs a tool and hands its result back. It runs off the read
// loop so audio keeps flowing while the backend answers.
func (s *Session) handleFunctionCall(ev serverEvent) {
	defer s.handlers.Done()

	logger := s.logger.WithFields(logrus.Fields{"tool": ev.Name, "tool_call_id": ev.CallID})
	logger.Info("Executing tool call")

	result := s.deps.Dispatcher.Dispatch(s.ctx, functions.FunctionCall{
		ID:        ev.CallID,
		Name:      ev.Name,
		Arguments: ev.Arguments,
		CallKey:   s.call.Key(),
		Caller:    s.call.Caller(),
		Profile:   s.call.Profile(),
	})

	if result.Action == functions.ActionTransfer {
		if err := s.transfer(result.Target); err != nil {
			logger.WithError(err).Error("Call transfer failed")
			result = functions.Failure("the transfer could not be started, please try again later")
		}
	}

	s.publish(messaging.EventToolExecuted, map[string]interface{}{
		"tool":    ev.Name,
		"success": result.Success,
		"message": result.Message,
	})

	err := s.send(clientEvent{
		Type: typeItemCreate,
		Item: &conversationItem{
			Type:   itemFunctionCallOutput,
			CallID: ev.CallID,
			Output: result.Output(),
		},
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to return tool result")
		return
	}

	if result.Action == functions.ActionEndCall && result.Success {
		s.call.Terminate()
		return
	}
	if err := s.send(clientEvent{Type: typeResponseCreate}); err != nil {
		logger.WithError(err).Warn("Failed to request response after tool call")
	}
}

func (s *Session) transfer(target string) error {
	if s.deps.Referrer == nil {
		return errors.Newf(errors.ErrUnavailable, "call transfer is not wired")
	}
	ctx, cancel := context.WithTimeout(s.ctx, transferTimeout)
	defer cancel()

	s.logger.WithField("target", target).Info("Transferring call")
	return s.deps.Referrer.Refer(ctx, s.call.Key(), target)
}

// send queues an event for the writer, waiting briefly when the queue is full
func (s *Session) send(ev clientEvent) error {
	data, err := s.marshal(ev)
	if err != nil {
		return err
	}

	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()

	select {
	case s.out <- data:
		return nil
	case <-s.stop:
		return errors.Newf(errors.ErrCanceled, "conversation session closed")
	case <-timer.C:
		return errors.Newf(errors.ErrUnavailable, "conversation send queue full")
	}
}

func (s *Session) marshal(ev clientEvent) ([]byte, error) {
	ev.EventID = "evt_" + uuid.NewString()
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode conversation event").WithField("type", ev.Type)
	}
	return data, nil
}

func (s *Session) publish(eventType string, data map[string]interface{}) {
	if s.deps.Events != nil {
		s.deps.Events.Publish(eventType, s.call, data)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositiveFloat(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
