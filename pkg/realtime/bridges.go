package realtime

import (
	"context"
	"sync"

	"voice-gateway/pkg/call"
	"voice-gateway/pkg/circuitbreaker"
	"voice-gateway/pkg/config"
	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/stt"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Bridges connects each answered call to its conversation engine and STT stream.
// One circuit breaker guards the STT provider for every call.
type Bridges struct {
	factory   *Factory
	sttConfig config.STTConfig
	breaker   *circuitbreaker.CircuitBreaker
	sttDialer *websocket.Dialer
	logger    *logrus.Logger
}

// NewBridges creates the per-call bridge starter
func NewBridges(factory *Factory, sttConfig config.STTConfig, logger *logrus.Logger) *Bridges {
	breaker := circuitbreaker.NewCircuitBreaker("stt", circuitbreaker.STTConfig(), logger)
	breaker.SetStateChangeCallback(func(name string, from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			logger.WithField("breaker", name).Warn("STT provider keeps failing, new calls skip it until the breaker closes")
		}
	})

	return &Bridges{
		factory:   factory,
		sttConfig: sttConfig,
		breaker:   breaker,
		logger:    logger,
	}
}

// Start opens the conversation and the STT stream concurrently and wires them into the call.
// A conversation failure fails the call; an STT failure falls back to provider
// transcription when enabled.
func (b *Bridges) Start(ctx context.Context, c *call.Call) error {
	engine, err := b.factory.New(c)
	if err != nil {
		return err
	}

	var (
		wg      sync.WaitGroup
		aiErr   error
		sttErr  error
		session *stt.Session
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		aiErr = engine.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		session, sttErr = stt.Dial(ctx, stt.ConfigFor(b.sttConfig, c.Profile()),
			stt.TurnSinkFunc(engine.SendUserTurn),
			stt.Options{
				Breaker:   b.breaker,
				OnFailure: func(err error) { b.fallback(c, engine, err) },
				Dialer:    b.sttDialer,
			},
			c.Logger())
	}()
	wg.Wait()

	if aiErr != nil {
		if session != nil {
			session.Close()
		}
		engine.Close()
		return aiErr
	}

	// the STT stream closes before the conversation when the call ends
	if session != nil {
		c.AttachSTT(session)
	}
	c.AttachAI(engine)

	if sttErr != nil {
		if !b.fallback(c, engine, sttErr) {
			return sttErr
		}
	} else {
		c.SetAudioSink(session)
	}

	// the call may have ended while we were connecting
	if c.Context().Err() != nil {
		if session != nil {
			session.Close()
		}
		engine.Close()
		return errors.Newf(errors.ErrCanceled, "call ended while bridges were starting")
	}

	c.Logger().WithField("stt", sttErr == nil).Info("Conversation bridges started")
	return nil
}

// fallback hands caller audio to the conversation provider. It reports whether that happened.
func (b *Bridges) fallback(c *call.Call, engine ConversationEngine, cause error) bool {
	logger := c.Logger().WithError(cause)
	if !b.sttConfig.FallbackEnabled {
		logger.Error("STT unavailable and provider transcription fallback is disabled")
		return false
	}
	if err := engine.EnableTranscription(); err != nil {
		logger.WithField("fallback_error", err.Error()).Error("Failed to enable provider transcription")
		return false
	}

	c.SetAudioSink(call.AudioSinkFunc(func(pcm []byte) {
		if err := engine.AppendAudio(pcm); err != nil {
			c.Logger().WithError(err).Debug("Failed to forward caller audio")
		}
	}))
	logger.Warn("STT unavailable, falling back to provider transcription")
	return true
}
