package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"voice-gateway/pkg/config"
	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/metrics"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const (
	dialTimeout      = 5 * time.Second
	setupTimeout     = 3 * time.Second
	publishTimeout   = 200 * time.Millisecond
	maxReconnectWait = 30 * time.Second

	// 12 hours, in milliseconds
	messageExpiration = "43200000"
)

// AMQPPublisher publishes call events to a durable queue and reconnects when the broker drops the connection
type AMQPPublisher struct {
	logger     *logrus.Logger
	url        string
	queue      string
	exchange   string
	routingKey string

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	closed    bool
	stopChan  chan struct{}
}

// NewAMQPPublisher creates a publisher; call Connect before publishing
func NewAMQPPublisher(logger *logrus.Logger, cfg config.MessagingConfig) *AMQPPublisher {
	return &AMQPPublisher{
		logger:     logger,
		url:        cfg.AMQPUrl,
		queue:      cfg.QueueName,
		exchange:   cfg.ExchangeName,
		routingKey: cfg.QueueName,
		stopChan:   make(chan struct{}),
	}
}

// Connect dials the broker, opens a channel and declares the queue
func (p *AMQPPublisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}
	if p.closed {
		return errors.Newf(errors.ErrUnavailable, "AMQP publisher closed")
	}
	if p.url == "" || p.queue == "" {
		return errors.Newf(errors.ErrInvalidInput, "AMQP URL or queue name not configured")
	}

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Dial:      amqp.DefaultDial(dialTimeout),
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return errors.Wrap(err, "failed to connect to AMQP server")
	}

	channel, err := withTimeout(setupTimeout, conn.Channel)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open AMQP channel")
	}

	_, err = withTimeout(setupTimeout, func() (amqp.Queue, error) {
		return channel.QueueDeclare(
			p.queue,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,
		)
	})
	if err != nil {
		channel.Close()
		conn.Close()
		return errors.Wrap(err, "failed to declare AMQP queue")
	}

	p.conn = conn
	p.channel = channel
	p.connected = true
	p.stopChan = make(chan struct{})

	p.logger.WithFields(logrus.Fields{
		"queue":    p.queue,
		"exchange": p.exchange,
	}).Info("Connected to AMQP server")

	go p.monitorConnection(conn.NotifyClose(make(chan *amqp.Error, 1)), p.stopChan)
	return nil
}

// withTimeout runs a broker call that has no context support
func withTimeout[T any](d time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-time.After(d):
		var zero T
		return zero, errors.Newf(errors.ErrTimeout, "AMQP operation timed out after %s", d)
	}
}

func (p *AMQPPublisher) monitorConnection(closed <-chan *amqp.Error, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case amqpErr, ok := <-closed:
		p.mu.Lock()
		p.connected = false
		p.channel = nil
		p.conn = nil
		p.mu.Unlock()

		entry := p.logger.WithField("queue", p.queue)
		if ok && amqpErr != nil {
			entry = entry.WithField("reason", amqpErr.Reason)
		}
		entry.Warn("AMQP connection lost, reconnecting")
	}

	backoff := time.Second
	for {
		select {
		case <-stop:
			return
		case <-time.After(backoff):
		}

		err := p.Connect()
		if err == nil {
			p.logger.Info("Reconnected to AMQP server")
			return
		}
		if errors.Is(err, errors.ErrUnavailable) {
			return
		}

		p.logger.WithError(err).WithField("retry_in", backoff).Warn("AMQP reconnect failed")
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// IsConnected reports whether a broker channel is open
func (p *AMQPPublisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Publish sends one event as a persistent JSON message
func (p *AMQPPublisher) Publish(ctx context.Context, event CallEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"call_id": event.CallID,
				"recover": r,
			}).Error("Recovered from panic in AMQP publish")
			err = errors.Newf(errors.ErrInternalError, "panic while publishing %s", event.Type)
		}
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.RecordAMQPPublish(event.Type, status)
	}()

	msg, err := buildPublishing(event)
	if err != nil {
		return err
	}

	p.mu.RLock()
	channel := p.channel
	connected := p.connected
	p.mu.RUnlock()

	if !connected || channel == nil {
		return errors.Newf(errors.ErrUnavailable, "not connected to AMQP server")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- channel.Publish(p.exchange, p.routingKey, false, false, msg)
	}()

	select {
	case pubErr := <-done:
		if pubErr != nil {
			return errors.Wrap(pubErr, "failed to publish call event")
		}
	case <-ctx.Done():
		return errors.Newf(errors.ErrTimeout, "publishing %s timed out", event.Type)
	}

	p.logger.WithFields(logrus.Fields{
		"call_id": event.CallID,
		"event":   event.Type,
	}).Debug("Published call event")
	return nil
}

func buildPublishing(event CallEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, errors.Wrap(err, "failed to marshal call event")
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Timestamp,
		MessageId:    event.ID,
		Type:         event.Type,
		Expiration:   messageExpiration,
	}, nil
}

// Close stops reconnecting and closes the broker connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stopChan)

	if p.channel != nil {
		p.channel.Close()
	}
	var err error
	if p.conn != nil {
		err = p.conn.Close()
	}
	p.connected = false
	p.logger.Info("Disconnected from AMQP server")
	if err != nil {
		return errors.Wrap(err, "failed to close AMQP connection")
	}
	return nil
}
