package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"voice-gateway/pkg/errors"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned without calling the protected function while the circuit is open
var ErrOpen = errors.Newf(errors.ErrUnavailable, "circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// Consecutive failures before opening the circuit
	FailureThreshold int

	// Consecutive successes in half-open before closing again
	SuccessThreshold int

	// Time spent open before a probe is let through
	Timeout time.Duration

	// Upper bound for the open time when ExponentialBackoff is set
	MaxTimeout time.Duration

	// Applied when the caller's context has no deadline
	RequestTimeout time.Duration

	ExponentialBackoff bool
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		Timeout:            30 * time.Second,
		MaxTimeout:         5 * time.Minute,
		RequestTimeout:     30 * time.Second,
		ExponentialBackoff: true,
	}
}

// STTConfig trips quickly; streaming STT endpoints fail in bursts
func STTConfig() Config {
	return Config{
		FailureThreshold:   3,
		SuccessThreshold:   1,
		Timeout:            10 * time.Second,
		MaxTimeout:         2 * time.Minute,
		RequestTimeout:     10 * time.Second,
		ExponentialBackoff: true,
	}
}

// HTTPClientConfig is used for the order backend
func HTTPClientConfig() Config {
	return Config{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		Timeout:            20 * time.Second,
		MaxTimeout:         2 * time.Minute,
		RequestTimeout:     15 * time.Second,
		ExponentialBackoff: true,
	}
}

// Statistics is a snapshot of the breaker counters
type Statistics struct {
	State               string    `json:"state"`
	TotalRequests       int64     `json:"total_requests"`
	FailedRequests      int64     `json:"failed_requests"`
	RejectedRequests    int64     `json:"rejected_requests"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	StateTransitions    int64     `json:"state_transitions"`
	LastFailureTime     time.Time `json:"last_failure_time"`
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name   string
	logger *logrus.Entry
	config Config

	mutex       sync.Mutex
	state       State
	failures    int
	successes   int
	trips       int
	nextAttempt time.Time
	stats       Statistics

	onStateChange func(name string, from State, to State)

	// replaced in tests
	now func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config Config, logger *logrus.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.MaxTimeout < config.Timeout {
		config.MaxTimeout = config.Timeout
	}

	return &CircuitBreaker{
		name:   name,
		logger: logger.WithField("circuit_breaker", name),
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn unless the circuit is open. Context cancellation by the caller
// is not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return ErrOpen
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && cb.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.RequestTimeout)
		defer cancel()
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.recordSuccess()
	case ctx.Err() == context.Canceled:
		cb.release()
	default:
		cb.recordFailure(err)
	}
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed:
		cb.stats.TotalRequests++
		return true
	case StateOpen:
		if cb.now().Before(cb.nextAttempt) {
			cb.stats.RejectedRequests++
			return false
		}
		cb.setState(StateHalfOpen)
		cb.nextAttempt = cb.now()
		cb.stats.TotalRequests++
		return true
	default:
		// one probe at a time while half-open
		if !cb.nextAttempt.IsZero() {
			cb.stats.RejectedRequests++
			return false
		}
		cb.nextAttempt = cb.now()
		cb.stats.TotalRequests++
		return true
	}
}

func (cb *CircuitBreaker) release() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if cb.state == StateHalfOpen {
		cb.nextAttempt = time.Time{}
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures = 0
	if cb.state != StateHalfOpen {
		return
	}

	cb.successes++
	cb.nextAttempt = time.Time{}
	if cb.successes >= cb.config.SuccessThreshold {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.stats.FailedRequests++
	cb.stats.LastFailureTime = cb.now()

	if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.setState(StateOpen)
	}

	cb.logger.WithError(err).WithFields(logrus.Fields{
		"failures": cb.failures,
		"state":    cb.state.String(),
	}).Debug("Circuit breaker recorded failure")
}

// setState must be called with the mutex held
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.stats.StateTransitions++

	switch newState {
	case StateOpen:
		timeout := cb.config.Timeout
		if cb.config.ExponentialBackoff {
			shift := cb.trips
			if shift > 10 {
				shift = 10
			}
			timeout = cb.config.Timeout << uint(shift)
			if timeout > cb.config.MaxTimeout {
				timeout = cb.config.MaxTimeout
			}
		}
		cb.trips++
		cb.nextAttempt = cb.now().Add(timeout)
	case StateHalfOpen:
		cb.successes = 0
		cb.nextAttempt = time.Time{}
	case StateClosed:
		cb.failures = 0
		cb.trips = 0
		cb.nextAttempt = time.Time{}
	}

	cb.logger.WithFields(logrus.Fields{
		"from_state": oldState.String(),
		"to_state":   newState.String(),
	}).Info("Circuit breaker state changed")

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, oldState, newState)
	}
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Statistics returns a copy of the counters
func (cb *CircuitBreaker) Statistics() Statistics {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	stats := cb.stats
	stats.State = cb.state.String()
	stats.ConsecutiveFailures = cb.failures
	return stats
}

// Reset closes the circuit and clears the failure count
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.trips = 0
}

// SetStateChangeCallback sets a callback for state changes
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(name string, from State, to State)) {
	cb.mutex.Lock()
	cb.onStateChange = callback
	cb.mutex.Unlock()
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IsOpen reports whether requests are currently rejected
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}
