package stt

import (
	"sort"
	"strings"
	"sync"
	"time"

	"voice-gateway/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// TurnSink receives one completed caller utterance
type TurnSink interface {
	SendUserTurn(text string) error
}

// TurnSinkFunc adapts a function to TurnSink
type TurnSinkFunc func(text string) error

func (f TurnSinkFunc) SendUserTurn(text string) error { return f(text) }

// Accumulator collects finalized transcript fragments and forwards them as a
// single turn once the caller has been quiet for the flush delay.
// At most one flush timer is pending at any time.
type Accumulator struct {
	delay       time.Duration
	sink        TurnSink
	corrections []correction
	logger      *logrus.Entry

	mu        sync.Mutex
	fragments []string
	timer     *time.Timer
	gen       uint64
	stopped   bool

	// held across take and deliver so turns reach the sink in order
	deliverMu sync.Mutex
}

type correction struct {
	from, to string
}

// NewAccumulator creates an accumulator flushing to sink after delay of silence
func NewAccumulator(delay time.Duration, sink TurnSink, corrections map[string]string, logger *logrus.Entry) *Accumulator {
	a := &Accumulator{
		delay:  delay,
		sink:   sink,
		logger: logger,
	}

	// longest first so overlapping keys behave predictably
	for from, to := range corrections {
		if from != "" {
			a.corrections = append(a.corrections, correction{from: from, to: to})
		}
	}
	sort.Slice(a.corrections, func(i, j int) bool {
		if len(a.corrections[i].from) != len(a.corrections[j].from) {
			return len(a.corrections[i].from) > len(a.corrections[j].from)
		}
		return a.corrections[i].from < a.corrections[j].from
	})
	return a
}

// Append adds a finalized fragment and restarts the flush timer
func (a *Accumulator) Append(text string) {
	if text == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.fragments = append(a.fragments, text)
	a.scheduleLocked()
}

// Touch restarts the flush timer while speech is still being recognized.
// Nothing is scheduled when no finalized text is pending.
func (a *Accumulator) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped || len(a.fragments) == 0 {
		return
	}
	a.scheduleLocked()
}

// Flush forwards pending text immediately and cancels the timer
func (a *Accumulator) Flush() {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.mu.Lock()
	text := a.takeLocked()
	a.mu.Unlock()

	a.deliver(text)
}

// Pending returns the text that would be flushed now, without corrections
func (a *Accumulator) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.TrimSpace(strings.Join(a.fragments, ""))
}

// Stop flushes what is pending and ignores later fragments
func (a *Accumulator) Stop() {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.mu.Lock()
	text := a.takeLocked()
	a.stopped = true
	a.mu.Unlock()

	a.deliver(text)
}

func (a *Accumulator) scheduleLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(a.delay, func() { a.fire(gen) })
}

func (a *Accumulator) fire(gen uint64) {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.mu.Lock()
	if gen != a.gen {
		// superseded by a later schedule or flush
		a.mu.Unlock()
		return
	}
	text := a.takeLocked()
	a.mu.Unlock()

	a.deliver(text)
}

// takeLocked empties the buffer and invalidates any pending timer
func (a *Accumulator) takeLocked() string {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	text := strings.TrimSpace(strings.Join(a.fragments, ""))
	a.fragments = nil
	return text
}

// deliver must be called with deliverMu held
func (a *Accumulator) deliver(text string) {
	if text == "" {
		return
	}
	text = a.correct(text)

	metrics.RecordSTTFlush()
	a.logger.WithField("text", text).Info("Caller turn transcribed")
	if err := a.sink.SendUserTurn(text); err != nil {
		a.logger.WithError(err).Warn("Failed to forward caller turn")
	}
}

func (a *Accumulator) correct(text string) string {
	for _, c := range a.corrections {
		text = strings.ReplaceAll(text, c.from, c.to)
	}
	return text
}
