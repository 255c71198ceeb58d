package util

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) resource(name string, priority int) ShutdownResource {
	return ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(context.Context) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.order = append(r.order, name)
			return nil
		},
	}
}

func TestShutdownFollowsPriority(t *testing.T) {
	gs := NewGracefulShutdown(quietLogger(), time.Second)
	rec := &orderRecorder{}

	gs.Register(rec.resource("metrics", PriorityMetrics))
	gs.Register(rec.resource("calls", PriorityCalls))
	gs.Register(rec.resource("sip", PrioritySignaling))
	gs.Register(rec.resource("amqp", PriorityEvents))

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.Equal(t, []string{"sip", "calls", "amqp", "metrics"}, rec.order)
}

func TestShutdownContinuesPastFailures(t *testing.T) {
	gs := NewGracefulShutdown(quietLogger(), 100*time.Millisecond)
	rec := &orderRecorder{}

	gs.Register(ShutdownResource{
		Name:     "broken",
		Priority: 1,
		Shutdown: func(context.Context) error { return errors.New("boom") },
	})
	gs.Register(ShutdownResource{
		Name:     "panicky",
		Priority: 1,
		Shutdown: func(context.Context) error { panic("oops") },
	})
	gs.Register(rec.resource("redis", 2))

	err := gs.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graceful shutdown incomplete")
	assert.Equal(t, []string{"redis"}, rec.order)
}

func TestShutdownTimesOut(t *testing.T) {
	gs := NewGracefulShutdown(quietLogger(), 50*time.Millisecond)
	block := make(chan struct{})
	defer close(block)

	gs.Register(ShutdownResource{
		Name: "stuck",
		Shutdown: func(context.Context) error {
			<-block
			return nil
		},
	})

	start := time.Now()
	require.Error(t, gs.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestRegisterCloser(t *testing.T) {
	gs := NewGracefulShutdown(quietLogger(), time.Second)
	closed := false
	gs.RegisterCloser("publisher", closerFunc(func() error {
		closed = true
		return nil
	}), PriorityEvents)

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.True(t, closed)
}

func TestPanicHandlerRecovers(t *testing.T) {
	ph := NewPanicHandler(quietLogger())

	var got interface{}
	assert.NotPanics(t, func() {
		defer ph.Recover("test", func(v interface{}) { got = v })
		panic("boom")
	})
	assert.Equal(t, "boom", got)

	assert.NotPanics(t, func() {
		defer ph.Recover("test", func(interface{}) { panic("again") })
		panic("first")
	})

	done := make(chan struct{})
	ph.Go("worker", func() {
		defer close(done)
		panic("in goroutine")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}
