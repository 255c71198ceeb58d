package call

import (
	"context"
	"sort"
	"sync"

	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// Manager is the registry of live calls keyed by dialog id
type Manager struct {
	calls  *registry
	logger *logrus.Logger
}

// NewManager creates an empty call registry
func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		calls:  newRegistry(16),
		logger: logger,
	}
}

// Add registers c; a second call with the same key is rejected
func (m *Manager) Add(c *Call) error {
	if !m.calls.insert(c.Key(), c) {
		return errors.Newf(errors.ErrCallAlreadyExists, "call %s already registered", c.Key())
	}
	metrics.SetActiveCalls(m.calls.count())
	return nil
}

// Get returns the call for key
func (m *Manager) Get(key string) (*Call, bool) {
	return m.calls.load(key)
}

// Remove unregisters the call for key and returns it, nil when unknown
func (m *Manager) Remove(key string) *Call {
	c, ok := m.calls.remove(key)
	if !ok {
		return nil
	}
	metrics.SetActiveCalls(m.calls.count())
	return c
}

// Count returns the number of live calls
func (m *Manager) Count() int {
	return m.calls.count()
}

// Keys returns the dialog ids of all live calls, sorted
func (m *Manager) Keys() []string {
	snapshot := m.calls.snapshot()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CloseAll closes and removes every remaining call. It returns ctx's error
// if the calls did not finish closing in time.
func (m *Manager) CloseAll(ctx context.Context) error {
	snapshot := m.calls.snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	m.logger.WithField("calls", len(snapshot)).Info("Closing all active calls")

	var wg sync.WaitGroup
	for key, c := range snapshot {
		m.calls.remove(key)
		wg.Add(1)
		go func(c *Call) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	metrics.SetActiveCalls(m.calls.count())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out closing calls")
	}
}
