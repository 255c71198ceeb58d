package media

import (
	"math/rand/v2"
	"sync"
	"testing"

	"voice-gateway/pkg/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestAllocatePortSequence(t *testing.T) {
	pm := NewPortManager(30000, 30006, quietLogger())
	require.Equal(t, 4, pm.GetStats().TotalPorts)

	seen := make(map[int]bool)
	for i := 0; i < 4; i++ {
		port, err := pm.AllocatePort()
		require.NoError(t, err)
		require.Equal(t, 0, port%2)
		require.GreaterOrEqual(t, port, 30000)
		require.LessOrEqual(t, port, 30006)
		require.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}

	_, err := pm.AllocatePort()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoAvailablePorts))
	assert.True(t, errors.Is(err, errors.ErrResourceExhausted))
	assert.Equal(t, int64(1), pm.GetStats().Exhaustions)

	pm.ReleasePort(30002)
	port, err := pm.AllocatePort()
	require.NoError(t, err)
	assert.Equal(t, 30002, port)
}

func TestAllocationIsRandom(t *testing.T) {
	pm := NewPortManager(40000, 40100, quietLogger())
	picks := []int{10, 0, 3}
	pm.intn = func(n int) int {
		p := picks[0]
		picks = picks[1:]
		return p % n
	}

	first, err := pm.AllocatePort()
	require.NoError(t, err)
	assert.Equal(t, 40020, first)

	second, err := pm.AllocatePort()
	require.NoError(t, err)
	assert.Equal(t, 40000, second)

	third, err := pm.AllocatePort()
	require.NoError(t, err)
	assert.Equal(t, 40006, third)
}

func TestReleaseIsIdempotentAndRangeChecked(t *testing.T) {
	pm := NewPortManager(20000, 20010, quietLogger())

	port, err := pm.AllocatePort()
	require.NoError(t, err)

	pm.ReleasePort(port)
	before := pm.GetStats()

	assert.NotPanics(t, func() {
		pm.ReleasePort(port)
		pm.ReleasePort(19998)
		pm.ReleasePort(20012)
		pm.ReleasePort(20001)
	})

	after := pm.GetStats()
	assert.Equal(t, before.AvailablePorts, after.AvailablePorts)
	assert.Equal(t, before.TotalPorts, after.AvailablePorts)
	assert.Equal(t, before.RejectedReleases+4, after.RejectedReleases)
}

func TestInvalidRangeFallsBackToDefaults(t *testing.T) {
	pm := NewPortManager(500, 100, quietLogger())
	min, max := pm.GetPortRange()
	assert.Equal(t, 10000, min)
	assert.Equal(t, 20000, max)

	odd := NewPortManager(10001, 10011, quietLogger())
	min, _ = odd.GetPortRange()
	assert.Equal(t, 10002, min)
}

// Random allocate/release interleavings never hand the same port to two holders.
func TestNoPortHeldTwice(t *testing.T) {
	pm := NewPortManager(50000, 50040, quietLogger())
	rng := rand.New(rand.NewPCG(1, 2))

	held := make(map[int]bool)
	for i := 0; i < 2000; i++ {
		if rng.IntN(2) == 0 || len(held) == 0 {
			port, err := pm.AllocatePort()
			if err != nil {
				require.Len(t, held, pm.GetStats().TotalPorts)
				continue
			}
			require.False(t, held[port])
			held[port] = true
		} else {
			for port := range held {
				pm.ReleasePort(port)
				delete(held, port)
				break
			}
		}
		stats := pm.GetStats()
		require.Equal(t, stats.TotalPorts, stats.AvailablePorts+stats.AllocatedPorts)
		require.Equal(t, len(held), stats.AllocatedPorts)
	}
}

func TestConcurrentAllocation(t *testing.T) {
	pm := NewPortManager(60000, 60198, quietLogger())

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := pm.AllocatePort()
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[port])
			seen[port] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}
