package media

import (
	"math/rand/v2"
	"sync"

	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// PortManager hands out RTP ports from a fixed range. Allocation is random so a restarted
// process does not immediately reuse ports that stale peers may still be sending to.
type PortManager struct {
	minPort int
	maxPort int
	logger  *logrus.Logger

	mu sync.Mutex
	// available holds free ports; index maps a free port to its slot in available
	available []int
	index     map[int]int
	allocated map[int]struct{}
	stats     PortManagerStats

	intn func(n int) int
}

// PortManagerStats tracks port allocation statistics
type PortManagerStats struct {
	TotalPorts       int
	AvailablePorts   int
	AllocatedPorts   int
	Allocations      int64
	Releases         int64
	RejectedReleases int64
	Exhaustions      int64
}

// NewPortManager creates a port manager over the even ports in [minPort, maxPort].
// RTCP uses the odd port above each RTP port.
func NewPortManager(minPort, maxPort int, logger *logrus.Logger) *PortManager {
	if minPort <= 0 || maxPort <= 0 || minPort >= maxPort {
		minPort = 10000
		maxPort = 20000
	}
	if minPort%2 != 0 {
		minPort++
	}
	if logger == nil {
		logger = logrus.New()
	}

	pm := &PortManager{
		minPort:   minPort,
		maxPort:   maxPort,
		logger:    logger,
		index:     make(map[int]int),
		allocated: make(map[int]struct{}),
		intn:      rand.IntN,
	}
	for port := minPort; port <= maxPort; port += 2 {
		pm.index[port] = len(pm.available)
		pm.available = append(pm.available, port)
	}
	pm.stats.TotalPorts = len(pm.available)
	return pm
}

// AllocatePort removes a uniformly random port from the free set and returns it.
// An empty set fails with ErrNoAvailablePorts.
func (pm *PortManager) AllocatePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if len(pm.available) == 0 {
		pm.stats.Exhaustions++
		return 0, errors.Newf(errors.ErrNoAvailablePorts, "no free RTP ports in range %d-%d", pm.minPort, pm.maxPort)
	}

	i := pm.intn(len(pm.available))
	port := pm.available[i]
	pm.removeAt(i)
	pm.allocated[port] = struct{}{}
	pm.stats.Allocations++

	metrics.SetPortsInUse(len(pm.allocated))
	return port, nil
}

// ReleasePort returns port to the free set. Out-of-range ports and ports that are already
// free are logged and ignored.
func (pm *PortManager) ReleasePort(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.inRange(port) {
		pm.stats.RejectedReleases++
		pm.logger.WithField("port", port).Warn("Ignoring release of port outside the RTP range")
		return
	}
	if _, free := pm.index[port]; free {
		pm.stats.RejectedReleases++
		pm.logger.WithField("port", port).Warn("Ignoring release of port that is already available")
		return
	}

	delete(pm.allocated, port)
	pm.index[port] = len(pm.available)
	pm.available = append(pm.available, port)
	pm.stats.Releases++

	metrics.SetPortsInUse(len(pm.allocated))
}

// GetPortRange returns the configured port range
func (pm *PortManager) GetPortRange() (min, max int) {
	return pm.minPort, pm.maxPort
}

// GetStats returns port manager statistics
func (pm *PortManager) GetStats() PortManagerStats {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	stats := pm.stats
	stats.AvailablePorts = len(pm.available)
	stats.AllocatedPorts = len(pm.allocated)
	return stats
}

func (pm *PortManager) inRange(port int) bool {
	return port >= pm.minPort && port <= pm.maxPort && port%2 == 0
}

func (pm *PortManager) removeAt(i int) {
	port := pm.available[i]
	last := len(pm.available) - 1
	if i != last {
		moved := pm.available[last]
		pm.available[i] = moved
		pm.index[moved] = i
	}
	pm.available = pm.available[:last]
	delete(pm.index, port)
}
