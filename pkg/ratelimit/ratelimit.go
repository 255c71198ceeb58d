package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per key
type Limiter struct {
	rate       rate.Limit
	burst      int
	clients    map[string]*bucket
	mu         sync.Mutex
	logger     *logrus.Logger
	cleanupTTL time.Duration
	stopOnce   sync.Once
	stop       chan struct{}
}

type bucket struct {
	limiter    *rate.Limiter
	lastSeen   time.Time
	blockUntil time.Time
}

// NewLimiter creates a limiter allowing perSecond sustained events with the given burst per key
func NewLimiter(perSecond float64, burst int, logger *logrus.Logger) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		rate:       rate.Limit(perSecond),
		burst:      burst,
		clients:    make(map[string]*bucket),
		logger:     logger,
		cleanupTTL: 10 * time.Minute,
		stop:       make(chan struct{}),
	}

	go l.cleanup()

	return l
}

func (l *Limiter) bucketFor(key string, now time.Time) *bucket {
	b, exists := l.clients[key]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = b
	}
	b.lastSeen = now
	return b
}

// Allow consumes one token for key
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b := l.bucketFor(key, now)
	if now.Before(b.blockUntil) {
		return false
	}
	return b.limiter.AllowN(now, 1)
}

// Block rejects every request from key for duration
func (l *Limiter) Block(key string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(key, time.Now())
	b.blockUntil = b.lastSeen.Add(duration)

	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"key":         key,
			"block_until": b.blockUntil,
		}).Warn("Client blocked due to rate limit violation")
	}
}

// IsBlocked reports whether key is currently blocked
func (l *Limiter) IsBlocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.clients[key]
	return exists && time.Now().Before(b.blockUntil)
}

// GetClientCount returns the number of tracked keys
func (l *Limiter) GetClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Stop ends the cleanup loop
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cleanupTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.prune(now)
		}
	}
}

// prune drops keys idle for longer than the cleanup TTL that are not blocked
func (l *Limiter) prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.clients {
		if now.Sub(b.lastSeen) > l.cleanupTTL && now.After(b.blockUntil) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}
