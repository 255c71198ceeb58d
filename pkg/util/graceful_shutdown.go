package util

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"voice-gateway/pkg/errors"

	"github.com/sirupsen/logrus"
)

// Shutdown priorities for the gateway's resources
const (
	PrioritySignaling = 10
	PriorityCalls     = 20
	PriorityEvents    = 30
	PriorityStorage   = 40
	PriorityMetrics   = 50
)

// GracefulShutdown stops registered resources in priority order within one deadline.
// Resources sharing a priority stop concurrently.
type GracefulShutdown struct {
	resources []ShutdownResource
	mu        sync.Mutex
	logger    *logrus.Logger
	timeout   time.Duration
}

// ShutdownResource represents a resource that needs graceful shutdown
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int // Lower numbers shut down first
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a resource to be shut down
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.resources = append(gs.resources, resource)
	sort.SliceStable(gs.resources, func(i, j int) bool {
		return gs.resources[i].Priority < gs.resources[j].Priority
	})

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// RegisterCloser registers an io.Closer for shutdown
func (gs *GracefulShutdown) RegisterCloser(name string, closer io.Closer, priority int) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(context.Context) error {
			return closer.Close()
		},
	})
}

// Shutdown stops every resource. A resource that fails or times out does not
// keep the later ones from stopping.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var failed []string
	for start := 0; start < len(resources); {
		end := start
		for end < len(resources) && resources[end].Priority == resources[start].Priority {
			end++
		}
		failed = append(failed, gs.shutdownGroup(shutdownCtx, resources[start:end])...)
		start = end
	}

	if len(failed) > 0 {
		return errors.New("graceful shutdown incomplete").
			WithField("failed", strings.Join(failed, ", "))
	}

	gs.logger.Info("Graceful shutdown completed successfully")
	return nil
}

// shutdownGroup stops resources of one priority concurrently and returns the names that failed
func (gs *GracefulShutdown) shutdownGroup(ctx context.Context, group []ShutdownResource) []string {
	results := make(chan string, len(group))

	for _, resource := range group {
		go func(res ShutdownResource) {
			logger := gs.logger.WithField("resource", res.Name)
			done := make(chan error, 1)

			go func() {
				defer func() {
					if r := recover(); r != nil {
						logger.WithField("panic", r).Error("Panic during resource shutdown")
						done <- errors.New("panic during shutdown")
					}
				}()
				done <- res.Shutdown(ctx)
			}()

			select {
			case err := <-done:
				if err != nil {
					logger.WithError(err).Error("Error shutting down resource")
					results <- res.Name
					return
				}
				logger.Debug("Resource shut down successfully")
				results <- ""
			case <-ctx.Done():
				logger.Warn("Shutdown timeout for resource")
				results <- res.Name
			}
		}(resource)
	}

	var failed []string
	for range group {
		if name := <-results; name != "" {
			failed = append(failed, name)
		}
	}
	return failed
}
