package store

import (
	"context"
	"time"

	"voice-gateway/pkg/config"
	"voice-gateway/pkg/errors"

	"github.com/sirupsen/logrus"
)

// Store is the key-value storage used by wallet and meeting tools.
// Get returns an error matching errors.ErrNotFound for missing keys.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value only when key does not exist and reports whether it did
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// New builds the store selected by cfg.Driver
func New(cfg config.StoreConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Info("Using in-memory key-value store")
		return NewMemoryStore(cfg.KeyPrefix), nil
	case "redis":
		return NewRedisStore(cfg, logger)
	default:
		return nil, errors.Newf(errors.ErrInvalidInput, "unsupported store driver %q", cfg.Driver)
	}
}

func notFound(key string) error {
	return errors.Newf(errors.ErrNotFound, "key not found: %s", key)
}
