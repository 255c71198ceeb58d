package store

import (
	"context"
	"time"

	"voice-gateway/pkg/config"
	"voice-gateway/pkg/errors"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisOpTimeout = 3 * time.Second

// RedisStore implements Store on a Redis server
type RedisStore struct {
	client    redis.UniversalClient
	logger    *logrus.Logger
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection with a PING
func NewRedisStore(cfg config.StoreConfig, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddress,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDatabase,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  redisOpTimeout,
		WriteTimeout: redisOpTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis").WithField("address", cfg.RedisAddress)
	}

	logger.WithFields(logrus.Fields{
		"address":  cfg.RedisAddress,
		"database": cfg.RedisDatabase,
		"prefix":   cfg.KeyPrefix,
	}).Info("Redis key-value store initialized")

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, logger *logrus.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		logger:    logger,
		keyPrefix: keyPrefix,
	}
}

// Get returns the value stored under key
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	value, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", notFound(key)
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to get key from Redis").WithField("key", key)
	}
	return value, nil
}

// Set stores value under key. A zero ttl keeps the key forever.
func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to store key in Redis").WithField("key", key)
	}

	r.logger.WithField("key", key).Debug("Key stored in Redis")
	return nil
}

// SetNX stores value only if key is absent
func (r *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to store key in Redis").WithField("key", key)
	}
	return ok, nil
}

// Delete removes key
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return errors.Wrap(err, "failed to delete key from Redis").WithField("key", key)
	}
	return nil
}

// Ping checks the connection
func (r *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) key(key string) string {
	return r.keyPrefix + key
}
