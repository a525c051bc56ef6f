package storage

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/otelguard/otelguard/pkg/config"
	"github.com/otelguard/otelguard/pkg/errors"
)

// RedisClient wraps the Redis client with additional functionality
type RedisClient struct {
	client *redis.Client
	config *config.RedisConfig
}

// NewRedisClient creates a new Redis client and verifies the connection
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}

	opts := &redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		// Connection timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		// Pool timeouts
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		// Retries are owned by the resilience layer
		MaxRetries: -1,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewUnavailableError("redis", "failed to connect to Redis").WithCause(err)
	}

	return &RedisClient{
		client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (r *RedisClient) Health(ctx context.Context) error {
	if r.client == nil {
		return errors.NewInternalError("Redis client is nil")
	}

	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewUnavailableError("redis", "Redis health check failed").WithCause(err)
	}

	return nil
}

// Client returns the underlying Redis client
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Config returns the Redis configuration
func (r *RedisClient) Config() *config.RedisConfig {
	return r.config
}

// Stats returns Redis connection statistics
func (r *RedisClient) Stats() *redis.PoolStats {
	return r.client.PoolStats()
}

// Set sets a key-value pair with optional expiration
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := r.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return errors.NewExternalError("redis", "failed to set Redis key").WithCause(err)
	}
	return nil
}

// SetNX sets a key only if it does not exist and reports whether it was set
func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	set, err := r.client.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		return false, errors.NewExternalError("redis", "failed to set Redis key").WithCause(err)
	}
	return set, nil
}

// Get gets a value by key
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", errors.NewNotFoundError("key")
		}
		return "", errors.NewExternalError("redis", "failed to get Redis key").WithCause(err)
	}
	return val, nil
}

// Del deletes keys
func (r *RedisClient) Del(ctx context.Context, keys ...string) (int64, error) {
	count, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, errors.NewExternalError("redis", "failed to delete keys").WithCause(err)
	}
	return count, nil
}

// Exists checks if keys exist
func (r *RedisClient) Exists(ctx context.Context, keys ...string) (int64, error) {
	count, err := r.client.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, errors.NewExternalError("redis", "failed to check key existence").WithCause(err)
	}
	return count, nil
}

// Expire sets a timeout on a key
func (r *RedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if err := r.client.Expire(ctx, key, expiration).Err(); err != nil {
		return errors.NewExternalError("redis", "failed to set Redis key expiration").WithCause(err)
	}
	return nil
}

// TTL returns the time to live of a key
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, errors.NewExternalError("redis", "failed to get Redis key TTL").WithCause(err)
	}
	return ttl, nil
}

// HSet sets hash fields
func (r *RedisClient) HSet(ctx context.Context, key string, values ...interface{}) error {
	if err := r.client.HSet(ctx, key, values...).Err(); err != nil {
		return errors.NewExternalError("redis", "failed to set Redis hash").WithCause(err)
	}
	return nil
}

// HGetAll gets all hash fields
func (r *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.NewExternalError("redis", "failed to get Redis hash").WithCause(err)
	}
	return val, nil
}

// InfoMap returns server INFO fields as a flat key-value map
func (r *RedisClient) InfoMap(ctx context.Context, sections ...string) (map[string]string, error) {
	raw, err := r.client.Info(ctx, sections...).Result()
	if err != nil {
		return nil, errors.NewExternalError("redis", "failed to read Redis info").WithCause(err)
	}
	return parseInfo(raw), nil
}

// parseInfo converts the INFO bulk-string reply into a map, dropping section headers
func parseInfo(raw string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		info[parts[0]] = parts[1]
	}
	return info
}
