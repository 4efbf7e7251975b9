package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis probe cache.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Prefix is prepended to all probe keys
	Prefix string

	// TTL is how long probe results stay fresh
	TTL time.Duration

	// Timeout for Redis operations
	Timeout time.Duration

	// PoolSize is the maximum number of connections
	PoolSize int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:  address,
		Prefix:   "chemflow:probes:",
		TTL:      15 * time.Minute,
		Timeout:  5 * time.Second,
		PoolSize: 10,
	}
}

// RedisProbeCache stores probe results in Redis with a TTL so repeated
// validation runs within the window skip the network round trip.
type RedisProbeCache struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisProbeCache connects to Redis and verifies the connection.
func NewRedisProbeCache(cfg RedisConfig) (*RedisProbeCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisProbeCache{cfg: cfg, client: client}, nil
}

func (c *RedisProbeCache) key(datasetID string) string {
	return c.cfg.Prefix + datasetID
}

// Get returns a cached probe result if one is still fresh.
func (c *RedisProbeCache) Get(ctx context.Context, datasetID string) (*Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	data, err := c.client.Get(ctx, c.key(datasetID)).Bytes()
	if err != nil {
		return nil, false
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		c.client.Del(ctx, c.key(datasetID))
		return nil, false
	}
	return &res, true
}

// Put stores a probe result with the configured TTL. Write errors are
// discarded.
func (c *RedisProbeCache) Put(ctx context.Context, datasetID string, res *Result) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.client.Set(ctx, c.key(datasetID), data, c.cfg.TTL)
}

// Close releases the Redis connection pool.
func (c *RedisProbeCache) Close() error {
	return c.client.Close()
}
