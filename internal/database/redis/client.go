// Package redis keeps the live miner state in Redis: per-pool and global
// status hashes for the UI layer and share counters written by sharelogd.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the miner
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Prefix namespaces every key, for example "gominer:"
	Prefix string
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb, prefix: cfg.Prefix}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key returns name with the client prefix
func (c *Client) Key(name string) string {
	return c.prefix + name
}

// Status hashes

// SetHash replaces the fields of a hash and refreshes its expiration.
// A zero ttl keeps the hash forever.
func (c *Client) SetHash(ctx context.Context, name string, fields map[string]any, ttl time.Duration) error {
	key := c.Key(name)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hash %s: %w", key, err)
	}
	return nil
}

// GetHash returns every field of a hash. A missing hash yields an empty map.
func (c *Client) GetHash(ctx context.Context, name string) (map[string]string, error) {
	key := c.Key(name)
	vals, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get hash %s: %w", key, err)
	}
	return vals, nil
}

// SetMembers replaces a set, used for the list of known pool keys
func (c *Client) SetMembers(ctx context.Context, name string, members []string, ttl time.Duration) error {
	key := c.Key(name)
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		vals := make([]any, len(members))
		for i, m := range members {
			vals[i] = m
		}
		pipe.SAdd(ctx, key, vals...)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set members %s: %w", key, err)
	}
	return nil
}

// Statistics and counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, name string, expiration time.Duration) (int64, error) {
	key := c.Key(name)
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// IncrementHashField bumps one field of a counter hash, for example the
// per-disposition share totals of a pool
func (c *Client) IncrementHashField(ctx context.Context, name, field string, by int64) (int64, error) {
	v, err := c.rdb.HIncrBy(ctx, c.Key(name), field, by).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s.%s: %w", name, field, err)
	}
	return v, nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, name string) (int64, error) {
	val, err := c.rdb.Get(ctx, c.Key(name)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// SetHashrate appends a hashrate sample to a sliding window sorted set
func (c *Client) SetHashrate(ctx context.Context, name string, hashrate float64, at time.Time, window time.Duration) error {
	key := c.Key("hashrate:" + name)
	timestamp := at.Unix()

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(timestamp),
		Member: strconv.FormatInt(timestamp, 10) + ":" + strconv.FormatFloat(hashrate, 'f', -1, 64),
	})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(timestamp-int64(window.Seconds()), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}

	return nil
}
