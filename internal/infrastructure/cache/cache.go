package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/creditx/platform-core/internal/resilience"
)

// Commands is the subset of redis commands the cache client uses.
// Satisfied by *redis.Client.
type Commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Config holds cache client settings.
type Config struct {
	Addr                string
	DB                  int
	KeyPrefix           string
	PoolSize            int
	DialTimeout         time.Duration
	BreakerFailMax      int
	BreakerResetTimeout time.Duration
	StampedeLockTimeout time.Duration
}

// Health is the readiness-probe view of the cache.
type Health struct {
	Status       string                  `json:"status"`
	Latency      time.Duration           `json:"latency"`
	BreakerState resilience.BreakerState `json:"breakerState"`
	Metrics      Snapshot                `json:"metrics"`
	Error        string                  `json:"error,omitempty"`
}

// Client wraps a pooled key-value store connection behind one named circuit
// breaker. When the breaker is open, Get degrades to a miss and Set/Delete to
// a false return so callers fall back to the source of truth.
type Client struct {
	cfg     Config
	rdb     Commands
	breaker *resilience.Breaker
	metrics *Metrics
	logger  zerolog.Logger

	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

// New creates an unconnected cache client.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 50
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.StampedeLockTimeout <= 0 {
		cfg.StampedeLockTimeout = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		breaker: resilience.NewBreaker("cache", cfg.BreakerFailMax, cfg.BreakerResetTimeout),
		metrics: &Metrics{},
		logger:  logger.With().Str("service", "cache").Logger(),
		locks:   make(map[string]chan struct{}),
	}
}

// Connect establishes the connection pool and verifies reachability.
func (c *Client) Connect(ctx context.Context) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:         c.cfg.Addr,
		DB:           c.cfg.DB,
		PoolSize:     c.cfg.PoolSize,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.DialTimeout,
		WriteTimeout: c.cfg.DialTimeout,
	})
	err := resilience.Retry(ctx, resilience.DefaultRetryPolicy(), func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		return fmt.Errorf("cache connect: %w", err)
	}
	c.rdb = rdb
	c.logger.Info().Str("addr", c.cfg.Addr).Int("db", c.cfg.DB).Msg("connected to cache")
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if closer, ok := c.rdb.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Metrics exposes the client's counters.
func (c *Client) Metrics() Snapshot { return c.metrics.Snapshot() }

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() resilience.BreakerState { return c.breaker.State() }

func (c *Client) key(key string) string {
	if c.cfg.KeyPrefix == "" {
		return key
	}
	return c.cfg.KeyPrefix + key
}

// Get returns the cached value and whether it was present. Breaker-open and
// transport errors both read as misses; callers degrade to the source of truth.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	var raw []byte
	var found bool
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		val, err := c.rdb.Get(ctx, c.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			// A miss is a healthy round trip, not a backend failure.
			return nil
		}
		if err != nil {
			return err
		}
		raw = val
		found = true
		return nil
	})
	latency := time.Since(start)

	switch {
	case err == nil && found:
		c.metrics.recordHit(latency)
		return raw, true
	case err == nil:
		c.metrics.recordMiss(latency)
		return nil, false
	case errors.Is(err, resilience.ErrCircuitOpen):
		c.metrics.recordError()
		c.logger.Warn().Str("key", key).Msg("cache breaker open on GET")
		return nil, false
	default:
		c.metrics.recordError()
		c.logger.Warn().Err(err).Str("key", key).Msg("cache GET failed")
		return nil, false
	}
}

// Set stores a value with the given TTL, reporting success.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, c.key(key), value, ttl).Err()
	})
	if err != nil {
		c.metrics.recordError()
		if errors.Is(err, resilience.ErrCircuitOpen) {
			c.logger.Warn().Str("key", key).Msg("cache breaker open on SET")
		} else {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache SET failed")
		}
		return false
	}
	return true
}

// Delete removes a key, reporting success.
func (c *Client) Delete(ctx context.Context, key string) bool {
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, c.key(key)).Err()
	})
	if err != nil {
		c.metrics.recordError()
		c.logger.Warn().Err(err).Str("key", key).Msg("cache DEL failed")
		return false
	}
	return true
}

// DeletePattern removes all keys matching pattern via SCAN. Use sparingly.
func (c *Client) DeletePattern(ctx context.Context, pattern string) int {
	deleted := 0
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.key(pattern), 100).Result()
		if err != nil {
			c.logger.Warn().Err(err).Str("pattern", pattern).Msg("cache SCAN failed")
			return deleted
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				c.logger.Warn().Err(err).Str("pattern", pattern).Msg("cache DEL failed")
				return deleted
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted
		}
	}
}

// GetAside implements cache-aside with stampede protection: on miss, a per-key
// in-process lock lets one caller run fetch while others wait for the cached
// result. A caller that cannot take the lock within the configured timeout
// falls through and fetches itself; duplicate work beats unbounded blocking.
func (c *Client) GetAside(ctx context.Context, key string, fetch func(ctx context.Context) ([]byte, error), ttl time.Duration) ([]byte, error) {
	if val, ok := c.Get(ctx, key); ok {
		return val, nil
	}

	release, acquired := c.acquireKeyLock(ctx, key)
	if !acquired {
		c.logger.Warn().Str("key", key).Msg("stampede lock timeout; fetching directly")
		return fetch(ctx)
	}
	defer release()

	// A concurrent fetcher may have filled the key while we waited.
	if val, ok := c.Get(ctx, key); ok {
		return val, nil
	}

	val, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(ctx, key, val, ttl)
	return val, nil
}

func (c *Client) acquireKeyLock(ctx context.Context, key string) (func(), bool) {
	c.lockMu.Lock()
	ch, ok := c.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		c.locks[key] = ch
	}
	c.lockMu.Unlock()

	timer := time.NewTimer(c.cfg.StampedeLockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// HealthCheck issues a ping and reports latency, breaker state, and metrics.
func (c *Client) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return Health{
			Status:       "unhealthy",
			BreakerState: c.breaker.State(),
			Metrics:      c.metrics.Snapshot(),
			Error:        err.Error(),
		}
	}
	return Health{
		Status:       "healthy",
		Latency:      time.Since(start),
		BreakerState: c.breaker.State(),
		Metrics:      c.metrics.Snapshot(),
	}
}
