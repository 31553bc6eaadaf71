// Package cache implements the shared response cache (C3): a thin adapter
// over an external KV store, grounded on
// original_source/node/src/cache.rs (CacheClient/CacheControl) and wired to
// github.com/redis/go-redis/v9 as the direct Go analogue of the Rust redis
// crate that file imports (see DESIGN.md for the out-of-pack justification).
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Stats mirrors CacheStats from cache.rs, parsed from the backend's INFO
// reply.
type Stats struct {
	MemoryUsed     uint64
	TotalCommands  uint64
	Hits           uint64
	Misses         uint64
}

// HitRate returns the percentage of lookups served from cache.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return (float64(s.Hits) / float64(total)) * 100
}

// Client is a bounded-concurrency connection manager to the external KV
// store. Reads fail open (errors logged and swallowed as a miss); writes
// surface errors to the caller.
type Client struct {
	rdb        *redis.Client
	defaultTTL time.Duration
	log        *logrus.Entry
}

// New constructs a Client against redisURL (e.g. "redis://127.0.0.1:6379/0")
// with defaultTTL applied when Set is called without an explicit ttl.
func New(redisURL string, defaultTTL time.Duration, log *logrus.Entry) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		rdb:        redis.NewClient(opts),
		defaultTTL: defaultTTL,
		log:        log,
	}, nil
}

// Get returns the cached value, or (nil, false) on miss or error. Backend
// errors are logged at warn and treated as a miss (fail-open for reads).
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool) {
	v, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).WithField("key", key).Warn("cache GET error")
		}
		return nil, false
	}
	return v, true
}

// Set stores value under key with ttl, or the client's default TTL when ttl
// is zero.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Error("cache SET error")
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present; errors resolve to false.
func (c *Client) Exists(ctx context.Context, key string) bool {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return nil
}

// GetStats parses the backend's INFO reply into Stats.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	info, err := c.rdb.Info(ctx).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("cache: info: %w", err)
	}
	var s Stats
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "used_memory:"):
			s.MemoryUsed = parseUintField(line)
		case strings.HasPrefix(line, "total_commands_processed:"):
			s.TotalCommands = parseUintField(line)
		case strings.HasPrefix(line, "keyspace_hits:"):
			s.Hits = parseUintField(line)
		case strings.HasPrefix(line, "keyspace_misses:"):
			s.Misses = parseUintField(line)
		}
	}
	return s, nil
}

func parseUintField(line string) uint64 {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return 0
	}
	n, _ := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	return n
}

// FlushAll empties the backend, intended for test setup only.
func (c *Client) FlushAll(ctx context.Context) error {
	return c.rdb.FlushAll(ctx).Err()
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key builds the cache key for an HTTP request, following the
// "aegis:cache:{METHOD}:{uri-with-query}" convention.
func Key(method, uri string) string {
	return fmt.Sprintf("aegis:cache:%s:%s", method, uri)
}
