// Package reportcache keeps recently built reports in memory so repeated
// reporting calls do not re-read the statistics views.
package reportcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/guillermoBallester/pgtuner/internal/core/port"
)

// Cache stores JSON-encoded reports for a fixed TTL.
type Cache struct {
	bc   *bigcache.BigCache
	inst port.Instrumentation
}

// New creates a cache whose entries expire after ttl.
func New(ctx context.Context, ttl time.Duration, inst port.Instrumentation) (*Cache, error) {
	if inst == nil {
		inst = port.NoopInstrumentation{}
	}
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 16
	cfg.CleanWindow = ttl
	cfg.MaxEntriesInWindow = 256
	cfg.MaxEntrySize = 64 << 10
	cfg.HardMaxCacheSize = 64 // MB
	cfg.Verbose = false

	bc, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating report cache: %w", err)
	}
	return &Cache{bc: bc, inst: inst}, nil
}

// Get decodes the entry for key into dst and reports whether it was found.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	b, err := c.bc.Get(key)
	if err == nil {
		err = json.Unmarshal(b, dst)
	}
	hit := err == nil
	c.inst.IncrementCache(ctx, hit)
	return hit
}

// Set stores v under key. Encoding failures leave the cache unchanged.
func (c *Cache) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return c.bc.Set(key, b)
}

// Invalidate drops every entry.
func (c *Cache) Invalidate() error {
	return c.bc.Reset()
}

func (c *Cache) Close() error {
	return c.bc.Close()
}

// Load returns the cached value for key or calls load and caches its result.
// A nil cache always calls load.
func Load[T any](ctx context.Context, c *Cache, key string, load func(context.Context) (T, error)) (T, error) {
	if c != nil {
		var cached T
		if c.Get(ctx, key, &cached) {
			return cached, nil
		}
	}
	v, err := load(ctx)
	if err != nil || c == nil {
		return v, err
	}
	// Reports larger than an entry are served uncached.
	_ = c.Set(key, v)
	return v, nil
}
