// Package cache implements the cache port as an in-process ristretto L1, a
// NATS KV L2 and a tiered combination of both.
package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	cacheport "github.com/Strob0t/TenantForge/internal/port/cache"
)

// Memory is an in-process cache bounded by the total size of its values.
type Memory struct {
	c *ristretto.Cache[string, []byte]
}

var _ cacheport.Cache = (*Memory)(nil)

// NewMemory creates a ristretto-backed cache holding at most maxMB megabytes.
func NewMemory(maxMB int64) (*Memory, error) {
	if maxMB <= 0 {
		maxMB = 1
	}
	maxCost := maxMB << 20
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCost / 100 * 10, // ~10x expected items
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Memory{c: c}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := m.c.Get(key)
	return val, found, nil
}

// Set stores value and waits for the write buffer to drain so a following
// Get observes it.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.SetWithTTL(key, value, int64(len(value)), ttl)
	m.c.Wait()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.c.Del(key)
	return nil
}

// Close releases the cache's goroutines.
func (m *Memory) Close() { m.c.Close() }
