package cache

import (
	"context"
	"log/slog"
	"time"

	cacheport "github.com/Strob0t/TenantForge/internal/port/cache"
)

// Tiered reads L1 then L2, backfilling L1 on an L2 hit. An L2 failure is
// logged and treated as a miss so lookups fall through to the store.
type Tiered struct {
	l1       cacheport.Cache
	l2       cacheport.Cache
	l1Expire time.Duration
	log      *slog.Logger
}

var _ cacheport.Cache = (*Tiered)(nil)

// NewTiered combines l1 and l2. l1Expire bounds how long backfilled entries live in L1.
func NewTiered(l1, l2 cacheport.Cache, l1Expire time.Duration, log *slog.Logger) *Tiered {
	if log == nil {
		log = slog.Default()
	}
	return &Tiered{l1: l1, l2: l2, l1Expire: l1Expire, log: log}
}

func (c *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if val, ok, err := c.l1.Get(ctx, key); err == nil && ok {
		return val, true, nil
	}

	val, ok, err := c.l2.Get(ctx, key)
	if err != nil {
		c.log.Warn("l2 cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	_ = c.l1.Set(ctx, key, val, c.l1Expire)
	return val, true, nil
}

func (c *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		c.log.Warn("l2 cache set failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes key from both levels. L2 errors are returned so callers
// invalidating after a write know other processes may still see the old value.
func (c *Tiered) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}
