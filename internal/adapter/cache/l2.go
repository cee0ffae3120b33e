package cache

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	cacheport "github.com/Strob0t/TenantForge/internal/port/cache"
)

// KV is a cache shared by every process attached to the same NATS KV bucket.
// Entries expire at the bucket TTL; the per-call ttl is ignored.
type KV struct {
	kv jetstream.KeyValue
}

var _ cacheport.Cache = (*KV)(nil)

// NewKV wraps an existing bucket.
func NewKV(kv jetstream.KeyValue) *KV { return &KV{kv: kv} }

func (c *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (c *KV) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, key, value)
	return err
}

func (c *KV) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
