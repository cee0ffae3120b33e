// Package cache defines the port interface for caching customer and plan
// lookups in front of the relational store.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. Get reports a miss with
// ok == false and a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
