package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain/customer"
	"github.com/Strob0t/TenantForge/internal/port/cache"
	"github.com/Strob0t/TenantForge/internal/port/database"
)

// Catalog serves customer and plan lookups through a cache. Both are owned by
// the billing side and change rarely.
type Catalog struct {
	store database.CustomerRepository
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger
}

// NewCatalog creates a Catalog. A nil cache reads straight from the store.
func NewCatalog(store database.CustomerRepository, c cache.Cache, ttl time.Duration, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{store: store, cache: c, ttl: ttl, log: log}
}

// Customer returns the customer with id.
func (c *Catalog) Customer(ctx context.Context, id string) (*customer.Customer, error) {
	return cached(ctx, c, "customer."+id, func() (*customer.Customer, error) {
		return c.store.GetCustomer(ctx, id)
	})
}

// Plan returns the plan with id.
func (c *Catalog) Plan(ctx context.Context, id string) (*customer.Plan, error) {
	return cached(ctx, c, "plan."+id, func() (*customer.Plan, error) {
		return c.store.GetPlan(ctx, id)
	})
}

// Invalidate drops the cached customer and plan entries for the given ids.
func (c *Catalog) Invalidate(ctx context.Context, customerID, planID string) {
	if c.cache == nil {
		return
	}
	for _, key := range []string{"customer." + customerID, "plan." + planID} {
		if err := c.cache.Delete(ctx, key); err != nil {
			c.log.Warn("catalog invalidate", "key", key, "error", err)
		}
	}
}

func cached[T any](ctx context.Context, c *Catalog, key string, load func() (*T, error)) (*T, error) {
	if c.cache != nil {
		if data, ok, err := c.cache.Get(ctx, key); err == nil && ok {
			var v T
			if err := json.Unmarshal(data, &v); err == nil {
				return &v, nil
			}
		}
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		if data, err := json.Marshal(v); err == nil {
			if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
				c.log.Warn("catalog cache set", "key", key, "error", err)
			}
		}
	}
	return v, nil
}
