package cache_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/TenantForge/internal/adapter/cache"
	"github.com/Strob0t/TenantForge/internal/adapter/nats"
)

// mapCache is an in-memory cache port used to observe tier behavior.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.data, key)
	return nil
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestTieredL1Hit(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	c := cache.NewTiered(l1, l2, time.Minute, quiet)
	l1.data["k"] = []byte("l1")
	l2.data["k"] = []byte("l2")

	val, ok, err := c.Get(context.Background(), "k")
	if err != nil || !ok || string(val) != "l1" {
		t.Fatalf("Get = %q, %v, %v; want l1 hit", val, ok, err)
	}
}

func TestTieredL2HitBackfills(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	c := cache.NewTiered(l1, l2, time.Minute, quiet)
	l2.data["k"] = []byte("v")

	val, ok, err := c.Get(context.Background(), "k")
	if err != nil || !ok || string(val) != "v" {
		t.Fatalf("Get = %q, %v, %v", val, ok, err)
	}
	if string(l1.data["k"]) != "v" {
		t.Fatal("expected L1 backfill")
	}
}

func TestTieredL2FailureIsMiss(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	l2.err = errors.New("nats: timeout")
	c := cache.NewTiered(l1, l2, time.Minute, quiet)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("Get = %v, %v; want silent miss", ok, err)
	}
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set should tolerate L2 failure: %v", err)
	}
	if string(l1.data["k"]) != "v" {
		t.Fatal("L1 should still be written")
	}
	if err := c.Delete(ctx, "k"); err == nil {
		t.Fatal("Delete should surface L2 failure")
	}
}

func TestMemory(t *testing.T) {
	m, err := cache.NewMemory(1)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "plan:basic", []byte(`{"id":"basic"}`), time.Minute); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := m.Get(ctx, "plan:basic"); !ok || string(v) != `{"id":"basic"}` {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	_ = m.Delete(ctx, "plan:basic")
	if _, ok, _ := m.Get(ctx, "plan:basic"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestKVIntegration(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	ctx := context.Background()
	conn, err := nats.Connect(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	bucket := "test-cache-kv"
	kv, err := conn.KeyValue(ctx, bucket, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.JetStream().DeleteKeyValue(context.Background(), bucket) })

	c := cache.NewKV(kv)
	if _, ok, err := c.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get missing = %v, %v", ok, err)
	}
	if err := c.Set(ctx, "customer.c1", []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := c.Get(ctx, "customer.c1"); !ok || string(v) != "x" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	if err := c.Delete(ctx, "customer.c1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, "never-set"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}
