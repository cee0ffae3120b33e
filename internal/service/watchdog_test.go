package service

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain/audit"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
)

func TestWatchdog_FlagsOncePerEpisode(t *testing.T) {
	store := newMockStore()
	old := time.Now().Add(-2 * time.Hour)
	stuck := store.seedTenant(&tenant.Tenant{Slug: "stuck", State: tenant.StateCreating, UpdatedAt: old})
	fresh := store.seedTenant(&tenant.Tenant{Slug: "fresh", State: tenant.StateDeleting, UpdatedAt: time.Now()})
	idle := store.seedTenant(&tenant.Tenant{Slug: "idle", State: tenant.StateActive, UpdatedAt: old})

	w := NewWatchdog(store, config.Watchdog{Threshold: time.Hour, Interval: time.Minute}, slog.Default())

	n, err := w.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if n != 1 {
		t.Fatalf("flagged = %d, want 1", n)
	}
	got := store.tenant(stuck.ID)
	if got.State != tenant.StateCreating {
		t.Fatalf("watchdog changed state to %s", got.State)
	}
	if !strings.HasPrefix(got.StateMessage, stuckMarker+"in CREATING since ") {
		t.Fatalf("state_message = %q", got.StateMessage)
	}
	if acts := store.actions(stuck.ID); !slices.Equal(acts, []audit.Action{audit.ActionWatchdogFlagged}) {
		t.Fatalf("audit actions = %v", acts)
	}
	for _, id := range []string{fresh.ID, idle.ID} {
		if acts := store.actions(id); len(acts) != 0 {
			t.Fatalf("tenant %s flagged: %v", id, acts)
		}
	}

	// Still stuck later on: the marker keeps it from being flagged again.
	w.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	n, err = w.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("second check flagged %d, want only the fresh tenant", n)
	}
	if acts := store.actions(stuck.ID); len(acts) != 1 {
		t.Fatalf("stuck tenant flagged twice: %v", acts)
	}
}

func TestWatchdog_RunStopsOnCancel(t *testing.T) {
	w := NewWatchdog(newMockStore(), config.Watchdog{Threshold: time.Hour, Interval: 5 * time.Millisecond}, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
