package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tfotel "github.com/Strob0t/TenantForge/internal/adapter/otel"
	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain/audit"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/database"
)

// stuckMarker prefixes the state_message the watchdog writes. A tenant whose
// message already carries it is not flagged again until a handler clears it.
const stuckMarker = "Stuck: "

// Watchdog flags tenants that sat in a transient state longer than the
// configured threshold. It never changes state; it only makes the episode
// visible to operators.
type Watchdog struct {
	store   database.TenantRepository
	cfg     config.Watchdog
	metrics *tfotel.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// NewWatchdog creates a Watchdog.
func NewWatchdog(store database.TenantRepository, cfg config.Watchdog, log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	return &Watchdog{store: store, cfg: cfg, log: log, now: time.Now}
}

// SetMetrics enables the stuck-tenant counter.
func (w *Watchdog) SetMetrics(m *tfotel.Metrics) { w.metrics = m }

// Run calls Check every cfg.Interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()
	for {
		if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("watchdog check", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Check flags every newly stuck tenant and returns how many it flagged.
func (w *Watchdog) Check(ctx context.Context) (int, error) {
	now := w.now().UTC()
	stuck, err := w.store.ListStuckTenants(ctx, tenant.TransientStates, now.Add(-w.cfg.Threshold))
	if err != nil {
		return 0, fmt.Errorf("list stuck tenants: %w", err)
	}

	flagged := 0
	for i := range stuck {
		t := &stuck[i]
		if strings.HasPrefix(t.StateMessage, stuckMarker) {
			continue
		}
		since := now.Sub(t.UpdatedAt).Truncate(time.Second)
		w.log.Warn("tenant stuck in transient state", "tenant_id", t.ID, "state", t.State, "since", t.UpdatedAt, "age", since)

		msg := fmt.Sprintf("%sin %s since %s", stuckMarker, t.State, t.UpdatedAt.UTC().Format(time.RFC3339))
		entry, err := audit.NewEntry(audit.System, audit.ActionWatchdogFlagged, audit.ResourceTenant, t.ID, nil, nil, map[string]any{
			"state":       t.State,
			"age_seconds": int64(since.Seconds()),
		})
		if err != nil {
			return flagged, err
		}
		_, err = w.store.TransitionTenant(ctx, &tenant.Transition{
			TenantID: t.ID,
			Op:       tenant.OpFlagStuck,
			From:     []tenant.State{t.State},
			Message:  &msg,
		}, entry)
		if err != nil {
			// The job may have finished since the listing.
			w.log.Info("watchdog flag skipped", "tenant_id", t.ID, "error", err)
			continue
		}
		flagged++
	}
	if flagged > 0 && w.metrics != nil {
		w.metrics.StuckTenants.Add(ctx, int64(flagged))
	}
	return flagged, nil
}
