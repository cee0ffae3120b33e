package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/backup"
)

// sweepBatch bounds how many expired records one sweep handles.
const sweepBatch = 1000

// Sweep deletes the objects of every completed backup past its expiry and
// marks the records deleted. Failures are logged and counted; they never stop
// the batch. The returned error is only set when the expired set could not be
// listed.
func (e *BackupEngine) Sweep(ctx context.Context) (backup.SweepResult, error) {
	var res backup.SweepResult
	now := e.now().UTC()

	expired, err := e.store.ListExpiredBackups(ctx, now, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("list expired backups: %w", err)
	}

	for i := range expired {
		rec := &expired[i]
		if err := ctx.Err(); err != nil {
			res.Failed += len(expired) - i
			e.log.Warn("retention sweep interrupted", "remaining", len(expired)-i, "error", err)
			break
		}
		if err := e.objects.Delete(ctx, rec.Key); err != nil {
			res.Failed++
			e.log.Error("retention: delete object", "backup_id", rec.ID, "key", rec.Key, "error", err)
			continue
		}
		if err := e.store.MarkBackupDeleted(ctx, rec.ID, now); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Another sweep got there first.
				continue
			}
			res.Failed++
			e.log.Error("retention: mark deleted", "backup_id", rec.ID, "error", err)
			continue
		}
		res.Deleted++
	}

	if e.metrics != nil {
		e.metrics.BackupsPruned.Add(ctx, int64(res.Deleted))
	}
	e.log.Info("retention sweep finished", "deleted", res.Deleted, "failed", res.Failed)
	return res, nil
}
