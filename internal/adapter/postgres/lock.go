package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/TenantForge/internal/port/tenantlock"
)

// tenantLockClass namespaces tenant locks in the two-key advisory lock space.
const tenantLockClass = 7301

const unlockTimeout = 5 * time.Second

// Locker implements tenantlock.Locker with session advisory locks. Each held
// lock pins one pooled connection, so the lock is released by the server if
// the worker dies.
type Locker struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ tenantlock.Locker = (*Locker)(nil)

// NewLocker creates a Locker on pool.
func NewLocker(pool *pgxpool.Pool, log *slog.Logger) *Locker {
	if log == nil {
		log = slog.Default()
	}
	return &Locker{pool: pool, log: log}
}

// TryLock implements tenantlock.Locker.
func (l *Locker) TryLock(ctx context.Context, tenantID string) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}
	var ok bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, hashtext($2))`, tenantLockClass, tenantID).Scan(&ok)
	if err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("lock tenant %s: %w", tenantID, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
		defer cancel()
		if _, err := conn.Exec(uctx, `SELECT pg_advisory_unlock($1, hashtext($2))`, tenantLockClass, tenantID); err != nil {
			// A closed session drops its advisory locks.
			l.log.Warn("unlock tenant failed, closing connection", "tenant_id", tenantID, "error", err)
			_ = conn.Conn().Close(uctx)
		}
		conn.Release()
	}, true, nil
}
