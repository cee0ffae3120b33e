// Package tenantlock defines the port for serializing jobs per tenant.
package tenantlock

import "context"

// Locker grants at most one holder per tenant across all workers.
type Locker interface {
	// TryLock takes the lock on tenantID without waiting. ok is false when
	// another holder has it. unlock must be called exactly once when ok.
	TryLock(ctx context.Context, tenantID string) (unlock func(), ok bool, err error)
}
