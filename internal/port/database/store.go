// Package database defines the repository ports for tenant, audit, backup and
// customer records.
package database

import (
	"context"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain/audit"
	"github.com/Strob0t/TenantForge/internal/domain/backup"
	"github.com/Strob0t/TenantForge/internal/domain/customer"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
)

// TenantRepository persists tenants. Every method that changes a tenant also
// appends the given audit entry in the same transaction. When the entry has no
// old/new values they are filled with the tenant snapshots before sealing.
type TenantRepository interface {
	// CreateTenant inserts t unless the customer already owns limit non-deleted
	// tenants (limit 0 means unlimited). Duplicate slug or db name is a conflict.
	CreateTenant(ctx context.Context, t *tenant.Tenant, limit int, entry *audit.Entry) error
	GetTenant(ctx context.Context, id string) (*tenant.Tenant, error)
	ListTenants(ctx context.Context, f tenant.ListFilter) ([]tenant.Tenant, error)
	// TransitionTenant applies tr under a row lock and returns the updated
	// tenant. A failed precondition returns a *domain.ConflictError and writes
	// nothing. entry may be nil for writes that need no audit record.
	TransitionTenant(ctx context.Context, tr *tenant.Transition, entry *audit.Entry) (*tenant.Tenant, error)
	// ListStuckTenants returns tenants in one of states last updated before olderThan.
	ListStuckTenants(ctx context.Context, states []tenant.State, olderThan time.Time) ([]tenant.Tenant, error)
}

// AuditRepository is the append-only audit ledger.
type AuditRepository interface {
	// AppendAudit seals e against the current chain head of its resource and stores it.
	AppendAudit(ctx context.Context, e *audit.Entry) error
	GetAudit(ctx context.Context, id string) (*audit.Entry, error)
	QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
	// AuditChain returns every entry for one resource, oldest first.
	AuditChain(ctx context.Context, rt audit.ResourceType, resourceID string) ([]audit.Entry, error)
}

// BackupRepository persists backup records.
type BackupRepository interface {
	CreateBackup(ctx context.Context, r *backup.Record) error
	// UpdateBackup writes status, size, checksum, timestamps and error of r.
	UpdateBackup(ctx context.Context, r *backup.Record) error
	GetBackup(ctx context.Context, id string) (*backup.Record, error)
	ListBackups(ctx context.Context, f backup.Filter) ([]backup.Record, error)
	// ListExpiredBackups returns completed records whose expires_at is before now.
	ListExpiredBackups(ctx context.Context, now time.Time, limit int) ([]backup.Record, error)
	// MarkBackupDeleted flips a completed record to deleted. It returns
	// domain.ErrNotFound when no completed record with that id exists.
	MarkBackupDeleted(ctx context.Context, id string, at time.Time) error
}

// CustomerRepository reads the customers and plans owned by the billing side.
type CustomerRepository interface {
	GetCustomer(ctx context.Context, id string) (*customer.Customer, error)
	GetPlan(ctx context.Context, id string) (*customer.Plan, error)
}

// Store bundles every repository.
type Store interface {
	TenantRepository
	AuditRepository
	BackupRepository
	CustomerRepository
}
