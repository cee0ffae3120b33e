package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/audit"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
)

const tenantColumns = `id, slug, name, customer_id, plan_id, state, state_message,
	db_host, db_port, db_name, filestore_path, current_users, db_size_bytes,
	filestore_size_bytes, custom_domain, installed_modules, config,
	created_at, updated_at, suspended_at, last_backup_at`

func scanTenant(row scannable) (tenant.Tenant, error) {
	var (
		t      tenant.Tenant
		state  string
		config []byte
	)
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.CustomerID, &t.PlanID, &state, &t.StateMessage,
		&t.DBHost, &t.DBPort, &t.DBName, &t.FilestorePath, &t.CurrentUsers, &t.DBSizeBytes,
		&t.FilestoreSizeBytes, &t.CustomDomain, &t.InstalledModules, &config,
		&t.CreatedAt, &t.UpdatedAt, &t.SuspendedAt, &t.LastBackupAt)
	if err != nil {
		return t, err
	}
	if t.State, err = tenant.ParseState(state); err != nil {
		return t, err
	}
	if len(config) > 0 {
		t.Config = json.RawMessage(config)
	}
	return t, nil
}

// CreateTenant inserts t in state CREATING together with its audit entry. The
// customer row is locked so concurrent creates for one customer see each
// other's rows when counting against limit.
func (s *Store) CreateTenant(ctx context.Context, t *tenant.Tenant, limit int, entry *audit.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var active bool
	err = tx.QueryRow(ctx, `SELECT active FROM customers WHERE id = $1 FOR UPDATE`, t.CustomerID).Scan(&active)
	if err != nil {
		return notFoundWrap(err, "lock customer %s", t.CustomerID)
	}
	if !active {
		return &domain.ConflictError{Op: string(tenant.OpCreate), Reason: "customer is not active"}
	}

	if limit > 0 {
		var count int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM tenants WHERE customer_id = $1 AND state <> $2`,
			t.CustomerID, string(tenant.StateDeleted)).Scan(&count)
		if err != nil {
			return fmt.Errorf("count tenants: %w", err)
		}
		if count >= limit {
			return &domain.TenantLimitError{Limit: limit}
		}
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.State == "" {
		t.State = tenant.StateCreating
	}
	config := t.Config
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO tenants (id, slug, name, customer_id, plan_id, state, state_message,
			db_host, db_port, db_name, filestore_path, custom_domain, installed_modules, config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING created_at, updated_at`,
		t.ID, t.Slug, t.Name, t.CustomerID, t.PlanID, string(t.State), t.StateMessage,
		t.DBHost, t.DBPort, t.DBName, t.FilestorePath, t.CustomDomain,
		pgTextArray(t.InstalledModules), string(config),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Op: string(tenant.OpCreate), Reason: fmt.Sprintf("slug %q or database %q already in use", t.Slug, t.DBName)}
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("insert tenant: plan %s: %w", t.PlanID, domain.ErrNotFound)
		}
		return fmt.Errorf("insert tenant: %w", err)
	}

	if entry != nil {
		if entry.ResourceID == "" {
			entry.ResourceID = t.ID
		}
		if len(entry.NewValues) == 0 {
			if entry.NewValues, err = json.Marshal(t.Snapshot()); err != nil {
				return fmt.Errorf("marshal tenant snapshot: %w", err)
			}
		}
		if err := s.appendAudit(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tenant: %w", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if err != nil {
		return nil, notFoundWrap(err, "get tenant %s", id)
	}
	return &t, nil
}

func (s *Store) ListTenants(ctx context.Context, f tenant.ListFilter) ([]tenant.Tenant, error) {
	var (
		args       []any
		conditions []string
	)
	argIdx := 1
	if f.CustomerID != "" {
		conditions = append(conditions, fmt.Sprintf("customer_id = $%d", argIdx))
		args = append(args, f.CustomerID)
		argIdx++
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		conditions = append(conditions, fmt.Sprintf("state = ANY($%d)", argIdx))
		args = append(args, states)
		argIdx++
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + tenantColumns + ` FROM tenants` + whereClause(conditions) +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, limit, max(f.Offset, 0))

	return s.queryTenants(ctx, query, args...)
}

// TransitionTenant locks the tenant row, applies tr and appends entry in one
// transaction. Nothing is written when the precondition fails.
func (s *Store) TransitionTenant(ctx context.Context, tr *tenant.Transition, entry *audit.Entry) (*tenant.Tenant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1 FOR UPDATE`, tr.TenantID)
	t, err := scanTenant(row)
	if err != nil {
		return nil, notFoundWrap(err, "lock tenant %s", tr.TenantID)
	}

	before, err := json.Marshal(t.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("marshal tenant snapshot: %w", err)
	}
	if err := tenant.Apply(&t, tr, s.now().UTC()); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE tenants
		 SET state = $2, state_message = $3, suspended_at = $4, last_backup_at = $5,
		     installed_modules = $6, updated_at = $7
		 WHERE id = $1`,
		t.ID, string(t.State), t.StateMessage, t.SuspendedAt, t.LastBackupAt,
		pgTextArray(t.InstalledModules), t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update tenant %s: %w", t.ID, err)
	}

	if entry != nil {
		if entry.ResourceID == "" {
			entry.ResourceID = t.ID
		}
		if len(entry.OldValues) == 0 {
			entry.OldValues = before
		}
		if len(entry.NewValues) == 0 {
			if entry.NewValues, err = json.Marshal(t.Snapshot()); err != nil {
				return nil, fmt.Errorf("marshal tenant snapshot: %w", err)
			}
		}
		if err := s.appendAudit(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return &t, nil
}

func (s *Store) ListStuckTenants(ctx context.Context, states []tenant.State, olderThan time.Time) ([]tenant.Tenant, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	return s.queryTenants(ctx,
		`SELECT `+tenantColumns+` FROM tenants
		 WHERE state = ANY($1) AND updated_at < $2
		 ORDER BY updated_at`, names, olderThan)
}

func (s *Store) queryTenants(ctx context.Context, query string, args ...any) ([]tenant.Tenant, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
