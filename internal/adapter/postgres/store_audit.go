package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/TenantForge/internal/domain/audit"
)

const auditColumns = `id, actor_id, action, resource_type, resource_id, old_values, new_values,
	metadata, ip_address, user_agent, created_at, prev_hash, payload_hash`

func scanAudit(row scannable) (audit.Entry, error) {
	var (
		e                   audit.Entry
		action, rt          string
		oldV, newV, metaRaw []byte
	)
	err := row.Scan(&e.ID, &e.ActorID, &action, &rt, &e.ResourceID, &oldV, &newV,
		&metaRaw, &e.IPAddress, &e.UserAgent, &e.CreatedAt, &e.PrevHash, &e.PayloadHash)
	if err != nil {
		return e, err
	}
	e.Action = audit.Action(action)
	e.ResourceType = audit.ResourceType(rt)
	e.OldValues = rawOrNil(oldV)
	e.NewValues = rawOrNil(newV)
	e.Metadata = rawOrNil(metaRaw)
	return e, nil
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// AppendAudit seals and stores e in its own transaction.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := s.appendAudit(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit: %w", err)
	}
	return nil
}

// appendAudit reads the chain head of e's resource under a transaction-scoped
// advisory lock, seals e against it and inserts it. q must be a transaction.
func (s *Store) appendAudit(ctx context.Context, q querier, e *audit.Entry) error {
	lockKey := string(e.ResourceType) + ":" + e.ResourceID
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return fmt.Errorf("lock audit chain %s: %w", lockKey, err)
	}

	var prev string
	err := q.QueryRow(ctx,
		`SELECT payload_hash FROM audit_log
		 WHERE resource_type = $1 AND resource_id = $2
		 ORDER BY seq DESC LIMIT 1`,
		string(e.ResourceType), e.ResourceID).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read audit chain head %s: %w", lockKey, err)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := audit.Seal(e, prev, s.now()); err != nil {
		return fmt.Errorf("seal audit entry: %w", err)
	}

	_, err = q.Exec(ctx,
		`INSERT INTO audit_log (id, actor_id, action, resource_type, resource_id, old_values,
			new_values, metadata, ip_address, user_agent, created_at, prev_hash, payload_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.ActorID, string(e.Action), string(e.ResourceType), e.ResourceID,
		nullJSON(e.OldValues), nullJSON(e.NewValues), nullJSON(e.Metadata),
		e.IPAddress, e.UserAgent, e.CreatedAt, e.PrevHash, e.PayloadHash)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) GetAudit(ctx context.Context, id string) (*audit.Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE id = $1`, id)
	e, err := scanAudit(row)
	if err != nil {
		return nil, notFoundWrap(err, "get audit entry %s", id)
	}
	return &e, nil
}

func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		args       []any
		conditions []string
	)
	argIdx := 1
	add := func(cond string, v any) {
		conditions = append(conditions, fmt.Sprintf(cond, argIdx))
		args = append(args, v)
		argIdx++
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", string(f.ResourceType))
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.IPAddress != "" {
		add("ip_address = $%d", f.IPAddress)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + auditColumns + ` FROM audit_log` + whereClause(conditions) +
		fmt.Sprintf(` ORDER BY seq DESC LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, limit, max(f.Offset, 0))

	return s.queryAudit(ctx, query, args...)
}

func (s *Store) AuditChain(ctx context.Context, rt audit.ResourceType, resourceID string) ([]audit.Entry, error) {
	return s.queryAudit(ctx,
		`SELECT `+auditColumns+` FROM audit_log
		 WHERE resource_type = $1 AND resource_id = $2
		 ORDER BY seq ASC`, string(rt), resourceID)
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]audit.Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
