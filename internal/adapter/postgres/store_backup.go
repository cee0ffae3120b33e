package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/TenantForge/internal/domain/backup"
)

const backupColumns = `id, tenant_id, type, status, source, bucket, key, size_bytes, checksum,
	encryption_key_ref, compression_level, started_at, completed_at, expires_at,
	deleted_at, error_message, retry_count`

func scanBackup(row scannable) (backup.Record, error) {
	var (
		r           backup.Record
		typ, status string
	)
	err := row.Scan(&r.ID, &r.TenantID, &typ, &status, &r.Source, &r.Bucket, &r.Key, &r.SizeBytes,
		&r.Checksum, &r.EncryptionKeyRef, &r.CompressionLevel, &r.StartedAt, &r.CompletedAt,
		&r.ExpiresAt, &r.DeletedAt, &r.ErrorMessage, &r.RetryCount)
	r.Type = backup.Type(typ)
	r.Status = backup.Status(status)
	return r, err
}

func (s *Store) CreateBackup(ctx context.Context, r *backup.Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = s.now().UTC()
	}
	if r.Status == "" {
		r.Status = backup.StatusPending
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO backups (id, tenant_id, type, status, source, bucket, key, encryption_key_ref,
			compression_level, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.TenantID, string(r.Type), string(r.Status), r.Source, r.Bucket, r.Key,
		r.EncryptionKeyRef, r.CompressionLevel, r.StartedAt)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}
	return nil
}

func (s *Store) UpdateBackup(ctx context.Context, r *backup.Record) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backups
		 SET status = $2, bucket = $3, key = $4, size_bytes = $5, checksum = $6,
		     encryption_key_ref = $7, completed_at = $8, expires_at = $9,
		     error_message = $10, retry_count = $11
		 WHERE id = $1`,
		r.ID, string(r.Status), r.Bucket, r.Key, r.SizeBytes, r.Checksum,
		r.EncryptionKeyRef, r.CompletedAt, r.ExpiresAt, r.ErrorMessage, r.RetryCount)
	return execExpectOne(tag, err, "update backup %s", r.ID)
}

func (s *Store) GetBackup(ctx context.Context, id string) (*backup.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = $1`, id)
	r, err := scanBackup(row)
	if err != nil {
		return nil, notFoundWrap(err, "get backup %s", id)
	}
	return &r, nil
}

func (s *Store) ListBackups(ctx context.Context, f backup.Filter) ([]backup.Record, error) {
	var (
		args       []any
		conditions []string
	)
	argIdx := 1
	if f.TenantID != "" {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argIdx))
		args = append(args, f.TenantID)
		argIdx++
	}
	if f.Type != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIdx))
		args = append(args, string(f.Type))
		argIdx++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(f.Status))
		argIdx++
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT ` + backupColumns + ` FROM backups` + whereClause(conditions) +
		fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, limit)
	return s.queryBackups(ctx, query, args...)
}

func (s *Store) ListExpiredBackups(ctx context.Context, now time.Time, limit int) ([]backup.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryBackups(ctx,
		`SELECT `+backupColumns+` FROM backups
		 WHERE status = $1 AND expires_at < $2
		 ORDER BY expires_at LIMIT $3`,
		string(backup.StatusCompleted), now, limit)
}

func (s *Store) MarkBackupDeleted(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backups SET status = $2, deleted_at = $3 WHERE id = $1 AND status = $4`,
		id, string(backup.StatusDeleted), at, string(backup.StatusCompleted))
	return execExpectOne(tag, err, "mark backup %s deleted", id)
}

func (s *Store) queryBackups(ctx context.Context, query string, args ...any) ([]backup.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var out []backup.Record
	for rows.Next() {
		r, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
