// Package backup defines backup records and the deterministic object keys
// artifacts are stored under.
package backup

import (
	"fmt"
	"path"
	"time"
)

// Type is what a backup artifact contains.
type Type string

const (
	TypeDatabase  Type = "database"
	TypeFilestore Type = "filestore"
)

// Valid reports whether t is a known backup type.
func (t Type) Valid() bool { return t == TypeDatabase || t == TypeFilestore }

// Status is the lifecycle of a backup record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

// Record describes one backup artifact in object storage.
type Record struct {
	ID               string     `json:"id"`
	TenantID         *string    `json:"tenant_id,omitempty"` // nil for platform-level backups
	Type             Type       `json:"type"`
	Status           Status     `json:"status"`
	Source           string     `json:"source"` // database name or filestore path
	Bucket           string     `json:"bucket"`
	Key              string     `json:"key"`
	SizeBytes        int64      `json:"size_bytes"`
	Checksum         string     `json:"checksum,omitempty"` // hex SHA-256 of the compressed artifact
	EncryptionKeyRef string     `json:"encryption_key_ref,omitempty"`
	CompressionLevel int        `json:"compression_level"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	RetryCount       int        `json:"retry_count"`
}

// Expired reports whether the retention sweep should delete r at now.
func (r *Record) Expired(now time.Time) bool {
	return r.Status == StatusCompleted && r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// ObjectKey returns the storage key for an artifact created at t:
// tenants/<id>/YYYY/MM/DD/<name> for tenant backups, backups/YYYY/MM/DD/<name>
// for platform backups.
func ObjectKey(tenantID *string, t time.Time, name string) string {
	prefix := "backups"
	if tenantID != nil {
		prefix = path.Join("tenants", *tenantID)
	}
	t = t.UTC()
	return path.Join(prefix, t.Format("2006"), t.Format("01"), t.Format("02"), name)
}

// ArtifactName names the compressed artifact for a source at t.
func ArtifactName(typ Type, source string, t time.Time) string {
	stamp := t.UTC().Format("20060102_150405")
	if typ == TypeFilestore {
		return fmt.Sprintf("filestore_%s.tar.gz", stamp)
	}
	return fmt.Sprintf("%s_%s.sql.gz", source, stamp)
}

// Filter narrows backup listings.
type Filter struct {
	TenantID string
	Type     Type
	Status   Status
	Limit    int
}

// SweepResult summarizes one retention sweep.
type SweepResult struct {
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}
