package backup

import (
	"testing"
	"time"
)

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 3, 7, 23, 15, 0, 0, time.UTC)
	id := "7d1c"
	if got := ObjectKey(&id, at, "filestore_20260307_231500.tar.gz"); got != "tenants/7d1c/2026/03/07/filestore_20260307_231500.tar.gz" {
		t.Errorf("tenant key = %q", got)
	}
	if got := ObjectKey(nil, at, "control_20260307_231500.sql.gz"); got != "backups/2026/03/07/control_20260307_231500.sql.gz" {
		t.Errorf("platform key = %q", got)
	}
}

func TestObjectKeyUsesUTC(t *testing.T) {
	// 01:00 in UTC+2 is still the previous day in UTC.
	at := time.Date(2026, 3, 8, 1, 0, 0, 0, time.FixedZone("EET", 2*3600))
	if got := ObjectKey(nil, at, "x"); got != "backups/2026/03/07/x" {
		t.Errorf("key = %q", got)
	}
}

func TestArtifactName(t *testing.T) {
	at := time.Date(2026, 10, 14, 8, 5, 9, 0, time.UTC)
	if got := ArtifactName(TypeDatabase, "tenant_acme_co", at); got != "tenant_acme_co_20261014_080509.sql.gz" {
		t.Errorf("database name = %q", got)
	}
	if got := ArtifactName(TypeFilestore, "/var/lib/odoo/filestore/acme-co", at); got != "filestore_20261014_080509.tar.gz" {
		t.Errorf("filestore name = %q", got)
	}
}

func TestRecordExpired(t *testing.T) {
	now := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Hour), now.Add(time.Hour)
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"completed past expiry", Record{Status: StatusCompleted, ExpiresAt: &past}, true},
		{"completed future expiry", Record{Status: StatusCompleted, ExpiresAt: &future}, false},
		{"already deleted", Record{Status: StatusDeleted, ExpiresAt: &past}, false},
		{"failed", Record{Status: StatusFailed, ExpiresAt: &past}, false},
		{"no expiry", Record{Status: StatusCompleted}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.Expired(now); got != tt.want {
				t.Fatalf("Expired = %v, want %v", got, tt.want)
			}
		})
	}
}
