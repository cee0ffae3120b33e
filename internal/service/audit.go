package service

import (
	"context"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/audit"
	"github.com/Strob0t/TenantForge/internal/port/database"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// ChainReport is the result of verifying one resource's audit chain.
type ChainReport struct {
	ResourceType audit.ResourceType `json:"resource_type"`
	ResourceID   string             `json:"resource_id"`
	Entries      int                `json:"entries"`
	Valid        bool               `json:"valid"`
	BrokenAt     int                `json:"broken_at"` // index of the first bad entry, -1 when valid
	BrokenID     string             `json:"broken_id,omitempty"`
}

// AuditService reads and verifies the audit ledger.
type AuditService struct {
	store database.AuditRepository
}

// NewAuditService creates an AuditService.
func NewAuditService(store database.AuditRepository) *AuditService {
	return &AuditService{store: store}
}

// Query returns entries matching f, newest first.
func (s *AuditService) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if f.Limit <= 0 {
		f.Limit = defaultAuditLimit
	}
	if f.Limit > maxAuditLimit {
		f.Limit = maxAuditLimit
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, domain.NewValidationError("to", "must not be before from")
	}
	return s.store.QueryAudit(ctx, f)
}

// VerifyEntry recomputes the payload hash of one entry.
func (s *AuditService) VerifyEntry(ctx context.Context, id string) (*audit.Entry, bool, error) {
	e, err := s.store.GetAudit(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return e, audit.Verify(e), nil
}

// VerifyChain checks every hash and prev-hash link of one resource's chain.
func (s *AuditService) VerifyChain(ctx context.Context, rt audit.ResourceType, resourceID string) (*ChainReport, error) {
	if resourceID == "" {
		return nil, domain.NewValidationError("resource_id", "is required")
	}
	entries, err := s.store.AuditChain(ctx, rt, resourceID)
	if err != nil {
		return nil, err
	}
	rep := &ChainReport{ResourceType: rt, ResourceID: resourceID, Entries: len(entries), BrokenAt: audit.VerifyChain(entries)}
	rep.Valid = rep.BrokenAt < 0
	if !rep.Valid {
		rep.BrokenID = entries[rep.BrokenAt].ID
	}
	return rep, nil
}
