package http

import (
	"context"
	"net/http"

	"github.com/Strob0t/TenantForge/internal/domain/audit"
	"github.com/Strob0t/TenantForge/internal/domain/backup"
	"github.com/Strob0t/TenantForge/internal/domain/job"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/service"
)

const (
	bodyLimit        = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

// Lifecycle is the orchestrator surface the API translates to.
type Lifecycle interface {
	CreateTenant(ctx context.Context, req *tenant.CreateRequest, actor audit.Actor) (*service.OperationResult, error)
	RequestTenantOperation(ctx context.Context, tenantID string, op tenant.Op, p service.OperationPayload, actor audit.Actor) (*service.OperationResult, error)
	GetTenant(ctx context.Context, id string) (*tenant.Tenant, error)
	ListTenants(ctx context.Context, f tenant.ListFilter) ([]tenant.Tenant, error)
	ListBackups(ctx context.Context, tenantID string, limit int) ([]backup.Record, error)
	JobStatus(ctx context.Context, id string) (*job.Status, error)
	CancelJob(ctx context.Context, id string) error
}

// Auditor reads and verifies the audit ledger.
type Auditor interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
	VerifyEntry(ctx context.Context, id string) (*audit.Entry, bool, error)
	VerifyChain(ctx context.Context, rt audit.ResourceType, resourceID string) (*service.ChainReport, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Lifecycle Lifecycle
	Audit     Auditor
	// Health reports dependency readiness. Nil means always healthy.
	Health func(ctx context.Context) error
}

// --- Tenants ---

// CreateTenant handles POST /api/v1/tenants
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[tenant.CreateRequest](w, r, bodyLimit, false)
	if !ok {
		return
	}
	res, err := h.Lifecycle.CreateTenant(r.Context(), &req, actorFrom(r))
	if err != nil {
		writeDomainError(w, err, "customer or plan not found")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// ListTenants handles GET /api/v1/tenants
func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	f := tenant.ListFilter{CustomerID: r.URL.Query().Get("customer_id")}
	for _, s := range r.URL.Query()["state"] {
		st, err := tenant.ParseState(s)
		if err != nil {
			writeDomainError(w, err, "")
			return
		}
		f.States = append(f.States, st)
	}
	var err error
	if f.Limit, err = queryInt(r, "limit", defaultListLimit); err != nil {
		writeDomainError(w, err, "")
		return
	}
	f.Limit = min(f.Limit, maxListLimit)
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeDomainError(w, err, "")
		return
	}

	items, err := h.Lifecycle.ListTenants(r.Context(), f)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if items == nil {
		items = []tenant.Tenant{}
	}
	writeJSON(w, http.StatusOK, items)
}

// GetTenant handles GET /api/v1/tenants/{id}
func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	lookup(h.Lifecycle.GetTenant, "tenant")(w, r)
}

// DeleteTenant handles DELETE /api/v1/tenants/{id}
func (h *Handlers) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, tenant.OpDelete, service.OperationPayload{})
}

// SuspendTenant handles POST /api/v1/tenants/{id}/suspend
func (h *Handlers) SuspendTenant(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, tenant.OpSuspend, service.OperationPayload{})
}

// UnsuspendTenant handles POST /api/v1/tenants/{id}/unsuspend
func (h *Handlers) UnsuspendTenant(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, tenant.OpUnsuspend, service.OperationPayload{})
}

// BackupTenant handles POST /api/v1/tenants/{id}/backup
func (h *Handlers) BackupTenant(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, tenant.OpBackup, service.OperationPayload{})
}

type restoreRequest struct {
	DatabaseBackupID  string `json:"database_backup_id"`
	FilestoreBackupID string `json:"filestore_backup_id,omitempty"`
}

// RestoreTenant handles POST /api/v1/tenants/{id}/restore
func (h *Handlers) RestoreTenant(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[restoreRequest](w, r, bodyLimit, false)
	if !ok {
		return
	}
	h.operate(w, r, tenant.OpRestore, service.OperationPayload{
		DatabaseBackupID:  req.DatabaseBackupID,
		FilestoreBackupID: req.FilestoreBackupID,
	})
}

// InstallModule handles POST /api/v1/tenants/{id}/modules/{name}
func (h *Handlers) InstallModule(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, tenant.OpInstallModule, service.OperationPayload{Module: urlParam(r, "name")})
}

// UninstallModule handles DELETE /api/v1/tenants/{id}/modules/{name}
func (h *Handlers) UninstallModule(w http.ResponseWriter, r *http.Request) {
	h.operate(w, r, tenant.OpUninstallModule, service.OperationPayload{Module: urlParam(r, "name")})
}

// operate runs op and answers 202 when a job was enqueued, 200 otherwise.
func (h *Handlers) operate(w http.ResponseWriter, r *http.Request, op tenant.Op, p service.OperationPayload) {
	res, err := h.Lifecycle.RequestTenantOperation(r.Context(), urlParam(r, "id"), op, p, actorFrom(r))
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	status := http.StatusOK
	if res.JobID != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// ListTenantBackups handles GET /api/v1/tenants/{id}/backups
func (h *Handlers) ListTenantBackups(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	items, err := h.Lifecycle.ListBackups(r.Context(), urlParam(r, "id"), min(limit, maxListLimit))
	if err != nil {
		writeDomainError(w, err, "tenant not found")
		return
	}
	if items == nil {
		items = []backup.Record{}
	}
	writeJSON(w, http.StatusOK, items)
}

// --- Jobs ---

// GetJob handles GET /api/v1/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	lookup(h.Lifecycle.JobStatus, "job")(w, r)
}

// CancelJob handles DELETE /api/v1/jobs/{id}
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	discard(h.Lifecycle.CancelJob, "job")(w, r)
}

// --- Audit ---

// QueryAudit handles GET /api/v1/audit
func (h *Handlers) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		ActorID:      q.Get("actor_id"),
		ResourceType: audit.ResourceType(q.Get("resource_type")),
		ResourceID:   q.Get("resource_id"),
		Action:       audit.Action(q.Get("action")),
		IPAddress:    q.Get("ip_address"),
	}
	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		writeDomainError(w, err, "")
		return
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		writeDomainError(w, err, "")
		return
	}
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		writeDomainError(w, err, "")
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeDomainError(w, err, "")
		return
	}

	entries, err := h.Audit.Query(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type verifyEntryResponse struct {
	Entry *audit.Entry `json:"entry"`
	Valid bool         `json:"valid"`
}

// VerifyAuditEntry handles GET /api/v1/audit/{id}/verify
func (h *Handlers) VerifyAuditEntry(w http.ResponseWriter, r *http.Request) {
	e, ok, err := h.Audit.VerifyEntry(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "audit entry not found")
		return
	}
	writeJSON(w, http.StatusOK, verifyEntryResponse{Entry: e, Valid: ok})
}

// VerifyAuditChain handles GET /api/v1/audit/chain/{type}/{id}/verify
func (h *Handlers) VerifyAuditChain(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Audit.VerifyChain(r.Context(), audit.ResourceType(urlParam(r, "type")), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "resource not found")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- Health ---

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
