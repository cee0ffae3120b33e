// Package service implements tenant lifecycle orchestration and the
// background work behind it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"time"

	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/audit"
	"github.com/Strob0t/TenantForge/internal/domain/backup"
	"github.com/Strob0t/TenantForge/internal/domain/customer"
	"github.com/Strob0t/TenantForge/internal/domain/job"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/database"
	"github.com/Strob0t/TenantForge/internal/port/jobqueue"
)

// casAttempts bounds how often a transition is retried when the tenant
// moved to another state the operation also accepts.
const casAttempts = 3

var moduleNameRegex = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// OperationResult is the synchronous answer to a lifecycle request. The
// outcome of the asynchronous part lands in tenant state and the audit log.
type OperationResult struct {
	TenantID     string       `json:"tenant_id"`
	Accepted     bool         `json:"accepted"`
	CurrentState tenant.State `json:"current_state"`
	JobID        string       `json:"job_id,omitempty"`
}

// OperationPayload carries the op-specific arguments of a request.
type OperationPayload struct {
	Module            string `json:"module,omitempty"`
	DatabaseBackupID  string `json:"database_backup_id,omitempty"`
	FilestoreBackupID string `json:"filestore_backup_id,omitempty"`
}

// Orchestrator validates lifecycle requests against tenant state, persists
// each transition with its audit entry in one transaction and hands the long
// work to the job queue.
type Orchestrator struct {
	store    database.Store
	catalog  *Catalog
	queue    jobqueue.Queue
	tenants  config.Tenants
	queueCfg config.Queue
	timeouts config.Workers
	log      *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store database.Store, catalog *Catalog, queue jobqueue.Queue, cfg *config.Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		catalog:  catalog,
		queue:    queue,
		tenants:  cfg.Tenants,
		queueCfg: cfg.Queue,
		timeouts: cfg.Workers,
		log:      log,
		now:      time.Now,
	}
}

// CreateTenant inserts a CREATING tenant and enqueues its provisioning.
func (o *Orchestrator) CreateTenant(ctx context.Context, req *tenant.CreateRequest, actor audit.Actor) (*OperationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	cust, err := o.catalog.Customer(ctx, req.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("customer %s: %w", req.CustomerID, err)
	}
	if !cust.Active {
		return nil, &domain.ConflictError{Op: string(tenant.OpCreate), Reason: "customer is not active"}
	}
	plan, err := o.catalog.Plan(ctx, req.PlanID)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", req.PlanID, err)
	}
	if !plan.Active {
		return nil, domain.NewValidationError("plan_id", "plan %s is not active", plan.ID)
	}

	t := &tenant.Tenant{
		Slug:             req.Slug,
		Name:             req.Name,
		CustomerID:       req.CustomerID,
		PlanID:           req.PlanID,
		State:            tenant.StateCreating,
		DBHost:           o.tenants.DBHost,
		DBPort:           o.tenants.DBPort,
		DBName:           tenant.DBNameForSlug(req.Slug),
		FilestorePath:    path.Join(o.tenants.FilestoreRoot, req.Slug),
		CustomDomain:     req.CustomDomain,
		InstalledModules: []string{},
		Config:           req.Config,
	}
	entry, err := audit.NewEntry(actor, audit.ActionCreate, audit.ResourceTenant, "", nil, nil, map[string]any{
		"slug":        req.Slug,
		"customer_id": req.CustomerID,
		"plan_id":     req.PlanID,
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.CreateTenant(ctx, t, customer.TenantLimit(cust, plan), entry); err != nil {
		return nil, err
	}
	o.log.Info("tenant created", "tenant_id", t.ID, "slug", t.Slug, "customer_id", t.CustomerID)

	j, err := job.New(job.KindProvisionTenant, t.ID, job.ProvisionPayload{Config: req.Config})
	if err != nil {
		return nil, err
	}
	jobID, _ := o.enqueue(ctx, j, t, actor)
	return &OperationResult{TenantID: t.ID, Accepted: true, CurrentState: t.State, JobID: jobID}, nil
}

// RequestTenantOperation runs op against an existing tenant. A failed state
// precondition returns *domain.ConflictError and changes nothing.
func (o *Orchestrator) RequestTenantOperation(ctx context.Context, tenantID string, op tenant.Op, payload OperationPayload, actor audit.Actor) (*OperationResult, error) {
	if tenantID == "" {
		return nil, domain.NewValidationError("tenant_id", "is required")
	}
	switch op {
	case tenant.OpDelete:
		return o.deleteTenant(ctx, tenantID, actor)
	case tenant.OpSuspend:
		return o.syncTransition(ctx, tenantID, op, audit.ActionSuspend, actor, func(tr *tenant.Transition) {
			tr.SetSuspendedAt = true
		})
	case tenant.OpUnsuspend:
		return o.syncTransition(ctx, tenantID, op, audit.ActionUnsuspend, actor, func(tr *tenant.Transition) {
			tr.ClearSuspendedAt = true
		})
	case tenant.OpBackup:
		return o.backupTenant(ctx, tenantID, actor)
	case tenant.OpRestore:
		return o.restoreTenant(ctx, tenantID, payload, actor)
	case tenant.OpInstallModule, tenant.OpUninstallModule:
		return o.changeModule(ctx, tenantID, op, payload.Module, actor)
	case tenant.OpCreate:
		return nil, domain.NewValidationError("op", "create is requested through CreateTenant")
	default:
		return nil, domain.NewValidationError("op", "unknown operation %q", op)
	}
}

func (o *Orchestrator) deleteTenant(ctx context.Context, id string, actor audit.Actor) (*OperationResult, error) {
	prev, updated, err := o.casFromCurrent(ctx, id, tenant.OpDelete, func(cur *tenant.Tenant) (*tenant.Tenant, error) {
		return o.transition(ctx, &tenant.Transition{
			TenantID: id,
			Op:       tenant.OpDelete,
			From:     []tenant.State{cur.State},
			To:       tenant.StateDeleting,
			Message:  tenant.Msg(""),
		}, audit.ActionDelete, actor, map[string]any{"previous_state": cur.State})
	})
	if err != nil {
		if prev != nil && (prev.State == tenant.StateDeleting || prev.State == tenant.StateDeleted) {
			return &OperationResult{TenantID: id, Accepted: false, CurrentState: prev.State}, nil
		}
		return nil, err
	}

	j, err := job.New(job.KindDeleteTenant, id, job.DeletePayload{PreviousState: prev.State})
	if err != nil {
		return nil, err
	}
	jobID, _ := o.enqueue(ctx, j, updated, actor)
	return &OperationResult{TenantID: id, Accepted: true, CurrentState: updated.State, JobID: jobID}, nil
}

// syncTransition applies op's rule directly with no job.
func (o *Orchestrator) syncTransition(ctx context.Context, id string, op tenant.Op, action audit.Action, actor audit.Actor, mutate func(*tenant.Transition)) (*OperationResult, error) {
	rule, _ := tenant.RuleFor(op)
	tr := &tenant.Transition{TenantID: id, Op: op, From: rule.From, To: rule.To, Message: tenant.Msg("")}
	mutate(tr)
	updated, err := o.transition(ctx, tr, action, actor, nil)
	if err != nil {
		return nil, err
	}
	o.log.Info("tenant transitioned", "tenant_id", id, "op", op, "state", updated.State)
	return &OperationResult{TenantID: id, Accepted: true, CurrentState: updated.State}, nil
}

func (o *Orchestrator) backupTenant(ctx context.Context, id string, actor audit.Actor) (*OperationResult, error) {
	rule, _ := tenant.RuleFor(tenant.OpBackup)
	updated, err := o.transition(ctx, &tenant.Transition{TenantID: id, Op: tenant.OpBackup, From: rule.From},
		audit.ActionBackup, actor, nil)
	if err != nil {
		return nil, err
	}
	j, err := job.New(job.KindBackupTenant, id, nil)
	if err != nil {
		return nil, err
	}
	jobID, err := o.enqueue(ctx, j, updated, actor)
	if err != nil {
		return nil, err
	}
	return &OperationResult{TenantID: id, Accepted: true, CurrentState: updated.State, JobID: jobID}, nil
}

func (o *Orchestrator) restoreTenant(ctx context.Context, id string, p OperationPayload, actor audit.Actor) (*OperationResult, error) {
	if p.DatabaseBackupID == "" {
		return nil, domain.NewValidationError("database_backup_id", "is required")
	}
	if err := o.checkRestoreSource(ctx, id, p.DatabaseBackupID, backup.TypeDatabase); err != nil {
		return nil, err
	}
	if p.FilestoreBackupID != "" {
		if err := o.checkRestoreSource(ctx, id, p.FilestoreBackupID, backup.TypeFilestore); err != nil {
			return nil, err
		}
	}

	prev, updated, err := o.casFromCurrent(ctx, id, tenant.OpRestore, func(cur *tenant.Tenant) (*tenant.Tenant, error) {
		return o.transition(ctx, &tenant.Transition{
			TenantID: id,
			Op:       tenant.OpRestore,
			From:     []tenant.State{cur.State},
			To:       tenant.StateRestoring,
			Message:  tenant.Msg(""),
		}, audit.ActionRestore, actor, map[string]any{
			"previous_state":      cur.State,
			"database_backup_id":  p.DatabaseBackupID,
			"filestore_backup_id": p.FilestoreBackupID,
		})
	})
	if err != nil {
		return nil, err
	}

	j, err := job.New(job.KindRestoreTenant, id, job.RestorePayload{
		DatabaseBackupID:  p.DatabaseBackupID,
		FilestoreBackupID: p.FilestoreBackupID,
		PreviousState:     prev.State,
	})
	if err != nil {
		return nil, err
	}
	jobID, _ := o.enqueue(ctx, j, updated, actor)
	return &OperationResult{TenantID: id, Accepted: true, CurrentState: updated.State, JobID: jobID}, nil
}

func (o *Orchestrator) checkRestoreSource(ctx context.Context, tenantID, backupID string, typ backup.Type) error {
	rec, err := o.store.GetBackup(ctx, backupID)
	if err != nil {
		return err
	}
	field := string(typ) + "_backup_id"
	switch {
	case rec.TenantID == nil || *rec.TenantID != tenantID:
		return domain.NewValidationError(field, "backup %s does not belong to tenant %s", backupID, tenantID)
	case rec.Type != typ:
		return domain.NewValidationError(field, "backup %s is a %s backup", backupID, rec.Type)
	case rec.Status != backup.StatusCompleted:
		return domain.NewValidationError(field, "backup %s is %s", backupID, rec.Status)
	}
	return nil
}

func (o *Orchestrator) changeModule(ctx context.Context, id string, op tenant.Op, module string, actor audit.Actor) (*OperationResult, error) {
	if !moduleNameRegex.MatchString(module) {
		return nil, domain.NewValidationError("module", "must be 1-64 lowercase letters, digits or underscores")
	}
	kind, action := job.KindInstallModule, audit.ActionModuleInstall
	if op == tenant.OpUninstallModule {
		kind, action = job.KindUninstallModule, audit.ActionModuleUninstall
	}

	if op == tenant.OpInstallModule {
		t, err := o.store.GetTenant(ctx, id)
		if err != nil {
			return nil, err
		}
		plan, err := o.catalog.Plan(ctx, t.PlanID)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", t.PlanID, err)
		}
		if !plan.AllowsModule(module) {
			return nil, domain.NewValidationError("module", "module %q is not available on plan %s", module, plan.ID)
		}
	}

	rule, _ := tenant.RuleFor(op)
	updated, err := o.transition(ctx, &tenant.Transition{TenantID: id, Op: op, From: rule.From},
		action, actor, map[string]any{"module": module})
	if err != nil {
		return nil, err
	}
	j, err := job.New(kind, id, job.ModulePayload{Module: module})
	if err != nil {
		return nil, err
	}
	jobID, err := o.enqueue(ctx, j, updated, actor)
	if err != nil {
		return nil, err
	}
	return &OperationResult{TenantID: id, Accepted: true, CurrentState: updated.State, JobID: jobID}, nil
}

// EnqueueSweep schedules a retention sweep. Repeated calls within one UTC
// day share an idempotency key.
func (o *Orchestrator) EnqueueSweep(ctx context.Context) (string, error) {
	j, err := job.New(job.KindRetentionSweep, "", nil)
	if err != nil {
		return "", err
	}
	j.Timeout = o.timeoutFor(j.Kind)
	j.IdempotencyKey = "retention_sweep-" + o.now().UTC().Format("20060102")
	ectx, cancel := context.WithTimeout(ctx, o.queueCfg.EnqueueTimeout)
	defer cancel()
	id, err := o.queue.Enqueue(ectx, j)
	if err != nil {
		return "", fmt.Errorf("enqueue retention sweep: %w", err)
	}
	return id, nil
}

// GetTenant returns one tenant.
func (o *Orchestrator) GetTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	return o.store.GetTenant(ctx, id)
}

// ListTenants returns tenants matching f.
func (o *Orchestrator) ListTenants(ctx context.Context, f tenant.ListFilter) ([]tenant.Tenant, error) {
	return o.store.ListTenants(ctx, f)
}

// ListBackups returns the backup records of one tenant, newest first.
func (o *Orchestrator) ListBackups(ctx context.Context, tenantID string, limit int) ([]backup.Record, error) {
	if _, err := o.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return o.store.ListBackups(ctx, backup.Filter{TenantID: tenantID, Limit: limit})
}

// JobStatus returns the status of an enqueued job.
func (o *Orchestrator) JobStatus(ctx context.Context, id string) (*job.Status, error) {
	return o.queue.Status(ctx, id)
}

// CancelJob cancels a job no worker has picked up yet.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) error {
	return o.queue.Cancel(ctx, id)
}

func (o *Orchestrator) transition(ctx context.Context, tr *tenant.Transition, action audit.Action, actor audit.Actor, meta map[string]any) (*tenant.Tenant, error) {
	var metadata any
	if meta != nil {
		metadata = meta
	}
	entry, err := audit.NewEntry(actor, action, audit.ResourceTenant, tr.TenantID, nil, nil, metadata)
	if err != nil {
		return nil, err
	}
	return o.store.TransitionTenant(ctx, tr, entry)
}

// casFromCurrent reads the tenant, checks op's rule and runs apply against the
// observed state. It returns the observed tenant alongside the result; on a
// failed precondition prev is the tenant as last observed.
func (o *Orchestrator) casFromCurrent(ctx context.Context, id string, op tenant.Op, apply func(cur *tenant.Tenant) (*tenant.Tenant, error)) (prev, updated *tenant.Tenant, err error) {
	rule, _ := tenant.RuleFor(op)
	for range casAttempts {
		cur, err := o.store.GetTenant(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if !rule.Allows(cur.State) {
			return cur, nil, &domain.ConflictError{Op: string(op), Current: string(cur.State)}
		}
		updated, err := apply(cur)
		var ce *domain.ConflictError
		if errors.As(err, &ce) {
			continue
		}
		return cur, updated, err
	}
	cur, err := o.store.GetTenant(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return cur, nil, &domain.ConflictError{Op: string(op), Current: string(cur.State)}
}

// enqueue places j on the queue within the enqueue timeout. On failure it
// records an enqueue_failed audit entry and returns the error; the tenant is
// left in whatever state the caller already persisted.
func (o *Orchestrator) enqueue(ctx context.Context, j *job.Job, t *tenant.Tenant, actor audit.Actor) (string, error) {
	j.ActorID = actor.ID
	j.Timeout = o.timeoutFor(j.Kind)
	j.IdempotencyKey = fmt.Sprintf("%s-%s-%d", j.Kind, t.ID, t.UpdatedAt.UnixNano())

	ectx, cancel := context.WithTimeout(ctx, o.queueCfg.EnqueueTimeout)
	defer cancel()
	id, err := o.queue.Enqueue(ectx, j)
	if err == nil {
		o.log.Info("job enqueued", "job_id", id, "kind", j.Kind, "tenant_id", t.ID, "priority", j.Priority)
		return id, nil
	}

	o.log.Error("enqueue failed", "kind", j.Kind, "tenant_id", t.ID, "error", err)
	entry, aerr := audit.NewEntry(actor, audit.ActionEnqueueFailed, audit.ResourceTenant, t.ID, nil, nil, map[string]any{
		"job_kind": j.Kind,
		"error":    err.Error(),
	})
	if aerr == nil {
		aerr = o.store.AppendAudit(ctx, entry)
	}
	if aerr != nil {
		o.log.Error("record enqueue failure", "tenant_id", t.ID, "error", aerr)
	}
	return "", fmt.Errorf("enqueue %s: %w", j.Kind, err)
}

func (o *Orchestrator) timeoutFor(k job.Kind) time.Duration {
	switch k {
	case job.KindProvisionTenant:
		return o.timeouts.ProvisionTimeout
	case job.KindDeleteTenant:
		return o.timeouts.DeleteTimeout
	case job.KindInstallModule, job.KindUninstallModule:
		return o.timeouts.ModuleTimeout
	case job.KindBackupTenant:
		return o.timeouts.BackupTimeout
	case job.KindRestoreTenant:
		return o.timeouts.RestoreTimeout
	default:
		return o.timeouts.SweepTimeout
	}
}
