package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/audit"
	"github.com/Strob0t/TenantForge/internal/domain/backup"
	"github.com/Strob0t/TenantForge/internal/domain/job"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/database"
	"github.com/Strob0t/TenantForge/internal/port/instance"
)

// finalizeTimeout bounds the terminal writes a handler makes after its job
// context may already have expired.
const finalizeTimeout = 15 * time.Second

// finalizeContext detaches ctx from cancellation and gives it a fresh deadline.
func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// failureActions name the audit entry written when a job of that kind fails.
var failureActions = map[job.Kind]audit.Action{
	job.KindProvisionTenant: audit.ActionCreateFailed,
	job.KindDeleteTenant:    audit.ActionDeleteFailed,
	job.KindInstallModule:   audit.ActionModuleInstallFailed,
	job.KindUninstallModule: audit.ActionModuleUninstallFailed,
	job.KindBackupTenant:    audit.ActionBackupFailed,
	job.KindRestoreTenant:   audit.ActionRestoreFailed,
}

// handlerFunc executes one job kind.
type handlerFunc func(ctx context.Context, j *job.Job) (*job.Result, error)

// JobHandlers runs jobs by kind. Every handler first checks that the tenant
// is still in the state the job expects and skips stale deliveries.
type JobHandlers struct {
	store    database.Store
	backend  instance.Backend
	engine   *BackupEngine
	log      *slog.Logger
	handlers map[job.Kind]handlerFunc
}

// NewJobHandlers builds the dispatch table.
func NewJobHandlers(store database.Store, backend instance.Backend, engine *BackupEngine, log *slog.Logger) *JobHandlers {
	if log == nil {
		log = slog.Default()
	}
	h := &JobHandlers{store: store, backend: backend, engine: engine, log: log}
	h.handlers = map[job.Kind]handlerFunc{
		job.KindProvisionTenant: h.provision,
		job.KindDeleteTenant:    h.delete,
		job.KindInstallModule:   h.installModule,
		job.KindUninstallModule: h.uninstallModule,
		job.KindBackupTenant:    h.backup,
		job.KindRestoreTenant:   h.restore,
		job.KindRetentionSweep:  h.sweep,
	}
	return h
}

// Dispatch runs j with the handler registered for its kind.
func (h *JobHandlers) Dispatch(ctx context.Context, j *job.Job) (*job.Result, error) {
	fn, ok := h.handlers[j.Kind]
	if !ok {
		return nil, domain.NewValidationError("kind", "no handler for job kind %q", j.Kind)
	}
	return fn(ctx, j)
}

// load fetches the job's tenant and reports whether it is in one of want.
func (h *JobHandlers) load(ctx context.Context, j *job.Job, want ...tenant.State) (*tenant.Tenant, *job.Result, error) {
	t, err := h.store.GetTenant(ctx, j.TenantID)
	if err != nil {
		err = fmt.Errorf("load tenant %s: %w", j.TenantID, err)
		return nil, nil, errors.Join(err, h.recordFailure(ctx, j, err, nil))
	}
	for _, s := range want {
		if t.State == s {
			return t, nil, nil
		}
	}
	h.log.Info("job skipped, tenant not in expected state",
		"job_id", j.ID, "kind", j.Kind, "tenant_id", t.ID, "state", t.State, "expected", want)
	return t, &job.Result{Outcome: "skipped", Detail: fmt.Sprintf("tenant is %s", t.State)}, nil
}

func actorOf(j *job.Job) audit.Actor { return audit.Actor{ID: j.ActorID} }

// finish applies tr with an audit entry on a detached context. When the
// transition is refused the job's failure entry is written on its own.
func (h *JobHandlers) finish(ctx context.Context, j *job.Job, tr *tenant.Transition, action audit.Action, meta map[string]any) error {
	ctx, cancel := finalizeContext(ctx)
	defer cancel()
	if meta == nil {
		meta = map[string]any{}
	}
	meta["job_id"] = j.ID
	entry, err := audit.NewEntry(actorOf(j), action, audit.ResourceTenant, j.TenantID, nil, nil, meta)
	if err != nil {
		return err
	}
	if _, err := h.store.TransitionTenant(ctx, tr, entry); err != nil {
		err = fmt.Errorf("%s: %w", action, err)
		return errors.Join(err, h.recordFailure(ctx, j, err, meta))
	}
	return nil
}

// recordFailure appends the failure entry for j's kind without touching
// tenant state. An "error" already in meta is kept and err goes under
// "finalize_error".
func (h *JobHandlers) recordFailure(ctx context.Context, j *job.Job, err error, meta map[string]any) error {
	action, ok := failureActions[j.Kind]
	if !ok {
		return nil
	}
	m := make(map[string]any, len(meta)+1)
	maps.Copy(m, meta)
	key := "error"
	if _, taken := m[key]; taken {
		key = "finalize_error"
	}
	m[key] = err.Error()
	if rerr := h.record(ctx, j, audit.ResourceTenant, j.TenantID, action, m); rerr != nil {
		h.log.Error("record job failure", "job_id", j.ID, "action", action, "error", rerr)
		return rerr
	}
	return nil
}

// record appends an audit entry without touching tenant state.
func (h *JobHandlers) record(ctx context.Context, j *job.Job, rt audit.ResourceType, resourceID string, action audit.Action, meta map[string]any) error {
	ctx, cancel := finalizeContext(ctx)
	defer cancel()
	if meta == nil {
		meta = map[string]any{}
	}
	meta["job_id"] = j.ID
	entry, err := audit.NewEntry(actorOf(j), action, rt, resourceID, nil, nil, meta)
	if err != nil {
		return err
	}
	return h.store.AppendAudit(ctx, entry)
}

func completed(res *instance.Result) *job.Result {
	if res != nil && res.NoOp {
		return &job.Result{Outcome: "noop", Detail: res.Message}
	}
	return &job.Result{Outcome: "completed"}
}

func (h *JobHandlers) provision(ctx context.Context, j *job.Job) (*job.Result, error) {
	t, skipped, err := h.load(ctx, j, tenant.StateCreating)
	if err != nil || skipped != nil {
		return skipped, err
	}
	p, err := job.Decode[job.ProvisionPayload](j)
	if err != nil {
		return nil, err
	}
	cfg := p.Config
	if len(cfg) == 0 {
		cfg = t.Config
	}

	res, err := h.backend.Create(ctx, t.ID, cfg)
	if err != nil {
		msg := fmt.Sprintf("Provisioning failed: %v", err)
		ferr := h.finish(ctx, j, &tenant.Transition{
			TenantID: t.ID, Op: tenant.OpCreate,
			From: []tenant.State{tenant.StateCreating}, To: tenant.StateError, Message: &msg,
		}, audit.ActionCreateFailed, map[string]any{"error": err.Error()})
		return nil, errors.Join(err, ferr)
	}

	if err := h.finish(ctx, j, &tenant.Transition{
		TenantID: t.ID, Op: tenant.OpCreate,
		From: []tenant.State{tenant.StateCreating}, To: tenant.StateActive, Message: tenant.Msg(""),
	}, audit.ActionCreateCompleted, map[string]any{"noop": res.NoOp}); err != nil {
		return nil, err
	}
	h.log.Info("tenant provisioned", "tenant_id", t.ID, "noop", res.NoOp)
	return completed(res), nil
}

func (h *JobHandlers) delete(ctx context.Context, j *job.Job) (*job.Result, error) {
	t, skipped, err := h.load(ctx, j, tenant.StateDeleting)
	if err != nil || skipped != nil {
		return skipped, err
	}
	p, err := job.Decode[job.DeletePayload](j)
	if err != nil {
		return nil, err
	}
	revertTo := p.PreviousState
	if !revertTo.Valid() || revertTo.Transient() || revertTo == tenant.StateDeleted {
		revertTo = tenant.StateActive
	}

	res, err := h.backend.Delete(ctx, t.ID)
	if err != nil {
		msg := fmt.Sprintf("Deletion failed: %v", err)
		ferr := h.finish(ctx, j, &tenant.Transition{
			TenantID: t.ID, Op: tenant.OpDelete,
			From: []tenant.State{tenant.StateDeleting}, To: revertTo, Message: &msg,
		}, audit.ActionDeleteFailed, map[string]any{"error": err.Error(), "reverted_to": revertTo})
		return nil, errors.Join(err, ferr)
	}

	if err := h.finish(ctx, j, &tenant.Transition{
		TenantID: t.ID, Op: tenant.OpDelete,
		From: []tenant.State{tenant.StateDeleting}, To: tenant.StateDeleted, Message: tenant.Msg(""),
	}, audit.ActionDeleteCompleted, map[string]any{"noop": res.NoOp}); err != nil {
		return nil, err
	}
	h.log.Info("tenant deleted", "tenant_id", t.ID)
	return completed(res), nil
}

func (h *JobHandlers) installModule(ctx context.Context, j *job.Job) (*job.Result, error) {
	return h.module(ctx, j, true)
}

func (h *JobHandlers) uninstallModule(ctx context.Context, j *job.Job) (*job.Result, error) {
	return h.module(ctx, j, false)
}

func (h *JobHandlers) module(ctx context.Context, j *job.Job, install bool) (*job.Result, error) {
	t, skipped, err := h.load(ctx, j, tenant.StateActive)
	if err != nil || skipped != nil {
		return skipped, err
	}
	p, err := job.Decode[job.ModulePayload](j)
	if err != nil {
		return nil, err
	}

	op, done, failed := tenant.OpInstallModule, audit.ActionModuleInstallCompleted, audit.ActionModuleInstallFailed
	call := h.backend.InstallModule
	if !install {
		op, done, failed = tenant.OpUninstallModule, audit.ActionModuleUninstallCompleted, audit.ActionModuleUninstallFailed
		call = h.backend.UninstallModule
	}

	res, err := call(ctx, t.ID, p.Module)
	if err != nil {
		rerr := h.record(ctx, j, audit.ResourceTenant, t.ID, failed, map[string]any{"module": p.Module, "error": err.Error()})
		return nil, errors.Join(err, rerr)
	}

	tr := &tenant.Transition{
		TenantID: t.ID, Op: op,
		From: []tenant.State{tenant.StateActive, tenant.StateSuspended},
	}
	if install {
		tr.AddModule = p.Module
	} else {
		tr.RemoveModule = p.Module
	}
	if err := h.finish(ctx, j, tr, done, map[string]any{"module": p.Module, "noop": res.NoOp}); err != nil {
		return nil, err
	}
	h.log.Info("module changed", "tenant_id", t.ID, "module", p.Module, "install", install, "noop", res.NoOp)
	return completed(res), nil
}

func (h *JobHandlers) backup(ctx context.Context, j *job.Job) (*job.Result, error) {
	t, skipped, err := h.load(ctx, j, tenant.StateActive)
	if err != nil || skipped != nil {
		return skipped, err
	}

	fail := func(err error) (*job.Result, error) {
		rerr := h.record(ctx, j, audit.ResourceTenant, t.ID, audit.ActionBackupFailed, map[string]any{"error": err.Error()})
		return nil, errors.Join(err, rerr)
	}

	snapshot, err := h.backend.Backup(ctx, t.ID)
	if err != nil {
		return fail(err)
	}
	filestore := t.FilestorePath
	if snapshot != "" {
		filestore = snapshot
	}

	dbRec, err := h.engine.BackupDatabase(ctx, &t.ID, t.DBName)
	if err != nil {
		return fail(err)
	}
	fsRec, err := h.engine.BackupFilestore(ctx, &t.ID, filestore)
	if err != nil {
		return fail(err)
	}

	meta := map[string]any{
		"database_backup_id":  dbRec.ID,
		"filestore_backup_id": fsRec.ID,
		"size_bytes":          dbRec.SizeBytes + fsRec.SizeBytes,
	}
	if err := h.finish(ctx, j, &tenant.Transition{
		TenantID: t.ID, Op: tenant.OpBackup,
		From:            []tenant.State{tenant.StateActive, tenant.StateSuspended},
		TouchLastBackup: true,
	}, audit.ActionBackupCompleted, meta); err != nil {
		return nil, err
	}
	return &job.Result{Outcome: "completed", Data: meta}, nil
}

func (h *JobHandlers) restore(ctx context.Context, j *job.Job) (*job.Result, error) {
	t, skipped, err := h.load(ctx, j, tenant.StateRestoring)
	if err != nil || skipped != nil {
		return skipped, err
	}
	p, err := job.Decode[job.RestorePayload](j)
	if err != nil {
		return nil, err
	}
	revertTo := p.PreviousState
	if !revertTo.Valid() || revertTo.Transient() || revertTo == tenant.StateDeleted {
		revertTo = tenant.StateActive
	}
	meta := func(err error) map[string]any {
		m := map[string]any{"database_backup_id": p.DatabaseBackupID, "filestore_backup_id": p.FilestoreBackupID}
		if err != nil {
			m["error"] = err.Error()
		}
		return m
	}

	// Nothing is modified until every artifact is downloaded and verified, so
	// a failure here puts the tenant back where it was.
	records, err := h.restoreRecords(ctx, p)
	var prepared *PreparedRestore
	if err == nil {
		prepared, err = h.engine.PrepareRestore(ctx, records...)
	}
	if err != nil {
		msg := fmt.Sprintf("Restore aborted: %v", err)
		ferr := h.finish(ctx, j, &tenant.Transition{
			TenantID: t.ID, Op: tenant.OpRestore,
			From: []tenant.State{tenant.StateRestoring}, To: revertTo, Message: &msg,
		}, audit.ActionRestoreFailed, meta(err))
		return nil, errors.Join(err, ferr)
	}
	defer func() { _ = prepared.Close() }()

	if err := h.applyRestore(ctx, t, prepared, records); err != nil {
		msg := fmt.Sprintf("Restore failed: %v", err)
		ferr := h.finish(ctx, j, &tenant.Transition{
			TenantID: t.ID, Op: tenant.OpRestore,
			From: []tenant.State{tenant.StateRestoring}, To: tenant.StateError, Message: &msg,
		}, audit.ActionRestoreFailed, meta(err))
		return nil, errors.Join(err, ferr)
	}

	if err := h.backend.Reinitialize(ctx, t.ID, p.DatabaseBackupID); err != nil {
		h.log.Warn("reinitialize after restore failed", "tenant_id", t.ID, "error", err)
	}
	if err := h.finish(ctx, j, &tenant.Transition{
		TenantID: t.ID, Op: tenant.OpRestore,
		From: []tenant.State{tenant.StateRestoring}, To: tenant.StateActive, Message: tenant.Msg(""),
	}, audit.ActionRestoreCompleted, meta(nil)); err != nil {
		return nil, err
	}
	h.log.Info("tenant restored", "tenant_id", t.ID, "database_backup_id", p.DatabaseBackupID)
	return &job.Result{Outcome: "completed"}, nil
}

func (h *JobHandlers) restoreRecords(ctx context.Context, p job.RestorePayload) ([]*backup.Record, error) {
	db, err := h.store.GetBackup(ctx, p.DatabaseBackupID)
	if err != nil {
		return nil, err
	}
	records := []*backup.Record{db}
	if p.FilestoreBackupID != "" {
		fs, err := h.store.GetBackup(ctx, p.FilestoreBackupID)
		if err != nil {
			return nil, err
		}
		records = append(records, fs)
	}
	return records, nil
}

func (h *JobHandlers) applyRestore(ctx context.Context, t *tenant.Tenant, p *PreparedRestore, records []*backup.Record) error {
	for _, rec := range records {
		var err error
		switch rec.Type {
		case backup.TypeDatabase:
			err = h.engine.RestoreDatabase(ctx, p, rec, t.DBName)
		case backup.TypeFilestore:
			err = h.engine.RestoreFilestore(ctx, p, rec, t.FilestorePath)
		default:
			err = fmt.Errorf("backup %s has unknown type %q", rec.ID, rec.Type)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *JobHandlers) sweep(ctx context.Context, j *job.Job) (*job.Result, error) {
	res, err := h.engine.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	if rerr := h.record(ctx, j, audit.ResourcePlatform, "retention", audit.ActionRetentionSweep, map[string]any{
		"deleted": res.Deleted,
		"failed":  res.Failed,
	}); rerr != nil {
		h.log.Error("record retention sweep", "error", rerr)
	}
	return &job.Result{Outcome: "completed", Data: map[string]any{"deleted": res.Deleted, "failed": res.Failed}}, nil
}
