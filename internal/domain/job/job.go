// Package job defines the closed set of asynchronous job kinds, their
// priorities and typed payloads.
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
)

// Kind identifies the handler a job is dispatched to.
type Kind string

const (
	KindProvisionTenant Kind = "provision_tenant"
	KindDeleteTenant    Kind = "delete_tenant"
	KindInstallModule   Kind = "install_module"
	KindUninstallModule Kind = "uninstall_module"
	KindBackupTenant    Kind = "backup_tenant"
	KindRestoreTenant   Kind = "restore_tenant"
	KindRetentionSweep  Kind = "retention_sweep"
)

var validKinds = map[Kind]bool{
	KindProvisionTenant: true,
	KindDeleteTenant:    true,
	KindInstallModule:   true,
	KindUninstallModule: true,
	KindBackupTenant:    true,
	KindRestoreTenant:   true,
	KindRetentionSweep:  true,
}

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool { return validKinds[k] }

// Kinds returns every known kind.
func Kinds() []Kind {
	return []Kind{
		KindProvisionTenant, KindDeleteTenant, KindInstallModule, KindUninstallModule,
		KindBackupTenant, KindRestoreTenant, KindRetentionSweep,
	}
}

// Priority is the queue class a job is placed on.
type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

// Priorities lists queue classes in the order workers poll them.
var Priorities = []Priority{PriorityHigh, PriorityDefault, PriorityLow}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityDefault || p == PriorityLow
}

// DefaultPriority returns the queue class a kind is enqueued on.
func DefaultPriority(k Kind) Priority {
	switch k {
	case KindProvisionTenant, KindDeleteTenant, KindRestoreTenant:
		return PriorityHigh
	case KindRetentionSweep:
		return PriorityLow
	default:
		return PriorityDefault
	}
}

// State is the lifecycle of a job as seen by status polling.
type State string

const (
	StatePending   State = "pending"
	StateStarted   State = "started"
	StateFinished  State = "finished"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCancelled
}

// Job is a unit of asynchronous work. TenantID is the idempotency anchor the
// handler uses to detect stale deliveries.
type Job struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	TenantID       string          `json:"tenant_id,omitempty"`
	ActorID        string          `json:"actor_id,omitempty"`
	Priority       Priority        `json:"priority"`
	Timeout        time.Duration   `json:"timeout"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// New builds a job of kind k for tenantID with payload encoded as JSON.
// Priority defaults per kind.
func New(k Kind, tenantID string, payload any) (*Job, error) {
	if !k.Valid() {
		return nil, domain.NewValidationError("kind", "unknown job kind %q", k)
	}
	j := &Job{Kind: k, TenantID: tenantID, Priority: DefaultPriority(k)}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", k, err)
		}
		j.Payload = data
	}
	return j, nil
}

// Decode unmarshals the job payload into T.
func Decode[T any](j *Job) (T, error) {
	var v T
	if len(j.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(j.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", j.Kind, err)
	}
	return v, nil
}

// Status is what FetchStatus reports for a job.
type Status struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Priority   Priority        `json:"priority"`
	State      State           `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
}

// NewStatus returns the pending status of a freshly enqueued job.
func NewStatus(j *Job) *Status {
	return &Status{
		ID:         j.ID,
		Kind:       j.Kind,
		TenantID:   j.TenantID,
		Priority:   j.Priority,
		State:      StatePending,
		EnqueuedAt: j.EnqueuedAt,
	}
}

// ProvisionPayload carries the provider config sent to the instance backend.
type ProvisionPayload struct {
	Config json.RawMessage `json:"config,omitempty"`
}

// DeletePayload remembers the state to revert to if deletion fails.
type DeletePayload struct {
	PreviousState tenant.State `json:"previous_state"`
}

// ModulePayload names the module to install or uninstall.
type ModulePayload struct {
	Module string `json:"module"`
}

// RestorePayload names the backup records to restore from.
type RestorePayload struct {
	DatabaseBackupID  string       `json:"database_backup_id"`
	FilestoreBackupID string       `json:"filestore_backup_id,omitempty"`
	PreviousState     tenant.State `json:"previous_state"`
}

// Result is what handlers record as a finished job's result.
type Result struct {
	Outcome string         `json:"outcome"` // "completed" | "skipped" | "noop"
	Detail  string         `json:"detail,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}
