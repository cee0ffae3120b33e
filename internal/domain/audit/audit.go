// Package audit defines the append-only audit ledger entry and its
// tamper-evidence hashing.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is what an audit entry records.
type Action string

const (
	ActionCreate                   Action = "create"
	ActionCreateCompleted          Action = "create_completed"
	ActionCreateFailed             Action = "create_failed"
	ActionDelete                   Action = "delete"
	ActionDeleteCompleted          Action = "delete_completed"
	ActionDeleteFailed             Action = "delete_failed"
	ActionSuspend                  Action = "suspend"
	ActionUnsuspend                Action = "unsuspend"
	ActionBackup                   Action = "backup"
	ActionBackupCompleted          Action = "backup_completed"
	ActionBackupFailed             Action = "backup_failed"
	ActionRestore                  Action = "restore"
	ActionRestoreCompleted         Action = "restore_completed"
	ActionRestoreFailed            Action = "restore_failed"
	ActionModuleInstall            Action = "module_install"
	ActionModuleInstallCompleted   Action = "module_install_completed"
	ActionModuleInstallFailed      Action = "module_install_failed"
	ActionModuleUninstall          Action = "module_uninstall"
	ActionModuleUninstallCompleted Action = "module_uninstall_completed"
	ActionModuleUninstallFailed    Action = "module_uninstall_failed"
	ActionEnqueueFailed            Action = "enqueue_failed"
	ActionWatchdogFlagged          Action = "watchdog_flagged"
	ActionRetentionSweep           Action = "retention_sweep"
)

var validActions = map[Action]bool{
	ActionCreate: true, ActionCreateCompleted: true, ActionCreateFailed: true,
	ActionDelete: true, ActionDeleteCompleted: true, ActionDeleteFailed: true,
	ActionSuspend: true, ActionUnsuspend: true,
	ActionBackup: true, ActionBackupCompleted: true, ActionBackupFailed: true,
	ActionRestore: true, ActionRestoreCompleted: true, ActionRestoreFailed: true,
	ActionModuleInstall: true, ActionModuleInstallCompleted: true, ActionModuleInstallFailed: true,
	ActionModuleUninstall: true, ActionModuleUninstallCompleted: true, ActionModuleUninstallFailed: true,
	ActionEnqueueFailed: true, ActionWatchdogFlagged: true,
	ActionRetentionSweep: true,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool { return validActions[a] }

// ResourceType names the kind of resource an entry is about.
type ResourceType string

const (
	ResourceTenant   ResourceType = "tenant"
	ResourceBackup   ResourceType = "backup"
	ResourcePlatform ResourceType = "platform"
)

// Actor identifies who triggered an action. The zero value is the system.
type Actor struct {
	ID        string
	IPAddress string
	UserAgent string
}

// System is the actor used for worker, watchdog and sweep entries.
var System = Actor{}

// Entry is one immutable audit record.
type Entry struct {
	ID           string          `json:"id"`
	ActorID      *string         `json:"actor_id,omitempty"`
	Action       Action          `json:"action"`
	ResourceType ResourceType    `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	OldValues    json.RawMessage `json:"old_values,omitempty"`
	NewValues    json.RawMessage `json:"new_values,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	PrevHash     string          `json:"prev_hash,omitempty"`
	PayloadHash  string          `json:"payload_hash"`
}

// NewEntry builds an unsealed entry. before, after and metadata may be nil.
func NewEntry(actor Actor, action Action, rt ResourceType, resourceID string, before, after, metadata any) (*Entry, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("audit: unknown action %q", action)
	}
	e := &Entry{
		Action:       action,
		ResourceType: rt,
		ResourceID:   resourceID,
		IPAddress:    actor.IPAddress,
		UserAgent:    actor.UserAgent,
	}
	if actor.ID != "" {
		id := actor.ID
		e.ActorID = &id
	}
	var err error
	if e.OldValues, err = marshalOptional(before); err != nil {
		return nil, fmt.Errorf("audit: old values: %w", err)
	}
	if e.NewValues, err = marshalOptional(after); err != nil {
		return nil, fmt.Errorf("audit: new values: %w", err)
	}
	if e.Metadata, err = marshalOptional(metadata); err != nil {
		return nil, fmt.Errorf("audit: metadata: %w", err)
	}
	return e, nil
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Filter narrows audit queries. Zero fields are ignored.
type Filter struct {
	ActorID      string
	ResourceType ResourceType
	ResourceID   string
	Action       Action
	IPAddress    string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}
