package tenant

import (
	"slices"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain"
)

// Op is an operation a caller may request against a tenant.
type Op string

const (
	OpCreate          Op = "create"
	OpDelete          Op = "delete"
	OpSuspend         Op = "suspend"
	OpUnsuspend       Op = "unsuspend"
	OpBackup          Op = "backup"
	OpRestore         Op = "restore"
	OpInstallModule   Op = "install_module"
	OpUninstallModule Op = "uninstall_module"

	// OpFlagStuck annotates a tenant the watchdog found stuck. It is never
	// requested by callers.
	OpFlagStuck Op = "flag_stuck"
)

// Rule describes which states an op may start from and the state it moves
// the tenant into while the op is in flight. An empty To leaves state as is.
type Rule struct {
	From []State
	To   State
}

// Allows reports whether the rule's precondition holds for s.
func (r Rule) Allows(s State) bool {
	return slices.Contains(r.From, s)
}

var rules = map[Op]Rule{
	OpDelete:          {From: []State{StateActive, StateSuspended, StateError}, To: StateDeleting},
	OpSuspend:         {From: []State{StateActive}, To: StateSuspended},
	OpUnsuspend:       {From: []State{StateSuspended}, To: StateActive},
	OpBackup:          {From: []State{StateActive}},
	OpRestore:         {From: []State{StateActive, StateSuspended, StateError}, To: StateRestoring},
	OpInstallModule:   {From: []State{StateActive}},
	OpUninstallModule: {From: []State{StateActive}},
}

// RuleFor returns the precondition rule for op. Create has no rule since it
// starts from a new row.
func RuleFor(op Op) (Rule, bool) {
	r, ok := rules[op]
	return r, ok
}

// Transition is a compare-and-swap request against one tenant row: if the
// current state is in From the effects are applied, otherwise nothing changes.
type Transition struct {
	TenantID string
	Op       Op
	From     []State
	To       State // empty keeps the current state

	// Message replaces state_message when non-nil. A pointer to "" clears it.
	Message *string

	SetSuspendedAt   bool
	ClearSuspendedAt bool
	TouchLastBackup  bool
	AddModule        string
	RemoveModule     string
}

// Apply mutates t according to tr, or returns a ConflictError when t's state
// does not satisfy the precondition. t is left untouched on error.
func Apply(t *Tenant, tr *Transition, now time.Time) error {
	if !slices.Contains(tr.From, t.State) {
		return &domain.ConflictError{Op: string(tr.Op), Current: string(t.State)}
	}
	if tr.To != "" {
		if !tr.To.Valid() {
			return domain.NewValidationError("state", "unknown tenant state %q", tr.To)
		}
		t.State = tr.To
	}
	if tr.Message != nil {
		t.StateMessage = *tr.Message
	}
	switch {
	case tr.SetSuspendedAt:
		ts := now
		t.SuspendedAt = &ts
	case tr.ClearSuspendedAt:
		t.SuspendedAt = nil
	}
	if tr.TouchLastBackup {
		ts := now
		t.LastBackupAt = &ts
	}
	if tr.AddModule != "" && !t.HasModule(tr.AddModule) {
		t.InstalledModules = append(slices.Clone(t.InstalledModules), tr.AddModule)
	}
	if tr.RemoveModule != "" {
		t.InstalledModules = slices.DeleteFunc(slices.Clone(t.InstalledModules), func(m string) bool {
			return m == tr.RemoveModule
		})
	}
	t.UpdatedAt = now
	return nil
}

// Msg returns a pointer to s for Transition.Message.
func Msg(s string) *string { return &s }
