// Package tenant defines the tenant domain model and its lifecycle state machine.
package tenant

import (
	"encoding/json"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain"
)

// State is the lifecycle state of a tenant.
type State string

const (
	StateCreating  State = "CREATING"
	StateActive    State = "ACTIVE"
	StateSuspended State = "SUSPENDED"
	StateDeleting  State = "DELETING"
	StateDeleted   State = "DELETED"
	StateRestoring State = "RESTORING"
	StateError     State = "ERROR"
)

// validStates enumerates every state a tenant row may hold.
var validStates = map[State]bool{
	StateCreating:  true,
	StateActive:    true,
	StateSuspended: true,
	StateDeleting:  true,
	StateDeleted:   true,
	StateRestoring: true,
	StateError:     true,
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool { return validStates[s] }

// Transient reports whether s is a state that only a running job may leave.
func (s State) Transient() bool {
	return s == StateCreating || s == StateDeleting || s == StateRestoring
}

// ParseState converts a stored string to a State, rejecting unknown values.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", domain.NewValidationError("state", "unknown tenant state %q", s)
	}
	return st, nil
}

// TransientStates lists the states the watchdog inspects.
var TransientStates = []State{StateCreating, StateDeleting, StateRestoring}

// Tenant is one customer's isolated application instance.
type Tenant struct {
	ID                 string          `json:"id"`
	Slug               string          `json:"slug"`
	Name               string          `json:"name"`
	CustomerID         string          `json:"customer_id"`
	PlanID             string          `json:"plan_id"`
	State              State           `json:"state"`
	StateMessage       string          `json:"state_message,omitempty"`
	DBHost             string          `json:"db_host"`
	DBPort             int             `json:"db_port"`
	DBName             string          `json:"db_name"`
	FilestorePath      string          `json:"filestore_path"`
	CurrentUsers       int             `json:"current_users"`
	DBSizeBytes        int64           `json:"db_size_bytes"`
	FilestoreSizeBytes int64           `json:"filestore_size_bytes"`
	CustomDomain       string          `json:"custom_domain,omitempty"`
	InstalledModules   []string        `json:"installed_modules"`
	Config             json.RawMessage `json:"config,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	SuspendedAt        *time.Time      `json:"suspended_at,omitempty"`
	LastBackupAt       *time.Time      `json:"last_backup_at,omitempty"`
}

// HasModule reports whether name is in the installed module list.
func (t *Tenant) HasModule(name string) bool {
	return slices.Contains(t.InstalledModules, name)
}

// Snapshot returns the lifecycle-relevant fields recorded in audit entries.
func (t *Tenant) Snapshot() map[string]any {
	snap := map[string]any{
		"state":             string(t.State),
		"installed_modules": t.InstalledModules,
	}
	if t.StateMessage != "" {
		snap["state_message"] = t.StateMessage
	}
	if t.SuspendedAt != nil {
		snap["suspended_at"] = t.SuspendedAt.UTC().Format(time.RFC3339)
	}
	if t.LastBackupAt != nil {
		snap["last_backup_at"] = t.LastBackupAt.UTC().Format(time.RFC3339)
	}
	return snap
}

var slugRegex = regexp.MustCompile(`^[a-z0-9-]+$`)

const (
	slugMinLen = 3
	slugMaxLen = 50
)

// ValidateSlug checks the URL-safe slug rules.
func ValidateSlug(slug string) error {
	if len(slug) < slugMinLen || len(slug) > slugMaxLen {
		return domain.NewValidationError("slug", "must be between %d and %d characters", slugMinLen, slugMaxLen)
	}
	if !slugRegex.MatchString(slug) {
		return domain.NewValidationError("slug", "must contain only lowercase letters, digits and hyphens")
	}
	return nil
}

// DBNameForSlug derives the globally unique database name for a slug.
func DBNameForSlug(slug string) string {
	return "tenant_" + strings.ReplaceAll(slug, "-", "_")
}

// CreateRequest holds the fields required to provision a new tenant.
type CreateRequest struct {
	Slug         string          `json:"slug"`
	Name         string          `json:"name"`
	CustomerID   string          `json:"customer_id"`
	PlanID       string          `json:"plan_id"`
	CustomDomain string          `json:"custom_domain,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
}

// Validate checks that the CreateRequest is well formed.
func (r *CreateRequest) Validate() error {
	if err := ValidateSlug(r.Slug); err != nil {
		return err
	}
	if strings.TrimSpace(r.Name) == "" {
		return domain.NewValidationError("name", "is required")
	}
	if r.CustomerID == "" {
		return domain.NewValidationError("customer_id", "is required")
	}
	if r.PlanID == "" {
		return domain.NewValidationError("plan_id", "is required")
	}
	if len(r.Config) > 0 && !json.Valid(r.Config) {
		return domain.NewValidationError("config", "must be valid JSON")
	}
	return nil
}

// ListFilter narrows tenant listings.
type ListFilter struct {
	CustomerID string
	States     []State
	Limit      int
	Offset     int
}
