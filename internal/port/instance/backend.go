// Package instance defines the port for the remote instance service that
// performs the actual database and application provisioning.
package instance

import (
	"context"
	"encoding/json"
)

// Result is the decoded {status, message, details} response body.
type Result struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`

	// NoOp is set when the backend reported the work as already done.
	NoOp bool `json:"-"`
}

// Backend is the instance service. Transport failures are returned as
// *domain.TransportError, application failures as *domain.BackendError.
type Backend interface {
	Create(ctx context.Context, tenantID string, cfg json.RawMessage) (*Result, error)
	Delete(ctx context.Context, tenantID string) (*Result, error)
	InstallModule(ctx context.Context, tenantID, module string) (*Result, error)
	UninstallModule(ctx context.Context, tenantID, module string) (*Result, error)
	// Backup asks the backend to quiesce the tenant and returns the path of
	// the snapshot it prepared, or "" when the live filestore should be used.
	Backup(ctx context.Context, tenantID string) (string, error)
	// Reinitialize tells the backend a tenant was restored from restoredFrom.
	Reinitialize(ctx context.Context, tenantID, restoredFrom string) error
}
