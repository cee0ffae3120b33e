package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Tenants
		r.Post("/tenants", h.CreateTenant)
		r.Get("/tenants", h.ListTenants)
		r.Get("/tenants/{id}", h.GetTenant)
		r.Delete("/tenants/{id}", h.DeleteTenant)

		// Lifecycle operations (nested under tenants)
		r.Post("/tenants/{id}/suspend", h.SuspendTenant)
		r.Post("/tenants/{id}/unsuspend", h.UnsuspendTenant)
		r.Post("/tenants/{id}/backup", h.BackupTenant)
		r.Post("/tenants/{id}/restore", h.RestoreTenant)
		r.Get("/tenants/{id}/backups", h.ListTenantBackups)

		// Modules (nested under tenants)
		r.Post("/tenants/{id}/modules/{name}", h.InstallModule)
		r.Delete("/tenants/{id}/modules/{name}", h.UninstallModule)

		// Jobs
		r.Get("/jobs/{id}", h.GetJob)
		r.Delete("/jobs/{id}", h.CancelJob)

		// Audit
		r.Get("/audit", h.QueryAudit)
		r.Get("/audit/{id}/verify", h.VerifyAuditEntry)
		r.Get("/audit/chain/{type}/{id}/verify", h.VerifyAuditChain)
	})
}
