// Package customer defines the read-only customer and plan views the
// orchestrator needs for limit and module checks.
package customer

import "slices"

// Customer owns zero or more tenants.
type Customer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MaxTenants *int   `json:"max_tenants,omitempty"` // Optional per-customer override
	Active     bool   `json:"active"`
}

// Plan is the subscription tier a tenant is provisioned on.
type Plan struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	MaxTenants     int      `json:"max_tenants"` // 0 means unlimited
	AllowedModules []string `json:"allowed_modules,omitempty"`
	Active         bool     `json:"active"`
}

// AllowsModule reports whether the plan permits installing name.
// An empty allow-list permits every module.
func (p *Plan) AllowsModule(name string) bool {
	return len(p.AllowedModules) == 0 || slices.Contains(p.AllowedModules, name)
}

// TenantLimit returns the effective tenant cap for a customer on plan p. A
// positive customer override replaces the plan limit in either direction.
// 0 means unlimited.
func TenantLimit(c *Customer, p *Plan) int {
	if c.MaxTenants != nil && *c.MaxTenants > 0 {
		return *c.MaxTenants
	}
	return p.MaxTenants
}
