package postgres

import (
	"context"

	"github.com/Strob0t/TenantForge/internal/domain/customer"
)

func (s *Store) GetCustomer(ctx context.Context, id string) (*customer.Customer, error) {
	var c customer.Customer
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, max_tenants, active FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.MaxTenants, &c.Active)
	if err != nil {
		return nil, notFoundWrap(err, "get customer %s", id)
	}
	return &c, nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (*customer.Plan, error) {
	var p customer.Plan
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, max_tenants, allowed_modules, active FROM plans WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.MaxTenants, &p.AllowedModules, &p.Active)
	if err != nil {
		return nil, notFoundWrap(err, "get plan %s", id)
	}
	return &p, nil
}
