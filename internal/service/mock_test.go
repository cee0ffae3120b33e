package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/audit"
	"github.com/Strob0t/TenantForge/internal/domain/backup"
	"github.com/Strob0t/TenantForge/internal/domain/customer"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/database"
	"github.com/Strob0t/TenantForge/internal/port/instance"
)

// mockStore is an in-memory database.Store. Transitions go through
// tenant.Apply like the postgres store does.
type mockStore struct {
	mu        sync.Mutex
	tenants   map[string]*tenant.Tenant
	audits    []audit.Entry
	backups   map[string]*backup.Record
	customers map[string]*customer.Customer
	plans     map[string]*customer.Plan

	customerCalls int
	planCalls     int

	// transitionErr, when set, fails every TransitionTenant call.
	transitionErr error
}

var _ database.Store = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{
		tenants:   make(map[string]*tenant.Tenant),
		backups:   make(map[string]*backup.Record),
		customers: make(map[string]*customer.Customer),
		plans:     make(map[string]*customer.Plan),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}

func cloneTenant(t *tenant.Tenant) *tenant.Tenant {
	cp := *t
	cp.InstalledModules = slices.Clone(t.InstalledModules)
	return &cp
}

// seedTenant inserts t directly, bypassing limits and audit.
func (m *mockStore) seedTenant(t *tenant.Tenant) *tenant.Tenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	if t.InstalledModules == nil {
		t.InstalledModules = []string{}
	}
	m.tenants[t.ID] = cloneTenant(t)
	return t
}

func (m *mockStore) tenant(id string) *tenant.Tenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneTenant(m.tenants[id])
}

func (m *mockStore) setState(id string, s tenant.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[id].State = s
}

// actions returns the audit actions recorded for resourceID, oldest first.
func (m *mockStore) actions(resourceID string) []audit.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Action
	for _, e := range m.audits {
		if e.ResourceID == resourceID {
			out = append(out, e.Action)
		}
	}
	return out
}

func (m *mockStore) appendLocked(e *audit.Entry) error {
	prev := ""
	for i := len(m.audits) - 1; i >= 0; i-- {
		if m.audits[i].ResourceType == e.ResourceType && m.audits[i].ResourceID == e.ResourceID {
			prev = m.audits[i].PayloadHash
			break
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := audit.Seal(e, prev, time.Now()); err != nil {
		return err
	}
	m.audits = append(m.audits, *e)
	return nil
}

func (m *mockStore) CreateTenant(_ context.Context, t *tenant.Tenant, limit int, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owned := 0
	for _, x := range m.tenants {
		if x.Slug == t.Slug {
			return &domain.ConflictError{Op: "create", Reason: "slug already exists"}
		}
		if x.CustomerID == t.CustomerID && x.State != tenant.StateDeleted {
			owned++
		}
	}
	if limit > 0 && owned >= limit {
		return &domain.TenantLimitError{Limit: limit}
	}
	now := time.Now().UTC()
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.UpdatedAt = now
	m.tenants[t.ID] = cloneTenant(t)
	if entry != nil {
		entry.ResourceID = t.ID
		entry.NewValues, _ = json.Marshal(t.Snapshot())
		return m.appendLocked(entry)
	}
	return nil
}

func (m *mockStore) GetTenant(_ context.Context, id string) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, notFound("tenant", id)
	}
	return cloneTenant(t), nil
}

func (m *mockStore) ListTenants(_ context.Context, f tenant.ListFilter) ([]tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tenant.Tenant
	for _, t := range m.tenants {
		if f.CustomerID != "" && t.CustomerID != f.CustomerID {
			continue
		}
		if len(f.States) > 0 && !slices.Contains(f.States, t.State) {
			continue
		}
		out = append(out, *cloneTenant(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *mockStore) TransitionTenant(_ context.Context, tr *tenant.Transition, entry *audit.Entry) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitionErr != nil {
		return nil, m.transitionErr
	}
	cur, ok := m.tenants[tr.TenantID]
	if !ok {
		return nil, notFound("tenant", tr.TenantID)
	}
	next := cloneTenant(cur)
	if err := tenant.Apply(next, tr, time.Now().UTC()); err != nil {
		return nil, err
	}
	if entry != nil {
		if entry.OldValues == nil {
			entry.OldValues, _ = json.Marshal(cur.Snapshot())
		}
		if entry.NewValues == nil {
			entry.NewValues, _ = json.Marshal(next.Snapshot())
		}
		if err := m.appendLocked(entry); err != nil {
			return nil, err
		}
	}
	m.tenants[tr.TenantID] = next
	return cloneTenant(next), nil
}

func (m *mockStore) ListStuckTenants(_ context.Context, states []tenant.State, olderThan time.Time) ([]tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tenant.Tenant
	for _, t := range m.tenants {
		if slices.Contains(states, t.State) && t.UpdatedAt.Before(olderThan) {
			out = append(out, *cloneTenant(t))
		}
	}
	return out, nil
}

func (m *mockStore) AppendAudit(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *mockStore) GetAudit(_ context.Context, id string) (*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.audits {
		if m.audits[i].ID == id {
			e := m.audits[i]
			return &e, nil
		}
	}
	return nil, notFound("audit entry", id)
}

func (m *mockStore) QueryAudit(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Entry
	for i := len(m.audits) - 1; i >= 0; i-- {
		e := m.audits[i]
		if f.ResourceID != "" && e.ResourceID != f.ResourceID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) AuditChain(_ context.Context, rt audit.ResourceType, resourceID string) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Entry
	for _, e := range m.audits {
		if e.ResourceType == rt && e.ResourceID == resourceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) CreateBackup(_ context.Context, r *backup.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.backups[r.ID] = &cp
	return nil
}

func (m *mockStore) UpdateBackup(_ context.Context, r *backup.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backups[r.ID]; !ok {
		return notFound("backup", r.ID)
	}
	cp := *r
	m.backups[r.ID] = &cp
	return nil
}

func (m *mockStore) GetBackup(_ context.Context, id string) (*backup.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.backups[id]
	if !ok {
		return nil, notFound("backup", id)
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) ListBackups(_ context.Context, f backup.Filter) ([]backup.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []backup.Record
	for _, r := range m.backups {
		if f.TenantID != "" && (r.TenantID == nil || *r.TenantID != f.TenantID) {
			continue
		}
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *mockStore) ListExpiredBackups(_ context.Context, now time.Time, limit int) ([]backup.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []backup.Record
	for _, r := range m.backups {
		if r.Expired(now) {
			out = append(out, *r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) MarkBackupDeleted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.backups[id]
	if !ok || r.Status != backup.StatusCompleted {
		return notFound("backup", id)
	}
	r.Status = backup.StatusDeleted
	r.DeletedAt = &at
	return nil
}

func (m *mockStore) GetCustomer(_ context.Context, id string) (*customer.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customerCalls++
	c, ok := m.customers[id]
	if !ok {
		return nil, notFound("customer", id)
	}
	cp := *c
	return &cp, nil
}

func (m *mockStore) GetPlan(_ context.Context, id string) (*customer.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planCalls++
	p, ok := m.plans[id]
	if !ok {
		return nil, notFound("plan", id)
	}
	cp := *p
	return &cp, nil
}

// mockBackend records calls and fails the ones configured in errs.
type mockBackend struct {
	mu       sync.Mutex
	calls    []string
	errs     map[string]error
	noop     bool
	snapshot string
}

var _ instance.Backend = (*mockBackend)(nil)

func newMockBackend() *mockBackend { return &mockBackend{errs: map[string]error{}} }

func (b *mockBackend) record(call string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
	return b.errs[call]
}

func (b *mockBackend) called(call string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Contains(b.calls, call)
}

func (b *mockBackend) result(call string) (*instance.Result, error) {
	if err := b.record(call); err != nil {
		return nil, err
	}
	return &instance.Result{Status: "success", NoOp: b.noop}, nil
}

func (b *mockBackend) Create(_ context.Context, _ string, _ json.RawMessage) (*instance.Result, error) {
	return b.result("create")
}

func (b *mockBackend) Delete(_ context.Context, _ string) (*instance.Result, error) {
	return b.result("delete")
}

func (b *mockBackend) InstallModule(_ context.Context, _, _ string) (*instance.Result, error) {
	return b.result("install_module")
}

func (b *mockBackend) UninstallModule(_ context.Context, _, _ string) (*instance.Result, error) {
	return b.result("uninstall_module")
}

func (b *mockBackend) Backup(_ context.Context, _ string) (string, error) {
	if err := b.record("backup"); err != nil {
		return "", err
	}
	return b.snapshot, nil
}

func (b *mockBackend) Reinitialize(_ context.Context, _, _ string) error {
	return b.record("reinitialize")
}

// mockAdmin keeps each database as a byte slice.
type mockAdmin struct {
	mu        sync.Mutex
	dbs       map[string][]byte
	recreated int
	loadErr   error
}

func newMockAdmin() *mockAdmin { return &mockAdmin{dbs: map[string][]byte{}} }

func (a *mockAdmin) Dump(_ context.Context, dbName string, w io.Writer) error {
	a.mu.Lock()
	data, ok := a.dbs[dbName]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("database %s does not exist", dbName)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (a *mockAdmin) Recreate(_ context.Context, dbName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recreated++
	a.dbs[dbName] = nil
	return nil
}

func (a *mockAdmin) Load(_ context.Context, dbName string, r io.Reader) error {
	if a.loadErr != nil {
		return a.loadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dbs[dbName] = data
	return nil
}

func (a *mockAdmin) db(name string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.dbs[name])
}

// mapCache is a cache.Cache over a plain map.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]byte{}} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}
