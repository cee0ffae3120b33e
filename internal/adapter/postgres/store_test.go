package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/TenantForge/internal/adapter/postgres"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/audit"
	"github.com/Strob0t/TenantForge/internal/domain/backup"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool), pool
}

// seedCustomer inserts a customer and a plan allowing planMax tenants.
func seedCustomer(t *testing.T, pool *pgxpool.Pool, planMax int) (customerID, planID string) {
	t.Helper()
	ctx := context.Background()
	customerID = uuid.NewString()
	planID = uuid.NewString()
	if _, err := pool.Exec(ctx, `INSERT INTO customers (id, name) VALUES ($1, $2)`, customerID, "Acme "+customerID[:8]); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO plans (id, name, max_tenants) VALUES ($1, $2, $3)`, planID, "plan-"+planID[:8], planMax); err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	return customerID, planID
}

func newTenant(customerID, planID string) *tenant.Tenant {
	slug := "t-" + uuid.NewString()[:8]
	return &tenant.Tenant{
		Slug:       slug,
		Name:       "Tenant " + slug,
		CustomerID: customerID,
		PlanID:     planID,
		State:      tenant.StateCreating,
		DBName:     tenant.DBNameForSlug(slug),
		DBHost:     "localhost",
		DBPort:     5432,
	}
}

func createEntry(t *testing.T) *audit.Entry {
	t.Helper()
	e, err := audit.NewEntry(audit.Actor{ID: "operator-1"}, audit.ActionCreate, audit.ResourceTenant, "", nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func createActive(t *testing.T, s *postgres.Store, customerID, planID string) *tenant.Tenant {
	t.Helper()
	ctx := context.Background()
	tn := newTenant(customerID, planID)
	if err := s.CreateTenant(ctx, tn, 0, createEntry(t)); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	_, err := s.TransitionTenant(ctx, &tenant.Transition{
		TenantID: tn.ID, Op: tenant.OpCreate, From: []tenant.State{tenant.StateCreating}, To: tenant.StateActive,
	}, nil)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return tn
}

func TestCreateAndGetTenant(t *testing.T) {
	s, pool := setupStore(t)
	ctx := context.Background()
	cust, plan := seedCustomer(t, pool, 0)

	tn := newTenant(cust, plan)
	if err := s.CreateTenant(ctx, tn, 0, createEntry(t)); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	got, err := s.GetTenant(ctx, tn.ID)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if got.Slug != tn.Slug || got.State != tenant.StateCreating || got.DBName != tn.DBName {
		t.Fatalf("unexpected tenant: %+v", got)
	}

	chain, err := s.AuditChain(ctx, audit.ResourceTenant, tn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 1 || chain[0].Action != audit.ActionCreate {
		t.Fatalf("chain = %+v", chain)
	}
	if !audit.Verify(&chain[0]) {
		t.Fatal("stored entry does not verify after round trip")
	}
}

func TestGetTenantNotFound(t *testing.T) {
	s, _ := setupStore(t)
	for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
		if _, err := s.GetTenant(context.Background(), id); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("GetTenant(%q): expected ErrNotFound, got %v", id, err)
		}
	}
	if _, err := s.GetBackup(context.Background(), "42"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetBackup: expected ErrNotFound, got %v", err)
	}
}

func TestCreateTenantDuplicateSlug(t *testing.T) {
	s, pool := setupStore(t)
	ctx := context.Background()
	cust, plan := seedCustomer(t, pool, 0)

	a := newTenant(cust, plan)
	if err := s.CreateTenant(ctx, a, 0, createEntry(t)); err != nil {
		t.Fatal(err)
	}
	b := newTenant(cust, plan)
	b.Slug, b.DBName = a.Slug, a.DBName
	err := s.CreateTenant(ctx, b, 0, createEntry(t))
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCreateTenantLimit(t *testing.T) {
	s, pool := setupStore(t)
	ctx := context.Background()
	cust, plan := seedCustomer(t, pool, 2)

	for range 2 {
		if err := s.CreateTenant(ctx, newTenant(cust, plan), 2, createEntry(t)); err != nil {
			t.Fatal(err)
		}
	}
	err := s.CreateTenant(ctx, newTenant(cust, plan), 2, createEntry(t))
	var limitErr *domain.TenantLimitError
	if !errors.As(err, &limitErr) || limitErr.Limit != 2 {
		t.Fatalf("expected tenant limit error, got %v", err)
	}
	if err.Error() != "Tenant Limit Reached: customer has reached their limit of 2 tenants" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestTransitionConflictWritesNothing(t *testing.T) {
	s, pool := setupStore(t)
	ctx := context.Background()
	cust, plan := seedCustomer(t, pool, 0)
	tn := createActive(t, s, cust, plan)

	suspend := func() error {
		e, _ := audit.NewEntry(audit.System, audit.ActionSuspend, audit.ResourceTenant, tn.ID, nil, nil, nil)
		_, err := s.TransitionTenant(ctx, &tenant.Transition{
			TenantID: tn.ID, Op: tenant.OpSuspend, From: []tenant.State{tenant.StateActive},
			To: tenant.StateSuspended, SetSuspendedAt: true,
		}, e)
		return err
	}
	if err := suspend(); err != nil {
		t.Fatalf("first suspend: %v", err)
	}
	before, _ := s.AuditChain(ctx, audit.ResourceTenant, tn.ID)

	err := suspend()
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Current != string(tenant.StateSuspended) {
		t.Fatalf("expected conflict carrying SUSPENDED, got %v", err)
	}
	after, _ := s.AuditChain(ctx, audit.ResourceTenant, tn.ID)
	if len(after) != len(before) {
		t.Fatalf("rejected transition wrote audit: %d -> %d entries", len(before), len(after))
	}

	got, _ := s.GetTenant(ctx, tn.ID)
	if got.SuspendedAt == nil {
		t.Fatal("suspended_at not set")
	}
}

func TestConcurrentDeleteOneWins(t *testing.T) {
	s, pool := setupStore(t)
	ctx := context.Background()
	cust, plan := seedCustomer(t, pool, 0)
	tn := createActive(t, s, cust, plan)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _ := audit.NewEntry(audit.System, audit.ActionDelete, audit.ResourceTenant, tn.ID, nil, nil, nil)
			_, err := s.TransitionTenant(ctx, &tenant.Transition{
				TenantID: tn.ID, Op: tenant.OpDelete,
				From: []tenant.State{tenant.StateActive, tenant.StateSuspended, tenant.StateError},
				To:   tenant.StateDeleting,
			}, e)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || conflicts != n-1 {
		t.Fatalf("succeeded=%d conflicts=%d", succeeded, conflicts)
	}
	chain, _ := s.AuditChain(ctx, audit.ResourceTenant, tn.ID)
	if i := audit.VerifyChain(chain); i != -1 {
		t.Fatalf("chain broken at %d", i)
	}
}

func TestListStuckTenants(t *testing.T) {
	s, pool := setupStore(t)
	ctx := context.Background()
	cust, plan := seedCustomer(t, pool, 0)

	tn := newTenant(cust, plan)
	if err := s.CreateTenant(ctx, tn, 0, createEntry(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, `UPDATE tenants SET updated_at = now() - interval '2 hours' WHERE id = $1`, tn.ID); err != nil {
		t.Fatal(err)
	}

	stuck, err := s.ListStuckTenants(ctx, tenant.TransientStates, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, st := range stuck {
		if st.ID == tn.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("tenant stuck in CREATING for 2h not listed")
	}
}

func TestAuditQueryFilter(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	rid := uuid.NewString()

	for _, a := range []audit.Action{audit.ActionBackup, audit.ActionBackupCompleted} {
		e, _ := audit.NewEntry(audit.Actor{ID: "op", IPAddress: "10.0.0.1"}, a, audit.ResourceTenant, rid, nil, nil, map[string]any{"n": 1})
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.QueryAudit(ctx, audit.Filter{ResourceID: rid, Action: audit.ActionBackupCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Action != audit.ActionBackupCompleted {
		t.Fatalf("filtered = %+v", got)
	}
	got, _ = s.QueryAudit(ctx, audit.Filter{ResourceID: rid, IPAddress: "10.0.0.1"})
	if len(got) != 2 {
		t.Fatalf("ip filter returned %d entries", len(got))
	}
	chain, _ := s.AuditChain(ctx, audit.ResourceTenant, rid)
	if len(chain) != 2 || chain[1].PrevHash != chain[0].PayloadHash {
		t.Fatal("second entry must link to the first")
	}
}

func TestAuditIsAppendOnly(t *testing.T) {
	s, pool := setupStore(t)
	ctx := context.Background()
	e, _ := audit.NewEntry(audit.System, audit.ActionRetentionSweep, audit.ResourcePlatform, "sweep", nil, nil, nil)
	if err := s.AppendAudit(ctx, e); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, `UPDATE audit_log SET action = 'x' WHERE id = $1`, e.ID); err == nil {
		t.Fatal("update on audit_log must be rejected")
	}
}

func TestBackupLifecycle(t *testing.T) {
	s, pool := setupStore(t)
	ctx := context.Background()
	cust, plan := seedCustomer(t, pool, 0)
	tn := createActive(t, s, cust, plan)

	rec := &backup.Record{TenantID: &tn.ID, Type: backup.TypeDatabase, Source: tn.DBName, Bucket: "b", CompressionLevel: 6}
	if err := s.CreateBackup(ctx, rec); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	rec.Status = backup.StatusCompleted
	rec.Key = "tenants/x/y.sql.gz"
	rec.SizeBytes = 42
	rec.CompletedAt = &past
	rec.ExpiresAt = &past
	if err := s.UpdateBackup(ctx, rec); err != nil {
		t.Fatal(err)
	}

	expired, err := s.ListExpiredBackups(ctx, time.Now(), 100)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range expired {
		if r.ID == rec.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expired backup not listed")
	}

	if err := s.MarkBackupDeleted(ctx, rec.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkBackupDeleted(ctx, rec.ID, time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
	got, _ := s.GetBackup(ctx, rec.ID)
	if got.Status != backup.StatusDeleted || got.DeletedAt == nil {
		t.Fatalf("backup = %+v", got)
	}

	list, _ := s.ListBackups(ctx, backup.Filter{TenantID: tn.ID})
	if len(list) != 1 {
		t.Fatalf("ListBackups = %d records", len(list))
	}
}

func TestCustomerAndPlan(t *testing.T) {
	s, pool := setupStore(t)
	ctx := context.Background()
	cust, plan := seedCustomer(t, pool, 3)

	c, err := s.GetCustomer(ctx, cust)
	if err != nil || !c.Active || c.MaxTenants != nil {
		t.Fatalf("customer = %+v, %v", c, err)
	}
	p, err := s.GetPlan(ctx, plan)
	if err != nil || p.MaxTenants != 3 || len(p.AllowedModules) != 0 {
		t.Fatalf("plan = %+v, %v", p, err)
	}
	if _, err := s.GetPlan(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTenantLockerExclusive(t *testing.T) {
	_, pool := setupStore(t)
	ctx := context.Background()
	l := postgres.NewLocker(pool, nil)
	id := uuid.NewString()

	unlock, ok, err := l.TryLock(ctx, id)
	if err != nil || !ok {
		t.Fatalf("first TryLock = %v, %v", ok, err)
	}
	if _, ok, err := l.TryLock(ctx, id); err != nil || ok {
		t.Fatalf("second TryLock = %v, %v, want busy", ok, err)
	}
	other, ok, err := l.TryLock(ctx, uuid.NewString())
	if err != nil || !ok {
		t.Fatalf("other tenant TryLock = %v, %v", ok, err)
	}
	other()

	unlock()
	again, ok, err := l.TryLock(ctx, id)
	if err != nil || !ok {
		t.Fatalf("TryLock after unlock = %v, %v", ok, err)
	}
	again()
}
