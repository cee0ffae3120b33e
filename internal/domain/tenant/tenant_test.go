package tenant

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain"
)

func TestParseState(t *testing.T) {
	for s := range validStates {
		got, err := ParseState(string(s))
		if err != nil || got != s {
			t.Errorf("ParseState(%q) = %q, %v", s, got, err)
		}
	}
	for _, bad := range []string{"", "active", "PROVISIONING", "failed"} {
		if _, err := ParseState(bad); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("ParseState(%q) err = %v, want validation error", bad, err)
		}
	}
}

func TestValidateSlug(t *testing.T) {
	tests := []struct {
		slug string
		ok   bool
	}{
		{"acme-co", true},
		{"abc", true},
		{"a1-b2-c3", true},
		{strings.Repeat("a", 50), true},
		{"ab", false},
		{strings.Repeat("a", 51), false},
		{"Acme", false},
		{"acme_co", false},
		{"acme.co", false},
		{"acme co", false},
	}
	for _, tt := range tests {
		t.Run(tt.slug, func(t *testing.T) {
			err := ValidateSlug(tt.slug)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDBNameForSlug(t *testing.T) {
	if got := DBNameForSlug("acme-co"); got != "tenant_acme_co" {
		t.Fatalf("DBNameForSlug = %q", got)
	}
}

func TestCreateRequest_Validate(t *testing.T) {
	valid := CreateRequest{Slug: "acme-co", Name: "Acme", CustomerID: "c1", PlanID: "p1"}
	tests := []struct {
		name    string
		modify  func(*CreateRequest)
		wantErr string
	}{
		{name: "valid", modify: func(*CreateRequest) {}},
		{name: "bad slug", modify: func(r *CreateRequest) { r.Slug = "A!" }, wantErr: "validation: slug: must be between 3 and 50 characters"},
		{name: "missing name", modify: func(r *CreateRequest) { r.Name = "  " }, wantErr: "validation: name: is required"},
		{name: "missing customer", modify: func(r *CreateRequest) { r.CustomerID = "" }, wantErr: "validation: customer_id: is required"},
		{name: "missing plan", modify: func(r *CreateRequest) { r.PlanID = "" }, wantErr: "validation: plan_id: is required"},
		{name: "bad config", modify: func(r *CreateRequest) { r.Config = []byte("{") }, wantErr: "validation: config: must be valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.modify(&req)
			err := req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestRulePreconditions(t *testing.T) {
	tests := []struct {
		op      Op
		allowed []State
	}{
		{OpDelete, []State{StateActive, StateSuspended, StateError}},
		{OpSuspend, []State{StateActive}},
		{OpUnsuspend, []State{StateSuspended}},
		{OpBackup, []State{StateActive}},
		{OpRestore, []State{StateActive, StateSuspended, StateError}},
		{OpInstallModule, []State{StateActive}},
		{OpUninstallModule, []State{StateActive}},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			rule, ok := RuleFor(tt.op)
			if !ok {
				t.Fatalf("no rule for %s", tt.op)
			}
			for s := range validStates {
				want := false
				for _, a := range tt.allowed {
					if a == s {
						want = true
					}
				}
				if got := rule.Allows(s); got != want {
					t.Errorf("%s from %s: allowed = %v, want %v", tt.op, s, got, want)
				}
			}
		})
	}
	if _, ok := RuleFor(OpCreate); ok {
		t.Error("create must not have a precondition rule")
	}
}

func TestApply(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	t.Run("suspend sets timestamp", func(t *testing.T) {
		tn := &Tenant{State: StateActive}
		err := Apply(tn, &Transition{Op: OpSuspend, From: []State{StateActive}, To: StateSuspended, SetSuspendedAt: true}, now)
		if err != nil {
			t.Fatal(err)
		}
		if tn.State != StateSuspended || tn.SuspendedAt == nil || !tn.SuspendedAt.Equal(now) {
			t.Fatalf("unexpected tenant after suspend: %+v", tn)
		}
		if !tn.UpdatedAt.Equal(now) {
			t.Fatalf("updated_at not bumped")
		}
	})

	t.Run("unsuspend clears timestamp", func(t *testing.T) {
		ts := now.Add(-time.Hour)
		tn := &Tenant{State: StateSuspended, SuspendedAt: &ts}
		if err := Apply(tn, &Transition{Op: OpUnsuspend, From: []State{StateSuspended}, To: StateActive, ClearSuspendedAt: true}, now); err != nil {
			t.Fatal(err)
		}
		if tn.State != StateActive || tn.SuspendedAt != nil {
			t.Fatalf("unexpected tenant after unsuspend: %+v", tn)
		}
	})

	t.Run("conflict leaves tenant untouched", func(t *testing.T) {
		tn := &Tenant{State: StateDeleting, StateMessage: "in progress"}
		err := Apply(tn, &Transition{Op: OpSuspend, From: []State{StateActive}, To: StateSuspended, Message: Msg("x")}, now)
		var ce *domain.ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
		if ce.Current != string(StateDeleting) {
			t.Fatalf("conflict current = %s", ce.Current)
		}
		if tn.State != StateDeleting || tn.StateMessage != "in progress" || !tn.UpdatedAt.IsZero() {
			t.Fatalf("tenant mutated on conflict: %+v", tn)
		}
	})

	t.Run("modules", func(t *testing.T) {
		tn := &Tenant{State: StateActive, InstalledModules: []string{"sale"}}
		tr := &Transition{From: []State{StateActive}, AddModule: "crm"}
		if err := Apply(tn, tr, now); err != nil {
			t.Fatal(err)
		}
		// Adding twice is a no-op.
		if err := Apply(tn, tr, now); err != nil {
			t.Fatal(err)
		}
		if len(tn.InstalledModules) != 2 || !tn.HasModule("crm") {
			t.Fatalf("modules after add = %v", tn.InstalledModules)
		}
		if err := Apply(tn, &Transition{From: []State{StateActive}, RemoveModule: "sale"}, now); err != nil {
			t.Fatal(err)
		}
		if tn.HasModule("sale") || len(tn.InstalledModules) != 1 {
			t.Fatalf("modules after remove = %v", tn.InstalledModules)
		}
		if tn.State != StateActive {
			t.Fatalf("module ops must not change state, got %s", tn.State)
		}
	})

	t.Run("invalid target state", func(t *testing.T) {
		tn := &Tenant{State: StateActive}
		err := Apply(tn, &Transition{From: []State{StateActive}, To: "BOGUS"}, now)
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if tn.State != StateActive {
			t.Fatalf("state changed to %s", tn.State)
		}
	})
}
