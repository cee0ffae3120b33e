package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/TenantForge/internal/adapter/memqueue"
	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain/job"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	order []job.Kind
	fn    func(ctx context.Context, j *job.Job) (*job.Result, error)
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, j *job.Job) (*job.Result, error) {
	d.mu.Lock()
	d.order = append(d.order, j.Kind)
	d.mu.Unlock()
	if d.fn != nil {
		return d.fn(ctx, j)
	}
	return &job.Result{Outcome: "completed"}, nil
}

func (d *fakeDispatcher) kinds() []job.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]job.Kind(nil), d.order...)
}

func enqueueKind(t *testing.T, q *memqueue.Queue, k job.Kind) string {
	t.Helper()
	j, err := job.New(k, "t1", nil)
	if err != nil {
		t.Fatal(err)
	}
	id, err := q.Enqueue(context.Background(), j)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func testWorkers() config.Workers {
	return config.Workers{Concurrency: 1, PollInterval: 10 * time.Millisecond}
}

func TestWorkerPool_PriorityOrder(t *testing.T) {
	q := memqueue.New()
	d := &fakeDispatcher{}
	p := NewWorkerPool(q, d, testWorkers(), slog.Default())

	enqueueKind(t, q, job.KindRetentionSweep)
	enqueueKind(t, q, job.KindBackupTenant)
	enqueueKind(t, q, job.KindProvisionTenant)

	for range 3 {
		ran, err := p.RunOnce(context.Background())
		if err != nil || !ran {
			t.Fatalf("RunOnce = %v, %v", ran, err)
		}
	}
	want := []job.Kind{job.KindProvisionTenant, job.KindBackupTenant, job.KindRetentionSweep}
	got := d.kinds()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if ran, _ := p.RunOnce(context.Background()); ran {
		t.Fatal("RunOnce ran a job on an empty queue")
	}
}

func TestWorkerPool_ReportsOutcome(t *testing.T) {
	tests := []struct {
		name      string
		fn        func(context.Context, *job.Job) (*job.Result, error)
		wantState job.State
		wantErr   string
	}{
		{
			name: "finished",
			fn: func(context.Context, *job.Job) (*job.Result, error) {
				return &job.Result{Outcome: "skipped", Detail: "tenant is ACTIVE"}, nil
			},
			wantState: job.StateFinished,
		},
		{
			name: "failed",
			fn: func(context.Context, *job.Job) (*job.Result, error) {
				return nil, errors.New("backend exploded")
			},
			wantState: job.StateFailed,
			wantErr:   "backend exploded",
		},
		{
			name: "panic",
			fn: func(context.Context, *job.Job) (*job.Result, error) {
				panic("boom")
			},
			wantState: job.StateFailed,
			wantErr:   "handler panic: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := memqueue.New()
			p := NewWorkerPool(q, &fakeDispatcher{fn: tt.fn}, testWorkers(), slog.Default())
			id := enqueueKind(t, q, job.KindProvisionTenant)

			if _, err := p.RunOnce(context.Background()); err != nil {
				t.Fatal(err)
			}
			st, err := q.Status(context.Background(), id)
			if err != nil {
				t.Fatal(err)
			}
			if st.State != tt.wantState || st.Error != tt.wantErr {
				t.Fatalf("status = %s %q", st.State, st.Error)
			}
			if st.StartedAt == nil || st.EndedAt == nil {
				t.Fatalf("timestamps missing: %+v", st)
			}
			if tt.wantState == job.StateFinished {
				var res job.Result
				if err := json.Unmarshal(st.Result, &res); err != nil || res.Outcome != "skipped" {
					t.Fatalf("result = %s, %v", st.Result, err)
				}
			}
		})
	}
}

func TestWorkerPool_JobTimeout(t *testing.T) {
	q := memqueue.New()
	d := &fakeDispatcher{fn: func(ctx context.Context, _ *job.Job) (*job.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p := NewWorkerPool(q, d, testWorkers(), slog.Default())
	j, _ := job.New(job.KindBackupTenant, "t1", nil)
	j.Timeout = 20 * time.Millisecond
	id, err := q.Enqueue(context.Background(), j)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	st, _ := q.Status(context.Background(), id)
	if st.State != job.StateFailed || st.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("status = %s %q", st.State, st.Error)
	}
}

func TestWorkerPool_InFlightJobSurvivesShutdown(t *testing.T) {
	q := memqueue.New()
	started := make(chan struct{})
	release := make(chan struct{})
	d := &fakeDispatcher{fn: func(ctx context.Context, _ *job.Job) (*job.Result, error) {
		close(started)
		<-release
		return &job.Result{Outcome: "completed"}, ctx.Err()
	}}
	p := NewWorkerPool(q, d, testWorkers(), slog.Default())
	id := enqueueKind(t, q, job.KindProvisionTenant)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	cancel()
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	st, _ := q.Status(context.Background(), id)
	if st.State != job.StateFinished {
		t.Fatalf("status = %s %q, want finished", st.State, st.Error)
	}
}

func TestWorkerPool_TenantJobsDoNotOverlap(t *testing.T) {
	q := memqueue.New()
	var running, peak atomic.Int32
	d := &fakeDispatcher{fn: func(context.Context, *job.Job) (*job.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &job.Result{Outcome: "completed"}, nil
	}}
	cfg := testWorkers()
	cfg.Concurrency = 3
	p := NewWorkerPool(q, d, cfg, slog.Default())

	ids := []string{
		enqueueKind(t, q, job.KindInstallModule),
		enqueueKind(t, q, job.KindUninstallModule),
		enqueueKind(t, q, job.KindBackupTenant),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for _, id := range ids {
		for {
			st, _ := q.Status(context.Background(), id)
			if st != nil && st.State == job.StateFinished {
				break
			}
			select {
			case <-deadline:
				t.Fatalf("job %s did not finish", id)
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
	cancel()
	<-done

	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrent jobs for one tenant = %d, want 1", got)
	}
	if got := len(d.kinds()); got != 3 {
		t.Fatalf("dispatched %d jobs, want 3", got)
	}
}

func TestWorkerPool_BusyTenantIsRequeued(t *testing.T) {
	q := memqueue.New()
	d := &fakeDispatcher{}
	locks := memqueue.NewLocker()
	p := NewWorkerPool(q, d, testWorkers(), slog.Default())
	p.SetLocker(locks)

	unlock, ok, _ := locks.TryLock(context.Background(), "t1")
	if !ok {
		t.Fatal("could not take t1")
	}
	id := enqueueKind(t, q, job.KindBackupTenant)

	ran, err := p.RunOnce(context.Background())
	if err != nil || ran {
		t.Fatalf("RunOnce on busy tenant = %v, %v", ran, err)
	}
	if st, _ := q.Status(context.Background(), id); st.State != job.StatePending {
		t.Fatalf("status = %s, want pending", st.State)
	}
	if len(d.kinds()) != 0 {
		t.Fatal("job dispatched while tenant was locked")
	}

	unlock()
	if ran, err := p.RunOnce(context.Background()); err != nil || !ran {
		t.Fatalf("RunOnce after unlock = %v, %v", ran, err)
	}
	if locks.Held("t1") {
		t.Fatal("tenant lock not released after job")
	}
}
