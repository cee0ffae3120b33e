package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/TenantForge/internal/adapter/memqueue"
	tfotel "github.com/Strob0t/TenantForge/internal/adapter/otel"
	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain/job"
	"github.com/Strob0t/TenantForge/internal/port/jobqueue"
	"github.com/Strob0t/TenantForge/internal/port/tenantlock"
)

const defaultHeartbeat = 30 * time.Second

// Dispatcher executes a claimed job.
type Dispatcher interface {
	Dispatch(ctx context.Context, j *job.Job) (*job.Result, error)
}

// WorkerPool claims jobs from the queue, highest priority first, and runs
// them through a Dispatcher. Shutdown is observed between jobs: a job that
// already started runs to completion or to its own timeout.
//
// A tenant job holds the tenant's lock for its whole run. A job whose tenant
// is locked is returned to the queue.
type WorkerPool struct {
	queue     jobqueue.Queue
	handlers  Dispatcher
	locks     tenantlock.Locker
	cfg       config.Workers
	metrics   *tfotel.Metrics
	log       *slog.Logger
	heartbeat time.Duration
	now       func() time.Time
}

// NewWorkerPool creates a WorkerPool.
func NewWorkerPool(queue jobqueue.Queue, handlers Dispatcher, cfg config.Workers, log *slog.Logger) *WorkerPool {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &WorkerPool{
		queue:     queue,
		handlers:  handlers,
		locks:     memqueue.NewLocker(),
		cfg:       cfg,
		log:       log,
		heartbeat: defaultHeartbeat,
		now:       time.Now,
	}
}

// SetMetrics enables job counters and duration histograms.
func (p *WorkerPool) SetMetrics(m *tfotel.Metrics) { p.metrics = m }

// SetLocker replaces the in-process tenant lock, e.g. with one shared by
// every worker process.
func (p *WorkerPool) SetLocker(l tenantlock.Locker) { p.locks = l }

// Run starts cfg.Concurrency workers and blocks until ctx is cancelled and
// every in-flight job has returned.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.log.Info("worker pool started", "concurrency", p.cfg.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Concurrency {
		g.Go(func() error {
			p.loop(gctx, i)
			return nil
		})
	}
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

func (p *WorkerPool) loop(ctx context.Context, worker int) {
	log := p.log.With("worker", worker)
	for ctx.Err() == nil {
		claim, err := p.next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("claim job", "error", err)
			}
			p.sleep(ctx)
			continue
		}
		if claim == nil {
			p.sleep(ctx)
			continue
		}
		if !p.execute(ctx, claim, log) {
			p.sleep(ctx)
		}
	}
}

// next claims from the first non-empty queue in priority order. Every call
// starts again at high priority.
func (p *WorkerPool) next(ctx context.Context) (*jobqueue.Claim, error) {
	for _, prio := range job.Priorities {
		c, err := p.queue.Claim(ctx, prio)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", prio, err)
		}
		if c != nil {
			return c, nil
		}
	}
	return nil, nil
}

func (p *WorkerPool) sleep(ctx context.Context) {
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RunOnce claims and executes at most one job. It reports whether a job ran;
// a job returned to the queue because its tenant was busy did not.
func (p *WorkerPool) RunOnce(ctx context.Context) (bool, error) {
	claim, err := p.next(ctx)
	if err != nil || claim == nil {
		return false, err
	}
	return p.execute(ctx, claim, p.log), nil
}

// execute runs one claimed job on a context detached from worker shutdown
// and bounded by the job's own timeout. It returns false when the job was
// handed back to the queue without running.
func (p *WorkerPool) execute(ctx context.Context, c *jobqueue.Claim, log *slog.Logger) bool {
	j := c.Job
	log = log.With("job_id", j.ID, "kind", j.Kind, "tenant_id", j.TenantID)

	if j.TenantID != "" {
		unlock, ok := p.lockTenant(ctx, c, log)
		if !ok {
			return false
		}
		defer unlock()
	}

	jctx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if j.Timeout > 0 {
		jctx, cancel = context.WithTimeout(jctx, j.Timeout)
	} else {
		jctx, cancel = context.WithCancel(jctx)
	}
	defer cancel()

	started := p.now().UTC()
	st := job.NewStatus(j)
	st.State = job.StateStarted
	st.StartedAt = &started
	if err := p.queue.Report(jctx, st); err != nil {
		log.Warn("report job started", "error", err)
	}
	if p.metrics != nil {
		p.metrics.JobsStarted.Add(jctx, 1, metric.WithAttributes(attribute.String("job.kind", string(j.Kind))))
	}

	stopBeat := p.beat(jctx, c, log)
	sctx, span := tfotel.StartJobSpan(jctx, j.ID, string(j.Kind), j.TenantID)
	res, err := p.dispatch(sctx, j)
	tfotel.EndSpan(span, err)
	stopBeat()

	fctx, fcancel := finalizeContext(ctx)
	defer fcancel()

	ended := p.now().UTC()
	st.EndedAt = &ended
	if err != nil {
		st.State = job.StateFailed
		st.Error = err.Error()
		log.Error("job failed", "error", err, "duration", ended.Sub(started))
	} else {
		st.State = job.StateFinished
		if res != nil {
			if data, merr := json.Marshal(res); merr == nil {
				st.Result = data
			}
		}
		log.Info("job finished", "outcome", outcome(res), "duration", ended.Sub(started))
	}
	if rerr := p.queue.Report(fctx, st); rerr != nil {
		log.Warn("report job result", "error", rerr)
	}
	p.metrics.RecordJob(fctx, string(j.Kind), started, err != nil)

	// Handlers record their own terminal state, so failed jobs are not redelivered.
	if aerr := c.Ack(fctx); aerr != nil {
		log.Warn("ack job", "error", aerr)
	}
	return true
}

// lockTenant takes the job's tenant lock. When the lock is busy or cannot be
// taken the job is Nak'd for redelivery.
func (p *WorkerPool) lockTenant(ctx context.Context, c *jobqueue.Claim, log *slog.Logger) (func(), bool) {
	unlock, ok, err := p.locks.TryLock(ctx, c.Job.TenantID)
	if err == nil && ok {
		return unlock, true
	}
	if err != nil {
		log.Warn("tenant lock", "error", err)
	} else {
		log.Info("job deferred, tenant busy")
	}
	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	if nerr := c.Nak(fctx); nerr != nil {
		log.Warn("nak job", "error", nerr)
	}
	return nil, false
}

func (p *WorkerPool) dispatch(ctx context.Context, j *job.Job) (res *job.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job handler panic", "job_id", j.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handlers.Dispatch(ctx, j)
}

// beat extends the delivery deadline while a job runs. The returned func
// stops it.
func (p *WorkerPool) beat(ctx context.Context, c *jobqueue.Claim, log *slog.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(p.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := c.InProgress(ctx); err != nil {
					log.Warn("job heartbeat", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func outcome(res *job.Result) string {
	if res == nil {
		return "completed"
	}
	return res.Outcome
}
