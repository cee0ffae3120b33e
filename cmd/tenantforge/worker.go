package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/TenantForge/internal/adapter/postgres"
	"github.com/Strob0t/TenantForge/internal/service"
)

var workerCommand = &cli.Command{
	Name:  "worker",
	Usage: "run the job worker pool, the stuck-state watchdog and the retention scheduler",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "override workers.concurrency",
		},
	},
	Action: func(cCtx *cli.Context) error {
		ctx := cCtx.Context
		rt, err := bootstrap(cCtx)
		if err != nil {
			return err
		}
		defer rt.close()

		if n := cCtx.Int("concurrency"); n > 0 {
			rt.cfg.Workers.Concurrency = n
		}
		if err := rt.telemetry(ctx); err != nil {
			return err
		}
		if err := rt.openStore(ctx); err != nil {
			return err
		}
		if err := rt.openQueue(ctx); err != nil {
			return err
		}
		orch, err := rt.orchestrator(ctx)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		if err := startWorkers(gctx, g, rt, orch); err != nil {
			return err
		}
		return g.Wait()
	},
}

// startWorkers adds the worker pool, the watchdog and the daily sweep
// scheduler to g.
func startWorkers(ctx context.Context, g *errgroup.Group, rt *runtime, orch *service.Orchestrator) error {
	engine, err := rt.backupEngine()
	if err != nil {
		return err
	}
	handlers := service.NewJobHandlers(rt.store, rt.instanceClient(), engine, rt.log)

	pool := service.NewWorkerPool(rt.queue, handlers, rt.cfg.Workers, rt.log)
	pool.SetLocker(postgres.NewLocker(rt.pool, rt.log))
	if int32(rt.cfg.Workers.Concurrency) >= rt.cfg.Postgres.MaxConns {
		rt.log.Warn("every running job pins a postgres connection for its tenant lock; raise postgres.max_conns above workers.concurrency",
			"concurrency", rt.cfg.Workers.Concurrency, "pg_max_conns", rt.cfg.Postgres.MaxConns)
	}
	watchdog := service.NewWatchdog(rt.store, rt.cfg.Watchdog, rt.log)
	if rt.metrics != nil {
		pool.SetMetrics(rt.metrics)
		watchdog.SetMetrics(rt.metrics)
	}

	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error {
		watchdog.Run(ctx)
		return nil
	})
	g.Go(func() error {
		scheduleSweeps(ctx, rt, orch)
		return nil
	})
	rt.log.Info("workers started",
		"concurrency", rt.cfg.Workers.Concurrency,
		"watchdog_threshold", rt.cfg.Watchdog.Threshold,
	)
	return nil
}

// scheduleSweeps enqueues a retention sweep on start and every sweep
// interval. The orchestrator dedups sweeps per day.
func scheduleSweeps(ctx context.Context, rt *runtime, orch *service.Orchestrator) {
	interval := rt.cfg.Backup.SweepInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		id, err := orch.EnqueueSweep(ctx)
		if err != nil {
			rt.log.Warn("retention sweep enqueue failed", "error", err)
		} else {
			rt.log.Info("retention sweep enqueued", "job_id", id)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
