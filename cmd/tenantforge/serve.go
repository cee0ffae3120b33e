package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	tfcache "github.com/Strob0t/TenantForge/internal/adapter/cache"
	tfhttp "github.com/Strob0t/TenantForge/internal/adapter/http"
	"github.com/Strob0t/TenantForge/internal/service"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the operator HTTP API",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "address to listen on (default :server.port)",
		},
		&cli.BoolFlag{
			Name:  "with-workers",
			Usage: "also run the worker pool and watchdog in this process",
		},
	},
	Action: runServe,
}

func runServe(cCtx *cli.Context) error {
	ctx := cCtx.Context
	rt, err := bootstrap(cCtx)
	if err != nil {
		return err
	}
	defer rt.close()

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

	idem, err := rt.kvCache(ctx, rt.cfg.Idempotency.Bucket, rt.cfg.Idempotency.TTL)
	if err != nil {
		return err
	}
	if idem == nil {
		mem, err := tfcache.NewMemory(rt.cfg.Cache.L1MaxSizeMB)
		if err != nil {
			return fmt.Errorf("idempotency cache: %w", err)
		}
		rt.closers = append(rt.closers, mem.Close)
		idem = mem
	}

	handlers := &tfhttp.Handlers{
		Lifecycle: orch,
		Audit:     service.NewAuditService(rt.store),
		Health:    rt.health,
	}
	router := tfhttp.NewRouter(handlers, tfhttp.RouterOptions{
		ServiceName:    rt.cfg.OTEL.ServiceName,
		Idempotency:    idem,
		IdempotencyTTL: rt.cfg.Idempotency.TTL,
	})

	addr := cCtx.String("listen-addr")
	if addr == "" {
		addr = ":" + rt.cfg.Server.Port
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       rt.cfg.Server.ReadTimeout,
		WriteTimeout:      rt.cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.log.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if cCtx.Bool("with-workers") {
		if err := startWorkers(gctx, g, rt, orch); err != nil {
			return err
		}
	}
	return g.Wait()
}

// health reports whether postgres answers and, when used, NATS is connected.
func (rt *runtime) health(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rt.pool.Ping(pctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if rt.nc != nil && !rt.nc.IsConnected() {
		return errors.New("nats: disconnected")
	}
	return nil
}
