package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	tfcache "github.com/Strob0t/TenantForge/internal/adapter/cache"
	"github.com/Strob0t/TenantForge/internal/adapter/instance"
	"github.com/Strob0t/TenantForge/internal/adapter/localstore"
	"github.com/Strob0t/TenantForge/internal/adapter/memqueue"
	tfnats "github.com/Strob0t/TenantForge/internal/adapter/nats"
	tfotel "github.com/Strob0t/TenantForge/internal/adapter/otel"
	"github.com/Strob0t/TenantForge/internal/adapter/pgadmin"
	"github.com/Strob0t/TenantForge/internal/adapter/postgres"
	"github.com/Strob0t/TenantForge/internal/adapter/redisqueue"
	"github.com/Strob0t/TenantForge/internal/adapter/s3store"
	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/logger"
	"github.com/Strob0t/TenantForge/internal/port/cache"
	"github.com/Strob0t/TenantForge/internal/port/jobqueue"
	"github.com/Strob0t/TenantForge/internal/port/objectstore"
	"github.com/Strob0t/TenantForge/internal/secrets"
	"github.com/Strob0t/TenantForge/internal/service"
)

// l1Expire bounds how long L2 hits are kept in the in-process cache.
const l1Expire = time.Minute

// runtime holds the infrastructure shared by all commands. Components are
// opened lazily so that e.g. "migrate" never dials NATS.
type runtime struct {
	cfg     *config.Config
	log     *slog.Logger
	vault   *secrets.Vault
	metrics *tfotel.Metrics

	pool  *pgxpool.Pool
	store *postgres.Store
	nc    *tfnats.Conn
	queue jobqueue.Queue

	closers []func()
}

// bootstrap loads configuration, builds the logger and the secrets vault,
// and overlays vault secrets onto the config.
func bootstrap(cCtx *cli.Context) (*runtime, error) {
	cfg, err := config.LoadFrom(cCtx.String("config"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if lvl := cCtx.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}

	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)

	vault, err := secrets.NewVault(secrets.EnvLoader(secrets.Known...))
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("secrets: %w", err)
	}
	vault.WatchSIGHUP(cCtx.Context)

	if v := vault.Get(secrets.AdminDSN); v != "" {
		cfg.Backup.AdminDSN = v
	}
	if v := vault.Get(secrets.AWSAccessKeyID); v != "" {
		cfg.S3.AccessKeyID = v
	}
	if v := vault.Get(secrets.AWSSecretAccessKey); v != "" {
		cfg.S3.SecretAccessKey = v
	}

	rt := &runtime{cfg: cfg, log: log, vault: vault}
	rt.closers = append(rt.closers, closer.Close)

	log.Info("config loaded",
		"queue_backend", cfg.Queue.Backend,
		"backup_store", cfg.Backup.Store,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
	)
	return rt, nil
}

// close releases resources in reverse open order.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func (rt *runtime) telemetry(ctx context.Context) error {
	shutdown, err := tfotel.Setup(ctx, rt.cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	rt.closers = append(rt.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			rt.log.Warn("otel shutdown", "error", err)
		}
	})
	m, err := tfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}
	rt.metrics = m
	return nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	pool, err := postgres.NewPool(ctx, rt.cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	rt.pool = pool
	rt.store = postgres.NewStore(pool)
	rt.closers = append(rt.closers, pool.Close)
	rt.log.Info("postgres connected")
	return nil
}

func (rt *runtime) openNATS(ctx context.Context) error {
	if rt.nc != nil {
		return nil
	}
	nc, err := tfnats.Connect(ctx, rt.cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	rt.nc = nc
	rt.closers = append(rt.closers, func() { _ = nc.Close() })
	rt.log.Info("nats connected", "url", rt.cfg.NATS.URL)
	return nil
}

// openQueue connects the job queue backend selected by queue.backend.
func (rt *runtime) openQueue(ctx context.Context) error {
	switch rt.cfg.Queue.Backend {
	case "nats":
		if err := rt.openNATS(ctx); err != nil {
			return err
		}
		q, err := tfnats.NewJobQueue(ctx, rt.nc, tfnats.JobQueueConfig{StatusTTL: rt.cfg.Queue.StatusTTL})
		if err != nil {
			return fmt.Errorf("job queue: %w", err)
		}
		rt.queue = q
	case "redis":
		rdb, err := redisqueue.Connect(ctx, rt.cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		rt.queue = redisqueue.New(rdb, rt.cfg.Redis.Prefix, rt.cfg.Queue.StatusTTL)
	case "memory":
		rt.log.Warn("using in-process job queue; jobs are lost on exit")
		rt.queue = memqueue.New()
	default:
		return fmt.Errorf("unknown queue backend %q", rt.cfg.Queue.Backend)
	}
	q := rt.queue
	rt.closers = append(rt.closers, func() { _ = q.Close() })
	return nil
}

// kvCache returns a NATS KV backed cache when NATS is in use, else nil.
func (rt *runtime) kvCache(ctx context.Context, bucket string, ttl time.Duration) (cache.Cache, error) {
	if rt.nc == nil {
		return nil, nil
	}
	kv, err := rt.nc.KeyValue(ctx, bucket, ttl)
	if err != nil {
		return nil, fmt.Errorf("kv bucket %s: %w", bucket, err)
	}
	return tfcache.NewKV(kv), nil
}

// catalogCache builds the tiered customer and plan cache.
func (rt *runtime) catalogCache(ctx context.Context) (cache.Cache, error) {
	l1, err := tfcache.NewMemory(rt.cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	rt.closers = append(rt.closers, l1.Close)
	l2, err := rt.kvCache(ctx, rt.cfg.Cache.L2Bucket, rt.cfg.Cache.L2TTL)
	if err != nil {
		return nil, err
	}
	if l2 == nil {
		return l1, nil
	}
	return tfcache.NewTiered(l1, l2, l1Expire, rt.log), nil
}

func (rt *runtime) objectStore() (objectstore.Store, error) {
	switch rt.cfg.Backup.Store {
	case "s3":
		s, err := s3store.New(rt.cfg.S3, rt.log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "local":
		s, err := localstore.New(rt.cfg.Backup.LocalDir, rt.log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown backup store %q", rt.cfg.Backup.Store)
	}
}

func (rt *runtime) backupEngine() (*service.BackupEngine, error) {
	objects, err := rt.objectStore()
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	engine := service.NewBackupEngine(rt.store, objects, pgadmin.New(rt.cfg.Backup), rt.cfg.Backup, rt.log)
	if rt.metrics != nil {
		engine.SetMetrics(rt.metrics)
	}
	return engine, nil
}

func (rt *runtime) orchestrator(ctx context.Context) (*service.Orchestrator, error) {
	c, err := rt.catalogCache(ctx)
	if err != nil {
		return nil, err
	}
	catalog := service.NewCatalog(rt.store, c, rt.cfg.Cache.L2TTL, rt.log)
	return service.NewOrchestrator(rt.store, catalog, rt.queue, rt.cfg, rt.log), nil
}

// instanceClient builds the backend client. The vault token wins over the
// config token so that SIGHUP rotation takes effect without a restart.
func (rt *runtime) instanceClient() *instance.Client {
	token := instance.StaticToken(rt.cfg.Instance.Token)
	if rt.vault.Get(secrets.InstanceAPIToken) != "" {
		token = instance.TokenSource(rt.vault.Getter(secrets.InstanceAPIToken))
	}
	client := instance.NewClient(rt.cfg.Instance, token, rt.log)
	client.SetBreaker(instance.NewBreaker(rt.cfg.Breaker))
	return client
}
