package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "tenantforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TENANTFORGE_PORT")
	setDuration(&cfg.Server.ReadTimeout, "TENANTFORGE_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "TENANTFORGE_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "TENANTFORGE_SHUTDOWN_TIMEOUT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TENANTFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TENANTFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TENANTFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TENANTFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TENANTFORGE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TENANTFORGE_REDIS_DB")
	setString(&cfg.Redis.Prefix, "TENANTFORGE_REDIS_PREFIX")

	// Queue and workers
	setString(&cfg.Queue.Backend, "TENANTFORGE_QUEUE_BACKEND")
	setDuration(&cfg.Queue.EnqueueTimeout, "TENANTFORGE_ENQUEUE_TIMEOUT")
	setDuration(&cfg.Queue.StatusTTL, "TENANTFORGE_JOB_STATUS_TTL")
	setInt(&cfg.Workers.Concurrency, "TENANTFORGE_WORKERS")
	setDuration(&cfg.Workers.PollInterval, "TENANTFORGE_WORKER_POLL_INTERVAL")
	setDuration(&cfg.Workers.ProvisionTimeout, "TENANTFORGE_JOB_PROVISION_TIMEOUT")
	setDuration(&cfg.Workers.DeleteTimeout, "TENANTFORGE_JOB_DELETE_TIMEOUT")
	setDuration(&cfg.Workers.ModuleTimeout, "TENANTFORGE_JOB_MODULE_TIMEOUT")
	setDuration(&cfg.Workers.BackupTimeout, "TENANTFORGE_JOB_BACKUP_TIMEOUT")
	setDuration(&cfg.Workers.RestoreTimeout, "TENANTFORGE_JOB_RESTORE_TIMEOUT")
	setDuration(&cfg.Workers.SweepTimeout, "TENANTFORGE_JOB_SWEEP_TIMEOUT")

	// Tenant placement
	setString(&cfg.Tenants.DBHost, "TENANTFORGE_TENANT_DB_HOST")
	setInt(&cfg.Tenants.DBPort, "TENANTFORGE_TENANT_DB_PORT")
	setString(&cfg.Tenants.FilestoreRoot, "TENANTFORGE_FILESTORE_ROOT")

	// Instance backend
	setString(&cfg.Instance.URL, "INSTANCE_SERVICE_URL")
	setString(&cfg.Instance.Token, "INSTANCE_API_TOKEN")
	setDuration(&cfg.Instance.ProvisionTimeout, "TENANTFORGE_INSTANCE_PROVISION_TIMEOUT")
	setDuration(&cfg.Instance.ModuleTimeout, "TENANTFORGE_INSTANCE_MODULE_TIMEOUT")
	setDuration(&cfg.Instance.BackupTimeout, "TENANTFORGE_INSTANCE_BACKUP_TIMEOUT")
	setDuration(&cfg.Instance.ReinitTimeout, "TENANTFORGE_INSTANCE_REINIT_TIMEOUT")
	setInt(&cfg.Instance.MaxRetries, "TENANTFORGE_INSTANCE_MAX_RETRIES")
	setDuration(&cfg.Instance.RetryInitialDelay, "TENANTFORGE_INSTANCE_RETRY_DELAY")

	// Backup
	setString(&cfg.Backup.Store, "TENANTFORGE_BACKUP_STORE")
	setString(&cfg.Backup.LocalDir, "TENANTFORGE_BACKUP_LOCAL_DIR")
	setInt(&cfg.Backup.CompressionLevel, "TENANTFORGE_BACKUP_COMPRESSION_LEVEL")
	setInt(&cfg.Backup.RetentionDays, "BACKUP_RETENTION_DAYS")
	setString(&cfg.Backup.KMSKeyID, "BACKUP_KMS_KEY_ID")
	setString(&cfg.Backup.TempDir, "TENANTFORGE_BACKUP_TEMP_DIR")
	setString(&cfg.Backup.PGDumpPath, "TENANTFORGE_PG_DUMP_PATH")
	setString(&cfg.Backup.PSQLPath, "TENANTFORGE_PSQL_PATH")
	setString(&cfg.Backup.AdminDSN, "TENANTFORGE_PG_ADMIN_DSN")
	setDuration(&cfg.Backup.SweepInterval, "TENANTFORGE_SWEEP_INTERVAL")
	setInt(&cfg.Backup.MaxConcurrent, "TENANTFORGE_BACKUP_MAX_CONCURRENT")

	// Object storage
	setString(&cfg.S3.Bucket, "BACKUP_S3_BUCKET")
	setString(&cfg.S3.Region, "AWS_REGION")
	setString(&cfg.S3.Endpoint, "TENANTFORGE_S3_ENDPOINT")
	setString(&cfg.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setString(&cfg.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	setBool(&cfg.S3.ForcePathStyle, "TENANTFORGE_S3_FORCE_PATH_STYLE")

	// Watchdog
	setDuration(&cfg.Watchdog.Threshold, "TENANTFORGE_WATCHDOG_THRESHOLD")
	setDuration(&cfg.Watchdog.Interval, "TENANTFORGE_WATCHDOG_INTERVAL")

	setString(&cfg.Logging.Level, "TENANTFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TENANTFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "TENANTFORGE_LOG_ASYNC")
	setInt(&cfg.Logging.BufferSize, "TENANTFORGE_LOG_BUFFER_SIZE")
	setInt(&cfg.Logging.Workers, "TENANTFORGE_LOG_WORKERS")
	setInt(&cfg.Breaker.MaxFailures, "TENANTFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TENANTFORGE_BREAKER_TIMEOUT")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "TENANTFORGE_OTEL_INSECURE")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "TENANTFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "TENANTFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "TENANTFORGE_CACHE_L2_TTL")

	// Idempotency
	setString(&cfg.Idempotency.Bucket, "TENANTFORGE_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "TENANTFORGE_IDEMPOTENCY_TTL")
}

// validate checks that required fields are set and values are in range.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	switch cfg.Queue.Backend {
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required for the nats queue backend")
		}
	case "redis":
		if cfg.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis queue backend")
		}
	case "memory":
	default:
		return fmt.Errorf("queue.backend %q is not one of nats, redis, memory", cfg.Queue.Backend)
	}
	if cfg.Queue.EnqueueTimeout <= 0 {
		return errors.New("queue.enqueue_timeout must be > 0")
	}
	if cfg.Workers.Concurrency < 1 {
		return errors.New("workers.concurrency must be >= 1")
	}
	if cfg.Instance.URL == "" {
		return errors.New("instance.url is required")
	}
	if cfg.Instance.MaxRetries < 0 {
		return errors.New("instance.max_retries must be >= 0")
	}
	if cfg.Backup.CompressionLevel < 1 || cfg.Backup.CompressionLevel > 9 {
		return errors.New("backup.compression_level must be between 1 and 9")
	}
	if cfg.Backup.RetentionDays < 1 {
		return errors.New("backup.retention_days must be >= 1")
	}
	switch cfg.Backup.Store {
	case "s3":
		if cfg.S3.Bucket == "" {
			return errors.New("s3.bucket is required for the s3 backup store")
		}
	case "local":
		if cfg.Backup.LocalDir == "" {
			return errors.New("backup.local_dir is required for the local backup store")
		}
	default:
		return fmt.Errorf("backup.store %q is not one of s3, local", cfg.Backup.Store)
	}
	if cfg.Watchdog.Threshold <= 0 {
		return errors.New("watchdog.threshold must be > 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
