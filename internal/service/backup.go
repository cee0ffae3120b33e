package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	tfotel "github.com/Strob0t/TenantForge/internal/adapter/otel"
	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/backup"
	"github.com/Strob0t/TenantForge/internal/port/database"
	"github.com/Strob0t/TenantForge/internal/port/dbadmin"
	"github.com/Strob0t/TenantForge/internal/port/objectstore"
)

const sseAlgorithmKMS = "aws:kms"

// BackupEngine produces and restores compressed, checksummed artifacts in
// object storage and keeps their backup records current.
type BackupEngine struct {
	store   database.BackupRepository
	objects objectstore.Store
	admin   dbadmin.Admin
	cfg     config.Backup
	metrics *tfotel.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// NewBackupEngine creates a BackupEngine.
func NewBackupEngine(store database.BackupRepository, objects objectstore.Store, admin dbadmin.Admin, cfg config.Backup, log *slog.Logger) *BackupEngine {
	if log == nil {
		log = slog.Default()
	}
	return &BackupEngine{
		store:   store,
		objects: objects,
		admin:   admin,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// SetMetrics enables backup size and sweep metrics.
func (e *BackupEngine) SetMetrics(m *tfotel.Metrics) { e.metrics = m }

// BackupDatabase dumps dbName into a new artifact. tenantID is nil for
// platform-level backups.
func (e *BackupEngine) BackupDatabase(ctx context.Context, tenantID *string, dbName string) (*backup.Record, error) {
	return e.run(ctx, tenantID, backup.TypeDatabase, dbName, func(ctx context.Context, w io.Writer) error {
		return e.admin.Dump(ctx, dbName, w)
	})
}

// BackupFilestore archives the directory tree at dir into a new artifact.
func (e *BackupEngine) BackupFilestore(ctx context.Context, tenantID *string, dir string) (*backup.Record, error) {
	return e.run(ctx, tenantID, backup.TypeFilestore, dir, func(ctx context.Context, w io.Writer) error {
		return writeTar(ctx, dir, w)
	})
}

func (e *BackupEngine) run(ctx context.Context, tenantID *string, typ backup.Type, source string, produce func(context.Context, io.Writer) error) (*backup.Record, error) {
	started := e.now().UTC()
	name := backup.ArtifactName(typ, source, started)
	rec := &backup.Record{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		Type:             typ,
		Status:           backup.StatusPending,
		Source:           source,
		Bucket:           e.objects.Bucket(),
		Key:              backup.ObjectKey(tenantID, started, name),
		EncryptionKeyRef: e.cfg.KMSKeyID,
		CompressionLevel: e.cfg.CompressionLevel,
		StartedAt:        started,
	}
	if err := e.store.CreateBackup(ctx, rec); err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}

	ctx, span := tfotel.StartBackupSpan(ctx, string(typ), rec.ID)
	size, checksum, err := e.produceAndUpload(ctx, rec.Key, name, produce)
	tfotel.EndSpan(span, err)
	if err != nil {
		e.fail(ctx, rec, err)
		return rec, fmt.Errorf("backup %s %s: %w", typ, source, err)
	}

	completed := e.now().UTC()
	expires := completed.AddDate(0, 0, e.cfg.RetentionDays)
	rec.Status = backup.StatusCompleted
	rec.SizeBytes = size
	rec.Checksum = checksum
	rec.CompletedAt = &completed
	rec.ExpiresAt = &expires
	if err := e.store.UpdateBackup(ctx, rec); err != nil {
		return rec, fmt.Errorf("record completed backup %s: %w", rec.ID, err)
	}
	if e.metrics != nil {
		e.metrics.BackupBytes.Record(ctx, size)
	}
	e.log.Info("backup completed", "backup_id", rec.ID, "type", typ, "key", rec.Key, "size_bytes", size)
	return rec, nil
}

// produceAndUpload writes the gzip artifact to a scoped temp dir, hashing the
// compressed bytes, then uploads it.
func (e *BackupEngine) produceAndUpload(ctx context.Context, key, name string, produce func(context.Context, io.Writer) error) (int64, string, error) {
	dir, err := os.MkdirTemp(e.cfg.TempDir, "tenantforge-backup-*")
	if err != nil {
		return 0, "", fmt.Errorf("create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return 0, "", fmt.Errorf("create artifact: %w", err)
	}
	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(f, h)}
	gz, err := gzip.NewWriterLevel(cw, e.cfg.CompressionLevel)
	if err != nil {
		_ = f.Close()
		return 0, "", fmt.Errorf("gzip writer: %w", err)
	}
	if err := produce(ctx, gz); err != nil {
		_ = f.Close()
		return 0, "", err
	}
	if err := gz.Close(); err != nil {
		_ = f.Close()
		return 0, "", fmt.Errorf("finish gzip: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("close artifact: %w", err)
	}

	in, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("reopen artifact: %w", err)
	}
	defer func() { _ = in.Close() }()

	opts := objectstore.PutOptions{ContentType: "application/gzip"}
	if e.cfg.KMSKeyID != "" {
		opts.SSEAlgorithm = sseAlgorithmKMS
		opts.KMSKeyID = e.cfg.KMSKeyID
	}
	if err := e.objects.Put(ctx, key, in, opts); err != nil {
		return 0, "", fmt.Errorf("upload %s: %w", key, err)
	}
	return cw.n, hex.EncodeToString(h.Sum(nil)), nil
}

// fail marks rec failed. The write uses a detached context so a timed-out
// job still records the outcome.
func (e *BackupEngine) fail(ctx context.Context, rec *backup.Record, cause error) {
	ctx, cancel := finalizeContext(ctx)
	defer cancel()
	now := e.now().UTC()
	rec.Status = backup.StatusFailed
	rec.ErrorMessage = cause.Error()
	rec.CompletedAt = &now
	if err := e.store.UpdateBackup(ctx, rec); err != nil {
		e.log.Error("record failed backup", "backup_id", rec.ID, "error", err)
	}
	e.log.Error("backup failed", "backup_id", rec.ID, "type", rec.Type, "source", rec.Source, "error", cause)
}

// PreparedRestore holds verified artifacts on local disk. Close removes them.
type PreparedRestore struct {
	dir   string
	paths map[string]string // backup id -> local artifact
}

// Close deletes the downloaded artifacts.
func (p *PreparedRestore) Close() error { return os.RemoveAll(p.dir) }

// PrepareRestore downloads every record's artifact and verifies its SHA-256
// before anything is modified. A mismatch returns *domain.IntegrityError.
func (e *BackupEngine) PrepareRestore(ctx context.Context, records ...*backup.Record) (*PreparedRestore, error) {
	dir, err := os.MkdirTemp(e.cfg.TempDir, "tenantforge-restore-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	p := &PreparedRestore{dir: dir, paths: make(map[string]string, len(records))}
	for _, rec := range records {
		path, err := e.download(ctx, dir, rec)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.paths[rec.ID] = path
	}
	return p, nil
}

func (e *BackupEngine) download(ctx context.Context, dir string, rec *backup.Record) (string, error) {
	if rec.Status != backup.StatusCompleted {
		return "", domain.NewValidationError("backup", "backup %s is %s, not completed", rec.ID, rec.Status)
	}
	ctx, span := tfotel.StartBackupSpan(ctx, "download", rec.ID)
	var err error
	defer func() { tfotel.EndSpan(span, err) }()

	body, err := e.objects.Get(ctx, rec.Key)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", rec.Key, err)
	}
	defer func() { _ = body.Close() }()

	path := filepath.Join(dir, rec.ID+".gz")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(f, h), body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("download %s: %w", rec.Key, err)
	}
	if actual := hexSum(h); actual != rec.Checksum {
		err = &domain.IntegrityError{Key: rec.Key, Expected: rec.Checksum, Actual: actual}
		return "", err
	}
	return path, nil
}

func (p *PreparedRestore) open(rec *backup.Record) (io.ReadCloser, error) {
	path, ok := p.paths[rec.ID]
	if !ok {
		return nil, fmt.Errorf("backup %s was not prepared", rec.ID)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open gzip %s: %w", rec.Key, err)
	}
	return &gzipFile{Reader: gz, f: f}, nil
}

// RestoreDatabase recreates dbName empty and loads the prepared dump into it.
func (e *BackupEngine) RestoreDatabase(ctx context.Context, p *PreparedRestore, rec *backup.Record, dbName string) error {
	r, err := p.open(rec)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if err := e.admin.Recreate(ctx, dbName); err != nil {
		return fmt.Errorf("recreate %s: %w", dbName, err)
	}
	if err := e.admin.Load(ctx, dbName, r); err != nil {
		return fmt.Errorf("load %s: %w", dbName, err)
	}
	e.log.Info("database restored", "backup_id", rec.ID, "db_name", dbName)
	return nil
}

// RestoreFilestore extracts the prepared archive into a sibling staging
// directory, swaps it in by rename and removes the previous tree.
func (e *BackupEngine) RestoreFilestore(ctx context.Context, p *PreparedRestore, rec *backup.Record, dir string) error {
	r, err := p.open(rec)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	stamp := e.now().UTC().Format("20060102150405")
	staging := dir + ".restore-" + stamp
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	if err := readTar(ctx, r, staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("extract %s: %w", rec.Key, err)
	}

	old := dir + ".old-" + stamp
	hadOld := true
	if err := os.Rename(dir, old); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			_ = os.RemoveAll(staging)
			return fmt.Errorf("move current filestore aside: %w", err)
		}
		hadOld = false
	}
	if err := os.Rename(staging, dir); err != nil {
		if hadOld {
			_ = os.Rename(old, dir)
		}
		_ = os.RemoveAll(staging)
		return fmt.Errorf("swap in restored filestore: %w", err)
	}
	if hadOld {
		if err := os.RemoveAll(old); err != nil {
			e.log.Warn("remove previous filestore", "path", old, "error", err)
		}
	}
	e.log.Info("filestore restored", "backup_id", rec.ID, "path", dir)
	return nil
}

func hexSum(h hash.Hash) string { return hex.EncodeToString(h.Sum(nil)) }

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	return errors.Join(g.Reader.Close(), g.f.Close())
}
