// Package pgadmin dumps, recreates and loads tenant databases with the
// PostgreSQL client tools and a superuser connection.
package pgadmin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/port/dbadmin"
	"github.com/Strob0t/TenantForge/internal/procpool"
)

// maxStderr bounds how much tool output is kept for error messages.
const maxStderr = 8 << 10

// Admin implements dbadmin.Admin.
type Admin struct {
	adminDSN   string
	pgDumpPath string
	psqlPath   string
	pool       *procpool.Pool

	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

var _ dbadmin.Admin = (*Admin)(nil)

// New builds an Admin from the backup config. AdminDSN must be a URL-style
// connection string for a role allowed to drop and create databases.
func New(cfg config.Backup) *Admin {
	return &Admin{
		adminDSN:   cfg.AdminDSN,
		pgDumpPath: cfg.PGDumpPath,
		psqlPath:   cfg.PSQLPath,
		pool:       procpool.New(cfg.MaxConcurrent),
		command:    exec.CommandContext,
	}
}

// dsnFor returns the admin DSN pointed at dbName.
func (a *Admin) dsnFor(dbName string) (string, error) {
	u, err := url.Parse(a.adminDSN)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return "", fmt.Errorf("backup.admin_dsn must be a postgres:// URL")
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

// Dump runs pg_dump in plain SQL format without ownership statements.
func (a *Admin) Dump(ctx context.Context, dbName string, w io.Writer) error {
	dsn, err := a.dsnFor(dbName)
	if err != nil {
		return err
	}
	cmd := a.command(ctx, a.pgDumpPath, "--no-owner", "--no-privileges", "--format=plain", "--dbname="+dsn)
	cmd.Stdout = w
	return a.pool.Run(ctx, func() error { return run(cmd, "pg_dump "+dbName) })
}

// Load feeds r to psql, stopping at the first error.
func (a *Admin) Load(ctx context.Context, dbName string, r io.Reader) error {
	dsn, err := a.dsnFor(dbName)
	if err != nil {
		return err
	}
	cmd := a.command(ctx, a.psqlPath, "-v", "ON_ERROR_STOP=1", "--quiet", "--no-psqlrc", "--dbname="+dsn)
	cmd.Stdin = r
	cmd.Stdout = io.Discard
	return a.pool.Run(ctx, func() error { return run(cmd, "psql "+dbName) })
}

// Recreate terminates every other session on dbName, drops it and creates it empty.
func (a *Admin) Recreate(ctx context.Context, dbName string) error {
	conn, err := pgx.Connect(ctx, a.adminDSN)
	if err != nil {
		return fmt.Errorf("connect admin: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	if _, err := conn.Exec(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		 WHERE datname = $1 AND pid <> pg_backend_pid()`, dbName); err != nil {
		return fmt.Errorf("terminate sessions on %s: %w", dbName, err)
	}

	ident := pgx.Identifier{dbName}.Sanitize()
	if _, err := conn.Exec(ctx, `DROP DATABASE IF EXISTS `+ident); err != nil {
		return fmt.Errorf("drop database %s: %w", dbName, err)
	}
	if _, err := conn.Exec(ctx, `CREATE DATABASE `+ident); err != nil {
		return fmt.Errorf("create database %s: %w", dbName, err)
	}
	return nil
}

func run(cmd *exec.Cmd, what string) error {
	var stderr limitedBuffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s: %w", what, err)
		}
		return fmt.Errorf("%s: %w: %s", what, err, msg)
	}
	return nil
}

// limitedBuffer keeps the first maxStderr bytes written to it.
type limitedBuffer struct {
	bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxStderr - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
