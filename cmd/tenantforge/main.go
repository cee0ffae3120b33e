// Command tenantforge runs the tenant lifecycle API, the job workers and the
// operator maintenance commands.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/Strob0t/TenantForge/internal/config"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   config.DefaultConfigFile,
		Usage:   "path to the YAML config file",
		EnvVars: []string{"TENANTFORGE_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "override logging.level (debug, info, warn, error)",
	},
}

func main() {
	app := &cli.App{
		Name:  "tenantforge",
		Usage: "Orchestrate tenant provisioning, backups and restores",
		Flags: globalFlags,
		Commands: []*cli.Command{
			serveCommand,
			workerCommand,
			migrateCommand,
			sweepCommand,
			watchdogCommand,
			backupPlatformCommand,
			jobCommand,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("fatal", "error", err)
		stop()
		os.Exit(1)
	}
}
