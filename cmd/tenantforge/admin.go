package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Strob0t/TenantForge/internal/adapter/postgres"
	"github.com/Strob0t/TenantForge/internal/service"
)

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "manage control-plane schema migrations",
	Subcommands: []*cli.Command{
		{
			Name:  "up",
			Usage: "apply all pending migrations",
			Action: func(cCtx *cli.Context) error {
				rt, err := bootstrap(cCtx)
				if err != nil {
					return err
				}
				defer rt.close()
				if err := postgres.RunMigrations(cCtx.Context, rt.cfg.Postgres.DSN); err != nil {
					return fmt.Errorf("migrations: %w", err)
				}
				rt.log.Info("migrations applied")
				return nil
			},
		},
		{
			Name:  "down",
			Usage: "roll back migrations",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "steps", Value: 1, Usage: "number of migrations to roll back"},
			},
			Action: func(cCtx *cli.Context) error {
				rt, err := bootstrap(cCtx)
				if err != nil {
					return err
				}
				defer rt.close()
				steps := cCtx.Int("steps")
				if err := postgres.RollbackMigrations(cCtx.Context, rt.cfg.Postgres.DSN, steps); err != nil {
					return fmt.Errorf("rollback: %w", err)
				}
				rt.log.Info("migrations rolled back", "steps", steps)
				return nil
			},
		},
		{
			Name:  "version",
			Usage: "print the current schema version",
			Action: func(cCtx *cli.Context) error {
				rt, err := bootstrap(cCtx)
				if err != nil {
					return err
				}
				defer rt.close()
				v, err := postgres.MigrationVersion(cCtx.Context, rt.cfg.Postgres.DSN)
				if err != nil {
					return fmt.Errorf("migration version: %w", err)
				}
				fmt.Println(v)
				return nil
			},
		},
	},
}

var sweepCommand = &cli.Command{
	Name:  "sweep",
	Usage: "delete expired backup artifacts now",
	Action: func(cCtx *cli.Context) error {
		rt, err := bootstrap(cCtx)
		if err != nil {
			return err
		}
		defer rt.close()
		if err := rt.openStore(cCtx.Context); err != nil {
			return err
		}
		engine, err := rt.backupEngine()
		if err != nil {
			return err
		}
		res, err := engine.Sweep(cCtx.Context)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		fmt.Printf("deleted=%d failed=%d\n", res.Deleted, res.Failed)
		return nil
	},
}

var watchdogCommand = &cli.Command{
	Name:  "watchdog",
	Usage: "run one stuck-state check and exit",
	Action: func(cCtx *cli.Context) error {
		rt, err := bootstrap(cCtx)
		if err != nil {
			return err
		}
		defer rt.close()
		if err := rt.openStore(cCtx.Context); err != nil {
			return err
		}
		n, err := service.NewWatchdog(rt.store, rt.cfg.Watchdog, rt.log).Check(cCtx.Context)
		if err != nil {
			return fmt.Errorf("watchdog: %w", err)
		}
		fmt.Printf("flagged=%d\n", n)
		return nil
	},
}

var backupPlatformCommand = &cli.Command{
	Name:  "backup-platform",
	Usage: "dump a platform database into the backup store",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "db", Value: "tenantforge", Usage: "database to dump"},
	},
	Action: func(cCtx *cli.Context) error {
		rt, err := bootstrap(cCtx)
		if err != nil {
			return err
		}
		defer rt.close()
		if err := rt.openStore(cCtx.Context); err != nil {
			return err
		}
		engine, err := rt.backupEngine()
		if err != nil {
			return err
		}
		rec, err := engine.BackupDatabase(cCtx.Context, nil, cCtx.String("db"))
		if err != nil {
			return fmt.Errorf("platform backup: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tBUCKET\tKEY\tSIZE\tCHECKSUM")
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", rec.ID, rec.Bucket, rec.Key, rec.SizeBytes, rec.Checksum)
		return w.Flush()
	},
}

var jobCommand = &cli.Command{
	Name:  "job",
	Usage: "inspect or cancel queued jobs",
	Subcommands: []*cli.Command{
		{
			Name:      "status",
			Usage:     "print a job's status",
			ArgsUsage: "<job-id>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "json", Usage: "print raw JSON"},
			},
			Action: func(cCtx *cli.Context) error {
				id := cCtx.Args().First()
				if id == "" {
					return cli.Exit("job status: missing job id", 2)
				}
				rt, err := bootstrap(cCtx)
				if err != nil {
					return err
				}
				defer rt.close()
				if err := rt.openQueue(cCtx.Context); err != nil {
					return err
				}
				st, err := rt.queue.Status(cCtx.Context, id)
				if err != nil {
					return fmt.Errorf("job status: %w", err)
				}
				if cCtx.Bool("json") {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				ended := "-"
				if st.EndedAt != nil {
					ended = st.EndedAt.Format(time.RFC3339)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tKIND\tTENANT\tPRIORITY\tSTATE\tENQUEUED\tENDED\tERROR")
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					st.ID, st.Kind, st.TenantID, st.Priority, st.State,
					st.EnqueuedAt.Format(time.RFC3339), ended, st.Error)
				return w.Flush()
			},
		},
		{
			Name:      "cancel",
			Usage:     "cancel a job that has not started",
			ArgsUsage: "<job-id>",
			Action: func(cCtx *cli.Context) error {
				id := cCtx.Args().First()
				if id == "" {
					return cli.Exit("job cancel: missing job id", 2)
				}
				rt, err := bootstrap(cCtx)
				if err != nil {
					return err
				}
				defer rt.close()
				if err := rt.openQueue(cCtx.Context); err != nil {
					return err
				}
				if err := rt.queue.Cancel(cCtx.Context, id); err != nil {
					return fmt.Errorf("job cancel: %w", err)
				}
				fmt.Printf("cancelled %s\n", id)
				return nil
			},
		},
	},
}
