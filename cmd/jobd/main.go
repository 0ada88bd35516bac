// Command jobd is the job execution worker binary.
//
// Subcommands:
//
//	worker     — run the claim/execute worker until signalled
//	migrate    — run pending database migrations and exit
//	enqueue    — insert a run job (producer-side convenience)
//	terminate  — insert a terminate job for the running process
//	list       — print the queued backlog in claim order
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/marden/jobd/internal/config"
	"github.com/marden/jobd/internal/feed"
	"github.com/marden/jobd/internal/store"
	"github.com/marden/jobd/internal/worker"
	"github.com/marden/jobd/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "jobd",
		Short: "jobd — durable command queue worker",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		workerCmd(),
		migrateCmd(),
		enqueueCmd(),
		terminateCmd(),
		listCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the claim/execute worker",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	w := worker.New(st, feed.New(st, cfg.Owner), worker.Options{
		Owner:          cfg.Owner,
		DefaultTimeout: cfg.DefaultJobTimeout,
	})

	// Run blocks until ctx is cancelled; an in-flight job finishes first.
	return w.Run(ctx)
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the
	// same driver is used project-wide; no pooling for a one-shot run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	// Migration 000002 is a multi-statement file with a dollar-quoted
	// trigger body; the simple protocol executes it natively in one exec.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		args        []string
		envOverride map[string]string
		cwd         string
		priority    int32
		timeoutMs   int64
		interactive bool
		owner       string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <cmd>",
		Short: "Insert a run job into the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				job, err := st.Enqueue(ctx, store.EnqueueParams{
					JobName: store.JobRun,
					Payload: store.Payload{
						Cmd:         posArgs[0],
						Args:        args,
						Env:         envOverride,
						Cwd:         cwd,
						Interactive: interactive,
						TimeoutMs:   timeoutMs,
					},
					Priority: priority,
					Owner:    owner,
				})
				if err != nil {
					return err
				}
				fmt.Println(job.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&args, "arg", nil, "command argument (repeatable)")
	cmd.Flags().StringToStringVar(&envOverride, "env", nil, "environment override KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the command")
	cmd.Flags().Int32Var(&priority, "priority", 0, "higher runs first")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "per-job timeout in milliseconds")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "child inherits the worker's standard streams")
	cmd.Flags().StringVar(&owner, "owner", "", "owner tag for per-owner worker filtering")
	return cmd
}

// ── terminate ─────────────────────────────────────────────────────────────────

func terminateCmd() *cobra.Command {
	var (
		priority int32
		owner    string
	)

	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Insert a terminate job that stops the worker's running process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				job, err := st.Enqueue(ctx, store.EnqueueParams{
					JobName:  store.JobTerminate,
					Priority: priority,
					Owner:    owner,
				})
				if err != nil {
					return err
				}
				fmt.Println(job.ID)
				return nil
			})
		},
	}

	cmd.Flags().Int32Var(&priority, "priority", 0, "higher runs first")
	cmd.Flags().StringVar(&owner, "owner", "", "owner tag for per-owner worker filtering")
	return cmd
}

// ── list ──────────────────────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the queued backlog in claim order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				jobs, err := st.ListQueued(ctx, owner)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tPRIORITY\tOWNER\tCREATED\tCMD")
				for _, j := range jobs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
						j.ID, j.JobName, j.Priority, j.Owner,
						j.CreatedAt.Format(time.RFC3339), j.Payload.Cmd)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner tag")
	return cmd
}

// ── helpers ───────────────────────────────────────────────────────────────────

// withStore loads config, connects, runs fn, and closes the pool. Shared
// by the one-shot producer subcommands.
func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	return fn(ctx, store.New(db))
}

// newPool creates and validates a pgxpool, retrying with linear backoff to
// ride out container-orchestration startup races where Postgres is not
// immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Per-query statement timeout prevents a runaway query from holding a
	// connection indefinitely. Child process runtime is not affected — the
	// worker holds no connection while a job executes.
	if cfg.DBStatementTimeoutMS > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	}

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before it fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	return db, nil
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
