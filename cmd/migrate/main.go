// Package main applies the chat state schema used by the postgres state backend.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/welldanyogia/teamchat-events/internal/config"
	"github.com/welldanyogia/teamchat-events/internal/logger"
)

// Version is set at build time
var Version = "dev"

const defaultMigrationTimeout = 5 * time.Minute

// options holds migration settings
type options struct {
	DatabaseURL    string
	MigrationsPath string
	Timeout        time.Duration
	DryRun         bool
}

func main() {
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	cfg := config.Load()
	var (
		migrPath = flag.String("path", envOr("MIGRATIONS_PATH", "migrations"), "Path to migrations directory")
		timeout  = flag.Duration("timeout", defaultMigrationTimeout, "Lock and connect timeout")
		dryRun   = flag.Bool("dry-run", false, "Show what would be done without executing")
		version  = flag.Bool("version", false, "Print version and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Chat state schema migrations. Connection settings come from DB_* variables.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  up [N]     Apply all or N up migrations\n")
		fmt.Fprintf(os.Stderr, "  down [N]   Roll back all or N migrations\n")
		fmt.Fprintf(os.Stderr, "  goto V     Migrate to version V\n")
		fmt.Fprintf(os.Stderr, "  force V    Set version V without running migrations\n")
		fmt.Fprintf(os.Stderr, "  version    Print current migration version\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Printf("migrate version %s\n", Version)
		return
	}
	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	opts := &options{
		DatabaseURL:    cfg.Database.URL(),
		MigrationsPath: *migrPath,
		Timeout:        *timeout,
		DryRun:         *dryRun,
	}
	if err := run(opts, args[0], args[1:]); err != nil {
		log.Error("migration command failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}

func run(opts *options, cmd string, args []string) error {
	switch cmd {
	case "version":
		return showVersion(opts)
	case "up", "down":
		steps, err := optionalInt(args)
		if err != nil {
			return err
		}
		if cmd == "down" {
			steps = -steps
		}
		return step(opts, cmd, steps)
	case "goto", "force":
		if len(args) < 1 {
			return fmt.Errorf("%s requires a version number", cmd)
		}
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 0 {
			return fmt.Errorf("invalid version: %s", args[0])
		}
		return jump(opts, cmd, v)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func optionalInt(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number of steps: %s", args[0])
	}
	return n, nil
}

func showVersion(opts *options) error {
	m, err := newMigrate(opts)
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		slog.Info("no migrations applied yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	slog.Info("current migration version", "version", version, "dirty", dirty)
	return nil
}

// step applies steps migrations (negative rolls back); zero means all the way.
func step(opts *options, direction string, steps int) error {
	if opts.DryRun {
		slog.Info("dry run", "direction", direction, "steps", steps)
		return nil
	}
	m, err := newMigrate(opts)
	if err != nil {
		return err
	}
	defer m.Close()

	from, _, _ := m.Version()
	switch {
	case steps != 0:
		err = m.Steps(steps)
	case direction == "down":
		err = m.Down()
	default:
		err = m.Up()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("no migrations to apply", "direction", direction)
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	to, _, _ := m.Version()
	slog.Info("migration completed", "from", from, "to", to)
	return nil
}

func jump(opts *options, cmd string, version int) error {
	if opts.DryRun {
		slog.Info("dry run", "command", cmd, "version", version)
		return nil
	}
	m, err := newMigrate(opts)
	if err != nil {
		return err
	}
	defer m.Close()

	if cmd == "force" {
		err = m.Force(version)
	} else {
		err = m.Migrate(uint(version))
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s failed: %w", cmd, err)
	}
	slog.Info("migration version set", "command", cmd, "version", version)
	return nil
}

// newMigrate opens the database and the file source
func newMigrate(opts *options) (*migrate.Migrate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	db, err := sql.Open("pgx", opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	path, err := filepath.Abs(opts.MigrationsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.LockTimeout = opts.Timeout
	return m, nil
}

func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
