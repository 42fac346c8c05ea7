// Package migrations wires golang-migrate execution for the networked event store.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/yapper/db/migrations"
	"github.com/coachpo/yapper/internal/infra/telemetry"
)

// Embedded selects the migrations compiled into the binary instead of a directory.
const Embedded = ""

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the Postgres instance reachable via dsn up to the latest schema.
// migrationsDir selects a directory of SQL files; Embedded uses the bundled set.
// A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	label := sourceLabel(migrationsDir)
	err := withMigrator(ctx, dsn, migrationsDir, logger, func(m *migrate.Migrate) error {
		if logger != nil {
			logger.Printf("running database migrations: source=%s", label)
		}
		return m.Up()
	})
	return finish(ctx, err, "apply", label, logger)
}

// Rollback reverts the given number of migration steps (at least one).
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		steps = 1
	}
	label := sourceLabel(migrationsDir)
	err := withMigrator(ctx, dsn, migrationsDir, logger, func(m *migrate.Migrate) error {
		if logger != nil {
			logger.Printf("rolling back database migrations: source=%s steps=%d", label, steps)
		}
		return m.Steps(-steps)
	})
	return finish(ctx, err, "rollback", label, logger)
}

// Version reports the schema version applied to the database and whether the
// last migration left it dirty. A database never migrated reports version 0.
func Version(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)
	err := withMigrator(ctx, dsn, migrationsDir, logger, func(m *migrate.Migrate) error {
		v, d, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		version, dirty = v, d
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("read migration version (%s): %w", sourceLabel(migrationsDir), err)
	}
	return version, dirty, nil
}

func finish(ctx context.Context, err error, action, label string, logger *log.Logger) error {
	switch {
	case err == nil:
		recordMigrationMetric(ctx, action, "applied")
		if logger != nil {
			logger.Printf("database migrations %s succeeded", action)
		}
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		recordMigrationMetric(ctx, action, "noop")
		if logger != nil {
			logger.Printf("database migrations up-to-date")
		}
		return nil
	default:
		recordMigrationMetric(ctx, action, "failed")
		return fmt.Errorf("%s migrations (%s): %w", action, label, err)
	}
}

func withMigrator(ctx context.Context, dsn, migrationsDir string, logger *log.Logger, fn func(*migrate.Migrate) error) error {
	sourceName, sourceURL, err := resolveSource(migrationsDir)
	if err != nil {
		return err
	}
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("database dsn required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if sourceName == "iofs" {
		src, serr := iofs.New(dbmigrations.Files, ".")
		if serr != nil {
			return fmt.Errorf("open embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithInstance(sourceName, src, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(sourceURL, "pgx5", driver)
	}
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	return fn(m)
}

func resolveSource(dir string) (name, sourceURL string, err error) {
	if strings.TrimSpace(dir) == Embedded {
		return "iofs", "", nil
	}
	resolved, err := resolveDir(dir)
	if err != nil {
		return "", "", err
	}
	return "file", fileURL(resolved), nil
}

func sourceLabel(dir string) string {
	if strings.TrimSpace(dir) == Embedded {
		return "embedded"
	}
	return strings.TrimSpace(dir)
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, action, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("yapper_db_migrations_total",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrOperation.String(action),
		telemetry.AttrResult.String(result),
	))
}
