// Package database provides the PostgreSQL client and migration utilities.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the primary sqlx handle and an optional read replica.
// Writes always go to the primary; Reader() returns the replica when one
// is configured, otherwise the primary. Callers pick the side explicitly.
type Client struct {
	primary *sqlx.DB
	replica *sqlx.DB
}

// NewClient opens the primary connection, applies pending migrations, and
// optionally opens a read replica.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	primary, err := open(ctx, cfg.DSN(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary database: %w", err)
	}

	if err := runMigrations(primary.DB, cfg.Database); err != nil {
		_ = primary.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	client := &Client{primary: primary}

	if cfg.ReplicaDSN != "" {
		replica, err := open(ctx, cfg.ReplicaDSN, cfg)
		if err != nil {
			_ = primary.Close()
			return nil, fmt.Errorf("failed to open read replica: %w", err)
		}
		client.replica = replica
	}

	return client, nil
}

// NewClientFromDB wraps an existing connection (useful for testing).
func NewClientFromDB(db *stdsql.DB) *Client {
	return &Client{primary: sqlx.NewDb(db, "pgx")}
}

func open(ctx context.Context, dsn string, cfg Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Writer returns the primary connection. All mutations go through it.
func (c *Client) Writer() *sqlx.DB { return c.primary }

// Reader returns the replica when configured, otherwise the primary.
func (c *Client) Reader() *sqlx.DB {
	if c.replica != nil {
		return c.replica
	}
	return c.primary
}

// Close closes both connections.
func (c *Client) Close() error {
	var errs []string
	if err := c.primary.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.replica != nil {
		if err := c.replica.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// runMigrations applies pending migrations using golang-migrate with the
// embedded migration files. Migrations ship inside the binary via
// go:embed so production deployments need no external files.
func runMigrations(db *stdsql.DB, dbName string) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found — binary may be built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the shared
	// *sql.DB passed via postgres.WithInstance, breaking the live client.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
