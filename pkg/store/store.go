// Package store is the persistence layer. It maps the typed domain model
// onto PostgreSQL via sqlx; all mutations go through the primary
// connection, reads may be served by a replica when one is configured.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/chengis/chengis/pkg/database"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when a unique constraint is violated.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStaleTransition is returned when a conditional status update
	// matched no row (another writer won, or the state moved on).
	ErrStaleTransition = errors.New("stale status transition")

	// ErrInvalidCursor is returned for malformed pagination cursors.
	ErrInvalidCursor = errors.New("invalid pagination cursor")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a field validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Store provides access to all persisted entities.
type Store struct {
	db *database.Client
}

// New creates a Store over the given database client.
func New(db *database.Client) *Store {
	return &Store{db: db}
}

// writer returns the primary connection.
func (s *Store) writer() *sqlx.DB { return s.db.Writer() }

// Ping reports primary database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Writer().PingContext(ctx)
}

// reader returns the replica when configured, otherwise the primary.
func (s *Store) reader() *sqlx.DB { return s.db.Reader() }

// inTx runs fn inside a transaction on the primary, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// mapRowError converts driver-level errors into store sentinels.
func mapRowError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// isUniqueViolation detects Postgres unique-constraint errors (SQLSTATE
// 23505) without importing the pgconn error type at every call site.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
