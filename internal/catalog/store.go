// Package catalog is the persistent entry store. Entries live in five
// tables (MAIN, ANNEX, STRIPE_INFO, STRIPE_ITEMS, VARS) keyed by a 64-bit
// packed entry id, and are reachable by id or through filtered, sorted
// iteration.
package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jra3/fspolicy/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is recorded in VARS; a mismatch on open is fatal.
const schemaVersion = "1"

const (
	varVersion = "Version"
	varFSPath  = "FS_path"
)

// Store wraps database operations for the entry catalog.
type Store struct {
	db *sql.DB
}

// Open opens or creates the catalog at dbPath and binds it to the given
// filesystem path. A catalog previously bound to a different filesystem
// or written by a different schema version is refused.
func Open(dbPath, fsPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Use file: URI format to properly handle paths with spaces
	escapedPath := strings.ReplaceAll(dbPath, " ", "%20")
	db, err := sql.Open("sqlite", "file:"+escapedPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.checkIdentity(context.Background(), fsPath); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// checkIdentity verifies the schema version and the filesystem binding,
// recording them on first open.
func (s *Store) checkIdentity(ctx context.Context, fsPath string) error {
	version, err := s.GetVar(ctx, varVersion)
	if err != nil {
		return err
	}
	switch version {
	case "":
		if err := s.SetVar(ctx, varVersion, schemaVersion); err != nil {
			return err
		}
	case schemaVersion:
	default:
		return fmt.Errorf("%w: catalog version %q, expected %q",
			types.ErrDbSchemaMismatch, version, schemaVersion)
	}

	if fsPath == "" {
		return nil
	}
	stored, err := s.GetVar(ctx, varFSPath)
	if err != nil {
		return err
	}
	switch stored {
	case "":
		return s.SetVar(ctx, varFSPath, fsPath)
	case fsPath:
		return nil
	default:
		return fmt.Errorf("%w: catalog is bound to filesystem %q, not %q",
			types.ErrDbSchemaMismatch, stored, fsPath)
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for raw queries
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx executes a function within a transaction
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// GetVar reads a persistent variable; missing variables read as "".
func (s *Store) GetVar(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM VARS WHERE name = ?", name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get var %s: %w", name, err)
	}
	return value, nil
}

// SetVar writes a persistent variable.
func (s *Store) SetVar(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO VARS (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value",
		name, value)
	if err != nil {
		return fmt.Errorf("set var %s: %w", name, err)
	}
	return nil
}

// Null-column helpers shared by the entry accessors.

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func toNullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func fromNullInt64(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	return &ni.Int64
}

func fromNullTime(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := time.Unix(ni.Int64, 0)
	return &t
}
