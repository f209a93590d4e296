package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agor-sh/agor/internal/db"
	"github.com/agor-sh/agor/internal/db/dialect"
)

// SchemaVersion is the current schema version. Opening a database recorded
// at an older version fails with ErrMigrationPending until Migrate is run.
const SchemaVersion = 1

// Store provides typed CRUD over all Agor entities.
type Store struct {
	pool   *db.Pool
	driver string
}

// New creates a Store over the given pool. A fresh database is initialized
// in place; an existing database recorded at an older schema version returns
// ErrMigrationPending.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool, driver: pool.Writer().DriverName()}

	version, err := s.recordedVersion()
	if err != nil {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	switch {
	case version == 0:
		if err := s.Migrate(); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	case version < SchemaVersion:
		return nil, fmt.Errorf("schema version %d, daemon requires %d: %w",
			version, SchemaVersion, ErrMigrationPending)
	}
	return s, nil
}

// Migrate applies the idempotent schema DDL and records the schema version.
func (s *Store) Migrate() error {
	if err := s.initSchema(); err != nil {
		return err
	}
	return s.recordVersion(SchemaVersion)
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.pool.Close() }

// Driver returns the sql driver name ("sqlite3" or "pgx").
func (s *Store) Driver() string { return s.driver }

func (s *Store) writer() *sqlx.DB { return s.pool.Writer() }
func (s *Store) reader() *sqlx.DB { return s.pool.Reader() }

func (s *Store) recordedVersion() (int, error) {
	if _, err := s.writer().Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)`); err != nil {
		return 0, err
	}
	var version int
	err := s.writer().Get(&version, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) recordVersion(version int) error {
	var count int
	if err := s.writer().Get(&count, s.writer().Rebind(
		`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), version); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := s.writer().Exec(s.writer().Rebind(
		`INSERT INTO schema_migrations (version) VALUES (?)`), version)
	return err
}

// NewID returns a new UUIDv7 textual identifier. Falls back to a random
// UUID if the clock-based constructor fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// now returns the canonical timestamp for writes.
func now() time.Time { return time.Now().UTC() }

// isUniqueViolation reports whether err is a UNIQUE constraint failure on
// either dialect.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

// resolveID resolves a full ID or a short-ID prefix (>=3 chars) to a full ID
// in the given table. An unambiguous prefix resolves to the single match;
// multiple matches produce an AmbiguousIDError listing up to three.
func (s *Store) resolveID(ctx context.Context, table, column, idOrPrefix string) (string, error) {
	if idOrPrefix == "" {
		return "", ErrNotFound
	}
	if len(idOrPrefix) == 36 {
		return idOrPrefix, nil
	}
	if len(idOrPrefix) < 3 {
		return "", fmt.Errorf("id prefix must be at least 3 characters: %w", ErrNotFound)
	}

	like := dialect.Like(s.driver)
	query := s.reader().Rebind(fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s %s ? ESCAPE '\' ORDER BY %s LIMIT 4`,
		column, table, column, like, column))

	var matches []string
	if err := s.reader().SelectContext(ctx, &matches, query, escapeLike(idOrPrefix)+"%"); err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", ErrNotFound
	case 1:
		return matches[0], nil
	default:
		shown := matches
		total := len(matches)
		if total > 3 {
			shown = matches[:3]
		}
		return "", &AmbiguousIDError{Prefix: idOrPrefix, Matches: shown, Total: total}
	}
}

// escapeLike escapes LIKE wildcards in a prefix so user input cannot widen
// the match.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// getOne scans a single row, mapping sql.ErrNoRows to ErrNotFound.
func getOne[T any](ctx context.Context, q sqlx.QueryerContext, dest *T, query string, args ...any) error {
	if err := sqlx.GetContext(ctx, q, dest, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	return nil
}
