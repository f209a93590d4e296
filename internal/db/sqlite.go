package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteBusyTimeout = 5 * time.Second

// sqliteReaderConns bounds the read pool. WAL mode lets readers run
// alongside the single writer, and four connections cover the daemon's
// find/get traffic comfortably.
const sqliteReaderConns = 4

// OpenSQLite opens the write side of the store: one connection, WAL
// journal, foreign keys on. The single connection serializes writes so
// the daemon never trips SQLITE_BUSY against itself.
func OpenSQLite(path string) (*sql.DB, error) {
	path = absSQLitePath(path)
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	if err := touchSQLiteFile(path); err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}

	conn, err := sql.Open("sqlite3", sqliteDSN(path, "rwc")+"&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read side: a small pool of read-only
// connections over the writer's WAL snapshots. journal_mode and
// synchronous are database-level settings owned by the writer.
func OpenSQLiteReader(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", sqliteDSN(absSQLitePath(path), "ro"))
	if err != nil {
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

func sqliteDSN(path, mode string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_mode=%s&_busy_timeout=%d&_cache=shared",
		path, mode, int(sqliteBusyTimeout/time.Millisecond))
}

func touchSQLiteFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// absSQLitePath resolves the path so the writer and reader DSNs agree on
// the shared cache key even when config used a relative path.
func absSQLitePath(path string) string {
	if path == "" {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
