package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns bounds the read-only pool. WAL mode supports many
	// readers beside the single writer; four covers this service's read load.
	sqliteReaderConns = 4
)

// OpenSQLite opens the write handle: one connection, WAL journal, foreign
// keys on. The parent directory and the database file are created if missing.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)
	if err := ensureParentDir(path); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := touchFile(path); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	// synchronous=NORMAL is the usual WAL pairing; busy_timeout absorbs
	// transient lock contention instead of surfacing it to callers.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	handle, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer connection serializes all writes.
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)

	return handle, nil
}

// OpenSQLiteReader opens the read-only handle with a small concurrent pool.
// Journal mode and synchronous level are database-wide and come from the
// writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	handle, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	handle.SetMaxOpenConns(sqliteReaderConns)
	handle.SetMaxIdleConns(sqliteReaderConns)

	return handle, nil
}

func ensureParentDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func touchFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func absSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
