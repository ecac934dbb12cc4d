package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultPostgresMaxConns = 25
	defaultPostgresMinConns = 5
)

// OpenPostgres opens a Postgres handle through the pgx stdlib driver and
// verifies connectivity with a ping. Non-positive pool bounds fall back to
// the defaults.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	handle, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPostgresMinConns
	}
	handle.SetMaxOpenConns(maxConns)
	handle.SetMaxIdleConns(minConns)

	if err := handle.Ping(); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return handle, nil
}
