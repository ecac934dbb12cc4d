package main

import (
	"github.com/jmoiron/sqlx"

	"github.com/storyforge/storyforge/internal/common/config"
	"github.com/storyforge/storyforge/internal/db"
)

// openPool builds the shared database pool for the configured driver. SQLite
// gets a single-connection writer plus a concurrent read-only pool; Postgres
// shares one pgx-backed pool for both roles.
func openPool(cfg config.DatabaseConfig) (*db.Pool, error) {
	switch cfg.Driver {
	case "postgres":
		raw, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		return db.NewSharedPool(sqlx.NewDb(raw, "pgx")), nil
	default:
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
	}
}
