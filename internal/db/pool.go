package db

import "github.com/jmoiron/sqlx"

// Pool splits database access into a write side and a read side.
//
// SQLite in WAL mode wants exactly one writing connection; the reader side
// then serves concurrent SELECTs from WAL snapshots without tripping
// SQLITE_BUSY. Postgres pools internally, so both sides may share one
// *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool builds a Pool from distinct writer and reader handles.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// NewSharedPool builds a Pool where reads and writes go through the same
// handle. Used for Postgres.
func NewSharedPool(shared *sqlx.DB) *Pool {
	return &Pool{writer: shared, reader: shared}
}

// Writer is the handle for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the handle for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, once each when they are shared.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
