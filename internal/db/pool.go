// Package db opens the database connections the agent store runs on:
// sqlite with a single writer and a WAL reader pool, or postgres through
// the pgx stdlib driver.
package db

import "github.com/jmoiron/sqlx"

// Pool separates read and write connections.
//
// With sqlite in WAL mode the writer pool holds a single connection so
// writes serialize without SQLITE_BUSY, while the reader pool serves
// concurrent SELECTs from WAL snapshots. With postgres both sides are
// the same *sqlx.DB; pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from writer and reader connections. The two may
// be the same *sqlx.DB.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the pool for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools, avoiding a double close when they are shared.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
