// Package db opens the daemon's relational store in either of its two
// dialects and splits traffic into writer and reader pools.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs a write pool with a read pool. SQLite needs the split: the
// writer holds the one WAL writer connection while readers fan out over
// snapshots. Postgres hands the same *sqlx.DB in for both roles since
// pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer serves inserts, updates, deletes, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader serves selects.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

func (p *Pool) Close() error {
	err := p.writer.Close()
	// Both roles share one *sqlx.DB on postgres; closing twice is wrong.
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && err == nil {
			err = rErr
		}
	}
	return err
}
