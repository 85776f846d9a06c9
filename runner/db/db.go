// Package db persists runs and their status events in SQLite.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

// https://github.com/mattn/go-sqlite3#connection-string
var pragmas = url.Values{
	"_foreign_keys": {"1"},
	"_journal_mode": {"WAL"},
	"_synchronous":  {"NORMAL"},
	"_auto_vacuum":  {"incremental"},
	"_busy_timeout": {"5000"},
}

// applied in order on every open, so each must be idempotent
var migrations = []string{
	// one row per triggered pipeline; trigger and workflows are json
	`create table if not exists runs (
		rkey text primary key,
		source text not null,
		trigger text not null,
		workflows text not null,
		created integer not null
	)`,
	// status transitions of single workflows, created is unix nanos
	`create table if not exists events (
		rkey text not null,
		kind text not null,
		event text not null,
		created integer not null
	)`,
	`create index if not exists events_created on events(created)`,
}

// Make opens the database at dbPath, creating the schema if needed.
func Make(dbPath string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", dbPath+"?"+pragmas.Encode())
	if err != nil {
		return nil, err
	}

	d := &DB{sqlDB}
	if err := d.migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, m := range migrations {
		if _, err := tx.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return tx.Commit()
}
