package cursor

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteStore keeps cursors in a single table of a SQLite database, so a
// restarted watcher resumes where it left off.
type SqliteStore struct {
	db        *sql.DB
	tableName string
	l         *slog.Logger

	getQuery string
	setQuery string
}

type SqliteStoreOpt func(*SqliteStore)

func WithTableName(name string) SqliteStoreOpt {
	return func(s *SqliteStore) { s.tableName = name }
}

func WithLogger(l *slog.Logger) SqliteStoreOpt {
	return func(s *SqliteStore) { s.l = l }
}

func NewSQLiteStore(dbPath string, opts ...SqliteStoreOpt) (*SqliteStore, error) {
	s := &SqliteStore{
		tableName: "cursors",
		l:         slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db

	schema := fmt.Sprintf(`create table if not exists %q (
		source text primary key,
		cursor integer not null
	)`, s.tableName)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cursor table: %w", err)
	}

	s.getQuery = fmt.Sprintf(`select cursor from %q where source = ?`, s.tableName)
	s.setQuery = fmt.Sprintf(`insert into %q (source, cursor) values (?, ?)
		on conflict(source) do update set cursor = excluded.cursor`, s.tableName)

	return s, nil
}

func (s *SqliteStore) Set(source string, cursor int64) {
	if _, err := s.db.Exec(s.setQuery, source, cursor); err != nil {
		s.l.Error("failed to store cursor", "source", source, "err", err)
	}
}

// Get returns 0 for sources never seen before.
func (s *SqliteStore) Get(source string) int64 {
	var cursor int64
	err := s.db.QueryRow(s.getQuery, source).Scan(&cursor)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0
	case err != nil:
		s.l.Error("failed to load cursor", "source", source, "err", err)
		return 0
	}
	return cursor
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}
