package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SqliteManager keeps secrets in plaintext in a local sqlite table. It can
// share a database file with the runner's own tables.
type SqliteManager struct {
	db        *sql.DB
	tableName string
}

type SqliteManagerOpt func(*SqliteManager)

func WithTableName(name string) SqliteManagerOpt {
	return func(s *SqliteManager) {
		s.tableName = name
	}
}

func NewSQLiteManager(dbPath string, opts ...SqliteManagerOpt) (*SqliteManager, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SqliteManager{
		db:        db,
		tableName: "secrets",
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create %s table: %w", s.tableName, err)
	}
	return s, nil
}

func (s *SqliteManager) migrate() error {
	_, err := s.db.Exec(fmt.Sprintf(`
		create table if not exists %s (
			repo text not null,
			key text not null,
			value text not null,
			created integer not null,
			created_by text not null default '',
			primary key (repo, key)
		) without rowid;
	`, s.tableName))
	return err
}

func (s *SqliteManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}

	created := secret.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`insert into %s (repo, key, value, created, created_by) values (?, ?, ?, ?, ?)`, s.tableName),
		string(secret.Repo), secret.Key, secret.Value, created.UnixNano(), secret.CreatedBy,
	)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return ErrKeyAlreadyPresent
	}
	return err
}

func (s *SqliteManager) RemoveSecret(ctx context.Context, secret Secret[any]) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where repo = ? and key = ?`, s.tableName),
		string(secret.Repo), secret.Key,
	)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *SqliteManager) GetSecretsLocked(ctx context.Context, repo Repo) ([]LockedSecret, error) {
	us, err := s.GetSecretsUnlocked(ctx, repo)
	if err != nil {
		return nil, err
	}
	return lockAll(us), nil
}

// GetSecretsUnlocked returns the repo's secrets ordered by key.
func (s *SqliteManager) GetSecretsUnlocked(ctx context.Context, repo Repo) ([]UnlockedSecret, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`select key, value, created, created_by from %s where repo = ? order by key`, s.tableName),
		string(repo),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnlockedSecret
	for rows.Next() {
		u := UnlockedSecret{Repo: repo}
		var created int64
		if err := rows.Scan(&u.Key, &u.Value, &created, &u.CreatedBy); err != nil {
			return nil, err
		}
		u.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SqliteManager) Close() error {
	return s.db.Close()
}
