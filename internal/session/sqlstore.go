package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/fabrica/model"
)

// SQLStore persists sessions in a SQLite key/value table.
type SQLStore struct {
	db *sql.DB
}

var _ model.Store = (*SQLStore)(nil)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT NOT NULL,
	item_key    TEXT NOT NULL,
	item_value  TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (session_key, item_key)
)`

// OpenSQLStore opens (or creates) the SQLite database at path and ensures
// the session table exists.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, model.NewStoreFailedError(err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, model.NewStoreFailedError(err)
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		db.Close()
		return nil, model.NewStoreFailedError(err)
	}
	return &SQLStore{db: db}, nil
}

// Save replaces all rows of the session in one transaction.
func (s *SQLStore) Save(ctx context.Context, key string, state map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.NewStoreFailedError(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_key = ?`, key); err != nil {
		return model.NewStoreFailedError(err)
	}

	now := time.Now().UTC()
	for k, v := range state {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (session_key, item_key, item_value, updated_at)
			 VALUES (?, ?, ?, ?)`,
			key, k, v, now); err != nil {
			return model.NewStoreFailedError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.NewStoreFailedError(err)
	}
	return nil
}

// Load reads every row of the session.
func (s *SQLStore) Load(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_key, item_value FROM sessions WHERE session_key = ?`, key)
	if err != nil {
		return nil, model.NewStoreFailedError(err)
	}
	defer rows.Close()

	state := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, model.NewStoreFailedError(err)
		}
		state[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreFailedError(err)
	}
	if len(state) == 0 {
		return nil, model.NewNotFoundError(fmt.Sprintf("session %q not found", key))
	}
	return state, nil
}

// Update upserts the given entries without touching other rows.
func (s *SQLStore) Update(ctx context.Context, key string, partial map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.NewStoreFailedError(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for k, v := range partial {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (session_key, item_key, item_value, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (session_key, item_key)
			 DO UPDATE SET item_value = excluded.item_value, updated_at = excluded.updated_at`,
			key, k, v, now); err != nil {
			return model.NewStoreFailedError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.NewStoreFailedError(err)
	}
	return nil
}

// Clear deletes all rows of the session.
func (s *SQLStore) Clear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_key = ?`, key); err != nil {
		return model.NewStoreFailedError(err)
	}
	return nil
}

// Exists reports whether the session has any rows.
func (s *SQLStore) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE session_key = ? LIMIT 1`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, model.NewStoreFailedError(err)
	}
	return true, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
