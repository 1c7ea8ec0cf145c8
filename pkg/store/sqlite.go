package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// SQLite is a Backend kept in a single database file, so the session
// survives restarts of the process.
type SQLite struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	// one connection keeps ":memory:" databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init database: %v", err)
	}

	return &SQLite{db: db, path: dbPath}, nil
}

func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Close() error {
	s.closed.Store(true)
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	return initTable(db, "kv", `
		CREATE TABLE IF NOT EXISTS kv (
			key         TEXT PRIMARY KEY,
			value       TEXT NOT NULL
		);`,
	)
}

func initTable(
	db *sql.DB,
	name string,
	sql string,
) error {
	if _, err := db.Exec(sql); err != nil {
		return fmt.Errorf("failed to init '%s' table schema: %v", name, err)
	}
	return nil
}

func (s *SQLite) Load(
	ctx context.Context,
	key string,
) (
	string,
	bool,
	error,
) {
	if s.closed.Load() {
		return "", false, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM kv
		WHERE key=?1;`,
		key,
	)

	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("couldn't scan kv value: %v", err)
	}
	return value, true, nil
}

func (s *SQLite) Save(
	ctx context.Context,
	values map[string]string,
) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for key, value := range values {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO kv (key, value)
				VALUES (?1, ?2)
				ON CONFLICT (key) DO UPDATE SET value=excluded.value;`,
				key,
				value,
			)
			if err != nil {
				return fmt.Errorf("couldn't insert into kv: %v", err)
			}
		}
		return nil
	})
}

func (s *SQLite) Delete(
	ctx context.Context,
	keys ...string,
) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM kv
				WHERE key=?1;`,
				key,
			)
			if err != nil {
				return fmt.Errorf("couldn't delete from kv: %v", err)
			}
		}
		return nil
	})
}

func (s *SQLite) inTx(
	ctx context.Context,
	fn func(*sql.Tx) error,
) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("couldn't begin transaction: %v", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("couldn't commit transaction: %v", err)
	}
	return nil
}
