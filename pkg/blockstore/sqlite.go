package blockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sharedlog/pkg/types"

	_ "modernc.org/sqlite"
)

// SQLiteDB keeps every log's blocks in one table keyed by (log, hash).
type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteDB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteDB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteDB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blocks (
		log  TEXT NOT NULL,
		hash TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (log, hash)
	);`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteDB) Open(name string) (Store, error) {
	if name == "" {
		return nil, fmt.Errorf("sqlite: empty namespace")
	}
	return &SQLite{db: s.db, log: name}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

// SQLite is one log's view of a SQLiteDB.
type SQLite struct {
	db  *sql.DB
	log string
}

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOnContention retries fn while sqlite reports lock contention.
func retryOnContention(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	op := func() error {
		err := fn()
		if err != nil && !isTransientSQLiteErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
}

func (s *SQLite) Get(ctx context.Context, hash types.Hash) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blocks WHERE log = ? AND hash = ?`, s.log, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", hash, err)
	}
	return data, nil
}

func (s *SQLite) Put(ctx context.Context, data []byte) (types.Hash, error) {
	h := Hash(data)
	err := retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO blocks (log, hash, data) VALUES (?, ?, ?)`, s.log, h, data)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("sqlite put: %w", err)
	}
	return h, nil
}

func (s *SQLite) Has(ctx context.Context, hash types.Hash) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocks WHERE log = ? AND hash = ?`, s.log, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite has %s: %w", hash, err)
	}
	return true, nil
}

func (s *SQLite) Rm(ctx context.Context, hash types.Hash) error {
	err := retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM blocks WHERE log = ? AND hash = ?`, s.log, hash)
		return err
	})
	if err != nil {
		return fmt.Errorf("sqlite rm %s: %w", hash, err)
	}
	return nil
}

func (s *SQLite) Each(ctx context.Context, fn func(types.Hash, []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, data FROM blocks WHERE log = ? ORDER BY hash`, s.log)
	if err != nil {
		return fmt.Errorf("sqlite each: %w", err)
	}
	defer rows.Close()

	// читаем всё до вызова fn, чтобы не держать соединение
	type block struct {
		hash types.Hash
		data []byte
	}
	var blocks []block
	for rows.Next() {
		var b block
		if err := rows.Scan(&b.hash, &b.data); err != nil {
			return fmt.Errorf("sqlite each: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite each: %w", err)
	}
	rows.Close()
	for _, b := range blocks {
		if err := fn(b.hash, b.data); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error { return nil }
