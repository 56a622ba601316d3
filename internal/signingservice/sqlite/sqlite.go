// Package sqlite persists the signing service's daily value totals in a local
// SQLite database so a restart does not reset the day's running sum.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	_ "github.com/mattn/go-sqlite3"
)

var ErrCorruptTotal = errors.New("signingservice/sqlite: corrupt stored total")

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. Use ":memory:" for a
// throwaway store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS daily_thresholds (
			day   TEXT PRIMARY KEY,
			total TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("signingservice/sqlite: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Reserve(ctx context.Context, day string, value, limit *big.Int) (bool, error) {
	if value == nil || value.Sign() < 0 {
		return false, fmt.Errorf("signingservice/sqlite: invalid value %v", value)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_thresholds WHERE day <> ?`, day); err != nil {
		return false, fmt.Errorf("signingservice/sqlite: drop old days: %w", err)
	}
	total, err := readTotal(ctx, tx, day)
	if err != nil {
		return false, err
	}
	next := new(big.Int).Add(total, value)
	if limit != nil && next.Cmp(limit) > 0 {
		return false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_thresholds (day, total) VALUES (?, ?)
		ON CONFLICT(day) DO UPDATE SET total = excluded.total
	`, day, next.String()); err != nil {
		return false, fmt.Errorf("signingservice/sqlite: store total: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Total(ctx context.Context, day string) (*big.Int, error) {
	return readTotal(ctx, s.db, day)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readTotal(ctx context.Context, q queryer, day string) (*big.Int, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT total FROM daily_thresholds WHERE day = ?`, day).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("signingservice/sqlite: read total: %w", err)
	}
	total, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCorruptTotal, raw)
	}
	return total, nil
}
