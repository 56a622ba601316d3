// Package postgres stores leases in the broker database. Expiry is judged by
// the database clock so workers with skewed clocks still agree on the holder.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/concent-network/concent/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ leases.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

// Acquire is one upsert: a new row, a renewal by the holder, or a takeover
// of an expired row. Any other conflict updates nothing and returns no row.
func (s *Store) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := leases.Validate(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}
	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO leases (name, owner, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			acquired_at = CASE WHEN leases.owner = EXCLUDED.owner THEN leases.acquired_at ELSE EXCLUDED.acquired_at END,
			expires_at = EXCLUDED.expires_at
		WHERE leases.owner = EXCLUDED.owner OR leases.expires_at <= now()
		RETURNING owner, acquired_at, expires_at
	`, name, owner, max(ttl.Milliseconds(), 1)).Scan(&l.Owner, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: acquire %s: %w", name, err)
	}
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release %s: %w", name, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.Get(ctx, name)
	switch {
	case errors.Is(err, leases.ErrNotFound):
		return nil
	case err != nil:
		return err
	case cur.Owner != owner:
		return leases.ErrNotOwner
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}
	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `SELECT owner, acquired_at, expires_at FROM leases WHERE name = $1`, name).
		Scan(&l.Owner, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, leases.ErrNotFound
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: get %s: %w", name, err)
	}
	return l, nil
}
