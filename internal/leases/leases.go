// Package leases provides named, expiring ownership records. The broker uses
// one to keep a single deadline sweeper active across worker processes.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

type Lease struct {
	Name  string
	Owner string
	// AcquiredAt is when Owner took the lease over; renewals keep it.
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Valid reports whether the lease still holds at now.
func (l Lease) Valid(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// Store grants leases.
//
// Acquire takes the lease when it is free or expired and extends it when
// owner already holds it; ok is false and the current holder is returned
// otherwise. Release drops the lease if owner holds it and is a no-op when
// it is absent.
type Store interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (l Lease, ok bool, err error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func Validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name and owner required, ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
