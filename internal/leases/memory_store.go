package leases

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps leases for a single process. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, leases: make(map[string]Lease)}
}

func (s *MemoryStore) Acquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := Validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, held := s.leases[name]
	switch {
	case held && cur.Owner == owner:
		cur.ExpiresAt = now.Add(ttl)
	case held && cur.Valid(now):
		return cur, false, nil
	default:
		cur = Lease{Name: name, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	}
	s.leases[name] = cur
	return cur, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, held := s.leases[name]
	if !held {
		return nil
	}
	if cur.Owner != owner {
		return ErrNotOwner
	}
	delete(s.leases, name)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Lease, error) {
	if name == "" {
		return Lease{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, held := s.leases[name]
	if !held {
		return Lease{}, ErrNotFound
	}
	return cur, nil
}
