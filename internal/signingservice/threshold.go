package signingservice

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// ThresholdStore keeps the running total of transaction value signed per day.
type ThresholdStore interface {
	// Reserve adds value to day's total unless the new total would exceed
	// limit. A nil limit never refuses. Totals for other days are discarded.
	Reserve(ctx context.Context, day string, value, limit *big.Int) (bool, error)
	Total(ctx context.Context, day string) (*big.Int, error)
}

// Day is the key under which values signed at t are accumulated.
func Day(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

type MemoryThresholds struct {
	mu    sync.Mutex
	day   string
	total *big.Int
}

func NewMemoryThresholds() *MemoryThresholds {
	return &MemoryThresholds{total: new(big.Int)}
}

func (m *MemoryThresholds) Reserve(_ context.Context, day string, value, limit *big.Int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.day != day {
		m.day = day
		m.total = new(big.Int)
	}
	next := new(big.Int).Add(m.total, value)
	if limit != nil && next.Cmp(limit) > 0 {
		return false, nil
	}
	m.total = next
	return true, nil
}

func (m *MemoryThresholds) Total(_ context.Context, day string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.day != day {
		return new(big.Int), nil
	}
	return new(big.Int).Set(m.total), nil
}
