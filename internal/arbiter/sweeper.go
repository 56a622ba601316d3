package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/concent-network/concent/internal/leases"
)

type SweeperConfig struct {
	// LeaseName is shared by every worker sweeping the same database.
	LeaseName string
	Owner     string
	LeaseTTL  time.Duration
	Interval  time.Duration
}

// Sweeper resolves expired subtasks in the background. Only the worker holding
// the sweep lease settles; the others keep trying to take it over.
type Sweeper struct {
	cfg    SweeperConfig
	arb    *Arbiter
	leases leases.Store
	log    *slog.Logger

	since time.Time
}

func NewSweeper(cfg SweeperConfig, arb *Arbiter, ls leases.Store, log *slog.Logger) (*Sweeper, error) {
	if arb == nil || ls == nil {
		return nil, fmt.Errorf("%w: nil arbiter/lease store", ErrInvalidConfig)
	}
	if cfg.LeaseName == "" || cfg.Owner == "" {
		return nil, fmt.Errorf("%w: lease name and owner required", ErrInvalidConfig)
	}
	if cfg.LeaseTTL <= 0 || cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: lease ttl and interval must be > 0", ErrInvalidConfig)
	}
	if cfg.Interval >= cfg.LeaseTTL {
		return nil, fmt.Errorf("%w: interval %s must be shorter than lease ttl %s", ErrInvalidConfig, cfg.Interval, cfg.LeaseTTL)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{cfg: cfg, arb: arb, leases: ls, log: log}, nil
}

// Tick runs one sweep if this worker leads. It returns the number of subtasks settled.
func (s *Sweeper) Tick(ctx context.Context) (int, error) {
	l, ok, err := s.leases.Acquire(ctx, s.cfg.LeaseName, s.cfg.Owner, s.cfg.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("arbiter: sweep lease: %w", err)
	}
	if !ok {
		return 0, nil
	}
	if !l.AcquiredAt.Equal(s.since) {
		s.since = l.AcquiredAt
		s.log.Info("leading deadline sweeps", "owner", s.cfg.Owner, "since", l.AcquiredAt)
	}
	n, err := s.arb.SettleExpired(ctx)
	if n > 0 {
		s.log.Info("expired subtasks settled", "count", n)
	}
	return n, err
}

// Run ticks until ctx is done and releases the lease on the way out.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.leases.Release(relCtx, s.cfg.LeaseName, s.cfg.Owner); err != nil {
				s.log.Warn("release sweep lease", "err", err)
			}
			cancel()
			return ctx.Err()
		case <-t.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.Error("sweep", "err", err)
			}
		}
	}
}
