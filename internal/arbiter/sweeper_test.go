package arbiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/concent-network/concent/internal/leases"
	"github.com/concent-network/concent/internal/message/msgtest"
	"github.com/concent-network/concent/internal/subtask"
)

func TestSweeper_OnlyLeaderSettles(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ttc, rct := chain(t, "sub-1")
	h.handle(t, msgtest.ForceReportComputedTask(t, rct, t0))

	ls := leases.NewMemoryStore(h.clock.Now)
	cfg := SweeperConfig{LeaseName: "concent-sweeper", LeaseTTL: 30 * time.Second, Interval: 5 * time.Second}

	cfg.Owner = "worker-a"
	a, err := NewSweeper(cfg, h.arb, ls, nil)
	if err != nil {
		t.Fatalf("NewSweeper(a): %v", err)
	}
	cfg.Owner = "worker-b"
	b, err := NewSweeper(cfg, h.arb, ls, nil)
	if err != nil {
		t.Fatalf("NewSweeper(b): %v", err)
	}

	ctx := context.Background()
	if n, err := a.Tick(ctx); err != nil || n != 0 {
		t.Fatalf("a.Tick before deadline: n=%d err=%v", n, err)
	}

	h.clock.Set(h.timing.ForcingReportDeadline(ttc).Add(time.Second))
	if _, ok, err := ls.Acquire(ctx, cfg.LeaseName, "worker-a", cfg.LeaseTTL); err != nil || !ok {
		t.Fatalf("worker-a lease: ok=%v err=%v", ok, err)
	}
	if n, err := b.Tick(ctx); err != nil || n != 0 {
		t.Fatalf("b.Tick while a leads: n=%d err=%v", n, err)
	}
	h.requireState(t, "sub-1", subtask.StateForcingReport)

	// a stopped renewing long enough ago for b to take over.
	h.clock.Set(h.clock.Now().Add(time.Minute))
	if n, err := b.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("b.Tick after takeover: n=%d err=%v", n, err)
	}
	h.requireState(t, "sub-1", subtask.StateReported)
}

func TestSweeper_SkipsLockedSubtasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ttc, rct := chain(t, "sub-1")
	h.handle(t, msgtest.ForceReportComputedTask(t, rct, t0))
	h.clock.Set(h.timing.ForcingReportDeadline(ttc).Add(time.Second))

	release := h.store.HoldLock("sub-1")
	n, err := h.arb.SettleExpired(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("SettleExpired while locked: n=%d err=%v", n, err)
	}
	release()
	if n, err := h.arb.SettleExpired(context.Background()); err != nil || n != 1 {
		t.Fatalf("SettleExpired: n=%d err=%v", n, err)
	}
}

func TestNewSweeper_Validation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ls := leases.NewMemoryStore(nil)

	cases := []struct {
		name string
		cfg  SweeperConfig
	}{
		{name: "no owner", cfg: SweeperConfig{LeaseName: "l", LeaseTTL: time.Minute, Interval: time.Second}},
		{name: "no ttl", cfg: SweeperConfig{LeaseName: "l", Owner: "o", Interval: time.Second}},
		{name: "interval not below ttl", cfg: SweeperConfig{LeaseName: "l", Owner: "o", LeaseTTL: time.Second, Interval: time.Second}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewSweeper(tc.cfg, h.arb, ls, nil); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
