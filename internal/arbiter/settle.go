package arbiter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/concent-network/concent/internal/ledger"
	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/pending"
	"github.com/concent-network/concent/internal/store"
	"github.com/concent-network/concent/internal/subtask"
)

// settleClaimPrefix names the per-subtask lease held while a settlement
// payment is in flight.
const settleClaimPrefix = "concent-settle/"

// SettleExpired resolves active subtasks whose deadline has passed. Rows
// locked by another session, and settlements claimed elsewhere, are skipped
// and picked up by a later pass. A subtask that fails to settle is logged and
// does not hold back the others.
func (a *Arbiter) SettleExpired(ctx context.Context) (int, error) {
	ids, err := a.listExpired(ctx, message.PublicKey{})
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		ok, err := a.settle(ctx, id, true)
		switch {
		case errors.Is(err, store.ErrLocked), errors.Is(err, ErrSettling):
			a.log.Debug("expired subtask busy, skipping", "subtask_id", id, "err", err)
		case err != nil:
			settleFailures.Inc()
			a.log.Error("settle expired subtask", "subtask_id", id, "err", err)
		case ok:
			settled++
		}
	}
	return settled, nil
}

// settleClient resolves the expired subtasks client takes part in. Failures
// are logged; the client's queues are served either way.
func (a *Arbiter) settleClient(ctx context.Context, client message.PublicKey) {
	ids, err := a.listExpired(ctx, client)
	if err != nil {
		a.log.Error("list expired subtasks", "client", client.Hex(), "err", err)
		return
	}
	for _, id := range ids {
		_, err := a.settle(ctx, id, false)
		switch {
		case err == nil, errors.Is(err, ErrSettling):
		default:
			settleFailures.Inc()
			a.log.Error("settle expired subtask", "subtask_id", id, "client", client.Hex(), "err", err)
		}
	}
}

// settleIfExpired resolves one subtask before a request about it is handled.
func (a *Arbiter) settleIfExpired(ctx context.Context, id string) error {
	_, err := a.settle(ctx, id, false)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case errors.Is(err, ErrSettling):
		return newError(CodeTimeExceeded, "subtask %s is past its deadline and being settled", id)
	}
	return err
}

func (a *Arbiter) listExpired(ctx context.Context, client message.PublicKey) ([]string, error) {
	var ids []string
	err := a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ids, err = tx.ListExpired(ctx, a.now(), client, a.cfg.SettleBatch)
		return err
	})
	return ids, err
}

func (a *Arbiter) settle(ctx context.Context, id string, noWait bool) (bool, error) {
	var (
		settled bool
		p       *payout
	)
	err := a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		settled, p = false, nil
		var (
			s   subtask.Subtask
			err error
		)
		if noWait {
			s, err = tx.LockSubtaskNoWait(ctx, id)
		} else {
			s, err = tx.LockSubtask(ctx, id)
		}
		if err != nil {
			return err
		}
		now := a.now()
		if !s.Expired(now) {
			return nil
		}
		settled = true
		p, err = a.timeout(ctx, tx, &s, now)
		return err
	})
	if err != nil || p == nil {
		return settled, err
	}
	return a.pay(ctx, *p)
}

// timeout applies the deadline resolution of s's active state. States that
// resolve with a payment are left unchanged; the returned payout completes
// them once the subtask lock is released.
func (a *Arbiter) timeout(ctx context.Context, tx store.Tx, s *subtask.Subtask, now time.Time) (*payout, error) {
	from := s.State
	switch s.State {
	case subtask.StateForcingReport:
		if err := update(ctx, tx, s, subtask.StateReported, zeroTime); err != nil {
			return nil, err
		}
		if err := enqueue(ctx, tx, *s, pending.ForceReportComputedTaskResponse, s.Provider, pending.QueueReceive); err != nil {
			return nil, err
		}
		if err := enqueue(ctx, tx, *s, pending.VerdictReportComputedTask, s.Requestor, pending.QueueReceiveOutOfBand); err != nil {
			return nil, err
		}
	case subtask.StateForcingResultTransfer:
		if err := update(ctx, tx, s, subtask.StateFailed, zeroTime); err != nil {
			return nil, err
		}
		if err := enqueue(ctx, tx, *s, pending.ForceGetTaskResultFailed, s.Requestor, pending.QueueReceive); err != nil {
			return nil, err
		}
	case subtask.StateForcingAcceptance, subtask.StateAdditionalVerification:
		return a.newPayout(ctx, tx, *s, subtask.StateAccepted, now)
	case subtask.StateVerificationFileTransfer:
		return a.newPayout(ctx, tx, *s, subtask.StateFailed, now)
	default:
		return nil, fmt.Errorf("%w: no timeout for %s (subtask %s)", subtask.ErrInvalidTransition, s.State, s.SubtaskID)
	}
	a.log.Info("subtask deadline passed", "subtask_id", s.SubtaskID, "from", from.String(), "to", s.State.String())
	return nil, nil
}

// payout is a settlement decided under the subtask lock. The transfer runs
// after the lock is released; the subtask moves from from to to only if it
// is still where the decision left it.
type payout struct {
	subtaskID string
	from      subtask.State
	deadline  time.Time
	to        subtask.State
	ttc       *message.TaskToCompute
	at        time.Time
}

func (a *Arbiter) newPayout(ctx context.Context, tx store.Tx, s subtask.Subtask, to subtask.State, now time.Time) (*payout, error) {
	ttc, err := loadMessage[*message.TaskToCompute](ctx, tx, s.Messages.TaskToCompute)
	if err != nil {
		return nil, err
	}
	return &payout{
		subtaskID: s.SubtaskID,
		from:      s.State,
		deadline:  s.NextDeadline,
		to:        to,
		ttc:       ttc,
		at:        now,
	}, nil
}

// pay transfers what p's requestor still owes and commits p. It reports
// whether this call moved the subtask.
//
// The settle claim keeps other sessions from paying the same subtask while
// the transfer is in flight. It is released once the outcome is committed and
// kept when the transfer fails, so the subtask is retried after the claim
// lapses.
func (a *Arbiter) pay(ctx context.Context, p payout) (bool, error) {
	name, owner := settleClaimPrefix+p.subtaskID, uuid.NewString()
	_, ok, err := a.cfg.Leases.Acquire(ctx, name, owner, a.cfg.SettleClaimTTL)
	if err != nil {
		return false, fmt.Errorf("arbiter: claim settlement of %s: %w", p.subtaskID, err)
	}
	if !ok {
		return false, fmt.Errorf("%w: subtask %s", ErrSettling, p.subtaskID)
	}

	// The previous holder may have committed between our read and the claim.
	current, err := a.stillPending(ctx, p)
	if err != nil || !current {
		a.releaseClaim(name, owner)
		return false, err
	}

	payCtx, cancel := context.WithTimeout(ctx, a.cfg.SettleClaimTTL)
	err = a.settlementPayment(payCtx, p.ttc, p.at)
	cancel()
	if err != nil {
		return false, err
	}

	moved := false
	err = a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		moved = false
		s, err := tx.LockSubtask(ctx, p.subtaskID)
		if err != nil {
			return err
		}
		if s.State != p.from || !s.NextDeadline.Equal(p.deadline) {
			a.log.Warn("subtask changed while its settlement was paid", "subtask_id", p.subtaskID, "expected", p.from.String(), "state", s.State.String())
			return nil
		}
		if err := update(ctx, tx, &s, p.to, zeroTime); err != nil {
			return err
		}
		if err := enqueue(ctx, tx, s, pending.SubtaskResultsSettled, s.Provider, pending.QueueReceiveOutOfBand); err != nil {
			return err
		}
		if err := enqueue(ctx, tx, s, pending.SubtaskResultsSettled, s.Requestor, pending.QueueReceiveOutOfBand); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("arbiter: commit settlement of %s: %w", p.subtaskID, err)
	}
	a.releaseClaim(name, owner)
	if moved {
		a.log.Info("subtask settled", "subtask_id", p.subtaskID, "from", p.from.String(), "to", p.to.String())
	}
	return moved, nil
}

func (a *Arbiter) stillPending(ctx context.Context, p payout) (bool, error) {
	var current bool
	err := a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := tx.GetSubtask(ctx, p.subtaskID)
		if err != nil {
			return err
		}
		current = s.State == p.from && s.NextDeadline.Equal(p.deadline)
		return nil
	})
	return current, err
}

func (a *Arbiter) releaseClaim(name, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.cfg.Leases.Release(ctx, name, owner); err != nil {
		a.log.Warn("release settle claim", "name", name, "err", err)
	}
}

// payFromCallback completes p for a storage or verification callback. A
// settlement claimed elsewhere finishes there.
func (a *Arbiter) payFromCallback(ctx context.Context, p *payout) error {
	if p == nil {
		return nil
	}
	_, err := a.pay(ctx, *p)
	if errors.Is(err, ErrSettling) {
		a.log.Info("settlement already in progress", "subtask_id", p.subtaskID)
		return nil
	}
	return err
}

var paidKinds = []ledger.PaymentKind{ledger.PaymentBatch, ledger.PaymentForced, ledger.PaymentSettlement}

// settlementPayment transfers the unpaid part of ttc's price, capped at the
// requestor's deposit.
func (a *Arbiter) settlementPayment(ctx context.Context, ttc *message.TaskToCompute, now time.Time) error {
	from, to := ttc.RequestorEthereumAddress, ttc.ProviderEthereumAddress
	paid := new(big.Int)
	for _, kind := range paidKinds {
		payments, err := a.ledger.ListPayments(ctx, ledger.Query{Kind: kind, From: from, To: to, Since: ttc.Time()})
		if err != nil {
			return err
		}
		paid.Add(paid, ledger.Sum(payments))
	}
	amount := new(big.Int).Sub(ttc.PriceInt(), paid)
	if amount.Sign() <= 0 {
		a.log.Info("subtask already paid", "subtask_id", ttc.SubtaskID(), "paid", paid.String())
		return nil
	}
	balance, err := a.ledger.Balance(ctx, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		a.log.Warn("requestor deposit below settlement amount", "subtask_id", ttc.SubtaskID(), "amount", amount.String(), "balance", balance.String())
		amount = balance
	}
	if amount.Sign() <= 0 {
		return nil
	}
	hash, err := a.ledger.Transfer(ctx, ledger.Transfer{
		Kind:        ledger.PaymentSettlement,
		From:        from,
		To:          to,
		Amount:      amount,
		ClosureTime: now,
	})
	if err != nil {
		return fmt.Errorf("arbiter: settlement payment for %s: %w", ttc.SubtaskID(), err)
	}
	a.log.Info("settlement payment sent", "subtask_id", ttc.SubtaskID(), "amount", amount.String(), "tx_hash", hash.Hex())
	return nil
}
