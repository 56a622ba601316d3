package arbiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/pending"
	"github.com/concent-network/concent/internal/storage"
	"github.com/concent-network/concent/internal/store"
	"github.com/concent-network/concent/internal/subtask"
	"github.com/concent-network/concent/internal/verification"
)

// OnResultUploaded completes a forced result transfer. Uploads that arrive
// after the deadline are left to the timeout path.
func (a *Arbiter) OnResultUploaded(ctx context.Context, id string) error {
	return a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := tx.LockSubtask(ctx, id)
		if err != nil {
			return err
		}
		if s.State != subtask.StateForcingResultTransfer {
			a.log.Info("result upload for subtask not awaiting it", "subtask_id", id, "state", s.State.String())
			return nil
		}
		if s.Expired(a.now()) {
			a.log.Info("result uploaded after deadline", "subtask_id", id)
			return nil
		}
		if err := update(ctx, tx, &s, subtask.StateResultUploaded, zeroTime); err != nil {
			return err
		}
		return enqueue(ctx, tx, s, pending.ForceGetTaskResultDownload, s.Requestor, pending.QueueReceive)
	})
}

// OnVerificationUploaded starts additional verification once the provider
// uploaded both packages. The order is dispatched after the commit.
func (a *Arbiter) OnVerificationUploaded(ctx context.Context, id string) error {
	var (
		order *verification.Order
		late  *payout
	)
	err := a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		order, late = nil, nil
		s, err := tx.LockSubtask(ctx, id)
		if err != nil {
			return err
		}
		if s.State != subtask.StateVerificationFileTransfer {
			a.log.Info("verification upload for subtask not awaiting it", "subtask_id", id, "state", s.State.String())
			return nil
		}
		now := a.now()
		if s.Expired(now) {
			late, err = a.timeout(ctx, tx, &s, now)
			return err
		}
		rct, err := loadReport(ctx, tx, s)
		if err != nil {
			return err
		}
		deadline := a.timing.AdditionalVerificationDeadline(now, rct.TaskToCompute)
		if err := update(ctx, tx, &s, subtask.StateAdditionalVerification, deadline); err != nil {
			return err
		}
		o := newOrder(rct, deadline)
		order = &o
		return nil
	})
	if err != nil {
		return err
	}
	if late != nil {
		return a.payFromCallback(ctx, late)
	}
	if order == nil {
		return nil
	}
	if err := a.dispatcher.OrderVerification(ctx, *order); err != nil {
		// The subtask resolves in the provider's favor at its deadline.
		a.log.Error("dispatch verification order", "subtask_id", id, "err", err)
		return fmt.Errorf("arbiter: dispatch verification of %s: %w", id, err)
	}
	a.log.Info("verification ordered", "subtask_id", id, "deadline", order.Deadline)
	return nil
}

func newOrder(rct *message.ReportComputedTask, deadline time.Time) verification.Order {
	ttc := rct.TaskToCompute
	def := ttc.ComputeTaskDef
	return verification.Order{
		SubtaskID:      def.SubtaskID,
		SourceLocation: storage.SourcePath(def.TaskID, def.SubtaskID),
		SourceSize:     ttc.Size,
		SourceHash:     ttc.PackageHash,
		ResultLocation: storage.ResultPath(def.TaskID, def.SubtaskID),
		ResultSize:     rct.Size,
		ResultHash:     rct.PackageHash,
		OutputFormat:   def.OutputFormat,
		SceneFile:      def.SceneFile,
		Deadline:       deadline.Unix(),
		Frames:         append([]int(nil), def.Frames...),
	}
}

// OnVerificationResult applies the worker's verdict. The subtask row is locked
// without waiting; while another session holds it the call is retried with
// backoff until the retry limit.
func (a *Arbiter) OnVerificationResult(ctx context.Context, r verification.Result) error {
	if err := r.Validate(); err != nil {
		return err
	}
	var p *payout
	err := a.retryLocked(ctx, r.SubtaskID, func() error {
		return a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			p, err = a.applyVerdict(ctx, tx, r)
			return err
		})
	})
	if err != nil {
		return err
	}
	return a.payFromCallback(ctx, p)
}

// applyVerdict records a mismatch directly. Verdicts in the provider's favor
// return the payout that settles the subtask.
func (a *Arbiter) applyVerdict(ctx context.Context, tx store.Tx, r verification.Result) (*payout, error) {
	s, err := tx.LockSubtaskNoWait(ctx, r.SubtaskID)
	if err != nil {
		return nil, err
	}
	switch s.State {
	case subtask.StateAdditionalVerification:
	case subtask.StateAccepted, subtask.StateFailed:
		a.log.Info("verification result for resolved subtask", "subtask_id", s.SubtaskID, "state", s.State.String())
		return nil, nil
	default:
		a.log.Error("verification result for subtask not in verification", "subtask_id", s.SubtaskID, "state", s.State.String())
		return nil, nil
	}

	now := a.now()
	if s.Expired(now) {
		return a.timeout(ctx, tx, &s, now)
	}
	switch r.Verdict {
	case verification.VerdictMismatch:
		if err := update(ctx, tx, &s, subtask.StateFailed, zeroTime); err != nil {
			return nil, err
		}
		if err := enqueue(ctx, tx, s, pending.SubtaskResultsRejected, s.Provider, pending.QueueReceiveOutOfBand); err != nil {
			return nil, err
		}
		if err := enqueue(ctx, tx, s, pending.SubtaskResultsRejected, s.Requestor, pending.QueueReceiveOutOfBand); err != nil {
			return nil, err
		}
		a.log.Info("verification mismatch", "subtask_id", s.SubtaskID)
		return nil, nil
	case verification.VerdictError:
		a.log.Warn("verification failed, resolving for provider", "subtask_id", s.SubtaskID, "error_code", r.ErrorCode, "error_message", r.ErrorMessage)
	}
	return a.newPayout(ctx, tx, s, subtask.StateAccepted, now)
}

func (a *Arbiter) retryLocked(ctx context.Context, id string, fn func() error) error {
	st := a.cfg.Settings
	delay := st.LockRetryInitial.D()
	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, store.ErrLocked) {
			return err
		}
		if attempt >= st.LockRetryLimit {
			return fmt.Errorf("%w: subtask %s locked after %d attempts", ErrMaxRetries, id, attempt+1)
		}
		a.log.Debug("subtask locked, retrying", "subtask_id", id, "attempt", attempt+1, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = time.Duration(float64(delay) * st.LockRetryFactor)
		if max := st.LockRetryMax.D(); delay > max {
			delay = max
		}
	}
}
