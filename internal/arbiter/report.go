package arbiter

import (
	"context"
	"errors"

	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/pending"
	"github.com/concent-network/concent/internal/store"
	"github.com/concent-network/concent/internal/subtask"
)

func (a *Arbiter) forceReportComputedTask(ctx context.Context, frct *message.ForceReportComputedTask) (message.Message, error) {
	rct := frct.ReportComputedTask
	ttc := rct.TaskToCompute
	if err := verifySignatures(append([]signedBy{{m: frct, key: ttc.ProviderPublicKey}}, reportChain(rct)...)...); err != nil {
		return nil, err
	}

	now := a.now()
	if now.After(deadlineOf(ttc)) {
		reject, err := a.sign(&message.RejectReportComputedTask{TaskToCompute: ttc, Reason: message.RejectSubtaskTimeLimitExceeded})
		if err != nil {
			return nil, err
		}
		return a.sign(&message.ForceReportComputedTaskResponse{
			RejectReportComputedTask: reject.(*message.RejectReportComputedTask),
			Reason:                   message.ReportResponseSubtaskTimeout,
		})
	}

	duplicate := false
	err := a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		_, found, err := lookup(ctx, tx, ttc.SubtaskID())
		if err != nil {
			return err
		}
		if found {
			duplicate = true
			return nil
		}
		if err := a.softShutdown(); err != nil {
			return err
		}
		s, err := a.createSubtask(ctx, tx, rct, subtask.StateForcingReport, a.timing.ForcingReportDeadline(ttc))
		if err != nil {
			return err
		}
		return enqueue(ctx, tx, s, pending.ForceReportComputedTask, s.Requestor, pending.QueueReceive)
	})
	if errors.Is(err, store.ErrDuplicate) {
		duplicate, err = true, nil
	}
	if err != nil {
		return nil, err
	}
	if duplicate {
		return a.refused(ttc.SubtaskID(), message.RefusedDuplicateRequest)
	}
	a.log.Info("report forced", "subtask_id", ttc.SubtaskID(), "task_id", ttc.TaskID())
	return nil, nil
}

// answerReport runs the checks shared by the requestor's ack and reject of a
// forced report, then calls apply with the locked subtask.
func (a *Arbiter) answerReport(ctx context.Context, ttc *message.TaskToCompute, apply func(ctx context.Context, tx store.Tx, s *subtask.Subtask) error) (message.Message, error) {
	id := ttc.SubtaskID()
	if err := a.settleIfExpired(ctx, id); err != nil {
		return nil, err
	}
	if a.now().After(a.timing.ForcingReportDeadline(ttc)) {
		return nil, newError(CodeTimeExceeded, "time to answer the report of subtask %s is over", id)
	}

	duplicate := false
	err := a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		s, found, err := lookup(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			return newError(CodeSubtaskNotFound, "subtask %s", id)
		}
		if s.Messages.AckReportComputedTask != 0 || s.Messages.RejectReportComputedTask != 0 {
			duplicate = true
			return nil
		}
		if s.State != subtask.StateForcingReport {
			return newError(CodeSubtaskStateError, "subtask %s is %s, not %s", id, s.State, subtask.StateForcingReport)
		}
		if err := checkIdentical(ctx, tx, s, ttc); err != nil {
			return err
		}
		return apply(ctx, tx, &s)
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		return a.refused(id, message.RefusedDuplicateRequest)
	}
	return nil, nil
}

func (a *Arbiter) ackReportComputedTask(ctx context.Context, ack *message.AckReportComputedTask) (message.Message, error) {
	rct := ack.ReportComputedTask
	ttc := rct.TaskToCompute
	if err := verifySignatures(append([]signedBy{{m: ack, key: ttc.RequestorPublicKey}}, reportChain(rct)...)...); err != nil {
		return nil, err
	}
	return a.answerReport(ctx, ttc, func(ctx context.Context, tx store.Tx, s *subtask.Subtask) error {
		if err := attach(ctx, tx, s, subtask.RoleAckReportComputedTask, ack); err != nil {
			return err
		}
		if err := update(ctx, tx, s, subtask.StateReported, zeroTime); err != nil {
			return err
		}
		return enqueue(ctx, tx, *s, pending.ForceReportComputedTaskResponse, s.Provider, pending.QueueReceive)
	})
}

func (a *Arbiter) rejectReportComputedTask(ctx context.Context, reject *message.RejectReportComputedTask) (message.Message, error) {
	ttc := reject.TaskToCompute
	if err := verifySignatures(
		signedBy{m: reject, key: ttc.RequestorPublicKey},
		signedBy{m: ttc, key: ttc.RequestorPublicKey},
	); err != nil {
		return nil, err
	}
	return a.answerReport(ctx, ttc, func(ctx context.Context, tx store.Tx, s *subtask.Subtask) error {
		if err := attach(ctx, tx, s, subtask.RoleRejectReportComputedTask, reject); err != nil {
			return err
		}
		switch reject.Reason {
		case message.RejectGotMessageCannotComputeTask, message.RejectGotMessageTaskFailure:
			if err := update(ctx, tx, s, subtask.StateFailed, zeroTime); err != nil {
				return err
			}
			return enqueue(ctx, tx, *s, pending.ForceReportComputedTaskResponse, s.Provider, pending.QueueReceive)
		case message.RejectSubtaskTimeLimitExceeded:
			// The report reached the broker in time, so the rejection is
			// overruled and the result counts as acknowledged.
			if err := update(ctx, tx, s, subtask.StateReported, zeroTime); err != nil {
				return err
			}
			if err := enqueue(ctx, tx, *s, pending.ForceReportComputedTaskResponse, s.Provider, pending.QueueReceive); err != nil {
				return err
			}
			return enqueue(ctx, tx, *s, pending.VerdictReportComputedTask, s.Requestor, pending.QueueReceiveOutOfBand)
		default:
			return newError(CodeMessageInvalid, "unknown rejection reason %q", reject.Reason)
		}
	})
}
