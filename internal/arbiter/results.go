package arbiter

import (
	"context"
	"errors"

	"github.com/concent-network/concent/internal/ledger"
	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/pending"
	"github.com/concent-network/concent/internal/store"
	"github.com/concent-network/concent/internal/subtask"
)

func (a *Arbiter) forceGetTaskResult(ctx context.Context, fgtr *message.ForceGetTaskResult) (message.Message, error) {
	rct := fgtr.ReportComputedTask
	ttc := rct.TaskToCompute
	if err := verifySignatures(append([]signedBy{{m: fgtr, key: ttc.RequestorPublicKey}}, reportChain(rct)...)...); err != nil {
		return nil, err
	}
	id := ttc.SubtaskID()
	if err := a.settleIfExpired(ctx, id); err != nil {
		return nil, err
	}

	now := a.now()
	var resp message.Message
	err := a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		s, found, err := lookup(ctx, tx, id)
		if err != nil {
			return err
		}
		if found && s.State == subtask.StateForcingResultTransfer {
			resp, err = a.refused(id, message.RefusedDuplicateRequest)
			return err
		}
		if now.After(a.timing.ResultTransferCeiling(ttc, rct.Size)) {
			resp, err = a.sign(&message.ForceGetTaskResultRejected{
				ForceGetTaskResult: fgtr,
				Reason:             message.RejectedAcceptanceTimeLimitExceeded,
			})
			return err
		}

		deadline := a.timing.ResultTransferDeadline(now, ttc, rct.Size)
		if found {
			if err := requireTransition(s, subtask.StateForcingResultTransfer); err != nil {
				return err
			}
			if err := checkIdentical(ctx, tx, s, ttc); err != nil {
				return err
			}
			if err := attach(ctx, tx, &s, subtask.RoleForceGetTaskResult, fgtr); err != nil {
				return err
			}
			if err := update(ctx, tx, &s, subtask.StateForcingResultTransfer, deadline); err != nil {
				return err
			}
		} else {
			if err := a.softShutdown(); err != nil {
				return err
			}
			s, err = a.createSubtask(ctx, tx, rct, subtask.StateForcingResultTransfer, deadline,
				roleMessage{role: subtask.RoleForceGetTaskResult, m: fgtr})
			if err != nil {
				return err
			}
		}
		if err := enqueue(ctx, tx, s, pending.ForceGetTaskResultUpload, s.Provider, pending.QueueReceive); err != nil {
			return err
		}
		resp, err = a.sign(&message.AckForceGetTaskResult{ForceGetTaskResult: fgtr})
		return err
	})
	if errors.Is(err, store.ErrDuplicate) {
		return a.refused(id, message.RefusedDuplicateRequest)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// precheck reads the subtask without locking it, so cheap refusals and
// ledger calls happen before any row is locked.
func (a *Arbiter) precheck(ctx context.Context, id string, check func(s subtask.Subtask, found bool) (message.Message, error)) (message.Message, error) {
	var resp message.Message
	err := a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := tx.GetSubtask(ctx, id)
		found := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		resp, err = check(s, found)
		return err
	})
	return resp, err
}

func (a *Arbiter) requestorDepositSufficient(ctx context.Context, ttc *message.TaskToCompute) (bool, error) {
	return ledger.IsBalanceSufficient(ctx, a.ledger, ttc.RequestorEthereumAddress, ttc.PriceInt())
}

func (a *Arbiter) forceSubtaskResults(ctx context.Context, fsr *message.ForceSubtaskResults) (message.Message, error) {
	ack := fsr.AckReportComputedTask
	rct := ack.ReportComputedTask
	ttc := rct.TaskToCompute
	checks := []signedBy{
		{m: fsr, key: ttc.ProviderPublicKey},
		{m: ack, key: ttc.RequestorPublicKey},
	}
	if err := verifySignatures(append(checks, reportChain(rct)...)...); err != nil {
		return nil, err
	}
	id := ttc.SubtaskID()
	if err := a.settleIfExpired(ctx, id); err != nil {
		return nil, err
	}

	check := func(s subtask.Subtask, found bool) (message.Message, error) {
		if !found {
			return nil, a.softShutdown()
		}
		if s.State == subtask.StateForcingAcceptance {
			return a.refused(id, message.RefusedDuplicateRequest)
		}
		return nil, requireTransition(s, subtask.StateForcingAcceptance)
	}
	if resp, err := a.precheck(ctx, id, check); resp != nil || err != nil {
		return resp, err
	}

	ok, err := a.requestorDepositSufficient(ctx, ttc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return a.refused(id, message.RefusedTooSmallRequestorDeposit)
	}

	// The window comparisons are kept exactly as the protocol defines them:
	// premature strictly before start, too late strictly after start plus the
	// forced acceptance time.
	now := a.now()
	start, end := a.timing.AcceptanceWindow(rct)
	switch {
	case now.Before(start):
		return a.sign(&message.ForceSubtaskResultsRejected{ForceSubtaskResults: fsr, Reason: message.ForceResultsRequestPremature})
	case end.Before(now):
		return a.sign(&message.ForceSubtaskResultsRejected{ForceSubtaskResults: fsr, Reason: message.ForceResultsRequestTooLate})
	}

	var resp message.Message
	err = a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		s, found, err := lookup(ctx, tx, id)
		if err != nil {
			return err
		}
		deadline := a.timing.ForcingAcceptanceDeadline(now)
		if found {
			if resp, err = check(s, true); resp != nil || err != nil {
				return err
			}
			if err := checkIdentical(ctx, tx, s, ttc); err != nil {
				return err
			}
			if err := attach(ctx, tx, &s, subtask.RoleAckReportComputedTask, ack); err != nil {
				return err
			}
			if err := update(ctx, tx, &s, subtask.StateForcingAcceptance, deadline); err != nil {
				return err
			}
		} else {
			if err := a.softShutdown(); err != nil {
				return err
			}
			s, err = a.createSubtask(ctx, tx, rct, subtask.StateForcingAcceptance, deadline,
				roleMessage{role: subtask.RoleAckReportComputedTask, m: ack})
			if err != nil {
				return err
			}
		}
		return enqueue(ctx, tx, s, pending.ForceSubtaskResults, s.Requestor, pending.QueueReceive)
	})
	if errors.Is(err, store.ErrDuplicate) {
		return a.refused(id, message.RefusedDuplicateRequest)
	}
	if err != nil || resp != nil {
		return resp, err
	}
	a.log.Info("acceptance forced", "subtask_id", id)
	return nil, nil
}

func (a *Arbiter) forceSubtaskResultsResponse(ctx context.Context, r *message.ForceSubtaskResultsResponse) (message.Message, error) {
	var (
		ttc    *message.TaskToCompute
		checks []signedBy
	)
	if sra := r.SubtaskResultsAccepted; sra != nil {
		ttc = sra.TaskToCompute
		checks = []signedBy{
			{m: r, key: ttc.RequestorPublicKey},
			{m: sra, key: ttc.RequestorPublicKey},
			{m: ttc, key: ttc.RequestorPublicKey},
		}
	} else {
		srr := r.SubtaskResultsRejected
		ttc = srr.ReportComputedTask.TaskToCompute
		checks = append([]signedBy{
			{m: r, key: ttc.RequestorPublicKey},
			{m: srr, key: ttc.RequestorPublicKey},
		}, reportChain(srr.ReportComputedTask)...)
	}
	if err := verifySignatures(checks...); err != nil {
		return nil, err
	}
	id := ttc.SubtaskID()
	if err := a.settleIfExpired(ctx, id); err != nil {
		return nil, err
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
		if s.Messages.SubtaskResultsAccepted != 0 || s.Messages.SubtaskResultsRejected != 0 {
			duplicate = true
			return nil
		}
		if s.State != subtask.StateForcingAcceptance {
			return newError(CodeSubtaskStateError, "subtask %s is %s, not %s", id, s.State, subtask.StateForcingAcceptance)
		}
		if err := checkIdentical(ctx, tx, s, ttc); err != nil {
			return err
		}
		if sra := r.SubtaskResultsAccepted; sra != nil {
			if err := attach(ctx, tx, &s, subtask.RoleSubtaskResultsAccepted, sra); err != nil {
				return err
			}
			if err := update(ctx, tx, &s, subtask.StateAccepted, zeroTime); err != nil {
				return err
			}
		} else {
			if err := attach(ctx, tx, &s, subtask.RoleSubtaskResultsRejected, r.SubtaskResultsRejected); err != nil {
				return err
			}
			if err := update(ctx, tx, &s, subtask.StateRejected, zeroTime); err != nil {
				return err
			}
		}
		return enqueue(ctx, tx, s, pending.ForceSubtaskResultsResponse, s.Provider, pending.QueueReceive)
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		return a.refused(id, message.RefusedDuplicateRequest)
	}
	return nil, nil
}

func (a *Arbiter) subtaskResultsVerify(ctx context.Context, srv *message.SubtaskResultsVerify) (message.Message, error) {
	srr := srv.SubtaskResultsRejected
	rct := srr.ReportComputedTask
	ttc := rct.TaskToCompute
	checks := []signedBy{
		{m: srv, key: ttc.ProviderPublicKey},
		{m: srr, key: ttc.RequestorPublicKey},
	}
	if err := verifySignatures(append(checks, reportChain(rct)...)...); err != nil {
		return nil, err
	}
	id := ttc.SubtaskID()
	if srr.Reason != message.ResultsRejectedVerificationNegative {
		return a.refused(id, message.RefusedInvalidRequest)
	}
	if a.now().After(a.timing.VerificationDeadline(srr)) {
		return nil, newError(CodeTimeExceeded, "time to request verification of subtask %s is over", id)
	}
	if err := a.settleIfExpired(ctx, id); err != nil {
		return nil, err
	}

	check := func(s subtask.Subtask, found bool) (message.Message, error) {
		if !found {
			return nil, a.softShutdown()
		}
		if s.State == subtask.StateVerificationFileTransfer || s.State == subtask.StateAdditionalVerification {
			return a.refused(id, message.RefusedDuplicateRequest)
		}
		return nil, requireTransition(s, subtask.StateVerificationFileTransfer)
	}
	if resp, err := a.precheck(ctx, id, check); resp != nil || err != nil {
		return resp, err
	}
	ok, err := a.requestorDepositSufficient(ctx, ttc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return a.refused(id, message.RefusedTooSmallRequestorDeposit)
	}

	now := a.now()
	var resp message.Message
	err = a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		s, found, err := lookup(ctx, tx, id)
		if err != nil {
			return err
		}
		deadline := a.timing.VerificationFileTransferDeadline(now, rct)
		if found {
			if resp, err = check(s, true); resp != nil || err != nil {
				return err
			}
			if err := checkIdentical(ctx, tx, s, ttc); err != nil {
				return err
			}
			if err := attach(ctx, tx, &s, subtask.RoleSubtaskResultsRejected, srr); err != nil {
				return err
			}
			if err := update(ctx, tx, &s, subtask.StateVerificationFileTransfer, deadline); err != nil {
				return err
			}
		} else {
			if err := a.softShutdown(); err != nil {
				return err
			}
			s, err = a.createSubtask(ctx, tx, rct, subtask.StateVerificationFileTransfer, deadline,
				roleMessage{role: subtask.RoleSubtaskResultsRejected, m: srr})
			if err != nil {
				return err
			}
		}
		token, err := a.tokens.Issue(now, deadline, id, s.Provider, message.OperationUpload, verificationFiles(rct))
		if err != nil {
			return err
		}
		resp, err = a.sign(&message.AckSubtaskResultsVerify{SubtaskResultsVerify: srv, FileTransferToken: token})
		return err
	})
	if errors.Is(err, store.ErrDuplicate) {
		return a.refused(id, message.RefusedDuplicateRequest)
	}
	if err != nil {
		return nil, err
	}
	a.log.Info("additional verification requested", "subtask_id", id)
	return resp, nil
}
