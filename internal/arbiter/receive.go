package arbiter

import (
	"context"
	"errors"
	"fmt"

	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/pending"
	"github.com/concent-network/concent/internal/storage"
	"github.com/concent-network/concent/internal/store"
	"github.com/concent-network/concent/internal/subtask"
)

// Receive delivers the oldest undelivered response owed to client on queue.
// Expired subtasks of the client are resolved first so their outcome is
// visible in the same poll. A nil message means nothing is waiting.
func (a *Arbiter) Receive(ctx context.Context, client message.PublicKey, q pending.Queue) (message.Message, error) {
	a.settleClient(ctx, client)
	var out message.Message
	err := a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		out = nil
		r, err := tx.NextUndelivered(ctx, client, q)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		m, err := a.synthesize(ctx, tx, r)
		if err != nil {
			return fmt.Errorf("arbiter: build %s for response %d: %w", r.Type, r.ID, err)
		}
		if err := tx.MarkDelivered(ctx, r.ID); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		a.log.Debug("response delivered", "client", client.Hex(), "queue", q.String(), "kind", out.Kind().String())
	}
	return out, nil
}

// synthesize builds the message for r from what is stored for its subtask now.
func (a *Arbiter) synthesize(ctx context.Context, tx store.Tx, r pending.Response) (message.Message, error) {
	if r.Type == pending.ForcePaymentCommitted {
		return a.sign(paymentCommitted(*r.Payment))
	}

	s, err := tx.GetSubtask(ctx, r.SubtaskID)
	if err != nil {
		return nil, err
	}
	rct, err := loadReport(ctx, tx, s)
	if err != nil {
		return nil, err
	}
	ttc := rct.TaskToCompute

	switch r.Type {
	case pending.ForceReportComputedTask:
		return a.sign(&message.ForceReportComputedTask{ReportComputedTask: rct})

	case pending.ForceReportComputedTaskResponse:
		return a.reportResponse(ctx, tx, s, rct)

	case pending.VerdictReportComputedTask:
		frct, err := a.sign(&message.ForceReportComputedTask{ReportComputedTask: rct})
		if err != nil {
			return nil, err
		}
		ack, err := a.storedOrConcentAck(ctx, tx, s, rct)
		if err != nil {
			return nil, err
		}
		return a.sign(&message.VerdictReportComputedTask{
			ForceReportComputedTask: frct.(*message.ForceReportComputedTask),
			AckReportComputedTask:   ack,
		})

	case pending.ForceGetTaskResultFailed:
		return a.sign(&message.ForceGetTaskResultFailed{TaskToCompute: ttc})

	case pending.ForceGetTaskResultUpload:
		fgtr, err := loadMessage[*message.ForceGetTaskResult](ctx, tx, s.Messages.ForceGetTaskResult)
		if err != nil {
			return nil, err
		}
		now := a.now()
		deadline := s.NextDeadline
		if deadline.IsZero() {
			deadline = now
		}
		token, err := a.tokens.Issue(now, deadline, s.SubtaskID, s.Provider, message.OperationUpload, resultFiles(rct))
		if err != nil {
			return nil, err
		}
		return a.sign(&message.ForceGetTaskResultUpload{ForceGetTaskResult: fgtr, FileTransferToken: token})

	case pending.ForceGetTaskResultDownload:
		fgtr, err := loadMessage[*message.ForceGetTaskResult](ctx, tx, s.Messages.ForceGetTaskResult)
		if err != nil {
			return nil, err
		}
		now := a.now()
		deadline := now.Add(a.timing.MaximumDownloadTime(rct.Size) + a.timing.MessagingMargin())
		token, err := a.tokens.Issue(now, deadline, s.SubtaskID, s.Requestor, message.OperationDownload, resultFiles(rct))
		if err != nil {
			return nil, err
		}
		return a.sign(&message.ForceGetTaskResultDownload{ForceGetTaskResult: fgtr, FileTransferToken: token})

	case pending.ForceSubtaskResults:
		ack, err := loadMessage[*message.AckReportComputedTask](ctx, tx, s.Messages.AckReportComputedTask)
		if err != nil {
			return nil, err
		}
		return a.sign(&message.ForceSubtaskResults{AckReportComputedTask: ack})

	case pending.ForceSubtaskResultsResponse:
		if s.Messages.SubtaskResultsAccepted != 0 {
			sra, err := loadMessage[*message.SubtaskResultsAccepted](ctx, tx, s.Messages.SubtaskResultsAccepted)
			if err != nil {
				return nil, err
			}
			return a.sign(&message.ForceSubtaskResultsResponse{SubtaskResultsAccepted: sra})
		}
		srr, err := loadMessage[*message.SubtaskResultsRejected](ctx, tx, s.Messages.SubtaskResultsRejected)
		if err != nil {
			return nil, err
		}
		return a.sign(&message.ForceSubtaskResultsResponse{SubtaskResultsRejected: srr})

	case pending.SubtaskResultsSettled:
		origin := message.SettledResultsAcceptedTimeout
		if s.Messages.SubtaskResultsRejected != 0 {
			origin = message.SettledResultsRejected
		}
		return a.sign(&message.SubtaskResultsSettled{TaskToCompute: ttc, Origin: origin})

	case pending.SubtaskResultsRejected:
		// Delivered as the requestor signed it.
		return loadMessage[*message.SubtaskResultsRejected](ctx, tx, s.Messages.SubtaskResultsRejected)

	default:
		return nil, fmt.Errorf("%w: response type %s", pending.ErrInvalidResponse, r.Type)
	}
}

// reportResponse tells the provider how its forced report was answered. With
// no answer stored, or with a time-limit rejection the broker overruled, the
// broker acknowledges on the requestor's behalf.
func (a *Arbiter) reportResponse(ctx context.Context, tx store.Tx, s subtask.Subtask, rct *message.ReportComputedTask) (message.Message, error) {
	switch {
	case s.Messages.AckReportComputedTask != 0:
		ack, err := loadMessage[*message.AckReportComputedTask](ctx, tx, s.Messages.AckReportComputedTask)
		if err != nil {
			return nil, err
		}
		return a.sign(&message.ForceReportComputedTaskResponse{
			AckReportComputedTask: ack,
			Reason:                message.ReportResponseAckFromRequestor,
		})
	case s.Messages.RejectReportComputedTask != 0:
		reject, err := loadMessage[*message.RejectReportComputedTask](ctx, tx, s.Messages.RejectReportComputedTask)
		if err != nil {
			return nil, err
		}
		if reject.Reason != message.RejectSubtaskTimeLimitExceeded {
			return a.sign(&message.ForceReportComputedTaskResponse{
				RejectReportComputedTask: reject,
				Reason:                   message.ReportResponseRejectFromRequestor,
			})
		}
	}
	ack, err := a.concentAck(rct)
	if err != nil {
		return nil, err
	}
	return a.sign(&message.ForceReportComputedTaskResponse{
		AckReportComputedTask: ack,
		Reason:                message.ReportResponseConcentAck,
	})
}

func (a *Arbiter) storedOrConcentAck(ctx context.Context, tx store.Tx, s subtask.Subtask, rct *message.ReportComputedTask) (*message.AckReportComputedTask, error) {
	if s.Messages.AckReportComputedTask != 0 {
		return loadMessage[*message.AckReportComputedTask](ctx, tx, s.Messages.AckReportComputedTask)
	}
	return a.concentAck(rct)
}

func (a *Arbiter) concentAck(rct *message.ReportComputedTask) (*message.AckReportComputedTask, error) {
	m, err := a.sign(&message.AckReportComputedTask{ReportComputedTask: rct})
	if err != nil {
		return nil, err
	}
	return m.(*message.AckReportComputedTask), nil
}

func resultFiles(rct *message.ReportComputedTask) []message.FileInfo {
	def := rct.TaskToCompute.ComputeTaskDef
	return []message.FileInfo{{
		Path:     storage.ResultPath(def.TaskID, def.SubtaskID),
		Checksum: rct.PackageHash,
		Size:     rct.Size,
		Category: message.CategoryResults,
	}}
}

// verificationFiles lists the result and source packages the provider uploads
// for additional verification.
func verificationFiles(rct *message.ReportComputedTask) []message.FileInfo {
	ttc := rct.TaskToCompute
	def := ttc.ComputeTaskDef
	return append(resultFiles(rct), message.FileInfo{
		Path:     storage.SourcePath(def.TaskID, def.SubtaskID),
		Checksum: ttc.PackageHash,
		Size:     ttc.Size,
		Category: message.CategoryResources,
	})
}
