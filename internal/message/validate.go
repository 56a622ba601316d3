package message

import (
	"fmt"
	"strings"
)

// Validate checks the structure of m and of every message nested in it.
// Signatures are checked for shape only; Verify checks the signer.
func Validate(m Message) error {
	if isNil(m) {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if err := checkHeader(m); err != nil {
		return err
	}

	switch v := m.(type) {
	case *TaskToCompute:
		return validateTaskToCompute(v)
	case *ReportComputedTask:
		return validateReportComputedTask(v)
	case *ForceReportComputedTask:
		return nested(v, v.ReportComputedTask)
	case *AckReportComputedTask:
		return nested(v, v.ReportComputedTask)
	case *RejectReportComputedTask:
		if err := nested(v, v.TaskToCompute); err != nil {
			return err
		}
		switch v.Reason {
		case RejectSubtaskTimeLimitExceeded, RejectGotMessageCannotComputeTask, RejectGotMessageTaskFailure:
			return nil
		default:
			return invalid(v, "unknown reason %q", v.Reason)
		}
	case *ForceReportComputedTaskResponse:
		if (v.AckReportComputedTask == nil) == (v.RejectReportComputedTask == nil) {
			return invalid(v, "exactly one of ack or reject required")
		}
		if v.AckReportComputedTask != nil {
			return nested(v, v.AckReportComputedTask)
		}
		return nested(v, v.RejectReportComputedTask)
	case *VerdictReportComputedTask:
		if err := nested(v, v.ForceReportComputedTask); err != nil {
			return err
		}
		return nested(v, v.AckReportComputedTask)
	case *ForceGetTaskResult:
		return nested(v, v.ReportComputedTask)
	case *AckForceGetTaskResult:
		return nested(v, v.ForceGetTaskResult)
	case *ForceGetTaskResultRejected:
		return nested(v, v.ForceGetTaskResult)
	case *ForceGetTaskResultFailed:
		return nested(v, v.TaskToCompute)
	case *ForceGetTaskResultUpload:
		if err := nested(v, v.ForceGetTaskResult); err != nil {
			return err
		}
		return nested(v, v.FileTransferToken)
	case *ForceGetTaskResultDownload:
		if err := nested(v, v.ForceGetTaskResult); err != nil {
			return err
		}
		return nested(v, v.FileTransferToken)
	case *FileTransferToken:
		if strings.TrimSpace(v.SubtaskID) == "" {
			return invalid(v, "missing subtask id")
		}
		if v.Operation != OperationUpload && v.Operation != OperationDownload {
			return invalid(v, "unknown operation %q", v.Operation)
		}
		if len(v.Files) == 0 {
			return invalid(v, "no files")
		}
		return nil
	case *ForceSubtaskResults:
		return nested(v, v.AckReportComputedTask)
	case *ForceSubtaskResultsResponse:
		if (v.SubtaskResultsAccepted == nil) == (v.SubtaskResultsRejected == nil) {
			return invalid(v, "exactly one of accepted or rejected required")
		}
		if v.SubtaskResultsAccepted != nil {
			return nested(v, v.SubtaskResultsAccepted)
		}
		return nested(v, v.SubtaskResultsRejected)
	case *ForceSubtaskResultsRejected:
		return nested(v, v.ForceSubtaskResults)
	case *SubtaskResultsAccepted:
		if v.PaymentTS <= 0 {
			return invalid(v, "missing payment timestamp")
		}
		return nested(v, v.TaskToCompute)
	case *SubtaskResultsRejected:
		return nested(v, v.ReportComputedTask)
	case *SubtaskResultsVerify:
		return nested(v, v.SubtaskResultsRejected)
	case *AckSubtaskResultsVerify:
		if err := nested(v, v.SubtaskResultsVerify); err != nil {
			return err
		}
		return nested(v, v.FileTransferToken)
	case *SubtaskResultsSettled:
		return nested(v, v.TaskToCompute)
	case *ForcePayment:
		if len(v.SubtaskResultsAccepted) == 0 {
			return invalid(v, "empty subtask results list")
		}
		for _, sra := range v.SubtaskResultsAccepted {
			if err := nested(v, sra); err != nil {
				return err
			}
		}
		return nil
	case *ForcePaymentCommitted:
		return nil
	case *ForcePaymentRejected:
		return nested(v, v.ForcePayment)
	case *ServiceRefused:
		return nil
	case *TransactionSigningRequest:
		return nil
	case *SignedTransaction:
		if len(v.RawTransaction) == 0 {
			return invalid(v, "missing raw transaction")
		}
		return nil
	case *TransactionRejected:
		return nil
	case *ClientAuthorization:
		if v.ClientPublicKey.IsZero() {
			return invalid(v, "missing client public key")
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}
}

func checkHeader(m Message) error {
	h := m.header()
	if h.Timestamp <= 0 {
		return invalid(m, "missing timestamp")
	}
	if len(h.Signature) != 0 && len(h.Signature) != SignatureLength {
		return fmt.Errorf("%w: %s: expected %d bytes, got %d", ErrInvalidSignature, m.Kind(), SignatureLength, len(h.Signature))
	}
	return nil
}

func validateTaskToCompute(v *TaskToCompute) error {
	def := v.ComputeTaskDef
	if strings.TrimSpace(def.TaskID) == "" {
		return invalid(v, "missing task id")
	}
	if strings.TrimSpace(def.SubtaskID) == "" {
		return invalid(v, "missing subtask id")
	}
	if def.Deadline <= 0 {
		return invalid(v, "missing deadline")
	}
	if v.RequestorPublicKey.IsZero() || v.ProviderPublicKey.IsZero() {
		return invalid(v, "missing client public key")
	}
	if v.RequestorPublicKey == v.ProviderPublicKey {
		return invalid(v, "requestor and provider keys are equal")
	}
	if v.Price == nil || v.Price.ToInt().Sign() < 0 {
		return invalid(v, "missing or negative price")
	}
	return nil
}

func validateReportComputedTask(v *ReportComputedTask) error {
	if err := nested(v, v.TaskToCompute); err != nil {
		return err
	}
	if v.Size == 0 {
		return invalid(v, "missing result size")
	}
	return nil
}

// nested validates child, which must be present.
func nested[T Message](parent Message, child T) error {
	if isNil(child) {
		var zero T
		return invalid(parent, "missing %s", zero.Kind())
	}
	return Validate(child)
}

func invalid(m Message, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidMessage, m.Kind(), fmt.Sprintf(format, args...))
}
