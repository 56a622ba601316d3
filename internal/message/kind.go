package message

import "fmt"

type Kind uint16

const (
	KindUnknown Kind = iota
	KindTaskToCompute
	KindReportComputedTask
	KindForceReportComputedTask
	KindAckReportComputedTask
	KindRejectReportComputedTask
	KindForceReportComputedTaskResponse
	KindVerdictReportComputedTask
	KindForceGetTaskResult
	KindAckForceGetTaskResult
	KindForceGetTaskResultRejected
	KindForceGetTaskResultFailed
	KindForceGetTaskResultUpload
	KindForceGetTaskResultDownload
	KindFileTransferToken
	KindForceSubtaskResults
	KindForceSubtaskResultsResponse
	KindForceSubtaskResultsRejected
	KindSubtaskResultsAccepted
	KindSubtaskResultsRejected
	KindSubtaskResultsVerify
	KindAckSubtaskResultsVerify
	KindSubtaskResultsSettled
	KindForcePayment
	KindForcePaymentCommitted
	KindForcePaymentRejected
	KindServiceRefused
	KindTransactionSigningRequest
	KindSignedTransaction
	KindTransactionRejected
	KindClientAuthorization
)

var kindNames = map[Kind]string{
	KindTaskToCompute:                   "TaskToCompute",
	KindReportComputedTask:              "ReportComputedTask",
	KindForceReportComputedTask:         "ForceReportComputedTask",
	KindAckReportComputedTask:           "AckReportComputedTask",
	KindRejectReportComputedTask:        "RejectReportComputedTask",
	KindForceReportComputedTaskResponse: "ForceReportComputedTaskResponse",
	KindVerdictReportComputedTask:       "VerdictReportComputedTask",
	KindForceGetTaskResult:              "ForceGetTaskResult",
	KindAckForceGetTaskResult:           "AckForceGetTaskResult",
	KindForceGetTaskResultRejected:      "ForceGetTaskResultRejected",
	KindForceGetTaskResultFailed:        "ForceGetTaskResultFailed",
	KindForceGetTaskResultUpload:        "ForceGetTaskResultUpload",
	KindForceGetTaskResultDownload:      "ForceGetTaskResultDownload",
	KindFileTransferToken:               "FileTransferToken",
	KindForceSubtaskResults:             "ForceSubtaskResults",
	KindForceSubtaskResultsResponse:     "ForceSubtaskResultsResponse",
	KindForceSubtaskResultsRejected:     "ForceSubtaskResultsRejected",
	KindSubtaskResultsAccepted:          "SubtaskResultsAccepted",
	KindSubtaskResultsRejected:          "SubtaskResultsRejected",
	KindSubtaskResultsVerify:            "SubtaskResultsVerify",
	KindAckSubtaskResultsVerify:         "AckSubtaskResultsVerify",
	KindSubtaskResultsSettled:           "SubtaskResultsSettled",
	KindForcePayment:                    "ForcePayment",
	KindForcePaymentCommitted:           "ForcePaymentCommitted",
	KindForcePaymentRejected:            "ForcePaymentRejected",
	KindServiceRefused:                  "ServiceRefused",
	KindTransactionSigningRequest:       "TransactionSigningRequest",
	KindSignedTransaction:               "SignedTransaction",
	KindTransactionRejected:             "TransactionRejected",
	KindClientAuthorization:             "ClientAuthorization",
}

var kindByName = func() map[string]Kind {
	out := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		out[name] = k
	}
	return out
}()

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint16(k))
}

func ParseKind(s string) (Kind, error) {
	k, ok := kindByName[s]
	if !ok {
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// New returns an empty message of kind k.
func New(k Kind) (Message, error) {
	switch k {
	case KindTaskToCompute:
		return &TaskToCompute{}, nil
	case KindReportComputedTask:
		return &ReportComputedTask{}, nil
	case KindForceReportComputedTask:
		return &ForceReportComputedTask{}, nil
	case KindAckReportComputedTask:
		return &AckReportComputedTask{}, nil
	case KindRejectReportComputedTask:
		return &RejectReportComputedTask{}, nil
	case KindForceReportComputedTaskResponse:
		return &ForceReportComputedTaskResponse{}, nil
	case KindVerdictReportComputedTask:
		return &VerdictReportComputedTask{}, nil
	case KindForceGetTaskResult:
		return &ForceGetTaskResult{}, nil
	case KindAckForceGetTaskResult:
		return &AckForceGetTaskResult{}, nil
	case KindForceGetTaskResultRejected:
		return &ForceGetTaskResultRejected{}, nil
	case KindForceGetTaskResultFailed:
		return &ForceGetTaskResultFailed{}, nil
	case KindForceGetTaskResultUpload:
		return &ForceGetTaskResultUpload{}, nil
	case KindForceGetTaskResultDownload:
		return &ForceGetTaskResultDownload{}, nil
	case KindFileTransferToken:
		return &FileTransferToken{}, nil
	case KindForceSubtaskResults:
		return &ForceSubtaskResults{}, nil
	case KindForceSubtaskResultsResponse:
		return &ForceSubtaskResultsResponse{}, nil
	case KindForceSubtaskResultsRejected:
		return &ForceSubtaskResultsRejected{}, nil
	case KindSubtaskResultsAccepted:
		return &SubtaskResultsAccepted{}, nil
	case KindSubtaskResultsRejected:
		return &SubtaskResultsRejected{}, nil
	case KindSubtaskResultsVerify:
		return &SubtaskResultsVerify{}, nil
	case KindAckSubtaskResultsVerify:
		return &AckSubtaskResultsVerify{}, nil
	case KindSubtaskResultsSettled:
		return &SubtaskResultsSettled{}, nil
	case KindForcePayment:
		return &ForcePayment{}, nil
	case KindForcePaymentCommitted:
		return &ForcePaymentCommitted{}, nil
	case KindForcePaymentRejected:
		return &ForcePaymentRejected{}, nil
	case KindServiceRefused:
		return &ServiceRefused{}, nil
	case KindTransactionSigningRequest:
		return &TransactionSigningRequest{}, nil
	case KindSignedTransaction:
		return &SignedTransaction{}, nil
	case KindTransactionRejected:
		return &TransactionRejected{}, nil
	case KindClientAuthorization:
		return &ClientAuthorization{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint16(k))
	}
}
