package pending

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/concent-network/concent/internal/message"
)

var ErrInvalidResponse = errors.New("pending: invalid response")

// Queue selects which poll endpoint delivers a response.
type Queue uint8

const (
	QueueReceive Queue = iota + 1
	QueueReceiveOutOfBand
)

func (q Queue) String() string {
	switch q {
	case QueueReceive:
		return "Receive"
	case QueueReceiveOutOfBand:
		return "ReceiveOutOfBand"
	default:
		return fmt.Sprintf("queue(%d)", uint8(q))
	}
}

func ParseQueue(s string) (Queue, error) {
	switch s {
	case "Receive":
		return QueueReceive, nil
	case "ReceiveOutOfBand":
		return QueueReceiveOutOfBand, nil
	default:
		return 0, fmt.Errorf("%w: unknown queue %q", ErrInvalidResponse, s)
	}
}

// ResponseType is the kind of message synthesized when the row is delivered.
type ResponseType uint8

const (
	ForceReportComputedTask ResponseType = iota + 1
	ForceReportComputedTaskResponse
	VerdictReportComputedTask
	ForceGetTaskResultFailed
	ForceGetTaskResultUpload
	ForceGetTaskResultDownload
	ForceSubtaskResults
	ForceSubtaskResultsResponse
	SubtaskResultsSettled
	SubtaskResultsRejected
	ForcePaymentCommitted
)

var responseTypeNames = map[ResponseType]string{
	ForceReportComputedTask:         "ForceReportComputedTask",
	ForceReportComputedTaskResponse: "ForceReportComputedTaskResponse",
	VerdictReportComputedTask:       "VerdictReportComputedTask",
	ForceGetTaskResultFailed:        "ForceGetTaskResultFailed",
	ForceGetTaskResultUpload:        "ForceGetTaskResultUpload",
	ForceGetTaskResultDownload:      "ForceGetTaskResultDownload",
	ForceSubtaskResults:             "ForceSubtaskResults",
	ForceSubtaskResultsResponse:     "ForceSubtaskResultsResponse",
	SubtaskResultsSettled:           "SubtaskResultsSettled",
	SubtaskResultsRejected:          "SubtaskResultsRejected",
	ForcePaymentCommitted:           "ForcePaymentCommitted",
}

func (t ResponseType) String() string {
	if name, ok := responseTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("response(%d)", uint8(t))
}

func ParseResponseType(s string) (ResponseType, error) {
	for t, name := range responseTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown response type %q", ErrInvalidResponse, s)
}

// PaymentInfo accompanies ForcePaymentCommitted responses only.
type PaymentInfo struct {
	PaymentTS          time.Time
	TaskOwnerKey       message.PublicKey
	ProviderEthAccount common.Address
	AmountPaid         *big.Int
	AmountPending      *big.Int
	RecipientType      message.RecipientType
}

// Response is a message owed to a client, delivered at most once.
type Response struct {
	ID        int64
	Type      ResponseType
	Client    message.PublicKey
	Queue     Queue
	Delivered bool
	// SubtaskID is empty only for ForcePaymentCommitted.
	SubtaskID string
	Payment   *PaymentInfo
	CreatedAt time.Time
}

func (r Response) Validate() error {
	if _, ok := responseTypeNames[r.Type]; !ok {
		return fmt.Errorf("%w: unknown type %d", ErrInvalidResponse, uint8(r.Type))
	}
	if r.Queue != QueueReceive && r.Queue != QueueReceiveOutOfBand {
		return fmt.Errorf("%w: unknown queue %d", ErrInvalidResponse, uint8(r.Queue))
	}
	if r.Client.IsZero() {
		return fmt.Errorf("%w: missing client", ErrInvalidResponse)
	}
	if r.Type == ForcePaymentCommitted {
		if r.Payment == nil {
			return fmt.Errorf("%w: %s requires payment info", ErrInvalidResponse, r.Type)
		}
		if r.SubtaskID != "" {
			return fmt.Errorf("%w: %s is not tied to a subtask", ErrInvalidResponse, r.Type)
		}
		return nil
	}
	if r.Payment != nil {
		return fmt.Errorf("%w: payment info on %s", ErrInvalidResponse, r.Type)
	}
	if r.SubtaskID == "" {
		return fmt.Errorf("%w: %s requires a subtask", ErrInvalidResponse, r.Type)
	}
	return nil
}

func ClonePayment(p *PaymentInfo) *PaymentInfo {
	if p == nil {
		return nil
	}
	out := *p
	if p.AmountPaid != nil {
		out.AmountPaid = new(big.Int).Set(p.AmountPaid)
	}
	if p.AmountPending != nil {
		out.AmountPending = new(big.Int).Set(p.AmountPending)
	}
	return &out
}
