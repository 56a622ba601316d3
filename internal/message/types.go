package message

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type ComputeTaskDef struct {
	TaskID       string `json:"taskId"`
	SubtaskID    string `json:"subtaskId"`
	Deadline     int64  `json:"deadline"`
	OutputFormat string `json:"outputFormat,omitempty"`
	SceneFile    string `json:"sceneFile,omitempty"`
	Frames       []int  `json:"frames,omitempty"`
}

// TaskToCompute is the requestor's signed offer. It anchors every other message about a subtask.
type TaskToCompute struct {
	Header
	ComputeTaskDef           ComputeTaskDef `json:"computeTaskDef"`
	RequestorPublicKey       PublicKey      `json:"requestorPublicKey"`
	ProviderPublicKey        PublicKey      `json:"providerPublicKey"`
	RequestorEthereumAddress common.Address `json:"requestorEthereumAddress"`
	ProviderEthereumAddress  common.Address `json:"providerEthereumAddress"`
	Price                    *hexutil.Big   `json:"price"`
	PackageHash              string         `json:"packageHash,omitempty"`
	Size                     uint64         `json:"size,omitempty"`
}

func (*TaskToCompute) Kind() Kind { return KindTaskToCompute }

func (m *TaskToCompute) TaskID() string    { return m.ComputeTaskDef.TaskID }
func (m *TaskToCompute) SubtaskID() string { return m.ComputeTaskDef.SubtaskID }

// Deadline is the computation deadline.
func (m *TaskToCompute) Deadline() int64 { return m.ComputeTaskDef.Deadline }

func (m *TaskToCompute) PriceInt() *big.Int { return Amount(m.Price) }

type ReportComputedTask struct {
	Header
	TaskToCompute *TaskToCompute `json:"taskToCompute"`
	Size          uint64         `json:"size"`
	PackageHash   string         `json:"packageHash"`
}

func (*ReportComputedTask) Kind() Kind { return KindReportComputedTask }

type ForceReportComputedTask struct {
	Header
	ReportComputedTask *ReportComputedTask `json:"reportComputedTask"`
}

func (*ForceReportComputedTask) Kind() Kind { return KindForceReportComputedTask }

type AckReportComputedTask struct {
	Header
	ReportComputedTask *ReportComputedTask `json:"reportComputedTask"`
}

func (*AckReportComputedTask) Kind() Kind { return KindAckReportComputedTask }

type RejectReportReason string

const (
	RejectSubtaskTimeLimitExceeded    RejectReportReason = "SubtaskTimeLimitExceeded"
	RejectGotMessageCannotComputeTask RejectReportReason = "GotMessageCannotComputeTask"
	RejectGotMessageTaskFailure       RejectReportReason = "GotMessageTaskFailure"
)

type RejectReportComputedTask struct {
	Header
	TaskToCompute *TaskToCompute     `json:"attachedTaskToCompute"`
	Reason        RejectReportReason `json:"reason"`
}

func (*RejectReportComputedTask) Kind() Kind { return KindRejectReportComputedTask }

type ForceReportResponseReason string

const (
	ReportResponseSubtaskTimeout      ForceReportResponseReason = "SubtaskTimeout"
	ReportResponseConcentAck          ForceReportResponseReason = "ConcentAck"
	ReportResponseAckFromRequestor    ForceReportResponseReason = "AckFromRequestor"
	ReportResponseRejectFromRequestor ForceReportResponseReason = "RejectFromRequestor"
)

// ForceReportComputedTaskResponse carries exactly one of Ack or Reject.
type ForceReportComputedTaskResponse struct {
	Header
	AckReportComputedTask    *AckReportComputedTask    `json:"ackReportComputedTask,omitempty"`
	RejectReportComputedTask *RejectReportComputedTask `json:"rejectReportComputedTask,omitempty"`
	Reason                   ForceReportResponseReason `json:"reason"`
}

func (*ForceReportComputedTaskResponse) Kind() Kind { return KindForceReportComputedTaskResponse }

type VerdictReportComputedTask struct {
	Header
	ForceReportComputedTask *ForceReportComputedTask `json:"forceReportComputedTask"`
	AckReportComputedTask   *AckReportComputedTask   `json:"ackReportComputedTask"`
}

func (*VerdictReportComputedTask) Kind() Kind { return KindVerdictReportComputedTask }

type ForceGetTaskResult struct {
	Header
	ReportComputedTask *ReportComputedTask `json:"reportComputedTask"`
}

func (*ForceGetTaskResult) Kind() Kind { return KindForceGetTaskResult }

type AckForceGetTaskResult struct {
	Header
	ForceGetTaskResult *ForceGetTaskResult `json:"forceGetTaskResult"`
}

func (*AckForceGetTaskResult) Kind() Kind { return KindAckForceGetTaskResult }

type ForceGetTaskResultRejectedReason string

const RejectedAcceptanceTimeLimitExceeded ForceGetTaskResultRejectedReason = "AcceptanceTimeLimitExceeded"

type ForceGetTaskResultRejected struct {
	Header
	ForceGetTaskResult *ForceGetTaskResult              `json:"forceGetTaskResult"`
	Reason             ForceGetTaskResultRejectedReason `json:"reason"`
}

func (*ForceGetTaskResultRejected) Kind() Kind { return KindForceGetTaskResultRejected }

type ForceGetTaskResultFailed struct {
	Header
	TaskToCompute *TaskToCompute `json:"taskToCompute"`
}

func (*ForceGetTaskResultFailed) Kind() Kind { return KindForceGetTaskResultFailed }

type TransferOperation string

const (
	OperationUpload   TransferOperation = "upload"
	OperationDownload TransferOperation = "download"
)

type FileCategory string

const (
	CategoryResults   FileCategory = "results"
	CategoryResources FileCategory = "resources"
)

type FileInfo struct {
	Path     string       `json:"path"`
	Checksum string       `json:"checksum"`
	Size     uint64       `json:"size"`
	Category FileCategory `json:"category"`
}

// FileTransferToken authorizes one client to move the listed files to or from storage.
type FileTransferToken struct {
	Header
	SubtaskID                 string            `json:"subtaskId"`
	TokenExpirationDeadline   int64             `json:"tokenExpirationDeadline"`
	StorageClusterAddress     string            `json:"storageClusterAddress"`
	AuthorizedClientPublicKey PublicKey         `json:"authorizedClientPublicKey"`
	Operation                 TransferOperation `json:"operation"`
	Files                     []FileInfo        `json:"files"`
}

func (*FileTransferToken) Kind() Kind { return KindFileTransferToken }

type ForceGetTaskResultUpload struct {
	Header
	ForceGetTaskResult *ForceGetTaskResult `json:"forceGetTaskResult"`
	FileTransferToken  *FileTransferToken  `json:"fileTransferToken"`
}

func (*ForceGetTaskResultUpload) Kind() Kind { return KindForceGetTaskResultUpload }

type ForceGetTaskResultDownload struct {
	Header
	ForceGetTaskResult *ForceGetTaskResult `json:"forceGetTaskResult"`
	FileTransferToken  *FileTransferToken  `json:"fileTransferToken"`
}

func (*ForceGetTaskResultDownload) Kind() Kind { return KindForceGetTaskResultDownload }

type ForceSubtaskResults struct {
	Header
	AckReportComputedTask *AckReportComputedTask `json:"ackReportComputedTask"`
}

func (*ForceSubtaskResults) Kind() Kind { return KindForceSubtaskResults }

type SubtaskResultsAccepted struct {
	Header
	TaskToCompute *TaskToCompute `json:"taskToCompute"`
	PaymentTS     int64          `json:"paymentTs"`
}

func (*SubtaskResultsAccepted) Kind() Kind { return KindSubtaskResultsAccepted }

type SubtaskResultsRejectedReason string

const (
	ResultsRejectedVerificationNegative   SubtaskResultsRejectedReason = "VerificationNegative"
	ResultsRejectedResourcesFailure       SubtaskResultsRejectedReason = "ResourcesFailure"
	ResultsRejectedForcedResourcesFailure SubtaskResultsRejectedReason = "ForcedResourcesFailure"
)

type SubtaskResultsRejected struct {
	Header
	ReportComputedTask *ReportComputedTask          `json:"reportComputedTask"`
	Reason             SubtaskResultsRejectedReason `json:"reason"`
}

func (*SubtaskResultsRejected) Kind() Kind { return KindSubtaskResultsRejected }

// ForceSubtaskResultsResponse carries exactly one of Accepted or Rejected.
type ForceSubtaskResultsResponse struct {
	Header
	SubtaskResultsAccepted *SubtaskResultsAccepted `json:"subtaskResultsAccepted,omitempty"`
	SubtaskResultsRejected *SubtaskResultsRejected `json:"subtaskResultsRejected,omitempty"`
}

func (*ForceSubtaskResultsResponse) Kind() Kind { return KindForceSubtaskResultsResponse }

type ForceSubtaskResultsRejectedReason string

const (
	ForceResultsRequestPremature ForceSubtaskResultsRejectedReason = "RequestPremature"
	ForceResultsRequestTooLate   ForceSubtaskResultsRejectedReason = "RequestTooLate"
)

type ForceSubtaskResultsRejected struct {
	Header
	ForceSubtaskResults *ForceSubtaskResults              `json:"forceSubtaskResults"`
	Reason              ForceSubtaskResultsRejectedReason `json:"reason"`
}

func (*ForceSubtaskResultsRejected) Kind() Kind { return KindForceSubtaskResultsRejected }

type SubtaskResultsVerify struct {
	Header
	SubtaskResultsRejected *SubtaskResultsRejected `json:"subtaskResultsRejected"`
}

func (*SubtaskResultsVerify) Kind() Kind { return KindSubtaskResultsVerify }

type AckSubtaskResultsVerify struct {
	Header
	SubtaskResultsVerify *SubtaskResultsVerify `json:"subtaskResultsVerify"`
	FileTransferToken    *FileTransferToken    `json:"fileTransferToken"`
}

func (*AckSubtaskResultsVerify) Kind() Kind { return KindAckSubtaskResultsVerify }

type SettledOrigin string

const (
	SettledResultsAcceptedTimeout SettledOrigin = "ResultsAcceptedTimeout"
	SettledResultsRejected        SettledOrigin = "ResultsRejected"
)

type SubtaskResultsSettled struct {
	Header
	TaskToCompute *TaskToCompute `json:"taskToCompute"`
	Origin        SettledOrigin  `json:"origin"`
}

func (*SubtaskResultsSettled) Kind() Kind { return KindSubtaskResultsSettled }

type ForcePayment struct {
	Header
	SubtaskResultsAccepted []*SubtaskResultsAccepted `json:"subtaskResultsAcceptedList"`
}

func (*ForcePayment) Kind() Kind { return KindForcePayment }

type RecipientType string

const (
	RecipientProvider  RecipientType = "Provider"
	RecipientRequestor RecipientType = "Requestor"
)

type ForcePaymentCommitted struct {
	Header
	PaymentTS          int64          `json:"paymentTs"`
	TaskOwnerKey       PublicKey      `json:"taskOwnerKey"`
	ProviderEthAccount common.Address `json:"providerEthAccount"`
	AmountPaid         *hexutil.Big   `json:"amountPaid"`
	AmountPending      *hexutil.Big   `json:"amountPending"`
	RecipientType      RecipientType  `json:"recipientType"`
}

func (*ForcePaymentCommitted) Kind() Kind { return KindForcePaymentCommitted }

type ForcePaymentRejectedReason string

const (
	PaymentNoUnsettledTasksFound ForcePaymentRejectedReason = "NoUnsettledTasksFound"
	PaymentTimestampError        ForcePaymentRejectedReason = "TimestampError"
)

type ForcePaymentRejected struct {
	Header
	ForcePayment *ForcePayment              `json:"forcePayment"`
	Reason       ForcePaymentRejectedReason `json:"reason"`
}

func (*ForcePaymentRejected) Kind() Kind { return KindForcePaymentRejected }

type ServiceRefusedReason string

const (
	RefusedDuplicateRequest         ServiceRefusedReason = "DuplicateRequest"
	RefusedInvalidRequest           ServiceRefusedReason = "InvalidRequest"
	RefusedTooSmallRequestorDeposit ServiceRefusedReason = "TooSmallRequestorDeposit"
	RefusedTooSmallProviderDeposit  ServiceRefusedReason = "TooSmallProviderDeposit"
)

type ServiceRefused struct {
	Header
	SubtaskID string               `json:"subtaskId,omitempty"`
	Reason    ServiceRefusedReason `json:"reason"`
}

func (*ServiceRefused) Kind() Kind { return KindServiceRefused }

// TransactionSigningRequest asks the signing service for a signature over a legacy transaction.
type TransactionSigningRequest struct {
	Header
	Nonce    uint64         `json:"nonce"`
	GasPrice *hexutil.Big   `json:"gasprice"`
	StartGas uint64         `json:"startgas"`
	To       common.Address `json:"to"`
	Value    *hexutil.Big   `json:"value"`
	Data     hexutil.Bytes  `json:"data"`
	From     common.Address `json:"from"`
}

func (*TransactionSigningRequest) Kind() Kind { return KindTransactionSigningRequest }

type SignedTransaction struct {
	Header
	Nonce          uint64         `json:"nonce"`
	GasPrice       *hexutil.Big   `json:"gasprice"`
	StartGas       uint64         `json:"startgas"`
	To             common.Address `json:"to"`
	Value          *hexutil.Big   `json:"value"`
	Data           hexutil.Bytes  `json:"data"`
	V              *hexutil.Big   `json:"v"`
	R              *hexutil.Big   `json:"r"`
	S              *hexutil.Big   `json:"s"`
	RawTransaction hexutil.Bytes  `json:"rawTransaction"`
}

func (*SignedTransaction) Kind() Kind { return KindSignedTransaction }

type TransactionRejectedReason string

const (
	TransactionInvalid                TransactionRejectedReason = "InvalidTransaction"
	TransactionUnauthorizedAccount    TransactionRejectedReason = "UnauthorizedAccount"
	TransactionDailyThresholdExceeded TransactionRejectedReason = "DailyThresholdExceeded"
)

type TransactionRejected struct {
	Header
	Nonce  uint64                    `json:"nonce"`
	Reason TransactionRejectedReason `json:"reason"`
}

func (*TransactionRejected) Kind() Kind { return KindTransactionRejected }

type ClientAuthorization struct {
	Header
	ClientPublicKey PublicKey `json:"clientPublicKey"`
}

func (*ClientAuthorization) Kind() Kind { return KindClientAuthorization }

// Amount converts an optional JSON amount to a non-nil big.Int.
func Amount(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}

func NewAmount(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}
