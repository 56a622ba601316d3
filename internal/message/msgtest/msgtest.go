// Package msgtest builds signed protocol message chains for tests.
package msgtest

import (
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/concent-network/concent/internal/message"
)

// Fixed dev keys.
var (
	RequestorKey      = mustKey("4f3edf983ac636a65a842ce7c78d9aa706d3b113b37c2b1b4c1c5f5d8f5e2d3a")
	ProviderKey       = mustKey("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	ConcentKey        = mustKey("8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a")
	MiddleManKey      = mustKey("1f0c2d3e4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0")
	SigningServiceKey = mustKey("2a7d5c1e9b3f4a6d8c0e2b4f6a8d0c2e4b6f8a0d2c4e6b8f0a2d4c6e8b0f2a4d")
)

func mustKey(hexKey string) *ecdsa.PrivateKey {
	k, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		panic(err)
	}
	return k
}

func PublicKey(k *ecdsa.PrivateKey) message.PublicKey {
	return message.PublicKeyFromECDSA(&k.PublicKey)
}

func Address(k *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(k.PublicKey)
}

// Task describes the subtask a chain of messages is about.
type Task struct {
	TaskID    string
	SubtaskID string
	Deadline  time.Time
	Price     int64
	Size      uint64
}

func sign(tb testing.TB, m message.Message, key *ecdsa.PrivateKey) {
	tb.Helper()
	if err := message.Sign(m, key); err != nil {
		tb.Fatalf("Sign %s: %v", m.Kind(), err)
	}
}

func TaskToCompute(tb testing.TB, task Task, ts time.Time) *message.TaskToCompute {
	tb.Helper()
	size := task.Size
	if size == 0 {
		size = 1 << 20
	}
	m := &message.TaskToCompute{
		Header: message.NewHeader(ts),
		ComputeTaskDef: message.ComputeTaskDef{
			TaskID:       task.TaskID,
			SubtaskID:    task.SubtaskID,
			Deadline:     task.Deadline.Unix(),
			OutputFormat: "PNG",
			SceneFile:    "/golem/resources/scene.blend",
			Frames:       []int{1},
		},
		RequestorPublicKey:       PublicKey(RequestorKey),
		ProviderPublicKey:        PublicKey(ProviderKey),
		RequestorEthereumAddress: Address(RequestorKey),
		ProviderEthereumAddress:  Address(ProviderKey),
		Price:                    message.NewAmount(big.NewInt(task.Price)),
		PackageHash:              "sha1:4452d71687b6bc2c9389c3349fdc17fbd73b833b",
		Size:                     size,
	}
	sign(tb, m, RequestorKey)
	return m
}

func ReportComputedTask(tb testing.TB, ttc *message.TaskToCompute, ts time.Time) *message.ReportComputedTask {
	tb.Helper()
	m := &message.ReportComputedTask{
		Header:        message.NewHeader(ts),
		TaskToCompute: ttc,
		Size:          ttc.Size,
		PackageHash:   "sha1:dd1d9bbfe3fb0dc9a4d1b1c1e2b7e1b9f3f1b2c0",
	}
	sign(tb, m, ProviderKey)
	return m
}

func ForceReportComputedTask(tb testing.TB, rct *message.ReportComputedTask, ts time.Time) *message.ForceReportComputedTask {
	tb.Helper()
	m := &message.ForceReportComputedTask{Header: message.NewHeader(ts), ReportComputedTask: rct}
	sign(tb, m, ProviderKey)
	return m
}

func AckReportComputedTask(tb testing.TB, rct *message.ReportComputedTask, ts time.Time) *message.AckReportComputedTask {
	tb.Helper()
	m := &message.AckReportComputedTask{Header: message.NewHeader(ts), ReportComputedTask: rct}
	sign(tb, m, RequestorKey)
	return m
}

func RejectReportComputedTask(tb testing.TB, ttc *message.TaskToCompute, reason message.RejectReportReason, ts time.Time) *message.RejectReportComputedTask {
	tb.Helper()
	m := &message.RejectReportComputedTask{Header: message.NewHeader(ts), TaskToCompute: ttc, Reason: reason}
	sign(tb, m, RequestorKey)
	return m
}

func ForceGetTaskResult(tb testing.TB, rct *message.ReportComputedTask, ts time.Time) *message.ForceGetTaskResult {
	tb.Helper()
	m := &message.ForceGetTaskResult{Header: message.NewHeader(ts), ReportComputedTask: rct}
	sign(tb, m, RequestorKey)
	return m
}

func ForceSubtaskResults(tb testing.TB, ack *message.AckReportComputedTask, ts time.Time) *message.ForceSubtaskResults {
	tb.Helper()
	m := &message.ForceSubtaskResults{Header: message.NewHeader(ts), AckReportComputedTask: ack}
	sign(tb, m, ProviderKey)
	return m
}

func SubtaskResultsAccepted(tb testing.TB, ttc *message.TaskToCompute, ts, paymentTS time.Time) *message.SubtaskResultsAccepted {
	tb.Helper()
	m := &message.SubtaskResultsAccepted{Header: message.NewHeader(ts), TaskToCompute: ttc, PaymentTS: paymentTS.Unix()}
	sign(tb, m, RequestorKey)
	return m
}

func SubtaskResultsRejected(tb testing.TB, rct *message.ReportComputedTask, reason message.SubtaskResultsRejectedReason, ts time.Time) *message.SubtaskResultsRejected {
	tb.Helper()
	m := &message.SubtaskResultsRejected{Header: message.NewHeader(ts), ReportComputedTask: rct, Reason: reason}
	sign(tb, m, RequestorKey)
	return m
}

func ForceSubtaskResultsResponseAccepted(tb testing.TB, sra *message.SubtaskResultsAccepted, ts time.Time) *message.ForceSubtaskResultsResponse {
	tb.Helper()
	m := &message.ForceSubtaskResultsResponse{Header: message.NewHeader(ts), SubtaskResultsAccepted: sra}
	sign(tb, m, RequestorKey)
	return m
}

func ForceSubtaskResultsResponseRejected(tb testing.TB, srr *message.SubtaskResultsRejected, ts time.Time) *message.ForceSubtaskResultsResponse {
	tb.Helper()
	m := &message.ForceSubtaskResultsResponse{Header: message.NewHeader(ts), SubtaskResultsRejected: srr}
	sign(tb, m, RequestorKey)
	return m
}

func SubtaskResultsVerify(tb testing.TB, srr *message.SubtaskResultsRejected, ts time.Time) *message.SubtaskResultsVerify {
	tb.Helper()
	m := &message.SubtaskResultsVerify{Header: message.NewHeader(ts), SubtaskResultsRejected: srr}
	sign(tb, m, ProviderKey)
	return m
}

func ForcePayment(tb testing.TB, ts time.Time, sras ...*message.SubtaskResultsAccepted) *message.ForcePayment {
	tb.Helper()
	m := &message.ForcePayment{Header: message.NewHeader(ts), SubtaskResultsAccepted: sras}
	sign(tb, m, ProviderKey)
	return m
}

func ClientAuthorization(tb testing.TB, key *ecdsa.PrivateKey, ts time.Time) *message.ClientAuthorization {
	tb.Helper()
	m := &message.ClientAuthorization{Header: message.NewHeader(ts), ClientPublicKey: PublicKey(key)}
	sign(tb, m, key)
	return m
}

// Encode returns the wire form of an already signed message.
func Encode(tb testing.TB, m message.Message) []byte {
	tb.Helper()
	raw, err := message.Encode(m)
	if err != nil {
		tb.Fatalf("Encode %s: %v", m.Kind(), err)
	}
	return raw
}
