package arbiter

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/concent-network/concent/internal/ledger"
	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/message/msgtest"
	"github.com/concent-network/concent/internal/pending"
	"github.com/concent-network/concent/internal/storage"
	"github.com/concent-network/concent/internal/subtask"
	"github.com/concent-network/concent/internal/verification"
)

func TestForceGetTaskResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ttc, rct := chain(t, "sub-1")

	h.clock.Set(deadlineOf(ttc).Add(time.Minute))
	fgtr := msgtest.ForceGetTaskResult(t, rct, h.clock.Now())
	ack := as[*message.AckForceGetTaskResult](t, h.handle(t, fgtr))
	if !message.Equal(ack.ForceGetTaskResult, fgtr) {
		t.Fatalf("ack wraps a different request")
	}
	s := h.subtask(t, "sub-1")
	if s.State != subtask.StateForcingResultTransfer {
		t.Fatalf("state: %s", s.State)
	}

	refused := as[*message.ServiceRefused](t, h.handle(t, msgtest.ForceGetTaskResult(t, rct, h.clock.Now())))
	if refused.Reason != message.RefusedDuplicateRequest {
		t.Fatalf("refused: %s", refused.Reason)
	}

	upload := as[*message.ForceGetTaskResultUpload](t, h.receive(t, provider, pending.QueueReceive))
	tok := upload.FileTransferToken
	if err := message.Verify(tok, h.arb.PublicKey()); err != nil {
		t.Fatalf("token signature: %v", err)
	}
	if tok.Operation != message.OperationUpload || tok.AuthorizedClientPublicKey != provider {
		t.Fatalf("token: op %s client %s", tok.Operation, tok.AuthorizedClientPublicKey)
	}
	if tok.TokenExpirationDeadline != s.NextDeadline.Unix() {
		t.Fatalf("token deadline: got %d want %d", tok.TokenExpirationDeadline, s.NextDeadline.Unix())
	}
	if len(tok.Files) != 1 || tok.Files[0].Path != storage.ResultPath("task-1", "sub-1") || tok.Files[0].Checksum != rct.PackageHash {
		t.Fatalf("token files: %+v", tok.Files)
	}

	if err := h.arb.OnResultUploaded(context.Background(), "sub-1"); err != nil {
		t.Fatalf("OnResultUploaded: %v", err)
	}
	h.requireState(t, "sub-1", subtask.StateResultUploaded)

	download := as[*message.ForceGetTaskResultDownload](t, h.receive(t, requestor, pending.QueueReceive))
	if download.FileTransferToken.Operation != message.OperationDownload || download.FileTransferToken.AuthorizedClientPublicKey != requestor {
		t.Fatalf("download token: %+v", download.FileTransferToken)
	}
}

func TestForceGetTaskResult_ProviderNeverUploads(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ttc, rct := chain(t, "sub-1")

	h.clock.Set(deadlineOf(ttc).Add(time.Minute))
	h.handle(t, msgtest.ForceGetTaskResult(t, rct, h.clock.Now()))
	deadline := h.subtask(t, "sub-1").NextDeadline

	h.clock.Set(deadline.Add(time.Second))
	// Late uploads do not rescue the transfer.
	if err := h.arb.OnResultUploaded(context.Background(), "sub-1"); err != nil {
		t.Fatalf("OnResultUploaded: %v", err)
	}
	h.requireState(t, "sub-1", subtask.StateForcingResultTransfer)

	failed := as[*message.ForceGetTaskResultFailed](t, h.receive(t, requestor, pending.QueueReceive))
	if !message.Equal(failed.TaskToCompute, ttc) {
		t.Fatalf("failure names another offer")
	}
	h.requireState(t, "sub-1", subtask.StateFailed)
}

func TestForceGetTaskResult_TooLate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ttc, rct := chain(t, "sub-1")

	h.clock.Set(h.timing.ResultTransferCeiling(ttc, rct.Size).Add(time.Second))
	rejected := as[*message.ForceGetTaskResultRejected](t, h.handle(t, msgtest.ForceGetTaskResult(t, rct, h.clock.Now())))
	if rejected.Reason != message.RejectedAcceptanceTimeLimitExceeded {
		t.Fatalf("reason: %s", rejected.Reason)
	}
	if _, subtasks, _, _ := h.store.Counts(); subtasks != 0 {
		t.Fatalf("subtask created for a rejected request")
	}
}

func TestTransferDeadlineIsCapped(t *testing.T) {
	t.Parallel()
	tm := NewTiming(settingsForTest())
	ttc, rct := chain(t, "sub-1")

	ceiling := tm.ResultTransferCeiling(ttc, rct.Size)
	if got := tm.ResultTransferDeadline(ceiling.Add(-time.Minute), ttc, rct.Size); !got.Equal(ceiling) {
		t.Fatalf("deadline: got %v want %v", got, ceiling)
	}
	now := deadlineOf(ttc)
	want := now.Add(tm.MaximumDownloadTime(rct.Size) + tm.MessagingMargin())
	if got := tm.ResultTransferDeadline(now, ttc, rct.Size); !got.Equal(want) {
		t.Fatalf("deadline: got %v want %v", got, want)
	}
}

func TestForceSubtaskResults_Window(t *testing.T) {
	t.Parallel()
	_, rct := chain(t, "sub-1")
	start, end := NewTiming(settingsForTest()).AcceptanceWindow(rct)

	cases := []struct {
		name   string
		now    time.Time
		reason message.ForceSubtaskResultsRejectedReason
		queued bool
	}{
		{name: "premature", now: start.Add(-time.Second), reason: message.ForceResultsRequestPremature},
		{name: "window opens", now: start, queued: true},
		{name: "window closes", now: end, queued: true},
		{name: "too late", now: end.Add(time.Second), reason: message.ForceResultsRequestTooLate},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			_, rct := chain(t, "sub-1")
			h.clock.Set(tc.now)
			ack := msgtest.AckReportComputedTask(t, rct, t0)
			resp := h.handle(t, msgtest.ForceSubtaskResults(t, ack, tc.now))
			if tc.queued {
				if resp != nil {
					t.Fatalf("expected queued answer, got %s", resp.Kind())
				}
				h.requireState(t, "sub-1", subtask.StateForcingAcceptance)
				return
			}
			rejected := as[*message.ForceSubtaskResultsRejected](t, resp)
			if rejected.Reason != tc.reason {
				t.Fatalf("reason: got %s want %s", rejected.Reason, tc.reason)
			}
		})
	}
}

// forceAcceptance opens forced acceptance of sub-1 and returns its chain.
func forceAcceptance(t *testing.T, h *harness) (*message.TaskToCompute, *message.ReportComputedTask) {
	t.Helper()
	ttc, rct := chain(t, "sub-1")
	start, _ := h.timing.AcceptanceWindow(rct)
	h.clock.Set(start.Add(time.Minute))
	ack := msgtest.AckReportComputedTask(t, rct, t0)
	if resp := h.handle(t, msgtest.ForceSubtaskResults(t, ack, h.clock.Now())); resp != nil {
		t.Fatalf("ForceSubtaskResults: %s", resp.Kind())
	}
	fsr := as[*message.ForceSubtaskResults](t, h.receive(t, requestor, pending.QueueReceive))
	if !message.Equal(fsr.AckReportComputedTask, ack) {
		t.Fatalf("forwarded ack differs")
	}
	return ttc, rct
}

func TestForceSubtaskResults_RequestorAnswers(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ttc, _ := forceAcceptance(t, h)

		now := h.clock.Now()
		sra := msgtest.SubtaskResultsAccepted(t, ttc, now, now)
		if resp := h.handle(t, msgtest.ForceSubtaskResultsResponseAccepted(t, sra, now)); resp != nil {
			t.Fatalf("expected queued answer, got %s", resp.Kind())
		}
		h.requireState(t, "sub-1", subtask.StateAccepted)

		got := as[*message.ForceSubtaskResultsResponse](t, h.receive(t, provider, pending.QueueReceive))
		if !message.Equal(got.SubtaskResultsAccepted, sra) {
			t.Fatalf("provider got %+v", got)
		}
		refused := as[*message.ServiceRefused](t, h.handle(t, msgtest.ForceSubtaskResultsResponseAccepted(t, sra, now)))
		if refused.Reason != message.RefusedDuplicateRequest {
			t.Fatalf("refused: %s", refused.Reason)
		}
		if len(h.settlements()) != 0 {
			t.Fatalf("accepted results are paid by the requestor, not settled")
		}
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, rct := forceAcceptance(t, h)

		now := h.clock.Now()
		srr := msgtest.SubtaskResultsRejected(t, rct, message.ResultsRejectedVerificationNegative, now)
		h.handle(t, msgtest.ForceSubtaskResultsResponseRejected(t, srr, now))
		h.requireState(t, "sub-1", subtask.StateRejected)

		got := as[*message.ForceSubtaskResultsResponse](t, h.receive(t, provider, pending.QueueReceive))
		if !message.Equal(got.SubtaskResultsRejected, srr) {
			t.Fatalf("provider got %+v", got)
		}
	})

	t.Run("silent", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ttc, _ := forceAcceptance(t, h)
		h.ledger.RecordPayment(ledger.Payment{
			Kind:        ledger.PaymentBatch,
			From:        ttc.RequestorEthereumAddress,
			To:          ttc.ProviderEthereumAddress,
			Amount:      big.NewInt(400),
			ClosureTime: t0,
		})

		h.clock.Set(h.subtask(t, "sub-1").NextDeadline.Add(time.Second))
		n, err := h.arb.SettleExpired(context.Background())
		if err != nil || n != 1 {
			t.Fatalf("SettleExpired: n=%d err=%v", n, err)
		}
		h.requireState(t, "sub-1", subtask.StateAccepted)

		paid := h.settlements()
		if len(paid) != 1 || paid[0].Amount.Cmp(big.NewInt(600)) != 0 {
			t.Fatalf("settlement payments: %+v", paid)
		}
		for _, client := range []message.PublicKey{provider, requestor} {
			settled := as[*message.SubtaskResultsSettled](t, h.receive(t, client, pending.QueueReceiveOutOfBand))
			if settled.Origin != message.SettledResultsAcceptedTimeout {
				t.Fatalf("origin: %s", settled.Origin)
			}
		}
		if n, err := h.arb.SettleExpired(context.Background()); err != nil || n != 0 {
			t.Fatalf("second pass: n=%d err=%v", n, err)
		}
	})
}

func TestForceSubtaskResults_Refusals(t *testing.T) {
	t.Parallel()

	t.Run("small deposit", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, rct := chain(t, "sub-1")
		if _, err := h.ledger.Transfer(context.Background(), ledger.Transfer{
			Kind:        ledger.PaymentForced,
			From:        msgtest.Address(msgtest.RequestorKey),
			To:          msgtest.Address(msgtest.MiddleManKey),
			Amount:      big.NewInt(9_500),
			ClosureTime: t0,
		}); err != nil {
			t.Fatalf("drain deposit: %v", err)
		}
		start, _ := h.timing.AcceptanceWindow(rct)
		h.clock.Set(start)
		ack := msgtest.AckReportComputedTask(t, rct, t0)
		refused := as[*message.ServiceRefused](t, h.handle(t, msgtest.ForceSubtaskResults(t, ack, start)))
		if refused.Reason != message.RefusedTooSmallRequestorDeposit {
			t.Fatalf("refused: %s", refused.Reason)
		}
		if clients, subtasks, messages, responses := h.store.Counts(); clients+subtasks+messages+responses != 0 {
			t.Fatalf("nothing should be stored: %d clients %d subtasks %d messages %d responses", clients, subtasks, messages, responses)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, rct := forceAcceptance(t, h)
		c0, s0, m0, r0 := h.store.Counts()
		ack := msgtest.AckReportComputedTask(t, rct, t0)
		refused := as[*message.ServiceRefused](t, h.handle(t, msgtest.ForceSubtaskResults(t, ack, h.clock.Now())))
		if refused.Reason != message.RefusedDuplicateRequest {
			t.Fatalf("refused: %s", refused.Reason)
		}
		if c, s, m, r := h.store.Counts(); c != c0 || s != s0 || m != m0 || r != r0 {
			t.Fatalf("duplicate stored rows: clients %d->%d subtasks %d->%d messages %d->%d responses %d->%d", c0, c, s0, s, m0, m, r0, r)
		}
	})

	t.Run("failed subtask", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		ttc, rct := chain(t, "sub-1")
		h.handle(t, msgtest.ForceReportComputedTask(t, rct, t0))
		h.handle(t, msgtest.RejectReportComputedTask(t, ttc, message.RejectGotMessageTaskFailure, t0))

		start, _ := h.timing.AcceptanceWindow(rct)
		h.clock.Set(start)
		ack := msgtest.AckReportComputedTask(t, rct, t0)
		if code := h.handleCode(t, msgtest.ForceSubtaskResults(t, ack, start)); code != CodeSubtaskStateError {
			t.Fatalf("code: %s", code)
		}
	})
}

// requestVerification disputes a rejection of sub-1 and returns the upload token.
func requestVerification(t *testing.T, h *harness) (*message.ReportComputedTask, *message.SubtaskResultsRejected, *message.FileTransferToken) {
	t.Helper()
	_, rct := chain(t, "sub-1")
	srr := msgtest.SubtaskResultsRejected(t, rct, message.ResultsRejectedVerificationNegative, t0.Add(2*time.Hour))
	h.clock.Set(t0.Add(2*time.Hour + time.Minute))

	ack := as[*message.AckSubtaskResultsVerify](t, h.handle(t, msgtest.SubtaskResultsVerify(t, srr, h.clock.Now())))
	h.requireState(t, "sub-1", subtask.StateVerificationFileTransfer)
	return rct, srr, ack.FileTransferToken
}

func TestSubtaskResultsVerify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		verdict   verification.Verdict
		wantState subtask.State
		wantPaid  bool
	}{
		{name: "match", verdict: verification.VerdictMatch, wantState: subtask.StateAccepted, wantPaid: true},
		{name: "worker error", verdict: verification.VerdictError, wantState: subtask.StateAccepted, wantPaid: true},
		{name: "mismatch", verdict: verification.VerdictMismatch, wantState: subtask.StateFailed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			rct, srr, tok := requestVerification(t, h)

			if tok.Operation != message.OperationUpload || tok.AuthorizedClientPublicKey != provider || len(tok.Files) != 2 {
				t.Fatalf("token: %+v", tok)
			}
			if tok.Files[1].Path != storage.SourcePath("task-1", "sub-1") || tok.Files[1].Category != message.CategoryResources {
				t.Fatalf("source file: %+v", tok.Files[1])
			}

			ctx := context.Background()
			if err := h.arb.OnVerificationUploaded(ctx, "sub-1"); err != nil {
				t.Fatalf("OnVerificationUploaded: %v", err)
			}
			s := h.subtask(t, "sub-1")
			if s.State != subtask.StateAdditionalVerification {
				t.Fatalf("state: %s", s.State)
			}
			orders := h.dispatcher.Orders()
			if len(orders) != 1 {
				t.Fatalf("orders: %d", len(orders))
			}
			o := orders[0]
			if o.SubtaskID != "sub-1" || o.Deadline != s.NextDeadline.Unix() || o.ResultHash != rct.PackageHash {
				t.Fatalf("order: %+v", o)
			}
			if err := o.Validate(); err != nil {
				t.Fatalf("order invalid: %v", err)
			}

			if err := h.arb.OnVerificationResult(ctx, verification.Result{SubtaskID: "sub-1", Verdict: tc.verdict}); err != nil {
				t.Fatalf("OnVerificationResult: %v", err)
			}
			h.requireState(t, "sub-1", tc.wantState)
			if got := len(h.settlements()) == 1; got != tc.wantPaid {
				t.Fatalf("paid: got %v want %v", got, tc.wantPaid)
			}

			for _, client := range []message.PublicKey{provider, requestor} {
				m := h.receive(t, client, pending.QueueReceiveOutOfBand)
				if tc.wantPaid {
					settled := as[*message.SubtaskResultsSettled](t, m)
					if settled.Origin != message.SettledResultsRejected {
						t.Fatalf("origin: %s", settled.Origin)
					}
					continue
				}
				if !message.Equal(as[*message.SubtaskResultsRejected](t, m), srr) {
					t.Fatalf("rejection was altered")
				}
			}

			// Late verdicts are ignored.
			if err := h.arb.OnVerificationResult(ctx, verification.Result{SubtaskID: "sub-1", Verdict: verification.VerdictMismatch}); err != nil {
				t.Fatalf("late verdict: %v", err)
			}
			h.requireState(t, "sub-1", tc.wantState)
		})
	}
}

func TestSubtaskResultsVerify_Refusals(t *testing.T) {
	t.Parallel()

	t.Run("wrong reason", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, rct := chain(t, "sub-1")
		srr := msgtest.SubtaskResultsRejected(t, rct, message.ResultsRejectedResourcesFailure, t0)
		refused := as[*message.ServiceRefused](t, h.handle(t, msgtest.SubtaskResultsVerify(t, srr, t0)))
		if refused.Reason != message.RefusedInvalidRequest {
			t.Fatalf("refused: %s", refused.Reason)
		}
	})

	t.Run("too late", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, rct := chain(t, "sub-1")
		srr := msgtest.SubtaskResultsRejected(t, rct, message.ResultsRejectedVerificationNegative, t0)
		h.clock.Set(h.timing.VerificationDeadline(srr).Add(time.Second))
		if code := h.handleCode(t, msgtest.SubtaskResultsVerify(t, srr, h.clock.Now())); code != CodeTimeExceeded {
			t.Fatalf("code: %s", code)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, srr, _ := requestVerification(t, h)
		refused := as[*message.ServiceRefused](t, h.handle(t, msgtest.SubtaskResultsVerify(t, srr, h.clock.Now())))
		if refused.Reason != message.RefusedDuplicateRequest {
			t.Fatalf("refused: %s", refused.Reason)
		}
	})
}

func TestVerification_Timeouts(t *testing.T) {
	t.Parallel()

	t.Run("files never uploaded", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		requestVerification(t, h)

		h.clock.Set(h.subtask(t, "sub-1").NextDeadline.Add(time.Second))
		if err := h.arb.OnVerificationUploaded(context.Background(), "sub-1"); err != nil {
			t.Fatalf("OnVerificationUploaded: %v", err)
		}
		h.requireState(t, "sub-1", subtask.StateFailed)
		if len(h.dispatcher.Orders()) != 0 {
			t.Fatalf("verification ordered after the deadline")
		}
		if paid := h.settlements(); len(paid) != 1 || paid[0].Amount.Cmp(big.NewInt(1000)) != 0 {
			t.Fatalf("settlement payments: %+v", paid)
		}
	})

	t.Run("no verdict", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		requestVerification(t, h)
		if err := h.arb.OnVerificationUploaded(context.Background(), "sub-1"); err != nil {
			t.Fatalf("OnVerificationUploaded: %v", err)
		}

		h.clock.Set(h.subtask(t, "sub-1").NextDeadline.Add(time.Second))
		if err := h.arb.OnVerificationResult(context.Background(), verification.Result{SubtaskID: "sub-1", Verdict: verification.VerdictMismatch}); err != nil {
			t.Fatalf("OnVerificationResult: %v", err)
		}
		// Past the deadline the subtask resolves for the provider.
		h.requireState(t, "sub-1", subtask.StateAccepted)
	})
}

func TestOnVerificationResult_Locked(t *testing.T) {
	t.Parallel()
	st := settingsForTest()
	st.LockRetryLimit = 2
	h := newHarnessWith(t, st)
	requestVerification(t, h)
	ctx := context.Background()
	if err := h.arb.OnVerificationUploaded(ctx, "sub-1"); err != nil {
		t.Fatalf("OnVerificationUploaded: %v", err)
	}

	release := h.store.HoldLock("sub-1")
	err := h.arb.OnVerificationResult(ctx, verification.Result{SubtaskID: "sub-1", Verdict: verification.VerdictMatch})
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	h.requireState(t, "sub-1", subtask.StateAdditionalVerification)

	release()
	if err := h.arb.OnVerificationResult(ctx, verification.Result{SubtaskID: "sub-1", Verdict: verification.VerdictMatch}); err != nil {
		t.Fatalf("OnVerificationResult: %v", err)
	}
	h.requireState(t, "sub-1", subtask.StateAccepted)
}

func TestOnVerificationResult_OutsideVerification(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	forceAcceptance(t, h)
	before := h.subtask(t, "sub-1")
	c0, s0, m0, r0 := h.store.Counts()

	for _, v := range []verification.Verdict{verification.VerdictMatch, verification.VerdictMismatch, verification.VerdictError} {
		if err := h.arb.OnVerificationResult(context.Background(), verification.Result{SubtaskID: "sub-1", Verdict: v, ErrorMessage: "x"}); err != nil {
			t.Fatalf("OnVerificationResult(%s): %v", v, err)
		}
	}

	after := h.subtask(t, "sub-1")
	if after.State != subtask.StateForcingAcceptance || !after.NextDeadline.Equal(before.NextDeadline) {
		t.Fatalf("subtask changed: %s %s -> %s %s", before.State, before.NextDeadline, after.State, after.NextDeadline)
	}
	if c, s, m, r := h.store.Counts(); c != c0 || s != s0 || m != m0 || r != r0 {
		t.Fatalf("rows changed: clients %d->%d subtasks %d->%d messages %d->%d responses %d->%d", c0, c, s0, s, m0, m, r0, r)
	}
	if len(h.settlements()) != 0 {
		t.Fatalf("verdict outside verification paid the provider")
	}
}

func TestOnVerificationUploaded_DispatchFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	requestVerification(t, h)
	h.dispatcher.err = errors.New("broker down")

	if err := h.arb.OnVerificationUploaded(context.Background(), "sub-1"); err == nil {
		t.Fatalf("expected dispatch error")
	}
	// The transition is kept; the deadline resolves the subtask.
	h.requireState(t, "sub-1", subtask.StateAdditionalVerification)
}
