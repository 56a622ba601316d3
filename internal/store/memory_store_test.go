package store

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/message/msgtest"
	"github.com/concent-network/concent/internal/pending"
	"github.com/concent-network/concent/internal/subtask"
)

var t0 = time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func seedSubtask(t *testing.T, ctx context.Context, s *MemoryStore, subtaskID string, deadline time.Time) subtask.Subtask {
	t.Helper()

	ttc := msgtest.TaskToCompute(t, msgtest.Task{TaskID: "task", SubtaskID: subtaskID, Deadline: t0.Add(time.Minute), Price: 10}, t0)
	rct := msgtest.ReportComputedTask(t, ttc, t0)

	var out subtask.Subtask
	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		ids := make([]int64, 0, 2)
		for _, m := range []message.Message{ttc, rct} {
			sm, err := NewStoredMessage(m)
			if err != nil {
				return err
			}
			id, err := tx.PutMessage(ctx, sm)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		for _, k := range []message.PublicKey{ttc.ProviderPublicKey, ttc.RequestorPublicKey} {
			if err := tx.EnsureClient(ctx, k); err != nil {
				return err
			}
		}
		out = subtask.Subtask{
			TaskID:    "task",
			SubtaskID: subtaskID,
			Provider:  ttc.ProviderPublicKey,
			Requestor: ttc.RequestorPublicKey,
			Messages:  subtask.MessageRefs{TaskToCompute: ids[0], ReportComputedTask: ids[1]},
		}
		if err := out.Transition(subtask.StateForcingReport, deadline); err != nil {
			return err
		}
		return tx.CreateSubtask(ctx, out)
	})
	if err != nil {
		t.Fatalf("seed %s: %v", subtaskID, err)
	}
	return out
}

func TestMemoryStore_CreateIsUnique(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(func() time.Time { return t0 })
	st := seedSubtask(t, ctx, s, "sub-1", t0.Add(time.Minute))

	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateSubtask(ctx, st)
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(func() time.Time { return t0 })
	st := seedSubtask(t, ctx, s, "sub-1", t0.Add(time.Minute))
	_, _, msgsBefore, _ := s.Counts()

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.EnqueueResponse(ctx, pending.Response{Type: pending.ForceReportComputedTask, Client: st.Requestor, Queue: pending.QueueReceive, SubtaskID: st.SubtaskID}); err != nil {
			return err
		}
		if err := st.Transition(subtask.StateReported, time.Time{}); err != nil {
			return err
		}
		if err := tx.UpdateSubtask(ctx, st); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_, _, msgsAfter, responses := s.Counts()
	if msgsAfter != msgsBefore || responses != 0 {
		t.Fatalf("rolled back transaction left rows: messages %d->%d responses %d", msgsBefore, msgsAfter, responses)
	}
	_ = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		got, err := tx.GetSubtask(ctx, "sub-1")
		if err != nil {
			t.Fatalf("GetSubtask: %v", err)
		}
		if got.State != subtask.StateForcingReport {
			t.Fatalf("state leaked from rolled back transaction: %s", got.State)
		}
		return nil
	})
}

func TestMemoryStore_UpdateRejectsInvalidState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(func() time.Time { return t0 })
	st := seedSubtask(t, ctx, s, "sub-1", t0.Add(time.Minute))

	st.State = subtask.StateForcingResultTransfer
	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error { return tx.UpdateSubtask(ctx, st) })
	if !errors.Is(err, subtask.ErrInvalidSubtask) {
		t.Fatalf("expected ErrInvalidSubtask, got %v", err)
	}
}

func TestMemoryStore_PendingFIFOAndAtMostOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &clock{now: t0}
	s := NewMemoryStore(c.Now)
	st := seedSubtask(t, ctx, s, "sub-1", t0.Add(time.Minute))

	types := []pending.ResponseType{pending.ForceReportComputedTask, pending.VerdictReportComputedTask, pending.SubtaskResultsSettled}
	for i, typ := range types {
		c.now = t0.Add(time.Duration(i) * time.Second)
		err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			_, err := tx.EnqueueResponse(ctx, pending.Response{Type: typ, Client: st.Requestor, Queue: pending.QueueReceive, SubtaskID: st.SubtaskID})
			return err
		})
		if err != nil {
			t.Fatalf("EnqueueResponse: %v", err)
		}
	}
	// Other queue and other client must not interfere.
	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.EnqueueResponse(ctx, pending.Response{Type: pending.SubtaskResultsSettled, Client: st.Requestor, Queue: pending.QueueReceiveOutOfBand, SubtaskID: st.SubtaskID}); err != nil {
			return err
		}
		_, err := tx.EnqueueResponse(ctx, pending.Response{Type: pending.SubtaskResultsSettled, Client: st.Provider, Queue: pending.QueueReceive, SubtaskID: st.SubtaskID})
		return err
	})
	if err != nil {
		t.Fatalf("EnqueueResponse: %v", err)
	}

	for _, want := range types {
		var got pending.Response
		err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
			r, err := tx.NextUndelivered(ctx, st.Requestor, pending.QueueReceive)
			if err != nil {
				return err
			}
			got = r
			return tx.MarkDelivered(ctx, r.ID)
		})
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if got.Type != want {
			t.Fatalf("FIFO: got %s want %s", got.Type, want)
		}
	}

	err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.NextUndelivered(ctx, st.Requestor, pending.QueueReceive)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after draining, got %v", err)
	}

	for _, r := range s.Responses() {
		if r.Queue == pending.QueueReceive && r.Client == st.Requestor && !r.Delivered {
			t.Fatalf("response %d not delivered", r.ID)
		}
		if r.Delivered {
			err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error { return tx.MarkDelivered(ctx, r.ID) })
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("second MarkDelivered: expected ErrNotFound, got %v", err)
			}
		}
	}
}

func TestMemoryStore_PaymentResponse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(func() time.Time { return t0 })
	requestor := msgtest.PublicKey(msgtest.RequestorKey)

	payment := &pending.PaymentInfo{PaymentTS: t0, TaskOwnerKey: requestor, AmountPaid: big.NewInt(5), AmountPending: big.NewInt(7), RecipientType: message.RecipientRequestor}
	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.EnsureClient(ctx, requestor); err != nil {
			return err
		}
		_, err := tx.EnqueueResponse(ctx, pending.Response{Type: pending.ForcePaymentCommitted, Client: requestor, Queue: pending.QueueReceiveOutOfBand, Payment: payment})
		return err
	})
	if err != nil {
		t.Fatalf("EnqueueResponse: %v", err)
	}
	payment.AmountPaid.SetInt64(999)

	err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		r, err := tx.NextUndelivered(ctx, requestor, pending.QueueReceiveOutOfBand)
		if err != nil {
			return err
		}
		if r.Payment == nil || r.Payment.AmountPaid.Int64() != 5 {
			t.Fatalf("payment info not copied: %+v", r.Payment)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("NextUndelivered: %v", err)
	}
}

func TestMemoryStore_ListExpiredAndLocks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(func() time.Time { return t0 })
	seedSubtask(t, ctx, s, "late", t0.Add(time.Minute))
	seedSubtask(t, ctx, s, "later", t0.Add(2*time.Minute))
	seedSubtask(t, ctx, s, "future", t0.Add(time.Hour))

	err := s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		ids, err := tx.ListExpired(ctx, t0.Add(10*time.Minute), message.PublicKey{}, 10)
		if err != nil {
			return err
		}
		if len(ids) != 2 || ids[0] != "late" || ids[1] != "later" {
			t.Fatalf("ListExpired: %v", ids)
		}
		var stranger message.PublicKey
		stranger[0] = 9
		ids, err = tx.ListExpired(ctx, t0.Add(10*time.Minute), stranger, 10)
		if err != nil {
			return err
		}
		if len(ids) != 0 {
			t.Fatalf("ListExpired for stranger: %v", ids)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}

	release := s.HoldLock("late")
	err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockSubtaskNoWait(ctx, "late")
		return err
	})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	release()
	err = s.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockSubtaskNoWait(ctx, "late")
		return err
	})
	if err != nil {
		t.Fatalf("LockSubtaskNoWait after release: %v", err)
	}
}

func TestStoredMessage_Decode(t *testing.T) {
	t.Parallel()

	ttc := msgtest.TaskToCompute(t, msgtest.Task{TaskID: "task", SubtaskID: "sub", Deadline: t0, Price: 1}, t0)
	sm, err := NewStoredMessage(ttc)
	if err != nil {
		t.Fatalf("NewStoredMessage: %v", err)
	}
	if sm.SubtaskID != "sub" || sm.Kind != message.KindTaskToCompute || !sm.Timestamp.Equal(t0) {
		t.Fatalf("unexpected stored message: %+v", sm)
	}
	got, err := sm.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !message.Equal(got, ttc) {
		t.Fatalf("decoded message differs")
	}

	sm.Kind = message.KindReportComputedTask
	if _, err := sm.Decode(); err == nil {
		t.Fatalf("expected kind mismatch error")
	}
}
