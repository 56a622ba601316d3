package verification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/message/msgtest"
	"github.com/concent-network/concent/internal/storage"
	"github.com/concent-network/concent/internal/store"
	"github.com/concent-network/concent/internal/subtask"
)

var t0 = time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, st *store.MemoryStore, subtaskID string, state subtask.State) {
	t.Helper()

	ttc := msgtest.TaskToCompute(t, msgtest.Task{TaskID: "task", SubtaskID: subtaskID, Deadline: t0.Add(time.Hour), Price: 10}, t0)
	rct := msgtest.ReportComputedTask(t, ttc, t0)
	msgs := []message.Message{ttc, rct}
	switch state {
	case subtask.StateForcingResultTransfer:
		msgs = append(msgs, msgtest.ForceGetTaskResult(t, rct, t0))
	case subtask.StateVerificationFileTransfer:
		msgs = append(msgs, msgtest.SubtaskResultsRejected(t, rct, message.ResultsRejectedVerificationNegative, t0))
	}

	err := st.Atomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
		ids := make([]int64, 0, len(msgs))
		for _, m := range msgs {
			sm, err := store.NewStoredMessage(m)
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
		s := subtask.Subtask{
			TaskID:    "task",
			SubtaskID: subtaskID,
			Provider:  ttc.ProviderPublicKey,
			Requestor: ttc.RequestorPublicKey,
			Messages:  subtask.MessageRefs{TaskToCompute: ids[0], ReportComputedTask: ids[1]},
		}
		switch state {
		case subtask.StateForcingResultTransfer:
			s.Messages.ForceGetTaskResult = ids[2]
		case subtask.StateVerificationFileTransfer:
			s.Messages.SubtaskResultsRejected = ids[2]
		}
		if err := s.Transition(state, t0.Add(2*time.Hour)); err != nil {
			return err
		}
		return tx.CreateSubtask(ctx, s)
	})
	if err != nil {
		t.Fatalf("seed %s: %v", subtaskID, err)
	}
}

func TestWatcher_FiresWhenPackagesArrive(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return t0 }
	st := store.NewMemoryStore(now)
	cluster := storage.NewMemory("", now)
	seed(t, st, "frt", subtask.StateForcingResultTransfer)
	seed(t, st, "vft", subtask.StateVerificationFileTransfer)
	seed(t, st, "fr", subtask.StateForcingReport)

	cb := &fakeCallbacks{}
	w, err := NewWatcher(WatcherConfig{Interval: time.Second}, st, cluster, cb, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx := context.Background()

	if n, err := w.Tick(ctx); err != nil || n != 0 {
		t.Fatalf("Tick with nothing uploaded: n=%d err=%v", n, err)
	}

	for _, id := range []string{"frt", "vft", "fr"} {
		if err := cluster.Put(ctx, storage.ResultPath("task", id), []byte("result")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if n, err := w.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("Tick after result uploads: n=%d err=%v", n, err)
	}
	if len(cb.results) != 1 || cb.results[0] != "frt" || len(cb.uploads) != 0 {
		t.Fatalf("callbacks: results=%v uploads=%v", cb.results, cb.uploads)
	}

	if err := cluster.Put(ctx, storage.SourcePath("task", "vft"), []byte("source")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cb.results = nil
	if n, err := w.Tick(ctx); err != nil || n != 2 {
		t.Fatalf("Tick after source upload: n=%d err=%v", n, err)
	}
	if len(cb.uploads) != 1 || cb.uploads[0] != "vft" {
		t.Fatalf("verification uploads: %v", cb.uploads)
	}
}

func TestWatcher_CallbackError(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return t0 }
	st := store.NewMemoryStore(now)
	cluster := storage.NewMemory("", now)
	seed(t, st, "frt", subtask.StateForcingResultTransfer)
	if err := cluster.Put(context.Background(), storage.ResultPath("task", "frt"), []byte("r")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	cb := &fakeCallbacks{err: errors.New("db down")}
	w, err := NewWatcher(WatcherConfig{Interval: time.Second}, st, cluster, cb, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if _, err := w.Tick(context.Background()); !errors.Is(err, cb.err) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestNewWatcher_Validation(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore(nil)
	cluster := storage.NewMemory("", nil)
	if _, err := NewWatcher(WatcherConfig{}, st, cluster, &fakeCallbacks{}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewWatcher(WatcherConfig{Interval: time.Second}, nil, cluster, &fakeCallbacks{}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
