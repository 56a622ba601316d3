package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/concent-network/concent/internal/storage"
	"github.com/concent-network/concent/internal/store"
	"github.com/concent-network/concent/internal/subtask"
)

type WatcherConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Watcher polls the storage cluster for packages of subtasks waiting on a
// transfer and fires the upload callbacks once every expected object exists.
type Watcher struct {
	cfg       WatcherConfig
	store     store.Store
	cluster   storage.Cluster
	callbacks Callbacks
	log       *slog.Logger
}

func NewWatcher(cfg WatcherConfig, st store.Store, cluster storage.Cluster, cb Callbacks, log *slog.Logger) (*Watcher, error) {
	if st == nil || cluster == nil || cb == nil {
		return nil, fmt.Errorf("%w: nil store/cluster/callbacks", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be > 0", ErrInvalidConfig)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{cfg: cfg, store: st, cluster: cluster, callbacks: cb, log: log}, nil
}

var watchedStates = []subtask.State{
	subtask.StateForcingResultTransfer,
	subtask.StateVerificationFileTransfer,
}

// Tick checks one batch of waiting subtasks and returns how many callbacks fired.
func (w *Watcher) Tick(ctx context.Context) (int, error) {
	var waiting []subtask.Subtask
	err := w.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		waiting, err = tx.ListByState(ctx, watchedStates, w.cfg.BatchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("verification: list waiting subtasks: %w", err)
	}

	fired := 0
	for _, s := range waiting {
		paths := []string{storage.ResultPath(s.TaskID, s.SubtaskID)}
		if s.State == subtask.StateVerificationFileTransfer {
			paths = append(paths, storage.SourcePath(s.TaskID, s.SubtaskID))
		}
		ok, err := w.present(ctx, paths)
		if err != nil {
			w.log.Warn("stat transfer", "subtask_id", s.SubtaskID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		if s.State == subtask.StateForcingResultTransfer {
			err = w.callbacks.OnResultUploaded(ctx, s.SubtaskID)
		} else {
			err = w.callbacks.OnVerificationUploaded(ctx, s.SubtaskID)
		}
		if err != nil {
			return fired, fmt.Errorf("verification: upload callback %s: %w", s.SubtaskID, err)
		}
		fired++
	}
	return fired, nil
}

func (w *Watcher) present(ctx context.Context, paths []string) (bool, error) {
	for _, p := range paths {
		if _, err := w.cluster.Stat(ctx, p); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n, err := w.Tick(ctx); err != nil {
				w.log.Error("transfer watch", "err", err)
			} else if n > 0 {
				w.log.Info("transfers completed", "count", n)
			}
		}
	}
}
