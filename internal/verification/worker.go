package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/concent-network/concent/internal/queue"
)

// Callbacks receives the loop-closing events. The arbiter implements it.
type Callbacks interface {
	OnResultUploaded(ctx context.Context, subtaskID string) error
	OnVerificationUploaded(ctx context.Context, subtaskID string) error
	OnVerificationResult(ctx context.Context, r Result) error
}

type WorkerConfig struct {
	MaxInflight int
	AckTimeout  time.Duration
}

// Worker consumes callback events and hands them to Callbacks. Events that
// fail to parse are acknowledged and dropped; events whose callback fails are
// acknowledged too, and the first such error is returned from Run.
type Worker struct {
	cfg       WorkerConfig
	consumer  queue.Consumer
	callbacks Callbacks
	log       *slog.Logger
}

func NewWorker(cfg WorkerConfig, consumer queue.Consumer, cb Callbacks, log *slog.Logger) (*Worker, error) {
	if consumer == nil || cb == nil {
		return nil, fmt.Errorf("%w: nil consumer or callbacks", ErrInvalidConfig)
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{cfg: cfg, consumer: consumer, callbacks: cb, log: log}, nil
}

func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.MaxInflight)
	var wg sync.WaitGroup

	var (
		firstErr   error
		firstErrMu sync.Mutex
	)
	setFirstErr := func(err error) {
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}
	result := func() error {
		wg.Wait()
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		return firstErr
	}

	msgCh := w.consumer.Messages()
	errCh := w.consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			return result()
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("verification callback consume", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return result()
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(m queue.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := w.handle(ctx, m); err != nil {
					setFirstErr(err)
				}
			}(msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) error {
	defer w.ack(msg)

	e, err := ParseEvent(msg.Value)
	if err != nil {
		w.log.Warn("dropping verification callback", "topic", msg.Topic, "err", err)
		return nil
	}
	log := w.log.With("subtask_id", e.SubtaskID, "event", e.Type)
	if err := w.dispatch(ctx, e); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		log.Error("verification callback failed", "err", err)
		return err
	}
	log.Debug("verification callback handled")
	return nil
}

func (w *Worker) dispatch(ctx context.Context, e Event) error {
	switch e.Type {
	case EventUploadFinished:
		if e.Upload == UploadResult {
			return w.callbacks.OnResultUploaded(ctx, e.SubtaskID)
		}
		return w.callbacks.OnVerificationUploaded(ctx, e.SubtaskID)
	case EventVerificationResult:
		return w.callbacks.OnVerificationResult(ctx, *e.Result)
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
}

func (w *Worker) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Error("verification callback ack", "err", err)
	}
}
