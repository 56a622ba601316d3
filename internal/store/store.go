package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/pending"
	"github.com/concent-network/concent/internal/subtask"
)

var (
	ErrInvalidConfig = errors.New("store: invalid config")
	ErrNotFound      = errors.New("store: not found")
	ErrDuplicate     = errors.New("store: duplicate")
	// ErrLocked is returned by non-blocking lock attempts on a row held elsewhere.
	ErrLocked = errors.New("store: row locked")
)

// StoredMessage is an immutable record of one signed protocol message.
type StoredMessage struct {
	ID        int64
	Kind      message.Kind
	Timestamp time.Time
	Data      []byte
	TaskID    string
	SubtaskID string
}

func (m StoredMessage) Validate() error {
	if m.Kind == message.KindUnknown {
		return fmt.Errorf("%w: stored message without kind", ErrInvalidConfig)
	}
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: stored message without data", ErrInvalidConfig)
	}
	if strings.TrimSpace(m.SubtaskID) == "" || strings.TrimSpace(m.TaskID) == "" {
		return fmt.Errorf("%w: stored message without task or subtask id", ErrInvalidConfig)
	}
	return nil
}

// Decode re-deserializes the stored payload.
func (m StoredMessage) Decode() (message.Message, error) {
	out, err := message.Decode(m.Data)
	if err != nil {
		return nil, err
	}
	if out.Kind() != m.Kind {
		return nil, fmt.Errorf("store: stored message %d: kind %s, payload %s", m.ID, m.Kind, out.Kind())
	}
	return out, nil
}

// NewStoredMessage encodes m for persistence.
func NewStoredMessage(m message.Message) (StoredMessage, error) {
	data, err := message.Encode(m)
	if err != nil {
		return StoredMessage{}, err
	}
	ttc := message.TaskToComputeOf(m)
	if ttc == nil {
		return StoredMessage{}, fmt.Errorf("%w: %s carries no task to compute", ErrInvalidConfig, m.Kind())
	}
	return StoredMessage{
		Kind:      m.Kind(),
		Timestamp: message.Timestamp(m),
		Data:      data,
		TaskID:    ttc.TaskID(),
		SubtaskID: ttc.SubtaskID(),
	}, nil
}

// Store persists subtasks, their messages and pending responses.
type Store interface {
	// Atomic runs fn in a single transaction. Nothing fn wrote is visible
	// unless fn returns nil and the commit succeeds.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	// EnsureClient creates the client row on first reference.
	EnsureClient(ctx context.Context, key message.PublicKey) error

	GetSubtask(ctx context.Context, subtaskID string) (subtask.Subtask, error)
	// LockSubtask reads the subtask holding its row lock until the transaction ends.
	LockSubtask(ctx context.Context, subtaskID string) (subtask.Subtask, error)
	// LockSubtaskNoWait is LockSubtask that fails with ErrLocked instead of waiting.
	LockSubtaskNoWait(ctx context.Context, subtaskID string) (subtask.Subtask, error)
	// CreateSubtask fails with ErrDuplicate when the subtask id is taken.
	CreateSubtask(ctx context.Context, s subtask.Subtask) error
	UpdateSubtask(ctx context.Context, s subtask.Subtask) error

	// ListExpired returns ids of active subtasks whose deadline is before now.
	// A non-zero client restricts the result to subtasks it takes part in.
	ListExpired(ctx context.Context, now time.Time, client message.PublicKey, limit int) ([]string, error)
	ListByState(ctx context.Context, states []subtask.State, limit int) ([]subtask.Subtask, error)

	PutMessage(ctx context.Context, m StoredMessage) (int64, error)
	GetMessage(ctx context.Context, id int64) (StoredMessage, error)

	EnqueueResponse(ctx context.Context, r pending.Response) (int64, error)
	// NextUndelivered returns the oldest undelivered response for client on queue,
	// or ErrNotFound.
	NextUndelivered(ctx context.Context, client message.PublicKey, queue pending.Queue) (pending.Response, error)
	// MarkDelivered flips delivered to true. It fails with ErrNotFound for
	// unknown or already delivered rows.
	MarkDelivered(ctx context.Context, id int64) error
}
