package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/pending"
	"github.com/concent-network/concent/internal/subtask"
)

// MemoryStore is an in-process Store. Transactions are serialized and applied
// to a copy of the state that replaces the original on commit, so each one
// costs O(rows). It serves tests and development runs, not production load.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	data memoryData

	heldMu sync.Mutex
	held   map[string]int
}

type memoryData struct {
	clients   map[message.PublicKey]time.Time
	subtasks  map[string]subtask.Subtask
	messages  map[int64]StoredMessage
	responses map[int64]pending.Response

	nextMessageID  int64
	nextResponseID int64
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now: now,
		data: memoryData{
			clients:   make(map[message.PublicKey]time.Time),
			subtasks:  make(map[string]subtask.Subtask),
			messages:  make(map[int64]StoredMessage),
			responses: make(map[int64]pending.Response),
		},
		held: make(map[string]int),
	}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if s == nil || fn == nil {
		return ErrInvalidConfig
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, data: s.data.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

// HoldLock marks a subtask row as locked by another session until release is
// called. LockSubtaskNoWait fails with ErrLocked while it is held.
func (s *MemoryStore) HoldLock(subtaskID string) (release func()) {
	s.heldMu.Lock()
	s.held[subtaskID]++
	s.heldMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.heldMu.Lock()
			defer s.heldMu.Unlock()
			s.held[subtaskID]--
			if s.held[subtaskID] <= 0 {
				delete(s.held, subtaskID)
			}
		})
	}
}

func (s *MemoryStore) isHeld(subtaskID string) bool {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()
	return s.held[subtaskID] > 0
}

// Counts reports the number of stored rows, for tests and diagnostics.
func (s *MemoryStore) Counts() (clients, subtasks, messages, responses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.clients), len(s.data.subtasks), len(s.data.messages), len(s.data.responses)
}

// Responses returns all pending responses ordered by id.
func (s *MemoryStore) Responses() []pending.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pending.Response, 0, len(s.data.responses))
	for _, r := range s.data.responses {
		out = append(out, cloneResponse(r))
	}
	slices.SortFunc(out, func(a, b pending.Response) int { return compareInt64(a.ID, b.ID) })
	return out
}

func (d memoryData) clone() memoryData {
	out := memoryData{
		clients:        make(map[message.PublicKey]time.Time, len(d.clients)),
		subtasks:       make(map[string]subtask.Subtask, len(d.subtasks)),
		messages:       make(map[int64]StoredMessage, len(d.messages)),
		responses:      make(map[int64]pending.Response, len(d.responses)),
		nextMessageID:  d.nextMessageID,
		nextResponseID: d.nextResponseID,
	}
	for k, v := range d.clients {
		out.clients[k] = v
	}
	for k, v := range d.subtasks {
		out.subtasks[k] = v
	}
	// Stored messages are immutable once written.
	for k, v := range d.messages {
		out.messages[k] = v
	}
	for k, v := range d.responses {
		out.responses[k] = cloneResponse(v)
	}
	return out
}

type memoryTx struct {
	store *MemoryStore
	data  memoryData
}

func (t *memoryTx) EnsureClient(_ context.Context, key message.PublicKey) error {
	if key.IsZero() {
		return fmt.Errorf("%w: missing client key", ErrInvalidConfig)
	}
	if _, ok := t.data.clients[key]; !ok {
		t.data.clients[key] = t.store.now().UTC()
	}
	return nil
}

func (t *memoryTx) GetSubtask(_ context.Context, subtaskID string) (subtask.Subtask, error) {
	s, ok := t.data.subtasks[subtaskID]
	if !ok {
		return subtask.Subtask{}, ErrNotFound
	}
	return s, nil
}

// LockSubtask never waits: transactions on a MemoryStore are already serialized.
func (t *memoryTx) LockSubtask(ctx context.Context, subtaskID string) (subtask.Subtask, error) {
	return t.GetSubtask(ctx, subtaskID)
}

func (t *memoryTx) LockSubtaskNoWait(ctx context.Context, subtaskID string) (subtask.Subtask, error) {
	if t.store.isHeld(subtaskID) {
		return subtask.Subtask{}, ErrLocked
	}
	return t.GetSubtask(ctx, subtaskID)
}

func (t *memoryTx) CreateSubtask(_ context.Context, s subtask.Subtask) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if _, ok := t.data.subtasks[s.SubtaskID]; ok {
		return ErrDuplicate
	}
	if err := t.checkRefs(s); err != nil {
		return err
	}
	now := t.store.now().UTC()
	s.CreatedAt = now
	s.ModifiedAt = now
	t.data.subtasks[s.SubtaskID] = s
	return nil
}

func (t *memoryTx) UpdateSubtask(_ context.Context, s subtask.Subtask) error {
	if err := s.Validate(); err != nil {
		return err
	}
	existing, ok := t.data.subtasks[s.SubtaskID]
	if !ok {
		return ErrNotFound
	}
	if existing.Provider != s.Provider || existing.Requestor != s.Requestor || existing.TaskID != s.TaskID {
		return fmt.Errorf("%w: subtask %s parties or task cannot change", ErrInvalidConfig, s.SubtaskID)
	}
	if err := t.checkRefs(s); err != nil {
		return err
	}
	s.CreatedAt = existing.CreatedAt
	s.ModifiedAt = t.store.now().UTC()
	t.data.subtasks[s.SubtaskID] = s
	return nil
}

func (t *memoryTx) checkRefs(s subtask.Subtask) error {
	for _, client := range []message.PublicKey{s.Provider, s.Requestor} {
		if _, ok := t.data.clients[client]; !ok {
			return fmt.Errorf("%w: unknown client %s", ErrNotFound, client)
		}
	}
	for _, role := range subtask.AllRoles {
		id := s.Messages.Get(role)
		if id == 0 {
			continue
		}
		m, ok := t.data.messages[id]
		if !ok {
			return fmt.Errorf("%w: %s message %d", ErrNotFound, role, id)
		}
		if m.Kind != role.Kind() {
			return fmt.Errorf("%w: %s references a %s", ErrInvalidConfig, role, m.Kind)
		}
	}
	return nil
}

func (t *memoryTx) ListExpired(_ context.Context, now time.Time, client message.PublicKey, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, ErrInvalidConfig
	}
	var expired []subtask.Subtask
	for _, s := range t.data.subtasks {
		if !s.Expired(now) {
			continue
		}
		if !client.IsZero() && s.Provider != client && s.Requestor != client {
			continue
		}
		expired = append(expired, s)
	}
	slices.SortFunc(expired, func(a, b subtask.Subtask) int {
		if c := a.NextDeadline.Compare(b.NextDeadline); c != 0 {
			return c
		}
		return strings.Compare(a.SubtaskID, b.SubtaskID)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	out := make([]string, 0, len(expired))
	for _, s := range expired {
		out = append(out, s.SubtaskID)
	}
	return out, nil
}

func (t *memoryTx) ListByState(_ context.Context, states []subtask.State, limit int) ([]subtask.Subtask, error) {
	if limit <= 0 || len(states) == 0 {
		return nil, ErrInvalidConfig
	}
	var out []subtask.Subtask
	for _, s := range t.data.subtasks {
		if slices.Contains(states, s.State) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b subtask.Subtask) int {
		if c := a.ModifiedAt.Compare(b.ModifiedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SubtaskID, b.SubtaskID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memoryTx) PutMessage(_ context.Context, m StoredMessage) (int64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	t.data.nextMessageID++
	m.ID = t.data.nextMessageID
	m.Data = append([]byte(nil), m.Data...)
	m.Timestamp = m.Timestamp.UTC()
	t.data.messages[m.ID] = m
	return m.ID, nil
}

func (t *memoryTx) GetMessage(_ context.Context, id int64) (StoredMessage, error) {
	m, ok := t.data.messages[id]
	if !ok {
		return StoredMessage{}, ErrNotFound
	}
	m.Data = append([]byte(nil), m.Data...)
	return m, nil
}

func (t *memoryTx) EnqueueResponse(_ context.Context, r pending.Response) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	if _, ok := t.data.clients[r.Client]; !ok {
		return 0, fmt.Errorf("%w: unknown client %s", ErrNotFound, r.Client)
	}
	if r.SubtaskID != "" {
		if _, ok := t.data.subtasks[r.SubtaskID]; !ok {
			return 0, fmt.Errorf("%w: subtask %s", ErrNotFound, r.SubtaskID)
		}
	}
	t.data.nextResponseID++
	r.ID = t.data.nextResponseID
	r.Delivered = false
	r.CreatedAt = t.store.now().UTC()
	t.data.responses[r.ID] = cloneResponse(r)
	return r.ID, nil
}

func (t *memoryTx) NextUndelivered(_ context.Context, client message.PublicKey, queue pending.Queue) (pending.Response, error) {
	var (
		best  pending.Response
		found bool
	)
	for _, r := range t.data.responses {
		if r.Delivered || r.Client != client || r.Queue != queue {
			continue
		}
		if !found || responseBefore(r, best) {
			best = r
			found = true
		}
	}
	if !found {
		return pending.Response{}, ErrNotFound
	}
	return cloneResponse(best), nil
}

func (t *memoryTx) MarkDelivered(_ context.Context, id int64) error {
	r, ok := t.data.responses[id]
	if !ok || r.Delivered {
		return ErrNotFound
	}
	r.Delivered = true
	t.data.responses[id] = r
	return nil
}

func responseBefore(a, b pending.Response) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func cloneResponse(r pending.Response) pending.Response {
	r.Payment = pending.ClonePayment(r.Payment)
	return r
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

var _ Store = (*MemoryStore)(nil)
