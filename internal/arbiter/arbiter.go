// Package arbiter is the subtask state machine. It validates signed requests
// against the persisted subtask, applies the legal transition, and queues the
// responses each party is owed.
package arbiter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/concent-network/concent/internal/leases"
	"github.com/concent-network/concent/internal/ledger"
	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/pending"
	"github.com/concent-network/concent/internal/settings"
	"github.com/concent-network/concent/internal/storage"
	"github.com/concent-network/concent/internal/store"
	"github.com/concent-network/concent/internal/subtask"
	"github.com/concent-network/concent/internal/verification"
)

const (
	defaultSettleBatch    = 100
	defaultSettleClaimTTL = 2 * time.Minute
)

// Dispatcher hands verification orders to the rendering worker.
type Dispatcher interface {
	OrderVerification(ctx context.Context, o verification.Order) error
}

type Config struct {
	Settings settings.Settings

	// ConcentKey signs every message the broker synthesizes.
	ConcentKey *ecdsa.PrivateKey

	// SoftShutdown reports whether new disputes must be refused. Requests
	// about existing subtasks and polling keep working.
	SoftShutdown func() bool

	// SettleBatch bounds how many expired subtasks one pass resolves.
	SettleBatch int

	// Leases holds settle claims while a settlement payment is in flight.
	// Processes sharing a database must share it. Defaults to an in-process store.
	Leases leases.Store
	// SettleClaimTTL bounds one settlement payment and is how long a failed
	// one waits before it is retried.
	SettleClaimTTL time.Duration

	Now func() time.Time
}

type Arbiter struct {
	cfg    Config
	timing Timing
	log    *slog.Logger

	store      store.Store
	ledger     ledger.Ledger
	tokens     *storage.TokenIssuer
	dispatcher Dispatcher
}

func New(cfg Config, st store.Store, l ledger.Ledger, tokens *storage.TokenIssuer, d Dispatcher, log *slog.Logger) (*Arbiter, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.ConcentKey == nil {
		return nil, fmt.Errorf("%w: ConcentKey required", ErrInvalidConfig)
	}
	if st == nil || l == nil || tokens == nil || d == nil {
		return nil, fmt.Errorf("%w: nil store/ledger/tokens/dispatcher", ErrInvalidConfig)
	}
	if err := subtask.CheckTables(); err != nil {
		return nil, err
	}
	if cfg.SoftShutdown == nil {
		cfg.SoftShutdown = func() bool { return false }
	}
	if cfg.SettleBatch <= 0 {
		cfg.SettleBatch = defaultSettleBatch
	}
	if cfg.SettleClaimTTL <= 0 {
		cfg.SettleClaimTTL = defaultSettleClaimTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Leases == nil {
		cfg.Leases = leases.NewMemoryStore(cfg.Now)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Arbiter{
		cfg:        cfg,
		timing:     NewTiming(cfg.Settings),
		log:        log,
		store:      st,
		ledger:     l,
		tokens:     tokens,
		dispatcher: d,
	}, nil
}

func (a *Arbiter) now() time.Time { return a.cfg.Now().UTC().Truncate(time.Second) }

// PublicKey is the key clients verify broker-signed messages with.
func (a *Arbiter) PublicKey() message.PublicKey {
	return message.PublicKeyFromECDSA(&a.cfg.ConcentKey.PublicKey)
}

// Send decodes one client message and handles it. A nil message with a nil
// error means the request was accepted and the answer will be queued.
func (a *Arbiter) Send(ctx context.Context, raw []byte) (message.Message, error) {
	m, err := message.Decode(raw)
	if err != nil {
		switch {
		case errors.Is(err, message.ErrUnknownKind):
			return nil, newError(CodeMessageUnknown, "%v", err)
		case errors.Is(err, message.ErrInvalidSignature):
			return nil, newError(CodeSignatureWrong, "%v", err)
		default:
			return nil, newError(CodeMessageInvalid, "%v", err)
		}
	}
	return a.Handle(ctx, m)
}

// Handle dispatches a decoded message to its request handler.
func (a *Arbiter) Handle(ctx context.Context, m message.Message) (message.Message, error) {
	switch v := m.(type) {
	case *message.ForceReportComputedTask:
		return a.forceReportComputedTask(ctx, v)
	case *message.AckReportComputedTask:
		return a.ackReportComputedTask(ctx, v)
	case *message.RejectReportComputedTask:
		return a.rejectReportComputedTask(ctx, v)
	case *message.ForceGetTaskResult:
		return a.forceGetTaskResult(ctx, v)
	case *message.ForceSubtaskResults:
		return a.forceSubtaskResults(ctx, v)
	case *message.ForceSubtaskResultsResponse:
		return a.forceSubtaskResultsResponse(ctx, v)
	case *message.SubtaskResultsVerify:
		return a.subtaskResultsVerify(ctx, v)
	case *message.ForcePayment:
		return a.forcePayment(ctx, v)
	case *message.TaskToCompute,
		*message.ReportComputedTask,
		*message.ForceReportComputedTaskResponse,
		*message.VerdictReportComputedTask,
		*message.AckForceGetTaskResult,
		*message.ForceGetTaskResultRejected,
		*message.ForceGetTaskResultFailed,
		*message.ForceGetTaskResultUpload,
		*message.ForceGetTaskResultDownload,
		*message.FileTransferToken,
		*message.ForceSubtaskResultsRejected,
		*message.SubtaskResultsAccepted,
		*message.SubtaskResultsRejected,
		*message.AckSubtaskResultsVerify,
		*message.SubtaskResultsSettled,
		*message.ForcePaymentCommitted,
		*message.ForcePaymentRejected,
		*message.ServiceRefused,
		*message.TransactionSigningRequest,
		*message.SignedTransaction,
		*message.TransactionRejected,
		*message.ClientAuthorization:
		return nil, newError(CodeMessageUnexpected, "%s cannot be sent to the broker", m.Kind())
	default:
		return nil, newError(CodeMessageUnknown, "unsupported message %T", m)
	}
}

// signedBy pairs a message with the key that must have signed it.
type signedBy struct {
	m   message.Message
	key message.PublicKey
}

func verifySignatures(checks ...signedBy) error {
	for _, c := range checks {
		if err := message.Verify(c.m, c.key); err != nil {
			return newError(CodeSignatureWrong, "%v", err)
		}
	}
	return nil
}

// reportChain lists the signatures every message built on rct carries.
func reportChain(rct *message.ReportComputedTask) []signedBy {
	ttc := rct.TaskToCompute
	return []signedBy{
		{m: rct, key: ttc.ProviderPublicKey},
		{m: ttc, key: ttc.RequestorPublicKey},
	}
}

// sign stamps a broker-made message with the current time and the broker key.
func (a *Arbiter) sign(m message.Message) (message.Message, error) {
	message.HeaderOf(m).Timestamp = a.now().Unix()
	if err := message.Sign(m, a.cfg.ConcentKey); err != nil {
		return nil, err
	}
	return m, nil
}

func (a *Arbiter) refused(subtaskID string, reason message.ServiceRefusedReason) (message.Message, error) {
	return a.sign(&message.ServiceRefused{SubtaskID: subtaskID, Reason: reason})
}

func (a *Arbiter) softShutdown() error {
	if a.cfg.SoftShutdown() {
		return newError(CodeSoftShutdown, "the broker is shutting down and accepts no new disputes")
	}
	return nil
}

type roleMessage struct {
	role subtask.Role
	m    message.Message
}

// createSubtask stores the report chain and extras and creates the subtask in state to.
func (a *Arbiter) createSubtask(ctx context.Context, tx store.Tx, rct *message.ReportComputedTask, to subtask.State, deadline time.Time, extra ...roleMessage) (subtask.Subtask, error) {
	ttc := rct.TaskToCompute
	if err := tx.EnsureClient(ctx, ttc.ProviderPublicKey); err != nil {
		return subtask.Subtask{}, err
	}
	if err := tx.EnsureClient(ctx, ttc.RequestorPublicKey); err != nil {
		return subtask.Subtask{}, err
	}
	s := subtask.Subtask{
		TaskID:              ttc.TaskID(),
		SubtaskID:           ttc.SubtaskID(),
		Provider:            ttc.ProviderPublicKey,
		Requestor:           ttc.RequestorPublicKey,
		State:               subtask.StateNone,
		ComputationDeadline: deadlineOf(ttc),
		ResultPackageSize:   rct.Size,
	}
	msgs := append([]roleMessage{
		{role: subtask.RoleTaskToCompute, m: ttc},
		{role: subtask.RoleReportComputedTask, m: rct},
	}, extra...)
	for _, rm := range msgs {
		if err := attach(ctx, tx, &s, rm.role, rm.m); err != nil {
			return subtask.Subtask{}, err
		}
	}
	if err := s.Transition(to, deadline); err != nil {
		return subtask.Subtask{}, err
	}
	if err := tx.CreateSubtask(ctx, s); err != nil {
		return subtask.Subtask{}, err
	}
	return s, nil
}

// attach stores m and points the subtask's role slot at it. An acknowledgement
// of the report replaces a stored rejection.
func attach(ctx context.Context, tx store.Tx, s *subtask.Subtask, role subtask.Role, m message.Message) error {
	if m.Kind() != role.Kind() {
		return fmt.Errorf("arbiter: %s cannot be stored as %s", m.Kind(), role)
	}
	sm, err := store.NewStoredMessage(m)
	if err != nil {
		return err
	}
	id, err := tx.PutMessage(ctx, sm)
	if err != nil {
		return err
	}
	s.Messages.Set(role, id)
	if role == subtask.RoleAckReportComputedTask {
		s.Messages.RejectReportComputedTask = 0
	}
	return nil
}

// update applies a transition and persists s.
func update(ctx context.Context, tx store.Tx, s *subtask.Subtask, to subtask.State, deadline time.Time) error {
	if err := s.Transition(to, deadline); err != nil {
		return err
	}
	return tx.UpdateSubtask(ctx, *s)
}

func enqueue(ctx context.Context, tx store.Tx, s subtask.Subtask, typ pending.ResponseType, client message.PublicKey, q pending.Queue) error {
	_, err := tx.EnqueueResponse(ctx, pending.Response{
		Type:      typ,
		Client:    client,
		Queue:     q,
		SubtaskID: s.SubtaskID,
	})
	return err
}

// loadMessage reads the stored message id and requires it to be a T.
func loadMessage[T message.Message](ctx context.Context, tx store.Tx, id int64) (T, error) {
	var zero T
	if id == 0 {
		return zero, fmt.Errorf("arbiter: %T is not stored", zero)
	}
	sm, err := tx.GetMessage(ctx, id)
	if err != nil {
		return zero, fmt.Errorf("arbiter: load message %d: %w", id, err)
	}
	m, err := sm.Decode()
	if err != nil {
		return zero, err
	}
	out, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("arbiter: message %d is a %s, want %T", id, m.Kind(), zero)
	}
	return out, nil
}

func loadReport(ctx context.Context, tx store.Tx, s subtask.Subtask) (*message.ReportComputedTask, error) {
	return loadMessage[*message.ReportComputedTask](ctx, tx, s.Messages.ReportComputedTask)
}

// checkIdentical requires an incoming offer to match the one stored for s.
func checkIdentical(ctx context.Context, tx store.Tx, s subtask.Subtask, ttc *message.TaskToCompute) error {
	stored, err := loadMessage[*message.TaskToCompute](ctx, tx, s.Messages.TaskToCompute)
	if err != nil {
		return err
	}
	if !message.Equal(stored, ttc) {
		return newError(CodeMessagesNotIdentical, "TaskToCompute for subtask %s differs from the stored one", s.SubtaskID)
	}
	return nil
}

// lookup reads a subtask under its row lock. found is false when it does not exist.
func lookup(ctx context.Context, tx store.Tx, subtaskID string) (s subtask.Subtask, found bool, err error) {
	s, err = tx.LockSubtask(ctx, subtaskID)
	switch {
	case err == nil:
		return s, true, nil
	case errors.Is(err, store.ErrNotFound):
		return subtask.Subtask{}, false, nil
	default:
		return subtask.Subtask{}, false, err
	}
}

func requireTransition(s subtask.Subtask, to subtask.State) error {
	if !subtask.CanTransition(s.State, to) {
		return newError(CodeSubtaskStateError, "subtask %s is %s and cannot move to %s", s.SubtaskID, s.State, to)
	}
	return nil
}
