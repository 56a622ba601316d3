package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/pending"
	"github.com/concent-network/concent/internal/store"
	"github.com/concent-network/concent/internal/subtask"
)

var ErrInvalidConfig = errors.New("store/postgres: invalid config")

const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if fn == nil {
		return fmt.Errorf("%w: nil func", ErrInvalidConfig)
	}

	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("store/postgres: begin: %w", err)
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	if err := fn(ctx, &tx{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("store/postgres: commit: %w", err)
	}
	return nil
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) EnsureClient(ctx context.Context, key message.PublicKey) error {
	if key.IsZero() {
		return fmt.Errorf("%w: missing client key", store.ErrInvalidConfig)
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO clients (public_key, created_at) VALUES ($1, now())
		ON CONFLICT (public_key) DO NOTHING
	`, key[:])
	if err != nil {
		return fmt.Errorf("store/postgres: ensure client: %w", err)
	}
	return nil
}

const subtaskColumns = `
	subtask_id,
	task_id,
	provider_key,
	requestor_key,
	state,
	next_deadline,
	computation_deadline,
	result_package_size,
	task_to_compute_id,
	report_computed_task_id,
	ack_report_computed_task_id,
	reject_report_computed_task_id,
	subtask_results_accepted_id,
	subtask_results_rejected_id,
	force_get_task_result_id,
	created_at,
	modified_at
`

func (t *tx) GetSubtask(ctx context.Context, subtaskID string) (subtask.Subtask, error) {
	return t.selectSubtask(ctx, subtaskID, "")
}

func (t *tx) LockSubtask(ctx context.Context, subtaskID string) (subtask.Subtask, error) {
	return t.selectSubtask(ctx, subtaskID, "FOR UPDATE")
}

func (t *tx) LockSubtaskNoWait(ctx context.Context, subtaskID string) (subtask.Subtask, error) {
	return t.selectSubtask(ctx, subtaskID, "FOR UPDATE NOWAIT")
}

func (t *tx) selectSubtask(ctx context.Context, subtaskID string, lock string) (subtask.Subtask, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE subtask_id = $1 `+lock, subtaskID)
	s, err := scanSubtask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return subtask.Subtask{}, store.ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return subtask.Subtask{}, store.ErrLocked
		}
		return subtask.Subtask{}, fmt.Errorf("store/postgres: get subtask: %w", err)
	}
	return s, nil
}

func (t *tx) CreateSubtask(ctx context.Context, s subtask.Subtask) error {
	if err := s.Validate(); err != nil {
		return err
	}
	refs := refArgs(s.Messages)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO subtasks (
			subtask_id,
			task_id,
			provider_key,
			requestor_key,
			state,
			next_deadline,
			computation_deadline,
			result_package_size,
			task_to_compute_id,
			report_computed_task_id,
			ack_report_computed_task_id,
			reject_report_computed_task_id,
			subtask_results_accepted_id,
			subtask_results_rejected_id,
			force_get_task_result_id,
			created_at,
			modified_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now(),now())
	`,
		s.SubtaskID,
		s.TaskID,
		s.Provider[:],
		s.Requestor[:],
		int16(s.State),
		nullTime(s.NextDeadline),
		s.ComputationDeadline.UTC(),
		int64(s.ResultPackageSize),
		refs[0], refs[1], refs[2], refs[3], refs[4], refs[5], refs[6],
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "subtasks_pkey" {
			return store.ErrDuplicate
		}
		return fmt.Errorf("store/postgres: insert subtask: %w", err)
	}
	return nil
}

func (t *tx) UpdateSubtask(ctx context.Context, s subtask.Subtask) error {
	if err := s.Validate(); err != nil {
		return err
	}
	refs := refArgs(s.Messages)
	tag, err := t.tx.Exec(ctx, `
		UPDATE subtasks
		SET state = $4,
			next_deadline = $5,
			computation_deadline = $6,
			result_package_size = $7,
			task_to_compute_id = $8,
			report_computed_task_id = $9,
			ack_report_computed_task_id = $10,
			reject_report_computed_task_id = $11,
			subtask_results_accepted_id = $12,
			subtask_results_rejected_id = $13,
			force_get_task_result_id = $14,
			modified_at = now()
		WHERE subtask_id = $1 AND provider_key = $2 AND requestor_key = $3
	`,
		s.SubtaskID,
		s.Provider[:],
		s.Requestor[:],
		int16(s.State),
		nullTime(s.NextDeadline),
		s.ComputationDeadline.UTC(),
		int64(s.ResultPackageSize),
		refs[0], refs[1], refs[2], refs[3], refs[4], refs[5], refs[6],
	)
	if err != nil {
		return fmt.Errorf("store/postgres: update subtask: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) ListExpired(ctx context.Context, now time.Time, client message.PublicKey, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", store.ErrInvalidConfig)
	}
	var clientArg []byte
	if !client.IsZero() {
		clientArg = client[:]
	}
	rows, err := t.tx.Query(ctx, `
		SELECT subtask_id
		FROM subtasks
		WHERE next_deadline IS NOT NULL
			AND next_deadline < $1
			AND ($2::bytea IS NULL OR provider_key = $2 OR requestor_key = $2)
		ORDER BY next_deadline ASC, subtask_id ASC
		LIMIT $3
	`, now.UTC(), clientArg, limit)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list expired: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store/postgres: scan expired: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/postgres: list expired rows: %w", err)
	}
	return out, nil
}

func (t *tx) ListByState(ctx context.Context, states []subtask.State, limit int) ([]subtask.Subtask, error) {
	if limit <= 0 || len(states) == 0 {
		return nil, fmt.Errorf("%w: states and limit required", store.ErrInvalidConfig)
	}
	codes := make([]int16, 0, len(states))
	for _, st := range states {
		codes = append(codes, int16(st))
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+subtaskColumns+`
		FROM subtasks
		WHERE state = ANY($1)
		ORDER BY modified_at ASC, subtask_id ASC
		LIMIT $2
	`, codes, limit)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list by state: %w", err)
	}
	defer rows.Close()

	var out []subtask.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: scan subtask: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/postgres: list by state rows: %w", err)
	}
	return out, nil
}

func (t *tx) PutMessage(ctx context.Context, m store.StoredMessage) (int64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO stored_messages (kind, message_ts, data, task_id, subtask_id, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
		RETURNING id
	`, int16(m.Kind), m.Timestamp.UTC(), m.Data, m.TaskID, m.SubtaskID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store/postgres: insert message: %w", err)
	}
	return id, nil
}

func (t *tx) GetMessage(ctx context.Context, id int64) (store.StoredMessage, error) {
	var (
		m    store.StoredMessage
		kind int16
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, kind, message_ts, data, task_id, subtask_id
		FROM stored_messages
		WHERE id = $1
	`, id).Scan(&m.ID, &kind, &m.Timestamp, &m.Data, &m.TaskID, &m.SubtaskID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.StoredMessage{}, store.ErrNotFound
		}
		return store.StoredMessage{}, fmt.Errorf("store/postgres: get message: %w", err)
	}
	m.Kind = message.Kind(kind)
	m.Timestamp = m.Timestamp.UTC()
	return m, nil
}

func (t *tx) EnqueueResponse(ctx context.Context, r pending.Response) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	var subtaskID *string
	if r.SubtaskID != "" {
		subtaskID = &r.SubtaskID
	}

	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO pending_responses (response_type, client_key, queue, delivered, subtask_id, created_at)
		VALUES ($1,$2,$3,false,$4,clock_timestamp())
		RETURNING id
	`, int16(r.Type), r.Client[:], int16(r.Queue), subtaskID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store/postgres: insert pending response: %w", err)
	}

	if p := r.Payment; p != nil {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO payment_infos (
				pending_response_id,
				payment_ts,
				task_owner_key,
				provider_eth_account,
				amount_paid,
				amount_pending,
				recipient_type
			) VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, id, p.PaymentTS.UTC(), p.TaskOwnerKey[:], p.ProviderEthAccount.Bytes(), bigString(p.AmountPaid), bigString(p.AmountPending), string(p.RecipientType))
		if err != nil {
			return 0, fmt.Errorf("store/postgres: insert payment info: %w", err)
		}
	}
	return id, nil
}

// NextUndelivered may wait on a row another poll holds. When that poll
// delivers it, Postgres drops the row on recheck without refilling LIMIT 1, so
// an empty answer is checked once more against a fresh snapshot.
func (t *tx) NextUndelivered(ctx context.Context, client message.PublicKey, queue pending.Queue) (pending.Response, error) {
	r, err := t.nextUndelivered(ctx, client, queue)
	if errors.Is(err, store.ErrNotFound) {
		return t.nextUndelivered(ctx, client, queue)
	}
	return r, err
}

func (t *tx) nextUndelivered(ctx context.Context, client message.PublicKey, queue pending.Queue) (pending.Response, error) {
	var (
		r         pending.Response
		typ       int16
		q         int16
		clientRaw []byte
		subtaskID *string

		paymentTS     *time.Time
		ownerRaw      []byte
		providerRaw   []byte
		amountPaid    *string
		amountPending *string
		recipient     *string
	)
	// Plain FOR UPDATE: concurrent polls for the same client wait instead of
	// skipping ahead, which keeps delivery in order.
	err := t.tx.QueryRow(ctx, `
		SELECT
			r.id,
			r.response_type,
			r.client_key,
			r.queue,
			r.delivered,
			r.subtask_id,
			r.created_at,
			p.payment_ts,
			p.task_owner_key,
			p.provider_eth_account,
			p.amount_paid,
			p.amount_pending,
			p.recipient_type
		FROM pending_responses r
		LEFT JOIN payment_infos p ON p.pending_response_id = r.id
		WHERE r.client_key = $1 AND r.queue = $2 AND NOT r.delivered
		ORDER BY r.created_at ASC, r.id ASC
		LIMIT 1
		FOR UPDATE OF r
	`, client[:], int16(queue)).Scan(
		&r.ID,
		&typ,
		&clientRaw,
		&q,
		&r.Delivered,
		&subtaskID,
		&r.CreatedAt,
		&paymentTS,
		&ownerRaw,
		&providerRaw,
		&amountPaid,
		&amountPending,
		&recipient,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pending.Response{}, store.ErrNotFound
		}
		return pending.Response{}, fmt.Errorf("store/postgres: next pending response: %w", err)
	}

	r.Type = pending.ResponseType(typ)
	r.Queue = pending.Queue(q)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.Client, err = message.PublicKeyFromBytes(clientRaw); err != nil {
		return pending.Response{}, fmt.Errorf("store/postgres: pending response %d: %w", r.ID, err)
	}
	if subtaskID != nil {
		r.SubtaskID = *subtaskID
	}
	if paymentTS != nil {
		p := &pending.PaymentInfo{
			PaymentTS:          paymentTS.UTC(),
			ProviderEthAccount: common.BytesToAddress(providerRaw),
			AmountPaid:         parseBig(amountPaid),
			AmountPending:      parseBig(amountPending),
		}
		if recipient != nil {
			p.RecipientType = message.RecipientType(*recipient)
		}
		if p.TaskOwnerKey, err = message.PublicKeyFromBytes(ownerRaw); err != nil {
			return pending.Response{}, fmt.Errorf("store/postgres: payment info %d: %w", r.ID, err)
		}
		r.Payment = p
	}
	return r, nil
}

func (t *tx) MarkDelivered(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE pending_responses
		SET delivered = true
		WHERE id = $1 AND NOT delivered
	`, id)
	if err != nil {
		return fmt.Errorf("store/postgres: mark delivered: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return store.ErrNotFound
	}
	return nil
}

func scanSubtask(row pgx.Row) (subtask.Subtask, error) {
	var (
		s            subtask.Subtask
		providerRaw  []byte
		requestorRaw []byte
		state        int16
		nextDeadline *time.Time
		size         int64
		refs         [7]*int64
	)
	err := row.Scan(
		&s.SubtaskID,
		&s.TaskID,
		&providerRaw,
		&requestorRaw,
		&state,
		&nextDeadline,
		&s.ComputationDeadline,
		&size,
		&refs[0], &refs[1], &refs[2], &refs[3], &refs[4], &refs[5], &refs[6],
		&s.CreatedAt,
		&s.ModifiedAt,
	)
	if err != nil {
		return subtask.Subtask{}, err
	}
	if s.Provider, err = message.PublicKeyFromBytes(providerRaw); err != nil {
		return subtask.Subtask{}, err
	}
	if s.Requestor, err = message.PublicKeyFromBytes(requestorRaw); err != nil {
		return subtask.Subtask{}, err
	}
	s.State = subtask.State(state)
	if nextDeadline != nil {
		s.NextDeadline = nextDeadline.UTC()
	}
	s.ComputationDeadline = s.ComputationDeadline.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.ModifiedAt = s.ModifiedAt.UTC()
	if size > 0 {
		s.ResultPackageSize = uint64(size)
	}
	for i, role := range subtask.AllRoles {
		if refs[i] != nil {
			s.Messages.Set(role, *refs[i])
		}
	}
	return s, nil
}

// refArgs returns the message reference columns in subtask.AllRoles order.
func refArgs(m subtask.MessageRefs) [7]*int64 {
	var out [7]*int64
	for i, role := range subtask.AllRoles {
		if id := m.Get(role); id != 0 {
			id := id
			out[i] = &id
		}
	}
	return out
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(s *string) *big.Int {
	out := new(big.Int)
	if s == nil {
		return out
	}
	if _, ok := out.SetString(*s, 10); !ok {
		return new(big.Int)
	}
	return out
}

var _ store.Store = (*Store)(nil)
