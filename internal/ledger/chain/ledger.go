package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/concent-network/concent/internal/eth"
	"github.com/concent-network/concent/internal/ledger"
	"github.com/concent-network/concent/internal/message"
)

var (
	ErrInvalidConfig = errors.New("ledger/chain: invalid config")
	// ErrRejected is returned when the signing service refuses a transaction.
	ErrRejected = errors.New("ledger/chain: transaction rejected by signing service")
)

// Backend is the slice of an Ethereum node the ledger needs. *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// TransactionSigner signs transactions for the broker's payment account. The
// relay client implements it by forwarding requests to the signing service.
type TransactionSigner interface {
	SignTransaction(ctx context.Context, req *message.TransactionSigningRequest) (*message.SignedTransaction, error)
}

// RejectedError carries the signing service's rejection reason.
type RejectedError struct {
	Reason message.TransactionRejectedReason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRejected.Error(), e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

type Config struct {
	Contract common.Address
	// From is the payment account whose key the signing service holds.
	From      common.Address
	ChainID   *big.Int
	GasLimit  uint64
	FromBlock uint64

	Now func() time.Time
}

type Ledger struct {
	backend Backend
	signer  TransactionSigner
	cfg     Config
	abi     abi.ABI
	nonces  *eth.NonceManager
	log     *slog.Logger
}

func New(backend Backend, signer TransactionSigner, cfg Config, log *slog.Logger) (*Ledger, error) {
	if backend == nil || signer == nil {
		return nil, fmt.Errorf("%w: nil backend or signer", ErrInvalidConfig)
	}
	if cfg.Contract == (common.Address{}) || cfg.From == (common.Address{}) {
		return nil, fmt.Errorf("%w: contract and from addresses required", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidConfig)
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 200_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	a, err := loadABI()
	if err != nil {
		return nil, err
	}
	return &Ledger{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		abi:     a,
		nonces:  eth.NewNonceManager(backend, cfg.From),
		log:     log,
	}, nil
}

func (l *Ledger) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := l.abi.Pack(methodBalanceOf, addr)
	if err != nil {
		return nil, fmt.Errorf("ledger/chain: pack balanceOf: %w", err)
	}
	contract := l.cfg.Contract
	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger/chain: call balanceOf: %w", err)
	}
	vals, err := l.abi.Unpack(methodBalanceOf, out)
	if err != nil {
		return nil, fmt.Errorf("ledger/chain: unpack balanceOf: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("ledger/chain: balanceOf returned %d values", len(vals))
	}
	b, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("ledger/chain: balanceOf returned %T", vals[0])
	}
	return new(big.Int).Set(b), nil
}

func (l *Ledger) Transfer(ctx context.Context, t ledger.Transfer) (common.Hash, error) {
	if err := t.Validate(); err != nil {
		return common.Hash{}, err
	}
	method := methodForcePay
	if t.Kind == ledger.PaymentSettlement {
		method = methodSettle
	}
	data, err := l.abi.Pack(method, t.From, t.To, t.Amount, big.NewInt(t.ClosureTime.Unix()))
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger/chain: pack %s: %w", method, err)
	}

	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger/chain: gas price: %w", err)
	}
	nonce, err := l.nonces.Next(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger/chain: nonce: %w", err)
	}

	req := &message.TransactionSigningRequest{
		Header:   message.NewHeader(l.cfg.Now()),
		Nonce:    nonce,
		GasPrice: message.NewAmount(gasPrice),
		StartGas: l.cfg.GasLimit,
		To:       l.cfg.Contract,
		Value:    message.NewAmount(nil),
		Data:     data,
		From:     l.cfg.From,
	}
	signed, err := l.signer.SignTransaction(ctx, req)
	if err != nil {
		l.nonces.Release(nonce)
		return common.Hash{}, err
	}
	tx, err := eth.TransactionFromSigned(signed, l.cfg.ChainID, l.cfg.From)
	if err != nil {
		l.nonces.Release(nonce)
		return common.Hash{}, err
	}
	if tx.Nonce() != nonce || tx.To() == nil || *tx.To() != l.cfg.Contract {
		l.nonces.Release(nonce)
		return common.Hash{}, fmt.Errorf("%w: signed transaction does not match request", eth.ErrInvalidTransaction)
	}
	if err := l.backend.SendTransaction(ctx, tx); err != nil {
		// The node may or may not have seen it; resync rather than reuse.
		if _, syncErr := l.nonces.Sync(ctx); syncErr != nil {
			l.log.Warn("nonce sync failed", "err", syncErr)
		}
		return common.Hash{}, fmt.Errorf("ledger/chain: send %s: %w", method, err)
	}

	l.log.Info("payment transaction sent",
		"kind", t.Kind.String(),
		"tx", tx.Hash().Hex(),
		"nonce", nonce,
		"requestor", t.From.Hex(),
		"provider", t.To.Hex(),
		"amount", t.Amount.String(),
	)
	return tx.Hash(), nil
}

func (l *Ledger) ListPayments(ctx context.Context, q ledger.Query) ([]ledger.Payment, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	name := eventBatch
	switch q.Kind {
	case ledger.PaymentForced:
		name = eventForced
	case ledger.PaymentSettlement:
		name = eventSettlement
	}
	event, ok := l.abi.Events[name]
	if !ok {
		return nil, fmt.Errorf("ledger/chain: ABI missing %s event", name)
	}

	logs, err := l.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(l.cfg.FromBlock),
		Addresses: []common.Address{l.cfg.Contract},
		Topics: [][]common.Hash{
			{event.ID},
			{common.BytesToHash(q.From.Bytes())},
			{common.BytesToHash(q.To.Bytes())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger/chain: filter %s logs: %w", name, err)
	}

	var out []ledger.Payment
	for _, lg := range logs {
		if lg.Removed || lg.Address != l.cfg.Contract || len(lg.Topics) < 3 || lg.Topics[0] != event.ID {
			continue
		}
		p, err := parsePayment(event, lg)
		if err != nil {
			return nil, err
		}
		p.Kind = q.Kind
		if p.ClosureTime.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && p.ClosureTime.After(q.Until) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func parsePayment(event abi.Event, lg types.Log) (ledger.Payment, error) {
	fields, err := event.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return ledger.Payment{}, fmt.Errorf("ledger/chain: decode %s data: %w", event.Name, err)
	}
	if len(fields) != 2 {
		return ledger.Payment{}, fmt.Errorf("ledger/chain: unexpected %s field count: got=%d want=2", event.Name, len(fields))
	}
	amount, ok := fields[0].(*big.Int)
	if !ok {
		return ledger.Payment{}, fmt.Errorf("ledger/chain: decode %s amount: %T", event.Name, fields[0])
	}
	closure, err := toInt64(fields[1])
	if err != nil {
		return ledger.Payment{}, fmt.Errorf("ledger/chain: decode %s closure time: %w", event.Name, err)
	}
	return ledger.Payment{
		From:        common.BytesToAddress(lg.Topics[1].Bytes()),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()),
		Amount:      new(big.Int).Set(amount),
		ClosureTime: time.Unix(closure, 0).UTC(),
		TxHash:      lg.TxHash,
	}, nil
}

func toInt64(v any) (int64, error) {
	switch tv := v.(type) {
	case uint64:
		if tv > 1<<62 {
			return 0, fmt.Errorf("value out of range: %d", tv)
		}
		return int64(tv), nil
	case *big.Int:
		if tv.Sign() < 0 || !tv.IsInt64() {
			return 0, fmt.Errorf("value out of range: %s", tv.String())
		}
		return tv.Int64(), nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

var _ ledger.Ledger = (*Ledger)(nil)
