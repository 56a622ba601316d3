package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MemoryLedger is an in-process deposit ledger for tests and local runs.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	payments []Payment
	seq      uint64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[common.Address]*big.Int)}
}

// Deposit credits amount to addr.
func (l *MemoryLedger) Deposit(addr common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[addr]
	if !ok {
		b = new(big.Int)
		l.balances[addr] = b
	}
	b.Add(b, amount)
}

// RecordPayment adds an externally made payment, such as a requestor batch
// transfer, without touching balances.
func (l *MemoryLedger) RecordPayment(p Payment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p.Amount = new(big.Int).Set(p.Amount)
	if p.TxHash == (common.Hash{}) {
		p.TxHash = l.nextHashLocked()
	}
	l.payments = append(l.payments, p)
}

// Payments returns a copy of every recorded payment in insertion order.
func (l *MemoryLedger) Payments() []Payment {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Payment, 0, len(l.payments))
	for _, p := range l.payments {
		p.Amount = new(big.Int).Set(p.Amount)
		out = append(out, p)
	}
	return out
}

func (l *MemoryLedger) Balance(_ context.Context, addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (l *MemoryLedger) Transfer(_ context.Context, t Transfer) (common.Hash, error) {
	if err := t.Validate(); err != nil {
		return common.Hash{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from := l.balances[t.From]
	if from == nil || from.Cmp(t.Amount) < 0 {
		return common.Hash{}, fmt.Errorf("%w: %s has %v, needs %v", ErrInsufficientFunds, t.From.Hex(), from, t.Amount)
	}
	from.Sub(from, t.Amount)

	h := l.nextHashLocked()
	l.payments = append(l.payments, Payment{
		Kind:        t.Kind,
		From:        t.From,
		To:          t.To,
		Amount:      new(big.Int).Set(t.Amount),
		ClosureTime: t.ClosureTime.UTC(),
		TxHash:      h,
	})
	return h, nil
}

func (l *MemoryLedger) ListPayments(_ context.Context, q Query) ([]Payment, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Payment
	for _, p := range l.payments {
		if q.matches(p) {
			p.Amount = new(big.Int).Set(p.Amount)
			out = append(out, p)
		}
	}
	return out, nil
}

func (l *MemoryLedger) nextHashLocked() common.Hash {
	l.seq++
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], l.seq)
	return crypto.Keccak256Hash([]byte("ledger/memory"), b[:])
}

var _ Ledger = (*MemoryLedger)(nil)
