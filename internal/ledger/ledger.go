package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput      = errors.New("ledger: invalid input")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
)

// PaymentKind distinguishes how value moved from a requestor deposit.
type PaymentKind uint8

const (
	PaymentUnknown PaymentKind = iota
	// PaymentBatch is a regular payment made by the requestor.
	PaymentBatch
	// PaymentForced is made on the provider's behalf after a ForcePayment.
	PaymentForced
	// PaymentSettlement closes a disputed subtask in the provider's favor.
	PaymentSettlement
)

func (k PaymentKind) String() string {
	switch k {
	case PaymentBatch:
		return "batch"
	case PaymentForced:
		return "forced"
	case PaymentSettlement:
		return "settlement"
	default:
		return "unknown"
	}
}

type Payment struct {
	Kind        PaymentKind
	From        common.Address
	To          common.Address
	Amount      *big.Int
	ClosureTime time.Time
	TxHash      common.Hash
}

type Transfer struct {
	Kind        PaymentKind
	From        common.Address
	To          common.Address
	Amount      *big.Int
	ClosureTime time.Time
}

func (t Transfer) Validate() error {
	if t.Kind != PaymentForced && t.Kind != PaymentSettlement {
		return fmt.Errorf("%w: transfer kind %s", ErrInvalidInput, t.Kind)
	}
	if t.From == (common.Address{}) || t.To == (common.Address{}) {
		return fmt.Errorf("%w: transfer addresses required", ErrInvalidInput)
	}
	if t.From == t.To {
		return fmt.Errorf("%w: transfer to self", ErrInvalidInput)
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: transfer amount must be > 0", ErrInvalidInput)
	}
	if t.ClosureTime.IsZero() {
		return fmt.Errorf("%w: closure time required", ErrInvalidInput)
	}
	return nil
}

// Query selects payments from one requestor to one provider whose closure
// time lies in [Since, Until].
type Query struct {
	Kind  PaymentKind
	From  common.Address
	To    common.Address
	Since time.Time
	Until time.Time
}

func (q Query) Validate() error {
	if q.Kind == PaymentUnknown || q.Kind > PaymentSettlement {
		return fmt.Errorf("%w: query kind %d", ErrInvalidInput, q.Kind)
	}
	if q.From == (common.Address{}) || q.To == (common.Address{}) {
		return fmt.Errorf("%w: query addresses required", ErrInvalidInput)
	}
	if !q.Until.IsZero() && q.Until.Before(q.Since) {
		return fmt.Errorf("%w: until before since", ErrInvalidInput)
	}
	return nil
}

// Ledger is the deposit contract as seen by the broker.
type Ledger interface {
	// Balance returns the deposit currently available to pay from addr.
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	Transfer(ctx context.Context, t Transfer) (common.Hash, error)
	ListPayments(ctx context.Context, q Query) ([]Payment, error)
}

// IsBalanceSufficient reports whether addr holds at least amount.
func IsBalanceSufficient(ctx context.Context, l Ledger, addr common.Address, amount *big.Int) (bool, error) {
	if amount == nil || amount.Sign() < 0 {
		return false, fmt.Errorf("%w: amount must be >= 0", ErrInvalidInput)
	}
	balance, err := l.Balance(ctx, addr)
	if err != nil {
		return false, err
	}
	return balance.Cmp(amount) >= 0, nil
}

// Sum adds up payment amounts.
func Sum(payments []Payment) *big.Int {
	out := new(big.Int)
	for _, p := range payments {
		if p.Amount != nil {
			out.Add(out, p.Amount)
		}
	}
	return out
}

func (q Query) matches(p Payment) bool {
	if p.Kind != q.Kind || p.From != q.From || p.To != q.To {
		return false
	}
	if p.ClosureTime.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && p.ClosureTime.After(q.Until) {
		return false
	}
	return true
}
