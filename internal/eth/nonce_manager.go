package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out nonces for the broker's payment account. Transactions
// are signed remotely, so a nonce may be reserved and then never broadcast;
// Release returns such a nonce when nothing newer was handed out since.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu   sync.Mutex
	next uint64
	have bool
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{
		backend: backend,
		addr:    addr,
	}
}

func (m *NonceManager) Address() common.Address { return m.addr }

// Next reserves the next nonce.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.have = true
	}

	n := m.next
	m.next++
	return n, nil
}

// Release gives back n if it was the most recently reserved nonce. It
// reports whether the nonce will be handed out again.
func (m *NonceManager) Release(n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.have || m.next == 0 || m.next-1 != n {
		return false
	}
	m.next = n
	return true
}

// Sync refreshes from the node's pending nonce and never moves backwards.
func (m *NonceManager) Sync(ctx context.Context) (uint64, error) {
	n, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.have || n > m.next {
		m.next = n
		m.have = true
	}
	return n, nil
}
