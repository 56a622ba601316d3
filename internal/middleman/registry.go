package middleman

import (
	"context"
	"sync"

	"github.com/concent-network/concent/internal/frame"
)

// client is one control-plane connection and its response queue.
type client struct {
	id   uint64
	conn *frame.Conn
	out  chan frame.Frame

	done chan struct{}
	once sync.Once
}

func newClient(id uint64, conn *frame.Conn, queueSize int) *client {
	return &client{id: id, conn: conn, out: make(chan frame.Frame, queueSize), done: make(chan struct{})}
}

// push queues f for writing. It reports false when the connection is gone.
func (c *client) push(ctx context.Context, f frame.Frame) bool {
	select {
	case c.out <- f:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// offer queues f without waiting. It reports false when the queue is full or
// the connection is gone, so one slow reader cannot stall the response router.
func (c *client) offer(f frame.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- f:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

type registry struct {
	mu      sync.RWMutex
	nextID  uint64
	clients map[uint64]*client
}

func newRegistry() *registry {
	return &registry{clients: make(map[uint64]*client)}
}

func (r *registry) add(conn *frame.Conn, queueSize int) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c := newClient(r.nextID, conn, queueSize)
	r.clients[c.id] = c
	connectedClients.Set(float64(len(r.clients)))
	return c
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	connectedClients.Set(float64(len(r.clients)))
}

func (r *registry) get(id uint64) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *registry) closeAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		c.close()
	}
}
