package middleman

import (
	"sync"
	"time"

	"github.com/concent-network/concent/internal/frame"
)

// TrackedRequest remembers where a forwarded request came from.
type TrackedRequest struct {
	ConnID           uint64
	ConcentRequestID uint32
	Kind             string
	ForwardedAt      time.Time
}

// Tracker holds forwarded requests in the order they were sent to the
// signing service.
type Tracker struct {
	mu    sync.Mutex
	order []uint32
	items map[uint32]TrackedRequest
}

func NewTracker() *Tracker {
	return &Tracker{items: make(map[uint32]TrackedRequest)}
}

func (t *Tracker) Add(id uint32, r TrackedRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = append(t.order, id)
	t.items[id] = r
	trackedRequests.Set(float64(len(t.items)))
}

// Resolve removes and returns the request tracked under id. The signing
// service answers in order, so every request forwarded before it is removed
// too and returned as lost. Nothing changes when id is unknown.
func (t *Tracker) Resolve(id uint32) (req TrackedRequest, lost []TrackedRequest, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok = t.items[id]
	if !ok {
		return TrackedRequest{}, nil, false
	}
	i := 0
	for ; t.order[i] != id; i++ {
		lost = append(lost, t.items[t.order[i]])
		delete(t.items, t.order[i])
	}
	delete(t.items, id)
	t.order = t.order[i+1:]
	trackedRequests.Set(float64(len(t.items)))
	return req, lost, true
}

// Drain empties the tracker, returning what it held in forwarding order.
func (t *Tracker) Drain() []TrackedRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrackedRequest, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.items[id])
	}
	t.order = nil
	t.items = make(map[uint32]TrackedRequest)
	trackedRequests.Set(0)
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// idGenerator hands out relay-local request ids starting at 1. The heartbeat
// and invalid-frame ids are never issued.
type idGenerator struct {
	mu   sync.Mutex
	next uint32
}

func (g *idGenerator) Next() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.next == frame.HeartbeatRequestID || g.next == frame.InvalidFrameRequestID {
		g.next = 1
	}
	id := g.next
	g.next++
	return id
}
