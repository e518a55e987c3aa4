package exchange

import (
	"sync"

	"github.com/backkem/spcomms/pkg/message"
)

// pendingRequest is one request awaiting its reply. It exists from the first
// send until the request completes, fails or is cancelled; a reply arriving
// after that is stale.
type pendingRequest struct {
	id       uint32
	expected message.Kind

	// respCh holds at most one reply. Duplicates of an already delivered
	// reply are dropped by deliver.
	respCh chan *message.Message
}

// pendingTable tracks the outstanding requests of one target, keyed by
// message id.
//
// Thread-safe for concurrent access.
type pendingTable struct {
	entries map[uint32]*pendingRequest
	mu      sync.Mutex
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[uint32]*pendingRequest),
	}
}

// add registers a request. An id still in the table after a full wrap of
// the counter is replaced; the old request can no longer be correlated.
func (t *pendingTable) add(id uint32, expected message.Kind) *pendingRequest {
	p := &pendingRequest{
		id:       id,
		expected: expected,
		respCh:   make(chan *message.Message, 1),
	}

	t.mu.Lock()
	t.entries[id] = p
	t.mu.Unlock()

	return p
}

// remove drops the entry for id if it is still p.
func (t *pendingTable) remove(p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[p.id]; ok && cur == p {
		delete(t.entries, p.id)
	}
}

// deliver hands msg to the request with the same id. It returns false if no
// request is waiting for that id. A second reply for the same request is
// consumed and dropped, reported by duplicate.
func (t *pendingTable) deliver(msg *message.Message) (matched, duplicate bool) {
	t.mu.Lock()
	p, ok := t.entries[msg.ID]
	t.mu.Unlock()
	if !ok {
		return false, false
	}

	select {
	case p.respCh <- msg:
		return true, false
	default:
		return true, true
	}
}

// len returns the number of outstanding requests.
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
