package pluginrpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// outboundResult is the single value ever delivered on an outboundRequest's
// done channel: either a terminal payload, or a fault/cancellation reason.
type outboundResult struct {
	raw json.RawMessage
	err error
}

// outboundRequest is the Request Table entry for one outstanding outgoing
// request. It is shared between the Connection, which inserts
// and removes it, and the waiter returned to the caller of SendRequest.
type outboundRequest struct {
	id uuid.UUID

	keepAlive bool
	timeout   time.Duration
	timer     *time.Timer

	onIntermediate func(json.RawMessage)

	cancel context.CancelFunc

	done chan outboundResult

	settleOnce     sync.Once
	cancelSendOnce sync.Once
}

func newOutboundRequest(id uuid.UUID, cancel context.CancelFunc) *outboundRequest {
	return &outboundRequest{
		id:     id,
		cancel: cancel,
		done:   make(chan outboundResult, 1),
	}
}

// settle resolves the waiter exactly once. Later callers observe the first
// resolution; this is what makes double-cancellation and the cancel/success
// race both no-ops beyond the first.
func (r *outboundRequest) settle(raw json.RawMessage, err error) {
	r.settleOnce.Do(func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.done <- outboundResult{raw: raw, err: err}
		close(r.done)
	})
}

// requestTable is the concurrent index from RequestId to outboundRequest.
// It also remembers recently-resolved ids so that a late frame arriving in
// a race with cancellation can be told apart from a genuine
// OrphanResponse.
type requestTable struct {
	mu       sync.Mutex
	entries  map[uuid.UUID]*outboundRequest
	resolved map[uuid.UUID]struct{}
}

func newRequestTable() *requestTable {
	return &requestTable{
		entries:  make(map[uuid.UUID]*outboundRequest),
		resolved: make(map[uuid.UUID]struct{}),
	}
}

// insert adds entry before its frame is enqueued to the Sender, so that a
// racing response can never find an empty table.
func (t *requestTable) insert(entry *outboundRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[entry.id] = entry
}

// remove detaches entry from the table (without settling it) and marks the
// id as resolved, so a later frame for it is dropped, not faulted.
func (t *requestTable) remove(id uuid.UUID) (*outboundRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		t.resolved[id] = struct{}{}
	}
	return entry, ok
}

// lookup returns entry without removing it, for non-terminal deliveries
// (IntermediateResultResponse, ProgressResponse).
func (t *requestTable) lookup(id uuid.UUID) (*outboundRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	return entry, ok
}

// wasResolved reports whether id previously belonged to this table and has
// already been removed — i.e. a late frame for it should be logged and
// dropped rather than treated as an OrphanResponse.
func (t *requestTable) wasResolved(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.resolved[id]
	return ok
}

// drainAll removes every outstanding entry and returns it, for connection
// close: each is settled as cancelled with ErrConnectionClosed by the
// caller.
func (t *requestTable) drainAll() []*outboundRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*outboundRequest, 0, len(t.entries))
	for id, entry := range t.entries {
		out = append(out, entry)
		delete(t.entries, id)
		t.resolved[id] = struct{}{}
	}
	return out
}
