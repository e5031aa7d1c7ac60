package leap

import (
	"context"
	"sync"
	"time"
)

// Pending is the caller's handle on an outstanding correlated request.
// It resolves when a message carrying the matching reqid arrives, when
// the caller cancels it, or when the runtime stops.
type Pending struct {
	id      int64
	created time.Time
	ch      chan pendingResult
	table   *correlationTable
}

type pendingResult struct {
	msg *Message
	err error
}

// ID returns the request identifier attached to the outgoing message.
func (p *Pending) ID() int64 { return p.id }

// Created returns the time the request was sent.
func (p *Pending) Created() time.Time { return p.created }

// Wait blocks until the response arrives or ctx is done. Cancelling the
// context cancels the pending entry itself, so the table never leaks a
// request whose caller has given up. There is no built-in timeout:
// bounded waits are the caller's policy, expressed through ctx.
func (p *Pending) Wait(ctx context.Context) (*Message, error) {
	select {
	case res := <-p.ch:
		return res.msg, res.err
	case <-ctx.Done():
		p.Cancel()
		// A real response may have raced the cancellation; only a
		// result carrying a message wins over ctx.Err here, since the
		// Cancel above fills the channel when it finds the entry.
		select {
		case res := <-p.ch:
			if res.err == nil {
				return res.msg, nil
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Cancel removes the pending entry. Waiters resolve with ErrCancelled.
// Cancelling an already resolved request is a no-op.
func (p *Pending) Cancel() {
	p.table.cancel(p.id, ErrCancelled)
}

// correlationTable tracks outstanding correlated requests. Requests may
// be issued from any goroutine, so the table is guarded by a mutex held
// only for map operations, never across a wire write or a callback.
type correlationTable struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*Pending
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{pending: make(map[int64]*Pending)}
}

// next allocates a request identifier. Identifiers start at 1 and grow
// monotonically for the process lifetime; they are never reused, even
// after resolution, so a stale in-flight response can never match a
// newer request.
func (t *correlationTable) next() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID
}

// track records a pending request under id.
func (t *correlationTable) track(id int64) *Pending {
	p := &Pending{
		id:      id,
		created: time.Now(),
		ch:      make(chan pendingResult, 1),
		table:   t,
	}
	t.mu.Lock()
	t.pending[id] = p
	t.mu.Unlock()
	return p
}

// resolve matches msg against the table by reqid lookup only; arrival
// order is irrelevant. It reports false for messages with no reqid or an
// unknown reqid, which are ordinary pump events, not errors.
func (t *correlationTable) resolve(msg *Message) bool {
	id, ok := msg.ReqID()
	if !ok {
		return false
	}
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- pendingResult{msg: msg}
	return true
}

// cancel resolves one pending entry with err.
func (t *correlationTable) cancel(id int64, err error) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok {
		p.ch <- pendingResult{err: err}
	}
}

// cancelAll resolves every outstanding request with err and returns how
// many there were. Called on the Stopping transition so no caller is
// left blocked forever.
func (t *correlationTable) cancelAll(err error) int {
	t.mu.Lock()
	cancelled := make([]*Pending, 0, len(t.pending))
	for id, p := range t.pending {
		delete(t.pending, id)
		cancelled = append(cancelled, p)
	}
	t.mu.Unlock()
	for _, p := range cancelled {
		p.ch <- pendingResult{err: err}
	}
	return len(cancelled)
}

// count returns the number of outstanding requests. An unresolved
// request is a leak; this makes it observable.
func (t *correlationTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
