package duplexhttp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	// ErrReplyPending indicates the session already has a reply-expecting
	// request in flight. A second one is a client protocol violation and is
	// rejected on the new request, never by corrupting the first.
	ErrReplyPending = errors.New("session already has a pending request")
	// ErrNoPending indicates a reply was produced for a session with no
	// connection waiting on one: the collaborator replied to a notification
	// or replied twice.
	ErrNoPending = errors.New("no pending request for session")
	// ErrConnectionGone indicates the connection that was owed the reply
	// disconnected before the reply arrived. The entry is pruned.
	ErrConnectionGone = errors.New("pending connection gone before reply")
)

// pendingRequest is one connection owed exactly one reply. The reply channel
// is buffered so the dispatcher can hand off the payload without blocking;
// the enqueueing handler goroutine owns the response writer and performs the
// actual write.
type pendingRequest struct {
	session string
	ctx     context.Context
	reply   chan json.RawMessage
}

func newPendingRequest(ctx context.Context, session string) *pendingRequest {
	return &pendingRequest{session: session, ctx: ctx, reply: make(chan json.RawMessage, 1)}
}

// pendingQueue correlates outbound replies with the connection blocked
// waiting for them. One coarse mutex guards the queue; no network I/O ever
// happens while it is held.
type pendingQueue struct {
	mu      sync.Mutex
	entries map[string][]*pendingRequest
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{entries: make(map[string][]*pendingRequest)}
}

// enqueue appends pr unless the session already has a live entry.
func (q *pendingQueue) enqueue(pr *pendingRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries[pr.session] {
		if e.ctx.Err() == nil {
			return ErrReplyPending
		}
	}
	q.entries[pr.session] = append(q.entries[pr.session], pr)
	return nil
}

// dequeueFirst removes and returns the oldest live entry for the session.
// Dead entries found ahead of it are pruned. When only dead entries existed
// the result is ErrConnectionGone; when none existed at all, ErrNoPending.
func (q *pendingQueue) dequeueFirst(session string) (*pendingRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.entries[session]
	if len(queue) == 0 {
		return nil, ErrNoPending
	}

	pruned := false
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		if head.ctx.Err() != nil {
			pruned = true
			continue
		}
		q.setLocked(session, queue)
		return head, nil
	}
	q.setLocked(session, nil)
	if pruned {
		return nil, ErrConnectionGone
	}
	return nil, ErrNoPending
}

// remove deletes a specific entry, used when forwarding fails after enqueue.
func (q *pendingQueue) remove(pr *pendingRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.entries[pr.session]
	for i, e := range queue {
		if e == pr {
			q.setLocked(pr.session, append(queue[:i:i], queue[i+1:]...))
			return
		}
	}
}

// dropAll removes every entry for the session. Used on termination.
func (q *pendingQueue) dropAll(session string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, session)
}

// count returns the number of queued entries for the session.
func (q *pendingQueue) count(session string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries[session])
}

func (q *pendingQueue) setLocked(session string, queue []*pendingRequest) {
	if len(queue) == 0 {
		delete(q.entries, session)
		return
	}
	q.entries[session] = queue
}
