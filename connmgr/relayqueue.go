// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"sync"
)

// DefaultRelayQueueSize is the default maximum number of messages a relay
// queue holds.
const DefaultRelayQueueSize = 1000

// QueuePolicy defines what a relay queue does with a message pushed while it is
// full.
type QueuePolicy uint8

const (
	// DropOldest discards the oldest queued message to make room for the
	// new one.
	DropOldest QueuePolicy = iota

	// RejectNew refuses the new message with ErrQueueFull.
	RejectNew
)

// Map of queue policies back to their constant names for pretty printing.
var queuePolicyStrings = map[QueuePolicy]string{
	DropOldest: "dropoldest",
	RejectNew:  "rejectnew",
}

// String returns the QueuePolicy in human-readable form.
func (p QueuePolicy) String() string {
	if s, ok := queuePolicyStrings[p]; ok {
		return s
	}
	return "unknown"
}

// ParseQueuePolicy returns the queue policy with the provided name.
func ParseQueuePolicy(s string) (QueuePolicy, bool) {
	for policy, name := range queuePolicyStrings {
		if name == s {
			return policy, true
		}
	}
	return 0, false
}

// RelayQueue is a bounded FIFO of outgoing messages for a single peer.  Pushing
// never blocks while popping blocks until a message is available.
type RelayQueue struct {
	policy QueuePolicy

	mtx     sync.Mutex
	buf     [][]byte
	head    int
	n       int
	dropped uint64
	closed  bool

	// signal has a buffer of one.  It is sent to whenever a message is
	// pushed and closed along with the queue, always with mtx held.
	signal chan struct{}
}

// NewRelayQueue returns an empty relay queue that holds up to size messages.
func NewRelayQueue(size int, policy QueuePolicy) *RelayQueue {
	if size <= 0 {
		size = DefaultRelayQueueSize
	}
	return &RelayQueue{
		policy: policy,
		buf:    make([][]byte, size),
		signal: make(chan struct{}, 1),
	}
}

// notify wakes a goroutine blocked in Pop, if any.
//
// This function MUST be called with the queue mutex held.
func (q *RelayQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Push adds the message to the back of the queue.  When the queue is full the
// oldest message is dropped or the new message is rejected with ErrQueueFull
// depending on the queue policy.
func (q *RelayQueue) Push(msg []byte) error {
	q.mtx.Lock()
	if q.closed {
		q.mtx.Unlock()
		return makeError(ErrQueueClosed, "relay queue is closed")
	}
	if q.n == len(q.buf) {
		if q.policy == RejectNew {
			q.dropped++
			q.mtx.Unlock()
			return makeError(ErrQueueFull, "relay queue is full")
		}
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		q.dropped++
	}
	q.buf[(q.head+q.n)%len(q.buf)] = msg
	q.n++
	q.notify()
	q.mtx.Unlock()
	return nil
}

// tryPop removes and returns the front message.  The boolean is false when the
// queue is empty.
func (q *RelayQueue) tryPop() ([]byte, bool, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.closed {
		return nil, false, makeError(ErrQueueClosed, "relay queue is closed")
	}
	if q.n == 0 {
		return nil, false, nil
	}
	msg := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return msg, true, nil
}

// Pop removes and returns the front message, blocking until one is available,
// the context is done, or the queue is closed.
func (q *RelayQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		msg, ok, err := q.tryPop()
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close closes the queue.  Queued messages are discarded and blocked calls to
// Pop return ErrQueueClosed.
func (q *RelayQueue) Close() {
	q.mtx.Lock()
	if q.closed {
		q.mtx.Unlock()
		return
	}
	q.closed = true
	clear(q.buf)
	q.n = 0
	close(q.signal)
	q.mtx.Unlock()
}

// Len returns the number of queued messages.
func (q *RelayQueue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.n
}

// Cap returns the maximum number of queued messages.
func (q *RelayQueue) Cap() int {
	return len(q.buf)
}

// Dropped returns the number of messages dropped or rejected because the queue
// was full.
func (q *RelayQueue) Dropped() uint64 {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.dropped
}
