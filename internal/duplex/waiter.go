package duplex

import (
	"sync"

	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// Subscriber receives every message the read loop decodes, in
// registration order, before waiter dispatch. Handlers block the read
// loop; they must not perform slow or blocking work (spec §4.4).
type Subscriber func(msg protocol.Message)

// waiter is a one-shot predicate match registered by DuplexAndSync. The
// read loop completes the first waiter in FIFO order whose Predicate
// matches the current message.
type waiter struct {
	predicate func(protocol.Message) bool
	result    chan waiterResult
}

type waiterResult struct {
	msg protocol.Message
	err error
}

// waiterQueue is the read loop's FIFO of pending one-shot waiters,
// plus the static subscriber list, both mutex-guarded since
// registration happens from arbitrary caller goroutines while the read
// loop drains concurrently.
type subEntry struct {
	id int
	fn Subscriber
}

type waiterQueue struct {
	mu          sync.Mutex
	waiters     []*waiter
	subscribers []subEntry
	nextSubID   int
}

func newWaiterQueue() *waiterQueue {
	return &waiterQueue{}
}

// register adds w to the tail of the FIFO.
func (q *waiterQueue) register(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiters = append(q.waiters, w)
}

// subscribe adds a subscriber, invoked in registration order on every
// future dispatch call until the returned id is passed to unsubscribe
// — used for the Query Engine's per-request Data collector (spec §4.6
// step 5: "subscribe a temporary handler") as well as permanent
// subscribers that never unsubscribe.
func (q *waiterQueue) subscribe(s Subscriber) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextSubID
	q.nextSubID++
	q.subscribers = append(q.subscribers, subEntry{id: id, fn: s})
	return id
}

// unsubscribe removes a subscriber registered by subscribe.
func (q *waiterQueue) unsubscribe(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.subscribers {
		if e.id == id {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// dispatch is called once per decoded message by the read loop. It
// first publishes msg to every subscriber, then completes the first
// FIFO waiter whose predicate matches, removing it from the queue.
func (q *waiterQueue) dispatch(msg protocol.Message) {
	q.mu.Lock()
	subs := make([]Subscriber, len(q.subscribers))
	for i, e := range q.subscribers {
		subs[i] = e.fn
	}
	q.mu.Unlock()

	for _, s := range subs {
		s(msg)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w.predicate(msg) {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			w.result <- waiterResult{msg: msg}
			close(w.result)
			return
		}
	}
}

// dispatchError is called when the message is an ErrorResponse. It
// completes the oldest pending waiter with err rather than requiring
// every predicate to special-case errors itself (spec §4.4: "an
// ErrorResponse... completes the waiter with the error").
func (q *waiterQueue) dispatchError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) == 0 {
		return
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	w.result <- waiterResult{err: err}
	close(w.result)
}

// abortAll completes every pending waiter with err (a read failure or
// Close), per spec §4.4's "all pending waiters are completed with
// ConnectionLost."
func (q *waiterQueue) abortAll(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.waiters {
		w.result <- waiterResult{err: err}
		close(w.result)
	}
	q.waiters = nil
}
