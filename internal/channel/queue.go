package channel

import "sync"

// deliveryQueue is a thread-safe FIFO of messages waiting for the
// Manager's delivery goroutine.
//
// The queue is unbounded so storage watchers and bus posts never block on
// a listener. They only enqueue, which keeps a store's dispatch lock in one
// tab from being held while another tab's store dispatches.
type deliveryQueue struct {
	mu     sync.Mutex
	msgs   []Message
	busy   bool // a dequeued message is being delivered
	closed bool
	signal chan struct{} // buffered, size 1
	idle   *sync.Cond
}

func newDeliveryQueue() *deliveryQueue {
	q := &deliveryQueue{
		msgs:   make([]Message, 0, 16),
		signal: make(chan struct{}, 1),
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds msg to the back of the queue. Returns false if the queue is
// closed.
func (q *deliveryQueue) Enqueue(msg Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.msgs = append(q.msgs, msg)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front message and marks the queue busy until Done.
// Returns false if the queue is empty.
func (q *deliveryQueue) TryDequeue() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return Message{}, false
	}
	msg := q.msgs[0]
	// Release the payload so the backing array does not retain it.
	q.msgs[0] = Message{}
	if len(q.msgs) == 1 {
		q.msgs = q.msgs[:0]
	} else {
		q.msgs = q.msgs[1:]
	}
	q.busy = true
	return msg, true
}

// Done marks the message returned by the last TryDequeue as delivered.
func (q *deliveryQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.busy = false
	if len(q.msgs) == 0 {
		q.idle.Broadcast()
	}
}

// Wait returns a channel that signals when messages may be available. It is
// closed by Close.
func (q *deliveryQueue) Wait() <-chan struct{} {
	return q.signal
}

// WaitIdle blocks until the queue is empty and nothing is being delivered.
func (q *deliveryQueue) WaitIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.msgs) > 0 || q.busy {
		q.idle.Wait()
	}
}

// Len returns the number of queued messages.
func (q *deliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Close stops accepting messages. Queued messages are still delivered.
func (q *deliveryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
