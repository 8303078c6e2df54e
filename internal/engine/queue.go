package engine

import "sync"

// inboundMessage is a bus message waiting to be delivered into the table.
type inboundMessage struct {
	Topic   string
	Payload []byte
}

// inboundQueue is a thread-safe FIFO of bus messages.
//
// Transport callbacks and functions enqueue from any goroutine; the drain
// goroutine dequeues at the start of every round, so a message enqueued
// during a drain is delivered by a later round of the same drain.
//
// The signal channel lets Run wait for work without polling.
type inboundQueue struct {
	mu       sync.Mutex
	messages []inboundMessage
	closed   bool
	signal   chan struct{} // buffered, size 1
}

func newInboundQueue() *inboundQueue {
	return &inboundQueue{
		messages: make([]inboundMessage, 0, 16),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a message to the back of the queue.
// Returns false if the queue is closed.
func (q *inboundQueue) Enqueue(m inboundMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.messages = append(q.messages, m)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes and returns the front message without blocking.
func (q *inboundQueue) TryDequeue() (inboundMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return inboundMessage{}, false
	}
	m := q.messages[0]

	// Drop the payload reference so the backing array does not retain it.
	q.messages[0] = inboundMessage{}
	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}
	return m, true
}

// Wait returns a channel that signals when messages may be available.
func (q *inboundQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *inboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close stops accepting messages and wakes waiters.
func (q *inboundQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
