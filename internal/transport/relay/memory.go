package relay

import (
	"context"
	"sync"

	"github.com/roach88/modeltable/internal/ir"
)

// Memory is an in-process Relay. Every consumer reads the whole log from
// the start, in order.
type Memory struct {
	mu     sync.Mutex
	events []ir.RelayEvent
	notify chan struct{}
	closed bool
}

var _ Relay = (*Memory)(nil)

// NewMemory creates an empty in-process relay.
func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{})}
}

// PublishRelay appends ev and wakes consumers.
func (m *Memory) PublishRelay(ctx context.Context, ev ir.RelayEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return context.Canceled
	}
	v, err := ir.Normalize(ev.Payload)
	if err != nil {
		return err
	}
	ev.Payload = v
	m.events = append(m.events, ev)
	close(m.notify)
	m.notify = make(chan struct{})
	return nil
}

// Consume delivers every event, past and future, until ctx is done or the
// relay is closed.
func (m *Memory) Consume(ctx context.Context, h Handler) error {
	next := 0
	for {
		m.mu.Lock()
		pending := append([]ir.RelayEvent(nil), m.events[next:]...)
		wake := m.notify
		closed := m.closed
		m.mu.Unlock()

		for _, ev := range pending {
			h(ev)
		}
		next += len(pending)
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Events returns a copy of the log.
func (m *Memory) Events() []ir.RelayEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ir.RelayEvent(nil), m.events...)
}

// Close wakes consumers and stops accepting events.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notify)
	}
	return nil
}
