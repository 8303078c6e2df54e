// Package membus is an in-process bus. Publish delivers synchronously to
// every connected client subscribed to a matching filter, including the
// publisher itself.
package membus

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/modeltable/internal/transport"
)

// Message is a published message recorded by the hub.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Hub connects clients.
//
// Thread-safety: safe for concurrent use. Handlers are called without hub
// locks held.
type Hub struct {
	mu         sync.Mutex
	clients    map[*Client]bool
	published  []Message
	connectErr error
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]bool)}
}

// FailConnect makes subsequent Connect calls return err (nil restores).
func (h *Hub) FailConnect(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectErr = err
}

// Published returns a copy of every message published on the hub.
func (h *Hub) Published() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.published))
	copy(out, h.published)
	return out
}

// PublishedOn returns the payloads published on topic, in order.
func (h *Hub) PublishedOn(topic string) [][]byte {
	var out [][]byte
	for _, m := range h.Published() {
		if m.Topic == topic {
			out = append(out, m.Payload)
		}
	}
	return out
}

// Inject delivers a message to subscribers without recording it, as if it
// came from outside the process.
func (h *Hub) Inject(topic string, payload []byte) {
	h.deliver(topic, payload)
}

func (h *Hub) deliver(topic string, payload []byte) {
	h.mu.Lock()
	var targets []transport.Handler
	for c := range h.clients {
		if handler := c.handlerFor(topic); handler != nil {
			targets = append(targets, handler)
		}
	}
	h.mu.Unlock()

	for _, handler := range targets {
		handler(topic, payload)
	}
}

// Client is one connection to a hub. It implements transport.Transport.
type Client struct {
	hub *Hub
	id  string

	mu        sync.Mutex
	connected bool
	filters   map[string]bool
	handler   transport.Handler
}

var _ transport.Transport = (*Client)(nil)

// NewClient creates a client on hub.
func NewClient(hub *Hub, id string) *Client {
	return &Client{hub: hub, id: id, filters: make(map[string]bool)}
}

// Connect attaches the client to the hub.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.hub.connectErr != nil {
		return fmt.Errorf("membus connect %s: %w", c.id, c.hub.connectErr)
	}
	c.hub.clients[c] = true
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Subscribe adds a topic filter.
func (c *Client) Subscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return transport.ErrNotConnected
	}
	c.filters[topic] = true
	return nil
}

// Unsubscribe removes a topic filter.
func (c *Client) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return transport.ErrNotConnected
	}
	delete(c.filters, topic)
	return nil
}

// Publish records and delivers a message.
func (c *Client) Publish(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.hub.mu.Lock()
	c.hub.published = append(c.hub.published, Message{ClientID: c.id, Topic: topic, Payload: buf})
	c.hub.mu.Unlock()

	c.hub.deliver(topic, buf)
	return nil
}

// OnMessage sets the inbound handler.
func (c *Client) OnMessage(h transport.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Subscriptions returns the number of active filters.
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.filters)
}

// Subscribed reports whether the client holds filter.
func (c *Client) Subscribed(filter string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters[filter]
}

// Close detaches the client.
func (c *Client) Close() error {
	c.hub.mu.Lock()
	delete(c.hub.clients, c)
	c.hub.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.filters = make(map[string]bool)
	return nil
}

func (c *Client) handlerFor(topic string) transport.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		return nil
	}
	for f := range c.filters {
		if transport.Match(f, topic) {
			return c.handler
		}
	}
	return nil
}
