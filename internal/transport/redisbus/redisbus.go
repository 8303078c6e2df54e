// Package redisbus is a best-effort bus over Redis pub/sub.
//
// Delivery is at most once: messages published while a subscriber is
// disconnected are lost. MQTT-style wildcard filters are mapped to Redis
// patterns and re-checked on delivery.
package redisbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/modeltable/internal/transport"
)

// Bus implements transport.Transport on Redis pub/sub.
//
// Thread-safety: safe for concurrent use. The handler is called from the
// receive goroutine.
type Bus struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu      sync.Mutex
	pubsub  *redis.PubSub
	handler transport.Handler
	filters map[string]bool
	done    chan struct{}
}

var _ transport.Transport = (*Bus)(nil)

// New creates a bus client. Nothing is dialled until Connect.
func New(opts *redis.Options, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		rdb:     redis.NewClient(opts),
		logger:  logger,
		filters: make(map[string]bool),
	}
}

// FromConfig creates a bus from shared transport settings.
func FromConfig(cfg transport.Config, logger *slog.Logger) *Bus {
	return New(&redis.Options{
		Addr:        cfg.Addr(),
		ClientName:  cfg.ClientID,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.Timeout(),
	}, logger)
}

// Connect pings the server and starts the receive loop.
func (b *Bus) Connect(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis bus ping: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}
	b.pubsub = b.rdb.Subscribe(ctx)
	b.done = make(chan struct{})
	go b.receive(b.pubsub, b.done)
	return nil
}

func (b *Bus) receive(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	for msg := range ps.Channel() {
		b.dispatch(msg.Channel, []byte(msg.Payload))
	}
}

func (b *Bus) dispatch(topic string, payload []byte) {
	b.mu.Lock()
	h := b.handler
	matched := false
	for f := range b.filters {
		if transport.Match(f, topic) {
			matched = true
			break
		}
	}
	b.mu.Unlock()

	if h == nil || !matched {
		return
	}
	h(topic, payload)
}

func isPattern(topic string) bool {
	return strings.ContainsAny(topic, "+#")
}

// pattern maps an MQTT filter to a Redis glob. The glob is looser than the
// filter; dispatch re-checks.
func pattern(filter string) string {
	return strings.NewReplacer("+", "*", "#", "*").Replace(filter)
}

// Subscribe adds a topic filter.
func (b *Bus) Subscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	ps := b.pubsub
	if ps != nil {
		b.filters[topic] = true
	}
	b.mu.Unlock()
	if ps == nil {
		return transport.ErrNotConnected
	}

	var err error
	if isPattern(topic) {
		err = ps.PSubscribe(ctx, pattern(topic))
	} else {
		err = ps.Subscribe(ctx, topic)
	}
	if err != nil {
		return fmt.Errorf("redis bus subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes a topic filter.
func (b *Bus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	ps := b.pubsub
	delete(b.filters, topic)
	b.mu.Unlock()
	if ps == nil {
		return transport.ErrNotConnected
	}

	var err error
	if isPattern(topic) {
		err = ps.PUnsubscribe(ctx, pattern(topic))
	} else {
		err = ps.Unsubscribe(ctx, topic)
	}
	if err != nil {
		return fmt.Errorf("redis bus unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload on topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis bus publish %s: %w", topic, err)
	}
	return nil
}

// OnMessage sets the inbound handler.
func (b *Bus) OnMessage(h transport.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Close stops the receive loop and closes the client.
func (b *Bus) Close() error {
	b.mu.Lock()
	ps, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if ps != nil {
		if err := ps.Close(); err != nil {
			b.logger.Debug("redis bus pubsub close", "error", err)
		}
		<-done
	}
	return b.rdb.Close()
}
