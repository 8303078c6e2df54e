// Package transport defines the pub/sub bus contract used by the engine and
// the bridge. Implementations live in subpackages:
//
//   - membus:   in-process hub, synchronous delivery (tests, single binary)
//   - redisbus: Redis pub/sub, best effort
//   - mqtt:     MQTT broker via paho
//   - relay:    Redis Streams, reliable and ordered, may redeliver
//
// The core never depends on a concrete transport. Connection failures are
// returned as errors and surfaced by the engine as status labels.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("transport not connected")

// Handler receives inbound messages. It may be called from a transport
// goroutine and must not block for long.
type Handler func(topic string, payload []byte)

// Transport is a topic-addressed pub/sub connection.
type Transport interface {
	// Connect establishes the connection. The context bounds the attempt.
	Connect(ctx context.Context) error

	// Subscribe starts delivering messages on topic to the handler.
	Subscribe(ctx context.Context, topic string) error

	// Unsubscribe stops delivering messages on topic.
	Unsubscribe(ctx context.Context, topic string) error

	// Publish sends payload on topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// OnMessage sets the inbound handler. Call before Connect.
	OnMessage(h Handler)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Config carries the connection settings shared by bus transports.
type Config struct {
	Host           string
	Port           int
	ClientID       string
	Username       string
	Password       string
	TLS            bool
	TopicPrefix    string
	TopicBase      string
	ConnectTimeout time.Duration
}

// Addr returns host:port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns ConnectTimeout or a 10 second default.
func (c Config) Timeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return c.ConnectTimeout
}

// Match reports whether topic matches an MQTT-style filter. "+" matches one
// level and a trailing "#" matches any remaining levels.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		switch {
		case f == "#":
			return i == len(fl)-1
		case i >= len(tl):
			return false
		case f == "+":
		case f != tl[i]:
			return false
		}
	}
	return len(fl) == len(tl)
}
