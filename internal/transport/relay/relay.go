// Package relay is the reliable, ordered transport for relay events.
//
// Delivery is at least once: a consumer that restarts from an older cursor
// sees events again, so consumers deduplicate by op id. Two
// implementations exist: Stream (Redis Streams) and Memory (in-process).
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/modeltable/internal/ir"
)

// Handler receives relay events in stream order.
type Handler func(ev ir.RelayEvent)

// Relay publishes and consumes relay events.
type Relay interface {
	// PublishRelay appends an event.
	PublishRelay(ctx context.Context, ev ir.RelayEvent) error

	// Consume delivers events to h until ctx is done.
	Consume(ctx context.Context, h Handler) error

	// Close releases resources.
	Close() error
}

// DefaultStream is the Redis stream key used when none is configured.
const DefaultStream = "modeltable:relay"

// eventField is the stream entry field holding the JSON event.
const eventField = "event"

// Stream is a Relay backed by a Redis stream.
//
// Thread-safety: safe for concurrent use.
type Stream struct {
	rdb        *redis.Client
	stream     string
	block      time.Duration
	fromLatest bool
	logger     *slog.Logger
}

var _ Relay = (*Stream)(nil)

// Option configures a Stream.
type Option func(*Stream)

// WithStream sets the stream key.
func WithStream(name string) Option {
	return func(s *Stream) { s.stream = name }
}

// WithPollInterval sets how long one XREAD blocks. Default 200ms.
func WithPollInterval(d time.Duration) Option {
	return func(s *Stream) { s.block = d }
}

// WithFromLatest makes Consume skip events published before it started.
func WithFromLatest(v bool) Option {
	return func(s *Stream) { s.fromLatest = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// NewStream creates a Stream. Connect verifies the server.
func NewStream(opts *redis.Options, o ...Option) *Stream {
	s := &Stream{
		rdb:    redis.NewClient(opts),
		stream: DefaultStream,
		block:  200 * time.Millisecond,
		logger: slog.Default(),
	}
	for _, opt := range o {
		opt(s)
	}
	return s
}

// Connect pings the server. The context bounds the wait.
func (s *Stream) Connect(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("relay ping: %w", err)
	}
	return nil
}

// PublishRelay appends ev to the stream.
func (s *Stream) PublishRelay(ctx context.Context, ev ir.RelayEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode relay event: %w", err)
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{eventField: string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Consume reads the stream from the beginning (or from its current end
// with WithFromLatest) and calls h for each event until ctx is done.
// Entries that do not decode are logged and skipped.
func (s *Stream) Consume(ctx context.Context, h Handler) error {
	cursor := "0"
	if s.fromLatest {
		latest, err := s.latestID(ctx)
		if err != nil {
			return err
		}
		cursor = latest
	}

	backoff := s.block
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streams, err := s.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, cursor},
			Count:   100,
			Block:   s.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("relay read failed", "stream", s.stream, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}

		for _, st := range streams {
			for _, msg := range st.Messages {
				cursor = msg.ID
				ev, err := decodeEntry(msg.Values)
				if err != nil {
					s.logger.Warn("relay entry skipped", "id", msg.ID, "error", err)
					continue
				}
				h(ev)
			}
		}
	}
}

func (s *Stream) latestID(ctx context.Context) (string, error) {
	msgs, err := s.rdb.XRevRangeN(ctx, s.stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("relay latest id: %w", err)
	}
	if len(msgs) == 0 {
		return "0", nil
	}
	return msgs[0].ID, nil
}

func decodeEntry(values map[string]any) (ir.RelayEvent, error) {
	raw, ok := values[eventField].(string)
	if !ok {
		return ir.RelayEvent{}, fmt.Errorf("entry has no %q field", eventField)
	}
	v, err := ir.DecodeJSON([]byte(raw))
	if err != nil {
		return ir.RelayEvent{}, err
	}
	obj, ok := ir.Object(v)
	if !ok {
		return ir.RelayEvent{}, fmt.Errorf("event is not an object")
	}
	ev := ir.RelayEvent{Payload: obj["payload"]}
	ev.Version, _ = ir.String(obj["version"])
	ev.Type, _ = ir.String(obj["type"])
	ev.OpID, _ = ir.String(obj["op_id"])
	return ev, nil
}

// Len returns the number of entries in the stream.
func (s *Stream) Len(ctx context.Context) (int64, error) {
	return s.rdb.XLen(ctx, s.stream).Result()
}

// Close closes the Redis client.
func (s *Stream) Close() error {
	return s.rdb.Close()
}
