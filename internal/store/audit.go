package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/modeltable/internal/ir"
)

// EventSource exposes an in-memory event log by position.
type EventSource interface {
	EventsFrom(from int) []ir.Event
}

// AuditSink copies an event log into the events table. It owns its cursor:
// a position in the source log, independent of any other consumer.
//
// Thread-safety: Flush calls are serialized.
type AuditSink struct {
	store  *Store
	source EventSource
	logger *slog.Logger

	mu     sync.Mutex
	cursor int
}

// NewAuditSink creates a sink that starts at position 0 of source.
func NewAuditSink(s *Store, source EventSource) *AuditSink {
	return &AuditSink{store: s, source: source, logger: s.logger}
}

// Cursor returns the number of source entries persisted so far.
func (a *AuditSink) Cursor() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// Flush persists the entries past the cursor and advances it. On error the
// cursor stays put and the next Flush retries the same entries.
func (a *AuditSink) Flush(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	events := a.source.EventsFrom(a.cursor)
	if len(events) == 0 {
		return 0, nil
	}
	if err := a.store.WriteEvents(ctx, events); err != nil {
		return 0, err
	}
	a.cursor += len(events)
	a.logger.Debug("audit flushed",
		"count", len(events),
		"last_event_id", events[len(events)-1].ID,
	)
	return len(events), nil
}

// Run flushes every interval until ctx is cancelled, then flushes once
// more. Flush failures are logged and retried on the next tick.
func (a *AuditSink) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), a.store.writeTimeout)
			if _, err := a.Flush(final); err != nil {
				a.logger.Warn("final audit flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := a.Flush(ctx); err != nil {
				a.logger.Warn("audit flush failed", "error", err)
			}
		}
	}
}
