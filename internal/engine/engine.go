package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/patch"
	"github.com/roach88/modeltable/internal/router"
	"github.com/roach88/modeltable/internal/table"
	"github.com/roach88/modeltable/internal/transport"
)

// RelayPublisher publishes events on the ordered relay transport.
type RelayPublisher interface {
	PublishRelay(ctx context.Context, ev ir.RelayEvent) error
}

// InterceptHandler handles one intercept kind. Handlers run on the drain
// goroutine without the engine lock held.
type InterceptHandler func(ctx context.Context, e *Engine, in ir.Intercept)

// TopicHandler receives bus messages on a raw topic subscription. It runs
// under the engine lock and may mutate the table.
type TopicHandler func(t *table.Table, topic string, payload []byte)

// Engine owns one ModelTable instance.
//
// Thread-safety model:
//   - every table access holds mu; the table itself is unsynchronized
//   - functions run on the drain goroutine WITHOUT mu held and re-enter
//     through Env, so a function's own I/O never blocks other callers
//   - transport I/O queued by the router is flushed after mu is released
//   - at most one drain runs at a time (see scheduler.go)
type Engine struct {
	mu     sync.Mutex
	table  *table.Table
	router *router.Router

	funcMu   sync.RWMutex
	funcs    map[funcKey]Func
	executor Executor

	handlers  map[ir.InterceptKind]InterceptHandler
	topicSubs map[string]TopicHandler

	bus       transport.Transport
	relay     RelayPublisher
	inbound   *inboundQueue
	ioTimeout time.Duration

	// Drain state, guarded by schedMu.
	schedMu   sync.Mutex
	current   *Drain
	requested bool
	drains    int
	maxRounds int
	closed    bool

	// Cursors into the table's append-only queues, touched only by the
	// drain goroutine while holding mu.
	interceptCursor int
	eventCursor     int

	tableOpts []table.Option

	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxRounds sets the round ceiling per drain.
//
// Default: 100 rounds (DefaultMaxRounds).
func WithMaxRounds(n int) Option {
	return func(e *Engine) { e.maxRounds = n }
}

// WithBus sets the bus transport.
func WithBus(t transport.Transport) Option {
	return func(e *Engine) { e.bus = t }
}

// WithRelay sets the relay publisher.
func WithRelay(r RelayPublisher) Option {
	return func(e *Engine) { e.relay = r }
}

// WithExecutor sets the executor used for function labels whose body is a
// script. Default: a ScriptExecutor.
func WithExecutor(x Executor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithRouterSettings sets the default topic and payload modes.
func WithRouterSettings(s router.Settings) Option {
	return func(e *Engine) { e.router = router.New(s, router.WithLogger(e.logger)) }
}

// WithTableOptions passes options to the underlying table.
func WithTableOptions(opts ...table.Option) Option {
	return func(e *Engine) { e.tableOpts = append(e.tableOpts, opts...) }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIOTimeout bounds each flushed transport operation. Default 5s.
func WithIOTimeout(d time.Duration) Option {
	return func(e *Engine) { e.ioTimeout = d }
}

// New creates an engine with its table and the built-in models:
// root (0), mailbox (-1) and system (-10).
func New(opts ...Option) *Engine {
	e := &Engine{
		funcs:     make(map[funcKey]Func),
		handlers:  make(map[ir.InterceptKind]InterceptHandler),
		topicSubs: make(map[string]TopicHandler),
		inbound:   newInboundQueue(),
		ioTimeout: 5 * time.Second,
		maxRounds: DefaultMaxRounds,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.router == nil {
		e.router = router.New(router.Settings{}, router.WithLogger(e.logger))
	}
	if e.executor == nil {
		e.executor = NewScriptExecutor()
	}

	tableOpts := append([]table.Option{
		table.WithLogger(e.logger),
		table.WithHook(e.router),
		table.WithFunctionResolver(e),
	}, e.tableOpts...)
	e.table = table.New(tableOpts...)

	e.table.CreateModel(ir.RootModelID, "root", "root")
	e.table.CreateModel(ir.MailboxModelID, "ui", "ui")
	e.table.CreateModel(ir.SystemModelID, "system", "system")
	return e
}

// HasFunction implements table.FunctionResolver for native functions
// registered on modelID.
func (e *Engine) HasFunction(modelID int, name string) bool {
	_, ok := e.nativeFunc(modelID, name)
	return ok
}

// HandleIntercept registers the handler for an intercept kind.
func (e *Engine) HandleIntercept(kind ir.InterceptKind, h InterceptHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
}

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// View runs fn with the table under the engine lock. fn must not mutate.
func (e *Engine) View(fn func(t *table.Table)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.table)
}

// Update runs fn under the engine lock, then flushes queued transport
// operations. It does not tick; use it from code already running inside a
// drain.
func (e *Engine) Update(fn func(t *table.Table)) {
	e.mu.Lock()
	fn(e.table)
	ops := e.router.TakeOutbox()
	e.mu.Unlock()
	e.flush(ops)
}

// Mutate runs fn like Update and then ticks. The returned drain resolves
// after a round that observed fn's mutations.
func (e *Engine) Mutate(fn func(t *table.Table)) *Drain {
	e.Update(fn)
	return e.Tick()
}

// AddLabel writes a label and ticks. It reports whether the write applied.
func (e *Engine) AddLabel(modelID int, at ir.Coord, l ir.Label) bool {
	var ok bool
	e.Mutate(func(t *table.Table) { ok = t.AddLabel(modelID, at, l) })
	return ok
}

// RmLabel removes a label and ticks. It reports whether a label was removed.
func (e *Engine) RmLabel(modelID int, at ir.Coord, k string) bool {
	var ok bool
	e.Mutate(func(t *table.Table) { ok = t.RmLabel(modelID, at, k) })
	return ok
}

// CreateModel creates a model (idempotent).
func (e *Engine) CreateModel(id int, name, typ string) {
	e.Update(func(t *table.Table) { t.CreateModel(id, name, typ) })
}

// ReadLabel reads a label by reference.
func (e *Engine) ReadLabel(ref ir.LabelRef) (ir.Label, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.Label(ref)
}

// ApplyPatch applies a patch and ticks.
func (e *Engine) ApplyPatch(p ir.Patch, opts patch.Options) patch.Result {
	if opts.Logger == nil {
		opts.Logger = e.logger
	}
	var res patch.Result
	e.Mutate(func(t *table.Table) { res = patch.Apply(t, p, opts) })
	return res
}

// Events returns a copy of the event log.
func (e *Engine) Events() []ir.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.Events()
}

// EventsFrom returns a copy of the event log from position from. Audit
// sinks keep from as their own cursor.
func (e *Engine) EventsFrom(from int) []ir.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.EventsFrom(from)
}

// PinTopic derives the current bus topic of a pin.
func (e *Engine) PinTopic(modelID int, pin string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.router.Topic(e.table, modelID, pin)
}

// EnqueueInbound queues a bus message as if it had been received and ticks.
// Transport callbacks use it; so does Env.EnqueueInbound.
func (e *Engine) EnqueueInbound(topic string, payload []byte) {
	if !e.inbound.Enqueue(inboundMessage{Topic: topic, Payload: payload}) {
		e.logger.Debug("inbound message after close dropped", "topic", topic)
		return
	}
	e.Tick()
}

// Deliver routes one bus message into the table synchronously and ticks.
// Raw topic subscriptions win over pin routing.
func (e *Engine) Deliver(topic string, payload []byte) *Drain {
	e.deliver(inboundMessage{Topic: topic, Payload: payload})
	return e.Tick()
}

func (e *Engine) deliver(m inboundMessage) {
	e.Update(func(t *table.Table) {
		if h, ok := e.topicSubs[m.Topic]; ok {
			h(t, m.Topic, m.Payload)
			return
		}
		e.router.Deliver(t, m.Topic, m.Payload)
	})
}

// SubscribeTopic registers a raw topic subscription. When the bus is live
// the subscription is made immediately, otherwise on StartBus.
func (e *Engine) SubscribeTopic(ctx context.Context, topic string, h TopicHandler) error {
	e.mu.Lock()
	e.topicSubs[topic] = h
	live := e.bus != nil && e.router.Connected()
	e.mu.Unlock()

	if !live {
		return nil
	}
	return e.bus.Subscribe(ctx, topic)
}

// StartBus connects the bus transport, subscribes registered inbound pins
// and raw topics, and records bus_status on the system model. A failed
// connection is not fatal to the engine: the table keeps working without a
// live bus.
func (e *Engine) StartBus(ctx context.Context) error {
	if e.bus == nil {
		return ErrNoBus
	}
	e.bus.OnMessage(e.EnqueueInbound)
	if err := e.bus.Connect(ctx); err != nil {
		e.SetStatus(ir.KeyBusStatus, "error", err)
		e.logger.Warn("bus connect failed", "error", err)
		return fmt.Errorf("connect bus: %w", err)
	}

	var topics []string
	e.Update(func(t *table.Table) {
		e.router.SetConnected(t, true)
		for topic := range e.topicSubs {
			topics = append(topics, topic)
		}
	})
	sort.Strings(topics)
	for _, topic := range topics {
		if err := e.bus.Subscribe(ctx, topic); err != nil {
			e.logger.Warn("bus subscribe failed", "topic", topic, "error", err)
		}
	}
	e.SetStatus(ir.KeyBusStatus, "connected", nil)
	e.logger.Info("bus connected", "subscriptions", len(topics))
	return nil
}

// PublishBus publishes directly on the bus.
func (e *Engine) PublishBus(ctx context.Context, topic string, payload []byte) error {
	if e.bus == nil {
		return ErrNoBus
	}
	return e.bus.Publish(ctx, topic, payload)
}

// PublishRelay publishes an event on the relay.
func (e *Engine) PublishRelay(ctx context.Context, ev ir.RelayEvent) error {
	if e.relay == nil {
		return ErrNoRelay
	}
	return e.relay.PublishRelay(ctx, ev)
}

// SetStatus writes a transport status label on the system model.
func (e *Engine) SetStatus(key, state string, err error) {
	v := map[string]any{"state": state}
	if err != nil {
		v["error"] = err.Error()
	}
	e.Mutate(func(t *table.Table) {
		t.AddLabel(ir.SystemModelID, ir.OriginCell, ir.Label{K: key, T: ir.TagJSON, V: v})
	})
}

// flush performs transport operations queued by the router.
func (e *Engine) flush(ops []router.Op) {
	if len(ops) == 0 {
		return
	}
	if e.bus == nil {
		e.logger.Debug("no bus: dropping queued operations", "count", len(ops))
		return
	}
	for _, op := range ops {
		ctx, cancel := context.WithTimeout(context.Background(), e.ioTimeout)
		var err error
		switch op.Kind {
		case router.OpSubscribe:
			err = e.bus.Subscribe(ctx, op.Topic)
		case router.OpUnsubscribe:
			err = e.bus.Unsubscribe(ctx, op.Topic)
		case router.OpPublish:
			err = e.bus.Publish(ctx, op.Topic, op.Payload)
		}
		cancel()
		if err != nil {
			// Bus is best effort: log and continue.
			e.logger.Warn("bus operation failed",
				"op", op.Kind,
				"topic", op.Topic,
				"error", err,
			)
		}
	}
}

// Run blocks until ctx is cancelled, ticking whenever inbound messages are
// waiting. EnqueueInbound already ticks; Run covers messages that arrive
// while the previous drain is finishing.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.Close()
			return ctx.Err()
		case _, ok := <-e.inbound.Wait():
			if !ok {
				e.logger.Info("engine stopping: inbound queue closed")
				return nil
			}
			if e.inbound.Len() > 0 {
				e.Tick()
			}
		}
	}
}

// Close stops accepting inbound messages. Later ticks resolve immediately
// with ErrClosed; a drain in flight runs to completion.
func (e *Engine) Close() {
	e.schedMu.Lock()
	e.closed = true
	e.schedMu.Unlock()
	e.inbound.Close()
}
