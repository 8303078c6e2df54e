// Package bridge connects the ordered relay and the pub/sub bus.
//
// Both directions go through the table. A received message is appended to
// an inbox label on the system model's bridge cell and a run_ trigger is
// armed; the matching native function takes the whole inbox, translates
// every entry and clears inbox and trigger, whether or not anything was
// published.
//
//	relay_inbox + run_relay_to_bus   relay event  -> patch on <model>/patch_in
//	bus_inbox   + run_bus_to_relay   bus patch    -> snapshot_delta on the relay
//
// The relay may redeliver. Every op id is marked with a seen_<op_id> label
// before it is published, and a marked op id is dropped.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/modeltable/internal/engine"
	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/schema"
	"github.com/roach88/modeltable/internal/table"
)

// Function names registered on the engine.
const (
	FuncRelayToBus = "relay_to_bus"
	FuncBusToRelay = "bus_to_relay"
)

// Bridge translates between the relay and the bus for one engine.
type Bridge struct {
	engine        *engine.Engine
	workerModel   int
	inboundTopics []string
	logger        *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithWorkerModel sets the model whose patch_in receives relay traffic that
// names no model. Default 1.
func WithWorkerModel(id int) Option {
	return func(b *Bridge) { b.workerModel = id }
}

// WithInboundTopics sets the bus topics forwarded to the relay. Default:
// the worker model's patch_out topic.
func WithInboundTopics(topics ...string) Option {
	return func(b *Bridge) { b.inboundTopics = topics }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New creates a bridge on e. Call Install to activate it.
func New(e *engine.Engine, opts ...Option) *Bridge {
	b := &Bridge{
		engine:      e,
		workerModel: 1,
		logger:      e.Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Install registers the bridge functions and subscribes the inbound topics.
func (b *Bridge) Install(ctx context.Context) error {
	b.engine.RegisterFunc(ir.SystemModelID, FuncRelayToBus, b.relayToBus)
	b.engine.RegisterFunc(ir.SystemModelID, FuncBusToRelay, b.busToRelay)

	topics := b.inboundTopics
	if len(topics) == 0 {
		topics = []string{b.engine.PinTopic(b.workerModel, ir.PinPatchOut)}
	}
	for _, topic := range topics {
		if err := b.engine.SubscribeTopic(ctx, topic, b.onBusMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	b.logger.Info("bridge installed", "worker_model", b.workerModel, "inbound_topics", topics)
	return nil
}

// HandleRelay queues a relay event for translation to the bus.
func (b *Bridge) HandleRelay(ev ir.RelayEvent) *engine.Drain {
	v, err := ir.Normalize(ev)
	if err != nil {
		b.logger.Warn("relay event not serialisable", "error", err)
		return b.engine.Tick()
	}
	return b.engine.Mutate(func(t *table.Table) {
		enqueue(t, ir.KeyRelayInbox, FuncRelayToBus, v)
	})
}

// onBusMessage runs under the engine lock when a subscribed topic delivers.
func (b *Bridge) onBusMessage(t *table.Table, topic string, payload []byte) {
	v, err := ir.DecodeJSON(payload)
	if err != nil {
		b.logger.Debug("bus message dropped", "topic", topic, "error", err)
		return
	}
	enqueue(t, ir.KeyBusInbox, FuncBusToRelay, map[string]any{"topic": topic, "message": v})
}

// enqueue appends entry to an inbox list and arms its trigger.
func enqueue(t *table.Table, key, fn string, entry any) {
	var items []any
	if l, ok := t.Label(ir.Ref(ir.SystemModelID, ir.BridgeCell, key)); ok {
		items, _ = l.V.([]any)
	}
	items = append(items, entry)
	t.AddLabel(ir.SystemModelID, ir.BridgeCell, ir.Label{K: key, T: ir.TagJSON, V: items})
	t.AddLabel(ir.SystemModelID, ir.BridgeCell, ir.Label{K: ir.TriggerKey(fn), T: ir.TagJSON, V: true})
}

// take removes and returns an inbox together with its trigger.
func (b *Bridge) take(key, fn string) []any {
	var items []any
	b.engine.Update(func(t *table.Table) {
		if l, ok := t.Label(ir.Ref(ir.SystemModelID, ir.BridgeCell, key)); ok {
			items, _ = l.V.([]any)
		}
		t.RmLabel(ir.SystemModelID, ir.BridgeCell, key)
		t.RmLabel(ir.SystemModelID, ir.BridgeCell, ir.TriggerKey(fn))
	})
	return items
}

// markSeen sets the seen marker for opID at cell and reports whether it
// was new.
func (b *Bridge) markSeen(at ir.Coord, opID string) bool {
	fresh := false
	b.engine.Update(func(t *table.Table) {
		ref := ir.Ref(ir.SystemModelID, at, ir.SeenKey(opID))
		if _, ok := t.Label(ref); ok {
			return
		}
		fresh = t.AddLabel(ir.SystemModelID, at, ir.Label{K: ref.K, T: ir.TagBool, V: true})
	})
	return fresh
}

func (b *Bridge) unmarkSeen(at ir.Coord, opID string) {
	b.engine.Update(func(t *table.Table) {
		t.RmLabel(ir.SystemModelID, at, ir.SeenKey(opID))
	})
}

func (b *Bridge) relayToBus(ctx context.Context, env *engine.Env) error {
	for _, item := range b.take(ir.KeyRelayInbox, FuncRelayToBus) {
		if err := b.forwardToBus(ctx, item); err != nil {
			env.Logger().Warn("relay event not forwarded", "error", err)
		}
	}
	return nil
}

func (b *Bridge) forwardToBus(ctx context.Context, item any) error {
	ev, ok := ir.Object(item)
	if !ok {
		return fmt.Errorf("relay event is not an object")
	}
	if version, _ := ir.String(ev["version"]); version != ir.RelayVersion {
		return fmt.Errorf("unsupported relay version %q", version)
	}
	payload := ev["payload"]

	opID, _ := ir.String(ev["op_id"])
	if opID == "" {
		var err error
		if opID, err = ir.ContentOpID(payload); err != nil {
			return fmt.Errorf("derive op id: %w", err)
		}
	}

	if !b.markSeen(ir.SeenCell, opID) {
		b.logger.Debug("duplicate relay event dropped", "op_id", opID)
		return nil
	}

	topic, body, err := b.translateOutbound(opID, payload)
	if err != nil {
		return fmt.Errorf("op %s: %w", opID, err)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode op %s: %w", opID, err)
	}
	if err := b.engine.PublishBus(ctx, topic, data); err != nil {
		b.unmarkSeen(ir.SeenCell, opID)
		return fmt.Errorf("publish op %s: %w", opID, err)
	}
	b.logger.Debug("relay event forwarded", "op_id", opID, "topic", topic)
	return nil
}

// translateOutbound normalises a relay payload into a patch addressed to a
// model's patch_in pin. Payloads that are not commands or patches but name
// a model go verbatim to its event_in pin.
func (b *Bridge) translateOutbound(opID string, payload any) (string, any, error) {
	obj, ok := ir.Object(payload)
	if !ok {
		return "", nil, fmt.Errorf("payload is not an object")
	}

	if _, ok := obj["records"]; ok {
		p, err := ir.PatchFromValue(obj)
		if err != nil {
			return "", nil, err
		}
		if p.OpID == "" {
			p.OpID = opID
		}
		if p.Version == "" {
			p.Version = ir.PatchVersion
		}
		if !schema.IsPatch(p) {
			return "", nil, fmt.Errorf("payload is not a valid patch")
		}
		return b.engine.PinTopic(b.targetModel(p.Records), ir.PinPatchIn), p, nil
	}

	cmd := obj
	if inner, ok := ir.Object(obj["payload"]); ok {
		cmd = inner
	}
	if _, ok := cmd["action"]; ok {
		a, err := ir.ActionFromPayload(cmd)
		if err != nil {
			return "", nil, err
		}
		p := ir.NewPatch(opID, a.Records()...)
		return b.engine.PinTopic(b.targetModel(p.Records), ir.PinPatchIn), p, nil
	}

	if id, ok := ir.Int(obj["model_id"]); ok {
		return b.engine.PinTopic(id, ir.PinEventIn), obj, nil
	}
	return "", nil, fmt.Errorf("payload is neither a patch nor a command")
}

func (b *Bridge) targetModel(records []ir.Record) int {
	for _, r := range records {
		if r.ModelID != nil {
			return *r.ModelID
		}
	}
	return b.workerModel
}

func (b *Bridge) busToRelay(ctx context.Context, env *engine.Env) error {
	for _, item := range b.take(ir.KeyBusInbox, FuncBusToRelay) {
		if err := b.forwardToRelay(ctx, item); err != nil {
			env.Logger().Warn("bus message not forwarded", "error", err)
		}
	}
	return nil
}

func (b *Bridge) forwardToRelay(ctx context.Context, item any) error {
	entry, _ := ir.Object(item)
	msg, ok := ir.Object(entry["message"])
	if !ok {
		return fmt.Errorf("bus message is not an object")
	}
	// Legacy pin envelopes wrap the patch.
	if t, _ := ir.String(msg["t"]); t == ir.TagOut {
		if inner, ok := ir.Object(msg["value"]); ok {
			msg = inner
		}
	}
	if version, _ := ir.String(msg["version"]); version != ir.PatchVersion {
		return fmt.Errorf("unsupported patch version %q", version)
	}
	opID, _ := ir.String(msg["op_id"])
	if opID == "" {
		return fmt.Errorf("patch has no op id")
	}

	if !b.markSeen(ir.SeenInboundCell, opID) {
		b.logger.Debug("duplicate bus patch dropped", "op_id", opID)
		return nil
	}
	ev := ir.RelayEvent{
		Version: ir.RelayVersion,
		Type:    ir.RelayTypeSnapshotDelta,
		OpID:    opID,
		Payload: msg,
	}
	if err := b.engine.PublishRelay(ctx, ev); err != nil {
		b.unmarkSeen(ir.SeenInboundCell, opID)
		return fmt.Errorf("publish op %s: %w", opID, err)
	}
	b.logger.Debug("bus patch forwarded", "op_id", opID)
	return nil
}
