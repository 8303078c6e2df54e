package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/patch"
	"github.com/roach88/modeltable/internal/table"
)

// Env is the context a running function sees.
//
// Writes go through the engine lock but do not tick: the drain that is
// executing the function observes them in its next round.
type Env struct {
	engine  *Engine
	modelID int
	name    string
	at      ir.Coord
	trigger any
}

// ModelID returns the model the function runs on.
func (v *Env) ModelID() int { return v.modelID }

// Name returns the function name.
func (v *Env) Name() string { return v.name }

// At returns the cell of the trigger label.
func (v *Env) At() ir.Coord { return v.at }

// Trigger returns the trigger label value.
func (v *Env) Trigger() any { return v.trigger }

// Logger returns a logger tagged with the function.
func (v *Env) Logger() *slog.Logger {
	return v.engine.logger.With("model_id", v.modelID, "function", v.name)
}

// ReadLabel reads a label by full reference.
func (v *Env) ReadLabel(ref ir.LabelRef) (ir.Label, bool) {
	return v.engine.ReadLabel(ref)
}

// WriteLabel writes a label. It reports whether the table applied it.
func (v *Env) WriteLabel(ref ir.LabelRef, t string, val any) bool {
	var ok bool
	v.engine.Update(func(tb *table.Table) {
		ok = tb.AddLabel(ref.ModelID, ref.Coord(), ir.Label{K: ref.K, T: t, V: val})
	})
	return ok
}

// RemoveLabel removes a label. Removing a missing label is a no-op.
func (v *Env) RemoveLabel(ref ir.LabelRef) bool {
	var ok bool
	v.engine.Update(func(tb *table.Table) {
		ok = tb.RmLabel(ref.ModelID, ref.Coord(), ref.K)
	})
	return ok
}

// ApplyPatch applies a patch to the table.
func (v *Env) ApplyPatch(p ir.Patch, allowCreateModel bool) patch.Result {
	var res patch.Result
	v.engine.Update(func(tb *table.Table) {
		res = patch.Apply(tb, p, patch.Options{AllowCreateModel: allowCreateModel, Logger: v.engine.logger})
	})
	return res
}

// PinTopic derives the current bus topic for a pin.
func (v *Env) PinTopic(modelID int, pin string) string {
	return v.engine.PinTopic(modelID, pin)
}

// EnqueueInbound queues a bus message as if it had been received.
func (v *Env) EnqueueInbound(topic string, payload []byte) {
	v.engine.EnqueueInbound(topic, payload)
}

// StartBus connects the bus transport.
func (v *Env) StartBus(ctx context.Context) error {
	return v.engine.StartBus(ctx)
}

// PublishBus publishes directly on the bus.
func (v *Env) PublishBus(ctx context.Context, topic string, payload []byte) error {
	return v.engine.PublishBus(ctx, topic, payload)
}

// PublishRelay publishes an event on the relay.
func (v *Env) PublishRelay(ctx context.Context, ev ir.RelayEvent) error {
	return v.engine.PublishRelay(ctx, ev)
}
