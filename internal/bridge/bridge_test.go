package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/modeltable/internal/engine"
	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/transport/membus"
	"github.com/roach88/modeltable/internal/transport/relay"
)

type fixture struct {
	engine *engine.Engine
	hub    *membus.Hub
	relay  *relay.Memory
	bridge *Bridge
}

func setup(t *testing.T, connect bool) *fixture {
	t.Helper()
	hub := membus.NewHub()
	mem := relay.NewMemory()
	e := engine.New(
		engine.WithBus(membus.NewClient(hub, "engine")),
		engine.WithRelay(mem),
	)
	t.Cleanup(e.Close)

	b := New(e)
	require.NoError(t, b.Install(context.Background()))
	if connect {
		require.NoError(t, e.StartBus(context.Background()))
	}
	return &fixture{engine: e, hub: hub, relay: mem, bridge: b}
}

func wait(t *testing.T, d *engine.Drain) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := d.Wait(ctx)
	require.NoError(t, err)
}

func labelAddCommand(opID, k, v string) ir.RelayEvent {
	return ir.RelayEvent{
		Version: ir.RelayVersion,
		Type:    ir.RelayTypeCommand,
		OpID:    opID,
		Payload: map[string]any{
			"action": ir.ActionLabelAdd,
			"target": map[string]any{"model_id": 1, "p": 1, "r": 1, "c": 1, "k": k},
			"value":  map[string]any{"t": ir.TagStr, "v": v},
		},
	}
}

func decodePatch(t *testing.T, data []byte) ir.Patch {
	t.Helper()
	p, err := ir.DecodePatch(data)
	require.NoError(t, err)
	return p
}

func inboxCleared(t *testing.T, e *engine.Engine, key, fn string) {
	t.Helper()
	_, ok := e.ReadLabel(ir.Ref(ir.SystemModelID, ir.BridgeCell, key))
	assert.False(t, ok, "%s should be cleared", key)
	_, ok = e.ReadLabel(ir.Ref(ir.SystemModelID, ir.BridgeCell, ir.TriggerKey(fn)))
	assert.False(t, ok, "trigger for %s should be cleared", fn)
}

func TestRelayCommand_PublishedAsPatch(t *testing.T) {
	f := setup(t, true)

	wait(t, f.bridge.HandleRelay(labelAddCommand("op-1", "title", "hello")))

	published := f.hub.PublishedOn(ir.PinPatchIn)
	require.Len(t, published, 1)
	p := decodePatch(t, published[0])
	assert.Equal(t, ir.PatchVersion, p.Version)
	assert.Equal(t, "op-1", p.OpID)
	require.Len(t, p.Records, 1)
	assert.Equal(t, ir.RecordAddLabel, p.Records[0].Op)
	assert.Equal(t, "title", p.Records[0].K)
	assert.Equal(t, "hello", p.Records[0].V)

	_, seen := f.engine.ReadLabel(ir.Ref(ir.SystemModelID, ir.SeenCell, ir.SeenKey("op-1")))
	assert.True(t, seen)
	inboxCleared(t, f.engine, ir.KeyRelayInbox, FuncRelayToBus)
}

func TestRelayCommand_NestedPayload(t *testing.T) {
	f := setup(t, true)
	ev := labelAddCommand("op-n", "k", "v")
	ev.Payload = map[string]any{"payload": ev.Payload, "source": "ui"}

	wait(t, f.bridge.HandleRelay(ev))

	require.Len(t, f.hub.PublishedOn(ir.PinPatchIn), 1)
}

func TestRelayDuplicate_Dropped(t *testing.T) {
	f := setup(t, true)

	wait(t, f.bridge.HandleRelay(labelAddCommand("op-1", "title", "hello")))
	wait(t, f.bridge.HandleRelay(labelAddCommand("op-1", "title", "hello")))

	assert.Len(t, f.hub.PublishedOn(ir.PinPatchIn), 1)
}

func TestRelayBurst_AllForwarded(t *testing.T) {
	f := setup(t, true)

	var last *engine.Drain
	for _, id := range []string{"a", "b", "c"} {
		last = f.bridge.HandleRelay(labelAddCommand(id, "k", id))
	}
	wait(t, last)
	wait(t, f.engine.Tick())

	var ops []string
	for _, data := range f.hub.PublishedOn(ir.PinPatchIn) {
		ops = append(ops, decodePatch(t, data).OpID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ops)
}

func TestRelayPatchPayload_FillsOpID(t *testing.T) {
	f := setup(t, true)
	p := ir.NewPatch("", ir.AddLabelRecord(4, ir.Coord{P: 1, R: 1, C: 1}, ir.Label{K: "x", T: ir.TagInt, V: 1}))
	p.Version = ""
	payload, err := ir.Normalize(p)
	require.NoError(t, err)

	wait(t, f.bridge.HandleRelay(ir.RelayEvent{
		Version: ir.RelayVersion,
		Type:    ir.RelayTypePatch,
		OpID:    "op-p",
		Payload: payload,
	}))

	published := f.hub.PublishedOn(ir.PinPatchIn)
	require.Len(t, published, 1)
	got := decodePatch(t, published[0])
	assert.Equal(t, "op-p", got.OpID)
	assert.Equal(t, ir.PatchVersion, got.Version)
}

func TestRelayWithoutOpID_UsesContentID(t *testing.T) {
	f := setup(t, true)
	ev := labelAddCommand("", "k", "v")

	wait(t, f.bridge.HandleRelay(ev))
	wait(t, f.bridge.HandleRelay(ev))

	published := f.hub.PublishedOn(ir.PinPatchIn)
	require.Len(t, published, 1, "same content, same derived op id")
	assert.NotEmpty(t, decodePatch(t, published[0]).OpID)
}

func TestRelayEvent_FallsBackToEventIn(t *testing.T) {
	f := setup(t, true)

	wait(t, f.bridge.HandleRelay(ir.RelayEvent{
		Version: ir.RelayVersion,
		Type:    ir.RelayTypeEvent,
		OpID:    "op-e",
		Payload: map[string]any{"model_id": 3, "kind": "ping"},
	}))

	published := f.hub.PublishedOn(ir.PinEventIn)
	require.Len(t, published, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(published[0], &body))
	assert.Equal(t, "ping", body["kind"])
}

func TestRelayMalformed_ClearsInbox(t *testing.T) {
	f := setup(t, true)

	wait(t, f.bridge.HandleRelay(ir.RelayEvent{Version: "v9", Type: ir.RelayTypeCommand, OpID: "old"}))
	wait(t, f.bridge.HandleRelay(ir.RelayEvent{Version: ir.RelayVersion, Type: ir.RelayTypeCommand, OpID: "bad", Payload: "text"}))

	assert.Empty(t, f.hub.Published())
	inboxCleared(t, f.engine, ir.KeyRelayInbox, FuncRelayToBus)
}

func TestRelayPublishFailure_CanRetry(t *testing.T) {
	f := setup(t, false)

	wait(t, f.bridge.HandleRelay(labelAddCommand("op-1", "k", "v")))
	_, seen := f.engine.ReadLabel(ir.Ref(ir.SystemModelID, ir.SeenCell, ir.SeenKey("op-1")))
	assert.False(t, seen, "a failed publish must not mark the op as seen")

	require.NoError(t, f.engine.StartBus(context.Background()))
	wait(t, f.bridge.HandleRelay(labelAddCommand("op-1", "k", "v")))
	assert.Len(t, f.hub.PublishedOn(ir.PinPatchIn), 1)
}

func legacyOut(t *testing.T, p ir.Patch) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"pin": ir.PinPatchOut, "value": p, "t": ir.TagOut})
	require.NoError(t, err)
	return data
}

func TestBusPatch_ForwardedToRelay(t *testing.T) {
	f := setup(t, true)
	p := ir.NewPatch("op-9", ir.AddLabelRecord(1, ir.Coord{P: 1, R: 1, C: 1}, ir.Label{K: "k", T: ir.TagStr, V: "v"}))

	f.hub.Inject(ir.PinPatchOut, legacyOut(t, p))
	wait(t, f.engine.Tick())
	f.hub.Inject(ir.PinPatchOut, legacyOut(t, p))
	wait(t, f.engine.Tick())

	events := f.relay.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ir.RelayTypeSnapshotDelta, events[0].Type)
	assert.Equal(t, "op-9", events[0].OpID)
	assert.Equal(t, ir.RelayVersion, events[0].Version)
	inboxCleared(t, f.engine, ir.KeyBusInbox, FuncBusToRelay)
}

func TestBusPatch_Malformed(t *testing.T) {
	f := setup(t, true)

	f.hub.Inject(ir.PinPatchOut, []byte(`{"version":"mt.v0","records":[]}`))
	f.hub.Inject(ir.PinPatchOut, []byte(`[1,2]`))
	f.hub.Inject(ir.PinPatchOut, []byte(`not json`))
	wait(t, f.engine.Tick())

	assert.Empty(t, f.relay.Events())
	inboxCleared(t, f.engine, ir.KeyBusInbox, FuncBusToRelay)
}

func TestRoundTrip_RelayWorkerRelay(t *testing.T) {
	hub := membus.NewHub()
	mem := relay.NewMemory()
	e := engine.New(
		engine.WithBus(membus.NewClient(hub, "engine")),
		engine.WithRelay(mem),
	)
	t.Cleanup(e.Close)

	AttachWorker(e, 1, "worker")
	b := New(e)
	require.NoError(t, b.Install(context.Background()))
	require.NoError(t, e.StartBus(context.Background()))

	wait(t, b.HandleRelay(labelAddCommand("op-1", "title", "hello")))
	wait(t, e.Tick())

	l, ok := e.ReadLabel(ir.Ref(1, ir.Coord{P: 1, R: 1, C: 1}, "title"))
	require.True(t, ok)
	assert.Equal(t, "hello", l.V)

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ir.RelayTypeSnapshotDelta, events[0].Type)
	assert.Equal(t, "op-1", events[0].OpID)

	// Redelivery of the same relay event changes nothing.
	wait(t, b.HandleRelay(labelAddCommand("op-1", "title", "other")))
	wait(t, e.Tick())
	l, _ = e.ReadLabel(ir.Ref(1, ir.Coord{P: 1, R: 1, C: 1}, "title"))
	assert.Equal(t, "hello", l.V)
	assert.Len(t, mem.Events(), 1)
}

func TestWorker_DedupsAndRejectsBadPatches(t *testing.T) {
	hub := membus.NewHub()
	e := engine.New(engine.WithBus(membus.NewClient(hub, "engine")))
	t.Cleanup(e.Close)
	AttachWorker(e, 2, "worker")
	require.NoError(t, e.StartBus(context.Background()))

	p := ir.NewPatch("op-w", ir.AddLabelRecord(2, ir.Coord{P: 1, R: 0, C: 0}, ir.Label{K: "n", T: ir.TagInt, V: 1}))
	data, err := json.Marshal(p)
	require.NoError(t, err)

	hub.Inject(ir.PinPatchIn, data)
	wait(t, e.Tick())
	hub.Inject(ir.PinPatchIn, data)
	wait(t, e.Tick())

	assert.Len(t, hub.PublishedOn(ir.PinPatchOut), 1, "the echo is published once")

	hub.Inject(ir.PinPatchIn, []byte(`{"version":"mt.v9","op_id":"x","records":[]}`))
	wait(t, e.Tick())
	l, ok := e.ReadLabel(ir.Ref(2, ir.OriginCell, ir.ErrorLabelKey(FuncPatchIn)))
	require.True(t, ok)
	assert.Contains(t, l.V.(map[string]any)["error"], "mt.v9")
}

func TestWorker_PatchCannotArmOtherModels(t *testing.T) {
	hub := membus.NewHub()
	e := engine.New(engine.WithBus(membus.NewClient(hub, "engine")))
	t.Cleanup(e.Close)
	AttachWorker(e, 2, "worker")
	require.NoError(t, e.StartBus(context.Background()))

	inner, err := ir.Normalize(ir.NewPatch("op-inner", ir.AddLabelRecord(3, ir.OriginCell, ir.Label{K: "x", T: ir.TagStr, V: "y"})))
	require.NoError(t, err)
	p := ir.NewPatch("op-arm", ir.AddLabelRecord(3, ir.PinMailboxCell,
		ir.Label{K: ir.TriggerKey(FuncPatchIn), T: ir.TagJSON, V: inner}))
	data, err := json.Marshal(p)
	require.NoError(t, err)

	hub.Inject(ir.PinPatchIn, data)
	wait(t, e.Tick())

	notFound := 0
	for _, ev := range e.Events() {
		if ev.Op == ir.OpError && ev.Reason == ir.ReasonFuncNotFound && ev.ModelID == 3 {
			notFound++
		}
	}
	assert.Equal(t, 1, notFound)
	_, ok := e.ReadLabel(ir.Ref(3, ir.OriginCell, "x"))
	assert.False(t, ok, "the nested patch never ran")
	_, ok = e.ReadLabel(ir.Ref(3, ir.SeenCell, ir.SeenKey("op-inner")))
	assert.False(t, ok)
	assert.Len(t, hub.PublishedOn(ir.PinPatchOut), 1, "only the worker echoes")
}
