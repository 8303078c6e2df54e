package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/modeltable/internal/ir"
)

func TestValidatePatch(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	good := ir.NewPatch("op-1",
		ir.CreateModelRecord(2, "m2", "Data"),
		ir.AddLabelRecord(2, ir.OriginCell, ir.Label{K: "title", T: "str", V: "X"}),
		ir.RmLabelRecord(2, ir.OriginCell, "title"),
		ir.CellClearRecord(2, ir.OriginCell),
	)
	assert.NoError(t, v.ValidatePatch(good))

	tests := []struct {
		name  string
		patch map[string]any
	}{
		{"wrong version", map[string]any{"version": "mt.v1", "op_id": "x", "records": []any{}}},
		{"empty op_id", map[string]any{"version": "mt.v0", "op_id": "", "records": []any{}}},
		{"missing records", map[string]any{"version": "mt.v0", "op_id": "x"}},
		{"unknown op", map[string]any{"version": "mt.v0", "op_id": "x", "records": []any{
			map[string]any{"op": "drop_table", "model_id": 1},
		}}},
		{"float model id", map[string]any{"version": "mt.v0", "op_id": "x", "records": []any{
			map[string]any{"op": "cell_clear", "model_id": 1.5, "p": 0, "r": 0, "c": 0},
		}}},
		{"add_label without key", map[string]any{"version": "mt.v0", "op_id": "x", "records": []any{
			map[string]any{"op": "add_label", "model_id": 1, "p": 0, "r": 0, "c": 0, "t": "str", "v": 1},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePatch(tt.patch)
			require.Error(t, err)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
			assert.Equal(t, KindPatch, ve.Kind)
		})
	}
}

func TestValidateEnvelope(t *testing.T) {
	v := Default()

	env := ir.NewCommand(ir.ActionLabelAdd,
		&ir.Target{ModelID: 1, K: "title"},
		ir.LabelValue{T: "str", V: "X"},
		"op-1")
	assert.NoError(t, v.ValidateEnvelope(env))

	noOpID := ir.NewCommand(ir.ActionLabelAdd, nil, nil, "")
	assert.Error(t, v.ValidateEnvelope(noOpID))

	assert.Error(t, v.ValidateEnvelope(map[string]any{"type": "label_add", "source": "ui_renderer"}))
}

func TestValidateRelayEvent(t *testing.T) {
	v := Default()

	assert.NoError(t, v.ValidateRelayEvent(ir.RelayEvent{
		Version: ir.RelayVersion, Type: ir.RelayTypeSnapshotDelta, OpID: "op", Payload: map[string]any{"a": 1},
	}))
	assert.Error(t, v.ValidateRelayEvent(ir.RelayEvent{Version: "v9", Type: "x", Payload: 1}))
}

func TestIsPatch(t *testing.T) {
	assert.True(t, IsPatch(map[string]any{"version": "mt.v0", "op_id": "x", "records": []any{}}))
	assert.False(t, IsPatch("mt.v0"))
	assert.False(t, IsPatch(map[string]any{"pin": "demo"}))
}
