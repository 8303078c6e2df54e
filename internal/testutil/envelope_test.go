package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/modeltable/internal/ir"
)

func TestLabelAdd_DecodesAsAction(t *testing.T) {
	ref := ir.Ref(1, ir.Coord{P: 1, R: 2, C: 3}, "title")
	env := LabelAdd("op-1", ref, ir.TagStr, "hello")

	assert.Equal(t, ir.SourceUIRenderer, env.Source)
	assert.Equal(t, "op-1", env.Payload.Meta.OpID)

	payload, err := ir.Normalize(env.Payload)
	require.NoError(t, err)
	obj, _ := ir.Object(payload)
	a, err := ir.ActionFromPayload(obj)
	require.NoError(t, err)
	assert.Equal(t, ir.LabelAdd{Ref: ref, Label: ir.Label{K: "title", T: ir.TagStr, V: "hello"}}, a)
}

func TestBuilders_Actions(t *testing.T) {
	ref := ir.Ref(2, ir.OriginCell, "k")
	tests := []struct {
		env  ir.Envelope
		want string
	}{
		{LabelUpdate("a", ref, ir.TagInt, 1), ir.ActionLabelUpdate},
		{LabelRemove("b", ref), ir.ActionLabelRemove},
		{CellClear("c", 2, ir.OriginCell), ir.ActionCellClear},
		{SubmodelCreate("d", 5, "child", ir.ModelTypeData), ir.ActionSubmodelCreate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.env.Type)
		assert.Equal(t, tt.want, tt.env.Payload.Action)
	}
}

func TestRelayCommand(t *testing.T) {
	ev := RelayCommand(CellClear("op-9", 1, ir.OriginCell))
	assert.Equal(t, ir.RelayVersion, ev.Version)
	assert.Equal(t, ir.RelayTypeCommand, ev.Type)
	assert.Equal(t, "op-9", ev.OpID)
}
