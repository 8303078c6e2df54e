package testutil

import "github.com/roach88/modeltable/internal/ir"

// LabelAdd builds a label_add envelope.
func LabelAdd(opID string, ref ir.LabelRef, t string, v any) ir.Envelope {
	return ir.NewCommand(ir.ActionLabelAdd, target(ref), ir.LabelValue{T: t, V: v}, opID)
}

// LabelUpdate builds a label_update envelope.
func LabelUpdate(opID string, ref ir.LabelRef, t string, v any) ir.Envelope {
	return ir.NewCommand(ir.ActionLabelUpdate, target(ref), ir.LabelValue{T: t, V: v}, opID)
}

// LabelRemove builds a label_remove envelope.
func LabelRemove(opID string, ref ir.LabelRef) ir.Envelope {
	return ir.NewCommand(ir.ActionLabelRemove, target(ref), nil, opID)
}

// CellClear builds a cell_clear envelope.
func CellClear(opID string, modelID int, at ir.Coord) ir.Envelope {
	return ir.NewCommand(ir.ActionCellClear, &ir.Target{ModelID: modelID, P: at.P, R: at.R, C: at.C}, nil, opID)
}

// SubmodelCreate builds a submodel_create envelope addressed at the root
// origin cell.
func SubmodelCreate(opID string, id int, name, typ string) ir.Envelope {
	value := map[string]any{"id": id, "name": name, "type": typ}
	return ir.NewCommand(ir.ActionSubmodelCreate, &ir.Target{ModelID: ir.RootModelID}, value, opID)
}

// RelayCommand wraps an envelope's payload as a relay command event.
func RelayCommand(env ir.Envelope) ir.RelayEvent {
	return ir.RelayEvent{
		Version: ir.RelayVersion,
		Type:    ir.RelayTypeCommand,
		OpID:    env.Payload.Meta.OpID,
		Payload: env.Payload,
	}
}

func target(ref ir.LabelRef) *ir.Target {
	return &ir.Target{ModelID: ref.ModelID, P: ref.P, R: ref.R, C: ref.C, K: ref.K}
}
