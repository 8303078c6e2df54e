package table

import (
	"github.com/roach88/modeltable/internal/ir"
)

// AddLabel writes l into the cell, replacing any label with the same key.
//
// Validation failures append an error entry and return false:
// model_not_found, invalid_label_k, invalid_label_t, invalid_label_v and
// locked (v1n_id on the root origin cell once it holds a value).
func (t *Table) AddLabel(modelID int, at ir.Coord, l ir.Label) bool {
	m, ok := t.models[modelID]
	if !ok {
		t.Reject(modelID, at, &l, ir.ReasonModelNotFound)
		return false
	}
	if l.K == "" {
		t.Reject(modelID, at, &l, ir.ReasonInvalidLabelK)
		return false
	}
	if l.T == "" {
		t.Reject(modelID, at, &l, ir.ReasonInvalidLabelT)
		return false
	}
	if err := ir.Serializable(l.V); err != nil {
		t.Reject(modelID, at, &ir.Label{K: l.K, T: l.T}, ir.ReasonInvalidLabelV)
		return false
	}

	cell := m.cell(at)
	prevLabel, had := cell.labels[l.K]
	var prev *ir.Label
	if had {
		prev = &prevLabel
	}
	if modelID == ir.RootModelID && at == ir.OriginCell && l.K == ir.KeyV1NID && had && prevLabel.V != nil {
		t.Reject(modelID, at, &l, ir.ReasonLocked)
		return false
	}

	cell.labels[l.K] = l
	written := l
	t.appendEvent(ir.Event{
		Op:      ir.OpAddLabel,
		ModelID: modelID,
		P:       at.P,
		R:       at.R,
		C:       at.C,
		Label:   &written,
		Prev:    prev,
		Result:  ir.ResultApplied,
	})
	t.notify("label_added", func(o Observer) error {
		return o.OnLabelAdded(ir.LabelChange{Model: m.Model, P: at.P, R: at.R, C: at.C, Label: l})
	})

	t.applyBuiltins(m, at, l, prev)

	ch := Change{ModelID: modelID, At: at, Label: l, Prev: prev}
	for _, h := range t.hooks {
		h.LabelChanged(t, ch)
	}

	t.trackTags(modelID, at, l, prev)
	return true
}

// RmLabel removes the label stored under k. A missing model or key is a
// no-op that records nothing and returns false.
func (t *Table) RmLabel(modelID int, at ir.Coord, k string) bool {
	m, ok := t.models[modelID]
	if !ok {
		return false
	}
	cell, ok := m.cells[at]
	if !ok {
		return false
	}
	removed, ok := cell.labels[k]
	if !ok {
		return false
	}
	delete(cell.labels, k)

	prev := removed
	t.appendEvent(ir.Event{
		Op:      ir.OpRmLabel,
		ModelID: modelID,
		P:       at.P,
		R:       at.R,
		C:       at.C,
		Prev:    &prev,
		Result:  ir.ResultApplied,
	})
	t.notify("label_removed", func(o Observer) error {
		return o.OnLabelRemoved(ir.LabelChange{Model: m.Model, P: at.P, R: at.R, C: at.C, Label: removed})
	})

	ch := Change{ModelID: modelID, At: at, Label: removed, Removed: true}
	for _, h := range t.hooks {
		h.LabelChanged(t, ch)
	}

	if removed.T == ir.TagFunction {
		t.unindexFunction(modelID, removed.K, at)
	}
	return true
}

// Restore loads a persisted label. It creates the model if needed and
// updates bookkeeping, but writes no event log entry, queues no intercept
// and does not call the observer.
func (t *Table) Restore(model ir.Model, at ir.Coord, l ir.Label) {
	m, ok := t.models[model.ID]
	if !ok {
		m = &Model{Model: model, cells: make(map[ir.Coord]*Cell)}
		t.models[model.ID] = m
	}
	cell := m.cell(at)
	prevLabel, had := cell.labels[l.K]
	var prev *ir.Label
	if had {
		prev = &prevLabel
	}
	cell.labels[l.K] = l

	ch := Change{ModelID: model.ID, At: at, Label: l, Prev: prev, Restored: true}
	for _, h := range t.hooks {
		h.LabelChanged(t, ch)
	}
	t.trackTags(model.ID, at, l, prev)
}

// RestoreModel registers a persisted model without notifying the observer.
func (t *Table) RestoreModel(model ir.Model) {
	if _, ok := t.models[model.ID]; ok {
		return
	}
	t.models[model.ID] = &Model{Model: model, cells: make(map[ir.Coord]*Cell)}
}

func (t *Table) trackTags(modelID int, at ir.Coord, l ir.Label, prev *ir.Label) {
	if prev != nil && prev.T == ir.TagFunction && l.T != ir.TagFunction {
		t.unindexFunction(modelID, prev.K, at)
	}
	if l.T == ir.TagFunction {
		t.indexFunction(modelID, l.K, at)
	}
}

// applyBuiltins runs the built-in semantics of an applied write.
func (t *Table) applyBuiltins(m *Model, at ir.Coord, l ir.Label, prev *ir.Label) {
	modelID := m.ID

	if name, ok := ir.TriggerName(l.K); ok && l.V != nil {
		if t.HasFunction(modelID, name) {
			t.enqueueIntercept(ir.Intercept{
				Kind: ir.InterceptRunFunc, ModelID: modelID,
				P: at.P, R: at.R, C: at.C,
				Name: name, Value: l.V,
			})
		} else {
			t.Reject(modelID, at, &l, ir.ReasonFuncNotFound)
		}
	}

	if l.K == ir.KeyDataType && prev == nil && at == ir.OriginCell && m.Type == ir.ModelTypeData {
		if c, ok := m.cells[at]; ok {
			if _, has := c.labels[ir.KeyCellConnect]; has {
				t.RmLabel(modelID, at, ir.KeyCellConnect)
			}
		}
		t.enqueueIntercept(ir.Intercept{
			Kind: ir.InterceptInitType, ModelID: modelID,
			P: at.P, R: at.R, C: at.C,
			Value: l.V,
		})
	}

	switch l.K {
	case ir.KeyCellConnect:
		t.connect(modelID, at, ir.ScopeCell, l.V)
	case ir.KeyModelConnect:
		if at == ir.OriginCell {
			t.connect(modelID, at, ir.ScopeModel, l.V)
		}
	case ir.KeyV1NConnect:
		if at == ir.OriginCell && modelID == ir.RootModelID {
			t.connect(modelID, at, ir.ScopeV1N, l.V)
		}
	}

	if modelID == ir.MailboxModelID && at == ir.MailboxCell && l.K == ir.KeyMailboxSlot && l.V != nil {
		t.enqueueIntercept(ir.Intercept{
			Kind: ir.InterceptMailbox, ModelID: modelID,
			P: at.P, R: at.R, C: at.C,
		})
	}
}

func (t *Table) connect(modelID int, at ir.Coord, scope string, v any) {
	t.enqueueIntercept(ir.Intercept{
		Kind: ir.InterceptInitInnerConnection, ModelID: modelID,
		P: at.P, R: at.R, C: at.C,
		Scope: scope, Value: v,
	})
}
