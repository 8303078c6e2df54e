package table

import "github.com/roach88/modeltable/internal/ir"

// appendEvent stamps e with the next event id and appends it.
func (t *Table) appendEvent(e ir.Event) ir.Event {
	e.ID = t.clock.Next()
	t.events = append(t.events, e)
	return e
}

// Reject records a rejected mutation attempt. Boundary decoders use it to
// log attempts that never reached AddLabel, such as non-integer coordinates
// (reason invalid_cell).
func (t *Table) Reject(modelID int, at ir.Coord, l *ir.Label, reason string) {
	var attempted *ir.Label
	if l != nil {
		cp := *l
		attempted = &cp
	}
	e := t.appendEvent(ir.Event{
		Op:      ir.OpError,
		ModelID: modelID,
		P:       at.P,
		R:       at.R,
		C:       at.C,
		Label:   attempted,
		Result:  ir.ResultRejected,
		Reason:  reason,
	})
	t.logger.Debug("mutation rejected",
		"event_id", e.ID,
		"model_id", modelID,
		"cell", at.String(),
		"reason", reason,
	)
}

// EventLen returns the number of entries in the event log.
func (t *Table) EventLen() int {
	return len(t.events)
}

// EventsFrom returns a copy of the entries at positions [from, len).
// A consumer keeps from as its own cursor.
func (t *Table) EventsFrom(from int) []ir.Event {
	if from < 0 {
		from = 0
	}
	if from >= len(t.events) {
		return nil
	}
	out := make([]ir.Event, len(t.events)-from)
	copy(out, t.events[from:])
	return out
}

// Events returns a copy of the whole event log.
func (t *Table) Events() []ir.Event {
	return t.EventsFrom(0)
}

// LastEventID returns the id of the newest entry (0 when empty).
func (t *Table) LastEventID() int64 {
	return t.clock.Current()
}

// enqueueIntercept appends an intercept with the next intercept id.
func (t *Table) enqueueIntercept(in ir.Intercept) {
	t.nextIntID++
	in.ID = t.nextIntID
	t.intercepts = append(t.intercepts, in)
	t.logger.Debug("intercept queued",
		"intercept_id", in.ID,
		"kind", in.Kind,
		"model_id", in.ModelID,
		"name", in.Name,
	)
}

// InterceptLen returns the number of queued intercepts, consumed or not.
func (t *Table) InterceptLen() int {
	return len(t.intercepts)
}

// InterceptsFrom returns a copy of the intercepts at positions [from, to).
// to is clamped to the queue length.
func (t *Table) InterceptsFrom(from, to int) []ir.Intercept {
	if to > len(t.intercepts) {
		to = len(t.intercepts)
	}
	if from < 0 {
		from = 0
	}
	if from >= to {
		return nil
	}
	out := make([]ir.Intercept, to-from)
	copy(out, t.intercepts[from:to])
	return out
}
