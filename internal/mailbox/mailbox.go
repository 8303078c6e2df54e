// Package mailbox implements the single-slot command inbox.
//
// A producer writes one command envelope into the ui_event label of the
// mailbox model (-1) at cell (0,0,1) and must wait for the slot to be null
// again before writing the next. ConsumeOnce validates the envelope in a
// fixed priority order, applies it, and always frees the slot. The outcome
// is visible to the producer as ui_event_last_op_id (success) or
// ui_event_error (failure).
package mailbox

import (
	"errors"
	"fmt"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/patch"
	"github.com/roach88/modeltable/internal/table"
)

// ErrBusy is returned by Send while the slot holds a command.
var ErrBusy = errors.New("mailbox busy")

// Error codes written to ui_event_error.
const (
	CodeInvalidTarget = "invalid_target"
	CodeUnknownAction = "unknown_action"
	CodeForbiddenK    = "forbidden_k"
	CodeForbiddenT    = "forbidden_t"
	CodeReservedCell  = "reserved_cell"
	CodeOpIDReplay    = "op_id_replay"
	CodeException     = "exception"
)

// Details attached to invalid_target.
const (
	DetailEnvelopeShape      = "envelope_shape"
	DetailMissingOpID        = "missing_or_non_string_op_id"
	DetailSourceTypeMismatch = "source_type_mismatch"
	DetailSubmodelValue      = "submodel_value"
	DetailSubmodelID         = "submodel_id"
	DetailSubmodelNameType   = "submodel_name_type"
	DetailSubmodelExists     = "submodel_exists"
	DetailTargetShape        = "target_shape"
	DetailModelNotFound      = "model_not_found"
	DetailMissingK           = "missing_k"
	DetailMissingValue       = "missing_value"
	DetailMissingValueT      = "missing_value_t"
	DetailMissingValueV      = "missing_value_v"
	DetailWriteRejected      = "write_rejected"
)

// CommandError is the structured error written to ui_event_error.
type CommandError struct {
	OpID   string `json:"op_id"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ":" + e.Detail
}

// Value returns the label value form of the error.
func (e *CommandError) Value() map[string]any {
	return map[string]any{"op_id": e.OpID, "code": e.Code, "detail": e.Detail}
}

func fail(opID, code, detail string) *CommandError {
	return &CommandError{OpID: opID, Code: code, Detail: detail}
}

// Outcome describes one ConsumeOnce call.
type Outcome struct {
	// Consumed is false when the slot was empty.
	Consumed bool

	// OpID is the command's op id, empty when it could not be read.
	OpID string

	// Action is the applied command. Nil on failure.
	Action ir.Action

	// Err is set when the command was rejected.
	Err *CommandError
}

func slotRef(k string) ir.LabelRef {
	return ir.Ref(ir.MailboxModelID, ir.MailboxCell, k)
}

// Empty reports whether the slot can take a command.
func Empty(t *table.Table) bool {
	l, ok := t.Label(slotRef(ir.KeyMailboxSlot))
	return !ok || l.V == nil
}

// Send writes env into the slot, or returns ErrBusy when the slot holds an
// unconsumed command.
func Send(t *table.Table, env ir.Envelope) error {
	v, err := ir.Normalize(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return SendRaw(t, v)
}

// SendRaw writes an arbitrary JSON value into the slot. The consumer
// validates its shape.
func SendRaw(t *table.Table, v any) error {
	if !Empty(t) {
		return ErrBusy
	}
	if !t.AddLabel(ir.MailboxModelID, ir.MailboxCell, ir.Label{K: ir.KeyMailboxSlot, T: ir.TagEvent, V: v}) {
		return fmt.Errorf("mailbox write rejected")
	}
	return nil
}

// LastOpID returns the op id of the last applied command.
func LastOpID(t *table.Table) string {
	l, ok := t.Label(slotRef(ir.KeyMailboxLastOpID))
	if !ok {
		return ""
	}
	s, _ := ir.String(l.V)
	return s
}

// LastError returns the error of the last rejected command, if the last
// command failed.
func LastError(t *table.Table) (*CommandError, bool) {
	l, ok := t.Label(slotRef(ir.KeyMailboxError))
	if !ok {
		return nil, false
	}
	obj, ok := ir.Object(l.V)
	if !ok {
		return nil, false
	}
	e := &CommandError{}
	e.OpID, _ = ir.String(obj["op_id"])
	e.Code, _ = ir.String(obj["code"])
	e.Detail, _ = ir.String(obj["detail"])
	return e, true
}

// ConsumeOnce takes the command out of the slot, validates and applies it,
// records the outcome and frees the slot. It never panics: a failure while
// applying is recorded with code exception.
func ConsumeOnce(t *table.Table) (out Outcome) {
	l, ok := t.Label(slotRef(ir.KeyMailboxSlot))
	if !ok || l.V == nil {
		return Outcome{}
	}
	out.Consumed = true

	defer func() {
		if r := recover(); r != nil {
			out.Action = nil
			out.Err = fail(out.OpID, CodeException, fmt.Sprint(r))
		}
		finish(t, out)
	}()

	out.OpID, out.Action, out.Err = consume(t, l.V)
	if out.Err != nil {
		out.Action = nil
	}
	return out
}

func finish(t *table.Table, out Outcome) {
	cell := ir.MailboxCell
	if out.Err != nil {
		t.AddLabel(ir.MailboxModelID, cell, ir.Label{K: ir.KeyMailboxError, T: ir.TagJSON, V: out.Err.Value()})
	} else {
		t.AddLabel(ir.MailboxModelID, cell, ir.Label{K: ir.KeyMailboxLastOpID, T: ir.TagStr, V: out.OpID})
		if prev, ok := t.Label(slotRef(ir.KeyMailboxError)); ok && prev.V != nil {
			t.AddLabel(ir.MailboxModelID, cell, ir.Label{K: ir.KeyMailboxError, T: ir.TagJSON, V: nil})
		}
	}
	t.AddLabel(ir.MailboxModelID, cell, ir.Label{K: ir.KeyMailboxSlot, T: ir.TagEvent, V: nil})
}

// consume runs the validation pipeline. The order of checks is part of the
// protocol: producers and tests rely on which error wins.
func consume(t *table.Table, v any) (string, ir.Action, *CommandError) {
	env, ok := ir.Object(v)
	if !ok {
		return "", nil, fail("", CodeInvalidTarget, DetailEnvelopeShape)
	}
	payload, ok := ir.Object(env["payload"])
	if !ok {
		return "", nil, fail("", CodeInvalidTarget, DetailEnvelopeShape)
	}

	meta, _ := ir.Object(payload["meta"])
	opID, ok := ir.String(meta["op_id"])
	if !ok || opID == "" {
		return "", nil, fail("", CodeInvalidTarget, DetailMissingOpID)
	}

	if last := LastOpID(t); last != "" && last == opID {
		return opID, nil, fail(opID, CodeOpIDReplay, "")
	}

	action, _ := ir.String(payload["action"])
	if !ir.IsKnownAction(action) {
		return opID, nil, fail(opID, CodeUnknownAction, action)
	}

	source, _ := ir.String(env["source"])
	typ, _ := ir.String(env["type"])
	if source != ir.SourceUIRenderer || typ != action {
		return opID, nil, fail(opID, CodeInvalidTarget, DetailSourceTypeMismatch)
	}

	if action == ir.ActionSubmodelCreate {
		a, cerr := submodel(t, opID, payload["value"])
		return opID, a, cerr
	}

	ref, cerr := target(t, opID, payload["target"])
	if cerr != nil {
		return opID, nil, cerr
	}

	if action == ir.ActionCellClear {
		at := ref.Coord()
		patch.ClearCell(t, ref.ModelID, at)
		return opID, ir.CellClear{ModelID: ref.ModelID, At: at}, nil
	}

	if ref.K == "" {
		return opID, nil, fail(opID, CodeInvalidTarget, DetailMissingK)
	}

	if action == ir.ActionLabelRemove {
		if ir.IsForbiddenKey(ref.K) {
			return opID, nil, fail(opID, CodeForbiddenK, ref.K)
		}
		t.RmLabel(ref.ModelID, ref.Coord(), ref.K)
		return opID, ir.LabelRemove{Ref: ref}, nil
	}

	value, ok := ir.Object(payload["value"])
	if !ok {
		return opID, nil, fail(opID, CodeInvalidTarget, DetailMissingValue)
	}
	tag, ok := ir.String(value["t"])
	if !ok {
		return opID, nil, fail(opID, CodeInvalidTarget, DetailMissingValueT)
	}
	val, ok := value["v"]
	if !ok {
		return opID, nil, fail(opID, CodeInvalidTarget, DetailMissingValueV)
	}
	if ir.IsForbiddenKey(ref.K) {
		return opID, nil, fail(opID, CodeForbiddenK, ref.K)
	}
	if !ir.IsValueTag(tag) {
		return opID, nil, fail(opID, CodeForbiddenT, tag)
	}

	l := ir.Label{K: ref.K, T: tag, V: val}
	before := t.EventLen()
	if !t.AddLabel(ref.ModelID, ref.Coord(), l) {
		return opID, nil, fail(opID, CodeInvalidTarget, DetailWriteRejected+":"+rejectReason(t, before))
	}
	if action == ir.ActionLabelUpdate {
		return opID, ir.LabelUpdate{Ref: ref, Label: l}, nil
	}
	return opID, ir.LabelAdd{Ref: ref, Label: l}, nil
}

func submodel(t *table.Table, opID string, v any) (ir.Action, *CommandError) {
	sm, err := ir.SubmodelFromValue(v)
	switch {
	case errors.Is(err, ir.ErrSubmodelValue):
		return nil, fail(opID, CodeInvalidTarget, DetailSubmodelValue)
	case err != nil, sm.ID <= 0:
		return nil, fail(opID, CodeInvalidTarget, DetailSubmodelID)
	}
	if sm.Name == "" || sm.Type == "" {
		return nil, fail(opID, CodeInvalidTarget, DetailSubmodelNameType)
	}
	if t.HasModel(sm.ID) {
		return nil, fail(opID, CodeInvalidTarget, DetailSubmodelExists)
	}
	t.CreateModel(sm.ID, sm.Name, sm.Type)
	return sm, nil
}

func target(t *table.Table, opID string, v any) (ir.LabelRef, *CommandError) {
	obj, ok := ir.Object(v)
	if !ok {
		return ir.LabelRef{}, fail(opID, CodeInvalidTarget, DetailTargetShape)
	}
	var ref ir.LabelRef
	for _, f := range []struct {
		key string
		dst *int
	}{
		{"model_id", &ref.ModelID},
		{"p", &ref.P},
		{"r", &ref.R},
		{"c", &ref.C},
	} {
		n, ok := ir.Int(obj[f.key])
		if !ok {
			return ir.LabelRef{}, fail(opID, CodeInvalidTarget, DetailTargetShape)
		}
		*f.dst = n
	}
	if ir.IsReservedModel(ref.ModelID) {
		return ir.LabelRef{}, fail(opID, CodeReservedCell, fmt.Sprintf("model_id=%d", ref.ModelID))
	}
	if !t.HasModel(ref.ModelID) {
		return ir.LabelRef{}, fail(opID, CodeInvalidTarget, DetailModelNotFound)
	}
	ref.K, _ = ir.String(obj["k"])
	return ref, nil
}

// rejectReason returns the reason of the first rejection logged since from.
func rejectReason(t *table.Table, from int) string {
	for _, ev := range t.EventsFrom(from) {
		if ev.Result == ir.ResultRejected {
			return ev.Reason
		}
	}
	return "unknown"
}
