package ir

import (
	"errors"
	"fmt"
)

// Command action names accepted by the mailbox.
const (
	ActionLabelAdd       = "label_add"
	ActionLabelUpdate    = "label_update"
	ActionLabelRemove    = "label_remove"
	ActionCellClear      = "cell_clear"
	ActionSubmodelCreate = "submodel_create"
)

// SourceUIRenderer is the only envelope source accepted by the mailbox.
const SourceUIRenderer = "ui_renderer"

// IsKnownAction reports whether name is in the command allow-list.
func IsKnownAction(name string) bool {
	switch name {
	case ActionLabelAdd, ActionLabelUpdate, ActionLabelRemove, ActionCellClear, ActionSubmodelCreate:
		return true
	}
	return false
}

// Envelope is the command envelope held in the mailbox slot.
type Envelope struct {
	EventID int64          `json:"event_id"`
	Type    string         `json:"type"`
	Payload CommandPayload `json:"payload"`
	Source  string         `json:"source"`
	TS      int64          `json:"ts"`
}

// CommandPayload is the payload of a command envelope.
type CommandPayload struct {
	Action string  `json:"action"`
	Target *Target `json:"target,omitempty"`
	Value  any     `json:"value,omitempty"`
	Meta   Meta    `json:"meta"`
}

// Target addresses the cell (and optionally the label) a command acts on.
type Target struct {
	ModelID int    `json:"model_id"`
	P       int    `json:"p"`
	R       int    `json:"r"`
	C       int    `json:"c"`
	K       string `json:"k,omitempty"`
}

// LabelValue is the value part of label_add and label_update commands.
type LabelValue struct {
	T string `json:"t"`
	V any    `json:"v"`
}

// Meta carries the idempotency key of a command.
type Meta struct {
	OpID string `json:"op_id"`
}

// NewCommand builds an envelope with the source and type the mailbox expects.
func NewCommand(action string, target *Target, value any, opID string) Envelope {
	return Envelope{
		Type:   action,
		Source: SourceUIRenderer,
		Payload: CommandPayload{
			Action: action,
			Target: target,
			Value:  value,
			Meta:   Meta{OpID: opID},
		},
	}
}

// Action is a validated command. Variants: LabelAdd, LabelUpdate,
// LabelRemove, CellClear, SubmodelCreate.
type Action interface {
	// ActionName returns the wire action name.
	ActionName() string

	// Records converts the action into equivalent patch records.
	Records() []Record
}

// LabelAdd writes a new label.
type LabelAdd struct {
	Ref   LabelRef
	Label Label
}

// LabelUpdate replaces an existing label. It is applied like LabelAdd.
type LabelUpdate struct {
	Ref   LabelRef
	Label Label
}

// LabelRemove removes a label.
type LabelRemove struct {
	Ref LabelRef
}

// CellClear removes every clearable label of a cell.
type CellClear struct {
	ModelID int
	At      Coord
}

// SubmodelCreate creates a new model.
type SubmodelCreate struct {
	ID   int
	Name string
	Type string
}

func (LabelAdd) ActionName() string       { return ActionLabelAdd }
func (LabelUpdate) ActionName() string    { return ActionLabelUpdate }
func (LabelRemove) ActionName() string    { return ActionLabelRemove }
func (CellClear) ActionName() string      { return ActionCellClear }
func (SubmodelCreate) ActionName() string { return ActionSubmodelCreate }

func (a LabelAdd) Records() []Record {
	return []Record{AddLabelRecord(a.Ref.ModelID, a.Ref.Coord(), a.Label)}
}

func (a LabelUpdate) Records() []Record {
	return []Record{AddLabelRecord(a.Ref.ModelID, a.Ref.Coord(), a.Label)}
}

func (a LabelRemove) Records() []Record {
	return []Record{RmLabelRecord(a.Ref.ModelID, a.Ref.Coord(), a.Ref.K)}
}

func (a CellClear) Records() []Record {
	return []Record{CellClearRecord(a.ModelID, a.At)}
}

func (a SubmodelCreate) Records() []Record {
	return []Record{CreateModelRecord(a.ID, a.Name, a.Type)}
}

// ActionFromPayload decodes a generic command payload into an Action without
// the mailbox's ordered validation. It is used where commands cross a
// transport and the receiving table validates the resulting records itself.
func ActionFromPayload(payload map[string]any) (Action, error) {
	name, _ := String(payload["action"])
	switch name {
	case ActionLabelAdd, ActionLabelUpdate:
		ref, err := targetRef(payload["target"], true)
		if err != nil {
			return nil, err
		}
		value, ok := Object(payload["value"])
		if !ok {
			return nil, errors.New("command value missing")
		}
		t, ok := String(value["t"])
		if !ok {
			return nil, errors.New("command value.t missing")
		}
		l := Label{K: ref.K, T: t, V: value["v"]}
		if name == ActionLabelAdd {
			return LabelAdd{Ref: ref, Label: l}, nil
		}
		return LabelUpdate{Ref: ref, Label: l}, nil
	case ActionLabelRemove:
		ref, err := targetRef(payload["target"], true)
		if err != nil {
			return nil, err
		}
		return LabelRemove{Ref: ref}, nil
	case ActionCellClear:
		ref, err := targetRef(payload["target"], false)
		if err != nil {
			return nil, err
		}
		return CellClear{ModelID: ref.ModelID, At: ref.Coord()}, nil
	case ActionSubmodelCreate:
		return SubmodelFromValue(payload["value"])
	default:
		return nil, fmt.Errorf("unknown action %q", name)
	}
}

// Errors returned by SubmodelFromValue.
var (
	ErrSubmodelValue = errors.New("submodel value is not an object")
	ErrSubmodelID    = errors.New("submodel id is not an integer")
)

// SubmodelFromValue decodes a submodel_create value. The model spec is the
// value itself, or value.v when the value carries no id of its own. Every
// path that accepts submodel_create decodes through here.
func SubmodelFromValue(v any) (SubmodelCreate, error) {
	obj, ok := Object(v)
	if !ok {
		return SubmodelCreate{}, ErrSubmodelValue
	}
	if _, hasID := obj["id"]; !hasID {
		if inner, ok := Object(obj["v"]); ok {
			obj = inner
		}
	}
	id, ok := Int(obj["id"])
	if !ok {
		return SubmodelCreate{}, ErrSubmodelID
	}
	name, _ := String(obj["name"])
	typ, _ := String(obj["type"])
	return SubmodelCreate{ID: id, Name: name, Type: typ}, nil
}

func targetRef(v any, needKey bool) (LabelRef, error) {
	obj, ok := Object(v)
	if !ok {
		return LabelRef{}, errors.New("command target missing")
	}
	var ref LabelRef
	for _, f := range []struct {
		key string
		dst *int
	}{
		{"model_id", &ref.ModelID},
		{"p", &ref.P},
		{"r", &ref.R},
		{"c", &ref.C},
	} {
		n, ok := Int(obj[f.key])
		if !ok {
			return LabelRef{}, fmt.Errorf("command target.%s is not an integer", f.key)
		}
		*f.dst = n
	}
	if needKey {
		k, ok := String(obj["k"])
		if !ok || k == "" {
			return LabelRef{}, errors.New("command target.k missing")
		}
		ref.K = k
	}
	return ref, nil
}

// Relay event types.
const (
	RelayTypeSnapshotDelta = "snapshot_delta"
	RelayTypeCommand       = "command"
	RelayTypePatch         = "patch"
	RelayTypeEvent         = "event"
)

// RelayEvent is the envelope exchanged over the ordered relay transport.
type RelayEvent struct {
	Version string `json:"version"`
	Type    string `json:"type"`
	OpID    string `json:"op_id,omitempty"`
	Payload any    `json:"payload"`
}
