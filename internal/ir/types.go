package ir

import "fmt"

// Model is the identity of one model: an integer id with a name and a
// free-form type tag. Negative ids are reserved for meta models, 0 is root.
type Model struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Coord addresses a cell inside a model.
type Coord struct {
	P int `json:"p"`
	R int `json:"r"`
	C int `json:"c"`
}

// String returns "(p,r,c)".
func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.P, c.R, c.C)
}

// Label is a typed named value stored in a cell.
//
// V is any JSON-serialisable value. A nil V is a legitimate value (JSON
// null) and is distinct from an absent label.
type Label struct {
	K string `json:"k"`
	T string `json:"t"`
	V any    `json:"v"`
}

// LabelRef is the full address of a label: model, cell and key.
type LabelRef struct {
	ModelID int    `json:"model_id"`
	P       int    `json:"p"`
	R       int    `json:"r"`
	C       int    `json:"c"`
	K       string `json:"k"`
}

// Ref builds a LabelRef from a model id, a cell and a key.
func Ref(modelID int, at Coord, k string) LabelRef {
	return LabelRef{ModelID: modelID, P: at.P, R: at.R, C: at.C, K: k}
}

// Coord returns the cell part of the reference.
func (r LabelRef) Coord() Coord {
	return Coord{P: r.P, R: r.R, C: r.C}
}

// String returns "model/(p,r,c)/k".
func (r LabelRef) String() string {
	return fmt.Sprintf("%d/%s/%s", r.ModelID, r.Coord(), r.K)
}

// LabelChange is the payload handed to persistence observers after an
// applied mutation.
type LabelChange struct {
	Model Model `json:"model"`
	P     int   `json:"p"`
	R     int   `json:"r"`
	C     int   `json:"c"`
	Label Label `json:"label"`
}

// EventOp is the operation recorded by an event log entry.
type EventOp string

const (
	OpAddLabel EventOp = "add_label"
	OpRmLabel  EventOp = "rm_label"
	OpError    EventOp = "error"
)

// EventResult is the outcome recorded by an event log entry.
type EventResult string

const (
	ResultApplied  EventResult = "applied"
	ResultRejected EventResult = "rejected"
)

// Rejection reasons recorded in the event log.
const (
	ReasonInvalidCell   = "invalid_cell"
	ReasonInvalidLabelK = "invalid_label_k"
	ReasonInvalidLabelT = "invalid_label_t"
	ReasonInvalidLabelV = "invalid_label_v"
	ReasonLocked        = "locked"
	ReasonModelNotFound = "model_not_found"
	ReasonFuncNotFound  = "func_not_found"
	ReasonRoundLimit    = "round_limit"
)

// Event is one immutable event log entry.
//
// ID values are assigned by the owning table and are contiguous from 1.
type Event struct {
	ID      int64       `json:"event_id"`
	Op      EventOp     `json:"op"`
	ModelID int         `json:"model_id"`
	P       int         `json:"p"`
	R       int         `json:"r"`
	C       int         `json:"c"`
	Label   *Label      `json:"label,omitempty"`
	Prev    *Label      `json:"prev_label,omitempty"`
	Result  EventResult `json:"result"`
	Reason  string      `json:"reason,omitempty"`
}

// Coord returns the cell the entry refers to.
func (e Event) Coord() Coord {
	return Coord{P: e.P, R: e.R, C: e.C}
}

// InterceptKind names the side effect requested by an intercept.
type InterceptKind string

const (
	// InterceptRunFunc asks the engine to execute a function.
	InterceptRunFunc InterceptKind = "run_func"

	// InterceptInitType is emitted on the first data_type write of a Data model.
	InterceptInitType InterceptKind = "init_type"

	// InterceptInitInnerConnection is emitted by the *_CONNECT marker keys.
	InterceptInitInnerConnection InterceptKind = "init_inner_connection"

	// InterceptMailbox is emitted when a command lands in the mailbox slot.
	InterceptMailbox InterceptKind = "mailbox"
)

// Connection scopes carried by init_inner_connection intercepts.
const (
	ScopeCell  = "cell"
	ScopeModel = "model"
	ScopeV1N   = "v1n"
)

// Intercept is an in-memory "do something" request emitted by a mutation.
// Intercepts are never persisted.
type Intercept struct {
	ID      int64         `json:"id"`
	Kind    InterceptKind `json:"kind"`
	ModelID int           `json:"model_id"`
	P       int           `json:"p"`
	R       int           `json:"r"`
	C       int           `json:"c"`
	Name    string        `json:"name,omitempty"`
	Scope   string        `json:"scope,omitempty"`
	Value   any           `json:"value,omitempty"`
}
