package ir

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RecordOp names the operation of one patch record.
type RecordOp string

const (
	RecordCreateModel RecordOp = "create_model"
	RecordAddLabel    RecordOp = "add_label"
	RecordRmLabel     RecordOp = "rm_label"
	RecordCellClear   RecordOp = "cell_clear"
)

// Patch is a batch of cross-model mutation records.
//
// Records are applied independently and in order; a patch is never rolled
// back as a unit.
type Patch struct {
	Version string   `json:"version"`
	OpID    string   `json:"op_id"`
	Records []Record `json:"records"`
}

// NewPatch creates an mt.v0 patch.
func NewPatch(opID string, records ...Record) Patch {
	if records == nil {
		records = []Record{}
	}
	return Patch{Version: PatchVersion, OpID: opID, Records: records}
}

// ErrInvalidCell marks a record whose p, r or c is present but not an integer.
var ErrInvalidCell = errors.New("invalid cell")

// Record is one patch record.
//
// Optional integer fields are pointers so that "absent" and "0" stay
// distinct. Err is set by UnmarshalJSON when the wire record is malformed;
// the applicator rejects such records individually instead of failing the
// whole patch.
type Record struct {
	Op      RecordOp
	ModelID *int
	P       *int
	R       *int
	C       *int
	K       string
	T       string
	V       any
	HasV    bool
	Name    string
	Type    string

	Err error
}

// CreateModelRecord builds a create_model record.
func CreateModelRecord(id int, name, typ string) Record {
	return Record{Op: RecordCreateModel, ModelID: intPtr(id), Name: name, Type: typ}
}

// AddLabelRecord builds an add_label record.
func AddLabelRecord(modelID int, at Coord, l Label) Record {
	return Record{
		Op: RecordAddLabel, ModelID: intPtr(modelID),
		P: intPtr(at.P), R: intPtr(at.R), C: intPtr(at.C),
		K: l.K, T: l.T, V: l.V, HasV: true,
	}
}

// RmLabelRecord builds an rm_label record.
func RmLabelRecord(modelID int, at Coord, k string) Record {
	return Record{
		Op: RecordRmLabel, ModelID: intPtr(modelID),
		P: intPtr(at.P), R: intPtr(at.R), C: intPtr(at.C),
		K: k,
	}
}

// CellClearRecord builds a cell_clear record.
func CellClearRecord(modelID int, at Coord) Record {
	return Record{
		Op: RecordCellClear, ModelID: intPtr(modelID),
		P: intPtr(at.P), R: intPtr(at.R), C: intPtr(at.C),
	}
}

func intPtr(n int) *int { return &n }

// Coord returns the record's cell when all three coordinates are present.
func (r Record) Coord() (Coord, bool) {
	if r.P == nil || r.R == nil || r.C == nil {
		return Coord{}, false
	}
	return Coord{P: *r.P, R: *r.R, C: *r.C}, true
}

// MarshalJSON emits only the fields that are present.
func (r Record) MarshalJSON() ([]byte, error) {
	m := map[string]any{"op": r.Op}
	if r.ModelID != nil {
		m["model_id"] = *r.ModelID
	}
	if r.P != nil {
		m["p"] = *r.P
	}
	if r.R != nil {
		m["r"] = *r.R
	}
	if r.C != nil {
		m["c"] = *r.C
	}
	if r.K != "" {
		m["k"] = r.K
	}
	if r.T != "" {
		m["t"] = r.T
	}
	if r.HasV {
		m["v"] = r.V
	}
	if r.Name != "" {
		m["name"] = r.Name
	}
	if r.Type != "" {
		m["type"] = r.Type
	}
	return json.Marshal(m)
}

// UnmarshalJSON never fails: a malformed record is kept with Err set.
func (r *Record) UnmarshalJSON(data []byte) error {
	*r = Record{}
	raw, err := DecodeJSON(data)
	if err != nil {
		r.Err = fmt.Errorf("record: %w", err)
		return nil
	}
	obj, ok := Object(raw)
	if !ok {
		r.Err = errors.New("record is not an object")
		return nil
	}
	*r = RecordFromObject(obj)
	return nil
}

// RecordFromObject decodes a generic JSON object into a Record.
func RecordFromObject(obj map[string]any) Record {
	var r Record
	op, ok := String(obj["op"])
	if !ok || op == "" {
		r.Err = errors.New("record op missing or not a string")
		return r
	}
	r.Op = RecordOp(op)

	ints := []struct {
		key string
		dst **int
	}{
		{"model_id", &r.ModelID},
		{"p", &r.P},
		{"r", &r.R},
		{"c", &r.C},
	}
	var cellErr error
	for _, f := range ints {
		v, present := obj[f.key]
		if !present {
			continue
		}
		n, ok := Int(v)
		if !ok {
			if f.key == "model_id" {
				r.Err = fmt.Errorf("record field %s is not an integer", f.key)
				return r
			}
			// Keep decoding so the rejection can name the model and label.
			if cellErr == nil {
				cellErr = fmt.Errorf("%w: record field %s is not an integer", ErrInvalidCell, f.key)
			}
			continue
		}
		*f.dst = intPtr(n)
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"k", &r.K},
		{"t", &r.T},
		{"name", &r.Name},
		{"type", &r.Type},
	}
	for _, f := range strs {
		v, present := obj[f.key]
		if !present {
			continue
		}
		s, ok := String(v)
		if !ok {
			r.Err = fmt.Errorf("record field %s is not a string", f.key)
			return r
		}
		*f.dst = s
	}

	if v, present := obj["v"]; present {
		r.V = v
		r.HasV = true
	}
	r.Err = cellErr
	return r
}

// DecodePatch parses a patch document.
func DecodePatch(data []byte) (Patch, error) {
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return Patch{}, fmt.Errorf("decode patch: %w", err)
	}
	return p, nil
}

// PatchFromValue converts a generic value (as stored in a label) into a Patch.
func PatchFromValue(v any) (Patch, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Patch{}, fmt.Errorf("encode patch value: %w", err)
	}
	return DecodePatch(data)
}
