// Package patch applies mt.v0 patches to a table.
//
// Records are applied in the order given, independently of each other.
// There is no dependency resolution and no rollback: the result is a pair
// of counts and callers treat a patch as a best-effort batch.
package patch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/table"
)

// AutoModelType is the type given to models auto-created by add_label and
// rm_label records.
const AutoModelType = ir.ModelTypeData

// Options controls patch application.
type Options struct {
	// AllowCreateModel permits create_model records and auto-creation of
	// models referenced by label records. The root model is never created.
	AllowCreateModel bool

	// Logger receives per-record rejection details. Defaults to slog.Default().
	Logger *slog.Logger
}

// Result counts applied and rejected records.
type Result struct {
	Applied  int `json:"applied"`
	Rejected int `json:"rejected"`
}

// Apply applies every record of p to t.
func Apply(t *table.Table, p ir.Patch, opts Options) Result {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var res Result
	for i, rec := range p.Records {
		if err := applyRecord(t, rec, opts); err != nil {
			res.Rejected++
			logger.Debug("patch record rejected",
				"op_id", p.OpID,
				"index", i,
				"op", rec.Op,
				"error", err,
			)
			continue
		}
		res.Applied++
	}
	return res
}

func applyRecord(t *table.Table, rec ir.Record, opts Options) error {
	if rec.Err != nil {
		if errors.Is(rec.Err, ir.ErrInvalidCell) {
			rejectInvalidCell(t, rec)
		}
		return rec.Err
	}
	if rec.ModelID == nil {
		return fmt.Errorf("%s: model_id missing", rec.Op)
	}
	modelID := *rec.ModelID

	switch rec.Op {
	case ir.RecordCreateModel:
		if !opts.AllowCreateModel {
			return fmt.Errorf("create_model: model creation not allowed")
		}
		if modelID == ir.RootModelID {
			return fmt.Errorf("create_model: root model is reserved")
		}
		if rec.Name == "" || rec.Type == "" {
			return fmt.Errorf("create_model: name and type required")
		}
		t.CreateModel(modelID, rec.Name, rec.Type)
		return nil

	case ir.RecordCellClear:
		if !t.HasModel(modelID) {
			return fmt.Errorf("cell_clear: model %d not found", modelID)
		}
		at, ok := rec.Coord()
		if !ok {
			return fmt.Errorf("cell_clear: coordinates missing")
		}
		ClearCell(t, modelID, at)
		return nil

	case ir.RecordAddLabel:
		at, ok := rec.Coord()
		if !ok {
			return fmt.Errorf("add_label: coordinates missing")
		}
		if !rec.HasV {
			return fmt.Errorf("add_label: v missing")
		}
		if err := ensureModel(t, modelID, opts); err != nil {
			return err
		}
		if !t.AddLabel(modelID, at, ir.Label{K: rec.K, T: rec.T, V: rec.V}) {
			return fmt.Errorf("add_label: rejected by table")
		}
		return nil

	case ir.RecordRmLabel:
		at, ok := rec.Coord()
		if !ok {
			return fmt.Errorf("rm_label: coordinates missing")
		}
		if rec.K == "" {
			return fmt.Errorf("rm_label: k missing")
		}
		if err := ensureModel(t, modelID, opts); err != nil {
			return err
		}
		if !t.RmLabel(modelID, at, rec.K) {
			return fmt.Errorf("rm_label: label %q not found", rec.K)
		}
		return nil

	default:
		return fmt.Errorf("unknown record op %q", rec.Op)
	}
}

func ensureModel(t *table.Table, modelID int, opts Options) error {
	if t.HasModel(modelID) {
		return nil
	}
	if !opts.AllowCreateModel || modelID == ir.RootModelID {
		return fmt.Errorf("model %d not found", modelID)
	}
	t.CreateModel(modelID, fmt.Sprintf("auto_%d", modelID), AutoModelType)
	return nil
}

// Clearable reports whether a bulk clear may remove l. Mailbox state,
// forbidden keys and control-plane tags survive every clear.
func Clearable(l ir.Label) bool {
	if ir.IsMailboxStateKey(l.K) || ir.IsForbiddenKey(l.K) {
		return false
	}
	return !ir.IsControlTag(l.T)
}

// ClearCell removes every clearable label of a cell and returns how many
// labels were removed.
func ClearCell(t *table.Table, modelID int, at ir.Coord) int {
	removed := 0
	for _, l := range t.Labels(modelID, at) {
		if !Clearable(l) {
			continue
		}
		if t.RmLabel(modelID, at, l.K) {
			removed++
		}
	}
	return removed
}

// rejectInvalidCell logs a record with a non-integer coordinate as an
// invalid_cell error entry. Like other table rejections it is only logged
// against an existing model.
func rejectInvalidCell(t *table.Table, rec ir.Record) {
	if rec.ModelID == nil || !t.HasModel(*rec.ModelID) {
		return
	}
	var at ir.Coord
	if rec.P != nil {
		at.P = *rec.P
	}
	if rec.R != nil {
		at.R = *rec.R
	}
	if rec.C != nil {
		at.C = *rec.C
	}
	var attempted *ir.Label
	switch rec.Op {
	case ir.RecordAddLabel:
		attempted = &ir.Label{K: rec.K, T: rec.T, V: rec.V}
	case ir.RecordRmLabel:
		attempted = &ir.Label{K: rec.K}
	case ir.RecordCellClear:
	default:
		return
	}
	t.Reject(*rec.ModelID, at, attempted, ir.ReasonInvalidCell)
}
