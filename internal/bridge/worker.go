package bridge

import (
	"context"
	"fmt"

	"github.com/roach88/modeltable/internal/engine"
	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/table"
)

// FuncPatchIn is the native function that applies patches arriving on a
// model's patch_in pin.
const FuncPatchIn = ir.PinPatchIn

// AttachWorker makes modelID a patch worker: it declares the patch_in and
// patch_out pins and registers the function that applies incoming patches.
//
// Each op id is applied at most once per worker model. An applied patch is
// echoed on patch_out so the bridge can report it on the relay.
func AttachWorker(e *engine.Engine, modelID int, name string) {
	e.Update(func(t *table.Table) {
		t.CreateModel(modelID, name, ir.ModelTypeData)
		t.AddLabel(modelID, ir.PinRegistryCell, ir.Label{K: ir.PinPatchIn, T: ir.TagPinIn, V: ir.PinPatchIn})
		t.AddLabel(modelID, ir.PinRegistryCell, ir.Label{K: ir.PinPatchOut, T: ir.TagPinOut, V: ir.PinPatchOut})
	})
	e.RegisterFunc(modelID, FuncPatchIn, applyIncoming)
}

func applyIncoming(_ context.Context, env *engine.Env) error {
	v := env.Trigger()
	if obj, ok := ir.Object(v); ok {
		if t, _ := ir.String(obj["t"]); t == ir.TagOut {
			v = obj["value"]
		}
	}
	p, err := ir.PatchFromValue(v)
	if err != nil {
		return err
	}
	if p.Version != ir.PatchVersion {
		return fmt.Errorf("unsupported patch version %q", p.Version)
	}
	if p.OpID == "" {
		return fmt.Errorf("patch has no op id")
	}

	seen := ir.Ref(env.ModelID(), ir.SeenCell, ir.SeenKey(p.OpID))
	if _, dup := env.ReadLabel(seen); dup {
		env.Logger().Debug("duplicate patch dropped", "op_id", p.OpID)
		return nil
	}
	env.WriteLabel(seen, ir.TagBool, true)

	res := env.ApplyPatch(p, true)
	env.Logger().Info("patch applied",
		"op_id", p.OpID,
		"applied", res.Applied,
		"rejected", res.Rejected,
	)

	echo, err := ir.Normalize(p)
	if err != nil {
		return err
	}
	env.WriteLabel(ir.Ref(env.ModelID(), ir.PinMailboxCell, ir.PinPatchOut), ir.TagOut, echo)
	return nil
}
