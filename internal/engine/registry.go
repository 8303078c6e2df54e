package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/table"
)

// Func is native executable logic. It is bound to one model: a
// run_<name> trigger only runs it on the model it was registered for, and
// the same trigger on any other model records func_not_found unless that
// model carries a function label.
type Func func(ctx context.Context, env *Env) error

type funcKey struct {
	modelID int
	name    string
}

// RegisterFunc registers native logic under name on modelID, replacing any
// previous registration. Native functions win over function label bodies.
func (e *Engine) RegisterFunc(modelID int, name string, fn Func) {
	e.funcMu.Lock()
	defer e.funcMu.Unlock()
	e.funcs[funcKey{modelID, name}] = fn
}

// UnregisterFunc removes a native function from modelID.
func (e *Engine) UnregisterFunc(modelID int, name string) {
	e.funcMu.Lock()
	defer e.funcMu.Unlock()
	delete(e.funcs, funcKey{modelID, name})
}

// Funcs returns the native function names registered on modelID, sorted.
func (e *Engine) Funcs(modelID int) []string {
	e.funcMu.RLock()
	defer e.funcMu.RUnlock()
	names := []string{}
	for k := range e.funcs {
		if k.modelID == modelID {
			names = append(names, k.name)
		}
	}
	sort.Strings(names)
	return names
}

func (e *Engine) nativeFunc(modelID int, name string) (Func, bool) {
	e.funcMu.RLock()
	defer e.funcMu.RUnlock()
	fn, ok := e.funcs[funcKey{modelID, name}]
	return fn, ok
}

// runTrigger executes the function named by the run_<name> label at
// (modelID, at), then removes the trigger.
//
// The trigger is skipped when it is gone or null by the time it is
// processed. Removal afterwards is idempotent: nothing happens when the
// function already removed it, and a trigger the function re-armed during
// its own execution is left in place for the next round.
func (e *Engine) runTrigger(ctx context.Context, modelID int, at ir.Coord, name string) bool {
	ref := ir.Ref(modelID, at, ir.TriggerKey(name))

	var (
		trigger ir.Label
		armed   bool
		start   int
	)
	e.View(func(t *table.Table) {
		trigger, armed = t.Label(ref)
		start = t.EventLen()
	})
	if !armed || trigger.V == nil {
		return false
	}

	e.logger.Debug("function executing",
		"model_id", modelID,
		"name", name,
		"cell", at.String(),
	)
	if err := e.invoke(ctx, modelID, at, name, trigger.V); err != nil {
		e.recordFailure(modelID, name, err)
	}

	e.Update(func(t *table.Table) {
		if rearmed(t.EventsFrom(start), ref) {
			e.logger.Debug("trigger re-armed by function", "model_id", modelID, "name", name)
			return
		}
		if _, ok := t.Label(ref); ok {
			t.RmLabel(modelID, at, ref.K)
		}
	})
	return true
}

// rearmed reports whether events contain an applied non-null write of ref.
func rearmed(events []ir.Event, ref ir.LabelRef) bool {
	for _, ev := range events {
		if ev.Op != ir.OpAddLabel || ev.Result != ir.ResultApplied || ev.Label == nil {
			continue
		}
		if ev.ModelID == ref.ModelID && ev.Coord() == ref.Coord() && ev.Label.K == ref.K && ev.Label.V != nil {
			return true
		}
	}
	return false
}

// invoke resolves and runs a function. Panics are recovered into an
// ExecError.
func (e *Engine) invoke(ctx context.Context, modelID int, at ir.Coord, name string, trigger any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExecError{ModelID: modelID, Name: name, Panic: true, Err: fmt.Errorf("%v", r)}
		}
	}()

	env := &Env{engine: e, modelID: modelID, name: name, at: at, trigger: trigger}
	if fn, ok := e.nativeFunc(modelID, name); ok {
		if err := fn(ctx, env); err != nil {
			return &ExecError{ModelID: modelID, Name: name, Err: err}
		}
		return nil
	}

	var (
		body  string
		found bool
	)
	e.View(func(t *table.Table) {
		var l ir.Label
		if l, _, found = t.FunctionLabel(modelID, name); found {
			body, _ = ir.String(l.V)
		}
	})
	if !found {
		return &ExecError{ModelID: modelID, Name: name, Err: ErrFunctionNotFound}
	}
	if body == "" {
		return &ExecError{ModelID: modelID, Name: name, Err: errors.New("function body is empty")}
	}
	if e.executor == nil {
		return &ExecError{ModelID: modelID, Name: name, Err: ErrNoExecutor}
	}
	if err := e.runScript(ctx, env, body); err != nil {
		return &ExecError{ModelID: modelID, Name: name, Err: err}
	}
	return nil
}

func (e *Engine) runScript(ctx context.Context, env *Env, body string) error {
	input, err := json.Marshal(ScriptInput{
		ModelID: env.modelID,
		Name:    env.name,
		P:       env.at.P,
		R:       env.at.R,
		C:       env.at.C,
		Trigger: env.trigger,
	})
	if err != nil {
		return fmt.Errorf("encode script input: %w", err)
	}

	out, err := e.executor.Execute(ctx, body, input)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}

	var writes []ScriptWrite
	if err := json.Unmarshal(out, &writes); err != nil {
		return fmt.Errorf("decode script output: %w", err)
	}
	for _, w := range writes {
		ref := ir.Ref(env.modelID, ir.Coord{P: w.P, R: w.R, C: w.C}, w.K)
		if w.Remove {
			env.RemoveLabel(ref)
			continue
		}
		v, err := ir.Normalize(w.V)
		if err != nil {
			return fmt.Errorf("script write %s: %w", ref, err)
		}
		if !env.WriteLabel(ref, w.T, v) {
			e.logger.Warn("script write rejected", "ref", ref.String())
		}
	}
	return nil
}

// recordFailure writes the error_<name> diagnostic label on the function
// model's origin cell.
func (e *Engine) recordFailure(modelID int, name string, err error) {
	e.logger.Warn("function failed",
		"model_id", modelID,
		"name", name,
		"error", err,
	)
	var cause error = err
	var ee *ExecError
	if errors.As(err, &ee) {
		cause = ee.Err
	}
	e.Update(func(t *table.Table) {
		if !t.HasModel(modelID) {
			return
		}
		t.AddLabel(modelID, ir.OriginCell, ir.Label{
			K: ir.ErrorLabelKey(name),
			T: ir.TagJSON,
			V: map[string]any{"name": name, "error": cause.Error()},
		})
	})
}
