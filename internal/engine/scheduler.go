package engine

import (
	"context"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/table"
)

// DrainResult summarizes one drain.
type DrainResult struct {
	// Rounds is the number of rounds the drain ran.
	Rounds int

	// Executed counts function executions.
	Executed int

	// Intercepts counts intercepts consumed, run_func included.
	Intercepts int

	// Delivered counts inbound bus messages routed into the table.
	Delivered int
}

// Drain is the completion handle of one drain. Every Tick issued while the
// drain runs returns the same handle.
type Drain struct {
	done   chan struct{}
	result DrainResult
	err    error
}

func newDrain() *Drain {
	return &Drain{done: make(chan struct{})}
}

// Done is closed when the drain finishes.
func (d *Drain) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the drain finishes or ctx is done.
func (d *Drain) Wait(ctx context.Context) (DrainResult, error) {
	select {
	case <-d.done:
		return d.result, d.err
	case <-ctx.Done():
		return DrainResult{}, ctx.Err()
	}
}

func (d *Drain) finish(err error) {
	d.err = err
	close(d.done)
}

// Tick requests a drain. When idle it starts one; while draining it marks
// another round requested and returns the in-flight drain, which resolves
// only after a round that started after this call.
func (e *Engine) Tick() *Drain {
	e.schedMu.Lock()
	if e.closed {
		e.schedMu.Unlock()
		d := newDrain()
		d.finish(ErrClosed)
		return d
	}
	if e.current != nil {
		e.requested = true
		d := e.current
		e.schedMu.Unlock()
		return d
	}
	d := newDrain()
	e.current = d
	e.requested = false
	e.drains++
	e.schedMu.Unlock()

	go e.drain(d)
	return d
}

// DrainCount returns how many drain bodies have started.
func (e *Engine) DrainCount() int {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	return e.drains
}

// Draining reports whether a drain is in flight.
func (e *Engine) Draining() bool {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	return e.current != nil
}

func (e *Engine) drain(d *Drain) {
	ctx := context.Background()
	quota := newRoundQuota(e.maxRounds)

	for {
		e.schedMu.Lock()
		e.requested = false
		e.schedMu.Unlock()

		if err := quota.Check(); err != nil {
			e.logger.Error("drain stopped at round limit",
				"rounds", d.result.Rounds,
				"limit", e.maxRounds,
			)
			e.Update(func(t *table.Table) {
				t.Reject(ir.SystemModelID, ir.OriginCell, nil, ir.ReasonRoundLimit)
			})
			e.schedMu.Lock()
			e.current = nil
			e.schedMu.Unlock()
			d.finish(err)
			return
		}

		changed := e.round(ctx, &d.result)
		d.result.Rounds++

		e.schedMu.Lock()
		if !changed && !e.requested {
			e.current = nil
			e.schedMu.Unlock()
			e.logger.Debug("drain complete",
				"rounds", d.result.Rounds,
				"executed", d.result.Executed,
			)
			d.finish(nil)
			return
		}
		e.schedMu.Unlock()
	}
}

type pendingTrigger struct {
	modelID int
	at      ir.Coord
	name    string
}

// round runs one drain round and reports whether it produced new work.
func (e *Engine) round(ctx context.Context, res *DrainResult) bool {
	for {
		m, ok := e.inbound.TryDequeue()
		if !ok {
			break
		}
		e.deliver(m)
		res.Delivered++
	}

	var (
		logLen, icLen int
		intercepts    []ir.Intercept
		handlers      map[ir.InterceptKind]InterceptHandler
	)
	e.View(func(t *table.Table) {
		logLen = t.EventLen()
		icLen = t.InterceptLen()
		intercepts = t.InterceptsFrom(e.interceptCursor, icLen)
		e.interceptCursor = icLen
		handlers = make(map[ir.InterceptKind]InterceptHandler, len(e.handlers))
		for k, h := range e.handlers {
			handlers[k] = h
		}
	})

	for _, in := range intercepts {
		res.Intercepts++
		if in.Kind == ir.InterceptRunFunc {
			if e.runTrigger(ctx, in.ModelID, ir.Coord{P: in.P, R: in.R, C: in.C}, in.Name) {
				res.Executed++
			}
			continue
		}
		h, ok := handlers[in.Kind]
		if !ok {
			e.logger.Debug("no handler for intercept", "kind", in.Kind, "model_id", in.ModelID)
			continue
		}
		e.handle(ctx, h, in)
	}

	for _, pt := range e.systemTriggers() {
		if e.runTrigger(ctx, pt.modelID, pt.at, pt.name) {
			res.Executed++
		}
	}

	changed := false
	e.View(func(t *table.Table) {
		e.eventCursor = t.EventLen()
		changed = t.EventLen() > logLen || t.InterceptLen() > icLen
	})
	return changed || e.inbound.Len() > 0
}

// handle runs an intercept handler, recovering panics.
func (e *Engine) handle(ctx context.Context, h InterceptHandler, in ir.Intercept) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("intercept handler panicked", "kind", in.Kind, "panic", r)
		}
	}()
	h(ctx, e, in)
}

// systemTriggers lists armed run_<name> labels on the system model whose
// function resolves and which no queued intercept will already execute.
// These are triggers written outside the intercept path: restored from a
// snapshot, or armed before their function existed.
func (e *Engine) systemTriggers() []pendingTrigger {
	var out []pendingTrigger
	e.View(func(t *table.Table) {
		queued := make(map[pendingTrigger]bool)
		for _, in := range t.InterceptsFrom(e.interceptCursor, t.InterceptLen()) {
			if in.Kind == ir.InterceptRunFunc {
				queued[pendingTrigger{in.ModelID, ir.Coord{P: in.P, R: in.R, C: in.C}, in.Name}] = true
			}
		}
		t.ForEachLabel(ir.SystemModelID, func(at ir.Coord, l ir.Label) {
			name, ok := ir.TriggerName(l.K)
			if !ok || l.V == nil || !t.HasFunction(ir.SystemModelID, name) {
				return
			}
			pt := pendingTrigger{ir.SystemModelID, at, name}
			if !queued[pt] {
				out = append(out, pt)
			}
		})
	})
	return out
}

// EventCursor returns the position up to which the engine has consumed the
// event log.
func (e *Engine) EventCursor() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.eventCursor
}
