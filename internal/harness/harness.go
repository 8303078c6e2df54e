package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/modeltable/internal/bridge"
	"github.com/roach88/modeltable/internal/config"
	"github.com/roach88/modeltable/internal/engine"
	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/mailbox"
	"github.com/roach88/modeltable/internal/patch"
	"github.com/roach88/modeltable/internal/table"
	"github.com/roach88/modeltable/internal/testutil"
	"github.com/roach88/modeltable/internal/transport/membus"
	"github.com/roach88/modeltable/internal/transport/relay"
	"github.com/roach88/modeltable/internal/watch"
)

// DefaultStepTimeout bounds how long one step may take to settle.
const DefaultStepTimeout = 5 * time.Second

// Harness executes one scenario against a fresh engine.
type Harness struct {
	engine  *engine.Engine
	hub     *membus.Hub
	relay   *relay.Memory
	bridge  *bridge.Bridge
	opIDs   *testutil.SequentialOpIDs
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures a run.
type Option func(*Harness)

// WithLogger routes engine logs. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithStepTimeout overrides DefaultStepTimeout.
func WithStepTimeout(d time.Duration) Option {
	return func(h *Harness) { h.timeout = d }
}

// Run executes a scenario and evaluates its assertions.
//
// The returned error reports a scenario that could not be executed at all
// (bad seed, engine failure). Failed expectations and assertions are
// reported in Result.Errors instead.
func Run(s *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		hub:     membus.NewHub(),
		relay:   relay.NewMemory(),
		opIDs:   testutil.NewSequentialOpIDs(s.OpIDPrefix),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.engine = engine.New(
		engine.WithBus(membus.NewClient(h.hub, "engine")),
		engine.WithRelay(h.relay),
		engine.WithLogger(h.logger),
	)
	defer h.engine.Close()
	mailbox.Attach(h.engine)

	ctx := context.Background()
	if err := h.setup(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result := NewResult()
	for i, step := range s.Steps {
		if err := h.step(ctx, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	result.Events = h.engine.Events()
	result.Published = h.hub.Published()
	result.Relay = h.relay.Events()

	for _, msg := range EvaluateAssertions(h.state(result), s.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// RunFile loads and runs a scenario file.
func RunFile(path string, opts ...Option) (*Scenario, *Result, error) {
	s, err := LoadScenario(path)
	if err != nil {
		return nil, nil, err
	}
	res, err := Run(s, opts...)
	return s, res, err
}

func (h *Harness) setup(ctx context.Context, s *Scenario) error {
	if path := s.SeedPath(); path != "" {
		seed, err := config.LoadSeed(path)
		if err != nil {
			return err
		}
		p, err := seed.Patch(h.opIDs.Generate())
		if err != nil {
			return err
		}
		res := h.engine.ApplyPatch(p, patch.Options{AllowCreateModel: true, Logger: h.logger})
		if res.Rejected > 0 {
			return fmt.Errorf("seed %s: %d records rejected", path, res.Rejected)
		}
	}

	for _, m := range s.Models {
		typ := m.Type
		if typ == "" {
			typ = ir.ModelTypeData
		}
		h.engine.CreateModel(m.ID, m.Name, typ)
	}

	for _, f := range s.Functions {
		h.engine.Update(func(t *table.Table) {
			if !t.HasModel(f.Model) {
				t.CreateModel(f.Model, "functions", ir.ModelTypeData)
			}
			t.AddLabel(f.Model, watch.FunctionCell, ir.Label{K: f.Name, T: ir.TagFunction, V: f.Body})
		})
	}

	if s.bridged() {
		var bopts []bridge.Option
		for i, id := range s.Workers {
			bridge.AttachWorker(h.engine, id, fmt.Sprintf("worker_%d", id))
			if i == 0 {
				bopts = append(bopts, bridge.WithWorkerModel(id))
			}
		}
		bopts = append(bopts, bridge.WithLogger(h.logger))
		h.bridge = bridge.New(h.engine, bopts...)
		if err := h.bridge.Install(ctx); err != nil {
			return err
		}
		if err := h.engine.StartBus(ctx); err != nil {
			return err
		}
	}

	return h.settle(ctx, h.engine.Tick())
}

func (h *Harness) step(ctx context.Context, step Step, result *Result) error {
	switch {
	case step.Command != nil:
		env := h.envelope(step.Command)
		d, err := mailbox.Submit(h.engine, env)
		if err != nil {
			return err
		}
		if err := h.settle(ctx, d); err != nil {
			return err
		}
		h.checkCommand(env.Payload.Meta.OpID, step.Expect, result)

	case step.Patch != nil:
		p, err := h.patch(step.Patch)
		if err != nil {
			return err
		}
		res := h.engine.ApplyPatch(p, patch.Options{AllowCreateModel: step.Patch.AllowCreateModel, Logger: h.logger})
		if err := h.settle(ctx, h.engine.Tick()); err != nil {
			return err
		}
		checkPatch(p.OpID, res, step.Expect, result)

	case step.Bus != nil:
		payload, err := ir.MarshalCanonical(step.Bus.Payload)
		if err != nil {
			return fmt.Errorf("bus payload: %w", err)
		}
		if err := h.settle(ctx, h.engine.Deliver(step.Bus.Topic, payload)); err != nil {
			return err
		}

	case step.Relay != nil:
		env := h.envelope(step.Relay)
		if err := h.settle(ctx, h.bridge.HandleRelay(testutil.RelayCommand(env))); err != nil {
			return err
		}
	}
	return nil
}

// settle waits for d and then for one more drain, so work queued by
// synchronous bus deliveries during d is finished too.
func (h *Harness) settle(ctx context.Context, d *engine.Drain) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if _, err := d.Wait(ctx); err != nil {
		return err
	}
	_, err := h.engine.Tick().Wait(ctx)
	return err
}

func (h *Harness) envelope(c *CommandStep) ir.Envelope {
	opID := c.OpID
	if opID == "" {
		opID = h.opIDs.Generate()
	}
	var target *ir.Target
	if c.Target != nil {
		target = &ir.Target{ModelID: c.Target.ModelID, P: c.Target.P, R: c.Target.R, C: c.Target.C, K: c.Target.K}
	}
	return ir.NewCommand(c.Action, target, c.Value, opID)
}

func (h *Harness) patch(ps *PatchStep) (ir.Patch, error) {
	opID := ps.OpID
	if opID == "" {
		opID = h.opIDs.Generate()
	}
	records := make([]any, len(ps.Records))
	for i, r := range ps.Records {
		records[i] = r
	}
	return ir.PatchFromValue(map[string]any{
		"version": ir.PatchVersion,
		"op_id":   opID,
		"records": records,
	})
}

func (h *Harness) checkCommand(opID string, expect *ExpectClause, result *Result) {
	if expect == nil {
		return
	}
	var (
		last   string
		cmdErr *mailbox.CommandError
		failed bool
	)
	h.engine.View(func(t *table.Table) {
		last = mailbox.LastOpID(t)
		cmdErr, failed = mailbox.LastError(t)
	})
	if failed && cmdErr.OpID != opID {
		failed = false
	}

	switch {
	case expect.OK:
		if failed {
			result.AddError(fmt.Sprintf("command %s: expected ok, got %s", opID, cmdErr))
		} else if last != opID {
			result.AddError(fmt.Sprintf("command %s: expected ok, last applied op id is %q", opID, last))
		}
	case expect.Error != "":
		if !failed {
			result.AddError(fmt.Sprintf("command %s: expected error %s, command was not rejected", opID, expect.Error))
		} else if cmdErr.Code != expect.Error {
			result.AddError(fmt.Sprintf("command %s: expected error %s, got %s", opID, expect.Error, cmdErr))
		}
	}
}

func checkPatch(opID string, res patch.Result, expect *ExpectClause, result *Result) {
	if expect == nil {
		return
	}
	if expect.Applied != nil && *expect.Applied != res.Applied {
		result.AddError(fmt.Sprintf("patch %s: expected %d applied, got %d", opID, *expect.Applied, res.Applied))
	}
	if expect.Rejected != nil && *expect.Rejected != res.Rejected {
		result.AddError(fmt.Sprintf("patch %s: expected %d rejected, got %d", opID, *expect.Rejected, res.Rejected))
	}
}

func (h *Harness) state(result *Result) *State {
	st := &State{
		Events:    result.Events,
		Published: result.Published,
		Relay:     result.Relay,
	}
	h.engine.View(func(t *table.Table) {
		st.LastOpID = mailbox.LastOpID(t)
		if e, ok := mailbox.LastError(t); ok {
			st.LastError = e
		}
		st.labels = snapshotLabels(t)
	})
	return st
}

func snapshotLabels(t *table.Table) map[ir.LabelRef]ir.Label {
	out := make(map[ir.LabelRef]ir.Label)
	for _, m := range t.Models() {
		t.ForEachLabel(m.ID, func(at ir.Coord, l ir.Label) {
			out[ir.Ref(m.ID, at, l.K)] = l
		})
	}
	return out
}
