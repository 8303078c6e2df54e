package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/modeltable/internal/ir"
)

// TraceSnapshot is the golden form of a run: the event log plus bus
// traffic, serialized as canonical JSON.
type TraceSnapshot struct {
	ScenarioName string     `json:"scenario_name"`
	Events       []ir.Event `json:"events"`
	Published    []string   `json:"published,omitempty"`
}

// Snapshot builds the golden form of a result. Published lists topics in
// publish order; payloads are already reflected in the event log.
func Snapshot(name string, r *Result) TraceSnapshot {
	snap := TraceSnapshot{ScenarioName: name, Events: r.Events}
	for _, m := range r.Published {
		snap.Published = append(snap.Published, m.Topic)
	}
	return snap
}

// RunWithGolden executes a scenario, fails t on unmet expectations and
// compares the trace against testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(s)
	if err != nil {
		return nil, err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return result, AssertGolden(t, s.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := ir.MarshalCanonical(Snapshot(name, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
