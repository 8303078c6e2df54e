package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_Fixtures(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		t.Run(filepath.Base(f), func(t *testing.T) {
			s, err := LoadScenario(f)
			require.NoError(t, err)
			assert.NotEmpty(t, s.Name)
			assert.NotEmpty(t, s.Steps)
		})
	}
}

func TestLoadScenario_ResolvesSeedPath(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/bus_pin.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("testdata", "seeds", "sensor.toml"), s.SeedPath())
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	doc := `name: x
description: y
step:
  - bus: { topic: a, payload: 1 }
assertions:
  - { type: last_op_id, op_id: op-1 }
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	const head = "name: x\ndescription: y\n"
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing name",
			doc:  "description: y\nsteps: [{bus: {topic: a}}]\nassertions: [{type: last_op_id, op_id: a}]\n",
			want: "name is required",
		},
		{
			name: "no steps",
			doc:  head + "assertions: [{type: last_op_id, op_id: a}]\n",
			want: "steps list is required",
		},
		{
			name: "no assertions",
			doc:  head + "steps: [{bus: {topic: a}}]\n",
			want: "assertions list is required",
		},
		{
			name: "two step kinds",
			doc:  head + "steps: [{bus: {topic: a}, command: {action: cell_clear}}]\nassertions: [{type: last_op_id, op_id: a}]\n",
			want: "exactly one of",
		},
		{
			name: "relay without bridge",
			doc:  head + "steps: [{relay: {action: cell_clear}}]\nassertions: [{type: last_op_id, op_id: a}]\n",
			want: "requires bridge",
		},
		{
			name: "patch expectation on command",
			doc:  head + "steps: [{command: {action: cell_clear}, expect: {applied: 1}}]\nassertions: [{type: last_op_id, op_id: a}]\n",
			want: "apply to patch steps",
		},
		{
			name: "root model",
			doc:  head + "models: [{id: 0, name: r}]\nsteps: [{bus: {topic: a}}]\nassertions: [{type: last_op_id, op_id: a}]\n",
			want: "root model",
		},
		{
			name: "unknown assertion",
			doc:  head + "steps: [{bus: {topic: a}}]\nassertions: [{type: trace_order}]\n",
			want: `unknown assertion type "trace_order"`,
		},
		{
			name: "label assertion without key",
			doc:  head + "steps: [{bus: {topic: a}}]\nassertions: [{type: label_absent, ref: {model_id: 1}}]\n",
			want: "ref with k is required",
		},
		{
			name: "count missing",
			doc:  head + "steps: [{bus: {topic: a}}]\nassertions: [{type: event_count, op: error}]\n",
			want: "non-negative count",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenario_Bridged(t *testing.T) {
	doc := `name: x
description: y
workers: [3]
steps:
  - relay: { action: cell_clear, target: { model_id: 3, p: 1, r: 1, c: 1 } }
assertions:
  - { type: relay_count, count: 0 }
`
	s, err := ParseScenario([]byte(doc))
	require.NoError(t, err)
	assert.True(t, s.bridged())
	assert.Equal(t, 3, s.Steps[0].Relay.Target.ModelID)
}
