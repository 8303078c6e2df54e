package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/transport/membus"
)

func TestRunWithGolden_PatchScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/patch_golden.yaml")
	require.NoError(t, err)

	res, err := RunWithGolden(t, s)
	require.NoError(t, err)
	assert.True(t, res.Pass)
}

func TestSnapshot_CanonicalForm(t *testing.T) {
	res := &Result{
		Events: []ir.Event{{
			ID:      1,
			Op:      ir.OpError,
			ModelID: 2,
			Result:  ir.ResultRejected,
			Reason:  ir.ReasonModelNotFound,
		}},
		Published: []membus.Message{{Topic: "b"}, {Topic: "a"}},
	}

	data, err := ir.MarshalCanonical(Snapshot("s", res))
	require.NoError(t, err)
	assert.Equal(t,
		`{"events":[{"c":0,"event_id":1,"model_id":2,"op":"error","p":0,"r":0,"reason":"model_not_found","result":"rejected"}],"published":["b","a"],"scenario_name":"s"}`,
		string(data))
}
