package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validEnvelope = `{
  "type": "label_add",
  "source": "ui_renderer",
  "payload": {
    "action": "label_add",
    "target": {"model_id": 1, "p": 0, "r": 0, "c": 0, "k": "x"},
    "value": {"t": "str", "v": "y"},
    "meta": {"op_id": "op-1"}
  }
}`

const validRelayEvent = `{"version": "v0", "type": "command", "op_id": "op-1", "payload": {}}`

func TestValidateCommandValidFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "patch.json", createPatch)
	writeFile(t, dir, "envelope.json", validEnvelope)
	writeFile(t, dir, "relay.json", validRelayEvent)
	writeFile(t, dir, "notes.txt", "ignored")

	out, err := execute(t, "--format", "json", "validate", dir,
		filepath.Join("..", "harness", "testdata", "seeds", "sensor.toml"),
		filepath.Join("..", "harness", "testdata", "scenarios", "mailbox.yaml"),
	)
	require.NoError(t, err, out)

	var res ValidationResult
	resp := decodeData(t, out, &res)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	// config + three json files + seed + scenario; notes.txt is skipped.
	assert.Len(t, res.Checked, 6)
}

func TestValidateCommandReportsErrors(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		wantKind string
	}{
		{
			name:     "patch_missing_op_id",
			file:     "p.json",
			content:  `{"version": "mt.v0", "records": []}`,
			wantKind: "patch",
		},
		{
			name:     "patch_bad_record",
			file:     "p.json",
			content:  `{"version": "mt.v0", "op_id": "a", "records": [{"op": "add_label", "model_id": 1}]}`,
			wantKind: "patch",
		},
		{
			name:     "relay_wrong_version",
			file:     "r.json",
			content:  `{"version": "v9", "type": "command", "payload": {}}`,
			wantKind: "relay_event",
		},
		{
			name:     "envelope_without_op_id",
			file:     "e.json",
			content:  `{"type": "x", "source": "ui_renderer", "payload": {"action": "x", "meta": {}}}`,
			wantKind: "envelope",
		},
		{
			name:     "seed_syntax",
			file:     "s.toml",
			content:  "[[model]\nid = ",
			wantKind: "seed",
		},
		{
			name:     "scenario_without_steps",
			file:     "s.yaml",
			content:  "name: empty\n",
			wantKind: "scenario",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, dir, tt.file, tt.content)

			out, err := execute(t, "--format", "json", "validate", path)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))

			var res ValidationResult
			resp := decodeData(t, out, &res)
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, ErrCodeInvalid, resp.Error.Code)
			assert.False(t, res.Valid)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, path, res.Errors[0].File)
			assert.Equal(t, tt.wantKind, res.Errors[0].Kind)
			assert.NotEmpty(t, res.Errors[0].Message)
		})
	}
}

func TestValidateCommandText(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.json", createPatch)
	bad := writeFile(t, dir, "bad.json", `{"version": "mt.v0"}`)

	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ 2 file(s) valid")

	out, err = execute(t, "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, out, "✗ "+bad)
	assert.NotContains(t, out, "file(s) valid")
}

func TestValidateCommandMissingPath(t *testing.T) {
	_, err := execute(t, "validate", "/nonexistent/patch.json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidateCommandBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "node.yaml", "bus:\n  driver: carrier-pigeon\n")

	out, err := execute(t, "--format", "json", "--config", cfg, "validate")
	require.Error(t, err)

	var res ValidationResult
	decodeData(t, out, &res)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "config", res.Errors[0].Kind)
	assert.Contains(t, res.Errors[0].Message, "bus.driver")
}
