package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(ErrCodeInvalid, "invalid patch", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	assert.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalid, resp.Error.Code)
	assert.Equal(t, "invalid patch", resp.Error.Message)
}

func TestOutputFormatter_JSONErrorWithDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	details := map[string]string{"file": "patch.json", "line": "42"}
	err := formatter.Error(ErrCodeIO, "read failed", details)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	assert.NotNil(t, resp.Error)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("3 file(s) valid")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "3 file(s) valid")
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: false,
	}

	err := formatter.Error(ErrCodeInvalid, "invalid patch", nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E_INVALID]")
	assert.Contains(t, buf.String(), "invalid patch")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	details := map[string]string{"file": "seed.toml"}
	err := formatter.Error(ErrCodeConfig, "bad seed", details)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E_CONFIG]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "text",
				Writer:    out,
				ErrWriter: errOut,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("checked %s", "seed.toml")

			assert.Empty(t, out.String())
			if tt.wantLog {
				assert.Contains(t, errOut.String(), "checked seed.toml")
			} else {
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestOutputFormatter_PassFail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	formatter.Pass("%s", "mailbox")
	formatter.Fail("relay_worker", "expected ok, got forbidden_k", "label absent")

	out := buf.String()
	assert.Contains(t, out, "✓ mailbox")
	assert.Contains(t, out, "✗ relay_worker")
	assert.Contains(t, out, "  expected ok, got forbidden_k\n")
	assert.Contains(t, out, "  label absent\n")
}

func TestOutputFormatter_PassFailSilentInJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	formatter.Pass("ok")
	formatter.Fail("bad", "detail")

	assert.Empty(t, buf.String())
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitSuccess, "done", nil))
	assert.Equal(t, ExitSuccess, GetExitCode(wrapped))

	inner := errors.New("dial tcp: refused")
	err := WrapExitError(ExitCommandError, "failed to publish", inner)
	assert.Equal(t, "failed to publish: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, inner)
}

func TestCLIError_JSON(t *testing.T) {
	resp := CLIResponse{
		Status: "error",
		Error: &CLIError{
			Code:    ErrCodeTestFailed,
			Message: "1 scenario(s) failed",
			Details: []string{"mailbox"},
		},
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded CLIResponse
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "error", decoded.Status)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, ErrCodeTestFailed, decoded.Error.Code)
	assert.Nil(t, decoded.Data)
}
