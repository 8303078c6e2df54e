package cli

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "modeltable", cmd.Use)
	assert.Contains(t, cmd.Long, "event log")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "apply", "send", "log", "validate", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	for _, name := range []string{"db", "seed", "functions", "watch"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "flag --%s", name)
	}
	assert.Equal(t, "false", runCmd.Flags().Lookup("watch").DefValue)
}

func TestSendCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	sendCmd, _, err := cmd.Find([]string{"send"})
	require.NoError(t, err)

	tFlag := sendCmd.Flags().Lookup("t")
	require.NotNil(t, tFlag)
	assert.Equal(t, "str", tFlag.DefValue)

	for _, name := range []string{"model", "p", "r", "c", "k", "v", "value", "op-id", "relay-addr", "stream"} {
		assert.NotNil(t, sendCmd.Flags().Lookup(name), "flag --%s", name)
	}
}

func TestLogCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	logCmd, _, err := cmd.Find([]string{"log"})
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", logCmd.Flags().Lookup("driver").DefValue)
	assert.Equal(t, "0", logCmd.Flags().Lookup("after").DefValue)
	assert.Equal(t, "0", logCmd.Flags().Lookup("limit").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "xml", "validate"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestNewLoggerLevel(t *testing.T) {
	buf := &bytes.Buffer{}

	newLogger(buf, false).Debug("hidden")
	assert.Empty(t, buf.String())

	logger := newLogger(buf, true)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
	logger.Debug("shown", "k", "v")
	assert.Contains(t, buf.String(), "msg=shown")
	assert.Contains(t, buf.String(), "k=v")
}
