package cli

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/transport/relay"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name      string
		action    string
		opts      SendOptions
		wantValue any
		wantErr   string
	}{
		{
			name:      "string value",
			action:    ir.ActionLabelAdd,
			opts:      SendOptions{ModelID: 1, P: 1, R: 1, C: 1, K: "title", T: "str", V: "hello"},
			wantValue: ir.LabelValue{T: "str", V: "hello"},
		},
		{
			name:      "json value",
			action:    ir.ActionLabelUpdate,
			opts:      SendOptions{ModelID: 1, K: "n", T: "int", V: "42"},
			wantValue: ir.LabelValue{T: "int", V: int64(42)},
		},
		{
			name:      "raw value",
			action:    ir.ActionSubmodelCreate,
			opts:      SendOptions{Value: `{"id": 5, "name": "child", "type": "Data"}`},
			wantValue: map[string]any{"id": int64(5), "name": "child", "type": "Data"},
		},
		{
			name:   "cell clear has no value",
			action: ir.ActionCellClear,
			opts:   SendOptions{ModelID: 1, P: 2, R: 2, C: 2},
		},
		{
			name:    "unknown action",
			action:  "explode",
			wantErr: `unknown action "explode"`,
		},
		{
			name:    "submodel without value",
			action:  ir.ActionSubmodelCreate,
			wantErr: "requires --value",
		},
		{
			name:    "bad raw value",
			action:  ir.ActionLabelAdd,
			opts:    SendOptions{Value: "{"},
			wantErr: "--value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			opts.OpID = "op-1"
			env, err := buildCommand(&opts, tt.action)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.action, env.Type)
			assert.Equal(t, ir.SourceUIRenderer, env.Source)
			assert.Equal(t, "op-1", env.Payload.Meta.OpID)
			assert.Equal(t, tt.wantValue, env.Payload.Value)

			action, err := ir.ActionFromPayload(mustObject(t, env.Payload))
			require.NoError(t, err)
			assert.Equal(t, tt.action, action.ActionName())
		})
	}
}

func mustObject(t *testing.T, v any) map[string]any {
	t.Helper()
	n, err := ir.Normalize(v)
	require.NoError(t, err)
	obj, ok := ir.Object(n)
	require.True(t, ok)
	return obj
}

func TestBuildCommandGeneratesOpID(t *testing.T) {
	opts := &SendOptions{ModelID: 1, K: "a", T: "str", V: "x"}
	first, err := buildCommand(opts, ir.ActionLabelAdd)
	require.NoError(t, err)
	second, err := buildCommand(opts, ir.ActionLabelAdd)
	require.NoError(t, err)

	assert.NotEmpty(t, first.Payload.Meta.OpID)
	assert.NotEqual(t, first.Payload.Meta.OpID, second.Payload.Meta.OpID)
}

func TestSendCommandPublishes(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	out, err := execute(t, "--format", "json", "send", "label_add",
		"--relay-addr", mr.Addr(),
		"--stream", "test:relay",
		"--model", "1", "--p", "1", "--r", "1", "--c", "1",
		"--k", "title", "--v", "hello",
		"--op-id", "op-s1",
	)
	require.NoError(t, err, out)

	var res SendResult
	decodeData(t, out, &res)
	assert.Equal(t, SendResult{OpID: "op-s1", Action: "label_add", Stream: "test:relay"}, res)

	s := relay.NewStream(&redis.Options{Addr: mr.Addr()}, relay.WithStream("test:relay"))
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got := make(chan ir.RelayEvent, 1)
	go s.Consume(ctx, func(ev ir.RelayEvent) { got <- ev })
	select {
	case ev := <-got:
		assert.Equal(t, ir.RelayVersion, ev.Version)
		assert.Equal(t, ir.RelayTypeCommand, ev.Type)
		assert.Equal(t, "op-s1", ev.OpID)
		payload, ok := ir.Object(ev.Payload)
		require.True(t, ok)
		assert.Equal(t, "label_add", payload["action"])
	case <-ctx.Done():
		t.Fatal("relay event not consumed")
	}
}

func TestSendCommandInvalid(t *testing.T) {
	_, err := execute(t, "send", "explode")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid command")
}

func TestSendCommandUnreachableRelay(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	addr := mr.Addr()
	mr.Close()

	_, err := execute(t, "send", "cell_clear", "--relay-addr", addr, "--model", "1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to publish")
}
