package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/modeltable/internal/config"
	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/store"
	"github.com/roach88/modeltable/internal/testutil"
	"github.com/roach88/modeltable/internal/transport/membus"
	"github.com/roach88/modeltable/internal/transport/mqtt"
	"github.com/roach88/modeltable/internal/transport/redisbus"
	"github.com/roach88/modeltable/internal/transport/relay"
	"github.com/roach88/modeltable/internal/watch"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, settings map[string]any) config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	for k, val := range settings {
		v.Set(k, val)
	}
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func TestNewBus(t *testing.T) {
	cfg := testConfig(t, nil).Bus

	bus, err := NewBus(cfg, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, bus)

	cfg.Driver = config.DriverMemory
	bus, err = NewBus(cfg, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &membus.Client{}, bus)

	cfg.Driver = config.DriverRedis
	bus, err = NewBus(cfg, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &redisbus.Bus{}, bus)

	cfg.Driver = config.DriverMQTT
	bus, err = NewBus(cfg, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &mqtt.Client{}, bus)

	cfg.Driver = "pigeon"
	_, err = NewBus(cfg, discardLogger())
	assert.ErrorContains(t, err, `unknown bus driver "pigeon"`)
}

func TestNewRelay(t *testing.T) {
	cfg := testConfig(t, nil).Relay

	r, err := NewRelay(cfg, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, r)

	cfg.Driver = config.DriverMemory
	r, err = NewRelay(cfg, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &relay.Memory{}, r)

	cfg.Driver = config.DriverRedis
	r, err = NewRelay(cfg, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &relay.Stream{}, r)
	require.NoError(t, r.Close())

	cfg.Driver = "pigeon"
	_, err = NewRelay(cfg, discardLogger())
	assert.ErrorContains(t, err, `unknown relay driver "pigeon"`)
}

func TestNodeSeedAndFunctions(t *testing.T) {
	dir := t.TempDir()
	seed := writeFile(t, dir, "seed.toml", `
[[model]]
id = 2
name = "doc"

[[label]]
model_id = 2
p = 1
r = 1
c = 1
k = "title"
t = "str"
v = "seeded"
`)
	funcs := filepath.Join(dir, "funcs")
	require.NoError(t, os.MkdirAll(funcs, 0755))
	writeFile(t, funcs, "noop.go", "func Run(input string) (string, error) {\n\treturn `[]`, nil\n}\n")

	cfg := testConfig(t, map[string]any{
		"seed.path":     seed,
		"functions.dir": funcs,
	})
	node, err := NewNode(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer node.Close()

	l, ok := node.Engine.ReadLabel(ir.Ref(2, ir.Coord{P: 1, R: 1, C: 1}, "title"))
	require.True(t, ok)
	assert.Equal(t, "seeded", l.V)

	fn, ok := node.Engine.ReadLabel(ir.Ref(cfg.Functions.Model, watch.FunctionCell, "noop"))
	require.True(t, ok)
	assert.Equal(t, ir.TagFunction, fn.T)
}

func TestNodeBridgeRoundTrip(t *testing.T) {
	db := filepath.Join(t.TempDir(), "node.db")
	cfg := testConfig(t, map[string]any{
		"bus.driver":                 config.DriverMemory,
		"relay.driver":               config.DriverMemory,
		"bridge.enabled":             true,
		"bridge.workers":             []int{1},
		"persistence.path":           db,
		"persistence.audit_interval": "20ms",
	})

	node, err := NewNode(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	ref := ir.Ref(1, ir.Coord{P: 1, R: 1, C: 1}, "title")
	cmd := testutil.RelayCommand(testutil.LabelAdd("op-n1", ref, ir.TagStr, "hello"))
	require.NoError(t, node.Relay.PublishRelay(context.Background(), cmd))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()

	require.Eventually(t, func() bool {
		l, ok := node.Engine.ReadLabel(ref)
		return ok && l.V == "hello"
	}, 2*time.Second, 10*time.Millisecond)

	mem := node.Relay.(*relay.Memory)
	require.Eventually(t, func() bool {
		for _, ev := range mem.Events() {
			if ev.Type == ir.RelayTypeSnapshotDelta && ev.OpID == "op-n1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("node did not stop")
	}
	node.Close()

	s, err := store.Open(db)
	require.NoError(t, err)
	defer s.Close()
	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Positive(t, snap.LastEventID)

	var found bool
	for _, sl := range snap.Labels {
		if sl.ModelID == 1 && sl.Label.K == "title" {
			found = true
			assert.Equal(t, "hello", sl.Label.V)
		}
	}
	assert.True(t, found, "title label persisted")
}

func TestNodeRunStopsOnCancel(t *testing.T) {
	node, err := NewNode(context.Background(), testConfig(t, nil), discardLogger())
	require.NoError(t, err)
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, node.Run(ctx))
}
