package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/modeltable/internal/engine"
	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/table"
)

const script = `func Run(input string) (string, error) {
	return ` + "`" + `[{"p":1,"r":0,"c":0,"k":"stamped","t":"str","v":"VALUE"}]` + "`" + `, nil
}
`

func writeScript(t *testing.T, dir, name, value string) {
	t.Helper()
	body := []byte(replaceValue(script, value))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), body, 0o644))
}

func replaceValue(s, v string) string {
	return strings.ReplaceAll(s, "VALUE", v)
}

func functionBody(e *engine.Engine, name string) (string, bool) {
	l, ok := e.ReadLabel(ir.Ref(1, FunctionCell, name))
	if !ok {
		return "", false
	}
	body, _ := l.V.(string)
	return body, true
}

func TestFunctionName(t *testing.T) {
	tests := []struct {
		path string
		name string
		ok   bool
	}{
		{"/x/stamp.go", "stamp", true},
		{"stamp_test.go", "", false},
		{"_helper.go", "", false},
		{"notes.md", "", false},
		{"run_job.go", "", false},
		{".go", "", false},
	}
	for _, tt := range tests {
		name, ok := FunctionName(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.name, name, tt.path)
	}
}

func TestLoadAll_LoadsRunnableFunctions(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "stamp.go", "one")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644))

	e := engine.New()
	t.Cleanup(e.Close)
	w := New(e, dir, 1)

	names, err := w.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"stamp"}, names)

	d := e.Mutate(func(tb *table.Table) {
		tb.AddLabel(1, ir.OriginCell, ir.Label{K: ir.TriggerKey("stamp"), T: ir.TagJSON, V: true})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = d.Wait(ctx)
	require.NoError(t, err)

	l, ok := e.ReadLabel(ir.Ref(1, ir.Coord{P: 1}, "stamped"))
	require.True(t, ok)
	assert.Equal(t, "one", l.V)
}

func TestLoadAll_MissingDir(t *testing.T) {
	e := engine.New()
	t.Cleanup(e.Close)
	_, err := New(e, filepath.Join(t.TempDir(), "missing"), 1).LoadAll()
	assert.Error(t, err)
}

func TestWatcher_HotReload(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "stamp.go", "one")

	e := engine.New()
	t.Cleanup(e.Close)
	w := New(e, dir, 1, WithDebounce(10*time.Millisecond))
	_, err := w.LoadAll()
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	writeScript(t, dir, "stamp.go", "two")
	require.Eventually(t, func() bool {
		body, ok := functionBody(e, "stamp")
		return ok && replaceValue(script, "two") == body
	}, 2*time.Second, 10*time.Millisecond)

	writeScript(t, dir, "fresh.go", "new")
	require.Eventually(t, func() bool {
		_, ok := functionBody(e, "fresh")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "stamp.go")))
	require.Eventually(t, func() bool {
		_, ok := functionBody(e, "stamp")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
