// Package watch loads function scripts from a directory into a table and
// keeps them in sync as files change.
//
// Every <name>.go file becomes a function label keyed <name> in FunctionCell
// of the target model; deleting the file removes the label. Files whose
// name starts with "_" or ends in _test.go are ignored.
package watch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/modeltable/internal/engine"
	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/table"
)

// FunctionCell is the cell that holds script function labels.
var FunctionCell = ir.Coord{P: 0, R: 2, C: 0}

// DefaultDebounce is the quiet period before a changed file is reloaded.
const DefaultDebounce = 100 * time.Millisecond

// Watcher mirrors a script directory into function labels.
type Watcher struct {
	dir      string
	modelID  int
	engine   *engine.Engine
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the logger. Defaults to the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New creates a watcher for dir targeting modelID. Nothing is watched until
// Start.
func New(e *engine.Engine, dir string, modelID int, opts ...Option) *Watcher {
	w := &Watcher{
		dir:      dir,
		modelID:  modelID,
		engine:   e,
		debounce: DefaultDebounce,
		logger:   e.Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// FunctionName returns the function a script file defines, or false when
// the file is not a script.
func FunctionName(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".go") || strings.HasSuffix(base, "_test.go") || strings.HasPrefix(base, "_") {
		return "", false
	}
	name := strings.TrimSuffix(base, ".go")
	if name == "" || ir.IsForbiddenKey(name) {
		return "", false
	}
	return name, true
}

// LoadAll loads every script in the directory and returns the function
// names loaded, sorted.
func (w *Watcher) LoadAll() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("reading function dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := FunctionName(e.Name())
		if !ok {
			continue
		}
		body, err := os.ReadFile(filepath.Join(w.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		w.set(name, string(body))
		names = append(names, name)
	}
	sort.Strings(names)
	w.logger.Info("functions loaded", "dir", w.dir, "model_id", w.modelID, "count", len(names))
	return names, nil
}

func (w *Watcher) set(name, body string) {
	w.engine.Update(func(t *table.Table) {
		if !t.HasModel(w.modelID) {
			t.CreateModel(w.modelID, "functions", ir.ModelTypeData)
		}
		t.AddLabel(w.modelID, FunctionCell, ir.Label{K: name, T: ir.TagFunction, V: body})
	})
}

func (w *Watcher) remove(name string) {
	w.engine.Update(func(t *table.Table) {
		t.RmLabel(w.modelID, FunctionCell, name)
	})
}

// Start begins watching the directory.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.watcher = fw
	w.done = make(chan struct{})
	go w.loop()
	return nil
}

// Stop closes the watcher and waits for the loop to exit. Pending changes
// are applied first.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	w.watcher.Close()
	<-w.done
	w.watcher = nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				for file := range pending {
					w.reload(file)
				}
				return
			}
			if _, ok := FunctionName(event.Name); !ok {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				pending[event.Name] = time.Now()
			}

		case <-ticker.C:
			now := time.Now()
			for file, at := range pending {
				if now.Sub(at) >= w.debounce {
					w.reload(file)
					delete(pending, file)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("function watch error", "dir", w.dir, "error", err)
		}
	}
}

// reload applies the current state of file: present files are (re)loaded,
// missing ones unloaded.
func (w *Watcher) reload(file string) {
	name, _ := FunctionName(file)
	body, err := os.ReadFile(file)
	if err != nil {
		w.remove(name)
		w.logger.Info("function unloaded", "name", name, "model_id", w.modelID)
		return
	}
	w.set(name, string(body))
	w.logger.Info("function reloaded", "name", name, "model_id", w.modelID)
}
