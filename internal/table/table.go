package table

import (
	"log/slog"
	"slices"
	"sort"

	"github.com/roach88/modeltable/internal/ir"
)

// Observer is the persistence collaborator. Calls are synchronous,
// fire-and-forget: an error or panic is logged and never rolls back the
// mutation that triggered it.
type Observer interface {
	EnsureModel(m ir.Model) error
	OnLabelAdded(ch ir.LabelChange) error
	OnLabelRemoved(ch ir.LabelChange) error
}

// Change describes an applied label mutation handed to hooks.
type Change struct {
	ModelID int
	At      ir.Coord
	Label   ir.Label
	Prev    *ir.Label

	// Removed is set for rm_label; Label is then the removed label.
	Removed bool

	// Restored is set when the label was loaded from a snapshot. Hooks
	// update bookkeeping but must not cause external effects.
	Restored bool
}

// Hook runs after the built-in semantics of every applied mutation.
type Hook interface {
	LabelChanged(t *Table, ch Change)
}

// FunctionResolver reports functions that exist outside the function index,
// such as natively registered ones.
type FunctionResolver interface {
	HasFunction(modelID int, name string) bool
}

// Model is one model and its sparse cells.
type Model struct {
	ir.Model
	cells map[ir.Coord]*Cell
}

// Cell is a map from label key to label.
type Cell struct {
	labels map[string]ir.Label
}

// Get returns the label stored under k.
func (c *Cell) Get(k string) (ir.Label, bool) {
	l, ok := c.labels[k]
	return l, ok
}

// Labels returns the cell's labels ordered by key.
func (c *Cell) Labels() []ir.Label {
	out := make([]ir.Label, 0, len(c.labels))
	for _, l := range c.labels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].K < out[j].K })
	return out
}

// Len returns the number of labels in the cell.
func (c *Cell) Len() int {
	return len(c.labels)
}

// Table is a ModelTable instance.
//
// Thread-safety: none. The owner must serialize all calls.
type Table struct {
	models map[int]*Model

	clock      *Clock
	events     []ir.Event
	intercepts []ir.Intercept
	nextIntID  int64

	funcs    map[int]map[string]ir.Coord
	resolver FunctionResolver

	observer Observer
	hooks    []Hook
	logger   *slog.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithObserver installs the persistence observer.
func WithObserver(o Observer) Option {
	return func(t *Table) { t.observer = o }
}

// WithHook appends a hook. Hooks run in registration order.
func WithHook(h Hook) Option {
	return func(t *Table) { t.hooks = append(t.hooks, h) }
}

// WithFunctionResolver installs a resolver consulted when a trigger names a
// function that has no function label.
func WithFunctionResolver(r FunctionResolver) Option {
	return func(t *Table) { t.resolver = r }
}

// WithClock resumes event ids from a persisted position.
func WithClock(c *Clock) Option {
	return func(t *Table) { t.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// New creates an empty table. No models exist until created.
func New(opts ...Option) *Table {
	t := &Table{
		models:     make(map[int]*Model),
		clock:      NewClock(),
		events:     make([]ir.Event, 0, 64),
		intercepts: make([]ir.Intercept, 0, 16),
		funcs:      make(map[int]map[string]ir.Coord),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddHook registers a hook after construction.
func (t *Table) AddHook(h Hook) {
	t.hooks = append(t.hooks, h)
}

// SetObserver replaces the persistence observer.
func (t *Table) SetObserver(o Observer) {
	t.observer = o
}

// SetFunctionResolver replaces the function resolver.
func (t *Table) SetFunctionResolver(r FunctionResolver) {
	t.resolver = r
}

// CreateModel creates a model. Creating an existing id is a no-op that
// returns the existing model and false.
func (t *Table) CreateModel(id int, name, typ string) (*Model, bool) {
	if m, ok := t.models[id]; ok {
		return m, false
	}
	m := &Model{
		Model: ir.Model{ID: id, Name: name, Type: typ},
		cells: make(map[ir.Coord]*Cell),
	}
	t.models[id] = m
	t.notify("ensure_model", func(o Observer) error { return o.EnsureModel(m.Model) })
	return m, true
}

// Model returns the model with the given id.
func (t *Table) Model(id int) (*Model, bool) {
	m, ok := t.models[id]
	return m, ok
}

// HasModel reports whether a model exists.
func (t *Table) HasModel(id int) bool {
	_, ok := t.models[id]
	return ok
}

// Models returns every model ordered by id.
func (t *Table) Models() []ir.Model {
	out := make([]ir.Model, 0, len(t.models))
	for _, m := range t.models {
		out = append(out, m.Model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cell returns the cell at the given coordinates, creating it on first
// access. It reports false only when the model does not exist.
func (t *Table) Cell(modelID int, at ir.Coord) (*Cell, bool) {
	m, ok := t.models[modelID]
	if !ok {
		return nil, false
	}
	return m.cell(at), true
}

func (m *Model) cell(at ir.Coord) *Cell {
	c, ok := m.cells[at]
	if !ok {
		c = &Cell{labels: make(map[string]ir.Label)}
		m.cells[at] = c
	}
	return c
}

// Label reads a label by full reference without creating cells.
func (t *Table) Label(ref ir.LabelRef) (ir.Label, bool) {
	m, ok := t.models[ref.ModelID]
	if !ok {
		return ir.Label{}, false
	}
	c, ok := m.cells[ref.Coord()]
	if !ok {
		return ir.Label{}, false
	}
	return c.Get(ref.K)
}

// Labels returns the labels of a cell ordered by key.
func (t *Table) Labels(modelID int, at ir.Coord) []ir.Label {
	m, ok := t.models[modelID]
	if !ok {
		return nil
	}
	c, ok := m.cells[at]
	if !ok {
		return nil
	}
	return c.Labels()
}

// ForEachLabel visits every label of a model in (p, r, c, k) order.
func (t *Table) ForEachLabel(modelID int, fn func(at ir.Coord, l ir.Label)) {
	m, ok := t.models[modelID]
	if !ok {
		return
	}
	coords := make([]ir.Coord, 0, len(m.cells))
	for at := range m.cells {
		coords = append(coords, at)
	}
	slices.SortFunc(coords, compareCoords)
	for _, at := range coords {
		for _, l := range m.cells[at].Labels() {
			fn(at, l)
		}
	}
}

func compareCoords(a, b ir.Coord) int {
	switch {
	case a.P != b.P:
		return a.P - b.P
	case a.R != b.R:
		return a.R - b.R
	default:
		return a.C - b.C
	}
}

// HasFunction reports whether name resolves to a function on the model,
// either through a function label or through the resolver.
func (t *Table) HasFunction(modelID int, name string) bool {
	if _, ok := t.funcs[modelID][name]; ok {
		return true
	}
	return t.resolver != nil && t.resolver.HasFunction(modelID, name)
}

// FunctionLabel returns the indexed function label for name and its cell.
func (t *Table) FunctionLabel(modelID int, name string) (ir.Label, ir.Coord, bool) {
	at, ok := t.funcs[modelID][name]
	if !ok {
		return ir.Label{}, ir.Coord{}, false
	}
	l, ok := t.Label(ir.Ref(modelID, at, name))
	if !ok || l.T != ir.TagFunction {
		return ir.Label{}, ir.Coord{}, false
	}
	return l, at, true
}

// Functions returns the function label names indexed on a model.
func (t *Table) Functions(modelID int) []string {
	names := make([]string, 0, len(t.funcs[modelID]))
	for n := range t.funcs[modelID] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (t *Table) indexFunction(modelID int, name string, at ir.Coord) {
	if t.funcs[modelID] == nil {
		t.funcs[modelID] = make(map[string]ir.Coord)
	}
	t.funcs[modelID][name] = at
}

func (t *Table) unindexFunction(modelID int, name string, at ir.Coord) {
	if indexed, ok := t.funcs[modelID][name]; ok && indexed == at {
		delete(t.funcs[modelID], name)
	}
}

// notify calls the observer, swallowing errors and panics.
func (t *Table) notify(hook string, fn func(o Observer) error) {
	if t.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("persistence observer panicked", "hook", hook, "panic", r)
		}
	}()
	if err := fn(t.observer); err != nil {
		t.logger.Warn("persistence observer failed", "hook", hook, "error", err)
	}
}
