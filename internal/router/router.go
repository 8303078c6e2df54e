// Package router maps declared pins to bus topics.
//
// A model declares a pin by writing a PIN_IN or PIN_OUT label, keyed by the
// pin name, into its registry cell (0,0,1). Pin traffic flows through the
// model's pin mailbox cell (0,0,2): OUT labels written there are published,
// inbound messages are written there as IN labels.
//
// The router never performs transport I/O itself. It is a table hook that
// runs under the engine lock, so it queues subscribe, unsubscribe and
// publish operations which the engine flushes after releasing the lock.
package router

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/schema"
	"github.com/roach88/modeltable/internal/table"
)

// OpKind names a queued transport operation.
type OpKind string

const (
	OpSubscribe   OpKind = "subscribe"
	OpUnsubscribe OpKind = "unsubscribe"
	OpPublish     OpKind = "publish"
)

// Op is a transport operation queued by the router.
type Op struct {
	Kind    OpKind
	Topic   string
	Payload []byte
}

// Settings selects the addressing and payload modes.
type Settings struct {
	TopicMode   string
	TopicPrefix string
	TopicBase   string
	PayloadMode string
}

// Direction of a registered pin.
type Direction string

const (
	DirIn  Direction = "IN"
	DirOut Direction = "OUT"
)

// Pin is a registered pin.
type Pin struct {
	ModelID   int
	Name      string
	Direction Direction
}

type pinKey struct {
	model int
	name  string
}

// Router tracks pin registrations and derives topics.
//
// Thread-safety: none. The router is driven by table hooks and must be used
// under the same lock as the table.
type Router struct {
	defaults  Settings
	in        map[pinKey]bool
	out       map[pinKey]bool
	subs      map[pinKey]string // topic each inbound pin is subscribed to
	connected bool
	outbox    []Op
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a router. defaults apply wherever the root model's origin cell
// carries no mqtt_* config label.
func New(defaults Settings, opts ...Option) *Router {
	if defaults.TopicMode == "" {
		defaults.TopicMode = ir.TopicModeFlat
	}
	if defaults.PayloadMode == "" {
		defaults.PayloadMode = ir.PayloadModeLegacy
	}
	r := &Router{
		defaults: defaults,
		in:       make(map[pinKey]bool),
		out:      make(map[pinKey]bool),
		subs:     make(map[pinKey]string),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Settings returns the effective settings: config labels on the root
// origin cell override the defaults.
func (r *Router) Settings(t *table.Table) Settings {
	s := r.defaults
	read := func(k string, dst *string) {
		l, ok := t.Label(ir.Ref(ir.RootModelID, ir.OriginCell, k))
		if !ok {
			return
		}
		if v, ok := l.V.(string); ok && v != "" {
			*dst = v
		}
	}
	read(ir.KeyTopicMode, &s.TopicMode)
	read(ir.KeyTopicPrefix, &s.TopicPrefix)
	read(ir.KeyTopicBase, &s.TopicBase)
	read(ir.KeyPayloadMode, &s.PayloadMode)
	return s
}

// Topic derives the bus topic of a pin.
//
//	flat:         prefix/pin, or pin when prefix is empty
//	hierarchical: base/modelId/pin, or modelId/pin when base is empty
func (r *Router) Topic(t *table.Table, modelID int, pin string) string {
	return topicFor(r.Settings(t), modelID, pin)
}

func topicFor(s Settings, modelID int, pin string) string {
	if s.TopicMode == ir.TopicModeHierarchical {
		id := strconv.Itoa(modelID)
		if s.TopicBase == "" {
			return id + "/" + pin
		}
		return s.TopicBase + "/" + id + "/" + pin
	}
	if s.TopicPrefix == "" {
		return pin
	}
	return s.TopicPrefix + "/" + pin
}

// LabelChanged implements table.Hook.
func (r *Router) LabelChanged(t *table.Table, ch table.Change) {
	if ch.ModelID == ir.RootModelID && ch.At == ir.OriginCell && isTopicKey(ch.Label.K) {
		r.resubscribe(t)
		return
	}
	switch ch.At {
	case ir.PinRegistryCell:
		r.registryChanged(t, ch)
	case ir.PinMailboxCell:
		if !ch.Removed && !ch.Restored && ch.Label.T == ir.TagOut {
			r.publishOut(t, ch.ModelID, ch.Label)
		}
	}
}

func (r *Router) registryChanged(t *table.Table, ch table.Change) {
	if ch.Removed {
		r.unregister(t, ch.ModelID, ch.Label)
		return
	}
	if ch.Prev != nil && ch.Prev.T != ch.Label.T {
		r.unregister(t, ch.ModelID, *ch.Prev)
	}
	key := pinKey{ch.ModelID, ch.Label.K}
	switch ch.Label.T {
	case ir.TagPinIn:
		r.in[key] = true
		if r.connected {
			r.subscribe(key, r.Topic(t, ch.ModelID, ch.Label.K))
		}
	case ir.TagPinOut:
		r.out[key] = true
	}
}

func isTopicKey(k string) bool {
	switch k {
	case ir.KeyTopicMode, ir.KeyTopicPrefix, ir.KeyTopicBase:
		return true
	}
	return false
}

// resubscribe moves every live inbound subscription to the topic derived
// from the current settings.
func (r *Router) resubscribe(t *table.Table) {
	if !r.connected {
		return
	}
	for _, p := range r.Pins() {
		if p.Direction == DirIn {
			r.subscribe(pinKey{p.ModelID, p.Name}, r.Topic(t, p.ModelID, p.Name))
		}
	}
}

// subscribe queues a subscription for an inbound pin and remembers its
// topic. A topic already held by another pin is not subscribed twice.
func (r *Router) subscribe(key pinKey, topic string) {
	if old, ok := r.subs[key]; ok {
		if old == topic {
			return
		}
		r.release(key)
	}
	shared := r.topicHeld(topic)
	r.subs[key] = topic
	if !shared {
		r.queue(Op{Kind: OpSubscribe, Topic: topic})
	}
}

// release drops the subscription held by key. The topic is unsubscribed
// once no other pin holds it. Settings may have changed since subscribing,
// so the recorded topic is used rather than a fresh derivation.
func (r *Router) release(key pinKey) {
	topic, ok := r.subs[key]
	if !ok {
		return
	}
	delete(r.subs, key)
	if !r.topicHeld(topic) {
		r.queue(Op{Kind: OpUnsubscribe, Topic: topic})
	}
}

func (r *Router) topicHeld(topic string) bool {
	for _, held := range r.subs {
		if held == topic {
			return true
		}
	}
	return false
}

func (r *Router) unregister(_ *table.Table, modelID int, l ir.Label) {
	key := pinKey{modelID, l.K}
	switch l.T {
	case ir.TagPinIn:
		if !r.in[key] {
			return
		}
		delete(r.in, key)
		r.release(key)
	case ir.TagPinOut:
		delete(r.out, key)
	}
}

// outEnvelope is the legacy payload of an outbound pin message.
type outEnvelope struct {
	Pin   string `json:"pin"`
	Value any    `json:"value"`
	T     string `json:"t"`
}

func (r *Router) publishOut(t *table.Table, modelID int, l ir.Label) {
	if !r.out[pinKey{modelID, l.K}] {
		r.logger.Debug("OUT label for unregistered pin", "model_id", modelID, "pin", l.K)
		return
	}
	s := r.Settings(t)

	var body any = outEnvelope{Pin: l.K, Value: l.V, T: ir.TagOut}
	if s.PayloadMode == ir.PayloadModeVersioned && schema.IsPatch(l.V) {
		body = l.V
	}
	payload, err := json.Marshal(body)
	if err != nil {
		r.logger.Warn("OUT payload not serialisable", "model_id", modelID, "pin", l.K, "error", err)
		return
	}
	r.queue(Op{Kind: OpPublish, Topic: topicFor(s, modelID, l.K), Payload: payload})
}

func (r *Router) queue(op Op) {
	r.outbox = append(r.outbox, op)
}

// SetConnected records the bus state. Going live subscribes every
// registered inbound pin.
func (r *Router) SetConnected(t *table.Table, connected bool) {
	if connected == r.connected {
		return
	}
	r.connected = connected
	if !connected {
		clear(r.subs)
		return
	}
	for _, p := range r.Pins() {
		if p.Direction == DirIn {
			r.subscribe(pinKey{p.ModelID, p.Name}, r.Topic(t, p.ModelID, p.Name))
		}
	}
}

// Connected reports the bus state last set with SetConnected.
func (r *Router) Connected() bool {
	return r.connected
}

// TakeOutbox returns and clears the queued operations.
func (r *Router) TakeOutbox() []Op {
	ops := r.outbox
	r.outbox = nil
	return ops
}

// Pins returns every registration ordered by model id, direction and name.
func (r *Router) Pins() []Pin {
	var pins []Pin
	for k := range r.in {
		pins = append(pins, Pin{ModelID: k.model, Name: k.name, Direction: DirIn})
	}
	for k := range r.out {
		pins = append(pins, Pin{ModelID: k.model, Name: k.name, Direction: DirOut})
	}
	sort.Slice(pins, func(i, j int) bool {
		a, b := pins[i], pins[j]
		if a.ModelID != b.ModelID {
			return a.ModelID < b.ModelID
		}
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		return a.Name < b.Name
	})
	return pins
}

// Deliver routes an inbound bus message. The topic is matched back to
// registered inbound pins by reversing the topic formula; the JSON payload
// is written as an IN label into each matching model's pin mailbox cell.
// When the model also has a function named after the pin, its trigger is
// set with the same value.
//
// Unmatched topics and malformed payloads are dropped silently: the bus is
// untrusted. Deliver returns the number of models written.
func (r *Router) Deliver(t *table.Table, topic string, payload []byte) int {
	targets, pin := r.match(t, topic)
	if len(targets) == 0 {
		r.logger.Debug("inbound message matches no pin", "topic", topic)
		return 0
	}
	value, err := ir.DecodeJSON(payload)
	if err != nil {
		r.logger.Debug("inbound message dropped", "topic", topic, "error", err)
		return 0
	}

	written := 0
	for _, modelID := range targets {
		if !t.AddLabel(modelID, ir.PinMailboxCell, ir.Label{K: pin, T: ir.TagIn, V: value}) {
			continue
		}
		written++
		if t.HasFunction(modelID, pin) {
			t.AddLabel(modelID, ir.PinMailboxCell, ir.Label{K: ir.TriggerKey(pin), T: ir.TagJSON, V: value})
		}
	}
	return written
}

func (r *Router) match(t *table.Table, topic string) ([]int, string) {
	s := r.Settings(t)

	if s.TopicMode == ir.TopicModeHierarchical {
		rest := topic
		if s.TopicBase != "" {
			var ok bool
			rest, ok = strings.CutPrefix(topic, s.TopicBase+"/")
			if !ok {
				return nil, ""
			}
		}
		idPart, pin, ok := strings.Cut(rest, "/")
		if !ok || pin == "" {
			return nil, ""
		}
		modelID, err := strconv.Atoi(idPart)
		if err != nil || !r.in[pinKey{modelID, pin}] {
			return nil, ""
		}
		return []int{modelID}, pin
	}

	pin := topic
	if s.TopicPrefix != "" {
		var ok bool
		pin, ok = strings.CutPrefix(topic, s.TopicPrefix+"/")
		if !ok {
			return nil, ""
		}
	}
	var targets []int
	for k := range r.in {
		if k.name == pin {
			targets = append(targets, k.model)
		}
	}
	sort.Ints(targets)
	return targets, pin
}
