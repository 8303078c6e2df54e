// Package schema validates boundary values against CUE definitions.
//
// Patches, command envelopes and relay events are checked once, when they
// cross into the process, before any business logic looks at them.
package schema

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/modeltable/internal/ir"
)

//go:embed modeltable.cue
var schemaSource string

// Kind names a boundary definition.
type Kind string

const (
	KindPatch      Kind = "#Patch"
	KindEnvelope   Kind = "#Envelope"
	KindRelayEvent Kind = "#RelayEvent"
)

// ValidationError reports the first schema violation.
type ValidationError struct {
	Kind    Kind
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s: %d:%d: %s", e.Kind, e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Validator holds the compiled definitions.
//
// Thread-safety: a cue.Context is not safe for concurrent use, so every
// validation holds the validator's mutex.
type Validator struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[Kind]cue.Value
}

// New compiles the embedded schema.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(schemaSource, cue.Filename("modeltable.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	defs := make(map[Kind]cue.Value)
	for _, k := range []Kind{KindPatch, KindEnvelope, KindRelayEvent} {
		def := root.LookupPath(cue.ParsePath(string(k)))
		if !def.Exists() {
			return nil, fmt.Errorf("schema definition %s missing", k)
		}
		defs[k] = def
	}
	return &Validator{ctx: ctx, defs: defs}, nil
}

var (
	defaultOnce      sync.Once
	defaultValidator *Validator
)

// Default returns a shared validator. The embedded schema is static, so a
// compile failure is a programming error and panics.
func Default() *Validator {
	defaultOnce.Do(func() {
		v, err := New()
		if err != nil {
			panic(err)
		}
		defaultValidator = v
	})
	return defaultValidator
}

// Validate checks x against the definition named by kind. x may be a Go
// struct or a generic JSON value.
func (v *Validator) Validate(kind Kind, x any) error {
	generic, err := ir.Normalize(x)
	if err != nil {
		return &ValidationError{Kind: kind, Message: err.Error()}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	def, ok := v.defs[kind]
	if !ok {
		return fmt.Errorf("unknown schema kind %s", kind)
	}
	val := v.ctx.Encode(generic)
	if err := val.Err(); err != nil {
		return toValidationError(kind, err)
	}
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return toValidationError(kind, err)
	}
	return nil
}

// ValidatePatch checks a patch.
func (v *Validator) ValidatePatch(x any) error {
	return v.Validate(KindPatch, x)
}

// ValidateEnvelope checks a command envelope.
func (v *Validator) ValidateEnvelope(x any) error {
	return v.Validate(KindEnvelope, x)
}

// ValidateRelayEvent checks a relay event.
func (v *Validator) ValidateRelayEvent(x any) error {
	return v.Validate(KindRelayEvent, x)
}

// IsPatch reports whether x is a well-formed mt.v0 patch.
func IsPatch(x any) bool {
	if _, ok := x.(map[string]any); !ok {
		if _, ok := x.(ir.Patch); !ok {
			return false
		}
	}
	return Default().ValidatePatch(x) == nil
}

func toValidationError(kind Kind, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Kind: kind, Message: err.Error()}
	}
	first := errs[0]
	ve := &ValidationError{Kind: kind, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ve.Pos = positions[0]
	}
	return ve
}
