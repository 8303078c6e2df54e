package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Executor runs the body of a function label.
//
// input is the JSON document described on ScriptInput; the returned bytes
// are a JSON array of ScriptWrite (empty output means no writes).
type Executor interface {
	Execute(ctx context.Context, body string, input []byte) ([]byte, error)
}

// ScriptInput is passed to a script's Run function as JSON.
type ScriptInput struct {
	ModelID int    `json:"model_id"`
	Name    string `json:"name"`
	P       int    `json:"p"`
	R       int    `json:"r"`
	C       int    `json:"c"`
	Trigger any    `json:"trigger"`
}

// ScriptWrite is one label mutation returned by a script. Writes target the
// function's own model.
type ScriptWrite struct {
	P      int    `json:"p"`
	R      int    `json:"r"`
	C      int    `json:"c"`
	K      string `json:"k"`
	T      string `json:"t,omitempty"`
	V      any    `json:"v,omitempty"`
	Remove bool   `json:"remove,omitempty"`
}

// scriptEntry is the entry point every script declares.
const scriptEntry = "main.Run"

// ErrScriptSignature is returned when a script does not declare
// func Run(input string) (string, error).
var ErrScriptSignature = errors.New("script must declare func Run(input string) (string, error)")

// ScriptExecutor interprets function bodies as Go source with yaegi.
//
// Only a fixed set of side-effect-free stdlib packages may be imported.
// Compiled programs are cached by the SHA-256 of their body, so editing a
// function label recompiles it and re-running an unchanged one does not.
//
// Thread-safety: safe for concurrent use. A cached program is shared, so
// scripts must not keep package-level state between calls.
type ScriptExecutor struct {
	allowed map[string]bool

	mu    sync.Mutex
	cache map[string]func(string) (string, error)
}

// NewScriptExecutor creates an executor with the default import allow-list.
func NewScriptExecutor() *ScriptExecutor {
	return &ScriptExecutor{
		allowed: map[string]bool{
			"bytes":           true,
			"encoding/base64": true,
			"encoding/json":   true,
			"errors":          true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"sort":            true,
			"strconv":         true,
			"strings":         true,
			"time":            true,
			"unicode":         true,
		},
		cache: make(map[string]func(string) (string, error)),
	}
}

// Execute compiles (or reuses) body and calls its Run function.
func (x *ScriptExecutor) Execute(ctx context.Context, body string, input []byte) ([]byte, error) {
	run, err := x.compile(body)
	if err != nil {
		return nil, err
	}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("script panicked: %v", r)}
			}
		}()
		out, err := run(string(input))
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return []byte(r.out), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("script execution: %w", ctx.Err())
	}
}

func (x *ScriptExecutor) compile(body string) (func(string) (string, error), error) {
	sum := sha256.Sum256([]byte(body))
	key := hex.EncodeToString(sum[:])

	x.mu.Lock()
	defer x.mu.Unlock()
	if run, ok := x.cache[key]; ok {
		return run, nil
	}

	src := wrapScript(body)
	if err := x.checkImports(src); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(x.symbols()); err != nil {
		return nil, fmt.Errorf("load script symbols: %w", err)
	}
	if _, err := i.Eval(src); err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	v, err := i.Eval(scriptEntry)
	if err != nil {
		return nil, ErrScriptSignature
	}
	run, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return nil, ErrScriptSignature
	}
	x.cache[key] = run
	return run, nil
}

// symbols returns the stdlib exports restricted to allowed packages.
// stdlib.Symbols is keyed "import/path/name".
func (x *ScriptExecutor) symbols() interp.Exports {
	out := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		slash := strings.LastIndex(key, "/")
		if slash < 0 {
			continue
		}
		if x.allowed[key[:slash]] {
			out[key] = syms
		}
	}
	return out
}

func (x *ScriptExecutor) checkImports(src string) error {
	f, err := parser.ParseFile(token.NewFileSet(), "function.go", src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("parse script: %w", err)
	}
	var forbidden []string
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return fmt.Errorf("parse script import: %w", err)
		}
		if !x.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

// wrapScript adds a package clause when the body has none.
func wrapScript(body string) string {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "package ") {
		return body
	}
	return "package main\n\n" + body
}
