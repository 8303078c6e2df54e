package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/modeltable/internal/ir"
)

// Scenario is one executable scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Seed is an optional TOML seed applied before the models below.
	// Relative paths resolve against the scenario file.
	Seed string `yaml:"seed,omitempty"`

	// Models are created before any step runs.
	Models []ModelSpec `yaml:"models,omitempty"`

	// Functions are script functions installed as function labels.
	Functions []FunctionSpec `yaml:"functions,omitempty"`

	// Bridge installs the relay/bus bridge and connects the bus.
	Bridge bool `yaml:"bridge,omitempty"`

	// Workers lists models attached as patch workers. Implies Bridge.
	Workers []int `yaml:"workers,omitempty"`

	// OpIDPrefix prefixes generated op ids. Defaults to "op".
	OpIDPrefix string `yaml:"op_id_prefix,omitempty"`

	// Steps run in order. Each step waits for the engine to settle.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final table and event log.
	Assertions []Assertion `yaml:"assertions"`

	dir string
}

// ModelSpec declares a model.
type ModelSpec struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type,omitempty"`
}

// FunctionSpec declares a script function label.
type FunctionSpec struct {
	Name  string `yaml:"name"`
	Model int    `yaml:"model"`
	Body  string `yaml:"body"`
}

// RefSpec addresses a cell, and a label when K is set.
type RefSpec struct {
	ModelID int    `yaml:"model_id"`
	P       int    `yaml:"p"`
	R       int    `yaml:"r"`
	C       int    `yaml:"c"`
	K       string `yaml:"k,omitempty"`
}

// LabelRef converts r into a label reference.
func (r RefSpec) LabelRef() ir.LabelRef {
	return ir.LabelRef{ModelID: r.ModelID, P: r.P, R: r.R, C: r.C, K: r.K}
}

// Step is one scenario step. Exactly one of Command, Patch, Bus or Relay
// is set.
type Step struct {
	// Command is sent through the mailbox.
	Command *CommandStep `yaml:"command,omitempty"`

	// Patch is applied directly to the table.
	Patch *PatchStep `yaml:"patch,omitempty"`

	// Bus is delivered as an inbound bus message.
	Bus *BusStep `yaml:"bus,omitempty"`

	// Relay is handed to the bridge as a relay command event.
	Relay *CommandStep `yaml:"relay,omitempty"`

	// Expect validates the step outcome. Nil means no validation.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// CommandStep describes a command envelope.
type CommandStep struct {
	Action string   `yaml:"action"`
	Target *RefSpec `yaml:"target,omitempty"`
	Value  any      `yaml:"value,omitempty"`
	OpID   string   `yaml:"op_id,omitempty"`
}

// PatchStep describes a patch.
type PatchStep struct {
	OpID             string           `yaml:"op_id,omitempty"`
	AllowCreateModel bool             `yaml:"allow_create_model,omitempty"`
	Records          []map[string]any `yaml:"records"`
}

// BusStep describes an inbound bus message. Payload is JSON encoded.
type BusStep struct {
	Topic   string `yaml:"topic"`
	Payload any    `yaml:"payload"`
}

// ExpectClause validates a step.
type ExpectClause struct {
	// OK expects a command to be applied.
	OK bool `yaml:"ok,omitempty"`

	// Error expects a command to be rejected with this code.
	Error string `yaml:"error,omitempty"`

	// Applied and Rejected check patch record counts.
	Applied  *int `yaml:"applied,omitempty"`
	Rejected *int `yaml:"rejected,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Ref addresses the label (label_equals, label_absent).
	Ref *RefSpec `yaml:"ref,omitempty"`

	// T and V are the expected tag and value (label_equals). An empty T is
	// not checked.
	T string `yaml:"t,omitempty"`
	V any    `yaml:"v,omitempty"`

	// Op, Result, Reason and ModelID filter event log entries
	// (event_count). Empty filters match everything.
	Op      string `yaml:"op,omitempty"`
	Result  string `yaml:"result,omitempty"`
	Reason  string `yaml:"reason,omitempty"`
	ModelID *int   `yaml:"model_id,omitempty"`

	// Count is the expected number of matches.
	Count *int `yaml:"count,omitempty"`

	// Code and Detail match the mailbox error (mailbox_error).
	Code   string `yaml:"code,omitempty"`
	Detail string `yaml:"detail,omitempty"`

	// OpID is the expected last applied op id (last_op_id).
	OpID string `yaml:"op_id,omitempty"`

	// Topic is the bus topic (published).
	Topic string `yaml:"topic,omitempty"`

	// RelayType is the relay event type (relay_count).
	RelayType string `yaml:"relay_type,omitempty"`
}

// Assertion type constants.
const (
	AssertLabelEquals  = "label_equals"
	AssertLabelAbsent  = "label_absent"
	AssertEventCount   = "event_count"
	AssertMailboxError = "mailbox_error"
	AssertLastOpID     = "last_op_id"
	AssertPublished    = "published"
	AssertRelayCount   = "relay_count"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// SeedPath returns the seed path resolved against the scenario file.
func (s *Scenario) SeedPath() string {
	if s.Seed == "" || filepath.IsAbs(s.Seed) || s.dir == "" {
		return s.Seed
	}
	return filepath.Join(s.dir, s.Seed)
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}

	for i, m := range s.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d]: name is required", i)
		}
		if m.ID == ir.RootModelID {
			return fmt.Errorf("models[%d]: id 0 is the root model", i)
		}
	}
	for i, f := range s.Functions {
		if f.Name == "" || f.Body == "" {
			return fmt.Errorf("functions[%d]: name and body are required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(s, step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s *Scenario, step Step) error {
	set := 0
	for _, present := range []bool{step.Command != nil, step.Patch != nil, step.Bus != nil, step.Relay != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return errors.New("exactly one of command, patch, bus or relay is required")
	}

	switch {
	case step.Command != nil:
		if step.Command.Action == "" {
			return errors.New("command: action is required")
		}
	case step.Relay != nil:
		if step.Relay.Action == "" {
			return errors.New("relay: action is required")
		}
		if !s.bridged() {
			return errors.New("relay: requires bridge")
		}
	case step.Bus != nil:
		if step.Bus.Topic == "" {
			return errors.New("bus: topic is required")
		}
	}

	if e := step.Expect; e != nil {
		if step.Command == nil && (e.OK || e.Error != "") {
			return errors.New("expect: ok and error apply to command steps")
		}
		if step.Patch == nil && (e.Applied != nil || e.Rejected != nil) {
			return errors.New("expect: applied and rejected apply to patch steps")
		}
		if e.OK && e.Error != "" {
			return errors.New("expect: ok and error are exclusive")
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case "":
		return errors.New("type is required")
	case AssertLabelEquals, AssertLabelAbsent:
		if a.Ref == nil || a.Ref.K == "" {
			return fmt.Errorf("ref with k is required for %s", a.Type)
		}
	case AssertEventCount, AssertPublished, AssertRelayCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("non-negative count is required for %s", a.Type)
		}
		if a.Type == AssertPublished && a.Topic == "" {
			return errors.New("topic is required for published")
		}
	case AssertMailboxError:
		if a.Code == "" {
			return errors.New("code is required for mailbox_error")
		}
	case AssertLastOpID:
		if a.OpID == "" {
			return errors.New("op_id is required for last_op_id")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func (s *Scenario) bridged() bool {
	return s.Bridge || len(s.Workers) > 0
}
