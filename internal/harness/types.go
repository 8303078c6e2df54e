package harness

import (
	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/transport/membus"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Events is the full event log after the last step.
	Events []ir.Event `json:"events"`

	// Published holds every bus message in publish order.
	Published []membus.Message `json:"published,omitempty"`

	// Relay holds every relay event in publish order.
	Relay []ir.RelayEvent `json:"relay,omitempty"`

	// Errors contains validation failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Events: []ir.Event{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
