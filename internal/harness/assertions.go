package harness

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/mailbox"
	"github.com/roach88/modeltable/internal/transport/membus"
)

// State is the final state assertions are evaluated against.
type State struct {
	Events    []ir.Event
	Published []membus.Message
	Relay     []ir.RelayEvent
	LastOpID  string
	LastError *mailbox.CommandError

	labels map[ir.LabelRef]ir.Label
}

// NewState builds a state from a label snapshot. Used by tests that
// evaluate assertions without running a scenario.
func NewState(labels map[ir.LabelRef]ir.Label, events []ir.Event) *State {
	return &State{Events: events, labels: labels}
}

// Label returns the label under ref.
func (s *State) Label(ref ir.LabelRef) (ir.Label, bool) {
	l, ok := s.labels[ref]
	return l, ok
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Diff     string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	if e.Diff != "" {
		fmt.Fprintf(&buf, "\n  Diff (-want +got):\n%s", e.Diff)
	}
	return buf.String()
}

func assertLabelEquals(s *State, a Assertion) error {
	ref := a.Ref.LabelRef()
	got, ok := s.Label(ref)
	if !ok {
		return &AssertionError{
			Type:     AssertLabelEquals,
			Expected: fmt.Sprintf("label %s", ref),
			Actual:   "label not found",
		}
	}
	if a.T != "" && a.T != got.T {
		return &AssertionError{
			Type:     AssertLabelEquals,
			Expected: fmt.Sprintf("%s tagged %q", ref, a.T),
			Actual:   fmt.Sprintf("tagged %q", got.T),
		}
	}

	want, err := ir.Normalize(a.V)
	if err != nil {
		return fmt.Errorf("%s: expected value: %w", AssertLabelEquals, err)
	}
	have, err := ir.Normalize(got.V)
	if err != nil {
		return fmt.Errorf("%s: actual value: %w", AssertLabelEquals, err)
	}
	if diff := cmp.Diff(want, have); diff != "" {
		return &AssertionError{
			Type:     AssertLabelEquals,
			Expected: fmt.Sprintf("%s = %v", ref, want),
			Actual:   fmt.Sprintf("%v", have),
			Diff:     diff,
		}
	}
	return nil
}

func assertLabelAbsent(s *State, a Assertion) error {
	ref := a.Ref.LabelRef()
	if got, ok := s.Label(ref); ok {
		return &AssertionError{
			Type:     AssertLabelAbsent,
			Expected: fmt.Sprintf("no label at %s", ref),
			Actual:   fmt.Sprintf("%s label with value %v", got.T, got.V),
		}
	}
	return nil
}

func matchEvent(e ir.Event, a Assertion) bool {
	if a.Op != "" && string(e.Op) != a.Op {
		return false
	}
	if a.Result != "" && string(e.Result) != a.Result {
		return false
	}
	if a.Reason != "" && e.Reason != a.Reason {
		return false
	}
	if a.ModelID != nil && e.ModelID != *a.ModelID {
		return false
	}
	if a.Ref != nil {
		if e.ModelID != a.Ref.ModelID || e.Coord() != a.Ref.LabelRef().Coord() {
			return false
		}
		if a.Ref.K != "" && (e.Label == nil || e.Label.K != a.Ref.K) {
			return false
		}
	}
	return true
}

func assertEventCount(s *State, a Assertion) error {
	count := 0
	for _, e := range s.Events {
		if matchEvent(e, a) {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d events matching %s", *a.Count, describeFilter(a)),
			Actual:   fmt.Sprintf("%d events", count),
		}
	}
	return nil
}

func describeFilter(a Assertion) string {
	var parts []string
	if a.Op != "" {
		parts = append(parts, "op="+a.Op)
	}
	if a.Result != "" {
		parts = append(parts, "result="+a.Result)
	}
	if a.Reason != "" {
		parts = append(parts, "reason="+a.Reason)
	}
	if a.ModelID != nil {
		parts = append(parts, fmt.Sprintf("model_id=%d", *a.ModelID))
	}
	if a.Ref != nil {
		parts = append(parts, "at="+a.Ref.LabelRef().String())
	}
	if len(parts) == 0 {
		return "(no filter)"
	}
	return strings.Join(parts, " ")
}

func assertMailboxError(s *State, a Assertion) error {
	if s.LastError == nil {
		return &AssertionError{
			Type:     AssertMailboxError,
			Expected: fmt.Sprintf("mailbox error %s", a.Code),
			Actual:   "no mailbox error",
		}
	}
	if s.LastError.Code != a.Code || (a.Detail != "" && s.LastError.Detail != a.Detail) {
		want := a.Code
		if a.Detail != "" {
			want += ":" + a.Detail
		}
		return &AssertionError{
			Type:     AssertMailboxError,
			Expected: want,
			Actual:   s.LastError.Error(),
		}
	}
	return nil
}

func assertLastOpID(s *State, a Assertion) error {
	if s.LastOpID != a.OpID {
		return &AssertionError{
			Type:     AssertLastOpID,
			Expected: a.OpID,
			Actual:   fmt.Sprintf("%q", s.LastOpID),
		}
	}
	return nil
}

func assertPublished(s *State, a Assertion) error {
	count := 0
	for _, m := range s.Published {
		if m.Topic == a.Topic {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertPublished,
			Expected: fmt.Sprintf("%d messages on %s", *a.Count, a.Topic),
			Actual:   fmt.Sprintf("%d messages", count),
		}
	}
	return nil
}

func assertRelayCount(s *State, a Assertion) error {
	count := 0
	for _, ev := range s.Relay {
		if a.RelayType == "" || ev.Type == a.RelayType {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertRelayCount,
			Expected: fmt.Sprintf("%d relay events of type %q", *a.Count, a.RelayType),
			Actual:   fmt.Sprintf("%d events", count),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against s and returns one
// message per failure.
func EvaluateAssertions(s *State, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertLabelEquals:
			err = assertLabelEquals(s, a)
		case AssertLabelAbsent:
			err = assertLabelAbsent(s, a)
		case AssertEventCount:
			err = assertEventCount(s, a)
		case AssertMailboxError:
			err = assertMailboxError(s, a)
		case AssertLastOpID:
			err = assertLastOpID(s, a)
		case AssertPublished:
			err = assertPublished(s, a)
		case AssertRelayCount:
			err = assertRelayCount(s, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}
