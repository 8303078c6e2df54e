// Package harness runs scenario files against a live engine.
//
// A scenario builds a fresh engine (mailbox attached, in-memory bus and
// relay), applies optional setup, executes its steps in order and then
// evaluates assertions against the final table and event log.
//
// # Scenario Format
//
//	name: add_title
//	description: "label_add through the mailbox"
//	seed: seeds/basic.toml          # optional, relative to the scenario
//	models:
//	  - { id: 1, name: doc, type: Data }
//	functions:
//	  - { name: stamp, model: 1, body: "func Run(input string) (string, error) { ... }" }
//	bridge: true                    # install the relay/bus bridge
//	workers: [2]                    # patch worker models
//	steps:
//	  - command:
//	      action: label_add
//	      target: { model_id: 1, p: 1, r: 1, c: 1, k: title }
//	      value: { t: str, v: hello }
//	    expect: { ok: true }
//	  - patch:
//	      records:
//	        - { op: add_label, model_id: 1, p: 2, r: 0, c: 0, k: n, t: int, v: 3 }
//	    expect: { applied: 1 }
//	  - bus: { topic: "1/in", payload: { v: 1 } }
//	  - relay:
//	      action: cell_clear
//	      target: { model_id: 1, p: 1, r: 1, c: 1 }
//	assertions:
//	  - { type: label_equals, ref: { model_id: 1, p: 1, r: 1, c: 1, k: title }, v: hello }
//	  - { type: event_count, op: error, reason: locked, count: 0 }
//
// # Assertion Types
//
//   - label_equals: a label exists with the given value (and tag, if set)
//   - label_absent: no label under the reference
//   - event_count: number of event log entries matching op/result/reason/model
//   - mailbox_error: the last rejected command carried code (and detail)
//   - last_op_id: the op id of the last applied command
//   - published: number of bus messages on a topic
//   - relay_count: number of relay events of a type
//
// # Deterministic Testing
//
// Steps without an op id draw one from testutil.SequentialOpIDs, and every
// scenario starts from a new table, so the event log of a scenario is
// identical across runs. RunWithGolden compares it against
// testdata/golden/<name>.golden.
package harness
