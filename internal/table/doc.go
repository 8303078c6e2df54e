// Package table implements the ModelTable: models, lazily created cells and
// labels, plus the append-only event log and intercept queue that record and
// announce every mutation.
//
// ARCHITECTURE:
//
// A Table is a deterministic, unsynchronized state machine. The owner (the
// engine) serializes every call; the table never starts goroutines and never
// blocks. Each successful write runs, in order:
//
//  1. replace the label and append an applied event log entry
//  2. notify the persistence Observer (fire-and-forget)
//  3. built-in semantics: v1n_id lock, data_type one-shot init,
//     *_CONNECT markers, run_<name> triggers, mailbox slot
//  4. registered Hooks (pin bookkeeping lives in the router)
//  5. magic-tag bookkeeping: the function index
//
// Rejected writes never panic and never return errors: they append an error
// entry with a reason code and report false.
//
// Consumers read the event log and the intercept queue through their own
// cursors (slice positions). Entries are never removed or reordered, so no
// consumer coordinates with another.
package table
