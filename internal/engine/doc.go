// Package engine owns one ModelTable instance at runtime: the table, its pin
// router, the function registry and the tick scheduler.
//
// ARCHITECTURE:
//
// Single Writer:
// Every table access holds the engine mutex. There is no parallel mutation
// of one table; other instances are reached only through the bus and the
// relay.
//
// Drain Flow:
//  1. A mutation (Mutate, AddLabel, ApplyPatch, Deliver) calls Tick
//  2. Tick starts a drain goroutine, or joins the one in flight
//  3. Each round delivers queued inbound bus messages, then consumes the
//     intercepts queued up to a snapshot
//  4. run_func intercepts execute functions; other kinds go to the
//     handler registered with HandleIntercept (the mailbox, for example)
//  5. Armed run_<name> labels left on the system model are executed
//  6. Another round runs while rounds keep producing events or intercepts
//
// Functions run without the engine lock and write back through Env, so a
// function's own transport I/O is a suspension point. Their writes never
// tick: the drain that runs them observes the writes in its next round.
//
// CRITICAL PATTERNS:
//
// Tick Coalescing:
// At most one drain runs. Tick during a drain marks another round
// requested and returns the same *Drain, which resolves only after a round
// that started after the request.
//
// Bounded Drains:
// A drain stops after WithMaxRounds rounds (DefaultMaxRounds) and records a
// round_limit error event on the system model.
//
// Failures Are Data:
// A failing or panicking function produces an error_<name> label on its
// model origin cell. Nothing propagates into the drain loop.
package engine
