// Package ir provides the shared value types of a ModelTable.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal. This keeps ir the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Label values are arbitrary JSON values (any), validated by the table
//   - Cell coordinates and model ids are plain ints on every Go surface;
//     wire decoders reject non-integer numbers before values reach the table
//   - All JSON tags use snake_case and match the wire shapes exchanged with
//     relays, buses and command producers
//   - Event ids come from a logical counter owned by the table, never from
//     wall-clock time
package ir
