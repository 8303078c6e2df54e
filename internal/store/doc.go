// Package store provides SQLite persistence for a ModelTable.
//
// The store plays three roles:
//   - Observer: implements table.Observer and mirrors every applied label
//     mutation into the labels table (upsert on add, delete on remove).
//   - Snapshot: Load reads models and labels back so a table can be
//     restored at startup, together with the last persisted event id so
//     the table clock resumes without gaps.
//   - Audit: AuditSink copies the in-memory event log, rejected entries
//     included, into the events table through its own cursor.
//
// # Critical Patterns
//
// Persistence is fire-and-forget. An observer error is returned to the
// table, which logs it; the mutation is never rolled back.
//
// Event ids come from the table clock, never from wall time. Audit writes
// use INSERT OR IGNORE on event_id so a re-flushed batch is harmless.
//
// Values are stored as canonical JSON and decoded with ir.DecodeJSON, so
// integral numbers come back as int64 exactly as they were written.
//
// # Drivers
//
//   - "sqlite3": github.com/mattn/go-sqlite3 (cgo), the default
//   - "sqlite":  modernc.org/sqlite (pure Go)
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: labels reference models
//
// Writes that still hit a transient lock error are retried with
// exponential backoff.
package store
