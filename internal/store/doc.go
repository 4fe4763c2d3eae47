// Package store provides SQLite-backed durable storage for the local event
// log and journey snapshots.
//
// The store holds two tables:
//   - Events: the local history read by the behavioral query engine
//   - Journeys: snapshots the dispatcher restores on startup
//
// Storage is a best-effort side channel for event routing: a failed insert
// is logged by the caller and never blocks delivery.
//
// # Critical Patterns
//
// Deterministic query results:
//   - Event reads order by ts ASC, seq ASC, id ASC COLLATE BINARY
//   - seq is a logical clock assigned at persist time; it breaks wall-clock
//     ties so repeated queries observe one total order
//
// Idempotent writes:
//   - INSERT ... ON CONFLICT(id) DO NOTHING on the events primary key
//   - Journey saves are full-row upserts; last write wins
//
// Canonical serialization:
//   - Event properties are stored as canonical JSON text (sorted keys, NFC)
//     so stored blobs compare bytewise
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - Single connection: SQLite has one writer; avoids SQLITE_BUSY
package store
