// Package persistence provides the transactional key-value storage the local
// store is built on.
//
// # Overview
//
// A Store runs transactions over a fixed set of logical tables. Every table
// maps byte keys to byte values and iterates in byte order, so composite
// keys built with KeyBuilder scan in the order of their components.
//
// Two backends exist:
//   - NewMemoryStore keeps tables in persistent sorted maps. A transaction
//     works on snapshots and publishes them on success.
//   - OpenSQLite stores everything in one WITHOUT ROWID table of an embedded
//     SQLite database (WAL mode, busy timeout).
//
// # Errors
//
// Transient SQLite failures (busy, locked, short reads under WAL contention)
// are retried with exponential backoff and jitter. A failure that survives
// the retries is still reported as transient so callers may retry the whole
// operation later. Any other storage failure is wrapped in ErrUnrecoverable.
// Errors returned by the transaction body itself are passed through as is.
package persistence
