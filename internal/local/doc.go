// Package local implements the client-side cache of the sync engine.
//
// # Overview
//
// The LocalStore composes several caches that all live in one
// persistence.Store and are only touched inside transactions:
//
//   - RemoteDocumentCache holds the last version of every document the
//     server sent, stamped with the snapshot version it was read at.
//   - MutationQueue is the per-user log of writes the server has not yet
//     acknowledged, ordered by batch id.
//   - DocumentOverlayCache stores, per document, the single mutation that
//     turns the remote version into the local view. Overlays are rebuilt by
//     replaying every queued batch for the document whenever a batch that
//     touches it is added, acknowledged or rejected.
//   - TargetCache records listen targets, their resume tokens and which
//     documents the server says match them.
//   - IndexManager tracks collection parents and optional single-field
//     equality indexes.
//
// Reads go through LocalDocumentsView, which applies overlays to remote
// documents, and QueryEngine, which picks between an index lookup, an
// incremental re-run from a target's previous results and a full scan.
//
// # Garbage collection
//
// Each read-write transaction takes the next listen sequence number. Targets
// and documents are stamped with it when referenced, and LruGarbageCollector
// removes the least recently stamped targets and the documents no target,
// queued write or live view still holds. LruScheduler runs it periodically.
//
// # Errors
//
// Operations wrap persistence errors; persistence.IsTransient marks the ones
// worth retrying. Sentinel errors live in errors.go.
package local
