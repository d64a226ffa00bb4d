// Package core turns cached documents and server changes into the snapshots
// listeners see.
//
// # Overview
//
// A View holds the documents one query shows. It diffs every batch of
// changed documents against that state, keeps limited queries at their
// limit and works out which documents are in limbo: shown locally but not
// confirmed by the server for the query's target.
//
// SyncEngine owns the views. It allocates targets in the local store,
// starts listens on the remote store, applies remote events and write
// acknowledgements, and resolves limbo documents with single-document
// listens, at most MaxConcurrentLimboResolutions at a time.
//
// EventManager sits in front of the sync engine and fans snapshots out to
// QueryListeners, so many subscribers of one query share one listen.
//
// Nothing in this package locks. Every call must be made from the client's
// async queue.
package core
