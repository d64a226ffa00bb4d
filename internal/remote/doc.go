// Package remote keeps the client connected to the backend.
//
// # Overview
//
// RemoteStore owns two persistent streams opened through a Connection:
//
//   - The listen stream carries watch changes for every target the sync
//     engine listens to. WatchChangeAggregator folds them into a
//     local.RemoteEvent each time the server reports a consistent snapshot
//     version.
//   - The write stream sends queued mutation batches, at most ten in
//     flight, and receives their results in order. A handshake establishes
//     the stream token first.
//
// Both streams reconnect with jittered exponential backoff and close after a
// minute without use. Callbacks from a stream that has since been closed
// are recognised by a generation counter and dropped.
//
// # Existence filters
//
// The server periodically sends the number of documents matching a target,
// optionally with a BloomFilter of their names. When the count disagrees
// with the client's view, the filter is used to find documents that were
// deleted while the client was not listening. If that does not explain the
// difference the target is reset and re-listened without a resume token.
//
// # Threading
//
// Everything in this package runs on an async.Queue. Only the goroutines
// reading from streams live elsewhere, and they hand every result back to
// the queue.
package remote
