// Package mutation implements local writes and their application rules.
//
// A Mutation is a pure description of one write (set, patch, delete or
// verify) with an optional precondition and field transforms. It can be
// applied two ways:
//
//   - ApplyToLocalView runs it against the current local view at write
//     time. Transforms use local estimates (the local write time for server
//     timestamps, the local value for increments).
//   - ApplyToRemoteDocument runs it against the last known server version
//     once the server acknowledges it, using the transform results the
//     server returned.
//
// A Batch groups mutations written together. Batches are replayed in batch
// id order; a failed precondition makes a mutation a no-op rather than an
// error. CalculateOverlayMutation folds the net effect of a replay into one
// mutation (an Overlay) so reads need not replay the queue.
package mutation
