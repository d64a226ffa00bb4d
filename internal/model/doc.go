// Package model defines the data model shared by every layer of the sync
// engine.
//
// # Overview
//
// Documents are addressed by a DocumentKey, a ResourcePath with an even
// number of segments ("rooms/eros/messages/1"). Paths and field paths order
// segment by segment; segments of the form __id123__ are numeric ids and
// compare numerically ahead of every other segment.
//
// Field values form a closed tagged union (Value). The total order across
// kinds is:
//
//	null < boolean < number < timestamp < server timestamp < string < bytes
//	     < reference < geo point < array < vector < map
//
// Integers and doubles share the number slot and compare numerically; NaN
// sorts below every other number. Equality is stricter than ordering: an
// integer never equals a double.
//
// # Documents
//
// A Document combines what is known about existence (Found, NoDocument,
// Unknown, Invalid) with whether local writes are reflected in it
// (Synced, HasLocalMutations, HasCommittedMutations). A document with local
// mutations always carries MinVersion until the write is acknowledged.
//
// Documents are mutable so that mutations can be applied without copying;
// sets and caches store clones.
package model
