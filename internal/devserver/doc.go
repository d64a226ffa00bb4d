// Package devserver is an in-memory document backend speaking the listen
// and write stream protocol over websockets.
//
// # Overview
//
// The server keeps every document in memory and commits write requests
// atomically at strictly increasing versions. Listen streams receive the
// documents matching each target, a resume token when the target is
// current, and incremental changes after every commit. A target resumed
// from a token also receives an existence filter, with a bloom filter of
// the matching names, so clients can detect deletions they missed while
// offline.
//
// It backs the serve command and the end-to-end tests; it is not a
// durable database.
package devserver
