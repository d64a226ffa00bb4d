package persistence

import (
	"context"
	"errors"
)

// Table names a logical keyspace. Keys within a table are ordered by bytes.
type Table string

// Tables used by the local store.
const (
	RemoteDocuments    Table = "remote_documents"
	DocumentSequence   Table = "document_sequence"
	CollectionParents  Table = "collection_parents"
	IndexConfigs       Table = "index_configs"
	IndexEntries       Table = "index_entries"
	Mutations          Table = "mutations"
	DocumentMutations  Table = "document_mutations"
	MutationQueues     Table = "mutation_queues"
	Overlays           Table = "overlays"
	Targets            Table = "targets"
	TargetCanonicalIDs Table = "target_canonical_ids"
	TargetDocuments    Table = "target_documents"
	DocumentTargets    Table = "document_targets"
	Globals            Table = "globals"
)

// AllTables lists every logical table.
var AllTables = []Table{
	RemoteDocuments, DocumentSequence, CollectionParents, IndexConfigs, IndexEntries,
	Mutations, DocumentMutations, MutationQueues, Overlays, Targets,
	TargetCanonicalIDs, TargetDocuments, DocumentTargets, Globals,
}

// Mode says whether a transaction writes.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadOnly {
		return "readonly"
	}
	return "readwrite"
}

// Common errors returned by stores.
var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrReadOnly is returned when a read-only transaction writes.
	ErrReadOnly = errors.New("write in read-only transaction")

	// ErrUnrecoverable wraps storage failures that retrying cannot fix.
	// The engine stops when it sees one.
	ErrUnrecoverable = errors.New("unrecoverable storage error")
)

// VisitFunc receives one entry of a scan. Returning false stops the scan.
// key and value must not be retained.
type VisitFunc func(key, value []byte) (bool, error)

// Txn reads and writes inside one transaction. A Txn must not be used after
// the function it was passed to returns.
type Txn interface {
	// Get returns the value stored under key.
	Get(table Table, key []byte) ([]byte, bool, error)
	Put(table Table, key, value []byte) error
	Delete(table Table, key []byte) error
	// Scan visits every entry whose key starts with prefix, in key order.
	Scan(table Table, prefix []byte, fn VisitFunc) error
	// ScanRange visits entries with start <= key < end in key order. A nil
	// end is unbounded.
	ScanRange(table Table, start, end []byte, fn VisitFunc) error
}

// Store runs transactions against durable (or in-memory) storage.
type Store interface {
	// RunTransaction runs fn atomically. If fn returns an error nothing it
	// wrote is kept. name is used in logs.
	RunTransaction(ctx context.Context, name string, mode Mode, fn func(Txn) error) error
	// Size estimates the bytes used by the store.
	Size(ctx context.Context) (int64, error)
	Close() error
}

// IsTransient reports whether err is a storage failure that may succeed if
// the operation is retried.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrUnrecoverable) {
		return false
	}
	return isTransientSQLiteErr(err)
}

// IsUnrecoverable reports whether err means the store can no longer be used.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}

// prefixEnd returns the smallest key greater than every key with prefix, or
// nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
