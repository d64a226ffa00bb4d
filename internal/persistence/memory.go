package persistence

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/steveyegge/docsync/internal/sortedmap"
)

type memTable = sortedmap.Map[string, []byte]

// MemoryStore keeps every table in memory. Transactions are isolated by
// working on immutable snapshots of the tables.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[Table]memTable
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	tables := make(map[Table]memTable, len(AllTables))
	for _, t := range AllTables {
		tables[t] = sortedmap.New[string, []byte](strings.Compare)
	}
	return &MemoryStore{tables: tables}
}

type memTxn struct {
	mode   Mode
	tables map[Table]memTable
}

func (s *MemoryStore) RunTransaction(ctx context.Context, name string, mode Mode, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mode == ReadOnly {
		s.mu.RLock()
		defer s.mu.RUnlock()
	} else {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if s.closed {
		return ErrClosed
	}

	txn := &memTxn{mode: mode, tables: make(map[Table]memTable, len(s.tables))}
	for t, m := range s.tables {
		txn.tables[t] = m
	}
	if err := fn(txn); err != nil {
		return err
	}
	if mode == ReadWrite {
		s.tables = txn.tables
	}
	return nil
}

func (s *MemoryStore) Size(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, m := range s.tables {
		m.Ascend(func(k string, v []byte) bool {
			n += int64(len(k) + len(v))
			return true
		})
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (t *memTxn) table(name Table) (memTable, error) {
	m, ok := t.tables[name]
	if !ok {
		return m, fmt.Errorf("%w: unknown table %q", ErrUnrecoverable, name)
	}
	return m, nil
}

func (t *memTxn) Get(table Table, key []byte) ([]byte, bool, error) {
	m, err := t.table(table)
	if err != nil {
		return nil, false, err
	}
	v, ok := m.Get(string(key))
	return v, ok, nil
}

func (t *memTxn) Put(table Table, key, value []byte) error {
	if t.mode == ReadOnly {
		return ErrReadOnly
	}
	m, err := t.table(table)
	if err != nil {
		return err
	}
	t.tables[table] = m.Insert(string(key), append([]byte(nil), value...))
	return nil
}

func (t *memTxn) Delete(table Table, key []byte) error {
	if t.mode == ReadOnly {
		return ErrReadOnly
	}
	m, err := t.table(table)
	if err != nil {
		return err
	}
	t.tables[table] = m.Remove(string(key))
	return nil
}

func (t *memTxn) Scan(table Table, prefix []byte, fn VisitFunc) error {
	return t.ScanRange(table, prefix, prefixEnd(prefix), fn)
}

func (t *memTxn) ScanRange(table Table, start, end []byte, fn VisitFunc) error {
	m, err := t.table(table)
	if err != nil {
		return err
	}
	var visitErr error
	m.AscendFrom(string(start), func(k string, v []byte) bool {
		if end != nil && k >= string(end) {
			return false
		}
		more, err := fn([]byte(k), v)
		if err != nil {
			visitErr = err
			return false
		}
		return more
	})
	return visitErr
}
