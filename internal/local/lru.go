package local

import (
	"container/heap"
	"log"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
)

const (
	// LruCollectionDisabled turns garbage collection off when used as the
	// cache size threshold.
	LruCollectionDisabled int64 = -1

	DefaultCacheSizeBytes                  = 40 * 1024 * 1024
	DefaultPercentileToCollect             = 10
	DefaultMaximumSequenceNumbersToCollect = 1000
)

// LruParams tunes the LRU garbage collector.
type LruParams struct {
	// CacheSizeCollectionThreshold is the store size in bytes below which
	// collection is skipped.
	CacheSizeCollectionThreshold int64 `mapstructure:"cache_size_bytes"`
	// PercentileToCollect is the share of sequence numbers collected per run.
	PercentileToCollect int `mapstructure:"percentile"`
	// MaximumSequenceNumbersToCollect caps a single run.
	MaximumSequenceNumbersToCollect int `mapstructure:"max_sequence_numbers"`
}

// DefaultLruParams returns the default collection parameters.
func DefaultLruParams() LruParams {
	return LruParams{
		CacheSizeCollectionThreshold:    DefaultCacheSizeBytes,
		PercentileToCollect:             DefaultPercentileToCollect,
		MaximumSequenceNumbersToCollect: DefaultMaximumSequenceNumbersToCollect,
	}
}

// DisabledLruParams returns parameters that never collect.
func DisabledLruParams() LruParams {
	p := DefaultLruParams()
	p.CacheSizeCollectionThreshold = LruCollectionDisabled
	return p
}

// LruResults reports what a collection run did.
type LruResults struct {
	DidRun                   bool `json:"didRun" yaml:"did_run"`
	SequenceNumbersCollected int  `json:"sequenceNumbersCollected" yaml:"sequence_numbers_collected"`
	TargetsRemoved           int  `json:"targetsRemoved" yaml:"targets_removed"`
	DocumentsRemoved         int  `json:"documentsRemoved" yaml:"documents_removed"`
}

// lruDelegate exposes the sequence numbers of the cache to the collector.
type lruDelegate interface {
	sequenceNumberCount(txn persistence.Txn) (int, error)
	forEachTarget(txn persistence.Txn, fn func(seq int64)) error
	forEachOrphanedDocument(txn persistence.Txn, fn func(key model.DocumentKey, seq int64)) error
	removeTargets(txn persistence.Txn, upperBound int64, active map[int]bool) (int, error)
	removeOrphanedDocuments(txn persistence.Txn, upperBound int64) (int, error)
}

// seqHeap is a max-heap of sequence numbers.
type seqHeap []int64

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i] > h[j] }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// rollingSequenceBuffer keeps the n lowest sequence numbers seen.
type rollingSequenceBuffer struct {
	max  int
	heap seqHeap
}

func newRollingSequenceBuffer(n int) *rollingSequenceBuffer {
	return &rollingSequenceBuffer{max: n}
}

func (b *rollingSequenceBuffer) add(seq int64) {
	if b.max <= 0 {
		return
	}
	if len(b.heap) < b.max {
		heap.Push(&b.heap, seq)
		return
	}
	if seq < b.heap[0] {
		b.heap[0] = seq
		heap.Fix(&b.heap, 0)
	}
}

// maxValue returns the largest retained sequence number.
func (b *rollingSequenceBuffer) maxValue() int64 {
	if len(b.heap) == 0 {
		return ListenSequenceInvalid
	}
	return b.heap[0]
}

// LruGarbageCollector removes the least recently used targets and the
// documents only they referenced.
type LruGarbageCollector struct {
	params   LruParams
	delegate lruDelegate
	logger   *log.Logger
}

func newLruGarbageCollector(delegate lruDelegate, params LruParams, logger *log.Logger) *LruGarbageCollector {
	return &LruGarbageCollector{params: params, delegate: delegate, logger: logger}
}

// Params returns the collector's parameters.
func (g *LruGarbageCollector) Params() LruParams { return g.params }

// Enabled reports whether the collector may run at all.
func (g *LruGarbageCollector) Enabled() bool {
	return g.params.CacheSizeCollectionThreshold != LruCollectionDisabled
}

// calculateTargetCount returns how many sequence numbers a run collects.
func (g *LruGarbageCollector) calculateTargetCount(txn persistence.Txn) (int, error) {
	total, err := g.delegate.sequenceNumberCount(txn)
	if err != nil {
		return 0, err
	}
	return g.params.PercentileToCollect * total / 100, nil
}

// nthSequenceNumber returns the nth lowest sequence number in use, or
// ListenSequenceInvalid for n == 0.
func (g *LruGarbageCollector) nthSequenceNumber(txn persistence.Txn, n int) (int64, error) {
	if n == 0 {
		return ListenSequenceInvalid, nil
	}
	buf := newRollingSequenceBuffer(n)
	if err := g.delegate.forEachTarget(txn, buf.add); err != nil {
		return 0, err
	}
	err := g.delegate.forEachOrphanedDocument(txn, func(_ model.DocumentKey, seq int64) { buf.add(seq) })
	return buf.maxValue(), err
}

// collect runs one pass inside txn. The caller has already checked the
// cache size against the threshold.
func (g *LruGarbageCollector) collect(txn persistence.Txn, active map[int]bool) (LruResults, error) {
	n, err := g.calculateTargetCount(txn)
	if err != nil {
		return LruResults{}, err
	}
	if n > g.params.MaximumSequenceNumbersToCollect {
		g.logger.Printf("capping sequence numbers to collect at %d (wanted %d)", g.params.MaximumSequenceNumbersToCollect, n)
		n = g.params.MaximumSequenceNumbersToCollect
	}
	upperBound, err := g.nthSequenceNumber(txn, n)
	if err != nil {
		return LruResults{}, err
	}
	targets, err := g.delegate.removeTargets(txn, upperBound, active)
	if err != nil {
		return LruResults{}, err
	}
	docs, err := g.delegate.removeOrphanedDocuments(txn, upperBound)
	if err != nil {
		return LruResults{}, err
	}
	return LruResults{
		DidRun:                   true,
		SequenceNumbersCollected: n,
		TargetsRemoved:           targets,
		DocumentsRemoved:         docs,
	}, nil
}
