package docsync

import (
	"github.com/steveyegge/docsync/internal/core"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/query"
)

type (
	Document      = model.Document
	DocumentKey   = model.DocumentKey
	Query         = query.Query
	Mutation      = mutation.Mutation
	Snapshot      = core.ViewSnapshot
	ListenOptions = core.ListenOptions
	FieldIndex    = local.FieldIndex
	GCResults     = local.LruResults
)

// Source selects where GetDocument and GetQuery read from.
type Source int

const (
	// SourceDefault reads from the server and falls back to the cache when
	// the client is offline.
	SourceDefault Source = iota
	// SourceCache reads only the local cache.
	SourceCache
	// SourceServer reads only from the server.
	SourceServer
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceServer:
		return "server"
	}
	return "default"
}

// CollectionQuery returns a query for the documents of the collection at
// path.
func CollectionQuery(path string) *Query { return query.NewCollectionQuery(path) }

// DocumentQuery returns a query for the single document key.
func DocumentQuery(key DocumentKey) *Query { return query.NewDocumentQuery(key) }

// Key parses a slash separated document path.
func Key(path string) (DocumentKey, error) { return model.ParseDocumentKey(path) }
