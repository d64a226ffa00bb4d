package remote

import (
	"context"
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/query"
)

// Stream is one bidirectional RPC. Recv blocks until a message arrives or
// the stream fails; a stream closed by the server returns an error carrying
// a status code.
type Stream[Req, Resp any] interface {
	Send(ctx context.Context, req Req) error
	Recv(ctx context.Context) (Resp, error)
	Close() error
}

// ListenStream is the watch RPC.
type ListenStream = Stream[*ListenRequest, *ListenResponse]

// WriteStream is the write RPC.
type WriteStream = Stream[*WriteRequest, *WriteResponse]

// Connection opens streams to the backend, authenticating with token.
// Message encoding belongs to the implementation.
type Connection interface {
	OpenListenStream(ctx context.Context, token string) (ListenStream, error)
	OpenWriteStream(ctx context.Context, token string) (WriteStream, error)
}

// WatchTarget asks the server to start streaming changes for a target.
type WatchTarget struct {
	TargetID    int           `json:"targetId"`
	Target      *query.Target `json:"target"`
	ResumeToken []byte        `json:"resumeToken,omitempty"`
	// ReadTime resumes from a snapshot version when no token is known.
	ReadTime      *model.SnapshotVersion `json:"readTime,omitempty"`
	ExpectedCount *int                   `json:"expectedCount,omitempty"`
}

// ListenRequest adds or removes one target.
type ListenRequest struct {
	AddTarget    *WatchTarget `json:"addTarget,omitempty"`
	RemoveTarget int          `json:"removeTarget,omitempty"`
}

// ListenResponse holds exactly one watch change.
type ListenResponse struct {
	TargetChange   *WatchTargetChange     `json:"targetChange,omitempty"`
	DocumentChange *DocumentChange        `json:"documentChange,omitempty"`
	Filter         *ExistenceFilterChange `json:"filter,omitempty"`
}

// Change returns the watch change carried by r.
func (r *ListenResponse) Change() (WatchChange, error) {
	switch {
	case r.TargetChange != nil:
		return r.TargetChange, nil
	case r.DocumentChange != nil:
		return r.DocumentChange, nil
	case r.Filter != nil:
		return r.Filter, nil
	}
	return nil, fmt.Errorf("empty listen response")
}

// ResponseFor wraps change in a ListenResponse.
func ResponseFor(change WatchChange) *ListenResponse {
	switch c := change.(type) {
	case *WatchTargetChange:
		return &ListenResponse{TargetChange: c}
	case *DocumentChange:
		return &ListenResponse{DocumentChange: c}
	case *ExistenceFilterChange:
		return &ListenResponse{Filter: c}
	}
	return &ListenResponse{}
}

// WriteRequest is either the handshake, which carries no writes, or a
// batch of mutations.
type WriteRequest struct {
	Handshake   bool                 `json:"handshake,omitempty"`
	StreamToken []byte               `json:"streamToken,omitempty"`
	Writes      []*mutation.Mutation `json:"writes,omitempty"`
}

// WriteResponse answers a WriteRequest in order.
type WriteResponse struct {
	StreamToken   []byte                `json:"streamToken,omitempty"`
	CommitVersion model.SnapshotVersion `json:"commitVersion"`
	WriteResults  []mutation.Result     `json:"writeResults,omitempty"`
}
