package devserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/credentials"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
	"github.com/steveyegge/docsync/internal/transport/wsconn"
)

func startServer(t *testing.T, configure func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.Logger = log.New(io.Discard, "", 0)
	if configure != nil {
		configure(cfg)
	}
	srv := NewServer(cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func connect(srv *Server) *wsconn.Connection {
	cfg := wsconn.DefaultConfig()
	cfg.URL = srv.URL()
	cfg.Logger = log.New(io.Discard, "", 0)
	return wsconn.NewWithConfig(cfg)
}

func seed(t *testing.T, srv *Server, path string, n int64) model.SnapshotVersion {
	t.Helper()
	v, err := srv.SetDocument(model.MustDocumentKey(path), model.ObjectValueOf(map[string]model.Value{"n": model.Int(n)}))
	if err != nil {
		t.Fatalf("failed to seed %s: %v", path, err)
	}
	return v
}

func openListen(t *testing.T, ctx context.Context, srv *Server, target *remote.WatchTarget) remote.ListenStream {
	t.Helper()
	stream, err := connect(srv).OpenListenStream(ctx, "")
	if err != nil {
		t.Fatalf("failed to open listen stream: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })
	if err := stream.Send(ctx, &remote.ListenRequest{AddTarget: target}); err != nil {
		t.Fatalf("failed to add target: %v", err)
	}
	return stream
}

// readUntilGlobal collects watch changes up to and including the next
// global no-change.
func readUntilGlobal(t *testing.T, ctx context.Context, stream remote.ListenStream) []remote.WatchChange {
	t.Helper()
	var changes []remote.WatchChange
	for {
		resp, err := stream.Recv(ctx)
		if err != nil {
			t.Fatalf("failed to receive: %v", err)
		}
		change, err := resp.Change()
		if err != nil {
			t.Fatalf("failed to decode change: %v", err)
		}
		changes = append(changes, change)
		if tc, ok := change.(*remote.WatchTargetChange); ok && tc.State == remote.TargetNoChange && len(tc.TargetIDs) == 0 {
			return changes
		}
	}
}

func documentPaths(changes []remote.WatchChange) []string {
	var paths []string
	for _, c := range changes {
		if dc, ok := c.(*remote.DocumentChange); ok {
			paths = append(paths, dc.Key.String())
		}
	}
	return paths
}

func currentToken(t *testing.T, changes []remote.WatchChange) []byte {
	t.Helper()
	for _, c := range changes {
		if tc, ok := c.(*remote.WatchTargetChange); ok && tc.State == remote.TargetCurrent {
			return tc.ResumeToken
		}
	}
	t.Fatalf("no current change in %d changes", len(changes))
	return nil
}

func TestServerStartStop(t *testing.T) {
	srv := startServer(t, nil)
	seed(t, srv, "rooms/a", 1)

	resp, err := http.Get("http://" + srv.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("failed to get health: %v", err)
	}
	defer resp.Body.Close()

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("expected status ok, got %v", health["status"])
	}
	if health["documents"] != float64(1) {
		t.Errorf("expected 1 document, got %v", health["documents"])
	}
}

func TestListenInitialSnapshot(t *testing.T) {
	srv := startServer(t, nil)
	seed(t, srv, "rooms/b", 2)
	seed(t, srv, "rooms/a", 1)
	seed(t, srv, "users/x", 3)
	ctx := testContext(t)

	target := query.NewCollectionQuery("rooms").ToTarget()
	stream := openListen(t, ctx, srv, &remote.WatchTarget{TargetID: 2, Target: target})
	changes := readUntilGlobal(t, ctx, stream)

	first, ok := changes[0].(*remote.WatchTargetChange)
	if !ok || first.State != remote.TargetAdded {
		t.Fatalf("expected target added first, got %#v", changes[0])
	}
	if diff := cmp.Diff([]string{"rooms/a", "rooms/b"}, documentPaths(changes)); diff != "" {
		t.Errorf("unexpected documents (-want +got):\n%s", diff)
	}
	if len(currentToken(t, changes)) == 0 {
		t.Error("expected a resume token on current")
	}
}

func TestListenResumeSendsExistenceFilter(t *testing.T) {
	srv := startServer(t, nil)
	seed(t, srv, "rooms/a", 1)
	seed(t, srv, "rooms/b", 1)
	ctx := testContext(t)
	target := query.NewCollectionQuery("rooms").ToTarget()

	stream := openListen(t, ctx, srv, &remote.WatchTarget{TargetID: 2, Target: target})
	token := currentToken(t, readUntilGlobal(t, ctx, stream))
	_ = stream.Close()

	if _, err := srv.DeleteDocument(model.MustDocumentKey("rooms/a")); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	seed(t, srv, "rooms/c", 1)

	resumed := openListen(t, ctx, srv, &remote.WatchTarget{TargetID: 2, Target: target, ResumeToken: token})
	changes := readUntilGlobal(t, ctx, resumed)

	if diff := cmp.Diff([]string{"rooms/c"}, documentPaths(changes)); diff != "" {
		t.Errorf("expected only the new document (-want +got):\n%s", diff)
	}
	var filter *remote.ExistenceFilterChange
	for _, c := range changes {
		if f, ok := c.(*remote.ExistenceFilterChange); ok {
			filter = f
		}
	}
	if filter == nil {
		t.Fatal("expected an existence filter on resume")
	}
	if filter.Count != 2 {
		t.Errorf("expected count 2, got %d", filter.Count)
	}
	bloom, err := remote.NewBloomFilter(filter.UnchangedNames.Bitmap, filter.UnchangedNames.Padding, filter.UnchangedNames.HashCount)
	if err != nil {
		t.Fatalf("failed to decode bloom filter: %v", err)
	}
	for _, name := range []string{"rooms/b", "rooms/c"} {
		if !bloom.MightContain(name) {
			t.Errorf("expected bloom filter to contain %s", name)
		}
	}
}

func TestWriteCommitsAndBroadcasts(t *testing.T) {
	srv := startServer(t, nil)
	ctx := testContext(t)
	listen := openListen(t, ctx, srv, &remote.WatchTarget{TargetID: 2, Target: query.NewCollectionQuery("rooms").ToTarget()})
	readUntilGlobal(t, ctx, listen)

	write, err := connect(srv).OpenWriteStream(ctx, "")
	if err != nil {
		t.Fatalf("failed to open write stream: %v", err)
	}
	defer write.Close()
	if err := write.Send(ctx, &remote.WriteRequest{Handshake: true}); err != nil {
		t.Fatalf("failed to send handshake: %v", err)
	}
	hs, err := write.Recv(ctx)
	if err != nil {
		t.Fatalf("failed to receive handshake: %v", err)
	}
	if len(hs.StreamToken) == 0 {
		t.Error("expected a stream token from the handshake")
	}

	key := model.MustDocumentKey("rooms/a")
	set := mutation.NewSet(key, model.ObjectValueOf(map[string]model.Value{"n": model.Int(1)}),
		mutation.FieldTransform{Field: model.ParseFieldPath("at"), Op: mutation.ServerTimestampOp()})
	if err := write.Send(ctx, &remote.WriteRequest{StreamToken: hs.StreamToken, Writes: []*mutation.Mutation{set}}); err != nil {
		t.Fatalf("failed to send write: %v", err)
	}
	resp, err := write.Recv(ctx)
	if err != nil {
		t.Fatalf("failed to receive write response: %v", err)
	}
	if len(resp.WriteResults) != 1 || len(resp.WriteResults[0].TransformResults) != 1 {
		t.Fatalf("expected one result with one transform, got %+v", resp.WriteResults)
	}
	if resp.CommitVersion.Compare(hs.CommitVersion) <= 0 {
		t.Errorf("expected commit version after %v, got %v", hs.CommitVersion, resp.CommitVersion)
	}

	changes := readUntilGlobal(t, ctx, listen)
	if diff := cmp.Diff([]string{"rooms/a"}, documentPaths(changes)); diff != "" {
		t.Errorf("unexpected broadcast (-want +got):\n%s", diff)
	}
	doc := srv.Document(key)
	if doc == nil || !doc.Version().Equal(resp.CommitVersion) {
		t.Fatalf("expected stored document at %v, got %v", resp.CommitVersion, doc)
	}
	if at, ok := doc.Field(model.ParseFieldPath("at")); !ok || at.Kind() != model.KindTimestamp {
		t.Errorf("expected server timestamp at 'at', got %v", at)
	}
}

func TestWriteFailuresCloseWithStatus(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Server)
		req   *remote.WriteRequest
		want  status.Code
	}{
		{
			name: "missing handshake",
			req:  &remote.WriteRequest{},
			want: status.InvalidArgument,
		},
		{
			name: "bad stream token",
			req:  &remote.WriteRequest{Handshake: true, StreamToken: []byte("stale")},
			want: status.InvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, nil)
			ctx := testContext(t)
			write, err := connect(srv).OpenWriteStream(ctx, "")
			if err != nil {
				t.Fatalf("failed to open write stream: %v", err)
			}
			defer write.Close()
			if err := write.Send(ctx, tt.req); err != nil {
				t.Fatalf("failed to send: %v", err)
			}
			_, err = write.Recv(ctx)
			if got := status.CodeOf(err); got != tt.want {
				t.Errorf("expected %v, got %v (%v)", tt.want, got, err)
			}
		})
	}
}

func TestWriteRejectsFailedPrecondition(t *testing.T) {
	srv := startServer(t, nil)
	ctx := testContext(t)
	write, err := connect(srv).OpenWriteStream(ctx, "")
	if err != nil {
		t.Fatalf("failed to open write stream: %v", err)
	}
	defer write.Close()
	if err := write.Send(ctx, &remote.WriteRequest{Handshake: true}); err != nil {
		t.Fatalf("failed to send handshake: %v", err)
	}
	if _, err := write.Recv(ctx); err != nil {
		t.Fatalf("failed to receive handshake: %v", err)
	}

	patch := mutation.NewPatch(model.MustDocumentKey("rooms/missing"),
		model.ObjectValueOf(map[string]model.Value{"n": model.Int(1)}),
		model.NewFieldMask(model.ParseFieldPath("n")))
	if err := write.Send(ctx, &remote.WriteRequest{Writes: []*mutation.Mutation{patch}}); err != nil {
		t.Fatalf("failed to send write: %v", err)
	}
	_, err = write.Recv(ctx)
	if got := status.CodeOf(err); got != status.FailedPrecondition {
		t.Errorf("expected FailedPrecondition, got %v (%v)", got, err)
	}
	if srv.DocumentCount() != 0 {
		t.Errorf("expected no documents after a rejected write, got %d", srv.DocumentCount())
	}
}

func TestAuthentication(t *testing.T) {
	secret := []byte("dev-secret")
	srv := startServer(t, func(c *Config) {
		c.Secret = secret
		c.Authorize = func(user string, path model.ResourcePath, write bool) error {
			if path.Segment(0) == "private" && user != "alice" {
				return status.Errorf(status.PermissionDenied, "private to alice")
			}
			return nil
		}
	})
	ctx := testContext(t)

	_, err := connect(srv).OpenListenStream(ctx, "not-a-token")
	if got := status.CodeOf(err); got != status.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v (%v)", got, err)
	}

	token, err := credentials.Sign(secret, "bob", time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	stream, err := connect(srv).OpenListenStream(ctx, token)
	if err != nil {
		t.Fatalf("failed to open listen stream: %v", err)
	}
	defer stream.Close()
	target := &remote.WatchTarget{TargetID: 4, Target: query.NewCollectionQuery("private").ToTarget()}
	if err := stream.Send(ctx, &remote.ListenRequest{AddTarget: target}); err != nil {
		t.Fatalf("failed to add target: %v", err)
	}
	resp, err := stream.Recv(ctx)
	if err != nil {
		t.Fatalf("failed to receive: %v", err)
	}
	tc := resp.TargetChange
	if tc == nil || tc.State != remote.TargetRemoved || tc.Cause == nil {
		t.Fatalf("expected target removed with a cause, got %+v", resp)
	}
	if tc.Cause.Code != status.PermissionDenied {
		t.Errorf("expected PermissionDenied cause, got %v", tc.Cause)
	}
}

func TestLimitTargetTracksWindow(t *testing.T) {
	srv := startServer(t, nil)
	seed(t, srv, "rooms/a", 1)
	seed(t, srv, "rooms/b", 2)
	ctx := testContext(t)

	q := query.NewCollectionQuery("rooms")
	q.Limit = 1
	stream := openListen(t, ctx, srv, &remote.WatchTarget{TargetID: 2, Target: q.ToTarget()})
	if diff := cmp.Diff([]string{"rooms/a"}, documentPaths(readUntilGlobal(t, ctx, stream))); diff != "" {
		t.Fatalf("unexpected initial window (-want +got):\n%s", diff)
	}

	if _, err := srv.DeleteDocument(model.MustDocumentKey("rooms/a")); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	changes := readUntilGlobal(t, ctx, stream)
	var deleted, added bool
	for _, c := range changes {
		dc, ok := c.(*remote.DocumentChange)
		if !ok {
			continue
		}
		switch {
		case dc.Key.String() == "rooms/a" && dc.Doc != nil && dc.Doc.IsNoDocument():
			deleted = true
		case dc.Key.String() == "rooms/b" && dc.Doc != nil && dc.Doc.IsFoundDocument():
			added = true
		}
	}
	if !deleted || !added {
		t.Errorf("expected rooms/a deleted and rooms/b to enter the window, got %d changes", len(changes))
	}
}

func TestDropListenConnections(t *testing.T) {
	srv := startServer(t, nil)
	ctx := testContext(t)
	stream := openListen(t, ctx, srv, &remote.WatchTarget{TargetID: 2, Target: query.NewCollectionQuery("rooms").ToTarget()})
	readUntilGlobal(t, ctx, stream)

	srv.DropListenConnections()
	_, err := stream.Recv(ctx)
	if got := status.CodeOf(err); got != status.Unavailable {
		t.Errorf("expected Unavailable, got %v (%v)", got, err)
	}
}

func TestSetBloomFiltersSendsCountOnlyFilter(t *testing.T) {
	srv := startServer(t, nil)
	seed(t, srv, "rooms/a", 1)
	ctx := testContext(t)
	target := query.NewCollectionQuery("rooms").ToTarget()

	stream := openListen(t, ctx, srv, &remote.WatchTarget{TargetID: 2, Target: target})
	token := currentToken(t, readUntilGlobal(t, ctx, stream))
	_ = stream.Close()

	srv.SetBloomFilters(false, 0)
	resumed := openListen(t, ctx, srv, &remote.WatchTarget{TargetID: 2, Target: target, ResumeToken: token})
	for _, c := range readUntilGlobal(t, ctx, resumed) {
		if f, ok := c.(*remote.ExistenceFilterChange); ok {
			if f.Count != 1 {
				t.Errorf("expected count 1, got %d", f.Count)
			}
			if f.UnchangedNames != nil {
				t.Errorf("expected no bloom filter once disabled")
			}
			return
		}
	}
	t.Fatal("expected an existence filter on resume")
}
