package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/devserver"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/pkg/docsync"
)

func TestIsDocumentPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"rooms", false},
		{"rooms/a", true},
		{"/rooms/a/", true},
		{"rooms/a/messages", false},
		{"rooms/a/messages/m1", true},
	}
	for _, tt := range tests {
		if got := isDocumentPath(tt.path); got != tt.want {
			t.Errorf("isDocumentPath(%q): expected %v, got %v", tt.path, tt.want, got)
		}
	}
}

func TestParseSource(t *testing.T) {
	for _, name := range []string{"default", "cache", "server"} {
		src, ok := parseSource(name)
		if !ok || src.String() != name {
			t.Errorf("expected %s to parse, got %v (ok=%v)", name, src, ok)
		}
	}
	if _, ok := parseSource("disk"); ok {
		t.Errorf("expected disk to be rejected")
	}
}

func TestWriteOutput(t *testing.T) {
	entries := []batchEntry{{BatchID: 3, WriteTime: "now", Mutations: []string{"set(rooms/a)"}}}

	var buf bytes.Buffer
	if err := writeOutput(&buf, "yaml", entries); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}
	if !strings.Contains(buf.String(), "batch_id: 3") || !strings.Contains(buf.String(), "- set(rooms/a)") {
		t.Errorf("unexpected yaml:\n%s", buf.String())
	}

	buf.Reset()
	if err := writeOutput(&buf, "json", entries); err != nil {
		t.Fatalf("failed to write json: %v", err)
	}
	if !strings.Contains(buf.String(), `"batchId": 3`) {
		t.Errorf("unexpected json:\n%s", buf.String())
	}

	if err := writeOutput(&buf, "xml", entries); err == nil {
		t.Errorf("expected error for unknown format")
	}
}

func TestOpenCacheRequiresPath(t *testing.T) {
	settings = config.Default()
	if _, _, err := openCache(context.Background()); !errors.Is(err, errNoCache) {
		t.Errorf("expected errNoCache, got %v", err)
	}
	settings.Cache.Path = filepath.Join(t.TempDir(), "missing.db")
	if _, _, err := openCache(context.Background()); err == nil {
		t.Errorf("expected error for a missing cache file")
	}
}

// TestOpenCacheReadsClientCache checks that the inspection commands see
// what a client left behind: cached documents and unsent writes.
func TestOpenCacheReadsClientCache(t *testing.T) {
	srvCfg := devserver.DefaultConfig()
	srvCfg.Port = 0
	srvCfg.Logger = log.New(io.Discard, "", 0)
	srv := devserver.NewServer(srvCfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer func() { _ = srv.Stop() }()

	key := model.MustDocumentKey("rooms/a")
	if _, err := srv.SetDocument(key, model.ObjectValueOf(map[string]model.Value{"n": model.Int(1)})); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "cache.db")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	client, err := docsync.New(ctx, &docsync.Options{
		URL:             srv.URL(),
		PersistencePath: path,
		Logger:          log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if _, err := client.GetDocument(ctx, key, docsync.SourceServer); err != nil {
		t.Fatalf("failed to read rooms/a: %v", err)
	}
	if err := client.DisableNetwork(ctx); err != nil {
		t.Fatalf("failed to disable network: %v", err)
	}
	pending := mutation.NewSet(model.MustDocumentKey("rooms/b"), model.ObjectValueOf(map[string]model.Value{"n": model.Int(2)}))
	if _, _, err := client.Write(ctx, []*docsync.Mutation{pending}); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("failed to close client: %v", err)
	}

	settings = config.Default()
	settings.Cache.Path = path
	settings.Log.File = filepath.Join(t.TempDir(), "docsync.log")
	userID = ""
	ls, closeCache, err := openCache(ctx)
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	defer closeCache()

	var keys []string
	if err := ls.ForEachRemoteDocument(ctx, func(d *model.Document) error {
		keys = append(keys, d.Key().String())
		return nil
	}); err != nil {
		t.Fatalf("failed to scan documents: %v", err)
	}
	if len(keys) == 0 || keys[0] != "rooms/a" {
		t.Errorf("expected rooms/a cached, got %v", keys)
	}

	batches, err := ls.AllMutationBatches(ctx)
	if err != nil {
		t.Fatalf("failed to read batches: %v", err)
	}
	if len(batches) != 1 || batches[0].Mutations[0].Key != pending.Key {
		t.Errorf("expected the unsent write to rooms/b, got %v", batches)
	}
}
