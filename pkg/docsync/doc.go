// Package docsync is the embedding API of the document sync engine.
//
// # Overview
//
// A Client keeps a local cache of documents in step with a server. Reads
// and listens are answered from the cache at once, with pending local
// writes applied. Writes are queued durably and sent when the network is
// available. Listeners see a new Snapshot whenever either side changes.
//
//	client, err := docsync.New(ctx, &docsync.Options{URL: "ws://localhost:8080"})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	cancel := client.Listen(docsync.CollectionQuery("rooms"), docsync.ListenOptions{},
//		func(snap *docsync.Snapshot, err error) { ... })
//	defer cancel()
//
// Every operation runs on one internal queue, so the engine itself needs no
// locks. Snapshots and errors are delivered on a second queue, so callbacks
// may call back into the client.
package docsync
