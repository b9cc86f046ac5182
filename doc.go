// Package durable exposes the Go APIs behind a single-binary runtime for
// partitioned, versioned state. Application code reaches it through named
// bindings: register namespaces (actor-owned key/value registers with
// optimistic versioning), queues with a batched at-least-once consumer, and
// JSON buckets. The server is designed to run cleanly as PID 1, and the
// package makes it easy to embed it or spin it up inside tests.
//
// # Running a server
//
//	cfg := durable.Config{
//	    Store:  "disk:///var/lib/durable",
//	    Listen: ":8787",
//	}
//	srv, err := durable.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("durable: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// StartServer does the same in one call and waits until the listeners are
// bound.
//
// # HTTP surface
//
// Every request except /buckets/* is handed to the gateway, which turns it
// into an api.Request and waits for the application's single reply. The
// built-in registry application serves:
//
//	GET  /{namespace}/{partition}/{key}         current value or null
//	POST /{namespace}/{partition}/{key}/begin   {"empty":...} or {"existing":...}
//	POST /{namespace}/{partition}/{key}/commit  {"version":N,"value":...}
//	POST /queues/{binding}                      enqueue the JSON body
//
// A commit carries the version it read (0 for an empty register). Any other
// version is a conflict (409) and leaves the register untouched. The bucket
// route serves GET /buckets/{name}/{key...} from the {name}_bucket binding.
//
// When Config.GRPCListen is set the same register and publish operations are
// available over gRPC (see internal/rpc for the method names).
//
// # Storage
//
// Config.Store selects the backend:
//
//	mem://                          in-process, for tests
//	disk:///var/lib/durable         local filesystem with fsnotify queue wakeups
//	sqlite:///var/lib/durable.db    embedded SQLite (sqlite::memory: for a private db)
//	s3://host:9000/bucket/prefix    S3-compatible (MinIO) via minio-go
//	aws://bucket/prefix?region=...  AWS S3 via aws-sdk-go-v2
//	azure://account/container       Azure Blob Storage
//
// Every backend is wrapped with structured logging and transient-error
// retries. Setting Config.StorageEncryptionKey to a kryptograf bundle (see
// `durable keygen`) seals every object body at rest.
//
// # Projection consumer
//
// Unless disabled, the server runs a consumer over Config.ConsumerQueue that
// writes {"key":...,"value":...} events into Config.ProjectionBucket. Rejected
// messages are retried with Config.ConsumerRetryDelay and move to
// Config.ConsumerDLQ once their delivery count reaches
// Config.ConsumerMaxRetries.
//
// # Testing
//
// StartTestServer boots a mem:// server on a loopback port and registers
// cleanup with the test:
//
//	ts := durable.StartTestServer(t, durable.WithTestGRPC())
//	resp, err := http.Get(ts.URL() + "/flights/p1/k1")
package durable
