package durable

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"pkt.systems/pslog"

	"pkt.systems/durable/internal/clock"
	"pkt.systems/durable/internal/rpc"
	"pkt.systems/durable/internal/storage"
)

// TestServer wraps a running Server with handles for tests.
type TestServer struct {
	Server  *Server
	BaseURL string
	Config  Config
	// GRPC is a client for the gRPC surface; nil unless WithTestGRPC is used.
	GRPC *rpc.Client

	stop   func(context.Context) error
	grpcCC *grpc.ClientConn
}

type testingWriter struct {
	t      testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.log(string(line))
	}
	return len(p), nil
}

// log swallows the panic testing raises for writes after the test ended.
func (w *testingWriter) log(entry string) {
	defer func() {
		if r := recover(); r != nil {
			if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger returns a structured logger that writes through t.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: level,
	}).With("app", "testserver")
}

// Stop shuts the server down using ctx.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.grpcCC != nil {
		_ = ts.grpcCC.Close()
		ts.grpcCC = nil
	}
	return ts.stop(ctx)
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Backend exposes the wrapped storage backend.
func (ts *TestServer) Backend() storage.Backend {
	if ts == nil || ts.Server == nil {
		return nil
	}
	return ts.Server.Backend()
}

type testServerOptions struct {
	cfg          Config
	mutators     []func(*Config)
	backend      storage.Backend
	logger       pslog.Logger
	clock        clock.Clock
	grpc         bool
	startTimeout time.Duration
	tb           testing.TB
}

// TestServerOption customises NewTestServer and StartTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the base configuration. Unset fields are defaulted.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) { o.cfg = cfg }
}

// WithTestConfigFunc mutates the configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestStore sets the storage URL.
func WithTestStore(store string) TestServerOption {
	return WithTestConfigFunc(func(c *Config) { c.Store = store })
}

// WithTestBackend injects a pre-built backend.
func WithTestBackend(backend storage.Backend) TestServerOption {
	return func(o *testServerOptions) { o.backend = backend }
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) { o.logger = logger }
}

// WithTestLoggerTB routes server logs through t at debug level.
func WithTestLoggerTB(t testing.TB) TestServerOption {
	return func(o *testServerOptions) { o.tb = t }
}

// WithTestClock injects a clock.
func WithTestClock(c clock.Clock) TestServerOption {
	return func(o *testServerOptions) { o.clock = c }
}

// WithTestGRPC enables the gRPC listener and dials a client for it.
func WithTestGRPC() TestServerOption {
	return func(o *testServerOptions) { o.grpc = true }
}

// WithTestStartTimeout overrides how long to wait for readiness.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) { o.startTimeout = d }
}

// NewTestServer starts a server on a loopback port. Call Stop to clean up.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg:          Config{Store: "mem://", MemQueueWatch: true},
		startTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, fn := range options.mutators {
		fn(&cfg)
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if options.grpc && cfg.GRPCListen == "" {
		cfg.GRPCListen = "127.0.0.1:0"
	}
	logger := options.logger
	if logger == nil && options.tb != nil {
		logger = NewTestingLogger(options.tb, pslog.DebugLevel)
	}
	serverOpts := []Option{WithLogger(logger)}
	if options.backend != nil {
		serverOpts = append(serverOpts, WithBackend(options.backend))
	}
	if options.clock != nil {
		serverOpts = append(serverOpts, WithClock(options.clock))
	}

	srv, stop, err := startWithTimeout(ctx, cfg, options.startTimeout, serverOpts...)
	if err != nil {
		return nil, err
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server: listener not bound")
	}
	ts := &TestServer{
		Server:  srv,
		BaseURL: "http://" + addr.String(),
		Config:  srv.cfg,
		stop:    stop,
	}
	if options.grpc {
		grpcAddr := srv.GRPCAddr()
		if grpcAddr == nil {
			_ = stop(context.Background())
			return nil, fmt.Errorf("test server: grpc listener not bound")
		}
		cc, err := grpc.NewClient(grpcAddr.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			_ = stop(context.Background())
			return nil, fmt.Errorf("test server: dial grpc: %w", err)
		}
		ts.grpcCC = cc
		ts.GRPC = rpc.NewClient(cc)
	}
	return ts, nil
}

// startWithTimeout is StartServer with a readiness deadline that does not
// outlive startup.
func startWithTimeout(ctx context.Context, cfg Config, timeout time.Duration, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = fmt.Errorf("test server: stopped before ready")
		}
		return nil, nil, err
	case <-time.After(timeout):
		_ = srv.Close()
		return nil, nil, fmt.Errorf("test server: not ready after %s", timeout)
	case <-ctx.Done():
		_ = srv.Close()
		return nil, nil, ctx.Err()
	}
	var once sync.Once
	var stopErr error
	stop := func(shutdownCtx context.Context) error {
		once.Do(func() {
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	return srv, stop, nil
}

// StartTestServer fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}
