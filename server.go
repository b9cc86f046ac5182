package durable

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"pkt.systems/pslog"

	"pkt.systems/durable/internal/app"
	"pkt.systems/durable/internal/binding"
	"pkt.systems/durable/internal/bucket"
	"pkt.systems/durable/internal/clock"
	"pkt.systems/durable/internal/consumer"
	"pkt.systems/durable/internal/gateway"
	"pkt.systems/durable/internal/loggingutil"
	"pkt.systems/durable/internal/queue"
	"pkt.systems/durable/internal/rpc"
	"pkt.systems/durable/internal/storage"
)

const httpSpanName = "durable.http"

// Server wires the storage backend, bindings, the gateway, the bucket route,
// the optional gRPC surface and the projection consumer.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	backend   storage.Backend
	queues    *queue.Service
	resolver  *binding.Resolver
	consumer  *consumer.Consumer
	handler   http.Handler
	httpSrv   *http.Server
	grpcSrv   *grpc.Server
	telemetry *telemetry

	mu           sync.Mutex
	listener     net.Listener
	grpcLn       net.Listener
	shutdown     bool
	lastServeErr error
	consumerStop context.CancelFunc
	consumerDone chan struct{}
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	logger  pslog.Logger
	backend storage.Backend
	clock   clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackend injects a pre-built raw backend. It is still wrapped with
// encryption, logging and retries, and the server closes it on shutdown.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithClock injects a clock for the partition actors, queues and consumer.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewServer constructs a durable server according to cfg.
// Example:
//
//	cfg := durable.Config{Store: "mem://", Listen: ":8787"}
//	srv, err := durable.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.Ensure(o.logger)
	clk := clock.Or(o.clock)

	s := &Server{
		cfg:     cfg,
		logger:  loggingutil.WithSubsystem(logger, "server"),
		clock:   clk,
		readyCh: make(chan struct{}),
	}
	ok := false
	defer func() {
		if !ok {
			s.teardown(context.Background())
		}
	}()

	tel, err := setupTelemetry(context.Background(), cfg, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s.telemetry = tel

	raw := o.backend
	if raw == nil {
		raw, err = openRawBackend(cfg)
		if err != nil {
			return nil, err
		}
	}
	s.backend, err = wrapBackend(raw, cfg, logger, clk)
	if err != nil {
		return nil, err
	}
	if cfg.StorageEncryptionEnabled() {
		s.logger.Info("server.storage.encryption", "enabled", true)
	} else {
		s.logger.Warn("server.storage.encryption", "enabled", false, "impact", "data at rest is stored in plaintext")
	}

	s.queues, err = queue.New(s.backend, clk, queue.Config{
		DefaultVisibilityTimeout: cfg.ConsumerVisibility,
		Logger:                   logger,
	})
	if err != nil {
		return nil, err
	}
	s.resolver, err = binding.New(cfg.Bindings, binding.Options{
		Backend:     s.backend,
		Queues:      s.queues,
		Logger:      logger,
		Clock:       clk,
		MailboxSize: cfg.MailboxSize,
	})
	if err != nil {
		return nil, err
	}

	if !cfg.DisableConsumer {
		target, err := s.resolver.Bucket(cfg.ProjectionBucket)
		if err != nil {
			return nil, fmt.Errorf("projection bucket: %w", err)
		}
		s.consumer, err = consumer.New(s.queues, app.NewProjection(target, logger), consumer.Config{
			Queue:             cfg.ConsumerQueue,
			MaxBatchSize:      cfg.ConsumerBatchSize,
			MaxBatchTimeout:   cfg.ConsumerBatchTimeout,
			MaxRetries:        cfg.ConsumerMaxRetries,
			DeadLetterQueue:   cfg.ConsumerDLQ,
			RetryDelay:        cfg.ConsumerRetryDelay,
			VisibilityTimeout: cfg.ConsumerVisibility,
			PollInterval:      cfg.ConsumerPollInterval,
			Logger:            logger,
			Clock:             clk,
		})
		if err != nil {
			return nil, err
		}
	}

	registry := app.NewRegistry(s.resolver, app.RegistryConfig{
		RequiredScope: cfg.RequiredScope,
		Logger:        logger,
	})
	gw := gateway.NewHandler(registry, logger, gateway.Config{
		Timeout:      cfg.GatewayTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	router := chi.NewRouter()
	router.Handle(bucket.RoutePrefix+"*", bucket.NewHandler(s.resolver, logger))
	router.Handle("/*", gw)
	s.handler = otelhttp.NewHandler(router, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))

	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           h2c.NewHandler(s.handler, &http2.Server{MaxConcurrentStreams: cfg.MaxConcurrentStreams}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return pslog.ContextWithLogger(context.Background(), logger)
		},
	}

	if cfg.GRPCListen != "" {
		s.grpcSrv = grpc.NewServer(
			grpc.ChainUnaryInterceptor(rpc.UnaryLogger(logger)),
			grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams),
		)
		rpc.NewServer(s.resolver, logger).Register(s.grpcSrv)
	}
	ok = true
	return s, nil
}

// Handler returns the HTTP handler so the server can be mounted inside an
// existing mux.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Backend returns the wrapped storage backend.
func (s *Server) Backend() storage.Backend {
	return s.backend
}

// Queues returns the queue service shared by producers and the consumer.
func (s *Server) Queues() *queue.Service {
	return s.queues
}

// Start binds the listeners, starts the consumer and serves HTTP until the
// server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	var grpcLn net.Listener
	if s.grpcSrv != nil {
		grpcLn, err = net.Listen("tcp", s.cfg.GRPCListen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("grpc listen (%s): %w", s.cfg.GRPCListen, err)
		}
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil
	}
	s.listener = ln
	s.grpcLn = grpcLn
	s.mu.Unlock()

	if grpcLn != nil {
		go func() {
			if err := s.grpcSrv.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Warn("server.grpc.serve_error", "error", err)
			}
		}()
		s.logger.Info("server.grpc.listening", "address", grpcLn.Addr().String())
	}
	s.startConsumer()
	s.logger.Info("server.listening",
		"address", ln.Addr().String(),
		"store", s.cfg.Store,
		"namespaces", s.resolver.NamespaceNames(),
		"consumer", s.consumer != nil,
	)
	s.signalReady()

	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

func (s *Server) startConsumer() {
	if s.consumer == nil {
		return
	}
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(context.Background(), s.logger))
	done := make(chan struct{})
	s.mu.Lock()
	s.consumerStop = cancel
	s.consumerDone = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		_ = s.consumer.Run(ctx)
	}()
}

func (s *Server) stopConsumer(ctx context.Context) {
	s.mu.Lock()
	cancel, done := s.consumerStop, s.consumerDone
	s.consumerStop, s.consumerDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("server.consumer.stop_timeout", "error", ctx.Err())
	}
}

// Shutdown stops accepting requests, drains the consumer and the partition
// actors, then closes storage and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	s.signalReady()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.grpcSrv != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcSrv.Stop()
		}
	}
	s.stopConsumer(ctx)
	if err := s.teardown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("server.shutdown.complete", "errors", len(errs))
	return errors.Join(errs...)
}

// teardown releases everything NewServer built, in reverse order.
func (s *Server) teardown(ctx context.Context) error {
	var errs []error
	if s.resolver != nil {
		if err := s.resolver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bindings close: %w", err))
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend close: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	return errors.Join(errs...)
}

// Close shuts the server down bounded by the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitUntilReady blocks until the listeners are bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound HTTP address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// GRPCAddr returns the bound gRPC address, or nil when gRPC is disabled.
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLn != nil {
		return s.grpcLn.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// is ready. It returns the running server and a stop function.
// Example:
//
//	srv, stop, err := durable.StartServer(ctx, durable.Config{Store: "mem://", Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
