package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"pkt.systems/pslog"

	"pkt.systems/durable/api"
	"pkt.systems/durable/internal/binding"
	"pkt.systems/durable/internal/loggingutil"
	"pkt.systems/durable/internal/partition"
	"pkt.systems/durable/internal/queue"
	"pkt.systems/durable/internal/register"
)

// Resolver is the subset of binding.Resolver the service needs.
type Resolver interface {
	Namespace(name string) (*partition.Namespace, error)
	Producer(name string) (*queue.Producer, error)
}

// Server implements RegisterServer over a Resolver.
type Server struct {
	resolver Resolver
	logger   pslog.Logger
}

var _ RegisterServer = (*Server)(nil)

// NewServer returns the gRPC service implementation.
func NewServer(resolver Resolver, logger pslog.Logger) *Server {
	return &Server{resolver: resolver, logger: loggingutil.WithSubsystem(logger, "rpc")}
}

// Register attaches the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

type keyRequest struct {
	Binding   string `json:"binding"`
	Partition string `json:"partition"`
	Key       string `json:"key"`
}

type commitRequest struct {
	keyRequest
	Version any             `json:"version"`
	Value   json.RawMessage `json:"value"`
}

type publishRequest struct {
	Binding string          `json:"binding"`
	Body    json.RawMessage `json:"body"`
}

type getResponse struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value"`
}

// Get returns {"found":bool,"value":...}.
func (s *Server) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req keyRequest
	stub, err := s.stub(in, &req)
	if err != nil {
		return nil, err
	}
	value, found, err := stub.Get(ctx, req.Key)
	if err != nil {
		return nil, s.status(ctx, err)
	}
	if !found {
		value = nil
	}
	return encode(getResponse{Found: found, Value: value})
}

// Begin returns the ReadResult document.
func (s *Server) Begin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req keyRequest
	stub, err := s.stub(in, &req)
	if err != nil {
		return nil, err
	}
	result, err := stub.Begin(ctx, req.Key)
	if err != nil {
		return nil, s.status(ctx, err)
	}
	return encode(result)
}

// Commit returns the CommitOutcome document. Conflicts are not errors.
func (s *Server) Commit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req commitRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	stub, err := s.resolve(req.keyRequest)
	if err != nil {
		return nil, err
	}
	outcome, err := stub.Commit(ctx, req.Key, req.Version, req.Value)
	if err != nil {
		return nil, s.status(ctx, err)
	}
	return encode(outcome)
}

// Publish enqueues body on the queue binding.
func (s *Server) Publish(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req publishRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Binding == "" {
		return nil, status.Error(codes.InvalidArgument, "binding required")
	}
	producer, err := s.resolver.Producer(req.Binding)
	if err != nil {
		return nil, s.status(ctx, err)
	}
	body := req.Body
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	msg, err := producer.SendRaw(ctx, body)
	if err != nil {
		return nil, s.status(ctx, err)
	}
	return encode(api.PublishResponse{Queue: msg.Queue, ID: msg.ID})
}

func (s *Server) stub(in *structpb.Struct, req *keyRequest) (*partition.Stub, error) {
	if err := decode(in, req); err != nil {
		return nil, err
	}
	return s.resolve(*req)
}

func (s *Server) resolve(req keyRequest) (*partition.Stub, error) {
	if req.Binding == "" || req.Partition == "" || req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "binding, partition and key required")
	}
	ns, err := s.resolver.Namespace(req.Binding)
	if err != nil {
		return nil, s.status(context.Background(), err)
	}
	return ns.Get(req.Partition), nil
}

// status maps domain errors onto gRPC codes.
func (s *Server) status(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, binding.ErrUnknownBinding):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, register.ErrInvalidKey), errors.Is(err, register.ErrInvalidValue), errors.Is(err, queue.ErrInvalidQueue):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		loggingutil.FromContext(ctx, s.logger).Warn("rpc.call.unavailable", "error", err)
		return status.Error(codes.Unavailable, err.Error())
	}
}

func decode(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// UnaryLogger logs every call with its code and duration.
func UnaryLogger(logger pslog.Logger) grpc.UnaryServerInterceptor {
	logger = loggingutil.WithSubsystem(logger, "rpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		callLogger := logger.With("method", strings.TrimPrefix(info.FullMethod, "/"))
		ctx = pslog.ContextWithLogger(ctx, callLogger)
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []any{"code", code.String(), "elapsed_ms", time.Since(start).Milliseconds()}
		if err != nil && code != codes.NotFound && code != codes.InvalidArgument {
			callLogger.Warn("rpc.call.error", append(fields, "error", err)...)
		} else {
			callLogger.Debug("rpc.call.complete", fields...)
		}
		return resp, err
	}
}
