package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultServicePackage is the protobuf package of collector plugin services.
const DefaultServicePackage = "spaceone.api.inventory.plugin.v1"

// GRPCTransport is a Transport over gRPC using google.protobuf.Struct
// request and response messages. Connections are opened lazily and reused
// per endpoint.
type GRPCTransport struct {
	servicePackage string
	token          string
	dialOptions    []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// GRPCOption configures a GRPCTransport.
type GRPCOption func(*GRPCTransport)

// WithServicePackage sets the protobuf package prefixed to method names.
func WithServicePackage(pkg string) GRPCOption {
	return func(t *GRPCTransport) { t.servicePackage = pkg }
}

// WithToken attaches a bearer token to every call. Collector plugins are
// called without one.
func WithToken(token string) GRPCOption {
	return func(t *GRPCTransport) { t.token = token }
}

// WithDialOptions appends dial options, e.g. a custom dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) GRPCOption {
	return func(t *GRPCTransport) { t.dialOptions = append(t.dialOptions, opts...) }
}

// NewGRPCTransport creates a transport. Connections use insecure transport
// credentials unless overridden through WithDialOptions.
func NewGRPCTransport(opts ...GRPCOption) *GRPCTransport {
	t := &GRPCTransport{
		servicePackage: DefaultServicePackage,
		conns:          map[string]*grpc.ClientConn{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *GRPCTransport) Dispatch(ctx context.Context, endpoint, method string, params map[string]any) (map[string]any, error) {
	conn, fullMethod, req, err := t.prepare(endpoint, method, params)
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := conn.Invoke(t.outgoing(ctx), fullMethod, req, resp); err != nil {
		return nil, fmt.Errorf("invoke %s: %w", method, err)
	}
	return resp.AsMap(), nil
}

func (t *GRPCTransport) Stream(ctx context.Context, endpoint, method string, params map[string]any) (ResponseStream, error) {
	conn, fullMethod, req, err := t.prepare(endpoint, method, params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(t.outgoing(ctx))
	cs, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, fullMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream %s: %w", method, err)
	}
	if err := cs.SendMsg(req); err != nil {
		cancel()
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("close send %s: %w", method, err)
	}
	return &grpcStream{cs: cs, cancel: cancel}, nil
}

// Close closes every cached connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for target, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection %s: %w", target, err)
		}
		delete(t.conns, target)
	}
	return firstErr
}

func (t *GRPCTransport) prepare(endpoint, method string, params map[string]any) (*grpc.ClientConn, string, *structpb.Struct, error) {
	fullMethod, err := t.fullMethod(method)
	if err != nil {
		return nil, "", nil, err
	}
	req, err := toStruct(params)
	if err != nil {
		return nil, "", nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	conn, err := t.conn(endpoint)
	if err != nil {
		return nil, "", nil, err
	}
	return conn, fullMethod, req, nil
}

func (t *GRPCTransport) conn(endpoint string) (*grpc.ClientConn, error) {
	target := strings.TrimPrefix(endpoint, "grpc://")
	if target == "" {
		return nil, fmt.Errorf("plugin endpoint is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, t.dialOptions...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	t.conns[target] = conn
	return conn, nil
}

// fullMethod maps "Collector.init" to "/<pkg>.Collector/init".
func (t *GRPCTransport) fullMethod(method string) (string, error) {
	service, rpc, ok := strings.Cut(method, ".")
	if !ok || service == "" || rpc == "" {
		return "", fmt.Errorf("invalid method name %q", method)
	}
	return "/" + t.servicePackage + "." + service + "/" + rpc, nil
}

func (t *GRPCTransport) outgoing(ctx context.Context) context.Context {
	if t.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "token", t.token)
}

type grpcStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
}

func (s *grpcStream) Recv() (map[string]any, error) {
	msg := &structpb.Struct{}
	if err := s.cs.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg.AsMap(), nil
}

func (s *grpcStream) Close() error {
	s.cancel()
	return nil
}

// toStruct converts params to a Struct. Values go through JSON first so
// typed slices and maps become the generic forms structpb accepts.
func toStruct(params map[string]any) (*structpb.Struct, error) {
	if params == nil {
		return &structpb.Struct{}, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return structpb.NewStruct(generic)
}
