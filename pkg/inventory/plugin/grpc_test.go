package plugin

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufTarget = "passthrough:///bufnet"

// pluginServer answers every method through an unknown-service handler so
// no generated stubs are needed.
type pluginServer struct {
	mu      sync.Mutex
	methods []string
	tokens  []string
	params  []map[string]any
}

func (p *pluginServer) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)

	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	md, _ := metadata.FromIncomingContext(stream.Context())

	p.mu.Lock()
	p.methods = append(p.methods, method)
	p.tokens = append(p.tokens, md.Get("token")...)
	p.params = append(p.params, req.AsMap())
	p.mu.Unlock()

	switch method {
	case "/" + DefaultServicePackage + ".Collector/init":
		resp, _ := structpb.NewStruct(map[string]any{"metadata": map[string]any{"version": "1.0"}})
		return stream.SendMsg(resp)
	case "/" + DefaultServicePackage + ".Collector/collect":
		for _, name := range []string{"a", "b"} {
			resp, _ := structpb.NewStruct(assetRecord(name))
			if err := stream.SendMsg(resp); err != nil {
				return err
			}
		}
		return nil
	default:
		return status.Error(codes.Unimplemented, "unknown method "+method)
	}
}

func startPlugin(t *testing.T) (*pluginServer, grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ps := &pluginServer{}
	srv := grpc.NewServer(grpc.UnknownServiceHandler(ps.handle))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	return ps, dialer
}

func TestGRPCTransportDispatch(t *testing.T) {
	ps, dialer := startPlugin(t)
	tr := NewGRPCTransport(WithDialOptions(dialer))
	defer tr.Close()

	resp, err := tr.Dispatch(context.Background(), bufTarget, "Collector.init", map[string]any{
		"options": map[string]any{"regions": []string{"us-east-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"version": "1.0"}, resp["metadata"])

	require.Len(t, ps.methods, 1)
	assert.Equal(t, "/spaceone.api.inventory.plugin.v1.Collector/init", ps.methods[0])
	assert.Equal(t, []any{"us-east-1"}, ps.params[0]["options"].(map[string]any)["regions"])
	assert.Empty(t, ps.tokens)
}

func TestGRPCTransportAttachesToken(t *testing.T) {
	ps, dialer := startPlugin(t)
	tr := NewGRPCTransport(WithDialOptions(dialer), WithToken("s3cret"))
	defer tr.Close()

	_, err := tr.Dispatch(context.Background(), bufTarget, "Collector.init", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"s3cret"}, ps.tokens)
}

func TestGRPCTransportDispatchError(t *testing.T) {
	_, dialer := startPlugin(t)
	tr := NewGRPCTransport(WithDialOptions(dialer))
	defer tr.Close()

	_, err := tr.Dispatch(context.Background(), bufTarget, "Job.get_tasks", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestGRPCTransportStream(t *testing.T) {
	ps, dialer := startPlugin(t)
	tr := NewGRPCTransport(WithDialOptions(dialer))
	defer tr.Close()

	stream, err := tr.Stream(context.Background(), bufTarget, "Collector.collect", map[string]any{"filter": map[string]any{}})
	require.NoError(t, err)
	defer stream.Close()

	var names []string
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, msg["resource"].(map[string]any)["name"].(string))
	}
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, map[string]any{}, ps.params[0]["filter"])
}

func TestGRPCTransportThroughGateway(t *testing.T) {
	_, dialer := startPlugin(t)
	tr := NewGRPCTransport(WithDialOptions(dialer))
	defer tr.Close()
	g := NewGateway(tr, nil, nil, nil)

	s, err := g.Collect(context.Background(), bufTarget, nil, nil, nil)
	require.NoError(t, err)
	var count int
	for res, err := range s.All() {
		require.NoError(t, err)
		assert.Equal(t, "aws-EC2-Instance", res.AssetTypeID)
		count++
	}
	assert.Equal(t, 2, count)

	// get_tasks is unimplemented by the fake plugin.
	tasks, err := g.GetTasks(context.Background(), bufTarget, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{}, tasks["tasks"])
}

func TestGRPCTransportReusesConnections(t *testing.T) {
	_, dialer := startPlugin(t)
	tr := NewGRPCTransport(WithDialOptions(dialer))

	c1, err := tr.conn("grpc://" + bufTarget)
	require.NoError(t, err)
	c2, err := tr.conn(bufTarget)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	require.NoError(t, tr.Close())
	assert.Empty(t, tr.conns)
}

func TestFullMethod(t *testing.T) {
	tr := NewGRPCTransport(WithServicePackage("spaceone.api.identity.v2"))
	m, err := tr.fullMethod("Project.get")
	require.NoError(t, err)
	assert.Equal(t, "/spaceone.api.identity.v2.Project/get", m)

	_, err = tr.fullMethod("noservice")
	assert.Error(t, err)
}
