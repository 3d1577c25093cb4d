package plugin

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudforet-io/inventory/pkg/inventory/adapter"
	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
)

type call struct {
	endpoint string
	method   string
	params   map[string]any
}

type fakeTransport struct {
	calls     []call
	dispatch  func(method string, params map[string]any) (map[string]any, error)
	stream    *fakeStream
	streamErr error
}

func (f *fakeTransport) Dispatch(_ context.Context, endpoint, method string, params map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, call{endpoint, method, params})
	if f.dispatch == nil {
		return map[string]any{}, nil
	}
	return f.dispatch(method, params)
}

func (f *fakeTransport) Stream(_ context.Context, endpoint, method string, params map[string]any) (ResponseStream, error) {
	f.calls = append(f.calls, call{endpoint, method, params})
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

type fakeStream struct {
	records []map[string]any
	failAt  int
	pos     int
	closed  int
}

func (s *fakeStream) Recv() (map[string]any, error) {
	if s.failAt > 0 && s.pos == s.failAt {
		return nil, errors.New("connection reset")
	}
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.pos]
	s.pos++
	return r, nil
}

func (s *fakeStream) Close() error {
	s.closed++
	return nil
}

func assetRecord(name string) map[string]any {
	return map[string]any{
		"resource_type": "inventory.CloudService",
		"resource": map[string]any{
			"name":                name,
			"provider":            "aws",
			"cloud_service_group": "EC2",
			"cloud_service_type":  "Instance",
		},
	}
}

func TestGetTasksSwallowsTransportErrors(t *testing.T) {
	ft := &fakeTransport{dispatch: func(string, map[string]any) (map[string]any, error) {
		return nil, errors.New("unavailable")
	}}
	g := NewGateway(ft, nil, nil, nil)

	resp, err := g.GetTasks(context.Background(), "grpc://plugin:50051", map[string]any{}, map[string]any{"key": "secret"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tasks": []any{}}, resp)

	require.Len(t, ft.calls, 1)
	assert.Equal(t, "Job.get_tasks", ft.calls[0].method)
	assert.Equal(t, map[string]any{"key": "secret"}, ft.calls[0].params["secret_data"])
}

func TestGetTasksPassesTasksThrough(t *testing.T) {
	ft := &fakeTransport{dispatch: func(string, map[string]any) (map[string]any, error) {
		return map[string]any{"tasks": []any{map[string]any{"task_options": map[string]any{"region": "us-east-1"}}}}, nil
	}}
	resp, err := NewGateway(ft, nil, nil, nil).GetTasks(context.Background(), "plugin:1", nil, nil)
	require.NoError(t, err)
	assert.Len(t, resp["tasks"], 1)
}

func TestGetTasksDefaultsEmptyResponse(t *testing.T) {
	ft := &fakeTransport{dispatch: func(string, map[string]any) (map[string]any, error) {
		return nil, nil
	}}
	resp, err := NewGateway(ft, nil, nil, nil).GetTasks(context.Background(), "plugin:1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tasks": []any{}}, resp)
}

func TestUnknownVersionFailsBeforeNetwork(t *testing.T) {
	ft := &fakeTransport{}
	g := NewGateway(ft, nil, nil, nil)
	opts := map[string]any{"collector_version": "v9"}

	_, err := g.Collect(context.Background(), "plugin:1", opts, nil, nil)
	require.Error(t, err)
	assert.Equal(t, "ERROR_CONNECTOR_NOT_FOUND", errs.CodeOf(err))

	_, err = g.GetTasks(context.Background(), "plugin:1", opts, nil)
	assert.Equal(t, "ERROR_CONNECTOR_NOT_FOUND", errs.CodeOf(err))

	_, err = g.VerifyPlugin(context.Background(), "plugin:1", nil, opts)
	assert.Equal(t, "ERROR_CONNECTOR_NOT_FOUND", errs.CodeOf(err))

	assert.Empty(t, ft.calls)
}

func TestVerifyPluginPropagatesFailure(t *testing.T) {
	cause := errors.New("invalid credentials")
	ft := &fakeTransport{dispatch: func(string, map[string]any) (map[string]any, error) { return nil, cause }}

	_, err := NewGateway(ft, nil, nil, nil).VerifyPlugin(context.Background(), "plugin:1", map[string]any{"k": "v"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.True(t, errs.IsKind(err, errs.KindUpstream))
	assert.Equal(t, "Collector.verify", ft.calls[0].method)
}

func TestInitForwardsOptions(t *testing.T) {
	ft := &fakeTransport{dispatch: func(_ string, params map[string]any) (map[string]any, error) {
		return map[string]any{"metadata": map[string]any{"supported_resource_type": []any{"inventory.CloudService"}}}, nil
	}}
	resp, err := NewGateway(ft, nil, nil, nil).Init(context.Background(), "plugin:1", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Contains(t, resp, "metadata")
	assert.Equal(t, "Collector.init", ft.calls[0].method)
	assert.Equal(t, map[string]any{"options": map[string]any{"a": 1}}, ft.calls[0].params)
}

func TestCollectParams(t *testing.T) {
	tests := []struct {
		name        string
		taskOptions map[string]any
		wantTask    bool
	}{
		{"without task options", nil, false},
		{"empty task options", map[string]any{}, false},
		{"with task options", map[string]any{"region": "us-east-1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{stream: &fakeStream{}}
			s, err := NewGateway(ft, nil, nil, nil).Collect(context.Background(), "plugin:1", nil, nil, tt.taskOptions)
			require.NoError(t, err)
			defer s.Close()

			params := ft.calls[0].params
			assert.Equal(t, "Collector.collect", ft.calls[0].method)
			assert.Equal(t, map[string]any{}, params["filter"])
			_, has := params["task_options"]
			assert.Equal(t, tt.wantTask, has)
		})
	}
}

func TestCollectStreamAdaptsRecords(t *testing.T) {
	stream := &fakeStream{records: []map[string]any{assetRecord("a"), assetRecord("b")}}
	s, err := NewGateway(&fakeTransport{stream: stream}, nil, nil, nil).Collect(context.Background(), "plugin:1", nil, nil, nil)
	require.NoError(t, err)

	var names []string
	for res, err := range s.All() {
		require.NoError(t, err)
		assert.Equal(t, adapter.TypeAsset, res.ResourceType)
		assert.Equal(t, "aws-EC2-Instance", res.AssetTypeID)
		names = append(names, res.Payload["name"].(string))
	}
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, 1, stream.closed)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCollectStreamSurfacesMidStreamFailure(t *testing.T) {
	stream := &fakeStream{records: []map[string]any{assetRecord("a"), assetRecord("b")}, failAt: 1}
	s, err := NewGateway(&fakeTransport{stream: stream}, nil, nil, nil).Collect(context.Background(), "plugin:1", nil, nil, nil)
	require.NoError(t, err)

	res, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", res.Payload["name"])

	_, err = s.Next()
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUpstream))
	assert.Contains(t, err.Error(), "connection reset")

	// The failure sticks.
	_, again := s.Next()
	assert.Equal(t, err, again)
	assert.Equal(t, 1, stream.closed)
}

func TestCollectStreamEarlyBreakCloses(t *testing.T) {
	stream := &fakeStream{records: []map[string]any{assetRecord("a"), assetRecord("b"), assetRecord("c")}}
	s, err := NewGateway(&fakeTransport{stream: stream}, nil, nil, nil).Collect(context.Background(), "plugin:1", nil, nil, nil)
	require.NoError(t, err)

	for range s.All() {
		break
	}
	assert.Equal(t, 1, stream.closed)
	assert.Equal(t, 1, stream.pos)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, stream.closed)
}

func TestCollectStreamSkipsBadRecords(t *testing.T) {
	bad := map[string]any{"resource_type": "inventory.CloudService", "resource": map[string]any{"provider": "aws"}}
	stream := &fakeStream{records: []map[string]any{bad, assetRecord("ok")}}
	s, err := NewGateway(&fakeTransport{stream: stream}, nil, nil, nil).Collect(context.Background(), "plugin:1", nil, nil, nil)
	require.NoError(t, err)

	var good, failed int
	for res, err := range s.All() {
		if err != nil {
			assert.Equal(t, "ERROR_REQUIRED_FIELD", errs.CodeOf(err))
			failed++
			continue
		}
		require.NotNil(t, res)
		good++
	}
	assert.Equal(t, 1, good)
	assert.Equal(t, 1, failed)
}

func TestRegistryRegister(t *testing.T) {
	ft := &fakeTransport{dispatch: func(string, map[string]any) (map[string]any, error) {
		return map[string]any{"tasks": []any{"x"}}, nil
	}}
	reg := NewRegistry(ft)
	reg.Register("v2", &V1Connector{Transport: ft})

	resp, err := NewGateway(ft, reg, nil, nil).GetTasks(context.Background(), "plugin:1", map[string]any{"collector_version": "v2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, resp["tasks"])
}
