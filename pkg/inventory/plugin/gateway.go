package plugin

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/cloudforet-io/inventory/pkg/inventory/adapter"
	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/metrics"
)

// Gateway dispatches calls to collector plugins, selecting the connector
// from options["collector_version"].
type Gateway struct {
	transport Transport
	registry  Registry
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewGateway creates a Gateway. A nil registry uses NewRegistry(t).
func NewGateway(t Transport, registry Registry, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	if registry == nil {
		registry = NewRegistry(t)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{transport: t, registry: registry, logger: logger, metrics: m}
}

func (g *Gateway) connector(options map[string]any) (Connector, error) {
	version, _ := options["collector_version"].(string)
	return g.registry.Lookup(version)
}

// Init calls the plugin's init method. It is version independent.
func (g *Gateway) Init(ctx context.Context, endpoint string, options map[string]any) (map[string]any, error) {
	resp, err := g.transport.Dispatch(ctx, endpoint, "Collector.init", map[string]any{"options": orEmpty(options)})
	g.metrics.PluginCall("init", err)
	if err != nil {
		return nil, errs.Upstream(err, "init plugin %s", endpoint)
	}
	return resp, nil
}

// VerifyPlugin asks the plugin to validate options and credentials.
// Plugin failures are returned to the caller.
func (g *Gateway) VerifyPlugin(ctx context.Context, endpoint string, secretData, options map[string]any) (map[string]any, error) {
	conn, err := g.connector(options)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Verify(ctx, endpoint, options, secretData)
	g.metrics.PluginCall("verify", err)
	if err != nil {
		return nil, errs.Upstream(err, "verify plugin %s", endpoint)
	}
	return resp, nil
}

// GetTasks asks the plugin to split a collection into tasks. An unknown
// collector version is an error; any failure of the plugin call itself
// yields {"tasks": []}.
func (g *Gateway) GetTasks(ctx context.Context, endpoint string, options, secretData map[string]any) (map[string]any, error) {
	conn, err := g.connector(options)
	if err != nil {
		return nil, err
	}
	resp, err := conn.GetTasks(ctx, endpoint, options, secretData)
	g.metrics.PluginCall("get_tasks", err)
	if err != nil {
		// This also hides misconfigured endpoints and bad credentials; the
		// warning is the only trace of them.
		g.logger.Warn("plugin task discovery failed, continuing without tasks", "endpoint", endpoint, "error", err)
		return map[string]any{"tasks": []any{}}, nil
	}
	if resp == nil {
		resp = map[string]any{}
	}
	if _, ok := resp["tasks"]; !ok {
		resp["tasks"] = []any{}
	}
	return resp, nil
}

// Collect opens the plugin's collect stream. An unknown collector version
// fails here, before any network call.
func (g *Gateway) Collect(ctx context.Context, endpoint string, options, secretData, taskOptions map[string]any) (*CollectStream, error) {
	conn, err := g.connector(options)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	stream, err := conn.Collect(ctx, endpoint, options, secretData, taskOptions)
	if err != nil {
		cancel()
		g.metrics.PluginCall("collect", err)
		return nil, errs.Upstream(err, "collect from plugin %s", endpoint)
	}
	return &CollectStream{stream: stream, cancel: cancel, endpoint: endpoint, logger: g.logger, metrics: g.metrics}, nil
}

// CollectStream yields adapted resources from a plugin's collect call.
// It is single pass and not safe for concurrent use.
type CollectStream struct {
	stream   ResponseStream
	cancel   context.CancelFunc
	endpoint string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	closeOnce sync.Once
	done      error
}

// Next returns the next adapted resource, or io.EOF once the plugin has
// finished. A stream failure is returned once and again on every later
// call. A record that cannot be adapted returns a validation error for
// that record only; the stream stays usable.
func (s *CollectStream) Next() (*adapter.Resource, error) {
	if s.done != nil {
		return nil, s.done
	}

	raw, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		s.finish(io.EOF)
		s.metrics.PluginCall("collect", nil)
		return nil, io.EOF
	}
	if err != nil {
		s.finish(errs.Upstream(err, "receive from plugin %s", s.endpoint))
		s.metrics.PluginCall("collect", err)
		return nil, s.done
	}

	res, err := adapter.Adapt(adapter.Record(raw))
	if err != nil {
		s.metrics.AdapterFailure()
		s.logger.Warn("dropping collected record", "endpoint", s.endpoint, "error", err)
		return nil, err
	}
	return res, nil
}

// All returns an iterator over the stream. Breaking out of the loop closes
// the stream. Per-record adapter errors are yielded and iteration continues;
// a stream failure is yielded last.
func (s *CollectStream) All() iter.Seq2[*adapter.Resource, error] {
	return func(yield func(*adapter.Resource, error) bool) {
		defer s.Close()
		for {
			res, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(res, err) {
				return
			}
			if s.done != nil {
				return
			}
		}
	}
}

// Close releases the plugin call. It is safe to call more than once and
// before the stream is drained.
func (s *CollectStream) Close() error {
	if s.done == nil {
		s.done = errs.New(errs.KindInternal, "ERROR_STREAM_CLOSED", "collect stream closed")
	}
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.stream.Close()
	})
	return err
}

func (s *CollectStream) finish(err error) {
	s.done = err
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.stream.Close()
	})
}
