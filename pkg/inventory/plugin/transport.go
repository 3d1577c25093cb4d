// Package plugin talks to external collector plugins and adapts the records
// they stream back.
package plugin

import "context"

// Transport sends remote calls to a plugin endpoint. Methods are named
// "<Service>.<method>", e.g. "Collector.collect".
type Transport interface {
	Dispatch(ctx context.Context, endpoint, method string, params map[string]any) (map[string]any, error)
	Stream(ctx context.Context, endpoint, method string, params map[string]any) (ResponseStream, error)
}

// ResponseStream is a server-streaming response. Recv returns io.EOF after
// the last message. Close releases the underlying call and may be invoked
// before the stream is drained.
type ResponseStream interface {
	Recv() (map[string]any, error)
	Close() error
}
