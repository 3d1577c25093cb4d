package job

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/cloudforet-io/inventory/pkg/inventory/plugin"
)

type fakeTransport struct {
	mu       sync.Mutex
	methods  []string
	dispatch map[string]map[string]any
	records  []map[string]any
	failAt   int
}

func (f *fakeTransport) Dispatch(_ context.Context, _, method string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, method)
	resp, ok := f.dispatch[method]
	if !ok {
		return nil, errors.New("plugin unavailable")
	}
	return resp, nil
}

func (f *fakeTransport) Stream(_ context.Context, _, method string, _ map[string]any) (plugin.ResponseStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, method)
	return &fakeStream{records: f.records, failAt: f.failAt}, nil
}

type fakeStream struct {
	records []map[string]any
	failAt  int
	pos     int
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

func (s *fakeStream) Close() error { return nil }
