package approval

import (
	"context"
	"sync"

	"taskplane/internal/domain/tool"
)

// Future is the single-resolution wait point owned by one approval request.
// Exactly one of approve, reject, cancel or expire resolves it.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result *tool.ApprovalRequest
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve records the outcome; later calls are ignored.
func (f *Future) resolve(req *tool.ApprovalRequest) bool {
	resolved := false
	f.once.Do(func() {
		f.result = req
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the request resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the request resolves or ctx ends. The returned request is
// a snapshot of the resolved state.
func (f *Future) Wait(ctx context.Context) (*tool.ApprovalRequest, error) {
	select {
	case <-f.done:
		return f.result.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
