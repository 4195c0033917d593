package baton

import (
	"context"
	"sync"
)

// SpawnHandle tracks a child invocation started with Handoffs.Spawn. The
// child runs concurrently on the parent's session; the handle resolves when
// it finishes.
type SpawnHandle struct {
	invocationID string
	cancel       context.CancelFunc

	done chan struct{}
	mu   sync.Mutex
	res  *CallResult
	err  error
}

func newSpawnHandle(invocationID string, cancel context.CancelFunc) *SpawnHandle {
	return &SpawnHandle{
		invocationID: invocationID,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// InvocationID identifies the child's invocation bracket in the log.
func (h *SpawnHandle) InvocationID() string { return h.invocationID }

// Done is closed when the child finishes, successfully or not.
func (h *SpawnHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the child finishes or ctx is cancelled.
func (h *SpawnHandle) Await(ctx context.Context) (*CallResult, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome. Only valid after Done is closed; the close
// happens-before the result becomes visible.
func (h *SpawnHandle) Result() (*CallResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.res, h.err
}

// Cancel aborts the child. Its invocation ends with reason cancelled.
func (h *SpawnHandle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// resolve publishes the outcome and closes done. Called once by the engine.
func (h *SpawnHandle) resolve(res *CallResult, err error) {
	h.mu.Lock()
	h.res = res
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// DispatchHandle identifies a detached child started with Handoffs.Dispatch.
// The child runs on its own session; the handle carries the identifiers
// needed to look it up later.
type DispatchHandle struct {
	InvocationID string
	SessionID    string
}
