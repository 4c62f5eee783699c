// Package inmem is the default engine.Engine: it runs a TaskRequest directly
// in a goroutine on the current process, with no replay or durability
// guarantee — matching the teacher's own framing of its in-memory engine
// ("suitable for local development, tests, and simple single-process runs;
// not deterministic or replay-safe"), adapted from
// runtime/agent/engine/inmem/engine.go's registration/handle shape down to
// this package's single-Runner scope.
package inmem

import (
	"context"
	"sync"

	"github.com/ryaker/zora/internal/engine"
)

type eng struct {
	run engine.Runner
}

// New returns an Engine that executes every TaskRequest by calling run
// directly — no persistence, no replay, no cross-process recovery.
func New(run engine.Runner) engine.Engine {
	return &eng{run: run}
}

func (e *eng) RunTask(ctx context.Context, req engine.TaskRequest) (engine.Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		text, err := e.run(runCtx, req)
		h.mu.Lock()
		h.result = engine.Result{Text: text, Err: err}
		h.mu.Unlock()
	}()
	return h, nil
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result engine.Result
}

func (h *handle) Wait(ctx context.Context) (engine.Result, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return engine.Result{}, ctx.Err()
	}
}

func (h *handle) Cancel() { h.cancel() }
