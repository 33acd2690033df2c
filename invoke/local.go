package invoke

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Local invokes functions registered in the same process.
//
// Asynchronous calls run on their own goroutine with a context detached from
// the caller's cancellation, the way a remote async invocation outlives the
// request that triggered it. Close waits for them to finish.
//
// Example:
//
//	local := invoke.NewLocal()
//	local.Register("demoSubscriber", func(ctx context.Context, payload []byte) ([]byte, error) {
//	    ...
//	})
//	err := local.InvokeAsync(ctx, "demoSubscriber", payload)
type Local struct {
	mu     sync.RWMutex
	funcs  map[string]Func
	wg     sync.WaitGroup
	closed atomic.Bool
	logger *slog.Logger
}

// LocalOption configures a Local invoker
type LocalOption func(*Local)

// WithLocalLogger sets the logger
func WithLocalLogger(l *slog.Logger) LocalOption {
	return func(i *Local) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewLocal creates an empty in-process invoker.
func NewLocal(opts ...LocalOption) *Local {
	i := &Local{
		funcs:  make(map[string]Func),
		logger: Logger("invoke.local"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Register makes fn reachable under name, replacing any previous function.
func (i *Local) Register(name string, fn Func) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.funcs[name] = fn
}

func (i *Local) lookup(name string) (Func, error) {
	if i.closed.Load() {
		return nil, ErrClosed
	}
	i.mu.RLock()
	fn, ok := i.funcs[name]
	i.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	return fn, nil
}

// Invoke runs the function on the calling goroutine.
func (i *Local) Invoke(ctx context.Context, name string, payload []byte) ([]byte, error) {
	fn, err := i.lookup(name)
	if err != nil {
		return nil, err
	}
	return fn(ctx, payload)
}

// InvokeAsync starts the function on a new goroutine and returns immediately.
// Function errors are logged, never reported to the caller.
func (i *Local) InvokeAsync(ctx context.Context, name string, payload []byte) error {
	fn, err := i.lookup(name)
	if err != nil {
		return err
	}

	data := append([]byte(nil), payload...)
	detached := context.WithoutCancel(ctx)

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		if _, err := fn(detached, data); err != nil {
			i.logger.Warn("async invocation failed", "function", name, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every in-flight asynchronous invocation has returned.
// Invocations started by those invocations are waited for as well.
func (i *Local) Wait() {
	i.wg.Wait()
}

// Close rejects new invocations and waits for in-flight ones, or until ctx
// is done.
func (i *Local) Close(ctx context.Context) error {
	i.closed.Store(true)

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile-time checks
var (
	_ Invoker   = (*Local)(nil)
	_ Registrar = (*Local)(nil)
)
