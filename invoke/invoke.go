// Package invoke abstracts the function-invocation mechanism the event bus
// uses to reach its own entry points and its subscribers.
//
// An Invoker calls a named function either synchronously, returning the
// function's response, or asynchronously, returning as soon as the call has
// been handed off. Asynchronous invocation gives no completion signal: the
// caller learns nothing about whether the function succeeded.
//
// Implementations:
//   - Local: in-process function table (local mode and tests)
//   - nats: request/reply and fire-and-forget over NATS subjects
//   - kafka: fire-and-forget records on Kafka topics
package invoke

import (
	"context"
	"errors"
	"log/slog"
)

// Errors
var (
	ErrFunctionNotFound = errors.New("function not found")
	ErrClosed           = errors.New("invoker closed")
	ErrUnsupported      = errors.New("invocation mode not supported")
)

// Invoker calls named functions with a serialized payload.
type Invoker interface {
	// Invoke calls the function and waits for its response.
	Invoke(ctx context.Context, name string, payload []byte) ([]byte, error)

	// InvokeAsync hands the call off and returns without waiting for the
	// function to run. A nil error only means the hand-off succeeded.
	InvokeAsync(ctx context.Context, name string, payload []byte) error
}

// Func is a function reachable through an Invoker.
type Func func(ctx context.Context, payload []byte) ([]byte, error)

// Registrar is implemented by invokers that host functions in-process.
type Registrar interface {
	Register(name string, fn Func)
}

// Logger returns a logger tagged with the given component name.
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
