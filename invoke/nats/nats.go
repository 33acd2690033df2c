// Package nats invokes functions over NATS Core subjects.
//
// Each function name maps to one subject (prefix + name). Synchronous calls
// use request/reply; asynchronous calls are plain publishes with
// at-most-once delivery. Lost asynchronous calls are tolerated: the event
// bus tracks every delivery and re-dispatches the ones never confirmed.
//
// Serving side:
//
//	inv, _ := nats.New(conn)
//	sub, err := inv.Serve("dispatchEvent", handlers.Dispatch)
//
// Calling side:
//
//	err := inv.InvokeAsync(ctx, "dispatchEvent", payload)
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/camtittle/photosharing-eventbus/invoke"
)

// Errors
var (
	ErrConnRequired = errors.New("nats connection is required")
	ErrRemote       = errors.New("remote function failed")
)

// ErrorHeader carries the function error back to a synchronous caller.
const ErrorHeader = "Eventbus-Error"

// DefaultSubjectPrefix is prepended to function names.
const DefaultSubjectPrefix = "eventbus.fn."

// Invoker implements invoke.Invoker over NATS Core.
type Invoker struct {
	conn   *nats.Conn
	prefix string
	queue  string
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Option configures the NATS invoker
type Option func(*Invoker)

// WithSubjectPrefix sets the subject prefix
func WithSubjectPrefix(prefix string) Option {
	return func(i *Invoker) {
		i.prefix = prefix
	}
}

// WithQueueGroup sets the queue group used by Serve, so that several
// processes serving the same function share its calls.
func WithQueueGroup(queue string) Option {
	return func(i *Invoker) {
		if queue != "" {
			i.queue = queue
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(i *Invoker) {
		if l != nil {
			i.logger = l
		}
	}
}

// New creates a NATS invoker on an established connection.
func New(conn *nats.Conn, opts ...Option) (*Invoker, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	i := &Invoker{
		conn:   conn,
		prefix: DefaultSubjectPrefix,
		queue:  "eventbus",
		logger: invoke.Logger("invoke.nats"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Subject returns the subject a function is reachable on.
func (i *Invoker) Subject(name string) string {
	return i.prefix + name
}

// Invoke sends a request and waits for the reply or ctx to be done.
func (i *Invoker) Invoke(ctx context.Context, name string, payload []byte) ([]byte, error) {
	resp, err := i.conn.RequestWithContext(ctx, i.Subject(name), payload)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", name, err)
	}
	if msg := resp.Header.Get(ErrorHeader); msg != "" {
		return nil, fmt.Errorf("%w: %s: %s", ErrRemote, name, msg)
	}
	return resp.Data, nil
}

// InvokeAsync publishes the payload without waiting for any subscriber.
func (i *Invoker) InvokeAsync(_ context.Context, name string, payload []byte) error {
	if err := i.conn.Publish(i.Subject(name), payload); err != nil {
		return fmt.Errorf("invoke async %s: %w", name, err)
	}
	return nil
}

// Register serves fn on its subject. Subscription errors are logged.
func (i *Invoker) Register(name string, fn invoke.Func) {
	if _, err := i.Serve(name, fn); err != nil {
		i.logger.Error("failed to serve function", "function", name, "error", err)
	}
}

// Serve subscribes fn to its subject within the queue group. Requests that
// carry a reply subject are answered with fn's response, or with an empty
// body and ErrorHeader set when fn fails.
func (i *Invoker) Serve(name string, fn invoke.Func) (*nats.Subscription, error) {
	sub, err := i.conn.QueueSubscribe(i.Subject(name), i.queue, func(msg *nats.Msg) {
		resp, err := fn(context.Background(), msg.Data)
		if err != nil {
			i.logger.Warn("function failed", "function", name, "error", err)
		}
		if msg.Reply == "" {
			return
		}

		reply := nats.NewMsg(msg.Reply)
		if err != nil {
			reply.Header.Set(ErrorHeader, err.Error())
		} else {
			reply.Data = resp
		}
		if rerr := msg.RespondMsg(reply); rerr != nil {
			i.logger.Warn("failed to respond", "function", name, "error", rerr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("serve %s: %w", name, err)
	}

	i.mu.Lock()
	i.subs = append(i.subs, sub)
	i.mu.Unlock()
	return sub, nil
}

// Close drains every subscription created by Serve.
// The connection itself is owned by the caller.
func (i *Invoker) Close() error {
	i.mu.Lock()
	subs := i.subs
	i.subs = nil
	i.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Compile-time checks
var (
	_ invoke.Invoker   = (*Invoker)(nil)
	_ invoke.Registrar = (*Invoker)(nil)
)
