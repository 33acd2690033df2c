package eventbus

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/camtittle/photosharing-eventbus/codec"
	"github.com/camtittle/photosharing-eventbus/delivery"
	"github.com/camtittle/photosharing-eventbus/dlq"
	"github.com/camtittle/photosharing-eventbus/ratelimit"
	"github.com/camtittle/photosharing-eventbus/subscription"
)

// Default entry point names, shared by Client and Handlers.
const (
	DefaultPublishFunction  = "publishEvent"
	DefaultDispatchFunction = "dispatchEvent"
	DefaultConfirmFunction  = "confirmEvent"
)

// options holds bus configuration (unexported)
type options struct {
	registry         *subscription.Registry
	tracker          *delivery.Tracker
	deadLetters      *dlq.Manager
	codec            codec.Codec
	dispatchFunction string
	limiter          ratelimit.Limiter
	now              func() time.Time
	logger           *slog.Logger
	meterProvider    metric.MeterProvider
	tracerProvider   trace.TracerProvider
}

// Option configures a Bus
type Option func(*options)

// WithRegistry sets the routing table.
func WithRegistry(r *subscription.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithTracker sets the delivery tracker.
func WithTracker(t *delivery.Tracker) Option {
	return func(o *options) {
		if t != nil {
			o.tracker = t
		}
	}
}

// WithDeadLetters sets the dead-letter manager used by the reconciler.
// The bus installs itself as the manager's replayer.
func WithDeadLetters(m *dlq.Manager) Option {
	return func(o *options) {
		if m != nil {
			o.deadLetters = m
		}
	}
}

// WithCodec sets the codec for every payload the bus sends through the
// invoker.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithDispatchFunction makes Publish trigger dispatch by invoking name
// asynchronously with a message.DispatchRequest, instead of dispatching
// in-process. Empty name restores in-process dispatch.
func WithDispatchFunction(name string) Option {
	return func(o *options) {
		o.dispatchFunction = name
	}
}

// WithRateLimit throttles subscriber invocations per destination.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(o *options) {
		if limit == rate.Inf || limit <= 0 {
			o.limiter = nil
			return
		}
		o.limiter = ratelimit.NewTokenBucket(float64(limit), burst)
	}
}

// WithLimiter throttles subscriber invocations with l.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}

// WithClock sets the time source for publish timestamps and sweeps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}
