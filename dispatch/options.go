package dispatch

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/camtittle/photosharing-eventbus/codec"
	"github.com/camtittle/photosharing-eventbus/message"
	"github.com/camtittle/photosharing-eventbus/ratelimit"
)

// options holds configuration for the dispatcher (unexported)
type options struct {
	codec          codec.Codec
	limiter        ratelimit.Limiter
	onError        func(message.Delivery, error)
	logger         *slog.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// Option configures the dispatcher
type Option func(*options)

// WithCodec sets the codec used to encode delivery payloads
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLimiter throttles invocations with l. Waiting happens per
// destination, before the invocation.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}

// WithRateLimit throttles invocations to limit per second per destination
// with bursts of up to burst. rate.Inf disables throttling.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(o *options) {
		if limit == rate.Inf {
			o.limiter = nil
			return
		}
		o.limiter = ratelimit.NewTokenBucket(float64(limit), burst)
	}
}

// WithErrorHandler sets a callback run for every failed delivery, after it
// has been logged and counted.
func WithErrorHandler(fn func(message.Delivery, error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
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

// WithMeterProvider sets the meter provider for dispatch counters.
// Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}
