// Package dispatch pushes events to their subscribers.
//
// Dispatch is best effort: every destination is invoked asynchronously and
// a failure for one destination is logged and counted, never returned and
// never allowed to affect the others. Delivery guarantees come from the
// delivery records and the reconciler, not from the dispatcher.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/camtittle/photosharing-eventbus/codec"
	"github.com/camtittle/photosharing-eventbus/invoke"
	"github.com/camtittle/photosharing-eventbus/message"
	"github.com/camtittle/photosharing-eventbus/ratelimit"
)

const instrumentationName = "github.com/camtittle/photosharing-eventbus/dispatch"

// Dispatcher invokes subscriber functions with per-destination payloads.
type Dispatcher struct {
	invoker  invoke.Invoker
	codec    codec.Codec
	limiter  ratelimit.Limiter
	onError  func(message.Delivery, error)
	logger   *slog.Logger
	tracer   trace.Tracer
	attempts metric.Int64Counter
	failures metric.Int64Counter
}

// New creates a dispatcher that reaches subscribers through invoker.
func New(invoker invoke.Invoker, opts ...Option) *Dispatcher {
	o := &options{
		codec:          codec.Default(),
		onError:        func(message.Delivery, error) {},
		logger:         slog.Default().With("component", "dispatch.dispatcher"),
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	meter := o.meterProvider.Meter(instrumentationName)
	attempts, _ := meter.Int64Counter("eventbus.dispatch.attempts",
		metric.WithDescription("Number of subscriber invocations attempted"),
		metric.WithUnit("{invocation}"))
	failures, _ := meter.Int64Counter("eventbus.dispatch.failures",
		metric.WithDescription("Number of subscriber invocations that failed"),
		metric.WithUnit("{invocation}"))

	return &Dispatcher{
		invoker:  invoker,
		codec:    o.codec,
		limiter:  o.limiter,
		onError:  o.onError,
		logger:   o.logger,
		tracer:   o.tracerProvider.Tracer(instrumentationName),
		attempts: attempts,
		failures: failures,
	}
}

// Dispatch invokes every destination of req concurrently and waits for all
// of them. It only fails when req is invalid; per-destination failures are
// handled by DispatchSingle.
func (d *Dispatcher) Dispatch(ctx context.Context, req message.DispatchRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("event.id", req.ID),
			attribute.String("event.topic", string(req.Topic)),
			attribute.Int("event.destinations", len(req.Destinations))),
		trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	var wg sync.WaitGroup
	for _, delivery := range req.Deliveries() {
		delivery := delivery
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.DispatchSingle(ctx, delivery)
		}()
	}
	wg.Wait()
	return nil
}

// DispatchSingle invokes one destination asynchronously. Every failure
// (validation, rate-limit wait, encoding, invocation) is logged, counted
// and passed to the error handler.
func (d *Dispatcher) DispatchSingle(ctx context.Context, delivery message.Delivery) {
	if err := d.dispatchSingle(ctx, delivery); err != nil {
		d.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", delivery.Destination)))
		d.logger.Error("dispatch failed",
			"event_id", delivery.ID,
			"destination", delivery.Destination,
			"retry_count", delivery.RetryCount,
			"error", err)
		d.onError(delivery, err)
	}
}

func (d *Dispatcher) dispatchSingle(ctx context.Context, delivery message.Delivery) error {
	if err := delivery.Validate(); err != nil {
		return err
	}

	d.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", delivery.Destination)))

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, delivery.Destination); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	payload, err := d.codec.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	if err := d.invoker.InvokeAsync(ctx, delivery.Destination, payload); err != nil {
		trace.SpanFromContext(ctx).SetStatus(codes.Error, "invoke failed")
		return fmt.Errorf("invoke %s: %w", delivery.Destination, err)
	}

	d.logger.Debug("dispatched",
		"event_id", delivery.ID,
		"destination", delivery.Destination,
		"retry_count", delivery.RetryCount)
	return nil
}
