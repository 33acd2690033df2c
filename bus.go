package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/camtittle/photosharing-eventbus/codec"
	"github.com/camtittle/photosharing-eventbus/delivery"
	"github.com/camtittle/photosharing-eventbus/dispatch"
	"github.com/camtittle/photosharing-eventbus/dlq"
	"github.com/camtittle/photosharing-eventbus/invoke"
	"github.com/camtittle/photosharing-eventbus/message"
	"github.com/camtittle/photosharing-eventbus/subscription"
)

// Span attribute keys
const (
	spanKeyEventID     = "event.id"
	spanKeyEventTopic  = "event.topic"
	spanKeyDestination = "event.destination"
)

// Bus is the composition root of the event bus: it owns the routing table,
// the delivery tracker, the dispatcher and the dead-letter manager.
type Bus struct {
	registry         *subscription.Registry
	tracker          *delivery.Tracker
	dispatcher       *dispatch.Dispatcher
	deadLetters      *dlq.Manager
	invoker          invoke.Invoker
	codec            codec.Codec
	dispatchFunction string
	now              func() time.Time
	logger           *slog.Logger
	tracer           trace.Tracer
	metrics          *instruments
}

// New creates a bus that reaches its subscribers through invoker.
func New(invoker invoke.Invoker, opts ...Option) (*Bus, error) {
	if invoker == nil {
		return nil, ErrInvokerRequired
	}

	o := &options{
		codec:          codec.Default(),
		now:            time.Now,
		logger:         slog.Default().With("component", "eventbus.bus"),
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = subscription.Default()
	}
	if o.tracker == nil {
		o.tracker = delivery.NewTracker(delivery.NewMemoryStore())
	}
	if o.deadLetters == nil {
		o.deadLetters = dlq.NewManager(dlq.NewMemoryStore(), nil)
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithCodec(o.codec),
		dispatch.WithMeterProvider(o.meterProvider),
		dispatch.WithTracerProvider(o.tracerProvider),
	}
	if o.limiter != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithLimiter(o.limiter))
	}

	b := &Bus{
		registry:         o.registry,
		tracker:          o.tracker,
		dispatcher:       dispatch.New(invoker, dispatchOpts...),
		deadLetters:      o.deadLetters,
		invoker:          invoker,
		codec:            o.codec,
		dispatchFunction: o.dispatchFunction,
		now:              o.now,
		logger:           o.logger,
		tracer:           o.tracerProvider.Tracer(instrumentationName),
		metrics:          newInstruments(o.meterProvider),
	}
	b.deadLetters.WithReplayer(b)
	return b, nil
}

// Registry returns the routing table.
func (b *Bus) Registry() *subscription.Registry {
	return b.registry
}

// Tracker returns the delivery tracker.
func (b *Bus) Tracker() *delivery.Tracker {
	return b.tracker
}

// Dispatcher returns the dispatcher.
func (b *Bus) Dispatcher() *dispatch.Dispatcher {
	return b.dispatcher
}

// DeadLetters returns the dead-letter manager.
func (b *Bus) DeadLetters() *dlq.Manager {
	return b.deadLetters
}

// Codec returns the wire codec.
func (b *Bus) Codec() codec.Codec {
	return b.codec
}

// Publish accepts an event for delivery to every subscriber of its topic.
//
// It writes one pending delivery record per subscriber, then triggers
// dispatch exactly once with the full destination list, whether or not
// every record was written. A persistence failure is returned after
// dispatch has been triggered; a trigger failure is only logged, the
// reconciler recovers from it.
//
// Returns a *ValidationError, with no side effect, when a field is missing.
func (b *Bus) Publish(ctx context.Context, req message.PublishRequest) error {
	ctx, span := b.tracer.Start(ctx, "eventbus.publish",
		trace.WithAttributes(
			attribute.String(spanKeyEventID, req.ID),
			attribute.String(spanKeyEventTopic, string(req.Topic))),
		trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return err
	}

	destinations := b.registry.SubscribersFor(req.Topic)
	if len(destinations) == 0 {
		b.logger.Info("event has no subscribers, nothing to publish",
			"event_id", req.ID,
			"topic", req.Topic)
		return nil
	}

	event := message.Event(req)
	recs := make([]delivery.Record, 0, len(destinations))
	for _, dest := range destinations {
		recs = append(recs, delivery.NewRecord(event, dest))
	}

	topicAttr := metric.WithAttributes(attribute.String("topic", string(req.Topic)))
	written, persistErr := b.tracker.WriteMany(ctx, recs)
	if written > 0 {
		b.metrics.published.Add(ctx, 1, topicAttr)
		b.metrics.deliveriesCreated.Add(ctx, int64(written), topicAttr)
	}

	b.triggerDispatch(ctx, req.Dispatch(destinations))

	if persistErr != nil {
		span.RecordError(persistErr)
		span.SetStatus(codes.Error, "persist deliveries")
		return fmt.Errorf("persist deliveries: %w", persistErr)
	}

	b.logger.Debug("published event",
		"event_id", req.ID,
		"topic", req.Topic,
		"destinations", len(destinations))
	return nil
}

func (b *Bus) triggerDispatch(ctx context.Context, req message.DispatchRequest) {
	var err error
	if b.dispatchFunction != "" {
		err = b.invokeDispatch(ctx, req)
	} else {
		err = b.dispatcher.Dispatch(ctx, req)
	}
	if err != nil {
		b.logger.Error("failed to trigger dispatch",
			"event_id", req.ID,
			"topic", req.Topic,
			"error", err)
	}
}

func (b *Bus) invokeDispatch(ctx context.Context, req message.DispatchRequest) error {
	payload, err := b.codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode dispatch request: %w", err)
	}
	if err := b.invoker.InvokeAsync(ctx, b.dispatchFunction, payload); err != nil {
		return fmt.Errorf("invoke %s: %w", b.dispatchFunction, err)
	}
	return nil
}

// Dispatch pushes req to every destination it lists. It is the dispatch
// entry point when Publish triggers dispatch through the invoker.
func (b *Bus) Dispatch(ctx context.Context, req message.DispatchRequest) error {
	return b.dispatcher.Dispatch(ctx, req)
}

// Confirm records that a destination processed an event, following the
// tracker's retention policy. Confirming an unknown or already confirmed
// delivery is a no-op.
func (b *Bus) Confirm(ctx context.Context, req message.ConfirmRequest) error {
	ctx, span := b.tracer.Start(ctx, "eventbus.confirm",
		trace.WithAttributes(
			attribute.String(spanKeyEventID, req.EventID),
			attribute.String(spanKeyDestination, req.Destination)),
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return err
	}

	key := delivery.Key{EventID: req.EventID, Destination: req.Destination}
	if err := b.tracker.Resolve(ctx, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve delivery")
		return fmt.Errorf("confirm %s: %w", key, err)
	}

	b.metrics.confirmed.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", req.Destination)))
	b.logger.Debug("confirmed delivery",
		"event_id", req.EventID,
		"destination", req.Destination)
	return nil
}

// Replay writes rec back as a pending delivery and dispatches it. It lets
// the dead-letter manager deliver dead letters again.
func (b *Bus) Replay(ctx context.Context, rec delivery.Record) error {
	rec.RetryCount = 0
	rec.ReceivedAt = nil
	if err := b.tracker.PutMany(ctx, []delivery.Record{rec}); err != nil {
		return fmt.Errorf("replay %s: %w", rec.Key(), err)
	}
	b.dispatcher.DispatchSingle(ctx, rec.Delivery())
	return nil
}

// Reconciler returns a reconciler over the bus's tracker, dispatcher and
// dead-letter manager.
func (b *Bus) Reconciler() *Reconciler {
	return newReconciler(b.tracker, b.dispatcher, b.deadLetters, b.metrics, b.tracer).
		WithClock(b.now)
}

// Compile-time check
var _ dlq.Replayer = (*Bus)(nil)
