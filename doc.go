// Package eventbus delivers domain events of the photosharing backend to
// every subscriber of their topic, at least once.
//
// Architecture:
//   - Bus.Publish validates an event, writes one delivery record per
//     subscriber and triggers a best-effort dispatch
//   - the dispatcher invokes every subscriber asynchronously
//   - subscribers acknowledge with Bus.Confirm, which resolves their record
//   - the Reconciler periodically re-dispatches records that were never
//     confirmed and dead-letters those that exhausted their retry budget
//
// Basic example:
//
//	local := invoke.NewLocal()
//	bus, err := eventbus.New(local,
//	    eventbus.WithTracker(delivery.NewTracker(delivery.NewRedisStore(rdb))),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	bus.Register(local)
//
//	err = bus.Publish(ctx, message.PublishRequest{
//	    ID:        uuid.NewString(),
//	    Topic:     topic.Vote,
//	    Timestamp: time.Now().UnixMilli(),
//	    Body:      body,
//	})
//
//	// background repair loop
//	go bus.Reconciler().Start(ctx)
//
// Bus Options:
//   - WithRegistry: routing table. Default is subscription.Default().
//   - WithTracker: delivery tracker. Default is an in-memory store.
//   - WithDeadLetters: dead-letter manager. Default is an in-memory store.
//   - WithDispatchFunction: trigger dispatch through the invoker instead of
//     in-process.
//   - WithCodec: wire codec for invoker payloads. Default is JSON.
//   - WithRateLimit: throttle subscriber invocations.
//   - WithLogger, WithMeterProvider, WithTracerProvider, WithClock.
//
// Subscribers receive a message.Delivery and must call Confirm (directly or
// through a Client) once they have processed it. Delivery is at least once:
// a subscriber may see the same event several times, with increasing
// RetryCount.
package eventbus
