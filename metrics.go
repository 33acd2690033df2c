package eventbus

import (
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/camtittle/photosharing-eventbus"

// instruments holds the bus and reconciler counters.
type instruments struct {
	published         metric.Int64Counter
	deliveriesCreated metric.Int64Counter
	confirmed         metric.Int64Counter
	redispatched      metric.Int64Counter
	deadLettered      metric.Int64Counter
}

func newInstruments(mp metric.MeterProvider) *instruments {
	meter := mp.Meter(instrumentationName)

	published, _ := meter.Int64Counter("eventbus.published",
		metric.WithDescription("Number of published events with at least one delivery record written"),
		metric.WithUnit("{event}"))
	deliveriesCreated, _ := meter.Int64Counter("eventbus.deliveries.created",
		metric.WithDescription("Number of delivery records written at publish time"),
		metric.WithUnit("{delivery}"))
	confirmed, _ := meter.Int64Counter("eventbus.confirmed",
		metric.WithDescription("Number of deliveries confirmed by subscribers"),
		metric.WithUnit("{delivery}"))
	redispatched, _ := meter.Int64Counter("eventbus.redispatched",
		metric.WithDescription("Number of deliveries re-dispatched by the reconciler"),
		metric.WithUnit("{delivery}"))
	deadLettered, _ := meter.Int64Counter("eventbus.dead_lettered",
		metric.WithDescription("Number of deliveries moved to the dead-letter store"),
		metric.WithUnit("{delivery}"))

	return &instruments{
		published:         published,
		deliveriesCreated: deliveriesCreated,
		confirmed:         confirmed,
		redispatched:      redispatched,
		deadLettered:      deadLettered,
	}
}
