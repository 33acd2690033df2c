package eventbus

import (
	"sync"
	"time"

	"github.com/camtittle/photosharing-eventbus/delivery"
	"github.com/camtittle/photosharing-eventbus/invoke"
)

// TestBus creates a bus over an in-memory tracker whose store calls are
// not delayed between attempts. Options are applied after the test
// defaults. Panics if the bus cannot be built (test setup error).
//
// Example:
//
//	local := invoke.NewLocal()
//	bus := eventbus.TestBus(local)
//	bus.Register(local)
func TestBus(invoker invoke.Invoker, opts ...Option) *Bus {
	defaults := []Option{
		WithTracker(delivery.NewTracker(delivery.NewMemoryStore(), delivery.WithBackoff(0))),
	}
	bus, err := New(invoker, append(defaults, opts...)...)
	if err != nil {
		panic("eventbus.TestBus: " + err.Error())
	}
	return bus
}

// ManualClock is a time source that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock stopped at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current time of the clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
