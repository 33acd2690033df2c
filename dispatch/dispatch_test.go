package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/camtittle/photosharing-eventbus/codec"
	"github.com/camtittle/photosharing-eventbus/invoke"
	"github.com/camtittle/photosharing-eventbus/message"
	"github.com/camtittle/photosharing-eventbus/topic"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRequest(destinations ...string) message.DispatchRequest {
	return message.DispatchRequest{
		Event: message.Event{
			ID:        "evt-1",
			Topic:     topic.Post,
			Timestamp: 1000,
			Body:      json.RawMessage(`{"action":"create","id":"p-1"}`),
		},
		Destinations: destinations,
	}
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("invokes every destination asynchronously", func(t *testing.T) {
		rec := invoke.NewRecorder(nil)
		d := New(rec)

		if err := d.Dispatch(ctx, newRequest("feedServiceEventHandler", "demoSubscriber")); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}

		calls := rec.Calls()
		if len(calls) != 2 {
			t.Fatalf("expected 2 invocations, got %d", len(calls))
		}
		var got []string
		for _, c := range calls {
			if !c.Async {
				t.Errorf("invocation of %s must be async", c.Name)
			}
			var delivery message.Delivery
			if err := json.Unmarshal(c.Payload, &delivery); err != nil {
				t.Fatalf("payload is not a delivery: %v", err)
			}
			if delivery.Destination != c.Name || delivery.RetryCount != 0 || delivery.ID != "evt-1" {
				t.Errorf("unexpected payload %+v for %s", delivery, c.Name)
			}
			got = append(got, c.Name)
		}
		sort.Strings(got)
		if diff := cmp.Diff([]string{"demoSubscriber", "feedServiceEventHandler"}, got); diff != "" {
			t.Errorf("destinations mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("one failing destination does not affect the others", func(t *testing.T) {
		rec := invoke.NewRecorder(nil)
		rec.FailWith("feedServiceEventHandler", errors.New("throttled"))

		var mu sync.Mutex
		var failed []string
		d := New(rec, WithErrorHandler(func(delivery message.Delivery, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, delivery.Destination)
		}))

		if err := d.Dispatch(ctx, newRequest("feedServiceEventHandler", "demoSubscriber")); err != nil {
			t.Fatalf("Dispatch must not fail because of a destination: %v", err)
		}
		if len(rec.CallsTo("demoSubscriber")) != 1 {
			t.Error("healthy destination was not invoked")
		}
		if diff := cmp.Diff([]string{"feedServiceEventHandler"}, failed); diff != "" {
			t.Errorf("failures mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid request", func(t *testing.T) {
		rec := invoke.NewRecorder(nil)
		d := New(rec)

		tests := []struct {
			name string
			req  message.DispatchRequest
		}{
			{"no destinations", newRequest()},
			{"empty destination", newRequest("a", "")},
			{"missing id", func() message.DispatchRequest { r := newRequest("a"); r.ID = ""; return r }()},
			{"null body", func() message.DispatchRequest { r := newRequest("a"); r.Body = json.RawMessage("null"); return r }()},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := d.Dispatch(ctx, tt.req); !errors.Is(err, message.ErrInvalid) {
					t.Errorf("expected ErrInvalid, got %v", err)
				}
			})
		}
		if len(rec.Calls()) != 0 {
			t.Errorf("invalid requests must not invoke anything, got %d calls", len(rec.Calls()))
		}
	})
}

func TestDispatchSingle(t *testing.T) {
	ctx := context.Background()

	t.Run("carries retry count", func(t *testing.T) {
		rec := invoke.NewRecorder(nil)
		d := New(rec, WithCodec(codec.MsgPack{}))

		delivery := newRequest("demoSubscriber").Deliveries()[0]
		delivery.RetryCount = 2
		d.DispatchSingle(ctx, delivery)

		calls := rec.CallsTo("demoSubscriber")
		if len(calls) != 1 {
			t.Fatalf("expected 1 call, got %d", len(calls))
		}
		var got message.Delivery
		if err := (codec.MsgPack{}).Unmarshal(calls[0].Payload, &got); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if diff := cmp.Diff(delivery, got); diff != "" {
			t.Errorf("delivery mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("counts attempts and failures", func(t *testing.T) {
		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer mp.Shutdown(ctx)

		rec := invoke.NewRecorder(nil)
		rec.FailWith("broken", errors.New("no such function"))
		d := New(rec, WithMeterProvider(mp))

		d.DispatchSingle(ctx, newRequest("ok").Deliveries()[0])
		d.DispatchSingle(ctx, newRequest("broken").Deliveries()[0])
		d.DispatchSingle(ctx, message.Delivery{Destination: "invalid"})

		if got := counterValue(t, reader, "eventbus.dispatch.attempts"); got != 2 {
			t.Errorf("expected 2 attempts, got %d", got)
		}
		if got := counterValue(t, reader, "eventbus.dispatch.failures"); got != 2 {
			t.Errorf("expected 2 failures, got %d", got)
		}
	})

	t.Run("rate limit wait failure is swallowed", func(t *testing.T) {
		rec := invoke.NewRecorder(nil)
		d := New(rec, WithRateLimit(rate.Limit(0.001), 1))

		delivery := newRequest("demoSubscriber").Deliveries()[0]
		d.DispatchSingle(ctx, delivery)

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		d.DispatchSingle(waitCtx, delivery)

		if got := len(rec.CallsTo("demoSubscriber")); got != 1 {
			t.Errorf("expected the throttled invocation to be dropped, got %d calls", got)
		}
	})

	t.Run("infinite rate disables limiter", func(t *testing.T) {
		rec := invoke.NewRecorder(nil)
		d := New(rec, WithRateLimit(rate.Inf, 0))
		for i := 0; i < 50; i++ {
			d.DispatchSingle(ctx, newRequest("a").Deliveries()[0])
		}
		if got := len(rec.Calls()); got != 50 {
			t.Errorf("expected 50 calls, got %d", got)
		}
	})
}

func TestDispatchWithLocalInvoker(t *testing.T) {
	local := invoke.NewLocal()
	received := make(chan message.Delivery, 2)
	for _, name := range []string{"a", "b"} {
		local.Register(name, func(ctx context.Context, payload []byte) ([]byte, error) {
			var d message.Delivery
			if err := json.Unmarshal(payload, &d); err != nil {
				return nil, err
			}
			received <- d
			return nil, nil
		})
	}

	d := New(local)
	if err := d.Dispatch(context.Background(), newRequest("a", "b")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := local.Close(closeCtx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(received) != 2 {
		t.Errorf("expected both subscribers to run, got %d", len(received))
	}
}
