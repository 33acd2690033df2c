package eventbus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/camtittle/photosharing-eventbus/delivery"
	"github.com/camtittle/photosharing-eventbus/invoke"
	"github.com/camtittle/photosharing-eventbus/subscription"
	"github.com/camtittle/photosharing-eventbus/topic"
)

func received(id string, tp topic.Topic, body string, ts int64, at *int64) delivery.Record {
	return delivery.Record{
		EventID:     id,
		Topic:       tp,
		Timestamp:   ts,
		Body:        json.RawMessage(body),
		Destination: subscription.DemoSubscriber,
		ReceivedAt:  at,
	}
}

func ms(v int64) *int64 { return &v }

func TestStats(t *testing.T) {
	ctx := context.Background()
	bus := TestBus(invoke.NewRecorder(nil))

	recs := []delivery.Record{
		received("evt-1", topic.Comment, `{"content":"load-test"}`, 1000, ms(1500)),
		received("evt-2", topic.Comment, `{"content":"load-test"}`, 2000, ms(5000)),
		received("evt-3", topic.Comment, `{"content":"hello"}`, 500, ms(9000)),
		received("evt-4", topic.Comment, `{"content":"load-test"}`, 3000, nil),
		received("evt-5", topic.Post, `{"description":"load-test"}`, 100, ms(200)),
	}
	if err := bus.Tracker().PutMany(ctx, recs); err != nil {
		t.Fatalf("PutMany failed: %v", err)
	}

	t.Run("filters by comment content", func(t *testing.T) {
		got, err := bus.Stats(ctx, delivery.Filter{Topic: topic.Comment}, CommentContentIs("load-test"))
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		want := &Throughput{
			Count:          2,
			FirstPublished: 1000,
			LastReceived:   5000,
			ElapsedSeconds: 4,
			PerSecond:      0.5,
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("throughput mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("no matches", func(t *testing.T) {
		got, err := bus.Stats(ctx, delivery.Filter{}, CommentContentIs("missing"))
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if diff := cmp.Diff(&Throughput{}, got); diff != "" {
			t.Errorf("throughput mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestThroughputOfZeroElapsed(t *testing.T) {
	got := throughputOf([]delivery.Record{
		received("evt-1", topic.Vote, `{}`, 1000, ms(1000)),
	})
	if got.Count != 1 || got.ElapsedSeconds != 0 || got.PerSecond != 0 {
		t.Errorf("expected a count with no rate, got %+v", got)
	}
}
