package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/camtittle/photosharing-eventbus/codec"
	"github.com/camtittle/photosharing-eventbus/invoke"
	"github.com/camtittle/photosharing-eventbus/message"
	"github.com/camtittle/photosharing-eventbus/subscription"
	"github.com/camtittle/photosharing-eventbus/topic"
)

func TestClient(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	t.Run("publish invokes the publish function synchronously", func(t *testing.T) {
		rec := invoke.NewRecorder(nil)
		client := NewClient(rec).
			WithClock(func() time.Time { return now }).
			WithIDGenerator(func() string { return "evt-1" })

		id, err := client.Publish(ctx, topic.VoteEvent{PostID: "p-1", UserID: "u-1", VoteType: topic.VoteUp})
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if id != "evt-1" {
			t.Errorf("expected id evt-1, got %s", id)
		}

		calls := rec.CallsTo(DefaultPublishFunction)
		if len(calls) != 1 || calls[0].Async {
			t.Fatalf("expected one synchronous call, got %+v", rec.Calls())
		}
		var got message.PublishRequest
		if err := json.Unmarshal(calls[0].Payload, &got); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		want := message.PublishRequest{
			ID:        "evt-1",
			Topic:     topic.Vote,
			Timestamp: now.UnixMilli(),
			Body:      json.RawMessage(`{"postId":"p-1","userId":"u-1","voteType":"up"}`),
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("request mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("publish generates unique ids", func(t *testing.T) {
		rec := invoke.NewRecorder(nil)
		client := NewClient(rec)

		a, _ := client.Publish(ctx, topic.VoteEvent{PostID: "p-1"})
		b, _ := client.Publish(ctx, topic.VoteEvent{PostID: "p-1"})
		if a == "" || a == b {
			t.Errorf("expected distinct ids, got %q and %q", a, b)
		}
	})

	t.Run("confirm uses the configured function and codec", func(t *testing.T) {
		rec := invoke.NewRecorder(nil)
		client := NewClient(rec).WithCodec(codec.MsgPack{}).WithFunctions("", "ack")

		if err := client.Confirm(ctx, "evt-1", subscription.FeedService); err != nil {
			t.Fatalf("Confirm failed: %v", err)
		}
		calls := rec.CallsTo("ack")
		if len(calls) != 1 {
			t.Fatalf("expected one call to ack, got %+v", rec.Calls())
		}
		var got message.ConfirmRequest
		if err := (codec.MsgPack{}).Unmarshal(calls[0].Payload, &got); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		want := message.ConfirmRequest{EventID: "evt-1", Destination: subscription.FeedService}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("request mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invocation errors are returned", func(t *testing.T) {
		rec := invoke.NewRecorder(nil)
		rec.FailWith(DefaultPublishFunction, invoke.ErrFunctionNotFound)

		_, err := NewClient(rec).Publish(ctx, topic.VoteEvent{PostID: "p-1"})
		if !errors.Is(err, invoke.ErrFunctionNotFound) {
			t.Errorf("expected ErrFunctionNotFound, got %v", err)
		}
	})

	t.Run("nil body is rejected", func(t *testing.T) {
		rec := invoke.NewRecorder(nil)
		if _, err := NewClient(rec).Publish(ctx, nil); !errors.Is(err, topic.ErrEmptyBody) {
			t.Errorf("expected ErrEmptyBody, got %v", err)
		}
		if len(rec.Calls()) != 0 {
			t.Error("rejected body must not be sent")
		}
	})
}

func TestHandlers(t *testing.T) {
	ctx := context.Background()

	t.Run("validation errors reach the caller", func(t *testing.T) {
		local := invoke.NewLocal()
		defer closeLocal(t, local)
		bus := TestBus(local)
		bus.Register(local)

		err := NewClient(local).Confirm(ctx, "", subscription.FeedService)
		if !IsValidation(err) {
			t.Errorf("expected a validation error, got %v", err)
		}
	})

	t.Run("undecodable payloads are rejected", func(t *testing.T) {
		h := TestBus(invoke.NewRecorder(nil)).Handlers()
		for name, fn := range map[string]invoke.Func{
			"publish":  h.Publish,
			"dispatch": h.Dispatch,
			"confirm":  h.Confirm,
		} {
			if _, err := fn(ctx, []byte("{")); err == nil {
				t.Errorf("%s: expected a decode error", name)
			}
		}
	})

	t.Run("register honours the dispatch function name", func(t *testing.T) {
		local := invoke.NewLocal()
		defer closeLocal(t, local)
		bus := TestBus(local, WithDispatchFunction("fanOut"))
		bus.Register(local)

		req := commentRequest("evt-1", 1000).Dispatch([]string{"nobody"})
		payload, _ := json.Marshal(req)
		if _, err := local.Invoke(ctx, "fanOut", payload); err != nil {
			t.Errorf("fanOut must be registered: %v", err)
		}
		if _, err := local.Invoke(ctx, DefaultDispatchFunction, payload); !errors.Is(err, invoke.ErrFunctionNotFound) {
			t.Errorf("default dispatch name must not be registered, got %v", err)
		}
	})
}
