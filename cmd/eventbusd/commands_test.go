package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	eventbus "github.com/camtittle/photosharing-eventbus"
	"github.com/camtittle/photosharing-eventbus/config"
	"github.com/camtittle/photosharing-eventbus/delivery"
	"github.com/camtittle/photosharing-eventbus/dlq"
	"github.com/camtittle/photosharing-eventbus/message"
	"github.com/camtittle/photosharing-eventbus/subscription"
	"github.com/camtittle/photosharing-eventbus/topic"
)

// testClock never moves, so a sweep runs in the same millisecond as the
// publish before it.
var testClock = eventbus.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

func testConfig() *config.Config {
	return &config.Config{
		Local:              true,
		GracePeriod:        2 * time.Minute,
		MaxDispatchRetries: 3,
		SweepInterval:      time.Minute,
		SweepConcurrency:   4,
		SweepShardCount:    1,
		StoreAttempts:      1,
		RetentionPolicy:    "mark",
		StoreDriver:        config.StoreMemory,
		Invoker:            config.InvokerLocal,
		Codec:              "json",
		HTTPAddr:           ":0",
		LogLevel:           "error",
		LogFormat:          "text",
	}
}

func newTestContainer(t *testing.T, cfg *config.Config) *container {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := newContainer(context.Background(), cfg, logger, testClock.Now)
	if err != nil {
		t.Fatalf("newContainer failed: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return c
}

func publishComment(t *testing.T, c *container, content string) string {
	t.Helper()
	var out bytes.Buffer
	body := `{"action":"add","postId":"p-1","content":"` + content + `"}`
	if err := runPublish(context.Background(), c, &out, "comment", body, "json"); err != nil {
		t.Fatalf("runPublish failed: %v", err)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil || resp.ID == "" {
		t.Fatalf("unexpected publish output %q: %v", out.String(), err)
	}
	return resp.ID
}

func TestNewContainer(t *testing.T) {
	t.Run("rejects invalid configuration", func(t *testing.T) {
		cfg := testConfig()
		cfg.StoreDriver = "cassandra"
		_, err := newContainer(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Now)
		if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
			t.Errorf("expected a configuration error, got %v", err)
		}
	})

	t.Run("rejects missing subscriptions file", func(t *testing.T) {
		cfg := testConfig()
		cfg.SubscriptionsFile = t.TempDir() + "/missing.yaml"
		_, err := newContainer(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Now)
		if err == nil {
			t.Error("expected an error for a missing subscriptions file")
		}
	})

	t.Run("local wiring", func(t *testing.T) {
		cfg := testConfig()
		cfg.RetentionPolicy = "delete"
		cfg.DispatchRateLimit = 5
		c := newTestContainer(t, cfg)

		if c.local == nil || c.registrar == nil {
			t.Fatal("expected the local invoker to serve functions")
		}
		if c.bus.Tracker().Policy() != delivery.PolicyDelete {
			t.Errorf("expected delete policy, got %s", c.bus.Tracker().Policy())
		}
		if c.metrics != nil {
			t.Error("metrics must stay off when disabled")
		}
	})

	t.Run("metrics provider", func(t *testing.T) {
		cfg := testConfig()
		cfg.MetricsEnabled = true
		cfg.MetricsNamespace = "test"
		c := newTestContainer(t, cfg)
		if c.metrics == nil {
			t.Fatal("expected a metrics provider")
		}
	})
}

func TestRunPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("records one delivery per subscriber", func(t *testing.T) {
		c := newTestContainer(t, testConfig())
		id := publishComment(t, c, "hello")

		recs, err := c.bus.Tracker().ForEvent(ctx, id)
		if err != nil {
			t.Fatalf("ForEvent failed: %v", err)
		}
		if len(recs) != len(c.bus.Registry().SubscribersFor(topic.Comment)) {
			t.Errorf("expected a record per subscriber, got %d", len(recs))
		}
	})

	t.Run("text output", func(t *testing.T) {
		c := newTestContainer(t, testConfig())
		var out bytes.Buffer
		err := runPublish(ctx, c, &out, "vote", `{"postId":"p-1","userId":"u-1","voteType":"up"}`, "text")
		if err != nil {
			t.Fatalf("runPublish failed: %v", err)
		}
		if !strings.Contains(out.String(), "Published vote event") {
			t.Errorf("unexpected output %q", out.String())
		}
	})

	t.Run("unknown topic", func(t *testing.T) {
		c := newTestContainer(t, testConfig())
		if err := runPublish(ctx, c, io.Discard, "like", `{}`, "text"); err == nil {
			t.Error("expected an error for an unknown topic")
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		c := newTestContainer(t, testConfig())
		if err := runPublish(ctx, c, io.Discard, "post", `{not json`, "text"); err == nil {
			t.Error("expected an error for a malformed body")
		}
	})
}

func TestRunConfirmAndSweep(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t, testConfig())
	id := publishComment(t, c, "hello")

	var out bytes.Buffer
	if err := runConfirm(ctx, c, &out, id, subscription.DemoSubscriber); err != nil {
		t.Fatalf("runConfirm failed: %v", err)
	}
	rec, err := c.bus.Tracker().Get(ctx, delivery.Key{EventID: id, Destination: subscription.DemoSubscriber})
	if err != nil || !rec.Received() {
		t.Fatalf("expected a confirmed record, got %+v, %v", rec, err)
	}

	// Local mode has no grace, so the unconfirmed delivery is swept at once,
	// even within the millisecond it was published in.
	out.Reset()
	if err := runSweep(ctx, c, &out, "json"); err != nil {
		t.Fatalf("runSweep failed: %v", err)
	}
	var res struct {
		Scanned      int `json:"scanned"`
		Redispatched int `json:"redispatched"`
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("unexpected sweep output %q: %v", out.String(), err)
	}
	if res.Scanned != 1 || res.Redispatched != 1 {
		t.Errorf("expected one redispatch, got %+v", res)
	}

	rec, err = c.bus.Tracker().Get(ctx, delivery.Key{EventID: id, Destination: subscription.PostService})
	if err != nil || rec.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %+v, %v", rec, err)
	}

	t.Run("confirm rejects missing fields", func(t *testing.T) {
		if err := runConfirm(ctx, c, io.Discard, "", subscription.DemoSubscriber); err == nil {
			t.Error("expected a validation error")
		}
	})
}

func TestRunStats(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t, testConfig())

	id := publishComment(t, c, "load-test")
	publishComment(t, c, "other")
	if err := runConfirm(ctx, c, io.Discard, id, subscription.PostService); err != nil {
		t.Fatalf("runConfirm failed: %v", err)
	}

	var out bytes.Buffer
	err := runStats(ctx, c, &out, delivery.Filter{Topic: topic.Comment}, "load-test", "json")
	if err != nil {
		t.Fatalf("runStats failed: %v", err)
	}
	var got struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("unexpected stats output %q: %v", out.String(), err)
	}
	if got.Count != 1 {
		t.Errorf("expected 1 confirmed delivery, got %d", got.Count)
	}

	out.Reset()
	if err := runStats(ctx, c, &out, delivery.Filter{}, "", "text"); err != nil {
		t.Fatalf("runStats failed: %v", err)
	}
	if !strings.Contains(out.String(), "Confirmed deliveries: 1") {
		t.Errorf("unexpected text output %q", out.String())
	}
}

func TestDeadLetterCommands(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t, testConfig())
	c.serveEntryPoints(true)

	ev := message.Event{
		ID:        "evt-1",
		Topic:     topic.Post,
		Timestamp: 1000,
		Body:      json.RawMessage(`{"action":"create","id":"p-1","userId":"u-1"}`),
	}
	rec := delivery.NewRecord(ev, subscription.DemoSubscriber)
	rec.RetryCount = 4
	if err := c.bus.DeadLetters().Store(ctx, rec, "not confirmed after 4 retries"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	t.Run("list", func(t *testing.T) {
		var out bytes.Buffer
		if err := runListDeadLetters(ctx, c, &out, dlq.Filter{}, "text"); err != nil {
			t.Fatalf("runListDeadLetters failed: %v", err)
		}
		if !strings.Contains(out.String(), "evt-1") || !strings.Contains(out.String(), subscription.DemoSubscriber) {
			t.Errorf("unexpected output %q", out.String())
		}
	})

	t.Run("stats", func(t *testing.T) {
		var out bytes.Buffer
		if err := runDeadLetterStats(ctx, c, &out, "text"); err != nil {
			t.Fatalf("runDeadLetterStats failed: %v", err)
		}
		if !strings.Contains(out.String(), "Total: 1 (pending 1, replayed 0)") {
			t.Errorf("unexpected output %q", out.String())
		}
	})

	t.Run("replay reaches the demo subscriber", func(t *testing.T) {
		var out bytes.Buffer
		if err := runReplayDeadLetters(ctx, c, &out, dlq.Filter{}); err != nil {
			t.Fatalf("runReplayDeadLetters failed: %v", err)
		}
		if !strings.Contains(out.String(), "Replayed 1 dead letter(s)") {
			t.Errorf("unexpected output %q", out.String())
		}

		got, err := c.bus.Tracker().Get(ctx, rec.Key())
		if err != nil || !got.Received() {
			t.Errorf("demo subscriber must confirm the replayed delivery, got %+v, %v", got, err)
		}
	})

	t.Run("cleanup", func(t *testing.T) {
		if err := runCleanupDeadLetters(ctx, c, io.Discard, 0); err == nil {
			t.Error("expected an error for a zero age")
		}
		var out bytes.Buffer
		if err := runCleanupDeadLetters(ctx, c, &out, time.Hour); err != nil {
			t.Fatalf("runCleanupDeadLetters failed: %v", err)
		}
		if !strings.Contains(out.String(), "Deleted 0 dead letter(s)") {
			t.Errorf("unexpected output %q", out.String())
		}
	})
}
