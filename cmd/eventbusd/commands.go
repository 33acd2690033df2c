package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	eventbus "github.com/camtittle/photosharing-eventbus"
	"github.com/camtittle/photosharing-eventbus/delivery"
	"github.com/camtittle/photosharing-eventbus/dlq"
	"github.com/camtittle/photosharing-eventbus/httpapi"
	"github.com/camtittle/photosharing-eventbus/message"
	"github.com/camtittle/photosharing-eventbus/topic"
)

const shutdownTimeout = 10 * time.Second

// runServe runs the reconciler loop and the HTTP API until SIGINT/SIGTERM
// or a fatal error.
func runServe(ctx context.Context, c *container, demo bool) error {
	if c.cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	c.serveEntryPoints(demo)
	reconciler, err := c.reconciler()
	if err != nil {
		return err
	}

	serverOpts := []httpapi.Option{
		httpapi.WithLogger(c.logger.With("component", "httpapi")),
		httpapi.WithClock(c.now),
	}
	if c.metrics != nil {
		serverOpts = append(serverOpts, httpapi.WithMetrics(c.metrics.Handler(), c.metrics.MeterProvider()))
	}
	server := httpapi.NewServer(c.cfg.HTTPAddr, c.bus, reconciler, serverOpts...)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c.logger.Info("starting event bus",
		slog.Bool("local", c.cfg.Local),
		slog.String("store", c.cfg.StoreDriver),
		slog.String("invoker", c.cfg.Invoker),
		slog.Duration("grace_period", c.cfg.Grace()),
		slog.Int("max_dispatch_retries", c.cfg.MaxDispatchRetries),
		slog.Int("sweep_shard_index", c.cfg.SweepShardIndex),
		slog.Int("sweep_shard_count", c.cfg.SweepShardCount))

	errc := make(chan error, 2)
	go func() {
		if err := reconciler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errc <- fmt.Errorf("reconciler: %w", err)
		}
	}()
	go func() {
		if err := server.Start(ctx); err != nil {
			errc <- fmt.Errorf("api server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		c.logger.Info("shutdown signal received")
	case runErr = <-errc:
		c.logger.Error("fatal error, initiating shutdown", slog.Any("error", runErr))
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("api server shutdown: %w", err))
	}
	return runErr
}

// runSweep runs a single reconciliation pass.
func runSweep(ctx context.Context, c *container, w io.Writer, format string) error {
	reconciler, err := c.reconciler()
	if err != nil {
		return err
	}
	res, sweepErr := reconciler.Sweep(ctx)
	if format == "json" {
		if err := writeJSON(w, res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "Scanned %d, redispatched %d, skipped %d, dead-lettered %d, failed %d\n",
			res.Scanned, res.Redispatched, res.Skipped, res.DeadLettered, res.Failed)
	}
	if c.local != nil {
		c.local.Wait()
	}
	return sweepErr
}

// runPublish publishes one event with a generated ID and the current time.
func runPublish(ctx context.Context, c *container, w io.Writer, topicName, body, format string) error {
	t, err := topic.Parse(topicName)
	if err != nil {
		return err
	}
	if _, err := topic.Decode(t, []byte(body)); err != nil {
		return fmt.Errorf("invalid %s body: %w", t, err)
	}

	req := message.PublishRequest{
		ID:        uuid.NewString(),
		Topic:     t,
		Timestamp: c.now().UnixMilli(),
		Body:      json.RawMessage(body),
	}
	if err := c.bus.Publish(ctx, req); err != nil {
		return err
	}
	if c.local != nil {
		c.local.Wait()
	}

	if format == "json" {
		return writeJSON(w, map[string]any{"id": req.ID, "timestamp": req.Timestamp})
	}
	fmt.Fprintf(w, "Published %s event %s\n", t, req.ID)
	return nil
}

// runConfirm acknowledges one delivery.
func runConfirm(ctx context.Context, c *container, w io.Writer, eventID, destination string) error {
	err := c.bus.Confirm(ctx, message.ConfirmRequest{EventID: eventID, Destination: destination})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Confirmed event %s for %s\n", eventID, destination)
	return nil
}

// runStats prints throughput over confirmed deliveries.
func runStats(ctx context.Context, c *container, w io.Writer, filter delivery.Filter, commentContent, format string) error {
	var predicate func(delivery.Record) bool
	if commentContent != "" {
		predicate = eventbus.CommentContentIs(commentContent)
	}
	out, err := c.bus.Stats(ctx, filter, predicate)
	if err != nil {
		return err
	}

	if format == "json" {
		return writeJSON(w, out)
	}
	fmt.Fprintf(w, "Confirmed deliveries: %d\n", out.Count)
	fmt.Fprintf(w, "Elapsed: %.3fs\n", out.ElapsedSeconds)
	fmt.Fprintf(w, "Throughput: %.2f/s\n", out.PerSecond)
	return nil
}

// runListDeadLetters prints the dead letters matching filter.
func runListDeadLetters(ctx context.Context, c *container, w io.Writer, filter dlq.Filter, format string) error {
	msgs, err := c.bus.DeadLetters().List(ctx, filter)
	if err != nil {
		return err
	}
	if format == "json" {
		if msgs == nil {
			msgs = []*dlq.Message{}
		}
		return writeJSON(w, msgs)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tTOPIC\tDESTINATION\tRETRIES\tCREATED\tREPLAYED")
	for _, m := range msgs {
		replayed := "-"
		if m.ReplayedAt != nil {
			replayed = m.ReplayedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			m.ID, m.EventID, m.Topic, m.Destination, m.RetryCount,
			m.CreatedAt.Format(time.RFC3339), replayed)
	}
	return tw.Flush()
}

// runDeadLetterStats prints dead-letter counts.
func runDeadLetterStats(ctx context.Context, c *container, w io.Writer, format string) error {
	stats, err := c.bus.DeadLetters().Stats(ctx)
	if err != nil {
		return err
	}
	if format == "json" {
		return writeJSON(w, stats)
	}
	fmt.Fprintf(w, "Total: %d (pending %d, replayed %d)\n",
		stats.TotalMessages, stats.PendingMessages, stats.ReplayedMessages)
	for dest, n := range stats.MessagesByDestination {
		fmt.Fprintf(w, "  %s: %d\n", dest, n)
	}
	return nil
}

// runReplayDeadLetters turns pending dead letters back into deliveries.
func runReplayDeadLetters(ctx context.Context, c *container, w io.Writer, filter dlq.Filter) error {
	filter.ExcludeReplayed = true
	n, err := c.bus.DeadLetters().Replay(ctx, filter)
	if c.local != nil {
		c.local.Wait()
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Replayed %d dead letter(s)\n", n)
	return nil
}

// runCleanupDeadLetters deletes dead letters older than age.
func runCleanupDeadLetters(ctx context.Context, c *container, w io.Writer, age time.Duration) error {
	if age <= 0 {
		return fmt.Errorf("age must be positive, got: %s", age)
	}
	n, err := c.bus.DeadLetters().Cleanup(ctx, age)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Deleted %d dead letter(s) older than %s\n", n, age)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
