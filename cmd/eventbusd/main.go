// Command eventbusd runs the photo-sharing event bus: it serves the
// publish, dispatch and confirm entry points, sweeps unconfirmed
// deliveries and exposes a debug HTTP API.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/camtittle/photosharing-eventbus/config"
	"github.com/camtittle/photosharing-eventbus/delivery"
	"github.com/camtittle/photosharing-eventbus/dlq"
	"github.com/camtittle/photosharing-eventbus/topic"
)

const version = "1.0.0"

func formatFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Value:   "text",
		Usage:   "Output format: 'text' or 'json'",
	}
}

func deadLetterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "topic", Usage: "Only dead letters of this topic"},
		&cli.StringFlag{Name: "destination", Aliases: []string{"d"}, Usage: "Only dead letters for this destination"},
		&cli.StringFlag{Name: "event-id", Usage: "Only dead letters of this event"},
		&cli.StringFlag{Name: "reason", Usage: "Only dead letters whose reason contains this text"},
	}
}

func deadLetterFilter(cmd *cli.Command) dlq.Filter {
	return dlq.Filter{
		Topic:       topic.Topic(cmd.String("topic")),
		Destination: cmd.String("destination"),
		EventID:     cmd.String("event-id"),
		Reason:      cmd.String("reason"),
	}
}

// withContainer loads configuration, builds the container and releases it
// once fn returns.
func withContainer(ctx context.Context, fn func(*container) error) error {
	cfg := config.Load()
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	c, err := newContainer(ctx, cfg, logger, time.Now)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown container", slog.Any("error", err))
		}
	}()
	return fn(c)
}

func getCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "serve",
			Usage: "Serve the bus entry points, the reconciler loop and the HTTP API",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "demo",
					Value: true,
					Usage: "Register the demo subscriber, which logs and confirms every delivery",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withContainer(ctx, func(c *container) error {
					return runServe(ctx, c, cmd.Bool("demo"))
				})
			},
		},
		{
			Name:  "sweep",
			Usage: "Run a single reconciliation pass",
			Flags: []cli.Flag{formatFlag()},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withContainer(ctx, func(c *container) error {
					return runSweep(ctx, c, os.Stdout, cmd.String("format"))
				})
			},
		},
		{
			Name:  "publish",
			Usage: "Publish an event",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "topic",
					Aliases:  []string{"t"},
					Required: true,
					Usage:    "Event topic: post, comment or vote",
				},
				&cli.StringFlag{
					Name:     "body",
					Aliases:  []string{"b"},
					Required: true,
					Usage:    "JSON event body",
				},
				formatFlag(),
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withContainer(ctx, func(c *container) error {
					return runPublish(ctx, c, os.Stdout, cmd.String("topic"), cmd.String("body"), cmd.String("format"))
				})
			},
		},
		{
			Name:  "confirm",
			Usage: "Confirm that a destination processed an event",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "event-id", Aliases: []string{"e"}, Required: true, Usage: "Event ID"},
				&cli.StringFlag{Name: "destination", Aliases: []string{"d"}, Required: true, Usage: "Subscriber name"},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withContainer(ctx, func(c *container) error {
					return runConfirm(ctx, c, os.Stdout, cmd.String("event-id"), cmd.String("destination"))
				})
			},
		},
		{
			Name:  "stats",
			Usage: "Measure throughput over confirmed deliveries",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "topic", Usage: "Only deliveries of this topic"},
				&cli.StringFlag{Name: "destination", Aliases: []string{"d"}, Usage: "Only deliveries to this destination"},
				&cli.StringFlag{Name: "comment-content", Usage: "Only comments with exactly this content"},
				formatFlag(),
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				filter := delivery.Filter{Destination: cmd.String("destination")}
				if raw := cmd.String("topic"); raw != "" {
					t, err := topic.Parse(raw)
					if err != nil {
						return err
					}
					filter.Topic = t
				}
				return withContainer(ctx, func(c *container) error {
					return runStats(ctx, c, os.Stdout, filter, cmd.String("comment-content"), cmd.String("format"))
				})
			},
		},
		{
			Name:  "deadletters",
			Usage: "Inspect and replay dead letters",
			Commands: []*cli.Command{
				{
					Name:  "list",
					Usage: "List dead letters",
					Flags: append(deadLetterFlags(),
						&cli.BoolFlag{Name: "pending", Usage: "Hide dead letters already replayed"},
						&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 50, Usage: "Maximum results"},
						formatFlag(),
					),
					Action: func(ctx context.Context, cmd *cli.Command) error {
						filter := deadLetterFilter(cmd)
						filter.ExcludeReplayed = cmd.Bool("pending")
						filter.Limit = int(cmd.Int("limit"))
						return withContainer(ctx, func(c *container) error {
							return runListDeadLetters(ctx, c, os.Stdout, filter, cmd.String("format"))
						})
					},
				},
				{
					Name:  "stats",
					Usage: "Show dead-letter counts",
					Flags: []cli.Flag{formatFlag()},
					Action: func(ctx context.Context, cmd *cli.Command) error {
						return withContainer(ctx, func(c *container) error {
							return runDeadLetterStats(ctx, c, os.Stdout, cmd.String("format"))
						})
					},
				},
				{
					Name:  "replay",
					Usage: "Replay pending dead letters as fresh deliveries",
					Flags: deadLetterFlags(),
					Action: func(ctx context.Context, cmd *cli.Command) error {
						return withContainer(ctx, func(c *container) error {
							return runReplayDeadLetters(ctx, c, os.Stdout, deadLetterFilter(cmd))
						})
					},
				},
				{
					Name:  "cleanup",
					Usage: "Delete dead letters older than the given age",
					Flags: []cli.Flag{
						&cli.DurationFlag{Name: "age", Aliases: []string{"a"}, Required: true, Usage: "Minimum age, e.g. 720h"},
					},
					Action: func(ctx context.Context, cmd *cli.Command) error {
						return withContainer(ctx, func(c *container) error {
							return runCleanupDeadLetters(ctx, c, os.Stdout, cmd.Duration("age"))
						})
					},
				},
			},
		},
	}
}

func main() {
	cmd := &cli.Command{
		Name:     "eventbusd",
		Usage:    "Photo-sharing event bus daemon",
		Version:  version,
		Commands: getCommands(),
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.Any("error", err))
		os.Exit(1)
	}
}
