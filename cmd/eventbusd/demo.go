package main

import (
	"context"
	"fmt"
	"log/slog"

	eventbus "github.com/camtittle/photosharing-eventbus"
	"github.com/camtittle/photosharing-eventbus/codec"
	"github.com/camtittle/photosharing-eventbus/invoke"
	"github.com/camtittle/photosharing-eventbus/message"
)

// demoSubscriber logs every delivery it receives and confirms it through
// the confirm entry point, the way a real subscriber would.
func demoSubscriber(cd codec.Codec, client *eventbus.Client, logger *slog.Logger) invoke.Func {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var d message.Delivery
		if err := cd.Unmarshal(payload, &d); err != nil {
			return nil, fmt.Errorf("decode delivery: %w", err)
		}

		logger.Info("received event",
			slog.String("event_id", d.ID),
			slog.String("topic", d.Topic.String()),
			slog.Int("retry_count", d.RetryCount),
			slog.String("body", string(d.Body)))

		if err := client.Confirm(ctx, d.ID, d.Destination); err != nil {
			return nil, err
		}
		return nil, nil
	}
}
