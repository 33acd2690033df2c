package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/camtittle/photosharing-eventbus/codec"
	"github.com/camtittle/photosharing-eventbus/invoke"
	"github.com/camtittle/photosharing-eventbus/message"
	"github.com/camtittle/photosharing-eventbus/topic"
)

// Client is what domain services use to talk to the bus: it publishes
// events and confirms deliveries by invoking the bus entry points.
//
// Example:
//
//	client := eventbus.NewClient(invoker)
//	id, err := client.Publish(ctx, topic.CommentEvent{
//	    Action:  topic.CommentAdd,
//	    PostID:  postID,
//	    Content: "nice shot",
//	})
//
//	// in a subscriber
//	err = client.Confirm(ctx, delivery.ID, delivery.Destination)
type Client struct {
	invoker         invoke.Invoker
	codec           codec.Codec
	publishFunction string
	confirmFunction string
	newID           func() string
	now             func() time.Time
	logger          *slog.Logger
}

// NewClient creates a client that reaches the bus through invoker.
func NewClient(invoker invoke.Invoker) *Client {
	return &Client{
		invoker:         invoker,
		codec:           codec.Default(),
		publishFunction: DefaultPublishFunction,
		confirmFunction: DefaultConfirmFunction,
		newID:           uuid.NewString,
		now:             time.Now,
		logger:          slog.Default().With("component", "eventbus.client"),
	}
}

// WithCodec sets the payload codec. It must match the bus codec.
func (c *Client) WithCodec(cd codec.Codec) *Client {
	c.codec = cd
	return c
}

// WithFunctions overrides the publish and confirm entry point names.
// Empty names keep the current ones.
func (c *Client) WithFunctions(publish, confirm string) *Client {
	if publish != "" {
		c.publishFunction = publish
	}
	if confirm != "" {
		c.confirmFunction = confirm
	}
	return c
}

// WithClock sets the time source for event timestamps.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// WithIDGenerator sets the event ID generator. Defaults to random UUIDs.
func (c *Client) WithIDGenerator(fn func() string) *Client {
	c.newID = fn
	return c
}

// WithLogger sets a custom logger.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	c.logger = l
	return c
}

// Publish sends body to the bus under a new event ID and returns the ID.
// It waits for the publish entry point to return.
func (c *Client) Publish(ctx context.Context, body topic.Body) (string, error) {
	raw, err := topic.Encode(body)
	if err != nil {
		return "", err
	}

	req := message.PublishRequest{
		ID:        c.newID(),
		Topic:     body.Topic(),
		Timestamp: c.now().UnixMilli(),
		Body:      raw,
	}
	if err := c.call(ctx, c.publishFunction, req); err != nil {
		return "", err
	}

	c.logger.Debug("published event", "event_id", req.ID, "topic", req.Topic)
	return req.ID, nil
}

// Confirm tells the bus that destination processed eventID.
func (c *Client) Confirm(ctx context.Context, eventID, destination string) error {
	return c.call(ctx, c.confirmFunction, message.ConfirmRequest{
		EventID:     eventID,
		Destination: destination,
	})
}

func (c *Client) call(ctx context.Context, function string, req any) error {
	payload, err := c.codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", function, err)
	}
	if _, err := c.invoker.Invoke(ctx, function, payload); err != nil {
		return fmt.Errorf("invoke %s: %w", function, err)
	}
	return nil
}
