// Package message defines the wire formats exchanged between the publisher,
// the dispatcher, subscribers and the confirmation handler.
//
// This package is imported by the bus, the dispatcher, the invokers and the
// HTTP API, so it depends on nothing but the topic package.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	validation "github.com/jellydator/validation"

	"github.com/camtittle/photosharing-eventbus/topic"
)

// ErrInvalid is matched by every validation failure in this package.
var ErrInvalid = errors.New("invalid request")

// ValidationError describes a request rejected before any side effect.
type ValidationError struct {
	Kind string // request type, e.g. "publish"
	Err  error  // underlying validation.Errors
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s request: %v", e.Kind, e.Err)
}

// Unwrap exposes both ErrInvalid and the field errors.
func (e *ValidationError) Unwrap() []error {
	return []error{ErrInvalid, e.Err}
}

func invalid(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Kind: kind, Err: err}
}

// Event is the common envelope of a published domain event.
type Event struct {
	ID        string          `json:"id"`
	Topic     topic.Topic     `json:"topic"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Body      json.RawMessage `json:"body"`
}

func (e *Event) fields() []*validation.FieldRules {
	return []*validation.FieldRules{
		validation.Field(&e.ID, validation.Required.Error("id is required")),
		validation.Field(&e.Topic,
			validation.Required.Error("topic is required"),
			validation.By(knownTopic),
		),
		validation.Field(&e.Timestamp,
			validation.Required.Error("timestamp is required"),
			validation.Min(int64(1)).Error("timestamp must be positive"),
		),
		validation.Field(&e.Body, validation.By(nonEmptyBody)),
	}
}

// PublishRequest is the payload of the publish entry point.
type PublishRequest Event

// Validate checks that every field of the event is present.
func (r *PublishRequest) Validate() error {
	e := (*Event)(r)
	return invalid("publish", validation.ValidateStruct(e, e.fields()...))
}

// Dispatch returns the fan-out request for the given destinations.
func (r PublishRequest) Dispatch(destinations []string) DispatchRequest {
	return DispatchRequest{Event: Event(r), Destinations: destinations}
}

// DispatchRequest is the payload of the dispatch entry point: one event and
// every destination it must be pushed to.
type DispatchRequest struct {
	Event
	Destinations []string `json:"destinations"`
}

// Validate checks the event fields and that at least one destination is set.
func (r *DispatchRequest) Validate() error {
	rules := append(r.Event.fields(),
		validation.Field(&r.Destinations,
			validation.Required.Error("destinations are required"),
			validation.Each(validation.Required),
		),
	)
	return invalid("dispatch", validation.ValidateStruct(r, rules...))
}

// Deliveries expands the request into one first-attempt delivery per
// destination.
func (r DispatchRequest) Deliveries() []Delivery {
	out := make([]Delivery, 0, len(r.Destinations))
	for _, d := range r.Destinations {
		out = append(out, Delivery{Event: r.Event, Destination: d})
	}
	return out
}

// Delivery is what a subscriber receives.
type Delivery struct {
	Event
	Destination string `json:"destination"`
	RetryCount  int    `json:"retryCount"`
}

// Validate checks the event fields and the destination.
func (d *Delivery) Validate() error {
	rules := append(d.Event.fields(),
		validation.Field(&d.Destination, validation.Required.Error("destination is required")),
		validation.Field(&d.RetryCount, validation.Min(0)),
	)
	return invalid("delivery", validation.ValidateStruct(d, rules...))
}

// Confirm returns the acknowledgement a subscriber sends for d.
func (d Delivery) Confirm() ConfirmRequest {
	return ConfirmRequest{EventID: d.ID, Destination: d.Destination}
}

// ConfirmRequest acknowledges that a destination processed an event.
type ConfirmRequest struct {
	EventID     string `json:"eventId"`
	Destination string `json:"destination"`
}

// Validate checks that both key fields are present.
func (r *ConfirmRequest) Validate() error {
	return invalid("confirm", validation.ValidateStruct(r,
		validation.Field(&r.EventID, validation.Required.Error("eventId is required")),
		validation.Field(&r.Destination, validation.Required.Error("destination is required")),
	))
}

func knownTopic(value any) error {
	t, _ := value.(topic.Topic)
	if t == "" || t.Valid() {
		return nil
	}
	return validation.NewError("validation_topic_unknown", fmt.Sprintf("unknown topic %q", t))
}

func nonEmptyBody(value any) error {
	raw, _ := value.(json.RawMessage)
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return validation.NewError("validation_body_required", "body is required")
	}
	return nil
}
