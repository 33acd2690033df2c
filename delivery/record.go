// Package delivery tracks the state of every (event, destination) pair
// produced by the event bus.
//
// A delivery record is created for each subscriber when an event is
// published and moves through a small state machine:
//
//	Pending(0) --sweep--> Pending(1) --sweep--> ... --sweep--> DeadLettered
//	     \                    \
//	      `--confirm--> Resolved   `--confirm--> Resolved
//
// Resolved and DeadLettered are terminal. Two storage-level guards keep the
// machine monotonic under concurrent sweeps and confirmations:
//   - RetryCount only grows: an update applies only when the stored value is
//     lower than the new one and the record is still unresolved.
//   - ReceivedAt, once set, is never overwritten or cleared.
//
// # Overview
//
// The package provides:
//   - Record, Key and Filter types
//   - Store interface for the durable keyed store
//   - Tracker, which adds bounded retry and the retention policy on top of
//     a Store
//   - Store implementations (Memory, Redis, MongoDB, PostgreSQL)
//
// # Basic Usage
//
//	tracker := delivery.NewTracker(delivery.NewPostgresStore(db),
//	    delivery.WithPolicy(delivery.PolicyMark),
//	)
//
//	// publish time
//	err := tracker.PutMany(ctx, records)
//
//	// subscriber acknowledged
//	err = tracker.Resolve(ctx, delivery.Key{EventID: id, Destination: dest})
//
//	// reconciliation
//	stale, err := tracker.FindStaleUnresolved(ctx, time.Now().Add(-2*time.Minute))
package delivery

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/camtittle/photosharing-eventbus/message"
	"github.com/camtittle/photosharing-eventbus/topic"
)

// Errors
var (
	ErrNotFound      = errors.New("delivery record not found")
	ErrInvalidKey    = errors.New("delivery key requires event id and destination")
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Key identifies a delivery record.
type Key struct {
	EventID     string `json:"eventId"`
	Destination string `json:"destination"`
}

// String returns "eventId/destination".
func (k Key) String() string {
	return k.EventID + "/" + k.Destination
}

// Validate reports ErrInvalidKey when either part is empty.
func (k Key) Validate() error {
	if k.EventID == "" || k.Destination == "" {
		return ErrInvalidKey
	}
	return nil
}

// Record is the durable state of one event delivery to one destination.
type Record struct {
	EventID     string          `json:"eventId"`
	Topic       topic.Topic     `json:"topic"`
	Timestamp   int64           `json:"timestamp"` // publish time, unix ms
	Body        json.RawMessage `json:"body"`
	Destination string          `json:"destination"`
	RetryCount  int             `json:"retryCount"`
	ReceivedAt  *int64          `json:"receivedAt,omitempty"` // unix ms
}

// NewRecord builds the initial pending record of event for destination.
func NewRecord(event message.Event, destination string) Record {
	return Record{
		EventID:     event.ID,
		Topic:       event.Topic,
		Timestamp:   event.Timestamp,
		Body:        event.Body,
		Destination: destination,
	}
}

// Key returns the record key.
func (r Record) Key() Key {
	return Key{EventID: r.EventID, Destination: r.Destination}
}

// Received reports whether the destination confirmed the event.
func (r Record) Received() bool {
	return r.ReceivedAt != nil
}

// Event returns the event the record was created for.
func (r Record) Event() message.Event {
	return message.Event{
		ID:        r.EventID,
		Topic:     r.Topic,
		Timestamp: r.Timestamp,
		Body:      r.Body,
	}
}

// Delivery returns the payload sent to the destination.
func (r Record) Delivery() message.Delivery {
	return message.Delivery{
		Event:       r.Event(),
		Destination: r.Destination,
		RetryCount:  r.RetryCount,
	}
}

func (r Record) clone() Record {
	out := r
	if r.Body != nil {
		out.Body = append(json.RawMessage(nil), r.Body...)
	}
	if r.ReceivedAt != nil {
		at := *r.ReceivedAt
		out.ReceivedAt = &at
	}
	return out
}

// Status selects records by confirmation state.
type Status int

const (
	StatusAny      Status = iota // every record
	StatusPending                // ReceivedAt absent
	StatusReceived               // ReceivedAt present
)

// Filter specifies criteria for scanning records.
//
// All fields are optional. An empty filter matches every record.
//
// Example:
//
//	// unresolved comment deliveries older than two minutes
//	filter := delivery.Filter{
//	    Topic:  topic.Comment,
//	    Status: delivery.StatusPending,
//	    Before: delivery.Millis(time.Now().Add(-2 * time.Minute)),
//	}
type Filter struct {
	Topic       topic.Topic // empty = all topics
	Destination string      // empty = all destinations
	Status      Status
	Since       int64 // Timestamp >= Since (0 = no minimum)
	Before      int64 // Timestamp < Before (0 = no maximum)

	// Cursor-based pagination
	Cursor string // Opaque cursor from previous page (empty for first page)
	Limit  int    // Maximum results per page (0 = store default)
}

// Matches reports whether r satisfies every criterion of f.
func (f Filter) Matches(r Record) bool {
	if f.Topic != "" && r.Topic != f.Topic {
		return false
	}
	if f.Destination != "" && r.Destination != f.Destination {
		return false
	}
	switch f.Status {
	case StatusPending:
		if r.Received() {
			return false
		}
	case StatusReceived:
		if !r.Received() {
			return false
		}
	}
	if f.Since > 0 && r.Timestamp < f.Since {
		return false
	}
	if f.Before > 0 && r.Timestamp >= f.Before {
		return false
	}
	return true
}

// Page is one page of a Scan.
type Page struct {
	Records []Record `json:"records"`

	// NextCursor is the opaque cursor for the next page.
	// Empty if there are no more results.
	NextCursor string `json:"next_cursor,omitempty"`
}

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
