// Package dlq stores deliveries that were never confirmed within the retry
// budget, and lets operators inspect, replay and clean them up.
//
// # Overview
//
// When the reconciler finds a delivery whose retry count exceeds the
// maximum, it writes a dead-letter copy here and only then deletes the
// original delivery record. Dead-letter IDs are derived from the delivery
// key ("eventId/destination"), so escalating the same delivery twice leaves
// a single entry.
//
// The package provides:
//   - Store interface for dead-letter persistence
//   - Manager for storing, replaying, cleanup and statistics
//   - Multiple store implementations (PostgreSQL, Redis, MongoDB, Memory)
//
// # Basic Usage
//
//	store := dlq.NewPostgresStore(db)
//	manager := dlq.NewManager(store, bus)
//
//	// reconciler: retry budget exhausted
//	err := manager.Store(ctx, rec, "no confirmation after 4 attempts")
//
//	// operator: the destination is fixed, deliver again
//	replayed, err := manager.Replay(ctx, dlq.Filter{
//	    Destination:     "feedServiceEventHandler",
//	    ExcludeReplayed: true,
//	})
//
// # Monitoring
//
//	stats, err := manager.Stats(ctx)
//	fmt.Printf("Pending dead letters: %d\n", stats.PendingMessages)
//	for dest, count := range stats.MessagesByDestination {
//	    fmt.Printf("  %s: %d\n", dest, count)
//	}
//
// # Cleanup
//
//	// Remove dead letters older than 30 days
//	deleted, err := manager.Cleanup(ctx, 30*24*time.Hour)
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/camtittle/photosharing-eventbus/delivery"
	"github.com/camtittle/photosharing-eventbus/topic"
)

// ErrNotFound is returned when a dead letter does not exist.
var ErrNotFound = errors.New("dead letter not found")

// Message is a dead-lettered delivery.
//
// It carries the delivery record as it was when it was escalated, plus the
// reason and bookkeeping timestamps.
type Message struct {
	ID          string          // "eventId/destination"
	EventID     string          // Original event ID
	Topic       topic.Topic     // Original event topic
	Timestamp   int64           // Original publish time, unix ms
	Body        json.RawMessage // Original event body
	Destination string          // Destination that never confirmed
	RetryCount  int             // Retry count at escalation
	Reason      string          // Why the delivery was dead-lettered
	CreatedAt   time.Time       // When the delivery was first dead-lettered
	ReplayedAt  *time.Time      // When the message was last replayed (nil if never)
}

// MessageID returns the dead-letter ID of a delivery key.
func MessageID(key delivery.Key) string {
	return key.String()
}

// NewMessage copies rec into a dead letter.
func NewMessage(rec delivery.Record, reason string, now time.Time) *Message {
	return &Message{
		ID:          MessageID(rec.Key()),
		EventID:     rec.EventID,
		Topic:       rec.Topic,
		Timestamp:   rec.Timestamp,
		Body:        rec.Body,
		Destination: rec.Destination,
		RetryCount:  rec.RetryCount,
		Reason:      reason,
		CreatedAt:   now,
	}
}

// Key returns the key of the delivery the message was created from.
func (m *Message) Key() delivery.Key {
	return delivery.Key{EventID: m.EventID, Destination: m.Destination}
}

// Record returns a fresh pending delivery record for the same event and
// destination, with the retry budget reset.
func (m *Message) Record() delivery.Record {
	return delivery.Record{
		EventID:     m.EventID,
		Topic:       m.Topic,
		Timestamp:   m.Timestamp,
		Body:        m.Body,
		Destination: m.Destination,
	}
}

// Filter specifies criteria for listing dead letters.
//
// All fields are optional. Empty filter returns all messages.
//
// Example:
//
//	// recent comment deliveries nobody replayed yet
//	filter := dlq.Filter{
//	    Topic:           topic.Comment,
//	    StartTime:       time.Now().Add(-24 * time.Hour),
//	    ExcludeReplayed: true,
//	    Limit:           100,
//	}
type Filter struct {
	Topic           topic.Topic // Filter by topic (empty = all topics)
	Destination     string      // Filter by destination (empty = all)
	EventID         string      // Filter by original event (empty = all)
	StartTime       time.Time   // Filter messages created after this time (zero = no minimum)
	EndTime         time.Time   // Filter messages created before this time (zero = no maximum)
	Reason          string      // Filter by reason (contains match)
	ExcludeReplayed bool        // Exclude already replayed messages
	Limit           int         // Maximum results (0 = no limit)
	Offset          int         // Offset for pagination
}

// Store defines the interface for dead-letter storage.
//
// Implementations must be safe for concurrent use.
//
// Implementations:
//   - PostgresStore: For PostgreSQL databases
//   - RedisStore: For Redis (see redis.go)
//   - MongoStore: For MongoDB (see mongodb.go)
//   - MemoryStore: For local mode and testing (see memory.go)
type Store interface {
	// Store upserts a message by ID. Storing an existing ID keeps its
	// original CreatedAt.
	Store(ctx context.Context, msg *Message) error

	// Get retrieves a single message by ID.
	// Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, id string) (*Message, error)

	// List returns messages matching the filter, newest first.
	// Returns empty slice if no matches.
	List(ctx context.Context, filter Filter) ([]*Message, error)

	// Count returns the number of messages matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// MarkReplayed sets ReplayedAt to the current time.
	MarkReplayed(ctx context.Context, id string) error

	// Delete removes a message.
	Delete(ctx context.Context, id string) error

	// DeleteOlderThan removes messages older than the specified age.
	// Returns the number of deleted messages.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Stats provides dead-letter statistics.
type Stats struct {
	TotalMessages         int64            `json:"total_messages"`
	MessagesByTopic       map[string]int64 `json:"messages_by_topic"`
	MessagesByDestination map[string]int64 `json:"messages_by_destination"`
	OldestMessage         *time.Time       `json:"oldest_message,omitempty"`
	NewestMessage         *time.Time       `json:"newest_message,omitempty"`
	ReplayedMessages      int64            `json:"replayed_messages"`
	PendingMessages       int64            `json:"pending_messages"`
}

// StatsProvider is an optional interface for stores that compute
// statistics natively.
type StatsProvider interface {
	Stats(ctx context.Context) (*Stats, error)
}

// matches checks if a message matches the filter criteria, ignoring
// pagination.
func (f Filter) matches(msg *Message) bool {
	if f.Topic != "" && msg.Topic != f.Topic {
		return false
	}
	if f.Destination != "" && msg.Destination != f.Destination {
		return false
	}
	if f.EventID != "" && msg.EventID != f.EventID {
		return false
	}
	if !f.StartTime.IsZero() && msg.CreatedAt.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && msg.CreatedAt.After(f.EndTime) {
		return false
	}
	if f.Reason != "" && !containsFold(msg.Reason, f.Reason) {
		return false
	}
	if f.ExcludeReplayed && msg.ReplayedAt != nil {
		return false
	}
	return true
}

// paginate applies Offset and Limit.
func paginate(msgs []*Message, f Filter) []*Message {
	if f.Offset >= len(msgs) {
		return nil
	}
	msgs = msgs[f.Offset:]
	if f.Limit > 0 && len(msgs) > f.Limit {
		msgs = msgs[:f.Limit]
	}
	return msgs
}
