package delivery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Store is the durable keyed store holding delivery records.
//
// Implementations must be safe for concurrent use. Conditional operations
// report whether their condition held; a failed condition is not an error.
//
// Implementations:
//   - MemoryStore: for local mode and testing
//   - RedisStore: hashes plus sorted-set indexes, Lua for conditional writes
//   - MongoStore: conditional UpdateOne filters
//   - PostgresStore: conditional UPDATE ... WHERE
type Store interface {
	// Put inserts or replaces a record.
	Put(ctx context.Context, rec Record) error

	// UpdateRetryCount sets RetryCount to retryCount only when the record
	// exists, is unresolved, and its stored RetryCount is lower.
	UpdateRetryCount(ctx context.Context, key Key, retryCount int) (bool, error)

	// MarkReceived sets ReceivedAt only when the record exists and has no
	// ReceivedAt yet.
	MarkReceived(ctx context.Context, key Key, at int64) (bool, error)

	// Delete removes a record. Deleting a missing record is a no-op.
	Delete(ctx context.Context, key Key) error

	// DeleteUnresolved removes a record only when it exists and has no
	// ReceivedAt.
	DeleteUnresolved(ctx context.Context, key Key) (bool, error)

	// Get returns a record or ErrNotFound.
	Get(ctx context.Context, key Key) (*Record, error)

	// GetMany returns the records that exist among keys. Missing keys are
	// skipped; order is unspecified.
	GetMany(ctx context.Context, keys []Key) ([]Record, error)

	// QueryEvent returns every record of one event.
	QueryEvent(ctx context.Context, eventID string) ([]Record, error)

	// Scan returns a page of records matching the filter, ordered by
	// (Timestamp, EventID, Destination).
	Scan(ctx context.Context, filter Filter) (*Page, error)
}

// Page sizes
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

// cursor is the position of the last record of a page.
type cursor struct {
	Timestamp   int64  `json:"ts"`
	EventID     string `json:"id"`
	Destination string `json:"dst"`
}

func cursorOf(r Record) cursor {
	return cursor{Timestamp: r.Timestamp, EventID: r.EventID, Destination: r.Destination}
}

// encodeCursor encodes a cursor to a string.
func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(data)
}

// decodeCursor decodes a cursor from a string.
func decodeCursor(s string) (*cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return &c, nil
}

// after reports whether r sorts strictly after the cursor position.
func (c *cursor) after(r Record) bool {
	if c == nil {
		return true
	}
	return compare(cursorOf(r), *c) > 0
}

func compare(a, b cursor) int {
	switch {
	case a.Timestamp < b.Timestamp:
		return -1
	case a.Timestamp > b.Timestamp:
		return 1
	}
	if n := strings.Compare(a.EventID, b.EventID); n != 0 {
		return n
	}
	return strings.Compare(a.Destination, b.Destination)
}

// ScanAll pages through every record matching filter.
func ScanAll(ctx context.Context, s Store, filter Filter) ([]Record, error) {
	var out []Record
	for {
		page, err := s.Scan(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if page.NextCursor == "" {
			return out, nil
		}
		filter.Cursor = page.NextCursor
	}
}
