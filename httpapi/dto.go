package httpapi

import (
	"encoding/json"
	"time"

	"github.com/camtittle/photosharing-eventbus/dlq"
	"github.com/camtittle/photosharing-eventbus/topic"
)

// PublishRequest is the body of POST /v1/events. The server assigns the
// event ID and timestamp.
type PublishRequest struct {
	Topic topic.Topic     `json:"topic" binding:"required"`
	Body  json.RawMessage `json:"body" binding:"required"`
}

// PublishResponse carries the ID of the accepted event.
type PublishResponse struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// DeadLetterResponse is the JSON form of a dlq.Message.
type DeadLetterResponse struct {
	ID          string          `json:"id"`
	EventID     string          `json:"eventId"`
	Topic       topic.Topic     `json:"topic"`
	Timestamp   int64           `json:"timestamp"`
	Body        json.RawMessage `json:"body"`
	Destination string          `json:"destination"`
	RetryCount  int             `json:"retryCount"`
	Reason      string          `json:"reason"`
	CreatedAt   time.Time       `json:"createdAt"`
	ReplayedAt  *time.Time      `json:"replayedAt,omitempty"`
}

func mapDeadLetters(msgs []*dlq.Message) []DeadLetterResponse {
	out := make([]DeadLetterResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, DeadLetterResponse{
			ID:          m.ID,
			EventID:     m.EventID,
			Topic:       m.Topic,
			Timestamp:   m.Timestamp,
			Body:        m.Body,
			Destination: m.Destination,
			RetryCount:  m.RetryCount,
			Reason:      m.Reason,
			CreatedAt:   m.CreatedAt,
			ReplayedAt:  m.ReplayedAt,
		})
	}
	return out
}

// ReplayResponse reports how many dead letters were delivered again.
type ReplayResponse struct {
	Replayed int `json:"replayed"`
}

type errorResponse struct {
	Error string `json:"error"`
}
