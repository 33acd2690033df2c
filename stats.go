package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/camtittle/photosharing-eventbus/delivery"
	"github.com/camtittle/photosharing-eventbus/topic"
)

// Throughput describes how fast a set of deliveries was confirmed.
type Throughput struct {
	Count          int     `json:"count"`
	FirstPublished int64   `json:"firstPublished,omitempty"` // unix ms
	LastReceived   int64   `json:"lastReceived,omitempty"`   // unix ms
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	PerSecond      float64 `json:"perSecond"`
}

// Stats measures throughput over confirmed records matching filter and,
// when non-nil, predicate. Elapsed time runs from the earliest publish
// timestamp to the latest receipt. Only records kept by the mark retention
// policy can be measured.
func (b *Bus) Stats(ctx context.Context, filter delivery.Filter, predicate func(delivery.Record) bool) (*Throughput, error) {
	filter.Status = delivery.StatusReceived
	recs, err := b.tracker.FindByFilter(ctx, filter, predicate)
	if err != nil {
		return nil, fmt.Errorf("find deliveries: %w", err)
	}
	return throughputOf(recs), nil
}

func throughputOf(recs []delivery.Record) *Throughput {
	out := &Throughput{}
	for _, rec := range recs {
		if rec.ReceivedAt == nil {
			continue
		}
		out.Count++
		if out.FirstPublished == 0 || rec.Timestamp < out.FirstPublished {
			out.FirstPublished = rec.Timestamp
		}
		if *rec.ReceivedAt > out.LastReceived {
			out.LastReceived = *rec.ReceivedAt
		}
	}
	if out.Count == 0 {
		return out
	}

	elapsed := out.LastReceived - out.FirstPublished
	if elapsed <= 0 {
		return out
	}
	out.ElapsedSeconds = float64(elapsed) / 1000
	out.PerSecond = float64(out.Count) / out.ElapsedSeconds
	return out
}

// CommentContentIs matches comment deliveries whose body content equals
// content. Load tests tag their comments this way.
func CommentContentIs(content string) func(delivery.Record) bool {
	return func(rec delivery.Record) bool {
		if rec.Topic != topic.Comment {
			return false
		}
		var body topic.CommentEvent
		if err := json.Unmarshal(rec.Body, &body); err != nil {
			return false
		}
		return body.Content == content
	}
}
