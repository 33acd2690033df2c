package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/camtittle/photosharing-eventbus/topic"
)

/*
Redis Schema:

- Hash: dlq:msg:{id} - message details
- Sorted set: dlq:index - every message ID, score = created_at (unix ms)
- Set: dlq:by_topic:{topic} - message IDs by topic
- Set: dlq:replayed - IDs of replayed messages
*/

// RedisStore is a Redis-based dead-letter store
type RedisStore struct {
	client      redis.Cmdable
	indexKey    string
	msgPrefix   string
	topicPrefix string
	replayedKey string
}

// NewRedisStore creates a new Redis dead-letter store
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{
		client:      client,
		indexKey:    "dlq:index",
		msgPrefix:   "dlq:msg:",
		topicPrefix: "dlq:by_topic:",
		replayedKey: "dlq:replayed",
	}
}

// WithKeyPrefix sets a custom key prefix
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.indexKey = prefix + "index"
	s.msgPrefix = prefix + "msg:"
	s.topicPrefix = prefix + "by_topic:"
	s.replayedKey = prefix + "replayed"
	return s
}

// Store upserts a message. created_at and the index score are only set
// the first time an ID is stored.
func (s *RedisStore) Store(ctx context.Context, msg *Message) error {
	msgKey := s.msgPrefix + msg.ID

	fields := map[string]any{
		"id":          msg.ID,
		"event_id":    msg.EventID,
		"topic":       string(msg.Topic),
		"timestamp":   msg.Timestamp,
		"body":        []byte(msg.Body),
		"destination": msg.Destination,
		"retry_count": msg.RetryCount,
		"reason":      msg.Reason,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, msgKey, fields)
	pipe.HSetNX(ctx, msgKey, "created_at", msg.CreatedAt.UnixMilli())
	pipe.ZAddNX(ctx, s.indexKey, redis.Z{Score: float64(msg.CreatedAt.UnixMilli()), Member: msg.ID})
	pipe.SAdd(ctx, s.topicPrefix+string(msg.Topic), msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// Get retrieves a single message by ID
func (s *RedisStore) Get(ctx context.Context, id string) (*Message, error) {
	fields, err := s.client.HGetAll(ctx, s.msgPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseMessage(fields)
}

// parseMessage converts hash fields to Message
func parseMessage(fields map[string]string) (*Message, error) {
	msg := &Message{
		ID:          fields["id"],
		EventID:     fields["event_id"],
		Topic:       topic.Topic(fields["topic"]),
		Body:        []byte(fields["body"]),
		Destination: fields["destination"],
		Reason:      fields["reason"],
	}

	if ts := fields["timestamp"]; ts != "" {
		msg.Timestamp, _ = strconv.ParseInt(ts, 10, 64)
	}
	if rc := fields["retry_count"]; rc != "" {
		msg.RetryCount, _ = strconv.Atoi(rc)
	}
	if ts := fields["created_at"]; ts != "" {
		ms, _ := strconv.ParseInt(ts, 10, 64)
		msg.CreatedAt = time.UnixMilli(ms)
	}
	if ts := fields["replayed_at"]; ts != "" {
		ms, _ := strconv.ParseInt(ts, 10, 64)
		t := time.UnixMilli(ms)
		msg.ReplayedAt = &t
	}
	return msg, nil
}

// List returns messages matching the filter, newest first
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, s.indexKey, s.scoreRange(filter)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrangebyscore: %w", err)
	}

	var messages []*Message
	for _, id := range ids {
		msg, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if filter.matches(msg) {
			messages = append(messages, msg)
		}
	}
	return paginate(messages, filter), nil
}

func (s *RedisStore) scoreRange(filter Filter) *redis.ZRangeBy {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !filter.StartTime.IsZero() {
		rng.Min = strconv.FormatInt(filter.StartTime.UnixMilli(), 10)
	}
	if !filter.EndTime.IsZero() {
		rng.Max = strconv.FormatInt(filter.EndTime.UnixMilli(), 10)
	}
	return rng
}

// Count returns the number of messages matching the filter
func (s *RedisStore) Count(ctx context.Context, filter Filter) (int64, error) {
	if filter == (Filter{}) {
		return s.client.ZCard(ctx, s.indexKey).Result()
	}
	if filter == (Filter{Topic: filter.Topic}) {
		return s.client.SCard(ctx, s.topicPrefix+string(filter.Topic)).Result()
	}

	filter.Limit, filter.Offset = 0, 0
	messages, err := s.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(messages)), nil
}

// MarkReplayed marks a message as replayed
func (s *RedisStore) MarkReplayed(ctx context.Context, id string) error {
	msgKey := s.msgPrefix + id

	exists, err := s.client.Exists(ctx, msgKey).Result()
	if err != nil {
		return fmt.Errorf("exists: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, msgKey, "replayed_at", time.Now().UnixMilli())
	pipe.SAdd(ctx, s.replayedKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	return nil
}

// Delete removes a message
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.msgPrefix+id)
	pipe.ZRem(ctx, s.indexKey, id)
	pipe.SRem(ctx, s.topicPrefix+string(msg.Topic), id)
	pipe.SRem(ctx, s.replayedKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// DeleteOlderThan removes messages older than the specified age
func (s *RedisStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()

	ids, err := s.client.ZRangeByScore(ctx, s.indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}

	var deleted int64
	for _, id := range ids {
		if err := s.Delete(ctx, id); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

// Stats returns dead-letter statistics
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	messages, err := s.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	stats := newStats()
	for _, msg := range messages {
		stats.add(msg)
	}
	return stats, nil
}

// Compile-time checks
var _ Store = (*RedisStore)(nil)
var _ StatsProvider = (*RedisStore)(nil)
