package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/camtittle/photosharing-eventbus/topic"
)

/*
Redis Schema:

- Hash: delivery:rec:{eventId}\x1f{destination} - record fields
- Sorted set: delivery:index - every record, score = publish timestamp
- Sorted set: delivery:pending - unresolved records, score = publish timestamp
- Set: delivery:event:{eventId} - destinations of one event

Sorted-set members are "{eventId}\x1f{destination}". Members sharing a
score sort lexicographically, which gives the (Timestamp, EventID,
Destination) scan order.
*/

const memberSep = "\x1f"

// updateRetryScript raises retry_count only for an existing, unresolved
// record whose stored count is lower than ARGV[1].
var updateRetryScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	if redis.call('HEXISTS', KEYS[1], 'received_at') == 1 then
		return 0
	end
	local current = tonumber(redis.call('HGET', KEYS[1], 'retry_count') or '0')
	if current >= tonumber(ARGV[1]) then
		return 0
	end
	redis.call('HSET', KEYS[1], 'retry_count', ARGV[1])
	return 1
`)

// markReceivedScript sets received_at once and drops the record from the
// pending index.
var markReceivedScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	if redis.call('HEXISTS', KEYS[1], 'received_at') == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'received_at', ARGV[1])
	redis.call('ZREM', KEYS[2], ARGV[2])
	return 1
`)

// deleteUnresolvedScript removes an existing record without received_at
// along with its index entries.
var deleteUnresolvedScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	if redis.call('HEXISTS', KEYS[1], 'received_at') == 1 then
		return 0
	end
	redis.call('DEL', KEYS[1])
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZREM', KEYS[3], ARGV[1])
	redis.call('SREM', KEYS[4], ARGV[2])
	return 1
`)

// RedisStore is a Redis-based delivery store
type RedisStore struct {
	client      redis.Cmdable
	recPrefix   string
	indexKey    string
	pendingKey  string
	eventPrefix string
}

// NewRedisStore creates a new Redis delivery store
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{
		client:      client,
		recPrefix:   "delivery:rec:",
		indexKey:    "delivery:index",
		pendingKey:  "delivery:pending",
		eventPrefix: "delivery:event:",
	}
}

// WithKeyPrefix sets a custom key prefix
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.recPrefix = prefix + "rec:"
	s.indexKey = prefix + "index"
	s.pendingKey = prefix + "pending"
	s.eventPrefix = prefix + "event:"
	return s
}

func member(key Key) string {
	return key.EventID + memberSep + key.Destination
}

func parseMember(m string) (Key, bool) {
	eventID, dest, ok := strings.Cut(m, memberSep)
	return Key{EventID: eventID, Destination: dest}, ok
}

func (s *RedisStore) recKey(key Key) string {
	return s.recPrefix + member(key)
}

// Put inserts or replaces a record
func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	key := rec.Key()
	if err := key.Validate(); err != nil {
		return err
	}

	fields := map[string]any{
		"event_id":    rec.EventID,
		"topic":       string(rec.Topic),
		"timestamp":   rec.Timestamp,
		"body":        []byte(rec.Body),
		"destination": rec.Destination,
		"retry_count": rec.RetryCount,
	}
	if rec.ReceivedAt != nil {
		fields["received_at"] = *rec.ReceivedAt
	}

	m := member(key)
	score := float64(rec.Timestamp)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recKey(key))
	pipe.HSet(ctx, s.recKey(key), fields)
	pipe.ZAdd(ctx, s.indexKey, redis.Z{Score: score, Member: m})
	if rec.Received() {
		pipe.ZRem(ctx, s.pendingKey, m)
	} else {
		pipe.ZAdd(ctx, s.pendingKey, redis.Z{Score: score, Member: m})
	}
	pipe.SAdd(ctx, s.eventPrefix+rec.EventID, rec.Destination)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	return nil
}

// UpdateRetryCount conditionally raises the retry count
func (s *RedisStore) UpdateRetryCount(ctx context.Context, key Key, retryCount int) (bool, error) {
	applied, err := updateRetryScript.Run(ctx, s.client, []string{s.recKey(key)}, retryCount).Int()
	if err != nil {
		return false, fmt.Errorf("update retry count: %w", err)
	}
	return applied == 1, nil
}

// MarkReceived conditionally sets the receipt time
func (s *RedisStore) MarkReceived(ctx context.Context, key Key, at int64) (bool, error) {
	applied, err := markReceivedScript.Run(ctx, s.client,
		[]string{s.recKey(key), s.pendingKey},
		at, member(key),
	).Int()
	if err != nil {
		return false, fmt.Errorf("mark received: %w", err)
	}
	return applied == 1, nil
}

// Delete removes a record
func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	m := member(key)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recKey(key))
	pipe.ZRem(ctx, s.indexKey, m)
	pipe.ZRem(ctx, s.pendingKey, m)
	pipe.SRem(ctx, s.eventPrefix+key.EventID, key.Destination)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// DeleteUnresolved removes a record that was never received
func (s *RedisStore) DeleteUnresolved(ctx context.Context, key Key) (bool, error) {
	applied, err := deleteUnresolvedScript.Run(ctx, s.client,
		[]string{s.recKey(key), s.indexKey, s.pendingKey, s.eventPrefix + key.EventID},
		member(key), key.Destination,
	).Int()
	if err != nil {
		return false, fmt.Errorf("delete unresolved: %w", err)
	}
	return applied == 1, nil
}

// Get retrieves a single record
func (s *RedisStore) Get(ctx context.Context, key Key) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseRecord(fields)
}

// GetMany retrieves the existing records among keys
func (s *RedisStore) GetMany(ctx context.Context, keys []Key) ([]Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, s.recKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("batch get: %w", err)
	}

	var out []Record
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("hgetall: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := parseRecord(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// QueryEvent returns every record of one event
func (s *RedisStore) QueryEvent(ctx context.Context, eventID string) ([]Record, error) {
	dests, err := s.client.SMembers(ctx, s.eventPrefix+eventID).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers: %w", err)
	}

	keys := make([]Key, len(dests))
	for i, d := range dests {
		keys[i] = Key{EventID: eventID, Destination: d}
	}
	recs, err := s.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	sortRecords(recs)
	return recs, nil
}

// Scan walks the timestamp index in batches, filtering each batch in
// memory until the page is full. StatusPending scans use the smaller
// pending index.
func (s *RedisStore) Scan(ctx context.Context, filter Filter) (*Page, error) {
	cur, err := decodeCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}

	index := s.indexKey
	if filter.Status == StatusPending {
		index = s.pendingKey
	}

	minScore := "-inf"
	if filter.Since > 0 {
		minScore = strconv.FormatInt(filter.Since, 10)
	}
	if cur != nil && (filter.Since <= 0 || cur.Timestamp > filter.Since) {
		minScore = strconv.FormatInt(cur.Timestamp, 10)
	}
	maxScore := "+inf"
	if filter.Before > 0 {
		maxScore = "(" + strconv.FormatInt(filter.Before, 10)
	}

	limit := pageSize(filter.Limit)
	batch := int64(limit)
	var matches []Record
	var offset int64

	for len(matches) <= limit {
		members, err := s.client.ZRangeByScoreWithScores(ctx, index, &redis.ZRangeBy{
			Min:    minScore,
			Max:    maxScore,
			Offset: offset,
			Count:  batch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("zrangebyscore: %w", err)
		}
		if len(members) == 0 {
			break
		}
		offset += int64(len(members))

		keys := make([]Key, 0, len(members))
		for _, z := range members {
			m, _ := z.Member.(string)
			key, ok := parseMember(m)
			if !ok {
				continue
			}
			pos := cursor{Timestamp: int64(z.Score), EventID: key.EventID, Destination: key.Destination}
			if cur != nil && compare(pos, *cur) <= 0 {
				continue
			}
			keys = append(keys, key)
		}

		recs, err := s.GetMany(ctx, keys)
		if err != nil {
			return nil, err
		}
		sortRecords(recs)
		for _, rec := range recs {
			if filter.Matches(rec) {
				matches = append(matches, rec)
			}
		}

		if int64(len(members)) < batch {
			break
		}
	}

	page := &Page{Records: matches}
	if len(matches) > limit {
		page.Records = matches[:limit]
		page.NextCursor = encodeCursor(cursorOf(matches[limit-1]))
	}
	return page, nil
}

// parseRecord converts hash fields to Record
func parseRecord(fields map[string]string) (*Record, error) {
	rec := &Record{
		EventID:     fields["event_id"],
		Topic:       topic.Topic(fields["topic"]),
		Body:        []byte(fields["body"]),
		Destination: fields["destination"],
	}

	var err error
	if rec.Timestamp, err = strconv.ParseInt(fields["timestamp"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	if rc := fields["retry_count"]; rc != "" {
		if rec.RetryCount, err = strconv.Atoi(rc); err != nil {
			return nil, fmt.Errorf("parse retry count: %w", err)
		}
	}
	if ra := fields["received_at"]; ra != "" {
		at, err := strconv.ParseInt(ra, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse received at: %w", err)
		}
		rec.ReceivedAt = &at
	}
	return rec, nil
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
