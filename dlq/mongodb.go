package dlq

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/camtittle/photosharing-eventbus/topic"
)

/*
MongoDB Schema:

Collection: event_dead_letters

Document structure:
{
    "_id": string ("eventId/destination"),
    "event_id": string,
    "topic": string,
    "timestamp": long (unix ms),
    "body": string (JSON),
    "destination": string,
    "retry_count": int,
    "reason": string,
    "created_at": ISODate,
    "replayed_at": ISODate (optional)
}

Indexes:
db.event_dead_letters.createIndex({ "topic": 1, "created_at": -1 })
db.event_dead_letters.createIndex({ "destination": 1, "created_at": -1 })
db.event_dead_letters.createIndex({ "created_at": 1 })
db.event_dead_letters.createIndex({ "replayed_at": 1 }, { sparse: true })
*/

// MongoMessage represents a dead-letter document in MongoDB
type MongoMessage struct {
	ID          string     `bson:"_id"`
	EventID     string     `bson:"event_id"`
	Topic       string     `bson:"topic"`
	Timestamp   int64      `bson:"timestamp"`
	Body        string     `bson:"body"`
	Destination string     `bson:"destination"`
	RetryCount  int        `bson:"retry_count"`
	Reason      string     `bson:"reason"`
	CreatedAt   time.Time  `bson:"created_at"`
	ReplayedAt  *time.Time `bson:"replayed_at,omitempty"`
}

// ToMessage converts MongoMessage to Message
func (m *MongoMessage) ToMessage() *Message {
	return &Message{
		ID:          m.ID,
		EventID:     m.EventID,
		Topic:       topic.Topic(m.Topic),
		Timestamp:   m.Timestamp,
		Body:        []byte(m.Body),
		Destination: m.Destination,
		RetryCount:  m.RetryCount,
		Reason:      m.Reason,
		CreatedAt:   m.CreatedAt,
		ReplayedAt:  m.ReplayedAt,
	}
}

// FromMessage creates a MongoMessage from Message
func FromMessage(m *Message) *MongoMessage {
	return &MongoMessage{
		ID:          m.ID,
		EventID:     m.EventID,
		Topic:       string(m.Topic),
		Timestamp:   m.Timestamp,
		Body:        string(m.Body),
		Destination: m.Destination,
		RetryCount:  m.RetryCount,
		Reason:      m.Reason,
		CreatedAt:   m.CreatedAt,
		ReplayedAt:  m.ReplayedAt,
	}
}

// MongoStore is a MongoDB-based dead-letter store
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a new MongoDB dead-letter store
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("event_dead_letters"),
	}
}

// WithCollection sets a custom collection name
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Collection returns the underlying MongoDB collection
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// Indexes returns the required indexes for the dead-letter collection.
func (s *MongoStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "topic", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "destination", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{
			Keys:    bson.D{{Key: "replayed_at", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	}
}

// EnsureIndexes creates the required indexes for the dead-letter collection
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Store upserts a message. created_at is only written on insert.
func (s *MongoStore) Store(ctx context.Context, msg *Message) error {
	doc := FromMessage(msg)

	update := bson.M{
		"$set": bson.M{
			"event_id":    doc.EventID,
			"topic":       doc.Topic,
			"timestamp":   doc.Timestamp,
			"body":        doc.Body,
			"destination": doc.Destination,
			"retry_count": doc.RetryCount,
			"reason":      doc.Reason,
		},
		"$setOnInsert": bson.M{
			"created_at": doc.CreatedAt,
		},
	}

	opts := options.Update().SetUpsert(true)
	if _, err := s.collection.UpdateByID(ctx, doc.ID, update, opts); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Get retrieves a single message by ID
func (s *MongoStore) Get(ctx context.Context, id string) (*Message, error) {
	var doc MongoMessage
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	return doc.ToMessage(), nil
}

// List returns messages matching the filter
func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := s.collection.Find(ctx, s.buildFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []*Message
	for cursor.Next(ctx) {
		var doc MongoMessage
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		messages = append(messages, doc.ToMessage())
	}
	return messages, cursor.Err()
}

// Count returns the number of messages matching the filter
func (s *MongoStore) Count(ctx context.Context, filter Filter) (int64, error) {
	return s.collection.CountDocuments(ctx, s.buildFilter(filter))
}

// buildFilter creates a MongoDB filter from a dead-letter Filter
func (s *MongoStore) buildFilter(filter Filter) bson.M {
	mongoFilter := bson.M{}

	if filter.Topic != "" {
		mongoFilter["topic"] = string(filter.Topic)
	}
	if filter.Destination != "" {
		mongoFilter["destination"] = filter.Destination
	}
	if filter.EventID != "" {
		mongoFilter["event_id"] = filter.EventID
	}

	created := bson.M{}
	if !filter.StartTime.IsZero() {
		created["$gte"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		created["$lte"] = filter.EndTime
	}
	if len(created) > 0 {
		mongoFilter["created_at"] = created
	}

	if filter.Reason != "" {
		mongoFilter["reason"] = primitive.Regex{Pattern: regexp.QuoteMeta(filter.Reason), Options: "i"}
	}
	if filter.ExcludeReplayed {
		mongoFilter["replayed_at"] = nil
	}
	return mongoFilter
}

// MarkReplayed marks a message as replayed
func (s *MongoStore) MarkReplayed(ctx context.Context, id string) error {
	update := bson.M{"$set": bson.M{"replayed_at": time.Now()}}

	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a message
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOlderThan removes messages older than the specified age
func (s *MongoStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)

	result, err := s.collection.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return result.DeletedCount, nil
}

// Stats returns dead-letter statistics
func (s *MongoStore) Stats(ctx context.Context) (*Stats, error) {
	stats := newStats()

	total, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("count total: %w", err)
	}
	stats.TotalMessages = total

	pending, err := s.collection.CountDocuments(ctx, bson.M{"replayed_at": nil})
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	stats.PendingMessages = pending
	stats.ReplayedMessages = total - pending

	if err := s.groupCount(ctx, "$topic", stats.MessagesByTopic); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "$destination", stats.MessagesByDestination); err != nil {
		return nil, err
	}

	var oldest, newest MongoMessage
	if err := s.collection.FindOne(ctx, bson.M{}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})).Decode(&oldest); err == nil {
		stats.OldestMessage = &oldest.CreatedAt
	}
	if err := s.collection.FindOne(ctx, bson.M{}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&newest); err == nil {
		stats.NewestMessage = &newest.CreatedAt
	}
	return stats, nil
}

func (s *MongoStore) groupCount(ctx context.Context, field string, into map[string]int64) error {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   field,
			"count": bson.M{"$sum": 1},
		}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return fmt.Errorf("aggregate by %s: %w", field, err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var result struct {
			Key   string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := cursor.Decode(&result); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		into[result.Key] = result.Count
	}
	return cursor.Err()
}

// Compile-time checks
var _ Store = (*MongoStore)(nil)
var _ StatsProvider = (*MongoStore)(nil)
