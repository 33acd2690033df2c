package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/camtittle/photosharing-eventbus/topic"
)

/*
MongoDB Schema:

Collection: event_deliveries

Document structure:
{
    "_id": { "event_id": string, "destination": string },
    "topic": string,
    "timestamp": int64 (unix ms),
    "body": string (raw JSON),
    "retry_count": int,
    "received_at": int64 (unix ms, absent while pending)
}

Indexes:
db.event_deliveries.createIndex({ "timestamp": 1, "_id.event_id": 1, "_id.destination": 1 })
db.event_deliveries.createIndex({ "received_at": 1, "timestamp": 1 })
*/

// MongoKey is the compound _id of a delivery document
type MongoKey struct {
	EventID     string `bson:"event_id"`
	Destination string `bson:"destination"`
}

// MongoRecord represents a delivery record document in MongoDB
type MongoRecord struct {
	ID         MongoKey `bson:"_id"`
	Topic      string   `bson:"topic"`
	Timestamp  int64    `bson:"timestamp"`
	Body       string   `bson:"body"`
	RetryCount int      `bson:"retry_count"`
	ReceivedAt *int64   `bson:"received_at,omitempty"`
}

// ToRecord converts MongoRecord to Record
func (m *MongoRecord) ToRecord() Record {
	return Record{
		EventID:     m.ID.EventID,
		Topic:       topic.Topic(m.Topic),
		Timestamp:   m.Timestamp,
		Body:        json.RawMessage(m.Body),
		Destination: m.ID.Destination,
		RetryCount:  m.RetryCount,
		ReceivedAt:  m.ReceivedAt,
	}
}

// FromRecord creates a MongoRecord from Record
func FromRecord(r Record) *MongoRecord {
	return &MongoRecord{
		ID:         MongoKey{EventID: r.EventID, Destination: r.Destination},
		Topic:      string(r.Topic),
		Timestamp:  r.Timestamp,
		Body:       string(r.Body),
		RetryCount: r.RetryCount,
		ReceivedAt: r.ReceivedAt,
	}
}

// MongoStore is a MongoDB-based delivery store
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a new MongoDB delivery store
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("event_deliveries"),
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

// Indexes returns the indexes used by Scan and stale-record queries.
func (s *MongoStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "timestamp", Value: 1},
				{Key: "_id.event_id", Value: 1},
				{Key: "_id.destination", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "received_at", Value: 1},
				{Key: "timestamp", Value: 1},
			},
		},
	}
}

// EnsureIndexes creates the required indexes
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

func keyFilter(key Key) bson.M {
	return bson.M{"_id": MongoKey{EventID: key.EventID, Destination: key.Destination}}
}

// Put inserts or replaces a record
func (s *MongoStore) Put(ctx context.Context, rec Record) error {
	if err := rec.Key().Validate(); err != nil {
		return err
	}

	doc := FromRecord(rec)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return fmt.Errorf("replace: %w", err)
	}
	return nil
}

// UpdateRetryCount conditionally raises the retry count
func (s *MongoStore) UpdateRetryCount(ctx context.Context, key Key, retryCount int) (bool, error) {
	filter := keyFilter(key)
	filter["received_at"] = bson.M{"$exists": false}
	filter["retry_count"] = bson.M{"$lt": retryCount}

	result, err := s.collection.UpdateOne(ctx, filter, bson.M{
		"$set": bson.M{"retry_count": retryCount},
	})
	if err != nil {
		return false, fmt.Errorf("update: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

// MarkReceived conditionally sets the receipt time
func (s *MongoStore) MarkReceived(ctx context.Context, key Key, at int64) (bool, error) {
	filter := keyFilter(key)
	filter["received_at"] = bson.M{"$exists": false}

	result, err := s.collection.UpdateOne(ctx, filter, bson.M{
		"$set": bson.M{"received_at": at},
	})
	if err != nil {
		return false, fmt.Errorf("update: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

// Delete removes a record
func (s *MongoStore) Delete(ctx context.Context, key Key) error {
	if _, err := s.collection.DeleteOne(ctx, keyFilter(key)); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// DeleteUnresolved removes a record that was never received
func (s *MongoStore) DeleteUnresolved(ctx context.Context, key Key) (bool, error) {
	filter := keyFilter(key)
	filter["received_at"] = bson.M{"$exists": false}

	result, err := s.collection.DeleteOne(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("delete: %w", err)
	}
	return result.DeletedCount > 0, nil
}

// Get retrieves a single record
func (s *MongoStore) Get(ctx context.Context, key Key) (*Record, error) {
	var doc MongoRecord
	err := s.collection.FindOne(ctx, keyFilter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	rec := doc.ToRecord()
	return &rec, nil
}

// GetMany retrieves the existing records among keys
func (s *MongoStore) GetMany(ctx context.Context, keys []Key) ([]Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	ids := make([]MongoKey, len(keys))
	for i, key := range keys {
		ids[i] = MongoKey{EventID: key.EventID, Destination: key.Destination}
	}
	return s.find(ctx, bson.M{"_id": bson.M{"$in": ids}}, nil)
}

// QueryEvent returns every record of one event
func (s *MongoStore) QueryEvent(ctx context.Context, eventID string) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id.destination", Value: 1}})
	return s.find(ctx, bson.M{"_id.event_id": eventID}, opts)
}

// Scan returns a page of records matching the filter
func (s *MongoStore) Scan(ctx context.Context, filter Filter) (*Page, error) {
	cur, err := decodeCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}

	query := bson.M{}
	if filter.Topic != "" {
		query["topic"] = string(filter.Topic)
	}
	if filter.Destination != "" {
		query["_id.destination"] = filter.Destination
	}
	switch filter.Status {
	case StatusPending:
		query["received_at"] = bson.M{"$exists": false}
	case StatusReceived:
		query["received_at"] = bson.M{"$exists": true}
	}

	ts := bson.M{}
	if filter.Since > 0 {
		ts["$gte"] = filter.Since
	}
	if filter.Before > 0 {
		ts["$lt"] = filter.Before
	}
	if len(ts) > 0 {
		query["timestamp"] = ts
	}

	if cur != nil {
		query["$or"] = bson.A{
			bson.M{"timestamp": bson.M{"$gt": cur.Timestamp}},
			bson.M{"timestamp": cur.Timestamp, "_id.event_id": bson.M{"$gt": cur.EventID}},
			bson.M{"timestamp": cur.Timestamp, "_id.event_id": cur.EventID, "_id.destination": bson.M{"$gt": cur.Destination}},
		}
	}

	limit := pageSize(filter.Limit)
	opts := options.Find().
		SetSort(bson.D{
			{Key: "timestamp", Value: 1},
			{Key: "_id.event_id", Value: 1},
			{Key: "_id.destination", Value: 1},
		}).
		SetLimit(int64(limit + 1))

	recs, err := s.find(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	page := &Page{Records: recs}
	if len(recs) > limit {
		page.Records = recs[:limit]
		page.NextCursor = encodeCursor(cursorOf(recs[limit-1]))
	}
	return page, nil
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]Record, error) {
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Record
	for cursor.Next(ctx) {
		var doc MongoRecord
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		out = append(out, doc.ToRecord())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor: %w", err)
	}
	return out, nil
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
