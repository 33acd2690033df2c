package dlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/camtittle/photosharing-eventbus/topic"
)

/*
PostgreSQL Schema:

CREATE TABLE event_dead_letters (
    id          VARCHAR(320) PRIMARY KEY,
    event_id    VARCHAR(64)  NOT NULL,
    topic       VARCHAR(32)  NOT NULL,
    timestamp   BIGINT       NOT NULL,
    body        JSONB        NOT NULL,
    destination VARCHAR(255) NOT NULL,
    retry_count INT          NOT NULL DEFAULT 0,
    reason      TEXT         NOT NULL,
    created_at  TIMESTAMP    NOT NULL DEFAULT NOW(),
    replayed_at TIMESTAMP
);

CREATE INDEX idx_dead_letters_topic ON event_dead_letters(topic);
CREATE INDEX idx_dead_letters_destination ON event_dead_letters(destination);
CREATE INDEX idx_dead_letters_created_at ON event_dead_letters(created_at);
CREATE INDEX idx_dead_letters_pending ON event_dead_letters(replayed_at) WHERE replayed_at IS NULL;
*/

const messageColumns = "id, event_id, topic, timestamp, body, destination, retry_count, reason, created_at, replayed_at"

// PostgresStore is a PostgreSQL-based dead-letter store
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore creates a new PostgreSQL dead-letter store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		table: "event_dead_letters",
	}
}

// WithTable sets a custom table name
func (s *PostgresStore) WithTable(table string) *PostgresStore {
	s.table = table
	return s
}

// Store upserts a message, keeping the first created_at
func (s *PostgresStore) Store(ctx context.Context, msg *Message) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, event_id, topic, timestamp, body, destination, retry_count, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			retry_count = EXCLUDED.retry_count,
			reason = EXCLUDED.reason
	`, s.table)

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.EventID,
		string(msg.Topic),
		msg.Timestamp,
		[]byte(msg.Body),
		msg.Destination,
		msg.RetryCount,
		msg.Reason,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// Get retrieves a single message by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*Message, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", messageColumns, s.table)

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return msg, nil
}

// List returns messages matching the filter
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	query, args := s.buildListQuery(filter, false)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return messages, nil
}

// Count returns the number of messages matching the filter
func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int64, error) {
	query, args := s.buildListQuery(filter, true)

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	return count, nil
}

// buildListQuery builds the SQL query for List and Count
func (s *PostgresStore) buildListQuery(filter Filter, countOnly bool) (string, []any) {
	var conditions []string
	var args []any
	argIndex := 1

	add := func(cond string, arg any) {
		conditions = append(conditions, fmt.Sprintf(cond, argIndex))
		args = append(args, arg)
		argIndex++
	}

	if filter.Topic != "" {
		add("topic = $%d", string(filter.Topic))
	}
	if filter.Destination != "" {
		add("destination = $%d", filter.Destination)
	}
	if filter.EventID != "" {
		add("event_id = $%d", filter.EventID)
	}
	if !filter.StartTime.IsZero() {
		add("created_at >= $%d", filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		add("created_at <= $%d", filter.EndTime)
	}
	if filter.Reason != "" {
		add("reason ILIKE $%d", "%"+filter.Reason+"%")
	}
	if filter.ExcludeReplayed {
		conditions = append(conditions, "replayed_at IS NULL")
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	if countOnly {
		return fmt.Sprintf("SELECT COUNT(*) FROM %s %s", s.table, whereClause), args
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		%s
		ORDER BY created_at DESC, id
	`, messageColumns, s.table, whereClause)

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
		argIndex++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	return query, args
}

// MarkReplayed marks a message as replayed
func (s *PostgresStore) MarkReplayed(ctx context.Context, id string) error {
	query := fmt.Sprintf("UPDATE %s SET replayed_at = $1 WHERE id = $2", s.table)

	result, err := s.db.ExecContext(ctx, query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a message
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table)

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOlderThan removes messages older than the specified age
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE created_at < $1", s.table)

	result, err := s.db.ExecContext(ctx, query, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return result.RowsAffected()
}

// Stats returns dead-letter statistics
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := newStats()

	var oldest, newest sql.NullTime
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COUNT(replayed_at), MIN(created_at), MAX(created_at) FROM %s
	`, s.table)).Scan(&stats.TotalMessages, &stats.ReplayedMessages, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	stats.PendingMessages = stats.TotalMessages - stats.ReplayedMessages
	if oldest.Valid {
		stats.OldestMessage = &oldest.Time
	}
	if newest.Valid {
		stats.NewestMessage = &newest.Time
	}

	if err := s.groupCount(ctx, "topic", stats.MessagesByTopic); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "destination", stats.MessagesByDestination); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *PostgresStore) groupCount(ctx context.Context, column string, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s, COUNT(*) FROM %s GROUP BY %s", column, s.table, column))
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		into[key] = count
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var tp string
	var body []byte
	var replayedAt sql.NullTime

	err := row.Scan(
		&msg.ID,
		&msg.EventID,
		&tp,
		&msg.Timestamp,
		&body,
		&msg.Destination,
		&msg.RetryCount,
		&msg.Reason,
		&msg.CreatedAt,
		&replayedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Topic = topic.Topic(tp)
	msg.Body = body
	if replayedAt.Valid {
		msg.ReplayedAt = &replayedAt.Time
	}
	return &msg, nil
}

// Compile-time checks
var _ Store = (*PostgresStore)(nil)
var _ StatsProvider = (*PostgresStore)(nil)
