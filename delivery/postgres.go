package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/camtittle/photosharing-eventbus/topic"
)

/*
PostgreSQL Schema:

CREATE TABLE event_deliveries (
    event_id    VARCHAR(64)  NOT NULL,
    destination VARCHAR(255) NOT NULL,
    topic       VARCHAR(32)  NOT NULL,
    timestamp   BIGINT       NOT NULL,
    body        JSONB        NOT NULL,
    retry_count INT          NOT NULL DEFAULT 0,
    received_at BIGINT,
    PRIMARY KEY (event_id, destination)
);

CREATE INDEX idx_deliveries_scan ON event_deliveries(timestamp, event_id, destination);
CREATE INDEX idx_deliveries_pending ON event_deliveries(timestamp) WHERE received_at IS NULL;
*/

const recordColumns = "event_id, destination, topic, timestamp, body, retry_count, received_at"

// PostgresStore is a PostgreSQL-based delivery store
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore creates a new PostgreSQL delivery store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		table: "event_deliveries",
	}
}

// WithTable sets a custom table name
func (s *PostgresStore) WithTable(table string) *PostgresStore {
	s.table = table
	return s
}

// Put inserts or replaces a record
func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	if err := rec.Key().Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id, destination) DO UPDATE SET
			topic = EXCLUDED.topic,
			timestamp = EXCLUDED.timestamp,
			body = EXCLUDED.body,
			retry_count = EXCLUDED.retry_count,
			received_at = EXCLUDED.received_at
	`, s.table, recordColumns)

	var receivedAt sql.NullInt64
	if rec.ReceivedAt != nil {
		receivedAt = sql.NullInt64{Int64: *rec.ReceivedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.EventID,
		rec.Destination,
		string(rec.Topic),
		rec.Timestamp,
		[]byte(rec.Body),
		rec.RetryCount,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// UpdateRetryCount conditionally raises the retry count
func (s *PostgresStore) UpdateRetryCount(ctx context.Context, key Key, retryCount int) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET retry_count = $1
		WHERE event_id = $2 AND destination = $3
		  AND received_at IS NULL AND retry_count < $1
	`, s.table)

	return s.execConditional(ctx, query, retryCount, key.EventID, key.Destination)
}

// MarkReceived conditionally sets the receipt time
func (s *PostgresStore) MarkReceived(ctx context.Context, key Key, at int64) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET received_at = $1
		WHERE event_id = $2 AND destination = $3 AND received_at IS NULL
	`, s.table)

	return s.execConditional(ctx, query, at, key.EventID, key.Destination)
}

func (s *PostgresStore) execConditional(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

// Delete removes a record
func (s *PostgresStore) Delete(ctx context.Context, key Key) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE event_id = $1 AND destination = $2", s.table)
	if _, err := s.db.ExecContext(ctx, query, key.EventID, key.Destination); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// DeleteUnresolved removes a record that was never received
func (s *PostgresStore) DeleteUnresolved(ctx context.Context, key Key) (bool, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE event_id = $1 AND destination = $2 AND received_at IS NULL
	`, s.table)

	return s.execConditional(ctx, query, key.EventID, key.Destination)
}

// Get retrieves a single record
func (s *PostgresStore) Get(ctx context.Context, key Key) (*Record, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE event_id = $1 AND destination = $2
	`, recordColumns, s.table)

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, key.EventID, key.Destination))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rec, nil
}

// GetMany retrieves the existing records among keys
func (s *PostgresStore) GetMany(ctx context.Context, keys []Key) ([]Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	tuples := make([]string, len(keys))
	args := make([]any, 0, 2*len(keys))
	for i, key := range keys {
		tuples[i] = fmt.Sprintf("($%d, $%d)", 2*i+1, 2*i+2)
		args = append(args, key.EventID, key.Destination)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE (event_id, destination) IN (%s)
	`, recordColumns, s.table, strings.Join(tuples, ", "))

	return s.queryRecords(ctx, query, args...)
}

// QueryEvent returns every record of one event
func (s *PostgresStore) QueryEvent(ctx context.Context, eventID string) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE event_id = $1
		ORDER BY destination
	`, recordColumns, s.table)

	return s.queryRecords(ctx, query, eventID)
}

// Scan returns a page of records matching the filter
func (s *PostgresStore) Scan(ctx context.Context, filter Filter) (*Page, error) {
	cur, err := decodeCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}

	var conditions []string
	var args []any
	argIndex := 1

	if filter.Topic != "" {
		conditions = append(conditions, fmt.Sprintf("topic = $%d", argIndex))
		args = append(args, string(filter.Topic))
		argIndex++
	}

	if filter.Destination != "" {
		conditions = append(conditions, fmt.Sprintf("destination = $%d", argIndex))
		args = append(args, filter.Destination)
		argIndex++
	}

	switch filter.Status {
	case StatusPending:
		conditions = append(conditions, "received_at IS NULL")
	case StatusReceived:
		conditions = append(conditions, "received_at IS NOT NULL")
	}

	if filter.Since > 0 {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argIndex))
		args = append(args, filter.Since)
		argIndex++
	}

	if filter.Before > 0 {
		conditions = append(conditions, fmt.Sprintf("timestamp < $%d", argIndex))
		args = append(args, filter.Before)
		argIndex++
	}

	if cur != nil {
		conditions = append(conditions, fmt.Sprintf("(timestamp, event_id, destination) > ($%d, $%d, $%d)",
			argIndex, argIndex+1, argIndex+2))
		args = append(args, cur.Timestamp, cur.EventID, cur.Destination)
		argIndex += 3
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := pageSize(filter.Limit)
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		%s
		ORDER BY timestamp, event_id, destination
		LIMIT $%d
	`, recordColumns, s.table, whereClause, argIndex)
	args = append(args, limit+1)

	recs, err := s.queryRecords(ctx, query, args...)
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

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var tp string
	var body []byte
	var receivedAt sql.NullInt64

	err := row.Scan(
		&rec.EventID,
		&rec.Destination,
		&tp,
		&rec.Timestamp,
		&body,
		&rec.RetryCount,
		&receivedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Topic = topic.Topic(tp)
	rec.Body = body
	if receivedAt.Valid {
		at := receivedAt.Int64
		rec.ReceivedAt = &at
	}
	return &rec, nil
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
