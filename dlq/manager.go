package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/camtittle/photosharing-eventbus/delivery"
)

// Replayer delivers a dead-lettered record again.
//
// The bus implements it by writing rec back as a pending delivery and
// dispatching it to its destination.
type Replayer interface {
	Replay(ctx context.Context, rec delivery.Record) error
}

// ErrNoReplayer is returned by Replay and ReplaySingle when the manager was
// created without a Replayer.
var ErrNoReplayer = errors.New("dead-letter manager has no replayer")

// Manager handles dead-letter operations including replay.
//
// Example:
//
//	manager := dlq.NewManager(dlq.NewRedisStore(client), bus)
//
//	// reconciler
//	manager.Store(ctx, rec, "retry budget exhausted")
//
//	// operator
//	replayed, err := manager.Replay(ctx, dlq.Filter{Topic: topic.Post, ExcludeReplayed: true})
type Manager struct {
	store    Store
	replayer Replayer
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates a new dead-letter manager. replayer may be nil for
// a manager that only stores and inspects dead letters.
func NewManager(store Store, replayer Replayer) *Manager {
	return &Manager{
		store:    store,
		replayer: replayer,
		now:      time.Now,
		logger:   slog.Default().With("component", "dlq.manager"),
	}
}

// WithLogger sets a custom logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// WithClock overrides the time source used for CreatedAt.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithReplayer sets the replayer. It exists so the bus can be wired in
// after the manager it owns is built.
func (m *Manager) WithReplayer(r Replayer) *Manager {
	m.replayer = r
	return m
}

// Store dead-letters rec with the given reason. Storing the same delivery
// twice leaves a single message.
func (m *Manager) Store(ctx context.Context, rec delivery.Record, reason string) error {
	msg := NewMessage(rec, reason, m.now())

	if err := m.store.Store(ctx, msg); err != nil {
		m.logger.Error("failed to store dead letter",
			"id", msg.ID,
			"topic", msg.Topic,
			"error", err)
		return fmt.Errorf("store dead letter: %w", err)
	}

	m.logger.Warn("dead-lettered delivery",
		"id", msg.ID,
		"topic", msg.Topic,
		"destination", msg.Destination,
		"retry_count", msg.RetryCount,
		"reason", reason)
	return nil
}

// Get retrieves a single dead letter
func (m *Manager) Get(ctx context.Context, id string) (*Message, error) {
	return m.store.Get(ctx, id)
}

// List returns dead letters matching the filter
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Message, error) {
	return m.store.List(ctx, filter)
}

// Count returns the number of dead letters matching the filter
func (m *Manager) Count(ctx context.Context, filter Filter) (int64, error) {
	return m.store.Count(ctx, filter)
}

// Replay delivers every dead letter matching the filter again.
//
// Failures are logged and skipped. Returns the number of messages
// replayed successfully.
func (m *Manager) Replay(ctx context.Context, filter Filter) (int, error) {
	if m.replayer == nil {
		return 0, ErrNoReplayer
	}

	messages, err := m.store.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}

	replayed := 0
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := m.replayer.Replay(ctx, msg.Record()); err != nil {
			m.logger.Error("failed to replay dead letter",
				"id", msg.ID,
				"error", err)
			continue
		}
		if err := m.store.MarkReplayed(ctx, msg.ID); err != nil {
			m.logger.Error("failed to mark dead letter as replayed",
				"id", msg.ID,
				"error", err)
		}
		replayed++
	}

	m.logger.Info("replayed dead letters",
		"total", len(messages),
		"replayed", replayed)
	return replayed, nil
}

// ReplaySingle replays a single dead letter by ID
func (m *Manager) ReplaySingle(ctx context.Context, id string) error {
	if m.replayer == nil {
		return ErrNoReplayer
	}

	msg, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if err := m.replayer.Replay(ctx, msg.Record()); err != nil {
		return fmt.Errorf("replay message: %w", err)
	}
	if err := m.store.MarkReplayed(ctx, id); err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}

	m.logger.Info("replayed dead letter", "id", id)
	return nil
}

// Delete removes a dead letter
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// Cleanup removes dead letters older than the specified age
func (m *Manager) Cleanup(ctx context.Context, age time.Duration) (int64, error) {
	deleted, err := m.store.DeleteOlderThan(ctx, age)
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		m.logger.Info("cleaned up old dead letters",
			"deleted", deleted,
			"older_than", age)
	}
	return deleted, nil
}

// Stats returns dead-letter statistics. Stores that do not implement
// StatsProvider get totals only.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	if sp, ok := m.store.(StatsProvider); ok {
		return sp.Stats(ctx)
	}

	total, err := m.store.Count(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	pending, err := m.store.Count(ctx, Filter{ExcludeReplayed: true})
	if err != nil {
		return nil, err
	}

	stats := newStats()
	stats.TotalMessages = total
	stats.PendingMessages = pending
	stats.ReplayedMessages = total - pending
	return stats, nil
}
