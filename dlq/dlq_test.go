package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/camtittle/photosharing-eventbus/delivery"
	"github.com/camtittle/photosharing-eventbus/topic"
)

func newDeadRecord(eventID, dest string, tp topic.Topic) delivery.Record {
	return delivery.Record{
		EventID:     eventID,
		Topic:       tp,
		Timestamp:   1000,
		Body:        json.RawMessage(`{"postId":"p-1"}`),
		Destination: dest,
		RetryCount:  4,
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestRedisStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return NewRedisStore(client).WithKeyPrefix("test:dlq:")
	})
}

func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	t.Run("store and get", func(t *testing.T) {
		s := newStore(t)
		msg := NewMessage(newDeadRecord("evt-1", "feedServiceEventHandler", topic.Post), "no confirmation", now)
		if err := s.Store(ctx, msg); err != nil {
			t.Fatalf("Store failed: %v", err)
		}

		got, err := s.Get(ctx, "evt-1/feedServiceEventHandler")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.EventID != "evt-1" || got.Topic != topic.Post || got.RetryCount != 4 {
			t.Errorf("unexpected message %+v", got)
		}
		if string(got.Body) != `{"postId":"p-1"}` {
			t.Errorf("unexpected body %s", got.Body)
		}
		if !got.CreatedAt.Equal(now) {
			t.Errorf("expected created at %v, got %v", now, got.CreatedAt)
		}
		if got.ReplayedAt != nil {
			t.Error("new message must not be replayed")
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "nope/x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("store is idempotent per delivery", func(t *testing.T) {
		s := newStore(t)
		rec := newDeadRecord("evt-1", "demoSubscriber", topic.Comment)
		if err := s.Store(ctx, NewMessage(rec, "first", now)); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		rec.RetryCount = 5
		if err := s.Store(ctx, NewMessage(rec, "second", now.Add(time.Minute))); err != nil {
			t.Fatalf("second Store failed: %v", err)
		}

		count, err := s.Count(ctx, Filter{})
		if err != nil || count != 1 {
			t.Fatalf("expected 1 message, got %d, %v", count, err)
		}
		got, _ := s.Get(ctx, MessageID(rec.Key()))
		if got.RetryCount != 5 || got.Reason != "second" {
			t.Errorf("expected latest retry count and reason, got %+v", got)
		}
		if !got.CreatedAt.Equal(now) {
			t.Errorf("created at must keep the first value, got %v", got.CreatedAt)
		}
	})

	t.Run("list filters and order", func(t *testing.T) {
		s := newStore(t)
		msgs := []*Message{
			NewMessage(newDeadRecord("evt-1", "feedServiceEventHandler", topic.Post), "timeout", now.Add(-2*time.Hour)),
			NewMessage(newDeadRecord("evt-1", "demoSubscriber", topic.Post), "timeout", now.Add(-time.Hour)),
			NewMessage(newDeadRecord("evt-2", "demoSubscriber", topic.Comment), "handler crashed", now),
		}
		for _, m := range msgs {
			if err := s.Store(ctx, m); err != nil {
				t.Fatalf("Store failed: %v", err)
			}
		}

		all, err := s.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(all) != 3 || all[0].ID != "evt-2/demoSubscriber" || all[2].ID != "evt-1/feedServiceEventHandler" {
			t.Errorf("expected newest first, got %v", ids(all))
		}

		tests := []struct {
			name   string
			filter Filter
			want   int
		}{
			{"topic", Filter{Topic: topic.Post}, 2},
			{"destination", Filter{Destination: "demoSubscriber"}, 2},
			{"event", Filter{EventID: "evt-2"}, 1},
			{"start time", Filter{StartTime: now.Add(-90 * time.Minute)}, 2},
			{"end time", Filter{EndTime: now.Add(-90 * time.Minute)}, 1},
			{"reason", Filter{Reason: "CRASHED"}, 1},
			{"limit", Filter{Limit: 2}, 2},
			{"offset", Filter{Offset: 2}, 1},
			{"offset past end", Filter{Offset: 5}, 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.List(ctx, tt.filter)
				if err != nil {
					t.Fatalf("List failed: %v", err)
				}
				if len(got) != tt.want {
					t.Errorf("expected %d messages, got %v", tt.want, ids(got))
				}
			})
		}

		count, err := s.Count(ctx, Filter{Topic: topic.Post})
		if err != nil || count != 2 {
			t.Errorf("expected count 2 for post, got %d, %v", count, err)
		}
	})

	t.Run("mark replayed", func(t *testing.T) {
		s := newStore(t)
		msg := NewMessage(newDeadRecord("evt-1", "demoSubscriber", topic.Vote), "timeout", now)
		if err := s.Store(ctx, msg); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		if err := s.MarkReplayed(ctx, msg.ID); err != nil {
			t.Fatalf("MarkReplayed failed: %v", err)
		}
		if err := s.MarkReplayed(ctx, "nope/x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		got, _ := s.Get(ctx, msg.ID)
		if got.ReplayedAt == nil {
			t.Error("expected replayed at to be set")
		}
		pending, _ := s.List(ctx, Filter{ExcludeReplayed: true})
		if len(pending) != 0 {
			t.Errorf("expected no pending messages, got %v", ids(pending))
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		msg := NewMessage(newDeadRecord("evt-1", "demoSubscriber", topic.Vote), "timeout", now)
		if err := s.Store(ctx, msg); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		if err := s.Delete(ctx, msg.ID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete(ctx, msg.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
		if count, _ := s.Count(ctx, Filter{}); count != 0 {
			t.Errorf("expected empty store, got %d", count)
		}
	})

	t.Run("delete older than", func(t *testing.T) {
		s := newStore(t)
		old := NewMessage(newDeadRecord("evt-1", "a", topic.Post), "timeout", now.Add(-48*time.Hour))
		recent := NewMessage(newDeadRecord("evt-2", "a", topic.Post), "timeout", now)
		for _, m := range []*Message{old, recent} {
			if err := s.Store(ctx, m); err != nil {
				t.Fatalf("Store failed: %v", err)
			}
		}

		deleted, err := s.DeleteOlderThan(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("DeleteOlderThan failed: %v", err)
		}
		if deleted != 1 {
			t.Errorf("expected 1 deleted, got %d", deleted)
		}
		if _, err := s.Get(ctx, recent.ID); err != nil {
			t.Errorf("recent message must survive: %v", err)
		}
	})

	t.Run("stats", func(t *testing.T) {
		s := newStore(t)
		sp, ok := s.(StatsProvider)
		if !ok {
			t.Skip("store does not provide stats")
		}
		for _, m := range []*Message{
			NewMessage(newDeadRecord("evt-1", "a", topic.Post), "timeout", now.Add(-time.Hour)),
			NewMessage(newDeadRecord("evt-1", "b", topic.Post), "timeout", now),
			NewMessage(newDeadRecord("evt-2", "a", topic.Vote), "timeout", now),
		} {
			if err := s.Store(ctx, m); err != nil {
				t.Fatalf("Store failed: %v", err)
			}
		}
		if err := s.MarkReplayed(ctx, "evt-2/a"); err != nil {
			t.Fatalf("MarkReplayed failed: %v", err)
		}

		stats, err := sp.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.TotalMessages != 3 || stats.ReplayedMessages != 1 || stats.PendingMessages != 2 {
			t.Errorf("unexpected totals %+v", stats)
		}
		if stats.MessagesByTopic["post"] != 2 || stats.MessagesByDestination["a"] != 2 {
			t.Errorf("unexpected breakdown %+v", stats)
		}
		if stats.OldestMessage == nil || !stats.OldestMessage.Equal(now.Add(-time.Hour)) {
			t.Errorf("unexpected oldest %v", stats.OldestMessage)
		}
	})
}

func ids(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestPostgresStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	s := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()
	msg := NewMessage(newDeadRecord("evt-1", "demoSubscriber", topic.Post), "timeout", now)

	mock.ExpectExec(`INSERT INTO event_dead_letters .* ON CONFLICT \(id\) DO UPDATE SET\s+retry_count = EXCLUDED.retry_count`).
		WithArgs(msg.ID, "evt-1", "post", int64(1000), []byte(msg.Body), "demoSubscriber", 4, "timeout", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM event_dead_letters WHERE id = \$1`).
		WithArgs("missing/x").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event_dead_letters WHERE topic = \$1 AND replayed_at IS NULL`).
		WithArgs("post").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))
	mock.ExpectExec(`UPDATE event_dead_letters SET replayed_at = \$1 WHERE id = \$2`).
		WithArgs(sqlmock.AnyArg(), "missing/x").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Store(ctx, msg); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, err := s.Get(ctx, "missing/x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	count, err := s.Count(ctx, Filter{Topic: topic.Post, ExcludeReplayed: true})
	if err != nil || count != 7 {
		t.Errorf("expected 7, got %d, %v", count, err)
	}
	if err := s.MarkReplayed(ctx, "missing/x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresListQuery(t *testing.T) {
	s := NewPostgresStore(nil).WithTable("dead")
	query, args := s.buildListQuery(Filter{
		Destination: "demoSubscriber",
		Reason:      "timeout",
		Limit:       10,
		Offset:      20,
	}, false)

	if len(args) != 4 {
		t.Fatalf("expected 4 args, got %v", args)
	}
	if args[1] != "%timeout%" || args[2] != 10 || args[3] != 20 {
		t.Errorf("unexpected args %v", args)
	}
	for _, want := range []string{"FROM dead", "destination = $1", "reason ILIKE $2", "LIMIT $3", "OFFSET $4"} {
		if !strings.Contains(query, want) {
			t.Errorf("query missing %q:\n%s", want, query)
		}
	}
}

// recordingReplayer records replayed records and fails for chosen destinations.
type recordingReplayer struct {
	mu       sync.Mutex
	replayed []delivery.Record
	failFor  string
}

func (r *recordingReplayer) Replay(ctx context.Context, rec delivery.Record) error {
	if rec.Destination == r.failFor {
		return errors.New("destination down")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replayed = append(r.replayed, rec)
	return nil
}

func TestManager(t *testing.T) {
	ctx := context.Background()

	t.Run("store escalated delivery", func(t *testing.T) {
		store := NewMemoryStore()
		m := NewManager(store, nil).WithClock(func() time.Time { return time.UnixMilli(9000) })

		rec := newDeadRecord("evt-1", "feedServiceEventHandler", topic.Post)
		if err := m.Store(ctx, rec, "exceeded 3 retries"); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		if err := m.Store(ctx, rec, "exceeded 3 retries"); err != nil {
			t.Fatalf("second Store failed: %v", err)
		}

		msgs, _ := m.List(ctx, Filter{})
		if len(msgs) != 1 {
			t.Fatalf("expected one dead letter, got %d", len(msgs))
		}
		if msgs[0].Key() != rec.Key() || msgs[0].CreatedAt.UnixMilli() != 9000 {
			t.Errorf("unexpected dead letter %+v", msgs[0])
		}
	})

	t.Run("replay", func(t *testing.T) {
		store := NewMemoryStore()
		replayer := &recordingReplayer{failFor: "broken"}
		m := NewManager(store, replayer)

		for _, dest := range []string{"a", "b", "broken"} {
			if err := m.Store(ctx, newDeadRecord("evt-1", dest, topic.Post), "timeout"); err != nil {
				t.Fatalf("Store failed: %v", err)
			}
		}

		replayed, err := m.Replay(ctx, Filter{ExcludeReplayed: true})
		if err != nil {
			t.Fatalf("Replay failed: %v", err)
		}
		if replayed != 2 {
			t.Errorf("expected 2 replayed, got %d", replayed)
		}
		for _, rec := range replayer.replayed {
			if rec.RetryCount != 0 || rec.Received() {
				t.Errorf("replayed record must be a fresh pending delivery, got %+v", rec)
			}
		}

		pending, _ := m.Count(ctx, Filter{ExcludeReplayed: true})
		if pending != 1 {
			t.Errorf("expected only the failed replay to stay pending, got %d", pending)
		}
	})

	t.Run("replay single", func(t *testing.T) {
		store := NewMemoryStore()
		replayer := &recordingReplayer{}
		m := NewManager(store, replayer)

		if err := m.Store(ctx, newDeadRecord("evt-1", "a", topic.Vote), "timeout"); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		if err := m.ReplaySingle(ctx, "evt-1/a"); err != nil {
			t.Fatalf("ReplaySingle failed: %v", err)
		}
		if err := m.ReplaySingle(ctx, "evt-9/a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if len(replayer.replayed) != 1 {
			t.Errorf("expected 1 replay, got %d", len(replayer.replayed))
		}
	})

	t.Run("no replayer", func(t *testing.T) {
		m := NewManager(NewMemoryStore(), nil)
		if _, err := m.Replay(ctx, Filter{}); !errors.Is(err, ErrNoReplayer) {
			t.Errorf("expected ErrNoReplayer, got %v", err)
		}
	})

	t.Run("stats fallback", func(t *testing.T) {
		m := NewManager(countOnlyStore{inner: NewMemoryStore()}, nil)
		if err := m.Store(ctx, newDeadRecord("evt-1", "a", topic.Vote), "timeout"); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		stats, err := m.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.TotalMessages != 1 || stats.PendingMessages != 1 {
			t.Errorf("unexpected stats %+v", stats)
		}
	})

	t.Run("cleanup", func(t *testing.T) {
		store := NewMemoryStore()
		m := NewManager(store, nil).WithClock(func() time.Time { return time.Now().Add(-72 * time.Hour) })
		if err := m.Store(ctx, newDeadRecord("evt-1", "a", topic.Vote), "timeout"); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		deleted, err := m.Cleanup(ctx, 24*time.Hour)
		if err != nil || deleted != 1 {
			t.Errorf("expected 1 deleted, got %d, %v", deleted, err)
		}
	})
}

// countOnlyStore hides the StatsProvider implementation of its inner store.
type countOnlyStore struct {
	inner Store
}

func (s countOnlyStore) Store(ctx context.Context, msg *Message) error {
	return s.inner.Store(ctx, msg)
}

func (s countOnlyStore) Get(ctx context.Context, id string) (*Message, error) {
	return s.inner.Get(ctx, id)
}

func (s countOnlyStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	return s.inner.List(ctx, filter)
}

func (s countOnlyStore) Count(ctx context.Context, filter Filter) (int64, error) {
	return s.inner.Count(ctx, filter)
}

func (s countOnlyStore) MarkReplayed(ctx context.Context, id string) error {
	return s.inner.MarkReplayed(ctx, id)
}

func (s countOnlyStore) Delete(ctx context.Context, id string) error {
	return s.inner.Delete(ctx, id)
}

func (s countOnlyStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return s.inner.DeleteOlderThan(ctx, age)
}

var _ Store = countOnlyStore{}
