package dlq

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory dead-letter store for local mode and testing
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

// NewMemoryStore creates a new in-memory dead-letter store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
	}
}

func copyMessage(msg *Message) *Message {
	out := *msg
	if msg.Body != nil {
		out.Body = append([]byte(nil), msg.Body...)
	}
	if msg.ReplayedAt != nil {
		at := *msg.ReplayedAt
		out.ReplayedAt = &at
	}
	return &out
}

// Store upserts a message
func (s *MemoryStore) Store(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyMessage(msg)
	if existing, ok := s.messages[msg.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	s.messages[msg.ID] = stored
	return nil
}

// Get retrieves a single message by ID
func (s *MemoryStore) Get(ctx context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

func (s *MemoryStore) matching(filter Filter) []*Message {
	var messages []*Message
	for _, msg := range s.messages {
		if filter.matches(msg) {
			messages = append(messages, copyMessage(msg))
		}
	}
	slices.SortFunc(messages, func(a, b *Message) int {
		if n := b.CreatedAt.Compare(a.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return messages
}

// List returns messages matching the filter
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return paginate(s.matching(filter), filter), nil
}

// Count returns the number of messages matching the filter
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, msg := range s.messages {
		if filter.matches(msg) {
			count++
		}
	}
	return count, nil
}

// MarkReplayed marks a message as replayed
func (s *MemoryStore) MarkReplayed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	msg.ReplayedAt = &now
	return nil
}

// Delete removes a message
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

// DeleteOlderThan removes messages older than the specified age
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-age)
	var deleted int64
	for id, msg := range s.messages {
		if msg.CreatedAt.Before(cutoff) {
			delete(s.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

// Stats returns dead-letter statistics
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := newStats()
	for _, msg := range s.messages {
		stats.add(msg)
	}
	return stats, nil
}

func newStats() *Stats {
	return &Stats{
		MessagesByTopic:       make(map[string]int64),
		MessagesByDestination: make(map[string]int64),
	}
}

func (st *Stats) add(msg *Message) {
	st.TotalMessages++
	if msg.ReplayedAt != nil {
		st.ReplayedMessages++
	} else {
		st.PendingMessages++
	}
	st.MessagesByTopic[string(msg.Topic)]++
	st.MessagesByDestination[msg.Destination]++

	if st.OldestMessage == nil || msg.CreatedAt.Before(*st.OldestMessage) {
		t := msg.CreatedAt
		st.OldestMessage = &t
	}
	if st.NewestMessage == nil || msg.CreatedAt.After(*st.NewestMessage) {
		t := msg.CreatedAt
		st.NewestMessage = &t
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Compile-time checks
var _ Store = (*MemoryStore)(nil)
var _ StatsProvider = (*MemoryStore)(nil)
