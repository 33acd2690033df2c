package delivery

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-memory delivery store for local mode and testing
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]Record
}

// NewMemoryStore creates a new in-memory delivery store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Key]Record),
	}
}

// Put inserts or replaces a record
func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	if err := rec.Key().Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key()] = rec.clone()
	return nil
}

// UpdateRetryCount conditionally raises the retry count
func (s *MemoryStore) UpdateRetryCount(ctx context.Context, key Key, retryCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Received() || rec.RetryCount >= retryCount {
		return false, nil
	}
	rec.RetryCount = retryCount
	s.records[key] = rec
	return true, nil
}

// MarkReceived conditionally sets the receipt time
func (s *MemoryStore) MarkReceived(ctx context.Context, key Key, at int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Received() {
		return false, nil
	}
	rec.ReceivedAt = &at
	s.records[key] = rec
	return true, nil
}

// Delete removes a record
func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// DeleteUnresolved removes a record that was never received
func (s *MemoryStore) DeleteUnresolved(ctx context.Context, key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Received() {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

// Get retrieves a single record
func (s *MemoryStore) Get(ctx context.Context, key Key) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec.clone()
	return &out, nil
}

// GetMany retrieves the existing records among keys
func (s *MemoryStore) GetMany(ctx context.Context, keys []Key) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, key := range keys {
		if rec, ok := s.records[key]; ok {
			out = append(out, rec.clone())
		}
	}
	return out, nil
}

// QueryEvent returns every record of one event
func (s *MemoryStore) QueryEvent(ctx context.Context, eventID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for key, rec := range s.records {
		if key.EventID == eventID {
			out = append(out, rec.clone())
		}
	}
	sortRecords(out)
	return out, nil
}

// Scan returns a page of records matching the filter
func (s *MemoryStore) Scan(ctx context.Context, filter Filter) (*Page, error) {
	cur, err := decodeCursor(filter.Cursor)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var matches []Record
	for _, rec := range s.records {
		if filter.Matches(rec) && cur.after(rec) {
			matches = append(matches, rec.clone())
		}
	}
	s.mu.RUnlock()

	sortRecords(matches)

	limit := pageSize(filter.Limit)
	page := &Page{Records: matches}
	if len(matches) > limit {
		page.Records = matches[:limit]
		page.NextCursor = encodeCursor(cursorOf(matches[limit-1]))
	}
	return page, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func sortRecords(recs []Record) {
	slices.SortFunc(recs, func(a, b Record) int {
		return compare(cursorOf(a), cursorOf(b))
	})
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
