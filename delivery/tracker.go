package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Policy decides what happens to a record once its destination confirms it.
type Policy string

const (
	// PolicyMark keeps the record and sets ReceivedAt.
	PolicyMark Policy = "mark"

	// PolicyDelete removes the record.
	PolicyDelete Policy = "delete"
)

// ErrUnknownPolicy is returned by ParsePolicy.
var ErrUnknownPolicy = errors.New("unknown retention policy")

// ParsePolicy converts a configuration value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyMark:
		return PolicyMark, nil
	case PolicyDelete:
		return PolicyDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// RetryExhaustedError indicates every store attempt of an operation failed.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: retry exhausted after %d attempts: %v", e.Op, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsRetryExhausted checks if an error indicates retry exhaustion.
func IsRetryExhausted(err error) bool {
	var exhausted *RetryExhaustedError
	return errors.As(err, &exhausted)
}

// Tracker records and queries delivery state on top of a Store.
//
// Every store call is retried with exponential backoff and jitter. Failed
// conditions are reported as applied=false, not as errors. Invalid keys and
// missing records are returned immediately without retry.
type Tracker struct {
	store       Store
	policy      Policy
	attempts    int
	backoff     time.Duration
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithPolicy sets the retention policy applied by Resolve
func WithPolicy(p Policy) TrackerOption {
	return func(t *Tracker) {
		if p != "" {
			t.policy = p
		}
	}
}

// WithAttempts sets how many times each store call is attempted
func WithAttempts(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.attempts = n
		}
	}
}

// WithBackoff sets the delay before the second attempt; later delays double
func WithBackoff(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d >= 0 {
			t.backoff = d
		}
	}
}

// WithConcurrency limits parallel writes in PutMany
func WithConcurrency(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

// WithClock sets the time source used for receipt timestamps
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker creates a tracker over store.
func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:       store,
		policy:      PolicyMark,
		attempts:    3,
		backoff:     50 * time.Millisecond,
		concurrency: 16,
		now:         time.Now,
		logger:      slog.Default().With("component", "delivery.tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Store returns the underlying store.
func (t *Tracker) Store() Store {
	return t.store
}

// Policy returns the retention policy applied by Resolve.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// PutMany writes every record in parallel. It waits for all writes and
// returns the joined failures; records written before a failure stay
// written.
func (t *Tracker) PutMany(ctx context.Context, recs []Record) error {
	_, err := t.WriteMany(ctx, recs)
	return err
}

// WriteMany is PutMany that also reports how many records were written.
func (t *Tracker) WriteMany(ctx context.Context, recs []Record) (int, error) {
	var (
		mu      sync.Mutex
		errs    []error
		written int
	)

	var g errgroup.Group
	g.SetLimit(t.concurrency)
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			err := t.retry(ctx, "put", func(ctx context.Context) error {
				return t.store.Put(ctx, rec)
			}, rec.Key().Validate())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.logger.Error("failed to persist delivery record",
					"event_id", rec.EventID, "destination", rec.Destination, "error", err)
				errs = append(errs, fmt.Errorf("put %s: %w", rec.Key(), err))
				return nil
			}
			written++
			return nil
		})
	}
	_ = g.Wait()
	return written, errors.Join(errs...)
}

// UpdateRetryCount raises the record's retry count to retryCount if the
// record is unresolved and its stored count is lower. It reports whether
// the update was applied.
func (t *Tracker) UpdateRetryCount(ctx context.Context, key Key, retryCount int) (bool, error) {
	var applied bool
	err := t.retry(ctx, "update retry count", func(ctx context.Context) error {
		var err error
		applied, err = t.store.UpdateRetryCount(ctx, key, retryCount)
		return err
	}, key.Validate())
	return applied, err
}

// Resolve records that the destination processed the event, following the
// retention policy. Resolving a missing or already resolved record is a
// no-op.
func (t *Tracker) Resolve(ctx context.Context, key Key) error {
	if t.policy == PolicyDelete {
		return t.Discard(ctx, key)
	}

	at := Millis(t.now())
	return t.retry(ctx, "mark received", func(ctx context.Context) error {
		applied, err := t.store.MarkReceived(ctx, key, at)
		if err == nil && !applied {
			t.logger.Debug("delivery already resolved or missing",
				"event_id", key.EventID, "destination", key.Destination)
		}
		return err
	}, key.Validate())
}

// Discard deletes the record regardless of the retention policy.
func (t *Tracker) Discard(ctx context.Context, key Key) error {
	return t.retry(ctx, "delete", func(ctx context.Context) error {
		return t.store.Delete(ctx, key)
	}, key.Validate())
}

// DiscardUnresolved deletes the record only while it is unresolved. It
// reports false when the record is missing or was received meanwhile.
func (t *Tracker) DiscardUnresolved(ctx context.Context, key Key) (bool, error) {
	var applied bool
	err := t.retry(ctx, "delete unresolved", func(ctx context.Context) error {
		var err error
		applied, err = t.store.DeleteUnresolved(ctx, key)
		return err
	}, key.Validate())
	return applied, err
}

// FindStaleUnresolved returns every unresolved record published at or
// before cutoff, so a zero grace period also selects records of the
// current millisecond.
func (t *Tracker) FindStaleUnresolved(ctx context.Context, cutoff time.Time) ([]Record, error) {
	at := Millis(cutoff)
	if at < 0 {
		return nil, nil
	}
	return t.FindByFilter(ctx, Filter{Status: StatusPending, Before: at + 1}, nil)
}

// FindByFilter returns every record matching filter and, when non-nil,
// predicate. All pages are read.
func (t *Tracker) FindByFilter(ctx context.Context, filter Filter, predicate func(Record) bool) ([]Record, error) {
	var out []Record
	for {
		var page *Page
		err := t.retry(ctx, "scan", func(ctx context.Context) error {
			var err error
			page, err = t.store.Scan(ctx, filter)
			return err
		}, nil)
		if err != nil {
			return nil, err
		}

		for _, rec := range page.Records {
			if predicate == nil || predicate(rec) {
				out = append(out, rec)
			}
		}
		if page.NextCursor == "" {
			return out, nil
		}
		filter.Cursor = page.NextCursor
	}
}

// Get returns one record or ErrNotFound.
func (t *Tracker) Get(ctx context.Context, key Key) (*Record, error) {
	var rec *Record
	err := t.retry(ctx, "get", func(ctx context.Context) error {
		var err error
		rec, err = t.store.Get(ctx, key)
		return err
	}, key.Validate())
	return rec, err
}

// GetMany returns the existing records among keys.
func (t *Tracker) GetMany(ctx context.Context, keys []Key) ([]Record, error) {
	var recs []Record
	err := t.retry(ctx, "get many", func(ctx context.Context) error {
		var err error
		recs, err = t.store.GetMany(ctx, keys)
		return err
	}, nil)
	return recs, err
}

// ForEvent returns every record of one event.
func (t *Tracker) ForEvent(ctx context.Context, eventID string) ([]Record, error) {
	var recs []Record
	err := t.retry(ctx, "query event", func(ctx context.Context) error {
		var err error
		recs, err = t.store.QueryEvent(ctx, eventID)
		return err
	}, nil)
	return recs, err
}

// retry runs fn up to t.attempts times. A non-nil precheck is returned
// without calling fn.
func (t *Tracker) retry(ctx context.Context, op string, fn func(context.Context) error, precheck error) error {
	if precheck != nil {
		return precheck
	}

	var lastErr error
	delay := t.backoff
	for attempt := 1; attempt <= t.attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil || permanent(lastErr) {
			return lastErr
		}
		if attempt == t.attempts {
			break
		}

		t.logger.Debug("store call failed, retrying",
			"op", op, "attempt", attempt, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay, 0.3)):
		}
		delay *= 2
	}
	return &RetryExhaustedError{Op: op, Attempts: t.attempts, LastErr: lastErr}
}

func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidCursor) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// jitter returns a duration between d*(1-factor) and d*(1+factor).
func jitter(d time.Duration, factor float64) time.Duration {
	if d <= 0 || factor <= 0 || factor > 1 {
		return d
	}
	j := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + j))
}
