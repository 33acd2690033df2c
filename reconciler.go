package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/camtittle/photosharing-eventbus/delivery"
	"github.com/camtittle/photosharing-eventbus/dlq"
	"github.com/camtittle/photosharing-eventbus/message"
	"github.com/camtittle/photosharing-eventbus/partition"
)

// Reconciler defaults
const (
	DefaultGracePeriod      = 2 * time.Minute
	DefaultMaxRetries       = 3
	DefaultSweepInterval    = time.Minute
	DefaultSweepConcurrency = 16
)

// Redispatcher pushes one delivery to its destination. Failures are the
// implementation's to log; the next sweep picks the record up again.
type Redispatcher interface {
	DispatchSingle(ctx context.Context, d message.Delivery)
}

// DeadLetterer stores a copy of a delivery that ran out of retries. Delete
// withdraws the copy when the delivery turns out to be confirmed.
type DeadLetterer interface {
	Store(ctx context.Context, rec delivery.Record, reason string) error
	Delete(ctx context.Context, id string) error
}

// cleaner is implemented by dead-letter managers that can expire old
// messages.
type cleaner interface {
	Cleanup(ctx context.Context, age time.Duration) (int64, error)
}

// SweepResult summarises one reconciliation pass.
type SweepResult struct {
	Scanned      int `json:"scanned"`
	Redispatched int `json:"redispatched"`
	Skipped      int `json:"skipped"`
	DeadLettered int `json:"deadLettered"`
	Failed       int `json:"failed"`
}

// Reconciler repairs deliveries nobody confirmed.
//
// Each sweep selects unresolved records older than the grace period. A
// record whose retry count is within budget has its count raised and is
// dispatched again; the raise is a conditional write, so a record that was
// confirmed or advanced by a concurrent sweep is skipped. A record past the
// budget is copied to the dead-letter store and then removed, again
// conditionally: a record confirmed in the meantime keeps its resolution
// and the copy is withdrawn.
//
// Example:
//
//	r := bus.Reconciler().
//	    WithGrace(2 * time.Minute).
//	    WithInterval(time.Minute)
//
//	go func() {
//	    if err := r.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	        slog.Error("reconciler stopped", "error", err)
//	    }
//	}()
type Reconciler struct {
	tracker     *delivery.Tracker
	dispatcher  Redispatcher
	deadLetters DeadLetterer
	grace       time.Duration
	maxRetries  int
	interval    time.Duration
	concurrency int
	cleanupAge  time.Duration
	shard       partition.Shard
	now         func() time.Time
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *instruments
}

// NewReconciler creates a reconciler. Metrics and spans go to the global
// otel providers.
func NewReconciler(tracker *delivery.Tracker, dispatcher Redispatcher, deadLetters DeadLetterer) *Reconciler {
	return newReconciler(tracker, dispatcher, deadLetters,
		newInstruments(otel.GetMeterProvider()),
		otel.GetTracerProvider().Tracer(instrumentationName))
}

func newReconciler(tracker *delivery.Tracker, dispatcher Redispatcher, deadLetters DeadLetterer, m *instruments, tracer trace.Tracer) *Reconciler {
	return &Reconciler{
		tracker:     tracker,
		dispatcher:  dispatcher,
		deadLetters: deadLetters,
		grace:       DefaultGracePeriod,
		maxRetries:  DefaultMaxRetries,
		interval:    DefaultSweepInterval,
		concurrency: DefaultSweepConcurrency,
		now:         time.Now,
		logger:      slog.Default().With("component", "eventbus.reconciler"),
		tracer:      tracer,
		metrics:     m,
	}
}

// WithGrace sets how old an unresolved record must be before a sweep
// touches it. Zero selects every unresolved record, as in local mode.
func (r *Reconciler) WithGrace(d time.Duration) *Reconciler {
	if d >= 0 {
		r.grace = d
	}
	return r
}

// WithMaxRetries sets the retry budget. A record whose retry count exceeds
// it is dead-lettered.
func (r *Reconciler) WithMaxRetries(n int) *Reconciler {
	if n >= 0 {
		r.maxRetries = n
	}
	return r
}

// WithInterval sets the period between sweeps in Start.
func (r *Reconciler) WithInterval(d time.Duration) *Reconciler {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithConcurrency limits how many records a sweep handles at once.
func (r *Reconciler) WithConcurrency(n int) *Reconciler {
	if n > 0 {
		r.concurrency = n
	}
	return r
}

// WithCleanupAge makes Start delete dead letters older than age once an
// hour. Zero disables cleanup.
func (r *Reconciler) WithCleanupAge(age time.Duration) *Reconciler {
	r.cleanupAge = age
	return r
}

// WithShard restricts sweeps to the events shard owns, for running one
// reconciler per replica.
func (r *Reconciler) WithShard(shard partition.Shard) *Reconciler {
	r.shard = shard
	return r
}

// WithClock sets the time source for the grace cutoff.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

// WithLogger sets a custom logger.
func (r *Reconciler) WithLogger(l *slog.Logger) *Reconciler {
	r.logger = l
	return r
}

// Start sweeps every interval until ctx is cancelled and returns ctx.Err().
func (r *Reconciler) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var cleanupC <-chan time.Time
	if _, ok := r.deadLetters.(cleaner); ok && r.cleanupAge > 0 {
		cleanupTicker := time.NewTicker(time.Hour)
		defer cleanupTicker.Stop()
		cleanupC = cleanupTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = r.SweepOnce(ctx)
		case <-cleanupC:
			r.cleanup(ctx)
		}
	}
}

// SweepOnce runs one sweep and logs its outcome.
func (r *Reconciler) SweepOnce(ctx context.Context) error {
	res, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("sweep finished with failures",
			"scanned", res.Scanned,
			"redispatched", res.Redispatched,
			"skipped", res.Skipped,
			"dead_lettered", res.DeadLettered,
			"failed", res.Failed,
			"error", err)
		return err
	}
	if res.Scanned > 0 {
		r.logger.Info("sweep finished",
			"scanned", res.Scanned,
			"redispatched", res.Redispatched,
			"skipped", res.Skipped,
			"dead_lettered", res.DeadLettered)
	}
	return nil
}

// Sweep runs one reconciliation pass. Every selected record is handled;
// per-record failures are joined into the returned error.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := r.tracer.Start(ctx, "eventbus.sweep")
	defer span.End()

	var res SweepResult

	cutoff := r.now().Add(-r.grace)
	stale, err := r.tracker.FindStaleUnresolved(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find stale deliveries")
		return res, fmt.Errorf("find stale deliveries: %w", err)
	}
	if r.shard.Count > 1 {
		owned := stale[:0]
		for _, rec := range stale {
			if r.shard.Owns(rec.EventID) {
				owned = append(owned, rec)
			}
		}
		stale = owned
	}
	res.Scanned = len(stale)
	span.SetAttributes(
		attribute.Int("eventbus.sweep.scanned", res.Scanned),
		attribute.String("eventbus.sweep.shard", r.shard.String()))

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(apply func(*SweepResult), err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			return
		}
		apply(&res)
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, rec := range stale {
		rec := rec
		if rec.RetryCount <= r.maxRetries {
			g.Go(func() error {
				applied, err := r.redispatch(ctx, rec)
				record(func(s *SweepResult) {
					if applied {
						s.Redispatched++
					} else {
						s.Skipped++
					}
				}, err)
				return nil
			})
			continue
		}
		g.Go(func() error {
			applied, err := r.deadLetter(ctx, rec)
			record(func(s *SweepResult) {
				if applied {
					s.DeadLettered++
				} else {
					s.Skipped++
				}
			}, err)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failures")
		return res, err
	}
	return res, nil
}

// redispatch raises the retry count and, when the raise applied, dispatches
// the delivery with the new count.
func (r *Reconciler) redispatch(ctx context.Context, rec delivery.Record) (bool, error) {
	next := rec.RetryCount + 1
	applied, err := r.tracker.UpdateRetryCount(ctx, rec.Key(), next)
	if err != nil {
		return false, fmt.Errorf("update retry count %s: %w", rec.Key(), err)
	}
	if !applied {
		r.logger.Debug("delivery resolved or advanced concurrently, skipping",
			"event_id", rec.EventID,
			"destination", rec.Destination)
		return false, nil
	}

	rec.RetryCount = next
	r.dispatcher.DispatchSingle(ctx, rec.Delivery())
	r.metrics.redispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", rec.Destination)))
	r.logger.Debug("re-dispatched delivery",
		"event_id", rec.EventID,
		"destination", rec.Destination,
		"retry_count", next)
	return true, nil
}

// deadLetter copies rec to the dead-letter store, then removes it if it is
// still unresolved. The original stays in place when the copy fails. When
// the record was confirmed after it was selected, the copy is withdrawn
// and false is returned.
func (r *Reconciler) deadLetter(ctx context.Context, rec delivery.Record) (bool, error) {
	if r.deadLetters == nil {
		return false, fmt.Errorf("dead-letter %s: %w", rec.Key(), ErrNoDeadLetters)
	}
	reason := fmt.Sprintf("not confirmed after %d retries", rec.RetryCount)
	if err := r.deadLetters.Store(ctx, rec, reason); err != nil {
		return false, fmt.Errorf("dead-letter %s: %w", rec.Key(), err)
	}

	applied, err := r.tracker.DiscardUnresolved(ctx, rec.Key())
	if err != nil {
		return false, fmt.Errorf("discard %s: %w", rec.Key(), err)
	}
	if !applied {
		r.logger.Debug("delivery resolved during escalation, withdrawing dead letter",
			"event_id", rec.EventID,
			"destination", rec.Destination)
		id := dlq.MessageID(rec.Key())
		if err := r.deadLetters.Delete(ctx, id); err != nil && !errors.Is(err, dlq.ErrNotFound) {
			return false, fmt.Errorf("withdraw dead letter %s: %w", id, err)
		}
		return false, nil
	}

	r.metrics.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", rec.Destination)))
	return true, nil
}

func (r *Reconciler) cleanup(ctx context.Context) {
	c, ok := r.deadLetters.(cleaner)
	if !ok {
		return
	}
	if _, err := c.Cleanup(ctx, r.cleanupAge); err != nil {
		r.logger.Error("dead-letter cleanup failed", "error", err)
	}
}
