package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meanderhq/meander-go/internal/clock"
	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/transport"
)

// Entry wraps an event with its transport metadata.
type Entry struct {
	// Key is the idempotency key for this delivery attempt; it survives
	// retries so the backend can dedupe.
	Key   string
	Event event.Event
}

// Config holds queue tuning. Zero fields fall back to defaults.
type Config struct {
	// FlushAt triggers an automatic flush once the queue holds this many
	// entries.
	FlushAt int
	// FlushInterval triggers periodic automatic flushes.
	FlushInterval time.Duration
	// MaxQueueSize bounds the queue; the oldest entry is evicted on
	// overflow.
	MaxQueueSize int
	// MaxBatchSize caps how many entries one network call carries.
	MaxBatchSize int
	// MaxRetries bounds transient-failure retries before a batch is
	// dropped.
	MaxRetries int
	// RetryBaseDelay seeds the exponential backoff: delay n is
	// RetryBaseDelay doubled n-1 times.
	RetryBaseDelay time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

const (
	defaultFlushAt        = 20
	defaultFlushInterval  = 30 * time.Second
	defaultMaxQueueSize   = 1000
	defaultMaxBatchSize   = 50
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.FlushAt <= 0 {
		c.FlushAt = defaultFlushAt
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaultMaxQueueSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.Clock == nil {
		c.Clock = clock.System{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats counts queue activity for diagnostics.
type Stats struct {
	Queued           int
	Delivered        int64
	DroppedOverflow  int64
	DroppedPermanent int64
	DroppedRetries   int64
}

// Queue is the bounded FIFO delivery buffer. See the package doc for the
// state machine.
//
// Thread-safety: all methods are safe for concurrent use.
type Queue struct {
	cfg       Config
	transport transport.Transport
	log       *slog.Logger

	mu      sync.Mutex
	entries []Entry
	stats   Stats

	flushing   bool
	paused     bool
	closed     bool
	retryCount int
	retryUntil time.Time
	retryTimer clock.Timer
	tickTimer  clock.Timer

	wg sync.WaitGroup
}

// NewQueue creates a delivery queue and arms its interval timer.
func NewQueue(tr transport.Transport, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:       cfg,
		transport: tr,
		log:       cfg.Logger,
	}
	q.tickTimer = cfg.Clock.AfterFunc(cfg.FlushInterval, q.tick)
	return q
}

// Enqueue appends an entry. Never fails: at capacity the single oldest
// entry is evicted first. Crossing the count threshold triggers an
// automatic flush.
func (q *Queue) Enqueue(e Entry) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.entries) >= q.cfg.MaxQueueSize {
		evicted := q.entries[0]
		q.entries = q.entries[1:]
		q.stats.DroppedOverflow++
		q.log.Warn("delivery queue full, dropping oldest entry",
			"event_id", evicted.Event.ID,
			"event_name", evicted.Event.Name,
			"max_queue_size", q.cfg.MaxQueueSize)
	}
	q.entries = append(q.entries, e)
	over := len(q.entries) >= q.cfg.FlushAt
	q.mu.Unlock()

	if over {
		q.requestFlush(true)
	}
}

// Flush manually requests delivery. A no-op while a flush is in flight or
// inside a retry backoff window; pause does not block it.
func (q *Queue) Flush() {
	q.requestFlush(false)
}

// Pause suppresses automatic flush triggers (threshold, interval, retry
// timer). Entries continue to accumulate.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume re-enables automatic flush triggers. It does not itself trigger
// one; the next threshold crossing, tick, or manual flush will.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns the queued entries oldest first. Diagnostics only.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Stats returns delivery counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Queued = len(q.entries)
	return s
}

// Close stops the timers and waits for any in-flight flush to finish.
// Queued entries are not delivered; callers wanting a final delivery
// should Flush and wait for idle first.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.tickTimer != nil {
		q.tickTimer.Stop()
	}
	if q.retryTimer != nil {
		q.retryTimer.Stop()
	}
	q.mu.Unlock()

	q.wg.Wait()
}

// WaitIdle blocks until no flush is in flight, or ctx is done. Test and
// drain support.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := !q.flushing
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// tick is the interval timer callback; it re-arms itself.
func (q *Queue) tick() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.tickTimer = q.cfg.Clock.AfterFunc(q.cfg.FlushInterval, q.tick)
	hasWork := len(q.entries) > 0
	q.mu.Unlock()

	if hasWork {
		q.requestFlush(true)
	}
}

// retryFire is the backoff timer callback: attempt delivery again, as an
// automatic trigger.
func (q *Queue) retryFire() {
	q.requestFlush(true)
}

// requestFlush starts a flush if the state machine allows it.
// Automatic triggers respect pause; all triggers respect the backoff
// window, the single-flight rule, and shutdown.
func (q *Queue) requestFlush(auto bool) {
	q.mu.Lock()
	if q.closed || q.flushing || len(q.entries) == 0 {
		q.mu.Unlock()
		return
	}
	if auto && q.paused {
		q.mu.Unlock()
		return
	}
	if q.cfg.Clock.Now().Before(q.retryUntil) {
		q.mu.Unlock()
		return
	}

	batch := q.takeBatchLocked()
	q.flushing = true
	q.wg.Add(1)
	q.mu.Unlock()

	go q.deliver(batch)
}

// takeBatchLocked snapshots up to MaxBatchSize oldest entries without
// removing them; removal happens on completion by key.
func (q *Queue) takeBatchLocked() []Entry {
	n := len(q.entries)
	if n > q.cfg.MaxBatchSize {
		n = q.cfg.MaxBatchSize
	}
	batch := make([]Entry, n)
	copy(batch, q.entries[:n])
	return batch
}

// deliver performs one network round trip and applies the outcome.
// Runs on its own goroutine; exactly one per queue at a time.
func (q *Queue) deliver(batch []Entry) {
	defer q.wg.Done()

	events := make([]event.Event, len(batch))
	for i, e := range batch {
		events[i] = e.Event
	}

	result, err := q.transport.SendBatch(context.Background(), events)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushing = false

	switch {
	case err == nil && result.AllSucceeded():
		q.removeLocked(batch)
		q.stats.Delivered += int64(len(batch))
		q.resetRetryLocked()
		q.log.Debug("batch delivered", "count", len(batch))
		q.chainLocked()

	case err == nil && !result.AllFailed():
		// Aggregate-only accounting: some succeeded, some failed, no
		// per-item status. Remove the whole batch; at-least-once beats
		// redelivering the successes forever.
		q.removeLocked(batch)
		q.stats.Delivered += int64(result.Processed)
		q.resetRetryLocked()
		q.log.Warn("batch partially delivered, removing whole batch",
			"processed", result.Processed,
			"failed", result.Failed)
		q.chainLocked()

	case err != nil && transport.IsPermanent(err):
		q.removeLocked(batch)
		q.stats.DroppedPermanent += int64(len(batch))
		q.resetRetryLocked()
		q.log.Warn("batch rejected by backend, dropping",
			"count", len(batch),
			"error", err)
		q.chainLocked()

	default:
		// Transport error or an all-failed result: transient, back off.
		q.retryCount++
		if q.retryCount > q.cfg.MaxRetries {
			q.removeLocked(batch)
			q.stats.DroppedRetries += int64(len(batch))
			q.log.Error("batch dropped after retries exhausted",
				"count", len(batch),
				"retries", q.cfg.MaxRetries,
				"error", err)
			q.resetRetryLocked()
			q.chainLocked()
			return
		}

		delay := q.cfg.RetryBaseDelay << (q.retryCount - 1)
		q.retryUntil = q.cfg.Clock.Now().Add(delay)
		if q.retryTimer != nil {
			q.retryTimer.Stop()
		}
		q.retryTimer = q.cfg.Clock.AfterFunc(delay, q.retryFire)
		q.log.Warn("batch delivery failed, backing off",
			"count", len(batch),
			"attempt", q.retryCount,
			"delay", delay,
			"error", err)
	}
}

// removeLocked deletes batch entries by key. Overflow may already have
// evicted some of them; removal by key keeps that benign.
func (q *Queue) removeLocked(batch []Entry) {
	keys := make(map[string]struct{}, len(batch))
	for _, e := range batch {
		keys[e.Key] = struct{}{}
	}
	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, ok := keys[e.Key]; !ok {
			kept = append(kept, e)
		}
	}
	// Zero the tail so removed entries do not pin memory.
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = Entry{}
	}
	q.entries = kept
}

func (q *Queue) resetRetryLocked() {
	q.retryCount = 0
	q.retryUntil = time.Time{}
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
}

// chainLocked starts a follow-up flush when the threshold is still
// exceeded. Runs with the lock held and hands off to a fresh deliver
// goroutine directly, so the queue never observably goes idle between a
// completed flush and its chained successor.
func (q *Queue) chainLocked() {
	if q.closed || q.paused {
		return
	}
	if len(q.entries) < q.cfg.FlushAt {
		return
	}
	if q.cfg.Clock.Now().Before(q.retryUntil) {
		return
	}
	batch := q.takeBatchLocked()
	q.flushing = true
	q.wg.Add(1)
	go q.deliver(batch)
}
