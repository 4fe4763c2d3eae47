package behavior

import (
	"context"
	"fmt"
	"time"

	"github.com/meanderhq/meander-go/internal/clock"
	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/store"
	"github.com/meanderhq/meander-go/internal/value"
)

// DefaultMaxScan bounds how many recent events a single query may read.
const DefaultMaxScan = 10000

// Predicate filters matching events by their decoded properties.
type Predicate func(props value.Object) bool

// Query is the shared filter of the simple queries: an event name,
// optional inclusive time bounds, and an optional property predicate.
// A zero Name matches every event name.
type Query struct {
	Name      string
	Since     time.Time
	Until     time.Time
	Predicate Predicate
}

// AggregateOp selects the numeric fold applied by Aggregate.
type AggregateOp string

const (
	AggregateSum         AggregateOp = "sum"
	AggregateAvg         AggregateOp = "avg"
	AggregateMin         AggregateOp = "min"
	AggregateMax         AggregateOp = "max"
	AggregateUniqueCount AggregateOp = "uniqueCount"
)

// Period is the calendar granularity of ActivePeriods buckets.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// Step is one element of an InOrder sequence.
type Step struct {
	Name      string
	Predicate Predicate
}

// InOrderOptions constrains an InOrder match. Zero durations are
// unbounded; zero times are unbounded.
type InOrderOptions struct {
	// OverallWithin caps the elapsed time between the first and last
	// matched step.
	OverallWithin time.Duration
	// PerStepWithin caps the gap between consecutive matched steps.
	PerStepWithin time.Duration
	Since         time.Time
	Until         time.Time
}

// Config wires an Engine.
type Config struct {
	Store   *store.Store
	Clock   clock.Clock // defaults to the system clock
	MaxScan int         // defaults to DefaultMaxScan
}

// Engine runs behavioral queries for one event log. Safe for concurrent
// use; it holds no mutable state.
type Engine struct {
	store   *store.Store
	clock   clock.Clock
	maxScan int
}

// NewEngine builds a query engine over the given store.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("behavior: store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.MaxScan <= 0 {
		cfg.MaxScan = DefaultMaxScan
	}
	return &Engine{
		store:   cfg.Store,
		clock:   cfg.Clock,
		maxScan: cfg.MaxScan,
	}, nil
}

// Count returns how many events match the query. Without a predicate the
// count runs entirely in SQL.
func (e *Engine) Count(ctx context.Context, distinctID string, q Query) (int, error) {
	if q.Predicate == nil {
		n, err := e.store.CountEvents(ctx, e.storeQuery(distinctID, q))
		if err != nil {
			return 0, fmt.Errorf("count events: %w", err)
		}
		return int(n), nil
	}

	events, err := e.fetch(ctx, distinctID, q)
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// Exists reports whether at least one event matches the query.
func (e *Engine) Exists(ctx context.Context, distinctID string, q Query) (bool, error) {
	n, err := e.Count(ctx, distinctID, q)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FirstTime returns the timestamp of the earliest matching event. The
// second result is false when nothing matches.
func (e *Engine) FirstTime(ctx context.Context, distinctID string, q Query) (time.Time, bool, error) {
	events, err := e.fetch(ctx, distinctID, q)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(events) == 0 {
		return time.Time{}, false, nil
	}
	return events[0].Timestamp, true, nil
}

// LastTime returns the timestamp of the latest matching event. The second
// result is false when nothing matches.
func (e *Engine) LastTime(ctx context.Context, distinctID string, q Query) (time.Time, bool, error) {
	events, err := e.fetch(ctx, distinctID, q)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(events) == 0 {
		return time.Time{}, false, nil
	}
	return events[len(events)-1].Timestamp, true, nil
}

// Aggregate folds the named property over matching events after coercing
// it to a number per event. Events without a numeric value for the
// property are skipped. The second result is false when zero numeric
// values matched, which distinguishes "no data" from an aggregate of zero.
func (e *Engine) Aggregate(ctx context.Context, distinctID string, op AggregateOp, prop string, q Query) (float64, bool, error) {
	if prop == "" {
		return 0, false, fmt.Errorf("aggregate: property name is required")
	}

	events, err := e.fetch(ctx, distinctID, q)
	if err != nil {
		return 0, false, err
	}

	var values []float64
	for _, ev := range events {
		if v, ok := ev.NumericProperty(prop); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0, false, nil
	}

	switch op {
	case AggregateSum:
		return sum(values), true, nil
	case AggregateAvg:
		return sum(values) / float64(len(values)), true, nil
	case AggregateMin:
		lo := values[0]
		for _, v := range values[1:] {
			if v < lo {
				lo = v
			}
		}
		return lo, true, nil
	case AggregateMax:
		hi := values[0]
		for _, v := range values[1:] {
			if v > hi {
				hi = v
			}
		}
		return hi, true, nil
	case AggregateUniqueCount:
		seen := make(map[float64]struct{}, len(values))
		for _, v := range values {
			seen[v] = struct{}{}
		}
		return float64(len(seen)), true, nil
	default:
		return 0, false, fmt.Errorf("aggregate: unknown op %q", op)
	}
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}

// InOrder reports whether the steps occur in order in the user's history.
// Matching is greedy and never backtracks: each step binds to the earliest
// qualifying event at or after the previous step's match. A qualifying
// event that violates the per-step or overall window fails the whole
// sequence immediately, because every later candidate is further away.
func (e *Engine) InOrder(ctx context.Context, distinctID string, steps []Step, opt InOrderOptions) (bool, error) {
	if len(steps) == 0 {
		return true, nil
	}
	names := make([]string, 0, len(steps))
	seen := make(map[string]bool, len(steps))
	for i, st := range steps {
		if st.Name == "" {
			return false, fmt.Errorf("in order: step %d has no event name", i)
		}
		if !seen[st.Name] {
			seen[st.Name] = true
			names = append(names, st.Name)
		}
	}

	events, err := e.store.QueryEvents(ctx, store.EventQuery{
		DistinctID: distinctID,
		Names:      names,
		Since:      opt.Since,
		Until:      opt.Until,
		Recent:     e.maxScan,
	})
	if err != nil {
		return false, fmt.Errorf("query events: %w", err)
	}

	idx := 0
	var firstAt, prevAt time.Time
	for _, ev := range events {
		st := steps[idx]
		if ev.Name != st.Name {
			continue
		}
		if st.Predicate != nil && !st.Predicate(ev.Properties) {
			continue
		}

		if idx == 0 {
			firstAt = ev.Timestamp
		} else {
			if opt.PerStepWithin > 0 && ev.Timestamp.Sub(prevAt) > opt.PerStepWithin {
				return false, nil
			}
			if opt.OverallWithin > 0 && ev.Timestamp.Sub(firstAt) > opt.OverallWithin {
				return false, nil
			}
		}

		prevAt = ev.Timestamp
		idx++
		if idx == len(steps) {
			return true, nil
		}
	}
	return false, nil
}

// ActivePeriods reports whether the user was active in at least min
// distinct calendar buckets across the trailing total buckets (the current
// bucket plus the total-1 before it). Multiple events in one bucket count
// once.
func (e *Engine) ActivePeriods(ctx context.Context, distinctID, name string, period Period, total, min int, pred Predicate) (bool, error) {
	if total <= 0 {
		return false, fmt.Errorf("active periods: total must be positive, got %d", total)
	}

	now := e.clock.Now().UTC()
	since, err := periodWindowStart(now, period, total)
	if err != nil {
		return false, err
	}

	events, err := e.fetch(ctx, distinctID, Query{
		Name:      name,
		Since:     since,
		Until:     now,
		Predicate: pred,
	})
	if err != nil {
		return false, err
	}

	buckets := make(map[string]struct{})
	for _, ev := range events {
		buckets[periodKey(ev.Timestamp.UTC(), period)] = struct{}{}
	}
	return len(buckets) >= min, nil
}

// Stopped reports whether the user last did the event at least inactiveFor
// ago. False when the event never occurred: someone who never started
// cannot have stopped.
func (e *Engine) Stopped(ctx context.Context, distinctID, name string, inactiveFor time.Duration, pred Predicate) (bool, error) {
	last, ok, err := e.LastTime(ctx, distinctID, Query{Name: name, Predicate: pred})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return e.clock.Now().Sub(last) >= inactiveFor, nil
}

// Restarted reports whether the user came back after a break: somewhere in
// the history two consecutive matching events are at least inactiveFor
// apart, and the latest matching event is within `within` of now.
func (e *Engine) Restarted(ctx context.Context, distinctID, name string, inactiveFor, within time.Duration, pred Predicate) (bool, error) {
	events, err := e.fetch(ctx, distinctID, Query{Name: name, Predicate: pred})
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return false, nil
	}

	hadGap := false
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Sub(events[i-1].Timestamp) >= inactiveFor {
			hadGap = true
			break
		}
	}
	if !hadGap {
		return false, nil
	}

	last := events[len(events)-1].Timestamp
	return e.clock.Now().Sub(last) <= within, nil
}

// fetch reads matching events oldest first, bounded to the MaxScan most
// recent, with the predicate applied after decode.
func (e *Engine) fetch(ctx context.Context, distinctID string, q Query) ([]event.Stored, error) {
	events, err := e.store.QueryEvents(ctx, e.storeQuery(distinctID, q))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	if q.Predicate == nil {
		return events, nil
	}

	matched := make([]event.Stored, 0, len(events))
	for _, ev := range events {
		if q.Predicate(ev.Properties) {
			matched = append(matched, ev)
		}
	}
	return matched, nil
}

func (e *Engine) storeQuery(distinctID string, q Query) store.EventQuery {
	sq := store.EventQuery{
		DistinctID: distinctID,
		Since:      q.Since,
		Until:      q.Until,
		Recent:     e.maxScan,
	}
	if q.Name != "" {
		sq.Names = []string{q.Name}
	}
	return sq
}

// periodWindowStart returns the first instant of the oldest bucket in a
// trailing window of total buckets ending at now's bucket.
func periodWindowStart(now time.Time, period Period, total int) (time.Time, error) {
	switch period {
	case PeriodDay:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start.AddDate(0, 0, -(total - 1)), nil
	case PeriodWeek:
		// ISO weeks start on Monday.
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		start = start.AddDate(0, 0, -(weekday - 1))
		return start.AddDate(0, 0, -7*(total-1)), nil
	case PeriodMonth:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start.AddDate(0, -(total - 1), 0), nil
	case PeriodYear:
		start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return start.AddDate(-(total - 1), 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("active periods: unknown period %q", period)
	}
}

func periodKey(t time.Time, period Period) string {
	switch period {
	case PeriodWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case PeriodMonth:
		return t.Format("2006-01")
	case PeriodYear:
		return t.Format("2006")
	default:
		return t.Format("2006-01-02")
	}
}
