// Package clock abstracts wall-clock reads and one-shot timers so that
// delay, backoff, and timeout behavior is testable without real sleeps.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and one-shot timers.
//
// Production code uses System; tests use Manual and advance it explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc arms a timer that runs fn on its own goroutine once d has
	// elapsed. The returned Timer can stop it before it fires.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a one-shot timer handle.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// function from running.
	Stop() bool
}

// System is the real clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (System) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) Stop() bool {
	return s.t.Stop()
}

// Manual is a test clock whose time only moves when Advance or Set is
// called. Timers fire synchronously during Advance, in deadline order, on
// the advancing goroutine.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
// Timer callbacks run outside the lock, so they may arm new timers.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
	nextID int
}

// NewManual creates a Manual clock starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc registers fn to run when the clock advances past d from now.
// A non-positive d fires on the next Advance call, not immediately.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	t := &manualTimer{
		clock:    m,
		id:       m.nextID,
		deadline: m.now.Add(d),
		fn:       fn,
	}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls within the window in deadline order. Ties fire in arming order.
// Callbacks that arm new timers within the window are honored in the same
// pass.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.advanceTo(target)
}

// Set jumps the clock to t (which must not be earlier than the current
// time), firing due timers along the way.
func (m *Manual) Set(t time.Time) {
	m.advanceTo(t)
}

func (m *Manual) advanceTo(target time.Time) {
	for {
		m.mu.Lock()
		next := m.dueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		if next.deadline.After(m.now) {
			m.now = next.deadline
		}
		m.removeLocked(next.id)
		fn := next.fn
		m.mu.Unlock()

		fn()
	}
}

// dueLocked returns the earliest timer with deadline <= target, preferring
// lower ids on ties.
func (m *Manual) dueLocked(target time.Time) *manualTimer {
	var best *manualTimer
	for _, t := range m.timers {
		if t.deadline.After(target) {
			continue
		}
		if best == nil || t.deadline.Before(best.deadline) ||
			(t.deadline.Equal(best.deadline) && t.id < best.id) {
			best = t
		}
	}
	return best
}

func (m *Manual) removeLocked(id int) {
	for i, t := range m.timers {
		if t.id == id {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// Pending returns the number of armed timers. Test helper.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

type manualTimer struct {
	clock    *Manual
	id       int
	deadline time.Time
	fn       func()
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i, other := range t.clock.timers {
		if other.id == t.id {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			return true
		}
	}
	return false
}
