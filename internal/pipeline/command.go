package pipeline

import (
	"sync"
	"time"

	"github.com/meanderhq/meander-go/internal/event"
)

// commandKind distinguishes the command variants.
type commandKind int

const (
	// cmdTrack processes one tracked event end to end.
	cmdTrack commandKind = iota + 1
	// cmdIdentify starts an identity transition.
	cmdIdentify
	// cmdTransitionDone completes an identity transition; enqueued by the
	// identify sender goroutine, never by callers.
	cmdTransitionDone
	// cmdFlush asks the delivery queue for a manual flush.
	cmdFlush
	// cmdBarrier wakes its waiter once every command ahead of it has been
	// fully processed.
	cmdBarrier
)

// command is the tagged variant flowing through the pipeline queue.
// Exactly one payload field is set, matching the kind.
type command struct {
	kind     commandKind
	track    *trackRequest
	identify *identifyRequest
	barrier  chan struct{}
}

// trackRequest carries a submitted event until the worker processes it.
// The id and timestamp are fixed at submission time; the distinct id is
// resolved at processing time so an identify ahead in the queue applies
// first.
type trackRequest struct {
	id      string
	name    string
	props   map[string]any
	at      time.Time
	deliver bool
	// reply, when non-nil, receives the routed event (TrackWithResponse).
	// Buffered with capacity 1; the worker never blocks on it.
	reply chan trackOutcome
}

type trackOutcome struct {
	ev  event.Event
	err error
}

// identifyRequest carries an identity transition request.
type identifyRequest struct {
	distinctID string
	props      map[string]any
}

// commandQueue is a thread-safe FIFO for pipeline commands.
//
// The queue is unbounded so producers never block: track submission must
// always succeed, even while the worker is held at the readiness gate.
//
// The signal channel (buffered, size 1) coalesces wakeups so the Run loop
// can wait for work and context cancellation in one select.
type commandQueue struct {
	mu       sync.Mutex
	commands []command
	closed   bool
	signal   chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		commands: make([]command, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a command to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *commandQueue) Enqueue(c command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.commands = append(q.commands, c)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front command without blocking.
// Returns (command{}, false) if the queue is empty.
func (q *commandQueue) TryDequeue() (command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.commands) == 0 {
		return command{}, false
	}

	c := q.commands[0]

	// Nil out the slot so the command's payload pointers do not pin
	// memory through the backing array.
	q.commands[0] = command{}

	if len(q.commands) == 1 {
		q.commands = q.commands[:0]
	} else {
		q.commands = q.commands[1:]
	}

	return c, true
}

// Wait returns a channel that signals when commands may be available.
// The channel closes when the queue closes, so waiters always wake.
func (q *commandQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands)
}

// Close marks the queue closed and wakes all waiters. Commands already
// queued are still dequeued; new enqueues are refused.
func (q *commandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
