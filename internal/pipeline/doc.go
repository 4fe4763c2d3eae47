// Package pipeline implements the event ingestion pipeline.
//
// The pipeline is the write path of the SDK: every tracked event flows
// through it on its way to local storage, journey dispatch, and the
// network delivery queue.
//
// ARCHITECTURE:
//
// Single-Writer Command Loop:
// All public mutation entry points (Track, Identify, FlushEvents, Drain)
// enqueue a command onto one FIFO queue, and exactly one worker consumes
// it. This ensures:
// - All side effects of event N complete before event N+1 begins
// - Concurrent producers never race on pipeline state
// - Deterministic interleaving of tracks, identify, and flush requests
//
// Command Processing Flow:
// 1. Commands enqueued to FIFO queue (track, identify, flush, barrier)
// 2. Pipeline.Run() dequeues commands one at a time
// 3. Track: attach session, sanitize, enrich, filter, transform, route
// 4. Route: persist to SQLite (best effort), dispatch to journeys,
//    enqueue for network delivery
// 5. The worker never blocks on the network; identify sends run on a
//    side goroutine and re-enter the loop as a transitionDone command
//
// Readiness Gate:
// Track commands are accepted before storage is ready and sit in the
// queue; the worker waits for SignalReady before touching the store.
// Query paths wait through WaitReady. The signal is idempotent and
// wakes all waiters at once.
//
// Identity Transition Barrier:
// Identify closes a gate and pauses the delivery queue. Events tracked
// while the gate is closed still persist and dispatch immediately, but
// their delivery entries go to an ordered hold buffer instead of the
// queue. The $identify event is sent as its own batch; when the send
// finishes (or gives up), the gate reopens, the hold buffer drains into
// the delivery queue in original order, and a flush is requested. The
// backend therefore sees $identify strictly before every event captured
// during the transition.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Stored events are stamped with a monotonic seq from SeqClock.Next(),
// seeded from the store's max seq on startup. Queries order by
// (ts, seq, id) so equal timestamps still have one total order.
//
// FIFO Commands:
// Commands are processed strictly in enqueue order. No reordering, no
// priorities, no concurrency in the worker.
package pipeline
