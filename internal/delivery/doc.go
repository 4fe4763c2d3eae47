// Package delivery implements the bounded network delivery queue: the
// buffer between event capture and the backend batch endpoint.
//
// ARCHITECTURE
//
// The queue is a mutex-owned FIFO with three delivery triggers: a count
// threshold checked on enqueue, a periodic interval timer, and manual
// flush requests. Pausing suppresses the automatic triggers only; a
// manual flush always attempts delivery unless the queue is inside a
// retry backoff window, which suppresses everything until it elapses.
//
// At most one flush is in flight at a time. The network round trip runs
// on its own goroutine; completion re-enters the queue, applies the
// outcome, and chains another flush when the threshold is still exceeded.
//
// Failure handling: 4xx-class responses drop the batch immediately
// (retrying cannot fix a client error). Anything else backs off
// exponentially from the base retry delay and gives up after the
// configured number of retries.
//
// Overflow: enqueue never fails; at capacity the single oldest entry is
// evicted first. Memory stays bounded at the cost of the least-recent
// data.
package delivery
