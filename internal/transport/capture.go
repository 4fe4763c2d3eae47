package transport

import (
	"context"
	"sync"

	"github.com/meanderhq/meander-go/internal/event"
)

// Capture is an in-memory Transport for tests and the scenario harness.
// It records every call in order and can be scripted to fail.
//
// Thread-safety: all methods are safe for concurrent use.
type Capture struct {
	mu      sync.Mutex
	tracked []event.Event
	batches [][]event.Event
	// script holds errors or results consumed by upcoming SendBatch calls,
	// oldest first. An empty script means full success.
	script []batchOutcome
}

type batchOutcome struct {
	err    error
	result *BatchResult
}

// NewCapture creates an empty capture transport.
func NewCapture() *Capture {
	return &Capture{}
}

// TrackEvent implements Transport. Always succeeds.
func (c *Capture) TrackEvent(_ context.Context, ev event.Event) (TrackResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, ev)
	return TrackResponse{EventID: ev.ID, Status: "ok"}, nil
}

// SendBatch implements Transport. Consumes the next scripted outcome, or
// succeeds for the whole batch when the script is empty.
func (c *Capture) SendBatch(_ context.Context, events []event.Event) (BatchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := make([]event.Event, len(events))
	copy(batch, events)
	c.batches = append(c.batches, batch)

	if len(c.script) > 0 {
		next := c.script[0]
		c.script = c.script[1:]
		if next.err != nil {
			return BatchResult{}, next.err
		}
		if next.result != nil {
			return *next.result, nil
		}
	}

	return BatchResult{Processed: len(events)}, nil
}

// FailNext queues an error for upcoming SendBatch calls, one per call.
func (c *Capture) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, err := range errs {
		c.script = append(c.script, batchOutcome{err: err})
	}
}

// RespondNext queues an explicit result for an upcoming SendBatch call.
func (c *Capture) RespondNext(results ...BatchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range results {
		r := results[i]
		c.script = append(c.script, batchOutcome{result: &r})
	}
}

// Batches returns the batches sent so far, in order.
func (c *Capture) Batches() [][]event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]event.Event, len(c.batches))
	copy(out, c.batches)
	return out
}

// BatchedEvents flattens all sent batches into one slice, in send order.
func (c *Capture) BatchedEvents() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Event
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

// Tracked returns the single-event sends so far, in order.
func (c *Capture) Tracked() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Event, len(c.tracked))
	copy(out, c.tracked)
	return out
}

// Reset clears all recorded calls and the failure script.
func (c *Capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = nil
	c.batches = nil
	c.script = nil
}
