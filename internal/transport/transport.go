// Package transport defines the backend wire interface: single-event sends
// for synchronous tracking and batch sends for the delivery queue.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/meanderhq/meander-go/internal/event"
)

// Transport ships events to the backend.
//
// Implementations must be safe for concurrent use; the pipeline worker and
// the delivery queue may call them from different goroutines.
type Transport interface {
	// TrackEvent sends a single event synchronously and returns the
	// backend's response.
	TrackEvent(ctx context.Context, ev event.Event) (TrackResponse, error)
	// SendBatch delivers events as one batch. The result carries aggregate
	// counts only; the backend does not report per-item status.
	SendBatch(ctx context.Context, events []event.Event) (BatchResult, error)
}

// TrackResponse is the backend's answer to a single-event send.
type TrackResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// BatchResult is the backend's aggregate accounting for one batch.
type BatchResult struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// AllSucceeded reports whether every event in the batch was processed.
func (r BatchResult) AllSucceeded() bool {
	return r.Failed == 0
}

// AllFailed reports whether nothing in the batch was processed.
func (r BatchResult) AllFailed() bool {
	return r.Processed == 0 && r.Failed > 0
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// Permanent reports whether the status is a client error (4xx class) that
// retrying cannot fix.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsPermanent reports whether err carries a 4xx StatusError.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}
