// Package event defines the event model shared by the pipeline, store,
// delivery queue, and journey layers.
package event

import (
	"fmt"
	"time"

	"github.com/meanderhq/meander-go/internal/value"
)

// Reserved event names emitted by the SDK itself. User events may not use
// the "$" prefix; it is stripped during validation elsewhere, never here.
const (
	NameIdentify           = "$identify"
	NameFlowOutcome        = "$flow_outcome"
	NameExperimentExposure = "$experiment_exposure"
)

// Event is a single captured occurrence. Immutable once constructed; the
// pipeline builds enriched copies rather than mutating in place.
type Event struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	DistinctID string       `json:"distinct_id"`
	SessionID  string       `json:"session_id,omitempty"`
	Properties value.Object `json:"properties,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Validate checks the minimal shape the pipeline requires before routing.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event has no id")
	}
	if e.Name == "" {
		return fmt.Errorf("event %s has no name", e.ID)
	}
	if e.DistinctID == "" {
		return fmt.Errorf("event %s (%s) has no distinct id", e.ID, e.Name)
	}
	return nil
}

// IsReserved reports whether the event carries an SDK-internal name.
func (e Event) IsReserved() bool {
	return len(e.Name) > 0 && e.Name[0] == '$'
}

// WithProperties returns a copy of the event carrying the given properties.
func (e Event) WithProperties(props value.Object) Event {
	e.Properties = props
	return e
}

// Stored is an event as read back from the local log: the captured event
// plus the logical sequence number assigned at persist time. Seq breaks
// timestamp ties so replays and queries observe one total order.
type Stored struct {
	Event
	Seq int64 `json:"seq"`
}

// Property returns the named property and whether it was present.
func (e Event) Property(name string) (value.Value, bool) {
	if e.Properties == nil {
		return nil, false
	}
	v, ok := e.Properties[name]
	return v, ok
}

// NumericProperty coerces the named property to a float64. Numbers convert
// directly and numeric strings parse. The second result is false when the
// property is absent or non-numeric.
func (e Event) NumericProperty(name string) (float64, bool) {
	v, ok := e.Property(name)
	if !ok {
		return 0, false
	}
	return value.Coerce(v)
}
