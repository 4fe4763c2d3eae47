package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/store"
	"github.com/meanderhq/meander-go/internal/value"
)

// AssertionError is returned when an assertion fails.
// It includes the scenario trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	// Header with assertion type
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)

	// Expected vs Actual (most important info)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	// Full trace for context
	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s\n", i+1, formatTraceEvent(ev))
	}

	return buf.String()
}

// formatTraceEvent renders one trace entry as a compact line for failure
// messages.
func formatTraceEvent(ev TraceEvent) string {
	switch ev.Kind {
	case TraceTrack, TraceTrigger:
		return fmt.Sprintf("%s %s", ev.Kind, ev.Name)
	case TraceIdentify:
		return fmt.Sprintf("identify %s", ev.DistinctID)
	case TraceAdvance:
		return fmt.Sprintf("advance %s", ev.By)
	case TraceTap:
		return fmt.Sprintf("tap %s/%s", ev.Screen, ev.Component)
	case TraceFailures:
		return fmt.Sprintf("fail_deliveries %d", ev.Count)
	case TraceScreen:
		return fmt.Sprintf("screen %s shown by journey %s", ev.Screen, ev.Journey)
	case TraceDismissed:
		return fmt.Sprintf("dismissed by journey %s", ev.Journey)
	case TraceBatch:
		return fmt.Sprintf("batch %v", ev.Names)
	default:
		return ev.Kind
	}
}

// assertDeliveredContains checks if any delivered event has the given name
// and carries the expected properties (subset match).
func assertDeliveredContains(delivered []event.Event, trace []TraceEvent, assertion Assertion) error {
	want := value.Sanitize(assertion.Props)

	sameName := 0
	for _, ev := range delivered {
		if ev.Name != assertion.Name {
			continue
		}
		sameName++
		if propsMatch(ev.Properties, want) {
			return nil // Found matching event
		}
	}

	actual := "no delivered event with that name"
	if sameName > 0 {
		actual = fmt.Sprintf("%d events named %s, none with matching props", sameName, assertion.Name)
	}
	return &AssertionError{
		Type:     AssertDeliveredContains,
		Expected: fmt.Sprintf("delivered event %s with props %s", assertion.Name, renderProps(want)),
		Actual:   actual,
		Trace:    trace,
	}
}

// assertDeliveredOrder checks if the named events were delivered in the
// specified order. Events don't need to be consecutive (intervening events
// are allowed).
func assertDeliveredOrder(delivered []event.Event, trace []TraceEvent, assertion Assertion) error {
	// Step 1: Find first position of each expected name
	positions := make(map[string]int)

	for i, ev := range delivered {
		for _, name := range assertion.Names {
			if ev.Name == name && positions[name] == 0 {
				positions[name] = i + 1 // 1-indexed for readability
			}
		}
	}

	// Step 2: Verify all names found
	for _, name := range assertion.Names {
		if positions[name] == 0 {
			return &AssertionError{
				Type:     AssertDeliveredOrder,
				Expected: fmt.Sprintf("all events delivered: %v", assertion.Names),
				Actual:   fmt.Sprintf("missing event: %s", name),
				Trace:    trace,
			}
		}
	}

	// Step 3: Verify order
	for i := 1; i < len(assertion.Names); i++ {
		prev := assertion.Names[i-1]
		curr := assertion.Names[i]

		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertDeliveredOrder,
				Expected: fmt.Sprintf("events in order: %v", assertion.Names),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertDeliveredCount checks if the named event was delivered exactly the
// specified number of times.
func assertDeliveredCount(delivered []event.Event, trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, ev := range delivered {
		if ev.Name == assertion.Name {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertDeliveredCount,
			Expected: fmt.Sprintf("%d deliveries of %s", assertion.Count, assertion.Name),
			Actual:   fmt.Sprintf("%d deliveries", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertStoredCount checks the persisted event count for the scenario's
// current user. Events reassigned by an identify step count under the new
// distinct ID.
func assertStoredCount(actx *AssertionContext, trace []TraceEvent, assertion Assertion) error {
	n, err := actx.Store.CountEvents(actx.Ctx, store.EventQuery{
		DistinctID: actx.DistinctID,
		Names:      []string{assertion.Name},
	})
	if err != nil {
		return fmt.Errorf("count stored events: %w", err)
	}

	if n != int64(assertion.Count) {
		return &AssertionError{
			Type:     AssertStoredCount,
			Expected: fmt.Sprintf("%d stored %s events for %s", assertion.Count, assertion.Name, actx.DistinctID),
			Actual:   fmt.Sprintf("%d stored events", n),
			Trace:    trace,
		}
	}

	return nil
}

// assertActiveJourneys checks the number of journeys still running when the
// scenario ends.
func assertActiveJourneys(actx *AssertionContext, trace []TraceEvent, assertion Assertion) error {
	if actx.ActiveJourneys != assertion.Count {
		return &AssertionError{
			Type:     AssertActiveJourneys,
			Expected: fmt.Sprintf("%d active journeys", assertion.Count),
			Actual:   fmt.Sprintf("%d active journeys", actx.ActiveJourneys),
			Trace:    trace,
		}
	}

	return nil
}

// propsMatch reports whether got carries every key in want with an equal
// value. Extra keys in got are ignored (subset semantics).
func propsMatch(got, want value.Object) bool {
	for key, wv := range want {
		gv, ok := got[key]
		if !ok || !value.Equal(gv, wv) {
			return false
		}
	}
	return true
}

// renderProps gives a compact one-line rendering for failure messages.
func renderProps(props value.Object) string {
	if len(props) == 0 {
		return "{}"
	}
	data, err := value.MarshalCanonical(props)
	if err != nil {
		return fmt.Sprintf("%v", props)
	}
	return string(data)
}

// AssertionContext carries the end-of-run state assertions evaluate against.
type AssertionContext struct {
	Ctx   context.Context
	Store *store.Store

	// DistinctID is the current user after any identify steps.
	DistinctID string

	// ActiveJourneys is the number of journeys still running.
	ActiveJourneys int

	// Delivered holds every event handed to the transport, in batch order.
	Delivered []event.Event
}

// EvaluateAssertions evaluates all assertions against the run.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store access and end-of-run state.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertDeliveredContains:
			err = assertDeliveredContains(actx.Delivered, result.Trace, assertion)
		case AssertDeliveredOrder:
			err = assertDeliveredOrder(actx.Delivered, result.Trace, assertion)
		case AssertDeliveredCount:
			err = assertDeliveredCount(actx.Delivered, result.Trace, assertion)
		case AssertStoredCount:
			err = assertStoredCount(actx, result.Trace, assertion)
		case AssertActiveJourneys:
			err = assertActiveJourneys(actx, result.Trace, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
