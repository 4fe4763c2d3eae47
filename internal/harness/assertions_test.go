package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/store"
	"github.com/meanderhq/meander-go/internal/value"
)

func TestAssertDeliveredContains_Found(t *testing.T) {
	delivered := []event.Event{
		{Name: "signup_completed", Properties: value.Object{"plan": value.String("pro"), "seats": value.Number(3)}},
		{Name: "welcome_accepted"},
	}

	assertion := Assertion{
		Type:  AssertDeliveredContains,
		Name:  "signup_completed",
		Props: map[string]any{"plan": "pro"},
	}

	err := assertDeliveredContains(delivered, nil, assertion)
	assert.NoError(t, err)
}

func TestAssertDeliveredContains_NotFound(t *testing.T) {
	delivered := []event.Event{
		{Name: "signup_completed"},
	}

	assertion := Assertion{
		Type: AssertDeliveredContains,
		Name: "welcome_accepted", // Never delivered
	}

	err := assertDeliveredContains(delivered, nil, assertion)
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Equal(t, "delivered_contains", assertErr.Type)
	assert.Contains(t, assertErr.Expected, "welcome_accepted")
	assert.Equal(t, "no delivered event with that name", assertErr.Actual)
}

func TestAssertDeliveredContains_WrongProps(t *testing.T) {
	delivered := []event.Event{
		{Name: "signup_completed", Properties: value.Object{"plan": value.String("free")}},
	}

	assertion := Assertion{
		Type:  AssertDeliveredContains,
		Name:  "signup_completed",
		Props: map[string]any{"plan": "pro"}, // Wrong value
	}

	err := assertDeliveredContains(delivered, nil, assertion)
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Contains(t, assertErr.Actual, "1 events named signup_completed")
	assert.Contains(t, assertErr.Actual, "none with matching props")
}

func TestAssertDeliveredContains_SubsetMatch(t *testing.T) {
	// Delivered event has more props than expected; still matches.
	delivered := []event.Event{
		{Name: "purchase", Properties: value.Object{
			"sku":    value.String("widget"),
			"amount": value.Number(19.99),
			"meta":   value.Object{"source": value.String("web")},
		}},
	}

	assertion := Assertion{
		Type:  AssertDeliveredContains,
		Name:  "purchase",
		Props: map[string]any{"sku": "widget"},
	}

	err := assertDeliveredContains(delivered, nil, assertion)
	assert.NoError(t, err)
}

func TestAssertDeliveredContains_NoPropsRequired(t *testing.T) {
	delivered := []event.Event{
		{Name: "purchase", Properties: value.Object{"sku": value.String("widget")}},
	}

	assertion := Assertion{
		Type: AssertDeliveredContains,
		Name: "purchase",
		// No props: any delivery of this event matches.
	}

	err := assertDeliveredContains(delivered, nil, assertion)
	assert.NoError(t, err)
}

func TestAssertDeliveredOrder_Correct(t *testing.T) {
	delivered := []event.Event{
		{Name: "signup_completed"},
		{Name: "welcome_accepted"},
		{Name: "$flow_outcome"},
	}

	assertion := Assertion{
		Type:  AssertDeliveredOrder,
		Names: []string{"signup_completed", "welcome_accepted", "$flow_outcome"},
	}

	err := assertDeliveredOrder(delivered, nil, assertion)
	assert.NoError(t, err)
}

func TestAssertDeliveredOrder_WrongOrder(t *testing.T) {
	delivered := []event.Event{
		{Name: "welcome_accepted"}, // Accepted before signup
		{Name: "signup_completed"},
	}

	assertion := Assertion{
		Type:  AssertDeliveredOrder,
		Names: []string{"signup_completed", "welcome_accepted"},
	}

	err := assertDeliveredOrder(delivered, nil, assertion)
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Equal(t, "delivered_order", assertErr.Type)
	assert.Contains(t, assertErr.Actual, "should be before")
}

func TestAssertDeliveredOrder_MissingEvent(t *testing.T) {
	delivered := []event.Event{
		{Name: "signup_completed"},
	}

	assertion := Assertion{
		Type:  AssertDeliveredOrder,
		Names: []string{"signup_completed", "welcome_accepted"}, // Second never shipped
	}

	err := assertDeliveredOrder(delivered, nil, assertion)
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Contains(t, assertErr.Actual, "missing event")
	assert.Contains(t, assertErr.Actual, "welcome_accepted")
}

func TestAssertDeliveredOrder_InterveningEventsAllowed(t *testing.T) {
	// Expected events don't need to be consecutive.
	delivered := []event.Event{
		{Name: "signup_completed"},
		{Name: "page_viewed"}, // Intervening event
		{Name: "welcome_accepted"},
	}

	assertion := Assertion{
		Type:  AssertDeliveredOrder,
		Names: []string{"signup_completed", "welcome_accepted"},
	}

	err := assertDeliveredOrder(delivered, nil, assertion)
	assert.NoError(t, err)
}

func TestAssertDeliveredCount_Exact(t *testing.T) {
	delivered := []event.Event{
		{Name: "page_viewed"},
		{Name: "purchase"},
		{Name: "page_viewed"},
	}

	assertion := Assertion{
		Type:  AssertDeliveredCount,
		Name:  "page_viewed",
		Count: 2,
	}

	err := assertDeliveredCount(delivered, nil, assertion)
	assert.NoError(t, err)
}

func TestAssertDeliveredCount_Mismatch(t *testing.T) {
	delivered := []event.Event{
		{Name: "page_viewed"},
	}

	assertion := Assertion{
		Type:  AssertDeliveredCount,
		Name:  "page_viewed",
		Count: 3, // Expected 3, got 1
	}

	err := assertDeliveredCount(delivered, nil, assertion)
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Equal(t, "delivered_count", assertErr.Type)
	assert.Contains(t, assertErr.Expected, "3 deliveries")
	assert.Contains(t, assertErr.Actual, "1 deliveries")
}

func TestAssertDeliveredCount_Zero(t *testing.T) {
	delivered := []event.Event{
		{Name: "page_viewed"},
	}

	// Assert that an event was NOT delivered.
	assertion := Assertion{
		Type:  AssertDeliveredCount,
		Name:  "purchase",
		Count: 0,
	}

	err := assertDeliveredCount(delivered, nil, assertion)
	assert.NoError(t, err)
}

func TestPropsMatch_SubsetSemantics(t *testing.T) {
	tests := []struct {
		name string
		got  value.Object
		want value.Object
		pass bool
	}{
		{
			name: "exact_match",
			got:  value.Object{"key": value.String("value")},
			want: value.Object{"key": value.String("value")},
			pass: true,
		},
		{
			name: "subset_match",
			got:  value.Object{"key1": value.String("a"), "key2": value.String("b")},
			want: value.Object{"key1": value.String("a")},
			pass: true,
		},
		{
			name: "missing_key",
			got:  value.Object{"key1": value.String("a")},
			want: value.Object{"key1": value.String("a"), "key2": value.String("b")},
			pass: false,
		},
		{
			name: "value_mismatch",
			got:  value.Object{"key": value.String("actual")},
			want: value.Object{"key": value.String("expected")},
			pass: false,
		},
		{
			name: "empty_want",
			got:  value.Object{"key": value.String("value")},
			want: value.Object{},
			pass: true,
		},
		{
			name: "nil_want",
			got:  value.Object{"key": value.String("value")},
			want: nil,
			pass: true,
		},
		{
			name: "nested_match",
			got:  value.Object{"outer": value.Object{"inner": value.String("v")}},
			want: value.Object{"outer": value.Object{"inner": value.String("v")}},
			pass: true,
		},
		{
			name: "number_match",
			got:  value.Object{"count": value.Number(42)},
			want: value.Object{"count": value.Number(42)},
			pass: true,
		},
		{
			name: "bool_mismatch",
			got:  value.Object{"converted": value.Bool(false)},
			want: value.Object{"converted": value.Bool(true)},
			pass: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.pass, propsMatch(tt.got, tt.want))
		})
	}
}

func TestRenderProps(t *testing.T) {
	assert.Equal(t, "{}", renderProps(nil))
	assert.Equal(t, "{}", renderProps(value.Object{}))

	// Canonical rendering sorts keys.
	props := value.Object{"plan": value.String("pro"), "count": value.Number(3)}
	assert.Equal(t, `{"count":3,"plan":"pro"}`, renderProps(props))
}

// Stored-count assertions run against a real database.

func setupAssertionStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedStoredEvent(t *testing.T, st *store.Store, id, name, distinctID string, seq int64) {
	t.Helper()
	err := st.InsertEvent(context.Background(), event.Stored{
		Event: event.Event{
			ID:         id,
			Name:       name,
			DistinctID: distinctID,
			Timestamp:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
		},
		Seq: seq,
	})
	require.NoError(t, err)
}

func TestAssertStoredCount_Match(t *testing.T) {
	st := setupAssertionStore(t)
	seedStoredEvent(t, st, "evt-1", "open", "user-1", 1)
	seedStoredEvent(t, st, "evt-2", "open", "user-1", 2)
	seedStoredEvent(t, st, "evt-3", "open", "user-2", 3)
	seedStoredEvent(t, st, "evt-4", "purchase", "user-1", 4)

	actx := &AssertionContext{
		Ctx:        context.Background(),
		Store:      st,
		DistinctID: "user-1",
	}

	assertion := Assertion{Type: AssertStoredCount, Name: "open", Count: 2}
	err := assertStoredCount(actx, nil, assertion)
	assert.NoError(t, err)
}

func TestAssertStoredCount_Mismatch(t *testing.T) {
	st := setupAssertionStore(t)
	seedStoredEvent(t, st, "evt-1", "open", "user-1", 1)
	seedStoredEvent(t, st, "evt-2", "open", "user-1", 2)

	actx := &AssertionContext{
		Ctx:        context.Background(),
		Store:      st,
		DistinctID: "user-1",
	}

	assertion := Assertion{Type: AssertStoredCount, Name: "open", Count: 3}
	err := assertStoredCount(actx, nil, assertion)
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Equal(t, "stored_count", assertErr.Type)
	assert.Contains(t, assertErr.Expected, "3 stored open events for user-1")
	assert.Contains(t, assertErr.Actual, "2 stored events")
}

func TestAssertStoredCount_QueryError(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	actx := &AssertionContext{
		Ctx:        context.Background(),
		Store:      st,
		DistinctID: "user-1",
	}

	assertion := Assertion{Type: AssertStoredCount, Name: "open", Count: 1}
	err = assertStoredCount(actx, nil, assertion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count stored events")

	// A query failure is an infrastructure error, not an assertion failure.
	_, ok := err.(*AssertionError)
	assert.False(t, ok)
}

func TestAssertActiveJourneys_Match(t *testing.T) {
	actx := &AssertionContext{ActiveJourneys: 1}

	assertion := Assertion{Type: AssertActiveJourneys, Count: 1}
	err := assertActiveJourneys(actx, nil, assertion)
	assert.NoError(t, err)
}

func TestAssertActiveJourneys_Mismatch(t *testing.T) {
	actx := &AssertionContext{ActiveJourneys: 2}

	assertion := Assertion{Type: AssertActiveJourneys, Count: 0}
	err := assertActiveJourneys(actx, nil, assertion)
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Equal(t, "active_journeys", assertErr.Type)
	assert.Contains(t, assertErr.Expected, "0 active journeys")
	assert.Contains(t, assertErr.Actual, "2 active journeys")
}

func TestEvaluateAssertions_AllPass(t *testing.T) {
	st := setupAssertionStore(t)
	seedStoredEvent(t, st, "evt-1", "signup_completed", "user-1", 1)

	result := &Result{
		Trace: []TraceEvent{
			{Kind: TraceTrack, Name: "signup_completed"},
			{Kind: TraceBatch, Names: []string{"signup_completed", "welcome_accepted"}},
		},
	}

	actx := &AssertionContext{
		Ctx:            context.Background(),
		Store:          st,
		DistinctID:     "user-1",
		ActiveJourneys: 0,
		Delivered: []event.Event{
			{Name: "signup_completed", Properties: value.Object{"plan": value.String("pro")}},
			{Name: "welcome_accepted"},
		},
	}

	assertions := []Assertion{
		{Type: AssertDeliveredContains, Name: "signup_completed", Props: map[string]any{"plan": "pro"}},
		{Type: AssertDeliveredOrder, Names: []string{"signup_completed", "welcome_accepted"}},
		{Type: AssertDeliveredCount, Name: "welcome_accepted", Count: 1},
		{Type: AssertStoredCount, Name: "signup_completed", Count: 1},
		{Type: AssertActiveJourneys, Count: 0},
	}

	errors := EvaluateAssertions(result, assertions, actx)
	assert.Empty(t, errors)
}

func TestEvaluateAssertions_SomeFail(t *testing.T) {
	st := setupAssertionStore(t)

	result := &Result{
		Trace: []TraceEvent{
			{Kind: TraceTrack, Name: "signup_completed"},
		},
	}

	actx := &AssertionContext{
		Ctx:        context.Background(),
		Store:      st,
		DistinctID: "user-1",
		Delivered: []event.Event{
			{Name: "signup_completed"},
		},
	}

	assertions := []Assertion{
		{Type: AssertDeliveredContains, Name: "signup_completed"}, // Should pass
		{Type: AssertDeliveredContains, Name: "welcome_accepted"}, // Should fail - never delivered
		{Type: AssertDeliveredCount, Name: "signup_completed", Count: 3}, // Should fail - count is 1, not 3
	}

	errors := EvaluateAssertions(result, assertions, actx)
	require.Len(t, errors, 2)
	assert.Contains(t, errors[0], "welcome_accepted")
	assert.Contains(t, errors[1], "3 deliveries")
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	result := &Result{Trace: []TraceEvent{}}

	assertions := []Assertion{
		{Type: "unknown_assertion_type"},
	}

	errors := EvaluateAssertions(result, assertions, nil)
	require.Len(t, errors, 1)
	assert.Contains(t, errors[0], "unknown assertion type")
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	trace := []TraceEvent{
		{Kind: TraceTrack, Name: "signup_completed"},
		{Kind: TraceScreen, Journey: "j-1", Screen: "intro"},
		{Kind: TraceBatch, Names: []string{"signup_completed"}},
	}

	err := &AssertionError{
		Type:     "delivered_contains",
		Expected: "delivered event welcome_accepted with props {}",
		Actual:   "no delivered event with that name",
		Trace:    trace,
	}

	errorStr := err.Error()
	assert.Contains(t, errorStr, "Assertion failed: delivered_contains")
	assert.Contains(t, errorStr, "Expected: delivered event welcome_accepted")
	assert.Contains(t, errorStr, "Actual: no delivered event with that name")
	assert.Contains(t, errorStr, "Full trace:")
	assert.Contains(t, errorStr, "track signup_completed")
	assert.Contains(t, errorStr, "screen intro shown by journey j-1")
}

func TestFormatTraceEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   TraceEvent
		want string
	}{
		{"track", TraceEvent{Kind: TraceTrack, Name: "signup_completed"}, "track signup_completed"},
		{"trigger", TraceEvent{Kind: TraceTrigger, Name: "remind_me_later"}, "trigger remind_me_later"},
		{"identify", TraceEvent{Kind: TraceIdentify, DistinctID: "customer-7"}, "identify customer-7"},
		{"advance", TraceEvent{Kind: TraceAdvance, By: "60s"}, "advance 60s"},
		{"tap", TraceEvent{Kind: TraceTap, Screen: "intro", Component: "cta"}, "tap intro/cta"},
		{"fail_deliveries", TraceEvent{Kind: TraceFailures, Count: 2}, "fail_deliveries 2"},
		{"screen", TraceEvent{Kind: TraceScreen, Screen: "intro", Journey: "j-1"}, "screen intro shown by journey j-1"},
		{"dismissed", TraceEvent{Kind: TraceDismissed, Journey: "j-1"}, "dismissed by journey j-1"},
		{"batch", TraceEvent{Kind: TraceBatch, Names: []string{"a", "b"}}, "batch [a b]"},
		{"flush", TraceEvent{Kind: TraceFlush}, "flush"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatTraceEvent(tt.ev))
		})
	}
}
