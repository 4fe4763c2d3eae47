package harness

// TraceEvent is one observable moment of a scenario run: either a step
// the scenario performed or an effect the stack produced (a screen
// shown, a journey dismissed, a batch delivered). The trace is the
// golden-file payload, so it carries only deterministic fields.
type TraceEvent struct {
	Kind       string         `json:"kind"`
	Name       string         `json:"name,omitempty"`
	DistinctID string         `json:"distinct_id,omitempty"`
	Props      map[string]any `json:"props,omitempty"`
	By         string         `json:"by,omitempty"`
	Screen     string         `json:"screen,omitempty"`
	Component  string         `json:"component,omitempty"`
	Journey    string         `json:"journey,omitempty"`
	Names      []string       `json:"names,omitempty"`
	Count      int            `json:"count,omitempty"`
}

// Trace event kinds. Step kinds mirror the step fields; the rest are
// effects observed during execution.
const (
	TraceTrack     = "track"
	TraceTrigger   = "trigger"
	TraceIdentify  = "identify"
	TraceAdvance   = "advance"
	TraceTap       = "tap"
	TraceFlush     = "flush"
	TraceFailures  = "fail_deliveries"
	TraceScreen    = "screen"
	TraceDismissed = "dismissed"
	TraceBatch     = "batch"
)

// Result is the outcome of one scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists steps and effects in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed assertion.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates an empty passing result.
func NewResult() *Result {
	return &Result{
		Pass:  true,
		Trace: []TraceEvent{},
	}
}

// AddError records an assertion failure and marks the result failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// addTrace appends one trace event.
func (r *Result) addTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
