package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/meanderhq/meander-go/internal/value"
)

// TraceSnapshot captures the complete trace for a scenario run.
// Serialized in canonical JSON so golden files stay byte-stable.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts the snapshot to plain maps for canonical JSON
// serialization, dropping zero-valued fields the way the JSON tags would.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"kind": ev.Kind,
		}
		if ev.Name != "" {
			m["name"] = ev.Name
		}
		if ev.DistinctID != "" {
			m["distinct_id"] = ev.DistinctID
		}
		if len(ev.Props) > 0 {
			m["props"] = ev.Props
		}
		if ev.By != "" {
			m["by"] = ev.By
		}
		if ev.Screen != "" {
			m["screen"] = ev.Screen
		}
		if ev.Component != "" {
			m["component"] = ev.Component
		}
		if ev.Journey != "" {
			m["journey"] = ev.Journey
		}
		if len(ev.Names) > 0 {
			m["names"] = ev.Names
		}
		if ev.Count != 0 {
			m["count"] = ev.Count
		}
		traceList[i] = m
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
}

// MarshalTrace renders a result's trace as canonical JSON, the exact bytes
// golden files store. Shared by the test helpers below and the simulate
// command's golden comparison.
func MarshalTrace(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
	}
	return value.MarshalCanonical(value.Sanitize(snapshot.toCanonicalMap()))
}

// RunWithGolden executes a scenario and compares the trace against a golden
// file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns an error if the scenario fails to run. A trace mismatch fails the
// test via goldie rather than returning an error.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares a result's trace against the golden file for the
// given scenario name. Useful when the scenario has already run and the
// caller wants additional assertions on the same result.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
