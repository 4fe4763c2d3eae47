// Package harness provides scenario testing for the meander client stack.
//
// The harness assembles a full in-memory stack (store, event pipeline,
// delivery queue, campaign dispatcher) around a capturing transport and a
// manual clock, executes a scripted scenario step by step, and validates
// what the run delivered, stored, and left running.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	campaigns:
//	  - campaigns/welcome.json
//	distinct_id: user-1
//	start_time: "2025-01-01T00:00:00Z"
//	steps:
//	  - track: signup_completed
//	    props: { plan: pro }
//	  - tap: { screen: intro, component: cta }
//	  - advance: 30s
//	  - identify: user-42
//	  - flush: true
//	assertions:
//	  - type: delivered_contains
//	    name: welcome_accepted
//	    props: { plan: pro }
//	  - type: stored_count
//	    name: signup_completed
//	    count: 1
//
// Each step performs exactly one operation: track, trigger, identify,
// advance, tap, flush, or fail_deliveries.
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - delivered_contains: an event with the given name and props (subset
//     match) reached the transport
//   - delivered_order: the named events reached the transport in order
//   - delivered_count: the named event reached the transport exactly N times
//   - stored_count: the store holds exactly N events with the given name
//     for the current user
//   - active_journeys: exactly N journeys are still running at scenario end
//
// # Deterministic Testing
//
// Scenarios run against a manual clock and sequence id generators, so the
// same scenario always produces the same trace. After every step the
// harness settles the stack before moving on: it drains the pipeline
// worker, waits out any identity transition, and waits for the delivery
// queue to go idle. Timers fire only inside advance steps, synchronously,
// in deadline order.
//
// The harness uses:
//   - A manual clock (clock.Manual) advanced only by advance steps
//   - Sequence id generators ("ev-1", "ev-2", ...) for events and journeys
//   - An in-memory SQLite database (isolated per run)
//   - A capturing transport (transport.Capture) instead of the network
//
// This ensures identical traces across runs for golden file comparison.
//
// # Usage
//
// Load and run a scenario:
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/welcome.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
