// Package dispatch coordinates the active journey set: it matches
// incoming events against campaign triggers, instantiates journeys under
// the campaign's limits, routes stimuli to each journey's runner, and
// applies goal and exit policies.
//
// ARCHITECTURE:
//
// The dispatcher sits between the pipeline and the runners. The pipeline
// hands it every routed event on the worker goroutine; the dispatcher
// fans the event out in a fixed order:
//  1. goal and stop-matching policy checks for each active journey
//  2. trigger dispatch into each still-active journey's runner
//  3. campaign trigger matching, which may start new journeys
// The event that starts a journey is consumed by instantiation; it is
// not also dispatched into the journey it created.
//
// Persistence is push-based: every runner is constructed with an
// OnChange hook that snapshots the journey to the store after each
// mutating pass. The same hook observes exits, so a journey leaving the
// active set is handled identically whether the exit came from an event,
// a timer, or a policy.
//
// CRITICAL PATTERNS:
//
// Quota Before Instantiation:
// Limits (max concurrent, max total, cooldown between starts) are
// checked against the store, not in-memory counters, so they hold across
// restarts. Exited journeys stay in the store and keep counting toward
// the total.
//
// Conversion Is Not Exit:
// Goal conversion is recorded on the journey exactly once regardless of
// policy; only the policy decides whether the journey also exits. Under
// the "never" policy a journey can convert and keep running.
package dispatch
