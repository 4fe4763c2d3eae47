// Package meander is a client-side behavioral marketing SDK: it tracks
// events into a local SQLite log, delivers them to a backend in batches,
// answers behavioral queries over the local history, and runs campaign
// journeys (guided multi-step flows) triggered by that history.
//
// A Client owns four cooperating engines over one store:
//
//   - the event pipeline: a single-writer worker through which every
//     tracked event flows to storage, journey dispatch, and delivery
//   - the delivery queue: a bounded FIFO batching events to the backend
//     with retry backoff and drop-oldest overflow
//   - the journey dispatcher: matches events against activated campaign
//     definitions, starts and drives journeys, applies goal policies
//   - the behavioral query engine: count/exists/aggregate/sequence
//     queries over the local event log
//
// The host application supplies the edges: an Identity for who the user
// is, a Navigator for what journeys show on screen, a
// ConditionEvaluator for the campaign condition language, and optionally
// Sessions, an Enricher, experiment Assignments, and a RemoteCaller.
// Everything is optional except the database path and a backend
// endpoint or Transport.
//
// Journeys survive restarts: their state persists after every step, and
// New restores suspended journeys once their campaigns are activated.
// Tracking is asynchronous and never blocks on the network; the local
// log is the source of truth and delivery is best effort.
package meander
