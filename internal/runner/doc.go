// Package runner executes campaign flows: it is the per-journey action
// state machine sitting at the top of the SDK stack.
//
// ARCHITECTURE:
//
// One Runner per journey. External stimuli (UI gestures, tracked events,
// view-model changes, timer firings, explicit resume signals) enter
// through public methods that append an item to a mailbox and then try
// to claim the processing baton:
// - If no pass is running, the caller's goroutine becomes the processor
//   and drains the mailbox and the action-request queue.
// - If a pass is already running, the item is left for it and the call
//   returns. Processing defers; it never overlaps.
// This serializes all journey mutations without holding a lock during
// action execution, so collaborator callbacks may safely re-enter the
// runner on the same goroutine.
//
// Action Execution:
// Matched interactions become ActionRequests on an ordered queue. One
// request is active at a time, with a cursor. Each action produces one
// of four outcomes:
// - continue: advance the cursor
// - stop-sequence: abandon the rest of this request (navigation does this)
// - pause: record a PendingAction in the journey and park
// - exit: terminate the journey with a reason
// An action panic or a permanent collaborator failure is an exit with
// reason "error".
//
// Suspension:
// A paused journey has exactly one PendingAction, persisted inside its
// FlowState. delay resumes past the action; timeWindow re-evaluates on
// resume and reschedules if the window closed again; waitUntil holds the
// absolute deadline startedAt+maxTime across repeated pauses and resumes
// unconditionally when it passes; remoteRetry re-runs the same action
// after a server-specified or default backoff. Timers are armed through
// the clock abstraction and carry a generation number, so a stale firing
// after an explicit resume is dropped.
//
// CRITICAL PATTERNS:
//
// Paused Means No Processing:
// While a PendingAction exists, queued requests accumulate but do not
// run. Only a resume (timer, matching event, explicit signal) restarts
// execution, replaying from the pending action's recorded index.
//
// Rebuild From The Snapshot:
// Resume reconstructs the active request from the persisted
// PendingAction and the campaign definition, never from in-memory
// state. A journey restored after a restart resumes through the exact
// same path.
package runner
