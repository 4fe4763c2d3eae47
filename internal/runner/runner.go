package runner

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meanderhq/meander-go/internal/campaign"
	"github.com/meanderhq/meander-go/internal/clock"
	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/journey"
	"github.com/meanderhq/meander-go/internal/value"
)

// DefaultRetryDelay is the backoff applied to retryable action failures
// when the failing collaborator did not specify its own.
const DefaultRetryDelay = 30 * time.Second

// EventSink receives analytics events produced by flow actions (track
// actions, experiment exposures).
type EventSink interface {
	Track(name string, props value.Object) error
}

// Navigator is the presentation layer. ShowScreen and Dismiss are
// notifications, not requests: by the time they are called the journey
// state has already moved. A nil Navigator is valid for headless use.
type Navigator interface {
	ShowScreen(journeyID, screenID string)
	Dismiss(journeyID string)
}

// Env is the data a condition is evaluated against.
type Env struct {
	Journey *journey.Journey
	Event   *event.Event
}

// ConditionEvaluator decides wait conditions. Event is nil when the
// evaluation was not prompted by an event.
type ConditionEvaluator interface {
	Evaluate(cond value.Object, env Env) (bool, error)
}

// Assignments supplies server-side experiment assignments. Variant
// returns false when the server has no assignment for the experiment.
type Assignments interface {
	Variant(experimentID string) (string, bool)
}

// RemoteCaller executes remote actions. Errors are retried on a backoff
// unless wrapped with Permanent.
type RemoteCaller interface {
	Call(endpoint string, params value.Object) error
}

// TriggerContext records which interaction produced a request. It rides
// along so suspension points can be reconstructed and so conditions can
// see the triggering event.
type TriggerContext struct {
	InteractionID string
	ScreenID      string
	ComponentID   string
	Kind          campaign.TriggerKind
	Event         *event.Event
}

// ActionRequest is one interaction firing: the interaction's action list
// plus the trigger that fired it.
type ActionRequest struct {
	Actions []campaign.Action
	Trigger TriggerContext
}

// ValueChange is one view-model mutation reported by the presentation
// layer. Trigger marks a fire-once property that resets to zero one tick
// after matching interactions have been dispatched.
type ValueChange struct {
	Path    string
	Value   value.Value
	Trigger bool
}

// ResumeReason says why a suspended journey is waking up.
type ResumeReason string

const (
	// ResumeTimer means the suspension's own timer fired.
	ResumeTimer ResumeReason = "timer"
	// ResumeEvent means an event satisfied a wait condition.
	ResumeEvent ResumeReason = "event"
	// ResumeSignal is an explicit external wake. The suspended action
	// re-runs and may suspend again.
	ResumeSignal ResumeReason = "signal"
)

// Exit reasons the runner itself produces. Coordinators layer their own
// on top (goal reached, trigger stopped matching, cancellation).
const (
	ExitReasonCompleted = "completed"
	ExitReasonError     = "error"
)

// Config carries the collaborators for one Runner. Journey, Definition
// and Events are required; everything else has a usable zero state.
type Config struct {
	Journey    *journey.Journey
	Definition *campaign.Definition
	Events     EventSink
	Conditions ConditionEvaluator
	Remote     RemoteCaller
	Assigner   Assignments
	Navigator  Navigator

	// Clock defaults to the system clock. Tests substitute a manual one.
	Clock clock.Clock

	// RetryDelay is the default backoff for retryable action failures.
	// Zero means DefaultRetryDelay.
	RetryDelay time.Duration

	// OnChange is called after each processing pass that mutated the
	// journey, with the mutations applied. This is the persistence hook.
	OnChange func(*journey.Journey)

	Logger *slog.Logger
}

// Runner drives one journey through its campaign's flow. All methods are
// safe for concurrent use and safe to call from inside collaborator
// callbacks.
type Runner struct {
	j          *journey.Journey
	def        *campaign.Definition
	sink       EventSink
	conds      ConditionEvaluator
	remote     RemoteCaller
	assigner   Assignments
	nav        Navigator
	clk        clock.Clock
	retryDelay time.Duration
	onChange   func(*journey.Journey)
	log        *slog.Logger

	mu         sync.Mutex
	processing bool
	closed     bool
	items      []item
	requests   []ActionRequest
	active     *activeRun
	dirty      bool

	// timerGen invalidates the suspension timer: a firing whose
	// generation no longer matches is stale and dropped.
	timer    clock.Timer
	timerGen int

	debounce map[string]*debounceState
}

// activeRun is the request currently executing, with the cursor into its
// action list. resumed carries the prior suspension when the run was
// rebuilt from a pending action, so a re-pause of the same action keeps
// its original start time.
type activeRun struct {
	req     ActionRequest
	cursor  int
	resumed *journey.PendingAction
}

type debounceState struct {
	timer  clock.Timer
	scoped campaign.ScopedInteraction
	change ValueChange
}

type itemKind int

const (
	itemStart itemKind = iota
	itemUITrigger
	itemEvent
	itemChange
	itemDebounced
	itemResetValue
	itemResume
	itemRestore
	itemConvert
	itemExit
)

// item is one unit of mailbox work. Only the fields for its kind are set.
type item struct {
	kind itemKind

	trigger     campaign.TriggerKind
	componentID string

	ev *event.Event

	change ValueChange
	scoped campaign.ScopedInteraction

	path string

	resume ResumeReason
	gen    int

	exitReason string
}

// New builds a Runner for one journey. It does not process anything
// until Start, Restore or one of the Handle methods is called.
func New(cfg Config) (*Runner, error) {
	if cfg.Journey == nil {
		return nil, fmt.Errorf("runner: journey is required")
	}
	if cfg.Definition == nil {
		return nil, fmt.Errorf("runner: campaign definition is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("runner: event sink is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	retry := cfg.RetryDelay
	if retry <= 0 {
		retry = DefaultRetryDelay
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		j:          cfg.Journey,
		def:        cfg.Definition,
		sink:       cfg.Events,
		conds:      cfg.Conditions,
		remote:     cfg.Remote,
		assigner:   cfg.Assigner,
		nav:        cfg.Navigator,
		clk:        clk,
		retryDelay: retry,
		onChange:   cfg.OnChange,
		log:        log,
		closed:     cfg.Journey.Status == journey.StatusExited,
		debounce:   make(map[string]*debounceState),
	}, nil
}

// Journey returns the journey this runner drives. Callers must not
// mutate it; all mutation goes through the runner.
func (r *Runner) Journey() *journey.Journey { return r.j }

// Start places the journey on the campaign's entry screen. Calling it on
// a journey that already has a screen position is a no-op.
func (r *Runner) Start() {
	r.post(item{kind: itemStart})
}

// Restore re-arms the suspension timer of a journey loaded from storage.
// Call once after construction; a journey without a pending action is a
// no-op.
func (r *Runner) Restore() {
	r.post(item{kind: itemRestore})
}

// HandleUITrigger reports a user gesture on the current screen. An empty
// componentID addresses screen-scoped interactions.
func (r *Runner) HandleUITrigger(kind campaign.TriggerKind, componentID string) {
	r.post(item{kind: itemUITrigger, trigger: kind, componentID: componentID})
}

// HandleEvent offers a tracked event to the journey: event-triggered
// interactions on the current screen fire, and a paused wait re-checks
// its condition against the event.
func (r *Runner) HandleEvent(ev event.Event) {
	r.post(item{kind: itemEvent, ev: &ev})
}

// HandleValueChange applies a view-model mutation and fires matching
// valueChange interactions on the current screen.
func (r *Runner) HandleValueChange(change ValueChange) {
	r.post(item{kind: itemChange, change: change})
}

// Resume wakes a suspended journey. Callers outside the runner use
// ResumeSignal; ResumeTimer and ResumeEvent are produced internally.
func (r *Runner) Resume(reason ResumeReason, ev *event.Event) {
	r.post(item{kind: itemResume, resume: reason, ev: ev, gen: -1})
}

// RecordConversion marks the journey's goal reached. The write runs
// under the processing baton so it serializes with action execution;
// calls after the first are no-ops. Whether the goal also ends the
// journey is the caller's policy, applied through Exit.
func (r *Runner) RecordConversion() {
	r.post(item{kind: itemConvert})
}

// Exit terminates the journey with the given reason, cancelling any
// suspension timer and discarding queued work. Idempotent.
func (r *Runner) Exit(reason string) {
	r.post(item{kind: itemExit, exitReason: reason})
}

// Halt detaches the runner without touching journey state: timers are
// cancelled and further stimuli are ignored. Used at shutdown; the
// journey resumes later from its snapshot via Restore.
func (r *Runner) Halt() {
	r.mu.Lock()
	r.closed = true
	r.stopTimerLocked()
	for id, st := range r.debounce {
		st.timer.Stop()
		delete(r.debounce, id)
	}
	r.mu.Unlock()
}

func (r *Runner) post(it item) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.items = append(r.items, it)
	r.mu.Unlock()
	r.pump()
}

// pump claims the processing baton and drains the mailbox. If another
// goroutine (or this one, re-entering through a collaborator callback)
// already holds the baton, the posted work is left for the holder: calls
// defer, they never overlap.
func (r *Runner) pump() {
	r.mu.Lock()
	if r.processing {
		r.mu.Unlock()
		return
	}
	r.processing = true

	// The lock is held at the top of every iteration and released around
	// each unit of work, so collaborator callbacks can post freely.
	for {
		switch {
		case r.j.Status == journey.StatusExited && (len(r.items) > 0 || len(r.requests) > 0 || r.active != nil):
			r.items = nil
			r.requests = nil
			r.active = nil

		case len(r.items) > 0:
			it := r.items[0]
			r.items[0] = item{}
			r.items = r.items[1:]
			r.mu.Unlock()
			r.processItem(it)
			r.mu.Lock()

		case r.j.Status == journey.StatusRunning && (r.active != nil || len(r.requests) > 0):
			if r.active == nil {
				req := r.requests[0]
				r.requests[0] = ActionRequest{}
				r.requests = r.requests[1:]
				r.active = &activeRun{req: req}
			}
			run := r.active
			r.mu.Unlock()
			r.execute(run)
			r.mu.Lock()

		default:
			if !r.dirty {
				r.processing = false
				r.mu.Unlock()
				return
			}
			r.dirty = false
			r.mu.Unlock()
			if r.onChange != nil {
				r.onChange(r.j)
			}
			r.mu.Lock()
		}
	}
}

func (r *Runner) processItem(it item) {
	switch it.kind {
	case itemStart:
		r.startFlow()
	case itemUITrigger:
		r.dispatchUITrigger(it.trigger, it.componentID)
	case itemEvent:
		r.dispatchEvent(*it.ev)
	case itemChange:
		r.applyValueChange(it.change)
	case itemDebounced:
		r.fireDebounced(it.scoped, it.change)
	case itemResetValue:
		r.j.SetViewValue(it.path, value.Number(0), r.clk.Now())
		r.markDirty()
	case itemResume:
		r.applyResume(it.resume, it.ev, it.gen)
	case itemRestore:
		r.restorePending()
	case itemConvert:
		if r.j.MarkConverted(r.clk.Now()) {
			r.markDirty()
			r.log.Info("journey converted", "journey_id", r.j.ID, "campaign_id", r.j.CampaignID)
		}
	case itemExit:
		r.exit(it.exitReason)
	}
}

func (r *Runner) startFlow() {
	if r.j.Flow.CurrentScreenID != "" {
		return
	}
	entry := r.def.Flow.EntryScreenID
	r.j.Navigate(entry, r.clk.Now())
	r.markDirty()
	if r.nav != nil {
		r.nav.ShowScreen(r.j.ID, entry)
	}
	r.log.Debug("flow started", "journey_id", r.j.ID, "campaign_id", r.j.CampaignID, "screen_id", entry)
}

// markDirty flags the journey as mutated so the pass flushes OnChange
// before releasing the baton. Callers hold the baton, not the lock.
func (r *Runner) markDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

func (r *Runner) enqueueRequest(req ActionRequest) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
}

// applyResume handles a resume item. gen >= 0 means the resume came from
// the suspension timer and is dropped when stale.
func (r *Runner) applyResume(reason ResumeReason, ev *event.Event, gen int) {
	if gen >= 0 {
		r.mu.Lock()
		stale := gen != r.timerGen
		r.mu.Unlock()
		if stale {
			return
		}
	}
	if r.j.Flow.Pending == nil {
		return
	}
	r.resumePending(reason, ev)
}

// resumePending clears the suspension and rebuilds the active request
// from the campaign definition at the recorded action index. Only the
// pending action's fields are trusted; the interaction's actions come
// fresh from the definition.
func (r *Runner) resumePending(reason ResumeReason, ev *event.Event) {
	p, ok := r.j.TakePending(r.clk.Now())
	if !ok {
		return
	}
	r.markDirty()
	r.mu.Lock()
	r.stopTimerLocked()
	r.mu.Unlock()

	scoped, found := r.def.FindInteraction(p.InteractionID)
	if !found {
		r.log.Warn("pending interaction no longer in campaign",
			"journey_id", r.j.ID,
			"interaction_id", p.InteractionID,
		)
		r.exit(ExitReasonError)
		return
	}

	idx := resumeIndex(p, reason)
	run := &activeRun{
		req: ActionRequest{
			Actions: scoped.Interaction.Actions,
			Trigger: TriggerContext{
				InteractionID: p.InteractionID,
				ScreenID:      p.ScreenID,
				ComponentID:   p.ComponentID,
				Kind:          scoped.Interaction.Trigger.Kind,
				Event:         ev,
			},
		},
		cursor:  idx,
		resumed: &p,
	}
	r.mu.Lock()
	r.active = run
	r.mu.Unlock()
	r.log.Debug("journey resumed",
		"journey_id", r.j.ID,
		"reason", reason,
		"kind", p.Kind,
		"action_index", idx,
	)
}

// resumeIndex maps a pending action and resume reason to the cursor the
// rebuilt request starts at.
//
// A delay never re-runs: the wait itself was the action. A time window
// or remote retry always re-runs, the first to re-check the window, the
// second to retry the failed call. A wait re-runs only on an explicit
// signal: a timer firing means the absolute deadline passed, and a
// matched event means the condition already held, so both step past.
func resumeIndex(p journey.PendingAction, reason ResumeReason) int {
	switch p.Kind {
	case journey.PendingDelay:
		return p.ActionIndex + 1
	case journey.PendingWaitUntil:
		if reason == ResumeSignal {
			return p.ActionIndex
		}
		return p.ActionIndex + 1
	default:
		return p.ActionIndex
	}
}

func (r *Runner) restorePending() {
	p := r.j.Flow.Pending
	if p == nil {
		return
	}
	r.mu.Lock()
	r.armTimerLocked(*p, r.clk.Now())
	r.mu.Unlock()
	r.log.Debug("suspension timer restored",
		"journey_id", r.j.ID,
		"kind", p.Kind,
		"interaction_id", p.InteractionID,
	)
}

// armTimerLocked schedules the wake-up for a suspension, if it has one.
// A wait with no time limit sleeps until an event or signal arrives.
func (r *Runner) armTimerLocked(p journey.PendingAction, now time.Time) {
	r.stopTimerLocked()
	if r.closed {
		return
	}
	var wake time.Time
	if p.ResumeAt != nil {
		wake = *p.ResumeAt
	} else {
		deadline, ok := p.Deadline()
		if !ok {
			return
		}
		wake = deadline
	}
	gen := r.timerGen
	r.timer = r.clk.AfterFunc(wake.Sub(now), func() { r.timerFired(gen) })
}

func (r *Runner) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
}

func (r *Runner) timerFired(gen int) {
	r.mu.Lock()
	if r.closed || gen != r.timerGen {
		r.mu.Unlock()
		return
	}
	r.items = append(r.items, item{kind: itemResume, resume: ResumeTimer, gen: gen})
	r.mu.Unlock()
	r.pump()
}
