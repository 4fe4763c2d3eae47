package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meanderhq/meander-go/internal/campaign"
	"github.com/meanderhq/meander-go/internal/clock"
	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/journey"
	"github.com/meanderhq/meander-go/internal/runner"
	"github.com/meanderhq/meander-go/internal/store"
	"github.com/meanderhq/meander-go/internal/value"
)

// Exit reasons the dispatcher produces on top of the runner's own.
const (
	ExitReasonGoal         = "goal"
	ExitReasonStopMatching = "stop_matching"
	ExitReasonCancelled    = "cancelled"
)

// Binder correlates the event that started a journey with the journey's
// eventual outcome. The outcome broker implements this.
type Binder interface {
	Bind(eventID, journeyID, flowID string)
}

// Config carries the dispatcher's collaborators. Store and Events are
// required; the rest of the runner collaborators are forwarded to each
// journey's runner as given.
type Config struct {
	Store      *store.Store
	Events     runner.EventSink
	Conditions runner.ConditionEvaluator
	Remote     runner.RemoteCaller
	Assigner   runner.Assignments
	Navigator  runner.Navigator
	Binder     Binder

	Clock clock.Clock
	IDs   event.IDGenerator

	// RetryDelay is forwarded to runners as their default action retry
	// backoff.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// entry pins a journey to the definition it started under. Re-activating
// a campaign swaps the definition for future starts only.
type entry struct {
	j   *journey.Journey
	def *campaign.Definition
	r   *runner.Runner
}

// Dispatcher owns the active journey set. All methods are safe for
// concurrent use.
type Dispatcher struct {
	store      *store.Store
	sink       runner.EventSink
	conds      runner.ConditionEvaluator
	remote     runner.RemoteCaller
	assigner   runner.Assignments
	nav        runner.Navigator
	binder     Binder
	clk        clock.Clock
	ids        event.IDGenerator
	retryDelay time.Duration
	log        *slog.Logger

	mu        sync.Mutex
	campaigns map[string]*campaign.Definition
	active    map[string]*entry
	closed    bool
}

// New builds a Dispatcher with no campaigns and no active journeys.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("dispatch: store is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("dispatch: event sink is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	ids := cfg.IDs
	if ids == nil {
		ids = event.UUIDv7Generator{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:      cfg.Store,
		sink:       cfg.Events,
		conds:      cfg.Conditions,
		remote:     cfg.Remote,
		assigner:   cfg.Assigner,
		nav:        cfg.Navigator,
		binder:     cfg.Binder,
		clk:        clk,
		ids:        ids,
		retryDelay: cfg.RetryDelay,
		log:        log,
		campaigns:  make(map[string]*campaign.Definition),
		active:     make(map[string]*entry),
	}, nil
}

// Activate registers a campaign for trigger matching. The definition is
// structurally validated first; an invalid definition is rejected and
// the active set is untouched. Re-activating an id replaces the
// definition for new journeys; running journeys keep the one they
// started with.
func (d *Dispatcher) Activate(def *campaign.Definition) error {
	if errs := campaign.Validate(def); len(errs) > 0 {
		return errs
	}
	d.mu.Lock()
	d.campaigns[def.ID] = def
	d.mu.Unlock()
	d.log.Info("campaign activated", "campaign_id", def.ID, "name", def.Name)
	return nil
}

// Deactivate stops trigger matching for a campaign. Journeys already
// running continue under their existing definition.
func (d *Dispatcher) Deactivate(campaignID string) {
	d.mu.Lock()
	_, ok := d.campaigns[campaignID]
	delete(d.campaigns, campaignID)
	d.mu.Unlock()
	if ok {
		d.log.Info("campaign deactivated", "campaign_id", campaignID)
	}
}

// Campaigns returns the registered definitions sorted by id.
func (d *Dispatcher) Campaigns() []*campaign.Definition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.campaignListLocked()
}

func (d *Dispatcher) campaignListLocked() []*campaign.Definition {
	defs := make([]*campaign.Definition, 0, len(d.campaigns))
	for _, def := range d.campaigns {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Restore loads all active journeys from the store and re-arms their
// suspension timers. Journeys whose campaign is not registered stay in
// the store untouched; they pick up again if the campaign returns.
// Safe to call repeatedly: already-adopted journeys are skipped, so a
// later call after Activate collects journeys left behind the first
// time.
func (d *Dispatcher) Restore(ctx context.Context) error {
	journeys, err := d.store.ActiveJourneys(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: restore: %w", err)
	}

	restored := 0
	for _, j := range journeys {
		d.mu.Lock()
		_, adopted := d.active[j.ID]
		def, known := d.campaigns[j.CampaignID]
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return nil
		}
		if adopted {
			continue
		}
		if !known {
			d.log.Warn("journey references unregistered campaign, leaving suspended",
				"journey_id", j.ID,
				"campaign_id", j.CampaignID,
			)
			continue
		}
		e, err := d.adopt(j, def)
		if err != nil {
			d.log.Error("journey restore failed", "journey_id", j.ID, "error", err)
			continue
		}
		e.r.Restore()
		restored++
	}
	d.log.Info("journeys restored", "count", restored, "found", len(journeys))
	return nil
}

// HandleEvent runs the dispatch pass for one routed event: policy
// checks, trigger dispatch into active journeys, then campaign matching
// for new journeys. Implements the pipeline's Dispatcher interface.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev event.Event) {
	if ev.Name == event.NameIdentify {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	entries := make([]*entry, 0, len(d.active))
	for _, e := range d.active {
		if e.j.DistinctID == ev.DistinctID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].j.ID < entries[j].j.ID })
	defs := d.campaignListLocked()
	d.mu.Unlock()

	for _, e := range entries {
		d.applyPolicies(e, ev)
	}
	for _, e := range entries {
		e.r.HandleEvent(ev)
	}
	for _, def := range defs {
		d.maybeStart(ctx, def, ev)
	}
}

// HandleUITrigger routes a gesture to one journey's runner.
func (d *Dispatcher) HandleUITrigger(journeyID string, kind campaign.TriggerKind, componentID string) {
	if e, ok := d.lookup(journeyID); ok {
		e.r.HandleUITrigger(kind, componentID)
	}
}

// HandleValueChange routes a view-model mutation to one journey's runner.
func (d *Dispatcher) HandleValueChange(journeyID string, change runner.ValueChange) {
	if e, ok := d.lookup(journeyID); ok {
		e.r.HandleValueChange(change)
	}
}

// Signal explicitly wakes a suspended journey.
func (d *Dispatcher) Signal(journeyID string) {
	if e, ok := d.lookup(journeyID); ok {
		e.r.Resume(runner.ResumeSignal, nil)
	}
}

// Cancel terminates a journey. An empty reason records "cancelled".
func (d *Dispatcher) Cancel(journeyID, reason string) {
	if reason == "" {
		reason = ExitReasonCancelled
	}
	if e, ok := d.lookup(journeyID); ok {
		e.r.Exit(reason)
	}
}

// Journey returns an active journey by id.
func (d *Dispatcher) Journey(journeyID string) (*journey.Journey, bool) {
	e, ok := d.lookup(journeyID)
	if !ok {
		return nil, false
	}
	return e.j, true
}

// ActiveCount reports the number of journeys in the active set.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Close detaches every runner without exiting its journey: timers stop,
// snapshots stay. Restore picks the journeys up on the next start.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	entries := make([]*entry, 0, len(d.active))
	for _, e := range d.active {
		entries = append(entries, e)
	}
	d.active = make(map[string]*entry)
	d.mu.Unlock()

	for _, e := range entries {
		e.r.Halt()
	}
	d.log.Info("dispatcher closed", "halted", len(entries))
}

func (d *Dispatcher) lookup(journeyID string) (*entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.active[journeyID]
	return e, ok
}

// applyPolicies checks the goal and the stop-matching rule for one
// journey against one event. Conversion is recorded under every policy;
// only onGoal and onGoalOrStop also exit. Journey-state writes go
// through the runner's mailbox so they serialize with action execution;
// the conditions here are evaluated against the event alone, the same
// context trigger matching uses.
func (d *Dispatcher) applyPolicies(e *entry, ev event.Event) {
	goal := e.def.Goal
	if goal == nil {
		return
	}

	if goal.EventName == ev.Name && d.passes(goal.Condition, &ev) {
		e.r.RecordConversion()
		switch goal.Policy {
		case campaign.ExitOnGoal, campaign.ExitOnGoalOrStop:
			d.log.Info("goal reached, exiting journey",
				"journey_id", e.j.ID,
				"campaign_id", e.def.ID,
				"event", ev.Name,
			)
			e.r.Exit(ExitReasonGoal)
			return
		}
	}

	switch goal.Policy {
	case campaign.ExitOnStopMatching, campaign.ExitOnGoalOrStop:
		if len(e.def.Trigger.Condition) > 0 && !d.passes(e.def.Trigger.Condition, &ev) {
			d.log.Info("journey no longer matches its trigger audience",
				"journey_id", e.j.ID,
				"campaign_id", e.def.ID,
			)
			e.r.Exit(ExitReasonStopMatching)
		}
	}
}

// maybeStart instantiates a journey when the event matches the
// campaign's trigger and the limits allow it.
func (d *Dispatcher) maybeStart(ctx context.Context, def *campaign.Definition, ev event.Event) {
	if def.Trigger.EventName != ev.Name {
		return
	}
	if !d.passes(def.Trigger.Condition, &ev) {
		return
	}

	quota, err := d.store.JourneyQuota(ctx, def.ID, ev.DistinctID)
	if err != nil {
		d.log.Error("journey quota lookup failed", "campaign_id", def.ID, "error", err)
		return
	}
	if block, blocked := checkLimits(def.Limits, quota, d.clk.Now()); blocked {
		d.log.Debug("journey start blocked",
			"campaign_id", def.ID,
			"distinct_id", ev.DistinctID,
			"rule", block,
		)
		return
	}

	d.startJourney(def, ev)
}

// startJourney creates a journey seeded with the trigger event's
// properties, registers its runner, persists the first snapshot, binds
// the outcome correlation, and places it on the entry screen.
func (d *Dispatcher) startJourney(def *campaign.Definition, ev event.Event) {
	j := journey.New(d.ids.Generate(), def.ID, ev.DistinctID, ev.Properties, d.clk.Now())
	e, err := d.adopt(j, def)
	if err != nil {
		d.log.Error("journey start failed", "campaign_id", def.ID, "error", err)
		return
	}
	d.persist(j)
	if d.binder != nil {
		d.binder.Bind(ev.ID, j.ID, def.ID)
	}
	d.log.Info("journey started",
		"journey_id", j.ID,
		"campaign_id", def.ID,
		"distinct_id", ev.DistinctID,
		"trigger", ev.Name,
	)
	e.r.Start()
}

// adopt builds a runner for a journey and adds it to the active set.
func (d *Dispatcher) adopt(j *journey.Journey, def *campaign.Definition) (*entry, error) {
	r, err := runner.New(runner.Config{
		Journey:    j,
		Definition: def,
		Events:     d.sink,
		Conditions: d.conds,
		Remote:     d.remote,
		Assigner:   d.assigner,
		Navigator:  d.nav,
		Clock:      d.clk,
		RetryDelay: d.retryDelay,
		OnChange:   d.onJourneyChange,
		Logger:     d.log,
	})
	if err != nil {
		return nil, err
	}
	e := &entry{j: j, def: def, r: r}
	d.mu.Lock()
	d.active[j.ID] = e
	d.mu.Unlock()
	return e, nil
}

// onJourneyChange is every runner's persistence hook. Exits are observed
// here, so timer-driven and event-driven terminations take the same path.
func (d *Dispatcher) onJourneyChange(j *journey.Journey) {
	d.persist(j)
	if j.Status == journey.StatusExited {
		d.finalize(j)
	}
}

// persist snapshots a journey, best-effort. A failed save is logged and
// the journey keeps running; the next mutation retries.
func (d *Dispatcher) persist(j *journey.Journey) {
	if err := d.store.SaveJourney(context.Background(), j); err != nil {
		d.log.Error("journey snapshot save failed", "journey_id", j.ID, "error", err)
	}
}

// finalize removes an exited journey from the active set and emits the
// flow outcome event, exactly once.
func (d *Dispatcher) finalize(j *journey.Journey) {
	d.mu.Lock()
	_, present := d.active[j.ID]
	delete(d.active, j.ID)
	d.mu.Unlock()
	if !present {
		return
	}

	props := value.Object{
		"journey_id": value.String(j.ID),
		"flow_id":    value.String(j.CampaignID),
		"result":     value.String(j.ExitReason),
		"converted":  value.Bool(j.ConvertedAt != nil),
	}
	if err := d.sink.Track(event.NameFlowOutcome, props); err != nil {
		d.log.Warn("flow outcome emit failed", "journey_id", j.ID, "error", err)
	}
	d.log.Info("journey finished",
		"journey_id", j.ID,
		"campaign_id", j.CampaignID,
		"reason", j.ExitReason,
		"converted", j.ConvertedAt != nil,
	)
}

// passes evaluates an opaque condition against an event, treating an
// empty condition as true and an evaluator failure as false. Trigger and
// goal conditions see the event and user facts, never journey state.
func (d *Dispatcher) passes(cond value.Object, ev *event.Event) bool {
	if len(cond) == 0 {
		return true
	}
	if d.conds == nil {
		d.log.Warn("condition present but no evaluator configured")
		return false
	}
	ok, err := d.conds.Evaluate(cond, runner.Env{Event: ev})
	if err != nil {
		d.log.Warn("condition evaluation failed", "error", err)
		return false
	}
	return ok
}
