package meander

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/meanderhq/meander-go/internal/behavior"
	"github.com/meanderhq/meander-go/internal/campaign"
	"github.com/meanderhq/meander-go/internal/clock"
	"github.com/meanderhq/meander-go/internal/delivery"
	"github.com/meanderhq/meander-go/internal/dispatch"
	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/outcome"
	"github.com/meanderhq/meander-go/internal/pipeline"
	"github.com/meanderhq/meander-go/internal/runner"
	"github.com/meanderhq/meander-go/internal/store"
	"github.com/meanderhq/meander-go/internal/transport"
	"github.com/meanderhq/meander-go/internal/value"
)

// Properties is the loosely-typed property map the public surface speaks.
// Values are sanitized on the way in; anything JSON cannot express is
// dropped.
type Properties = map[string]any

// Re-exported internal types. The aliases let hosts implement the
// collaborator interfaces and read SDK results without reaching into
// internal packages.
type (
	Event         = event.Event
	Transport     = transport.Transport
	TrackResponse = transport.TrackResponse
	BatchResult   = transport.BatchResult
	Sessions      = pipeline.Sessions
	TransformFunc = pipeline.TransformFunc
	Navigator     = runner.Navigator
	Assignments   = runner.Assignments
	OutcomeResult = outcome.Result
	OutcomeKind   = outcome.ResultKind
	TriggerKind   = campaign.TriggerKind
	AggregateOp   = behavior.AggregateOp
	Period        = behavior.Period
)

// Outcome kinds. NoInteraction fires when the registration timeout
// elapses before any flow starts; FlowFinished carries the terminal
// result of the flow the event triggered.
const (
	OutcomeNoInteraction = outcome.ResultNoInteraction
	OutcomeFlowFinished  = outcome.ResultFlowFinished
)

// UI trigger kinds accepted by HandleUITrigger.
const (
	TriggerTap   = campaign.TriggerTap
	TriggerHover = campaign.TriggerHover
	TriggerPress = campaign.TriggerPress
	TriggerDrag  = campaign.TriggerDrag
)

// Exit reasons carried by OutcomeResult.Outcome.
const (
	ExitCompleted    = runner.ExitReasonCompleted
	ExitError        = runner.ExitReasonError
	ExitGoal         = dispatch.ExitReasonGoal
	ExitStopMatching = dispatch.ExitReasonStopMatching
	ExitCancelled    = dispatch.ExitReasonCancelled
)

// Aggregation operators and calendar periods for behavioral queries.
const (
	AggregateSum         = behavior.AggregateSum
	AggregateAvg         = behavior.AggregateAvg
	AggregateMin         = behavior.AggregateMin
	AggregateMax         = behavior.AggregateMax
	AggregateUniqueCount = behavior.AggregateUniqueCount

	PeriodDay   = behavior.PeriodDay
	PeriodWeek  = behavior.PeriodWeek
	PeriodMonth = behavior.PeriodMonth
	PeriodYear  = behavior.PeriodYear
)

// ErrClosed is returned from operations submitted after Close.
var ErrClosed = pipeline.ErrClosed

// Client is the SDK entry point: one event pipeline, one delivery queue,
// one journey dispatcher, and one behavioral query engine over a shared
// local store. All methods are safe for concurrent use.
type Client struct {
	log *slog.Logger
	ids event.IDGenerator

	store    *store.Store
	queue    *delivery.Queue
	queries  *Queries
	broker   *outcome.Broker
	dispatch *dispatch.Dispatcher
	pipe     *pipeline.Pipeline
	identity pipeline.Identity

	runCancel context.CancelFunc
	runDone   chan error

	closeOnce sync.Once
	closeErr  error
}

// trackSink feeds journey-generated events (track actions, exposure
// events, flow outcomes) back into the pipeline.
type trackSink struct {
	c *Client
}

func (s trackSink) Track(name string, props value.Object) error {
	return s.c.pipe.Track(name, props.Native())
}

// eventRouter is the pipeline's dispatch hook: journeys first, then the
// outcome broker, so a flow outcome event can complete a registration in
// the same pass that exited its journey.
type eventRouter struct {
	c *Client
}

func (r eventRouter) HandleEvent(ctx context.Context, ev event.Event) {
	r.c.dispatch.HandleEvent(ctx, ev)
	r.c.broker.Observe(ev)
}

// New opens the local store, wires the pipeline, activates the configured
// campaigns, restores suspended journeys, and starts the worker. The
// returned Client is ready for tracking immediately.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := cfg.clock
	if clk == nil {
		clk = clock.System{}
	}
	ids := cfg.ids
	if ids == nil {
		ids = event.UUIDv7Generator{}
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, wrapErr(KindStorage, "new", err)
	}

	if cfg.MaxEventCount > 0 || cfg.MaxEventAge > 0 {
		removed, err := st.Cleanup(context.Background(), cfg.MaxEventCount, cfg.MaxEventAge, clk.Now())
		if err != nil {
			log.Warn("event retention cleanup failed", "error", err)
		} else if removed > 0 {
			log.Info("event retention enforced", "removed", removed)
		}
	}

	tr := cfg.Transport
	if tr == nil {
		tr, err = transport.NewHTTP(transport.HTTPConfig{Endpoint: cfg.Endpoint, APIKey: cfg.APIKey})
		if err != nil {
			st.Close()
			return nil, wrapErr(KindConfig, "new", err)
		}
	}

	queue := delivery.NewQueue(tr, delivery.Config{
		FlushAt:        cfg.FlushAt,
		FlushInterval:  cfg.FlushInterval,
		MaxQueueSize:   cfg.MaxQueueSize,
		MaxBatchSize:   cfg.MaxBatchSize,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		Clock:          clk,
		Logger:         log,
	})
	fail := func(err error) (*Client, error) {
		queue.Close()
		st.Close()
		return nil, err
	}

	engine, err := behavior.NewEngine(behavior.Config{Store: st, Clock: clk, MaxScan: cfg.MaxScan})
	if err != nil {
		return fail(wrapErr(KindConfig, "new", err))
	}

	c := &Client{
		log:   log,
		ids:   ids,
		store: st,
		queue: queue,
	}
	c.queries = &Queries{engine: engine}
	c.broker = outcome.New(outcome.Config{Clock: clk, Logger: log})

	if cfg.Identity != nil {
		c.identity = identityAdapter{cfg.Identity}
	} else {
		c.identity = &memoryIdentity{id: ids.Generate()}
	}

	var conds runner.ConditionEvaluator
	if cfg.Evaluator != nil {
		conds = evaluatorAdapter{e: cfg.Evaluator, queries: c.queries}
	}
	var remote runner.RemoteCaller
	if cfg.Remote != nil {
		remote = remoteAdapter{cfg.Remote}
	}
	var enricher pipeline.Enricher
	if cfg.Enricher != nil {
		enricher = enricherAdapter{cfg.Enricher}
	}

	c.dispatch, err = dispatch.New(dispatch.Config{
		Store:      st,
		Events:     trackSink{c},
		Conditions: conds,
		Remote:     remote,
		Assigner:   cfg.Assignments,
		Navigator:  cfg.Navigator,
		Binder:     c.broker,
		Clock:      clk,
		IDs:        ids,
		RetryDelay: cfg.ActionRetryDelay,
		Logger:     log,
	})
	if err != nil {
		return fail(wrapErr(KindConfig, "new", err))
	}

	for _, doc := range cfg.Campaigns {
		def, err := campaign.ParseDefinition(doc)
		if err != nil {
			return fail(wrapErr(KindConfig, "new", err))
		}
		if err := c.dispatch.Activate(def); err != nil {
			return fail(wrapErr(KindConfig, "new", err))
		}
	}

	maxSeq, err := st.MaxEventSeq(context.Background())
	if err != nil {
		return fail(wrapErr(KindStorage, "new", err))
	}

	c.pipe, err = pipeline.New(pipeline.Config{
		Store:      st,
		Delivery:   queue,
		Transport:  tr,
		Identity:   c.identity,
		Sessions:   cfg.Sessions,
		Enricher:   enricher,
		Dispatcher: eventRouter{c},
		Transform:  cfg.Transform,
		Filter:     filterAdapter(cfg.Filter),
		IDs:        ids,
		Clock:      clk,
		StartSeq:   maxSeq,
		Logger:     log,
	})
	if err != nil {
		return fail(wrapErr(KindConfig, "new", err))
	}

	if err := c.dispatch.Restore(context.Background()); err != nil {
		c.dispatch.Close()
		return fail(wrapErr(KindStorage, "new", err))
	}

	c.pipe.SignalReady()
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	c.runDone = make(chan error, 1)
	go func() {
		c.runDone <- c.pipe.Run(runCtx)
	}()

	log.Info("meander client ready", "database", cfg.DatabasePath)
	return c, nil
}

// Track records an event under the current distinct id and queues it for
// delivery. Returns once the event is accepted; processing is
// asynchronous.
func (c *Client) Track(name string, props Properties) error {
	if name == "" {
		return configErr("track", "event name is required")
	}
	return wrapErr(KindStorage, "track", c.pipe.Track(name, props))
}

// TrackForTrigger records an event that exists to fire journey triggers.
// It is persisted and dispatched locally but never delivered to the
// backend.
func (c *Client) TrackForTrigger(name string, props Properties) error {
	if name == "" {
		return configErr("track", "event name is required")
	}
	return wrapErr(KindStorage, "track", c.pipe.TrackForTrigger(name, props))
}

// TrackWithResponse records an event and sends it synchronously, skipping
// the batch queue, then returns the backend's response. For the rare call
// sites that need the server's verdict before moving on.
func (c *Client) TrackWithResponse(ctx context.Context, name string, props Properties) (TrackResponse, error) {
	if name == "" {
		return TrackResponse{}, configErr("track", "event name is required")
	}
	resp, err := c.pipe.TrackWithResponse(ctx, name, props)
	return resp, wrapErr(KindNetwork, "track", err)
}

// TrackWithOutcome is Track plus outcome interest: complete fires exactly
// once with either the terminal result of the flow this event triggers or
// a no-interaction result when timeout elapses and no flow started. A
// flow that does start cancels the timeout for good; the broker then
// waits however long the flow takes. timeout <= 0 waits indefinitely from
// the start. complete runs on the worker goroutine and must not block.
func (c *Client) TrackWithOutcome(name string, props Properties, timeout time.Duration, complete func(OutcomeResult)) error {
	if name == "" {
		return configErr("track", "event name is required")
	}
	id := c.ids.Generate()
	c.broker.Register(id, timeout, complete)
	if err := c.pipe.TrackWithID(id, name, props); err != nil {
		c.broker.Cancel(id)
		return wrapErr(KindStorage, "track", err)
	}
	return nil
}

// Identify transitions the current anonymous identity to a known distinct
// id: local history is reassigned, the identity provider is updated, and
// an identify event carries the user properties to the backend.
func (c *Client) Identify(distinctID string, props Properties) error {
	if distinctID == "" {
		return configErr("identify", "distinct id is required")
	}
	return wrapErr(KindStorage, "identify", c.pipe.Identify(distinctID, props))
}

// ReassignEvents moves locally stored events between distinct ids without
// an identity transition. Returns the number of events moved.
func (c *Client) ReassignEvents(ctx context.Context, from, to string) (int64, error) {
	n, err := c.pipe.ReassignEvents(ctx, from, to)
	return n, wrapErr(KindStorage, "reassign events", err)
}

// FlushEvents asks the delivery queue to send what it holds. Fire and
// forget.
func (c *Client) FlushEvents() {
	c.pipe.FlushEvents()
}

// Drain blocks until everything submitted before it has been processed
// and persisted, or ctx is done.
func (c *Client) Drain(ctx context.Context) error {
	return wrapErr(KindStorage, "drain", c.pipe.Drain(ctx))
}

// PendingDeliveries reports how many events await network delivery.
func (c *Client) PendingDeliveries() int {
	return c.queue.Len()
}

// ActivateCampaign parses, validates, and registers a campaign
// definition, then restores any suspended journeys that were waiting for
// it. Re-activating an id swaps the definition for future starts; running
// journeys keep the one they started under.
func (c *Client) ActivateCampaign(definition []byte) error {
	def, err := campaign.ParseDefinition(definition)
	if err != nil {
		return wrapErr(KindConfig, "activate campaign", err)
	}
	if err := c.dispatch.Activate(def); err != nil {
		return wrapErr(KindConfig, "activate campaign", err)
	}
	if err := c.dispatch.Restore(context.Background()); err != nil {
		return wrapErr(KindStorage, "activate campaign", err)
	}
	return nil
}

// DeactivateCampaign stops new journey starts for the campaign. Running
// journeys are left alone.
func (c *Client) DeactivateCampaign(campaignID string) {
	c.dispatch.Deactivate(campaignID)
}

// HandleUITrigger reports a user interaction (tap, hover, press, drag) on
// a component of the journey's current screen.
func (c *Client) HandleUITrigger(journeyID string, kind TriggerKind, componentID string) {
	c.dispatch.HandleUITrigger(journeyID, kind, componentID)
}

// HandleValueChange writes a view model value for a journey. isTrigger
// additionally fires valueChange interactions watching the path. Values
// the property model cannot represent are dropped.
func (c *Client) HandleValueChange(journeyID, path string, v any, isTrigger bool) {
	val, ok := value.SanitizeValue(v)
	if !ok {
		c.log.Warn("value change dropped, unrepresentable value", "journey_id", journeyID, "path", path)
		return
	}
	c.dispatch.HandleValueChange(journeyID, runner.ValueChange{Path: path, Value: val, Trigger: isTrigger})
}

// SignalJourney wakes a journey paused on a waitUntil condition and
// re-evaluates it.
func (c *Client) SignalJourney(journeyID string) {
	c.dispatch.Signal(journeyID)
}

// CancelJourney exits a journey. An empty reason records "cancelled".
func (c *Client) CancelJourney(journeyID, reason string) {
	c.dispatch.Cancel(journeyID, reason)
}

// ActiveJourneys reports how many journeys are currently running or
// paused.
func (c *Client) ActiveJourneys() int {
	return c.dispatch.ActiveCount()
}

// Close shuts the client down: journeys are suspended in place, the
// pipeline backlog is drained to storage, the delivery queue gets one
// last flush, and the store closes. ctx bounds the drain and the final
// flush; everything else is unconditional. Subsequent calls return the
// first result.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.dispatch.Close()

		if err := c.pipe.Drain(ctx); err != nil && !errors.Is(err, ErrClosed) {
			c.closeErr = wrapErr(KindStorage, "close", err)
		}
		c.pipe.Stop()
		select {
		case <-c.runDone:
		case <-ctx.Done():
			c.runCancel()
			<-c.runDone
			if c.closeErr == nil {
				c.closeErr = wrapErr(KindStorage, "close", ctx.Err())
			}
		}
		c.runCancel()

		c.queue.Flush()
		if err := c.queue.WaitIdle(ctx); err != nil {
			c.log.Warn("delivery queue still busy at shutdown", "error", err)
		}
		c.queue.Close()
		c.broker.Close()

		if err := c.store.Close(); err != nil && c.closeErr == nil {
			c.closeErr = wrapErr(KindStorage, "close", err)
		}
		c.log.Info("meander client closed")
	})
	return c.closeErr
}

// Query is the shared filter of the simple behavioral queries: an event
// name, optional inclusive time bounds, and an optional property
// predicate.
type Query struct {
	Name      string
	Since     time.Time
	Until     time.Time
	Predicate func(Properties) bool
}

// Step is one element of an InOrder sequence.
type Step struct {
	Name      string
	Predicate func(Properties) bool
}

// InOrderOptions constrains an InOrder match. Zero fields are unbounded.
type InOrderOptions struct {
	// OverallWithin caps the elapsed time between the first and last
	// matched step.
	OverallWithin time.Duration
	// PerStepWithin caps the gap between consecutive matched steps.
	PerStepWithin time.Duration
	Since         time.Time
	Until         time.Time
}

func nativePredicate(pred func(Properties) bool) behavior.Predicate {
	if pred == nil {
		return nil
	}
	return func(props value.Object) bool {
		return pred(props.Native())
	}
}

func (q Query) internal() behavior.Query {
	return behavior.Query{
		Name:      q.Name,
		Since:     q.Since,
		Until:     q.Until,
		Predicate: nativePredicate(q.Predicate),
	}
}

// Queries runs behavioral queries for explicit distinct ids. Condition
// evaluators receive one through ConditionEnv; hosts reach it through
// Client.Queries when the current-user convenience methods on Client are
// not enough.
type Queries struct {
	engine *behavior.Engine
}

// Exists reports whether at least one matching event exists.
func (q *Queries) Exists(ctx context.Context, distinctID string, query Query) (bool, error) {
	return q.engine.Exists(ctx, distinctID, query.internal())
}

// Count returns the number of matching events.
func (q *Queries) Count(ctx context.Context, distinctID string, query Query) (int, error) {
	return q.engine.Count(ctx, distinctID, query.internal())
}

// FirstTime returns the timestamp of the earliest matching event; false
// when nothing matches.
func (q *Queries) FirstTime(ctx context.Context, distinctID string, query Query) (time.Time, bool, error) {
	return q.engine.FirstTime(ctx, distinctID, query.internal())
}

// LastTime returns the timestamp of the latest matching event; false when
// nothing matches.
func (q *Queries) LastTime(ctx context.Context, distinctID string, query Query) (time.Time, bool, error) {
	return q.engine.LastTime(ctx, distinctID, query.internal())
}

// Aggregate folds a numeric property across matching events; false when
// no event carried a usable number.
func (q *Queries) Aggregate(ctx context.Context, distinctID string, op AggregateOp, prop string, query Query) (float64, bool, error) {
	return q.engine.Aggregate(ctx, distinctID, op, prop, query.internal())
}

// InOrder reports whether the steps occurred in order, subject to the
// gap and window constraints.
func (q *Queries) InOrder(ctx context.Context, distinctID string, steps []Step, opt InOrderOptions) (bool, error) {
	internal := make([]behavior.Step, len(steps))
	for i, s := range steps {
		internal[i] = behavior.Step{Name: s.Name, Predicate: nativePredicate(s.Predicate)}
	}
	return q.engine.InOrder(ctx, distinctID, internal, behavior.InOrderOptions{
		OverallWithin: opt.OverallWithin,
		PerStepWithin: opt.PerStepWithin,
		Since:         opt.Since,
		Until:         opt.Until,
	})
}

// ActivePeriods reports whether the event occurred in at least min of the
// last total calendar periods.
func (q *Queries) ActivePeriods(ctx context.Context, distinctID, name string, period Period, total, min int, pred func(Properties) bool) (bool, error) {
	return q.engine.ActivePeriods(ctx, distinctID, name, period, total, min, nativePredicate(pred))
}

// Stopped reports whether the user did the event before but not within
// the inactivity window.
func (q *Queries) Stopped(ctx context.Context, distinctID, name string, inactiveFor time.Duration, pred func(Properties) bool) (bool, error) {
	return q.engine.Stopped(ctx, distinctID, name, inactiveFor, nativePredicate(pred))
}

// Restarted reports whether the user resumed the event recently after a
// gap of at least inactiveFor.
func (q *Queries) Restarted(ctx context.Context, distinctID, name string, inactiveFor, within time.Duration, pred func(Properties) bool) (bool, error) {
	return q.engine.Restarted(ctx, distinctID, name, inactiveFor, within, nativePredicate(pred))
}

// Queries returns the explicit-distinct-id query surface.
func (c *Client) Queries() *Queries {
	return c.queries
}

// HasEvent reports whether the current user has the named event on
// record.
func (c *Client) HasEvent(ctx context.Context, name string) (bool, error) {
	return c.Exists(ctx, Query{Name: name})
}

// CountEvents returns how many of the named event the current user has on
// record.
func (c *Client) CountEvents(ctx context.Context, name string) (int, error) {
	return c.Count(ctx, Query{Name: name})
}

// GetLastEventTime returns when the current user last did the named
// event; false when never.
func (c *Client) GetLastEventTime(ctx context.Context, name string) (time.Time, bool, error) {
	return c.LastTime(ctx, Query{Name: name})
}

// Exists runs Queries.Exists for the current user.
func (c *Client) Exists(ctx context.Context, query Query) (bool, error) {
	return c.queries.Exists(ctx, c.identity.DistinctID(), query)
}

// Count runs Queries.Count for the current user.
func (c *Client) Count(ctx context.Context, query Query) (int, error) {
	return c.queries.Count(ctx, c.identity.DistinctID(), query)
}

// FirstTime runs Queries.FirstTime for the current user.
func (c *Client) FirstTime(ctx context.Context, query Query) (time.Time, bool, error) {
	return c.queries.FirstTime(ctx, c.identity.DistinctID(), query)
}

// LastTime runs Queries.LastTime for the current user.
func (c *Client) LastTime(ctx context.Context, query Query) (time.Time, bool, error) {
	return c.queries.LastTime(ctx, c.identity.DistinctID(), query)
}

// Aggregate runs Queries.Aggregate for the current user.
func (c *Client) Aggregate(ctx context.Context, op AggregateOp, prop string, query Query) (float64, bool, error) {
	return c.queries.Aggregate(ctx, c.identity.DistinctID(), op, prop, query)
}

// InOrder runs Queries.InOrder for the current user.
func (c *Client) InOrder(ctx context.Context, steps []Step, opt InOrderOptions) (bool, error) {
	return c.queries.InOrder(ctx, c.identity.DistinctID(), steps, opt)
}

// ActivePeriods runs Queries.ActivePeriods for the current user.
func (c *Client) ActivePeriods(ctx context.Context, name string, period Period, total, min int, pred func(Properties) bool) (bool, error) {
	return c.queries.ActivePeriods(ctx, c.identity.DistinctID(), name, period, total, min, pred)
}

// Stopped runs Queries.Stopped for the current user.
func (c *Client) Stopped(ctx context.Context, name string, inactiveFor time.Duration, pred func(Properties) bool) (bool, error) {
	return c.queries.Stopped(ctx, c.identity.DistinctID(), name, inactiveFor, pred)
}

// Restarted runs Queries.Restarted for the current user.
func (c *Client) Restarted(ctx context.Context, name string, inactiveFor, within time.Duration, pred func(Properties) bool) (bool, error) {
	return c.queries.Restarted(ctx, c.identity.DistinctID(), name, inactiveFor, within, pred)
}
