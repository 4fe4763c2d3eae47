package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meanderhq/meander-go/internal/clock"
	"github.com/meanderhq/meander-go/internal/delivery"
	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/store"
	"github.com/meanderhq/meander-go/internal/transport"
	"github.com/meanderhq/meander-go/internal/value"
)

// ErrClosed is returned when a command is submitted after Stop.
var ErrClosed = errors.New("pipeline closed")

// ErrVetoed is returned by TrackWithResponse when the transform dropped
// the event. Fire-and-forget tracks drop vetoed events silently.
var ErrVetoed = errors.New("event vetoed by transform")

// Identity resolves and mutates the current user identity.
type Identity interface {
	DistinctID() string
	SetDistinctID(id string)
	SetUserProperties(props value.Object)
}

// Sessions attaches session ids to events and records activity.
type Sessions interface {
	// SessionID returns the session active at the given time. With
	// readOnly false the provider may start a new session.
	SessionID(at time.Time, readOnly bool) (string, bool)
	// Touch records activity, extending the current session.
	Touch()
}

// Enricher layers ambient context properties under an event's custom
// properties. Custom keys win every conflict.
type Enricher interface {
	EnrichedProperties(custom value.Object) value.Object
}

// Dispatcher receives every routed event synchronously on the worker.
// Journey trigger matching hangs off this.
type Dispatcher interface {
	HandleEvent(ctx context.Context, ev event.Event)
}

// TransformFunc may rewrite an event just before routing, or veto it by
// returning false. A vetoed event is not stored, dispatched, or delivered.
type TransformFunc func(ev event.Event) (event.Event, bool)

// FilterFunc is the post-enrichment sanitation pass: properties it
// rejects are removed from the event.
type FilterFunc func(key string, v value.Value) bool

// Config holds the pipeline's collaborators and tuning. Store, Delivery,
// Transport, and Identity are required; everything else has a default or
// is optional.
type Config struct {
	Store    *store.Store
	Delivery *delivery.Queue
	// Transport carries the identify event and TrackWithResponse sends;
	// batch delivery goes through Delivery.
	Transport transport.Transport
	Identity  Identity

	Sessions   Sessions
	Enricher   Enricher
	Dispatcher Dispatcher
	Transform  TransformFunc
	Filter     FilterFunc

	// IDs generates event ids and delivery idempotency keys.
	IDs event.IDGenerator
	// Clock supplies event timestamps.
	Clock clock.Clock
	// StartSeq seeds the logical clock, typically store.MaxEventSeq.
	StartSeq int64

	// IdentifyRetries bounds transient-failure retries of the identify
	// send before the transition completes anyway.
	IdentifyRetries int
	// IdentifyRetryDelay is the pause between identify send attempts.
	IdentifyRetryDelay time.Duration

	Logger *slog.Logger
}

const (
	defaultIdentifyRetries    = 3
	defaultIdentifyRetryDelay = time.Second
)

// Pipeline is the single-writer event ingestion pipeline. See the package
// doc for the architecture.
//
// Thread-safety model:
//   - Track, Identify, FlushEvents, Drain: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//   - Fields below the worker-state marker are owned by the Run goroutine
type Pipeline struct {
	store     *store.Store
	delivery  *delivery.Queue
	transport transport.Transport
	identity  Identity

	sessions   Sessions
	enricher   Enricher
	dispatcher Dispatcher
	transform  TransformFunc
	filter     FilterFunc

	ids event.IDGenerator
	clk clock.Clock
	seq *SeqClock
	log *slog.Logger

	identifyRetries    int
	identifyRetryDelay time.Duration

	queue       *commandQueue
	ready       chan struct{}
	readyOnce   sync.Once
	done        chan struct{}
	wg          sync.WaitGroup
	identifying atomic.Bool

	// Worker state: touched only from the Run goroutine.
	transitioning bool
	held          []delivery.Entry
	deferred      []*identifyRequest
}

// New creates a pipeline. Run must be started for commands to process.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if cfg.Delivery == nil {
		return nil, fmt.Errorf("pipeline: delivery queue is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("pipeline: transport is required")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("pipeline: identity provider is required")
	}

	if cfg.IDs == nil {
		cfg.IDs = event.UUIDv7Generator{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.IdentifyRetries <= 0 {
		cfg.IdentifyRetries = defaultIdentifyRetries
	}
	if cfg.IdentifyRetryDelay <= 0 {
		cfg.IdentifyRetryDelay = defaultIdentifyRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pipeline{
		store:              cfg.Store,
		delivery:           cfg.Delivery,
		transport:          cfg.Transport,
		identity:           cfg.Identity,
		sessions:           cfg.Sessions,
		enricher:           cfg.Enricher,
		dispatcher:         cfg.Dispatcher,
		transform:          cfg.Transform,
		filter:             cfg.Filter,
		ids:                cfg.IDs,
		clk:                cfg.Clock,
		seq:                NewSeqClockAt(cfg.StartSeq),
		log:                cfg.Logger,
		identifyRetries:    cfg.IdentifyRetries,
		identifyRetryDelay: cfg.IdentifyRetryDelay,
		queue:              newCommandQueue(),
		ready:              make(chan struct{}),
		done:               make(chan struct{}),
	}, nil
}

// SignalReady opens the readiness gate. Idempotent; all waiters wake at
// once. Until this fires, the worker holds before its first
// storage-touching command and query paths block in WaitReady.
func (p *Pipeline) SignalReady() {
	p.readyOnce.Do(func() {
		close(p.ready)
	})
}

// WaitReady blocks until SignalReady has fired or ctx is done.
func (p *Pipeline) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Track submits an event for the full processing path: enrichment, local
// persistence, journey dispatch, and network delivery. Never blocks on
// storage readiness or the identity gate.
func (p *Pipeline) Track(name string, props map[string]any) error {
	return p.submitTrack("", name, props, true, nil)
}

// TrackWithID is Track with a caller-chosen event id. Callers that must
// correlate the event before the worker touches it (outcome registration
// against the trigger event) generate the id up front and pass it here.
func (p *Pipeline) TrackWithID(id, name string, props map[string]any) error {
	if id == "" {
		return fmt.Errorf("track: event id is required")
	}
	return p.submitTrack(id, name, props, true, nil)
}

// TrackForTrigger submits an event that exists to fire journey triggers:
// it runs the full local path (persist + dispatch) but is not delivered
// to the backend.
func (p *Pipeline) TrackForTrigger(name string, props map[string]any) error {
	return p.submitTrack("", name, props, false, nil)
}

func (p *Pipeline) submitTrack(id, name string, props map[string]any, deliver bool, reply chan trackOutcome) error {
	if name == "" {
		return fmt.Errorf("track: event name is required")
	}
	if id == "" {
		id = p.ids.Generate()
	}
	req := &trackRequest{
		id:      id,
		name:    name,
		props:   props,
		at:      p.clk.Now(),
		deliver: deliver,
		reply:   reply,
	}
	if !p.queue.Enqueue(command{kind: cmdTrack, track: req}) {
		return ErrClosed
	}
	return nil
}

// TrackWithResponse runs the full processing path for one event, sends it
// directly through the transport (bypassing the batch queue and the
// identity gate), and returns the backend's response. Blocks until
// storage is ready.
func (p *Pipeline) TrackWithResponse(ctx context.Context, name string, props map[string]any) (transport.TrackResponse, error) {
	if err := p.WaitReady(ctx); err != nil {
		return transport.TrackResponse{}, err
	}

	reply := make(chan trackOutcome, 1)
	if err := p.submitTrack("", name, props, false, reply); err != nil {
		return transport.TrackResponse{}, err
	}

	var out trackOutcome
	select {
	case out = <-reply:
	case <-ctx.Done():
		return transport.TrackResponse{}, ctx.Err()
	case <-p.done:
		return transport.TrackResponse{}, ErrClosed
	}
	if out.err != nil {
		return transport.TrackResponse{}, out.err
	}

	resp, err := p.transport.TrackEvent(ctx, out.ev)
	if err != nil {
		return transport.TrackResponse{}, fmt.Errorf("track event %s: %w", out.ev.ID, err)
	}
	return resp, nil
}

// Identify submits an identity transition: the user becomes distinctID,
// locally stored events follow them, and the backend receives $identify
// before any event captured during the transition.
func (p *Pipeline) Identify(distinctID string, props map[string]any) error {
	if distinctID == "" {
		return fmt.Errorf("identify: distinct id is required")
	}
	req := &identifyRequest{distinctID: distinctID, props: props}
	if !p.queue.Enqueue(command{kind: cmdIdentify, identify: req}) {
		return ErrClosed
	}
	return nil
}

// FlushEvents requests a manual delivery flush, ordered after every
// command submitted before it.
func (p *Pipeline) FlushEvents() {
	p.queue.Enqueue(command{kind: cmdFlush})
}

// Drain blocks until every command submitted before it has been fully
// processed, or ctx is done. The barrier itself is processed either way.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	if !p.queue.Enqueue(command{kind: cmdBarrier, barrier: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
}

// ReassignEvents moves locally stored events between distinct ids without
// an identity transition. Blocks until storage is ready.
func (p *Pipeline) ReassignEvents(ctx context.Context, from, to string) (int64, error) {
	if err := p.WaitReady(ctx); err != nil {
		return 0, err
	}
	n, err := p.store.ReassignEvents(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("reassign events: %w", err)
	}
	return n, nil
}

// Stop closes the command queue. Run drains commands already submitted
// and then returns; later submissions get ErrClosed.
func (p *Pipeline) Stop() {
	p.queue.Close()
}

// QueueLen returns the number of pending commands. Monitoring and tests.
func (p *Pipeline) QueueLen() int {
	return p.queue.Len()
}

// Identifying reports whether an identity transition is in flight. The
// flag covers the whole handshake, from the gate closing until the held
// deliveries have been released.
func (p *Pipeline) Identifying() bool {
	return p.identifying.Load()
}

// Run starts the single-writer command loop. Blocks until ctx is
// cancelled or Stop is called and the backlog drains.
//
// Must be called from exactly one goroutine. All pipeline state mutation
// happens here.
//
// On command failure the error is logged with full context and processing
// continues; a failed track never blocks the ones behind it.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.wg.Wait()
	defer close(p.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.log.Info("pipeline starting")

	for {
		cmd, ok := p.queue.TryDequeue()
		if ok {
			if err := p.processCommand(ctx, cmd); err != nil {
				p.logCommandError(cmd, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			p.log.Info("pipeline stopping: context cancelled")
			p.queue.Close()
			return ctx.Err()

		case <-p.queue.Wait():
			// The signal channel closes when the queue closes, so this
			// case fires immediately once Stop has been called.
			if p.queue.Len() == 0 {
				p.log.Info("pipeline stopping: command queue closed")
				return nil
			}
		}
	}
}

// processCommand routes a command to its handler.
// Called only from the Run goroutine.
func (p *Pipeline) processCommand(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdTrack:
		if cmd.track == nil {
			return fmt.Errorf("track command missing payload")
		}
		return p.processTrack(ctx, cmd.track)

	case cmdIdentify:
		if cmd.identify == nil {
			return fmt.Errorf("identify command missing payload")
		}
		return p.processIdentify(ctx, cmd.identify)

	case cmdTransitionDone:
		p.finishTransition(ctx)
		return nil

	case cmdFlush:
		p.processFlush()
		return nil

	case cmdBarrier:
		if cmd.barrier != nil {
			close(cmd.barrier)
		}
		return nil

	default:
		return fmt.Errorf("unknown command kind: %d", cmd.kind)
	}
}

// processTrack runs the per-event processing chain: session attach,
// sanitize, enrich, filter, transform, route.
// Called only from the Run goroutine.
func (p *Pipeline) processTrack(ctx context.Context, req *trackRequest) error {
	if err := p.waitReadyWorker(ctx); err != nil {
		if req.reply != nil {
			req.reply <- trackOutcome{err: err}
		}
		return fmt.Errorf("track %s: %w", req.id, err)
	}

	ev := event.Event{
		ID:         req.id,
		Name:       req.name,
		DistinctID: p.identity.DistinctID(),
		Timestamp:  req.at,
	}

	if p.sessions != nil {
		if sid, ok := p.sessions.SessionID(ev.Timestamp, false); ok {
			ev.SessionID = sid
		}
		p.sessions.Touch()
	}

	props := value.Sanitize(req.props)
	if p.enricher != nil {
		props = p.enricher.EnrichedProperties(props)
	}
	if p.filter != nil {
		props = props.Filter(p.filter)
	}
	ev.Properties = props

	if p.transform != nil {
		out, keep := p.transform(ev)
		if !keep {
			p.log.Debug("event vetoed by transform",
				"event_id", req.id,
				"event_name", req.name)
			if req.reply != nil {
				req.reply <- trackOutcome{err: ErrVetoed}
			}
			return nil
		}
		ev = out
	}

	p.route(ctx, ev, req.deliver)

	if req.reply != nil {
		req.reply <- trackOutcome{ev: ev}
	}
	return nil
}

// route applies an event's side effects in order: persist, dispatch,
// deliver. Storage failure is logged and does not stop dispatch or
// delivery; local history is a best-effort side channel.
// Called only from the Run goroutine.
func (p *Pipeline) route(ctx context.Context, ev event.Event, deliver bool) {
	stored := event.Stored{Event: ev, Seq: p.seq.Next()}
	if err := p.store.InsertEvent(ctx, stored); err != nil {
		p.log.Warn("event persist failed",
			"event_id", ev.ID,
			"event_name", ev.Name,
			"error", err)
	}

	if p.dispatcher != nil {
		p.dispatcher.HandleEvent(ctx, ev)
	}

	if !deliver {
		return
	}

	entry := delivery.Entry{Key: p.ids.Generate(), Event: ev}
	if p.transitioning {
		p.held = append(p.held, entry)
		return
	}
	p.delivery.Enqueue(entry)
}

// processFlush forwards a manual flush to the delivery queue unless an
// identity transition holds delivery closed.
// Called only from the Run goroutine.
func (p *Pipeline) processFlush() {
	if p.transitioning {
		p.log.Debug("flush skipped: identity transition in progress")
		return
	}
	p.delivery.Flush()
}

// waitReadyWorker holds the worker at the readiness gate. Commands queued
// behind the blocked one simply wait their turn; nothing is dropped.
func (p *Pipeline) waitReadyWorker(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	default:
	}
	p.log.Debug("worker waiting for storage readiness")
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for readiness: %w", ctx.Err())
	}
}

// logCommandError logs a processing failure with enough context to
// investigate the specific command.
func (p *Pipeline) logCommandError(cmd command, err error) {
	switch cmd.kind {
	case cmdTrack:
		if cmd.track != nil {
			p.log.Error("track processing failed",
				"error", err,
				"event_id", cmd.track.id,
				"event_name", cmd.track.name)
			return
		}
		p.log.Error("track processing failed", "error", err)

	case cmdIdentify:
		if cmd.identify != nil {
			p.log.Error("identify processing failed",
				"error", err,
				"distinct_id", cmd.identify.distinctID)
			return
		}
		p.log.Error("identify processing failed", "error", err)

	default:
		p.log.Error("command processing failed",
			"error", err,
			"command_kind", int(cmd.kind))
	}
}
