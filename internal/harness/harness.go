package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/meanderhq/meander-go/internal/campaign"
	"github.com/meanderhq/meander-go/internal/clock"
	"github.com/meanderhq/meander-go/internal/delivery"
	"github.com/meanderhq/meander-go/internal/dispatch"
	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/pipeline"
	"github.com/meanderhq/meander-go/internal/store"
	"github.com/meanderhq/meander-go/internal/transport"
	"github.com/meanderhq/meander-go/internal/value"
)

// settleTimeout bounds how long one step may take to settle. Generous;
// scenarios run against an in-memory store and a capture transport, so
// hitting it means the stack is wedged, not slow.
const settleTimeout = 10 * time.Second

// Harness drives one scenario against a freshly assembled client stack.
// It owns the same internals the public client wires together, swapped
// onto a manual clock, sequence ids, and a capture transport so every
// run of a scenario produces the same trace.
type Harness struct {
	st       *store.Store
	clk      *clock.Manual
	cap      *transport.Capture
	queue    *delivery.Queue
	pipe     *pipeline.Pipeline
	disp     *dispatch.Dispatcher
	identity *scenarioIdentity
	screens  *screenLog
	trace    *traceLog
	log      *slog.Logger

	batchesSeen int
}

// Run executes a scenario and returns its result. Each scenario runs in
// a fresh in-memory database; the manual clock and sequence ids make the
// trace reproducible byte for byte.
//
// Steps settle completely before the next one starts: the pipeline
// backlog is drained and in-flight deliveries finish. An identify step
// additionally waits for the whole identity handshake, so the events a
// later step tracks are never silently held behind the gate.
func Run(scenario *Scenario) (*Result, error) {
	h, err := build(scenario)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	h.trace.result = result

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	h.pipe.SignalReady()
	go func() {
		runDone <- h.pipe.Run(ctx)
	}()
	defer h.shutdown(cancel, runDone)

	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	actx := &AssertionContext{
		Ctx:            ctx,
		Store:          h.st,
		DistinctID:     h.identity.DistinctID(),
		ActiveJourneys: h.disp.ActiveCount(),
		Delivered:      h.cap.BatchedEvents(),
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

// build assembles the stack for one scenario run.
func build(scenario *Scenario) (*Harness, error) {
	start, err := scenario.start()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(start)
	prefix := scenario.IDPrefix
	if prefix == "" {
		prefix = defaultIDPrefix
	}

	cap := transport.NewCapture()
	queue := delivery.NewQueue(cap, delivery.Config{
		FlushAt:        1000, // explicit flush steps only
		FlushInterval:  time.Hour,
		MaxQueueSize:   1000,
		MaxBatchSize:   50,
		MaxRetries:     3,
		RetryBaseDelay: 5 * time.Second,
		Clock:          clk,
		Logger:         logger,
	})
	fail := func() { queue.Close(); st.Close() }

	distinctID := scenario.DistinctID
	if distinctID == "" {
		distinctID = defaultDistinctID
	}
	identity := &scenarioIdentity{id: distinctID}
	trace := &traceLog{}
	screens := &screenLog{trace: trace}

	h := &Harness{
		st:       st,
		clk:      clk,
		cap:      cap,
		queue:    queue,
		identity: identity,
		screens:  screens,
		trace:    trace,
		log:      logger,
	}

	disp, err := dispatch.New(dispatch.Config{
		Store:     st,
		Events:    pipelineSink{h},
		Navigator: screens,
		Clock:     clk,
		IDs:       event.NewSequenceGenerator("j"),
		Logger:    logger,
	})
	if err != nil {
		fail()
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	h.disp = disp

	pipe, err := pipeline.New(pipeline.Config{
		Store:      st,
		Delivery:   queue,
		Transport:  cap,
		Identity:   identity,
		Dispatcher: dispatcherHook{disp},
		IDs:        event.NewSequenceGenerator(prefix),
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		fail()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	h.pipe = pipe

	for _, path := range scenario.Campaigns {
		data, err := os.ReadFile(path)
		if err != nil {
			fail()
			return nil, fmt.Errorf("read campaign %s: %w", path, err)
		}
		def, err := campaign.ParseDefinition(data)
		if err != nil {
			fail()
			return nil, fmt.Errorf("parse campaign %s: %w", path, err)
		}
		if err := disp.Activate(def); err != nil {
			fail()
			return nil, fmt.Errorf("activate campaign %s: %w", path, err)
		}
	}

	return h, nil
}

// shutdown tears the stack down in dependency order. Mirrors the client's
// close sequence: journeys halt first so no action tracks into a closing
// pipeline.
func (h *Harness) shutdown(cancel context.CancelFunc, runDone chan error) {
	h.disp.Close()
	h.pipe.Stop()
	select {
	case <-runDone:
	case <-time.After(settleTimeout):
		cancel()
		<-runDone
	}
	cancel()
	h.queue.Close()
	h.st.Close()
}

func (h *Harness) executeStep(ctx context.Context, step Step, result *Result) error {
	switch {
	case step.Track != "":
		h.trace.add(TraceEvent{Kind: TraceTrack, Name: step.Track, Props: step.Props})
		if err := h.pipe.Track(step.Track, step.Props); err != nil {
			return fmt.Errorf("track %s: %w", step.Track, err)
		}

	case step.Trigger != "":
		h.trace.add(TraceEvent{Kind: TraceTrigger, Name: step.Trigger, Props: step.Props})
		if err := h.pipe.TrackForTrigger(step.Trigger, step.Props); err != nil {
			return fmt.Errorf("trigger %s: %w", step.Trigger, err)
		}

	case step.Identify != "":
		h.trace.add(TraceEvent{Kind: TraceIdentify, DistinctID: step.Identify, Props: step.Props})
		if err := h.pipe.Identify(step.Identify, step.Props); err != nil {
			return fmt.Errorf("identify %s: %w", step.Identify, err)
		}

	case step.Advance != "":
		h.trace.add(TraceEvent{Kind: TraceAdvance, By: step.Advance})
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		h.clk.Advance(d)

	case step.Tap != nil:
		h.trace.add(TraceEvent{Kind: TraceTap, Screen: step.Tap.Screen, Component: step.Tap.Component})
		journeyID, ok := h.screens.journeyShowing(step.Tap.Screen)
		if !ok {
			return fmt.Errorf("tap: no journey has shown screen %q", step.Tap.Screen)
		}
		h.disp.HandleUITrigger(journeyID, campaign.TriggerTap, step.Tap.Component)

	case step.Flush:
		h.trace.add(TraceEvent{Kind: TraceFlush})
		h.queue.Flush()

	case step.FailDeliveries > 0:
		h.trace.add(TraceEvent{Kind: TraceFailures, Count: step.FailDeliveries})
		errs := make([]error, step.FailDeliveries)
		for i := range errs {
			errs[i] = errors.New("simulated delivery failure")
		}
		h.cap.FailNext(errs...)
	}

	if err := h.settle(ctx, step.Identify != ""); err != nil {
		return err
	}

	h.recordNewBatches(result)
	return nil
}

// settle waits for the step's effects to finish: the pipeline backlog
// drains and any in-flight delivery flush completes. After an identify
// the wait extends across the identity handshake, which runs off the
// worker goroutine.
func (h *Harness) settle(ctx context.Context, identified bool) error {
	sctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	if err := h.pipe.Drain(sctx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if identified {
		for h.pipe.Identifying() {
			select {
			case <-sctx.Done():
				return fmt.Errorf("identity transition did not settle: %w", sctx.Err())
			case <-time.After(time.Millisecond):
			}
		}
	}
	if err := h.queue.WaitIdle(sctx); err != nil {
		return fmt.Errorf("wait for delivery: %w", err)
	}
	return nil
}

// recordNewBatches appends a trace event for every batch delivered since
// the previous step settled.
func (h *Harness) recordNewBatches(result *Result) {
	batches := h.cap.Batches()
	for _, batch := range batches[h.batchesSeen:] {
		names := make([]string, len(batch))
		for i, ev := range batch {
			names[i] = ev.Name
		}
		h.trace.add(TraceEvent{Kind: TraceBatch, Names: names})
	}
	h.batchesSeen = len(batches)
}

// scenarioIdentity is the identity provider for a run. Starts at the
// scenario's distinct id and follows identify steps.
type scenarioIdentity struct {
	mu    sync.Mutex
	id    string
	props value.Object
}

func (s *scenarioIdentity) DistinctID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *scenarioIdentity) SetDistinctID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *scenarioIdentity) SetUserProperties(props value.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.props == nil {
		s.props = value.Object{}
	}
	for k, v := range props {
		s.props[k] = v
	}
}

// traceLog collects trace events. Effects arrive from the pipeline
// worker and from timer callbacks, so appends are serialized here rather
// than on the Result.
type traceLog struct {
	mu     sync.Mutex
	result *Result
}

func (l *traceLog) add(ev TraceEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.result != nil {
		l.result.addTrace(ev)
	}
}

// screenLog is the run's navigator. It traces screen changes and
// remembers which journey last showed each screen, so tap steps can
// address interactions the way a user would: by what is on screen.
type screenLog struct {
	trace *traceLog

	mu      sync.Mutex
	showing map[string]string // screen id -> journey id
}

func (s *screenLog) ShowScreen(journeyID, screenID string) {
	s.mu.Lock()
	if s.showing == nil {
		s.showing = make(map[string]string)
	}
	s.showing[screenID] = journeyID
	s.mu.Unlock()

	s.trace.add(TraceEvent{Kind: TraceScreen, Journey: journeyID, Screen: screenID})
}

func (s *screenLog) Dismiss(journeyID string) {
	s.trace.add(TraceEvent{Kind: TraceDismissed, Journey: journeyID})
}

func (s *screenLog) journeyShowing(screenID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.showing[screenID]
	return id, ok
}

// pipelineSink feeds journey-emitted events back into the pipeline on
// the full path, so flow outcomes and tracked actions are stored and
// delivered like any host event.
type pipelineSink struct {
	h *Harness
}

func (s pipelineSink) Track(name string, props value.Object) error {
	return s.h.pipe.Track(name, props.Native())
}

// dispatcherHook routes every pipeline event into journey dispatch.
type dispatcherHook struct {
	disp *dispatch.Dispatcher
}

func (d dispatcherHook) HandleEvent(ctx context.Context, ev event.Event) {
	d.disp.HandleEvent(ctx, ev)
}
