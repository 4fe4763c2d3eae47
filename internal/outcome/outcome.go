// Package outcome correlates a tracked event with the eventual outcome
// of a flow it triggered.
//
// The protocol is bind-then-wait-indefinitely: Register arms a timeout,
// and a Bind arriving before it fires removes the timeout entirely
// rather than extending it. From that point the broker waits for the
// flow's terminal event however long it takes; only an unbound
// registration can time out.
package outcome

import (
	"log/slog"
	"sync"
	"time"

	"github.com/meanderhq/meander-go/internal/clock"
	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/value"
)

// ResultKind classifies how a registration completed.
type ResultKind string

const (
	// ResultNoInteraction means no flow bound itself to the event before
	// the registration timed out.
	ResultNoInteraction ResultKind = "no_interaction"
	// ResultFlowFinished means a bound flow reached a terminal state.
	ResultFlowFinished ResultKind = "flow_finished"
)

// Result is delivered to a registration's completion callback, exactly
// once.
type Result struct {
	Kind      ResultKind
	JourneyID string
	FlowID    string

	// Outcome is the flow's exit reason as carried by the terminal
	// event; empty for ResultNoInteraction.
	Outcome   string
	Converted bool
}

// pending is one live registration. Ownership is exclusive to the
// broker; the timer callback re-enters through the mutex and checks
// pointer identity so a stale firing can never complete a newer
// registration under the same event id.
type pending struct {
	fn        func(Result)
	timer     clock.Timer
	journeyID string
	flowID    string
}

// Broker owns the pending registrations. All methods are safe for
// concurrent use.
type Broker struct {
	clk clock.Clock
	log *slog.Logger

	mu        sync.Mutex
	pending   map[string]*pending // event id -> registration
	byJourney map[string]string   // journey id -> event id
	closed    bool
}

// Config carries the broker's collaborators. Zero values default to the
// system clock and default logger.
type Config struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// New builds an empty Broker.
func New(cfg Config) *Broker {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		clk:       clk,
		log:       log,
		pending:   make(map[string]*pending),
		byJourney: make(map[string]string),
	}
}

// Register starts an outcome correlation for one tracked event. fn fires
// exactly once: with ResultNoInteraction when timeout elapses unbound,
// or with the flow's terminal result after a Bind. timeout <= 0 waits
// indefinitely from the start. Re-registering an event id replaces the
// earlier registration; its callback is dropped without firing.
func (b *Broker) Register(eventID string, timeout time.Duration, fn func(Result)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if old, ok := b.pending[eventID]; ok {
		b.dropLocked(eventID, old)
		b.log.Warn("outcome registration replaced", "event_id", eventID)
	}

	p := &pending{fn: fn}
	b.pending[eventID] = p
	if timeout > 0 {
		p.timer = b.clk.AfterFunc(timeout, func() { b.timeoutFired(eventID, p) })
	}
}

// Bind attaches a started flow to a registered event, cancelling the
// registration's timeout for good. The first flow an event triggers owns
// the outcome; binds for unregistered events or already-bound
// registrations are no-ops.
func (b *Broker) Bind(eventID, journeyID, flowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[eventID]
	if !ok || p.journeyID != "" {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.journeyID = journeyID
	p.flowID = flowID
	b.byJourney[journeyID] = eventID
	b.log.Debug("outcome bound", "event_id", eventID, "journey_id", journeyID, "flow_id", flowID)
}

// Cancel removes a registration without firing its callback. Used when
// the event the registration was keyed to never made it into the
// pipeline.
func (b *Broker) Cancel(eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[eventID]
	if !ok {
		return
	}
	b.dropLocked(eventID, p)
}

// Observe feeds one tracked event through the broker. Only flow outcome
// events whose journey and flow ids both match a bound registration
// complete anything; everything else is ignored.
func (b *Broker) Observe(ev event.Event) {
	if ev.Name != event.NameFlowOutcome {
		return
	}
	journeyID := propString(ev.Properties, "journey_id")
	flowID := propString(ev.Properties, "flow_id")
	if journeyID == "" || flowID == "" {
		return
	}

	b.mu.Lock()
	eventID, ok := b.byJourney[journeyID]
	if !ok {
		b.mu.Unlock()
		return
	}
	p, ok := b.pending[eventID]
	if !ok || p.journeyID != journeyID || p.flowID != flowID {
		b.mu.Unlock()
		return
	}
	delete(b.pending, eventID)
	delete(b.byJourney, journeyID)
	b.mu.Unlock()

	res := Result{
		Kind:      ResultFlowFinished,
		JourneyID: journeyID,
		FlowID:    flowID,
		Outcome:   propString(ev.Properties, "result"),
		Converted: propBool(ev.Properties, "converted"),
	}
	b.log.Debug("outcome completed",
		"event_id", eventID,
		"journey_id", journeyID,
		"result", res.Outcome,
	)
	p.fn(res)
}

// Close cancels every outstanding timeout and drops the registrations
// without firing their callbacks.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for eventID, p := range b.pending {
		b.dropLocked(eventID, p)
	}
}

// timeoutFired completes an unbound registration. A firing that lost a
// race with Bind or with a completed observation is dropped.
func (b *Broker) timeoutFired(eventID string, p *pending) {
	b.mu.Lock()
	cur, ok := b.pending[eventID]
	if !ok || cur != p || cur.journeyID != "" {
		b.mu.Unlock()
		return
	}
	delete(b.pending, eventID)
	b.mu.Unlock()

	b.log.Debug("outcome timed out without interaction", "event_id", eventID)
	p.fn(Result{Kind: ResultNoInteraction})
}

func (b *Broker) dropLocked(eventID string, p *pending) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	delete(b.pending, eventID)
	if p.journeyID != "" {
		delete(b.byJourney, p.journeyID)
	}
}

func propString(props value.Object, key string) string {
	if s, ok := props[key].(value.String); ok {
		return string(s)
	}
	return ""
}

func propBool(props value.Object, key string) bool {
	if v, ok := props[key].(value.Bool); ok {
		return bool(v)
	}
	return false
}
