package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/transport"
	"github.com/meanderhq/meander-go/internal/value"
)

// PropAnonDistinctID carries the pre-transition distinct id on the
// $identify event so the backend can merge the two identities.
const PropAnonDistinctID = "$anon_distinct_id"

// processIdentify starts an identity transition, or defers it when one is
// already in flight. Transitions serialize: the deferred request starts
// as soon as the current transition completes.
// Called only from the Run goroutine.
func (p *Pipeline) processIdentify(ctx context.Context, req *identifyRequest) error {
	if err := p.waitReadyWorker(ctx); err != nil {
		return fmt.Errorf("identify %s: %w", req.distinctID, err)
	}

	if p.transitioning {
		p.deferred = append(p.deferred, req)
		p.log.Debug("identify deferred: transition already in progress",
			"distinct_id", req.distinctID)
		return nil
	}

	p.beginTransition(ctx, req)
	return nil
}

// beginTransition closes the identity gate and kicks off the $identify
// send. From here until finishTransition, routed events persist and
// dispatch normally but their delivery entries accumulate in the hold
// buffer, and the delivery queue stays paused.
// Called only from the Run goroutine.
func (p *Pipeline) beginTransition(ctx context.Context, req *identifyRequest) {
	previous := p.identity.DistinctID()
	p.identity.SetDistinctID(req.distinctID)

	props := value.Sanitize(req.props)
	if len(props) > 0 {
		p.identity.SetUserProperties(props)
	}

	p.transitioning = true
	p.identifying.Store(true)
	p.delivery.Pause()

	if previous != "" && previous != req.distinctID {
		n, err := p.store.ReassignEvents(ctx, previous, req.distinctID)
		if err != nil {
			p.log.Warn("event reassignment failed",
				"from", previous,
				"to", req.distinctID,
				"error", err)
		} else {
			p.log.Debug("events reassigned",
				"from", previous,
				"to", req.distinctID,
				"count", n)
		}
	}

	ev := event.Event{
		ID:         p.ids.Generate(),
		Name:       event.NameIdentify,
		DistinctID: req.distinctID,
		Timestamp:  p.clk.Now(),
		Properties: identifyProperties(props, previous),
	}

	p.log.Info("identity transition started",
		"from", previous,
		"to", req.distinctID)

	p.wg.Add(1)
	go p.sendIdentify(ctx, ev)
}

func identifyProperties(props value.Object, previous string) value.Object {
	out := props.Clone()
	if out == nil {
		out = value.Object{}
	}
	if previous != "" {
		out[PropAnonDistinctID] = value.String(previous)
	}
	return out
}

// sendIdentify delivers the $identify event as its own batch, with
// bounded retries for transient failures, then re-enters the worker with
// a transitionDone command. The transition completes even when the send
// ultimately fails; the gate never stays closed.
//
// Runs on its own goroutine so the worker keeps routing events while the
// network round trips happen.
func (p *Pipeline) sendIdentify(ctx context.Context, ev event.Event) {
	defer p.wg.Done()

	// A flush already in flight when the gate closed keeps its events
	// ahead of the identify send.
	_ = p.delivery.WaitIdle(ctx)

	var lastErr error
loop:
	for attempt := 1; ; attempt++ {
		result, err := p.transport.SendBatch(ctx, []event.Event{ev})
		switch {
		case err == nil && result.AllSucceeded():
			lastErr = nil
		case err == nil:
			lastErr = fmt.Errorf("identify batch: %d processed, %d failed",
				result.Processed, result.Failed)
		default:
			lastErr = err
		}

		if lastErr == nil || transport.IsPermanent(err) || attempt >= p.identifyRetries {
			break
		}

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break loop
		case <-time.After(p.identifyRetryDelay):
		}
	}

	if lastErr == nil {
		p.log.Debug("identify event delivered",
			"event_id", ev.ID,
			"distinct_id", ev.DistinctID)
	} else {
		p.log.Warn("identify delivery failed, completing transition anyway",
			"event_id", ev.ID,
			"distinct_id", ev.DistinctID,
			"error", lastErr)
	}

	if !p.queue.Enqueue(command{kind: cmdTransitionDone}) {
		p.log.Warn("pipeline closed before identity transition completed",
			"distinct_id", ev.DistinctID)
	}
}

// finishTransition reopens the gate: the hold buffer drains into the
// delivery queue in original order, the queue resumes, and a flush is
// requested so the held events leave promptly. A deferred identify, if
// any, starts immediately after.
// Called only from the Run goroutine.
func (p *Pipeline) finishTransition(ctx context.Context) {
	held := p.held
	p.held = nil
	p.transitioning = false

	for _, entry := range held {
		p.delivery.Enqueue(entry)
	}
	p.delivery.Resume()
	p.delivery.Flush()

	p.log.Info("identity transition complete", "held_events", len(held))

	if len(p.deferred) > 0 {
		next := p.deferred[0]
		p.deferred = p.deferred[1:]
		p.beginTransition(ctx, next)
		return
	}
	p.identifying.Store(false)
}
