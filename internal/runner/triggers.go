package runner

import (
	"time"

	"github.com/meanderhq/meander-go/internal/campaign"
	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/journey"
	"github.com/meanderhq/meander-go/internal/value"
)

// dispatchUITrigger matches a gesture against the current screen's
// interactions. Scope is exact: component gestures never fire
// screen-scoped interactions and vice versa.
func (r *Runner) dispatchUITrigger(kind campaign.TriggerKind, componentID string) {
	matched := 0
	for _, scoped := range r.def.ScreenInteractions(r.j.Flow.CurrentScreenID) {
		in := scoped.Interaction
		if in.Trigger.Kind != kind || scoped.ComponentID != componentID {
			continue
		}
		r.enqueueRequest(ActionRequest{
			Actions: in.Actions,
			Trigger: TriggerContext{
				InteractionID: in.ID,
				ScreenID:      scoped.ScreenID,
				ComponentID:   scoped.ComponentID,
				Kind:          kind,
			},
		})
		matched++
	}
	if matched > 0 {
		r.log.Debug("ui trigger matched",
			"journey_id", r.j.ID,
			"kind", kind,
			"component_id", componentID,
			"interactions", matched,
		)
	}
}

// dispatchEvent fires event-triggered interactions on the current screen
// and offers the event to a paused wait condition.
func (r *Runner) dispatchEvent(ev event.Event) {
	for _, scoped := range r.def.ScreenInteractions(r.j.Flow.CurrentScreenID) {
		in := scoped.Interaction
		if in.Trigger.Kind != campaign.TriggerEvent || in.Trigger.EventName != ev.Name {
			continue
		}
		r.enqueueRequest(ActionRequest{
			Actions: in.Actions,
			Trigger: TriggerContext{
				InteractionID: in.ID,
				ScreenID:      scoped.ScreenID,
				ComponentID:   scoped.ComponentID,
				Kind:          campaign.TriggerEvent,
				Event:         &ev,
			},
		})
	}

	p := r.j.Flow.Pending
	if p == nil || p.Kind != journey.PendingWaitUntil || len(p.Condition) == 0 || r.conds == nil {
		return
	}
	ok, err := r.evaluate(p.Condition, &ev)
	if err != nil {
		r.log.Warn("wait condition evaluation failed",
			"journey_id", r.j.ID,
			"event", ev.Name,
			"error", err,
		)
		return
	}
	if ok {
		r.resumePending(ResumeEvent, &ev)
	}
}

// applyValueChange writes the view-model mutation, fires matching
// valueChange interactions, and schedules the self-reset for fire-once
// trigger properties.
func (r *Runner) applyValueChange(change ValueChange) {
	r.j.SetViewValue(change.Path, change.Value, r.clk.Now())
	r.markDirty()

	for _, scoped := range r.def.ScreenInteractions(r.j.Flow.CurrentScreenID) {
		in := scoped.Interaction
		if in.Trigger.Kind != campaign.TriggerValueChange || in.Trigger.Path != change.Path {
			continue
		}
		if in.Trigger.DebounceMs > 0 {
			r.scheduleDebounced(scoped, change)
			continue
		}
		r.enqueueRequest(changeRequest(scoped))
	}

	if change.Trigger {
		r.scheduleTriggerReset(change.Path)
	}
}

func changeRequest(scoped campaign.ScopedInteraction) ActionRequest {
	return ActionRequest{
		Actions: scoped.Interaction.Actions,
		Trigger: TriggerContext{
			InteractionID: scoped.Interaction.ID,
			ScreenID:      scoped.ScreenID,
			ComponentID:   scoped.ComponentID,
			Kind:          campaign.TriggerValueChange,
		},
	}
}

// scheduleDebounced restarts the interaction's debounce timer. Only the
// latest change within the debounce period fires.
func (r *Runner) scheduleDebounced(scoped campaign.ScopedInteraction, change ValueChange) {
	id := scoped.Interaction.ID
	d := time.Duration(scoped.Interaction.Trigger.DebounceMs) * time.Millisecond

	r.mu.Lock()
	if st, ok := r.debounce[id]; ok {
		st.timer.Stop()
	}
	st := &debounceState{scoped: scoped, change: change}
	st.timer = r.clk.AfterFunc(d, func() { r.debounceFired(id) })
	r.debounce[id] = st
	r.mu.Unlock()
}

func (r *Runner) debounceFired(id string) {
	r.mu.Lock()
	st, ok := r.debounce[id]
	if !ok || r.closed {
		r.mu.Unlock()
		return
	}
	delete(r.debounce, id)
	r.items = append(r.items, item{kind: itemDebounced, scoped: st.scoped, change: st.change})
	r.mu.Unlock()
	r.pump()
}

// fireDebounced runs on the baton after the debounce period. The
// interaction fires only if its screen is still current; navigating away
// mid-debounce drops it.
func (r *Runner) fireDebounced(scoped campaign.ScopedInteraction, change ValueChange) {
	if scoped.ScreenID != r.j.Flow.CurrentScreenID {
		r.log.Debug("debounced trigger dropped, screen changed",
			"journey_id", r.j.ID,
			"interaction_id", scoped.Interaction.ID,
			"path", change.Path,
		)
		return
	}
	r.enqueueRequest(changeRequest(scoped))
}

// scheduleTriggerReset zeroes a fire-once property one tick after the
// firing pass, so the presentation layer observes the fired value before
// it returns to zero. The reset is a plain write and never re-matches
// interactions.
func (r *Runner) scheduleTriggerReset(path string) {
	r.clk.AfterFunc(0, func() {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.items = append(r.items, item{kind: itemResetValue, path: path})
		r.mu.Unlock()
		r.pump()
	})
}

func (r *Runner) evaluate(cond value.Object, ev *event.Event) (bool, error) {
	return r.conds.Evaluate(cond, Env{Journey: r.j, Event: ev})
}
