package runner

import (
	"time"

	"github.com/meanderhq/meander-go/internal/campaign"
	"github.com/meanderhq/meander-go/internal/journey"
)

// outcome classifies what an executed action did to its request.
type outcome int

const (
	// outcomeContinue advances to the next action in the list.
	outcomeContinue outcome = iota
	// outcomeStop abandons the rest of the request. The journey stays
	// running; navigation uses this because the remaining actions were
	// authored against the screen being left.
	outcomeStop
	// outcomePause suspends the journey at this action.
	outcomePause
	// outcomeExit terminates the journey.
	outcomeExit
)

type actionResult struct {
	outcome outcome
	pending journey.PendingAction
	reason  string
}

// execute runs the active request from its cursor until the list is
// exhausted or an action stops, pauses or exits. The caller holds the
// processing baton but not the lock, so collaborators called from action
// handlers may re-enter the runner.
func (r *Runner) execute(run *activeRun) {
	for run.cursor < len(run.req.Actions) {
		res := r.executeAction(run.req.Actions[run.cursor], run)
		switch res.outcome {
		case outcomeContinue:
			run.cursor++
			run.resumed = nil
		case outcomeStop:
			r.finishActive()
			return
		case outcomePause:
			r.suspendActive(res.pending)
			return
		case outcomeExit:
			r.exit(res.reason)
			return
		}
	}
	r.finishActive()
}

// executeAction runs one action. A panic in an action or collaborator is
// contained to this journey: it logs and exits with reason "error"
// rather than taking the process down.
func (r *Runner) executeAction(a campaign.Action, run *activeRun) (res actionResult) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("action panicked",
				"journey_id", r.j.ID,
				"interaction_id", run.req.Trigger.InteractionID,
				"action_index", run.cursor,
				"kind", a.Kind,
				"panic", p,
			)
			res = actionResult{outcome: outcomeExit, reason: ExitReasonError}
		}
	}()

	switch a.Kind {
	case campaign.ActionNavigate:
		return r.execNavigate(a)
	case campaign.ActionDismiss:
		return r.execDismiss()
	case campaign.ActionDelay:
		return r.execDelay(a, run)
	case campaign.ActionTimeWindow:
		return r.execTimeWindow(a, run)
	case campaign.ActionWaitUntil:
		return r.execWaitUntil(a, run)
	case campaign.ActionTrack:
		return r.execTrack(a, run)
	case campaign.ActionSetValue:
		return r.execSetValue(a)
	case campaign.ActionExperiment:
		return r.execExperiment(a)
	case campaign.ActionRemote:
		return r.execRemote(a, run)
	case campaign.ActionExit:
		reason := a.Reason
		if reason == "" {
			reason = ExitReasonCompleted
		}
		return actionResult{outcome: outcomeExit, reason: reason}
	default:
		r.log.Error("unknown action kind", "journey_id", r.j.ID, "kind", a.Kind)
		return actionResult{outcome: outcomeExit, reason: ExitReasonError}
	}
}

func (r *Runner) execNavigate(a campaign.Action) actionResult {
	if _, ok := r.def.Screen(a.ScreenID); !ok {
		r.log.Error("navigate target not in campaign", "journey_id", r.j.ID, "screen_id", a.ScreenID)
		return actionResult{outcome: outcomeExit, reason: ExitReasonError}
	}
	r.j.Navigate(a.ScreenID, r.clk.Now())
	r.markDirty()
	if r.nav != nil {
		r.nav.ShowScreen(r.j.ID, a.ScreenID)
	}
	return actionResult{outcome: outcomeStop}
}

func (r *Runner) execDismiss() actionResult {
	r.j.Dismiss(r.clk.Now())
	r.markDirty()
	if r.nav != nil {
		r.nav.Dismiss(r.j.ID)
	}
	return actionResult{outcome: outcomeContinue}
}

func (r *Runner) execDelay(a campaign.Action, run *activeRun) actionResult {
	now := r.clk.Now()
	p := r.pendingAt(run, journey.PendingDelay, now)
	at := p.StartedAt.Add(a.Delay())
	p.ResumeAt = &at
	return actionResult{outcome: outcomePause, pending: p}
}

func (r *Runner) execTimeWindow(a campaign.Action, run *activeRun) actionResult {
	if a.Window == nil {
		r.log.Error("time window action without a window", "journey_id", r.j.ID)
		return actionResult{outcome: outcomeExit, reason: ExitReasonError}
	}
	now := r.clk.Now()
	open, err := a.Window.Contains(now)
	if err != nil {
		r.log.Error("time window invalid", "journey_id", r.j.ID, "error", err)
		return actionResult{outcome: outcomeExit, reason: ExitReasonError}
	}
	if open {
		return actionResult{outcome: outcomeContinue}
	}
	next, err := a.Window.NextOpen(now)
	if err != nil {
		r.log.Error("time window never opens", "journey_id", r.j.ID, "error", err)
		return actionResult{outcome: outcomeExit, reason: ExitReasonError}
	}
	p := r.pendingAt(run, journey.PendingTimeWindow, now)
	p.ResumeAt = &next
	return actionResult{outcome: outcomePause, pending: p}
}

func (r *Runner) execWaitUntil(a campaign.Action, run *activeRun) actionResult {
	now := r.clk.Now()
	p := r.pendingAt(run, journey.PendingWaitUntil, now)
	p.Condition = a.Condition
	p.MaxTime = a.MaxTime()

	// The deadline is absolute from the first suspension. Once it has
	// passed, the timeout is the escape path, not a failure.
	if deadline, ok := p.Deadline(); ok && !now.Before(deadline) {
		return actionResult{outcome: outcomeContinue}
	}

	if len(a.Condition) > 0 {
		if r.conds == nil {
			r.log.Error("wait condition with no evaluator configured", "journey_id", r.j.ID)
			return actionResult{outcome: outcomeExit, reason: ExitReasonError}
		}
		ok, err := r.evaluate(a.Condition, run.req.Trigger.Event)
		if err != nil {
			return r.retryableFailure(run, "evaluate wait condition", err)
		}
		if ok {
			return actionResult{outcome: outcomeContinue}
		}
	}
	return actionResult{outcome: outcomePause, pending: p}
}

func (r *Runner) execTrack(a campaign.Action, run *activeRun) actionResult {
	if err := r.sink.Track(a.EventName, a.Properties); err != nil {
		return r.retryableFailure(run, "track event", err)
	}
	return actionResult{outcome: outcomeContinue}
}

func (r *Runner) execSetValue(a campaign.Action) actionResult {
	if a.Value == nil {
		r.log.Error("setValue action without a value", "journey_id", r.j.ID, "path", a.Path)
		return actionResult{outcome: outcomeExit, reason: ExitReasonError}
	}
	r.j.SetViewValue(a.Path, a.Value.V, r.clk.Now())
	r.markDirty()
	return actionResult{outcome: outcomeContinue}
}

func (r *Runner) execRemote(a campaign.Action, run *activeRun) actionResult {
	if r.remote == nil {
		r.log.Error("remote action with no caller configured", "journey_id", r.j.ID, "endpoint", a.Endpoint)
		return actionResult{outcome: outcomeExit, reason: ExitReasonError}
	}
	if err := r.remote.Call(a.Endpoint, a.Params); err != nil {
		return r.retryableFailure(run, "remote call", err)
	}
	return actionResult{outcome: outcomeContinue}
}

// pendingAt builds the suspension record for the current action. When
// the run was itself resumed from a suspension of the same action and
// kind, the original start time carries over, so absolute deadlines
// never extend across restarts or repeated re-checks.
func (r *Runner) pendingAt(run *activeRun, kind journey.PendingKind, now time.Time) journey.PendingAction {
	p := journey.PendingAction{
		InteractionID: run.req.Trigger.InteractionID,
		ScreenID:      run.req.Trigger.ScreenID,
		ComponentID:   run.req.Trigger.ComponentID,
		ActionIndex:   run.cursor,
		Kind:          kind,
		StartedAt:     now,
	}
	if prev := run.resumed; prev != nil && prev.ActionIndex == run.cursor && prev.Kind == kind {
		p.StartedAt = prev.StartedAt
	}
	return p
}

// retryableFailure schedules a retry of the current action unless the
// error is permanent, in which case the journey exits.
func (r *Runner) retryableFailure(run *activeRun, op string, err error) actionResult {
	if isPermanent(err) {
		r.log.Error("action failed permanently", "journey_id", r.j.ID, "op", op, "error", err)
		return actionResult{outcome: outcomeExit, reason: ExitReasonError}
	}
	now := r.clk.Now()
	delay := backoffFor(err, r.retryDelay)
	at := now.Add(delay)
	p := r.pendingAt(run, journey.PendingRemoteRetry, now)
	p.ResumeAt = &at
	r.log.Warn("action failed, scheduling retry",
		"journey_id", r.j.ID,
		"op", op,
		"retry_in", delay,
		"error", err,
	)
	return actionResult{outcome: outcomePause, pending: p}
}

func (r *Runner) suspendActive(p journey.PendingAction) {
	now := r.clk.Now()
	if err := r.j.Suspend(p, now); err != nil {
		r.log.Error("suspend failed", "journey_id", r.j.ID, "error", err)
		r.exit(ExitReasonError)
		return
	}
	r.markDirty()
	r.mu.Lock()
	r.active = nil
	r.armTimerLocked(p, now)
	r.mu.Unlock()
	r.log.Debug("journey suspended",
		"journey_id", r.j.ID,
		"kind", p.Kind,
		"interaction_id", p.InteractionID,
		"action_index", p.ActionIndex,
	)
}

func (r *Runner) finishActive() {
	r.mu.Lock()
	r.active = nil
	r.mu.Unlock()
}

// exit terminates the journey on the baton: journey state first, then
// timers and queued work.
func (r *Runner) exit(reason string) {
	if r.j.Status == journey.StatusExited {
		return
	}
	r.j.Exit(reason, r.clk.Now())
	r.markDirty()
	r.mu.Lock()
	r.closed = true
	r.stopTimerLocked()
	for id, st := range r.debounce {
		st.timer.Stop()
		delete(r.debounce, id)
	}
	r.active = nil
	r.requests = nil
	r.mu.Unlock()
	r.log.Info("journey exited",
		"journey_id", r.j.ID,
		"campaign_id", r.j.CampaignID,
		"reason", reason,
	)
}
