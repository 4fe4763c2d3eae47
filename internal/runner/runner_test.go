package runner

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meanderhq/meander-go/internal/campaign"
	"github.com/meanderhq/meander-go/internal/clock"
	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/journey"
	"github.com/meanderhq/meander-go/internal/value"
)

// testStart is a Monday at 10:00 UTC.
var testStart = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

type trackedEvent struct {
	name  string
	props value.Object
}

// stubSink records tracked events. The first `failures` calls return err
// without recording.
type stubSink struct {
	calls    []trackedEvent
	failures int
	err      error
}

func (s *stubSink) Track(name string, props value.Object) error {
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	s.calls = append(s.calls, trackedEvent{name: name, props: props})
	return nil
}

func (s *stubSink) names() []string {
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.name
	}
	return out
}

// stubNavigator records presentation calls. onShow, when set, runs after
// recording so tests can re-enter the runner from the callback.
type stubNavigator struct {
	shown     []string
	dismissed int
	onShow    func(screenID string)
}

func (n *stubNavigator) ShowScreen(journeyID, screenID string) {
	n.shown = append(n.shown, screenID)
	if n.onShow != nil {
		n.onShow(screenID)
	}
}

func (n *stubNavigator) Dismiss(journeyID string) { n.dismissed++ }

// stubEvaluator answers wait conditions with a fixed verdict or a custom
// function.
type stubEvaluator struct {
	verdict bool
	err     error
	fn      func(cond value.Object, env Env) (bool, error)
	calls   int
}

func (e *stubEvaluator) Evaluate(cond value.Object, env Env) (bool, error) {
	e.calls++
	if e.fn != nil {
		return e.fn(cond, env)
	}
	return e.verdict, e.err
}

type remoteCall struct {
	endpoint string
	params   value.Object
}

// stubRemote records calls. The first `failures` calls return err without
// recording.
type stubRemote struct {
	calls    []remoteCall
	failures int
	err      error
}

func (r *stubRemote) Call(endpoint string, params value.Object) error {
	if r.failures > 0 {
		r.failures--
		return r.err
	}
	r.calls = append(r.calls, remoteCall{endpoint: endpoint, params: params})
	return nil
}

type stubAssigner map[string]string

func (a stubAssigner) Variant(experimentID string) (string, bool) {
	v, ok := a[experimentID]
	return v, ok
}

type harness struct {
	runner   *Runner
	j        *journey.Journey
	clk      *clock.Manual
	sink     *stubSink
	nav      *stubNavigator
	eval     *stubEvaluator
	remote   *stubRemote
	assigner stubAssigner
	saves    int
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupRunner(t *testing.T, def *campaign.Definition) *harness {
	t.Helper()
	h := &harness{
		clk:      clock.NewManual(testStart),
		sink:     &stubSink{},
		nav:      &stubNavigator{},
		eval:     &stubEvaluator{},
		remote:   &stubRemote{},
		assigner: stubAssigner{},
	}
	h.j = journey.New("j-1", def.ID, "user-1", nil, testStart)
	r, err := New(Config{
		Journey:    h.j,
		Definition: def,
		Events:     h.sink,
		Conditions: h.eval,
		Remote:     h.remote,
		Assigner:   h.assigner,
		Navigator:  h.nav,
		Clock:      h.clk,
		RetryDelay: 5 * time.Second,
		OnChange:   func(*journey.Journey) { h.saves++ },
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	h.runner = r
	return h
}

// flowDef builds a two-screen campaign whose intro screen has one
// screen-scoped event interaction ("advance", fired by "go") running the
// given actions.
func flowDef(actions ...campaign.Action) *campaign.Definition {
	return &campaign.Definition{
		ID:      "onboarding",
		Name:    "Onboarding",
		Trigger: campaign.Trigger{EventName: event.NameIdentify},
		Flow: campaign.Flow{
			EntryScreenID: "intro",
			Screens: []campaign.Screen{
				{
					ID: "intro",
					Interactions: []campaign.Interaction{
						{
							ID:      "advance",
							Trigger: campaign.TriggerSpec{Kind: campaign.TriggerEvent, EventName: "go"},
							Actions: actions,
						},
					},
				},
				{ID: "detail"},
			},
		},
		Experiments: []campaign.Experiment{
			{ID: "copy-test", Variants: []string{"control", "friendly"}},
		},
	}
}

func goEvent() event.Event {
	return event.Event{ID: "ev-go", Name: "go", DistinctID: "user-1", Timestamp: testStart}
}

func track(name string) campaign.Action {
	return campaign.Action{Kind: campaign.ActionTrack, EventName: name}
}

func TestNew_Validation(t *testing.T) {
	def := flowDef()
	j := journey.New("j-1", def.ID, "user-1", nil, testStart)
	sink := &stubSink{}

	_, err := New(Config{Definition: def, Events: sink})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journey")

	_, err = New(Config{Journey: j, Events: sink})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definition")

	_, err = New(Config{Journey: j, Definition: def})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event sink")

	r, err := New(Config{Journey: j, Definition: def, Events: sink, Logger: discardLogger()})
	require.NoError(t, err)
	assert.NotNil(t, r.clk, "clock should default")
	assert.Equal(t, DefaultRetryDelay, r.retryDelay)
}

func TestRunner_StartNavigatesToEntry(t *testing.T) {
	h := setupRunner(t, flowDef())

	h.runner.Start()

	assert.Equal(t, "intro", h.j.Flow.CurrentScreenID)
	assert.Equal(t, []string{"intro"}, h.nav.shown)
	assert.Equal(t, 1, h.saves, "start should persist once")

	// A second start is a no-op: the journey already has a position.
	h.runner.Start()
	assert.Equal(t, []string{"intro"}, h.nav.shown)
	assert.Equal(t, 1, h.saves)
}

func TestRunner_TrackAction(t *testing.T) {
	h := setupRunner(t, flowDef(
		track("step_done"),
		track("also_done"),
	))
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	assert.Equal(t, []string{"step_done", "also_done"}, h.sink.names())
	assert.Nil(t, h.runner.active, "request should be finished")
	assert.Equal(t, journey.StatusRunning, h.j.Status)
}

func TestRunner_NavigateStopsSequence(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionNavigate, ScreenID: "detail"},
		track("never"),
	))
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	assert.Equal(t, "detail", h.j.Flow.CurrentScreenID)
	assert.Equal(t, []string{"intro", "detail"}, h.nav.shown)
	assert.Empty(t, h.sink.calls, "actions after navigate should not run")
}

func TestRunner_NavigateUnknownScreenExits(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionNavigate, ScreenID: "ghost"},
	))
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	assert.Equal(t, journey.StatusExited, h.j.Status)
	assert.Equal(t, ExitReasonError, h.j.ExitReason)
}

func TestRunner_DismissContinuesSequence(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionDismiss},
		track("after_dismiss"),
	))
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	assert.Empty(t, h.j.Flow.CurrentScreenID)
	assert.Equal(t, 1, h.nav.dismissed)
	assert.Equal(t, []string{"after_dismiss"}, h.sink.names())
	assert.Equal(t, journey.StatusRunning, h.j.Status, "dismiss hides UI but keeps the journey alive")
}

func TestRunner_ExitAction(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionExit},
		track("never"),
	))
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	assert.Equal(t, journey.StatusExited, h.j.Status)
	assert.Equal(t, ExitReasonCompleted, h.j.ExitReason)
	assert.Empty(t, h.sink.calls)
}

func TestRunner_ExitActionCustomReason(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionExit, Reason: "declined"},
	))
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	assert.Equal(t, "declined", h.j.ExitReason)
}

func TestRunner_SetValueAction(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{
			Kind:  campaign.ActionSetValue,
			Path:  "banner.text",
			Value: &campaign.ValueLiteral{V: value.String("Welcome!")},
		},
	))
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	v, ok := h.j.ViewValue("banner.text")
	require.True(t, ok)
	assert.Equal(t, value.String("Welcome!"), v)
}

// ===== Suspension Tests =====

func TestRunner_DelaySuspendsAndResumes(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionDelay, DelayMs: 10_000},
		track("after_delay"),
	))
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	require.Equal(t, journey.StatusPaused, h.j.Status)
	p := h.j.Flow.Pending
	require.NotNil(t, p)
	assert.Equal(t, journey.PendingDelay, p.Kind)
	assert.Equal(t, "advance", p.InteractionID)
	assert.Equal(t, 0, p.ActionIndex)
	require.NotNil(t, p.ResumeAt)
	assert.True(t, p.ResumeAt.Equal(testStart.Add(10*time.Second)))
	assert.Empty(t, h.sink.calls)

	h.clk.Advance(10 * time.Second)

	assert.Equal(t, journey.StatusRunning, h.j.Status)
	assert.Nil(t, h.j.Flow.Pending)
	assert.Equal(t, []string{"after_delay"}, h.sink.names())
}

func TestRunner_QueuedRequestsWaitWhilePaused(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionDelay, DelayMs: 10_000},
		track("done"),
	))
	h.runner.Start()

	h.runner.HandleEvent(goEvent())
	require.Equal(t, journey.StatusPaused, h.j.Status)

	// A second firing while paused queues but does not run.
	h.runner.HandleEvent(goEvent())
	assert.Empty(t, h.sink.calls)
	assert.Len(t, h.runner.requests, 1)

	// First resume completes the first request, then the queued one runs
	// and pauses at its own delay.
	h.clk.Advance(10 * time.Second)
	assert.Equal(t, []string{"done"}, h.sink.names())
	assert.Equal(t, journey.StatusPaused, h.j.Status)

	h.clk.Advance(10 * time.Second)
	assert.Equal(t, []string{"done", "done"}, h.sink.names())
	assert.Equal(t, journey.StatusRunning, h.j.Status)
}

func TestRunner_WaitUntilResumesOnMatchingEvent(t *testing.T) {
	cond := value.Object{"event_is": value.String("purchase")}
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionWaitUntil, Condition: cond, MaxTimeMs: 60_000},
		track("converted"),
	))
	h.eval.fn = func(_ value.Object, env Env) (bool, error) {
		return env.Event != nil && env.Event.Name == "purchase", nil
	}
	h.runner.Start()

	h.runner.HandleEvent(goEvent())
	require.Equal(t, journey.StatusPaused, h.j.Status)
	require.NotNil(t, h.j.Flow.Pending)
	assert.Equal(t, journey.PendingWaitUntil, h.j.Flow.Pending.Kind)
	assert.Equal(t, cond, h.j.Flow.Pending.Condition)

	// An unrelated event re-checks the condition but does not resume.
	h.runner.HandleEvent(event.Event{ID: "ev-2", Name: "page_view", Timestamp: testStart})
	assert.Equal(t, journey.StatusPaused, h.j.Status)

	h.runner.HandleEvent(event.Event{ID: "ev-3", Name: "purchase", Timestamp: testStart})
	assert.Equal(t, journey.StatusRunning, h.j.Status)
	assert.Equal(t, []string{"converted"}, h.sink.names())
}

func TestRunner_WaitUntilTimeoutResumes(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{
			Kind:      campaign.ActionWaitUntil,
			Condition: value.Object{"event_is": value.String("purchase")},
			MaxTimeMs: 60_000,
		},
		track("moved_on"),
	))
	h.eval.verdict = false
	h.runner.Start()

	h.runner.HandleEvent(goEvent())
	require.Equal(t, journey.StatusPaused, h.j.Status)

	// The deadline passing is the escape path: execution continues past
	// the wait rather than failing.
	h.clk.Advance(60 * time.Second)
	assert.Equal(t, journey.StatusRunning, h.j.Status)
	assert.Equal(t, []string{"moved_on"}, h.sink.names())
}

func TestRunner_WaitUntilDeadlineAbsoluteAcrossSignals(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{
			Kind:      campaign.ActionWaitUntil,
			Condition: value.Object{"event_is": value.String("purchase")},
			MaxTimeMs: 60_000,
		},
		track("moved_on"),
	))
	h.eval.verdict = false
	h.runner.Start()

	h.runner.HandleEvent(goEvent())
	require.Equal(t, journey.StatusPaused, h.j.Status)

	// A signal 30s in re-runs the wait. The condition still fails, so it
	// re-pauses, keeping the original start: the deadline does not move.
	h.clk.Advance(30 * time.Second)
	h.runner.Resume(ResumeSignal, nil)
	require.Equal(t, journey.StatusPaused, h.j.Status)
	require.NotNil(t, h.j.Flow.Pending)
	assert.True(t, h.j.Flow.Pending.StartedAt.Equal(testStart))

	h.clk.Advance(30 * time.Second)
	assert.Equal(t, journey.StatusRunning, h.j.Status)
	assert.Equal(t, []string{"moved_on"}, h.sink.names())
}

func TestRunner_TimeWindowClosedPausesUntilOpen(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{
			Kind:   campaign.ActionTimeWindow,
			Window: &campaign.TimeWindow{Start: "12:00", End: "17:00"},
		},
		track("in_window"),
	))
	h.runner.Start()

	// 10:00 is before the window opens.
	h.runner.HandleEvent(goEvent())
	require.Equal(t, journey.StatusPaused, h.j.Status)
	p := h.j.Flow.Pending
	require.NotNil(t, p)
	assert.Equal(t, journey.PendingTimeWindow, p.Kind)
	require.NotNil(t, p.ResumeAt)
	assert.True(t, p.ResumeAt.Equal(testStart.Add(2*time.Hour)), "should wake at 12:00")

	// The action re-runs on resume and passes now that the window is open.
	h.clk.Advance(2 * time.Hour)
	assert.Equal(t, journey.StatusRunning, h.j.Status)
	assert.Equal(t, []string{"in_window"}, h.sink.names())
}

func TestRunner_TimeWindowOpenContinues(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{
			Kind:   campaign.ActionTimeWindow,
			Window: &campaign.TimeWindow{Start: "09:00", End: "17:00"},
		},
		track("in_window"),
	))
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	assert.Equal(t, journey.StatusRunning, h.j.Status)
	assert.Equal(t, []string{"in_window"}, h.sink.names())
}

// ===== Retry Tests =====

func TestRunner_RemoteFailureSchedulesRetry(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionRemote, Endpoint: "/offers", Params: value.Object{"tier": value.String("gold")}},
		track("offered"),
	))
	h.remote.failures = 1
	h.remote.err = errors.New("http 503")
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	require.Equal(t, journey.StatusPaused, h.j.Status)
	p := h.j.Flow.Pending
	require.NotNil(t, p)
	assert.Equal(t, journey.PendingRemoteRetry, p.Kind)
	require.NotNil(t, p.ResumeAt)
	assert.True(t, p.ResumeAt.Equal(testStart.Add(5*time.Second)), "harness retry delay is 5s")

	h.clk.Advance(5 * time.Second)

	assert.Equal(t, journey.StatusRunning, h.j.Status)
	require.Len(t, h.remote.calls, 1)
	assert.Equal(t, "/offers", h.remote.calls[0].endpoint)
	assert.Equal(t, []string{"offered"}, h.sink.names())
}

func TestRunner_RemoteFailureHonorsRetryAfter(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionRemote, Endpoint: "/offers"},
	))
	h.remote.failures = 1
	h.remote.err = &RetryAfterError{Err: errors.New("throttled"), After: 42 * time.Second}
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	require.Equal(t, journey.StatusPaused, h.j.Status)
	require.NotNil(t, h.j.Flow.Pending.ResumeAt)
	assert.True(t, h.j.Flow.Pending.ResumeAt.Equal(testStart.Add(42*time.Second)))

	h.clk.Advance(41 * time.Second)
	assert.Equal(t, journey.StatusPaused, h.j.Status)

	h.clk.Advance(time.Second)
	assert.Equal(t, journey.StatusRunning, h.j.Status)
	assert.Len(t, h.remote.calls, 1)
}

func TestRunner_PermanentFailureExits(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionRemote, Endpoint: "/offers"},
	))
	h.remote.failures = 1
	h.remote.err = Permanent(errors.New("http 404"))
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	assert.Equal(t, journey.StatusExited, h.j.Status)
	assert.Equal(t, ExitReasonError, h.j.ExitReason)
}

func TestRunner_TrackFailureRetries(t *testing.T) {
	h := setupRunner(t, flowDef(track("step_done")))
	h.sink.failures = 1
	h.sink.err = errors.New("pipeline closed")
	h.runner.Start()

	h.runner.HandleEvent(goEvent())
	require.Equal(t, journey.StatusPaused, h.j.Status)
	assert.Equal(t, journey.PendingRemoteRetry, h.j.Flow.Pending.Kind)

	h.clk.Advance(5 * time.Second)
	assert.Equal(t, []string{"step_done"}, h.sink.names())
}

func TestRunner_ActionPanicExitsJourney(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionWaitUntil, Condition: value.Object{"x": value.Bool(true)}, MaxTimeMs: 1000},
	))
	h.eval.fn = func(value.Object, Env) (bool, error) { panic("evaluator bug") }
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	assert.Equal(t, journey.StatusExited, h.j.Status)
	assert.Equal(t, ExitReasonError, h.j.ExitReason)
}

// ===== Lifecycle Tests =====

func TestRunner_ExitDiscardsQueuedWork(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionDelay, DelayMs: 10_000},
		track("never"),
	))
	h.runner.Start()
	h.runner.HandleEvent(goEvent())
	h.runner.HandleEvent(goEvent())
	require.Equal(t, journey.StatusPaused, h.j.Status)

	h.runner.Exit("cancelled")

	assert.Equal(t, journey.StatusExited, h.j.Status)
	assert.Equal(t, "cancelled", h.j.ExitReason)
	assert.Nil(t, h.j.Flow.Pending)
	assert.Empty(t, h.runner.requests)
	assert.Equal(t, 0, h.clk.Pending(), "suspension timer should be stopped")

	// The old deadline passing must not revive the journey.
	h.clk.Advance(10 * time.Second)
	assert.Empty(t, h.sink.calls)
	assert.Equal(t, journey.StatusExited, h.j.Status)
}

func TestRunner_ClosedIgnoresStimuli(t *testing.T) {
	h := setupRunner(t, flowDef(track("never")))
	h.runner.Start()
	h.runner.Exit("cancelled")

	h.runner.HandleEvent(goEvent())
	h.runner.HandleUITrigger(campaign.TriggerTap, "")
	h.runner.Resume(ResumeSignal, nil)

	assert.Empty(t, h.sink.calls)
	assert.Equal(t, "cancelled", h.j.ExitReason)
}

func TestRunner_StaleTimerFiringDropped(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionDelay, DelayMs: 10_000},
		track("once"),
	))
	h.runner.Start()
	h.runner.HandleEvent(goEvent())
	require.Equal(t, journey.StatusPaused, h.j.Status)
	staleGen := h.runner.timerGen

	// A signal wakes the delay early; the armed timer is now stale.
	h.runner.Resume(ResumeSignal, nil)
	assert.Equal(t, []string{"once"}, h.sink.names())

	// Simulate the stale firing arriving late, as an in-flight system
	// timer callback would.
	h.runner.timerFired(staleGen)
	assert.Equal(t, []string{"once"}, h.sink.names())
	assert.Equal(t, journey.StatusRunning, h.j.Status)
}

func TestRunner_ResumeWithoutPendingIsNoop(t *testing.T) {
	h := setupRunner(t, flowDef(track("step_done")))
	h.runner.Start()

	h.runner.Resume(ResumeSignal, nil)

	assert.Equal(t, journey.StatusRunning, h.j.Status)
	assert.Empty(t, h.sink.calls)
}

func TestRunner_OnChangeOnlyAfterMutation(t *testing.T) {
	h := setupRunner(t, flowDef(track("step_done")))
	h.runner.Start()
	require.Equal(t, 1, h.saves)

	// No interaction matches a hover, and nothing changes.
	h.runner.HandleUITrigger(campaign.TriggerHover, "nope")
	assert.Equal(t, 1, h.saves)

	// A tracked pass does not mutate the journey either; only journey
	// mutations flush.
	h.runner.HandleEvent(event.Event{ID: "ev-x", Name: "unrelated", Timestamp: testStart})
	assert.Equal(t, 1, h.saves)
}

func TestRunner_ReentrantCallbackDefers(t *testing.T) {
	def := flowDef(campaign.Action{Kind: campaign.ActionNavigate, ScreenID: "detail"})
	def.Flow.Screens[1].Interactions = []campaign.Interaction{
		{
			ID:      "arrival",
			Trigger: campaign.TriggerSpec{Kind: campaign.TriggerEvent, EventName: "arrived"},
			Actions: []campaign.Action{track("arrival_tracked")},
		},
	}
	h := setupRunner(t, def)

	// The navigator re-enters the runner from inside the processing pass.
	// The posted event must defer, then run in the same drain.
	h.nav.onShow = func(screenID string) {
		if screenID == "detail" {
			h.runner.HandleEvent(event.Event{ID: "ev-a", Name: "arrived", Timestamp: testStart})
		}
	}
	h.runner.Start()

	h.runner.HandleEvent(goEvent())

	assert.Equal(t, "detail", h.j.Flow.CurrentScreenID)
	assert.Equal(t, []string{"arrival_tracked"}, h.sink.names())
}

// ===== Restore Tests =====

// reload round-trips the journey through JSON, as a store would.
func reload(t *testing.T, j *journey.Journey) *journey.Journey {
	t.Helper()
	data, err := json.Marshal(j)
	require.NoError(t, err)
	var out journey.Journey
	require.NoError(t, json.Unmarshal(data, &out))
	return &out
}

func TestRunner_RestoreReArmsTimerAtAbsoluteDeadline(t *testing.T) {
	def := flowDef(
		campaign.Action{Kind: campaign.ActionDelay, DelayMs: 10_000},
		track("after_delay"),
	)
	h := setupRunner(t, def)
	h.runner.Start()
	h.runner.HandleEvent(goEvent())
	require.Equal(t, journey.StatusPaused, h.j.Status)

	// Restart 4s in: new runner, journey reloaded from its snapshot.
	restored := reload(t, h.j)
	clk := clock.NewManual(testStart.Add(4 * time.Second))
	sink := &stubSink{}
	r, err := New(Config{
		Journey:    restored,
		Definition: def,
		Events:     sink,
		Clock:      clk,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	r.Restore()

	// 5s after restart is only 9s into the delay.
	clk.Advance(5 * time.Second)
	assert.Equal(t, journey.StatusPaused, restored.Status)
	assert.Empty(t, sink.calls)

	clk.Advance(time.Second)
	assert.Equal(t, journey.StatusRunning, restored.Status)
	assert.Equal(t, []string{"after_delay"}, sink.names())
}

func TestRunner_RestoreExpiredDeadlineFiresImmediately(t *testing.T) {
	def := flowDef(
		campaign.Action{Kind: campaign.ActionDelay, DelayMs: 10_000},
		track("after_delay"),
	)
	h := setupRunner(t, def)
	h.runner.Start()
	h.runner.HandleEvent(goEvent())
	require.Equal(t, journey.StatusPaused, h.j.Status)

	// Restart after the deadline has already passed.
	restored := reload(t, h.j)
	clk := clock.NewManual(testStart.Add(time.Minute))
	sink := &stubSink{}
	r, err := New(Config{
		Journey:    restored,
		Definition: def,
		Events:     sink,
		Clock:      clk,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	r.Restore()

	clk.Advance(0)
	assert.Equal(t, journey.StatusRunning, restored.Status)
	assert.Equal(t, []string{"after_delay"}, sink.names())
}

func TestRunner_RestoreWithoutPendingIsNoop(t *testing.T) {
	h := setupRunner(t, flowDef(track("step_done")))
	h.runner.Start()

	h.runner.Restore()

	assert.Equal(t, 0, h.clk.Pending())
	assert.Equal(t, journey.StatusRunning, h.j.Status)
}

func TestRunner_ResumePendingInteractionGoneExits(t *testing.T) {
	def := flowDef(track("step_done"))
	h := setupRunner(t, def)
	h.runner.Start()

	// A snapshot can reference an interaction a newer campaign revision
	// removed.
	at := testStart.Add(10 * time.Second)
	require.NoError(t, h.j.Suspend(journey.PendingAction{
		InteractionID: "ghost",
		ActionIndex:   0,
		Kind:          journey.PendingDelay,
		ResumeAt:      &at,
		StartedAt:     testStart,
	}, testStart))

	h.runner.Restore()
	h.clk.Advance(10 * time.Second)

	assert.Equal(t, journey.StatusExited, h.j.Status)
	assert.Equal(t, ExitReasonError, h.j.ExitReason)
}
