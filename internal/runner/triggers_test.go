package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meanderhq/meander-go/internal/campaign"
	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/journey"
	"github.com/meanderhq/meander-go/internal/value"
)

// scopedDef builds a campaign whose intro screen has a screen-scoped tap
// and a component-scoped tap, each tracking a distinct event.
func scopedDef() *campaign.Definition {
	return &campaign.Definition{
		ID:      "scoping",
		Name:    "Scoping",
		Trigger: campaign.Trigger{EventName: event.NameIdentify},
		Flow: campaign.Flow{
			EntryScreenID: "intro",
			Screens: []campaign.Screen{
				{
					ID: "intro",
					Components: []campaign.Component{
						{
							ID: "cta",
							Interactions: []campaign.Interaction{
								{
									ID:      "cta-tap",
									Trigger: campaign.TriggerSpec{Kind: campaign.TriggerTap},
									Actions: []campaign.Action{track("cta_tapped")},
								},
							},
						},
					},
					Interactions: []campaign.Interaction{
						{
							ID:      "screen-tap",
							Trigger: campaign.TriggerSpec{Kind: campaign.TriggerTap},
							Actions: []campaign.Action{track("screen_tapped")},
						},
					},
				},
				{
					ID: "detail",
					Interactions: []campaign.Interaction{
						{
							ID:      "detail-tap",
							Trigger: campaign.TriggerSpec{Kind: campaign.TriggerTap},
							Actions: []campaign.Action{track("detail_tapped")},
						},
					},
				},
			},
		},
	}
}

func TestRunner_UITriggerScopeIsExact(t *testing.T) {
	h := setupRunner(t, scopedDef())
	h.runner.Start()

	// Empty component addresses screen-scoped interactions only.
	h.runner.HandleUITrigger(campaign.TriggerTap, "")
	assert.Equal(t, []string{"screen_tapped"}, h.sink.names())

	// Component gestures never fall through to the screen scope.
	h.runner.HandleUITrigger(campaign.TriggerTap, "cta")
	assert.Equal(t, []string{"screen_tapped", "cta_tapped"}, h.sink.names())

	h.runner.HandleUITrigger(campaign.TriggerTap, "unknown")
	h.runner.HandleUITrigger(campaign.TriggerHover, "cta")
	assert.Equal(t, []string{"screen_tapped", "cta_tapped"}, h.sink.names())
}

func TestRunner_UITriggerOtherScreenIgnored(t *testing.T) {
	h := setupRunner(t, scopedDef())
	h.runner.Start()

	// detail-tap is declared on a screen that is not current.
	h.runner.HandleUITrigger(campaign.TriggerTap, "")
	assert.NotContains(t, h.sink.names(), "detail_tapped")
}

func TestRunner_EventTriggerMatchesByName(t *testing.T) {
	h := setupRunner(t, flowDef(track("fired")))
	h.runner.Start()

	h.runner.HandleEvent(event.Event{ID: "ev-1", Name: "something_else", Timestamp: testStart})
	assert.Empty(t, h.sink.calls)

	h.runner.HandleEvent(goEvent())
	assert.Equal(t, []string{"fired"}, h.sink.names())
}

// valueDef builds a campaign with one valueChange interaction on the
// given path, with optional debounce.
func valueDef(path string, debounceMs int64, actions ...campaign.Action) *campaign.Definition {
	return &campaign.Definition{
		ID:      "forms",
		Name:    "Forms",
		Trigger: campaign.Trigger{EventName: event.NameIdentify},
		Flow: campaign.Flow{
			EntryScreenID: "form",
			Screens: []campaign.Screen{
				{
					ID: "form",
					Interactions: []campaign.Interaction{
						{
							ID: "on-change",
							Trigger: campaign.TriggerSpec{
								Kind:       campaign.TriggerValueChange,
								Path:       path,
								DebounceMs: debounceMs,
							},
							Actions: actions,
						},
					},
				},
				{ID: "done"},
			},
		},
	}
}

func TestRunner_ValueChangeFiresMatchingPath(t *testing.T) {
	h := setupRunner(t, valueDef("form.email", 0, track("email_changed")))
	h.runner.Start()

	h.runner.HandleValueChange(ValueChange{Path: "form.email", Value: value.String("a@b.c")})

	v, ok := h.j.ViewValue("form.email")
	require.True(t, ok)
	assert.Equal(t, value.String("a@b.c"), v)
	assert.Equal(t, []string{"email_changed"}, h.sink.names())

	// A different path still writes the view model but fires nothing.
	h.runner.HandleValueChange(ValueChange{Path: "form.name", Value: value.String("Ada")})
	_, ok = h.j.ViewValue("form.name")
	assert.True(t, ok)
	assert.Equal(t, []string{"email_changed"}, h.sink.names())
}

func TestRunner_ValueChangeDebounceCoalesces(t *testing.T) {
	h := setupRunner(t, valueDef("query", 500, track("searched")))
	h.runner.Start()

	h.runner.HandleValueChange(ValueChange{Path: "query", Value: value.String("g")})
	h.clk.Advance(200 * time.Millisecond)
	h.runner.HandleValueChange(ValueChange{Path: "query", Value: value.String("go")})
	h.clk.Advance(200 * time.Millisecond)
	h.runner.HandleValueChange(ValueChange{Path: "query", Value: value.String("gol")})

	// Each change restarted the period; nothing has fired yet.
	h.clk.Advance(499 * time.Millisecond)
	assert.Empty(t, h.sink.calls)

	h.clk.Advance(time.Millisecond)
	assert.Equal(t, []string{"searched"}, h.sink.names(), "one firing for the burst")

	// The view model always tracks the latest write, debounced or not.
	v, ok := h.j.ViewValue("query")
	require.True(t, ok)
	assert.Equal(t, value.String("gol"), v)
}

func TestRunner_DebounceDroppedAfterLeavingScreen(t *testing.T) {
	def := valueDef("query", 500, track("searched"))
	def.Flow.Screens[0].Interactions = append(def.Flow.Screens[0].Interactions, campaign.Interaction{
		ID:      "next",
		Trigger: campaign.TriggerSpec{Kind: campaign.TriggerTap},
		Actions: []campaign.Action{{Kind: campaign.ActionNavigate, ScreenID: "done"}},
	})
	h := setupRunner(t, def)
	h.runner.Start()

	h.runner.HandleValueChange(ValueChange{Path: "query", Value: value.String("g")})
	h.runner.HandleUITrigger(campaign.TriggerTap, "")
	require.Equal(t, "done", h.j.Flow.CurrentScreenID)

	h.clk.Advance(500 * time.Millisecond)
	assert.Empty(t, h.sink.calls, "debounce from the left screen should not fire")
}

func TestRunner_TriggerValueResetsOneTickLater(t *testing.T) {
	h := setupRunner(t, valueDef("submit_clicked", 0, track("submitted")))
	h.runner.Start()

	h.runner.HandleValueChange(ValueChange{Path: "submit_clicked", Value: value.Number(1), Trigger: true})

	// The fired value is observable for the rest of the tick.
	v, ok := h.j.ViewValue("submit_clicked")
	require.True(t, ok)
	assert.Equal(t, value.Number(1), v)
	assert.Equal(t, []string{"submitted"}, h.sink.names())

	// One tick later it resets to zero without re-firing the interaction.
	h.clk.Advance(0)
	v, ok = h.j.ViewValue("submit_clicked")
	require.True(t, ok)
	assert.Equal(t, value.Number(0), v)
	assert.Equal(t, []string{"submitted"}, h.sink.names())
}

func TestRunner_ValueChangeWhilePausedStillWrites(t *testing.T) {
	h := setupRunner(t, flowDef(
		campaign.Action{Kind: campaign.ActionDelay, DelayMs: 10_000},
	))
	h.runner.Start()
	h.runner.HandleEvent(goEvent())
	require.Equal(t, journey.StatusPaused, h.j.Status)

	// View-model writes are not gated on the run state; only action
	// execution is.
	h.runner.HandleValueChange(ValueChange{Path: "scroll", Value: value.Number(0.4)})
	v, ok := h.j.ViewValue("scroll")
	require.True(t, ok)
	assert.Equal(t, value.Number(0.4), v)
	assert.Equal(t, journey.StatusPaused, h.j.Status)
}
