package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meanderhq/meander-go/internal/value"
)

// =============================================================================
// Schema (ParseDefinition) Tests
// =============================================================================

const validDefinitionJSON = `{
	"id": "welcome-tour",
	"name": "Welcome Tour",
	"trigger": {"event_name": "app_opened", "condition": {"plan": "free"}},
	"flow": {
		"entry_screen_id": "intro",
		"screens": [
			{
				"id": "intro",
				"components": [
					{
						"id": "cta",
						"kind": "button",
						"interactions": [
							{
								"id": "cta-tap",
								"trigger": {"kind": "tap"},
								"actions": [
									{"kind": "track", "event_name": "cta_tapped", "properties": {"source": "intro"}},
									{"kind": "navigate", "screen_id": "detail"}
								]
							}
						]
					}
				],
				"interactions": [
					{
						"id": "auto-advance",
						"trigger": {"kind": "event", "event_name": "plan_viewed"},
						"actions": [
							{"kind": "delay", "delay_ms": 1500},
							{"kind": "navigate", "screen_id": "detail"}
						]
					}
				]
			},
			{
				"id": "detail",
				"interactions": [
					{
						"id": "buy",
						"trigger": {"kind": "tap"},
						"actions": [
							{"kind": "experiment", "experiment_id": "copy-test"},
							{"kind": "setValue", "path": "cta.label", "value": "Buy now"},
							{"kind": "exit", "reason": "completed"}
						]
					}
				]
			}
		]
	},
	"experiments": [{"id": "copy-test", "variants": ["control", "friendly"]}],
	"goal": {"event_name": "signup_completed", "policy": "onGoal"},
	"limits": {"max_concurrent": 1, "max_total": 3, "cooldown_ms": 60000}
}`

func TestParseDefinitionValid(t *testing.T) {
	def, err := ParseDefinition([]byte(validDefinitionJSON))
	require.NoError(t, err)

	assert.Equal(t, "welcome-tour", def.ID)
	assert.Equal(t, "Welcome Tour", def.Name)
	assert.Equal(t, "app_opened", def.Trigger.EventName)
	assert.Equal(t, value.String("free"), def.Trigger.Condition["plan"])

	require.Len(t, def.Flow.Screens, 2)
	assert.Equal(t, "intro", def.Flow.EntryScreenID)

	auto := def.Flow.Screens[0].Interactions[0]
	assert.Equal(t, TriggerEvent, auto.Trigger.Kind)
	assert.Equal(t, 1500*time.Millisecond, auto.Actions[0].Delay())

	set := def.Flow.Screens[1].Interactions[0].Actions[1]
	require.NotNil(t, set.Value)
	assert.Equal(t, value.String("Buy now"), set.Value.V)

	require.Len(t, def.Experiments, 1)
	assert.Equal(t, []string{"control", "friendly"}, def.Experiments[0].Variants)
	require.NotNil(t, def.Goal)
	assert.Equal(t, ExitOnGoal, def.Goal.Policy)
	assert.Equal(t, time.Minute, def.Limits.Cooldown())
}

func TestParseDefinitionTimeWindowAction(t *testing.T) {
	def, err := ParseDefinition([]byte(`{
		"id": "quiet-hours",
		"name": "Quiet Hours",
		"trigger": {"event_name": "session_started"},
		"flow": {
			"entry_screen_id": "promo",
			"screens": [{
				"id": "promo",
				"interactions": [{
					"id": "show",
					"trigger": {"kind": "tap"},
					"actions": [
						{"kind": "timeWindow", "window": {"start": "09:00", "end": "17:00", "days": ["monday", "friday"]}},
						{"kind": "dismiss"}
					]
				}]
			}]
		}
	}`))
	require.NoError(t, err)

	w := def.Flow.Screens[0].Interactions[0].Actions[0].Window
	require.NotNil(t, w)
	assert.Equal(t, "09:00", w.Start)
	assert.Equal(t, "17:00", w.End)
	assert.Equal(t, []string{"monday", "friday"}, w.Days)
}

func TestParseDefinitionMissingTrigger(t *testing.T) {
	_, err := ParseDefinition([]byte(`{
		"id": "x",
		"name": "X",
		"flow": {
			"entry_screen_id": "a",
			"screens": [{"id": "a"}]
		}
	}`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "trigger")
}

func TestParseDefinitionUnknownField(t *testing.T) {
	_, err := ParseDefinition([]byte(`{
		"id": "x",
		"name": "X",
		"trigger": {"event_name": "e"},
		"flow": {"entry_screen_id": "a", "screens": [{"id": "a"}]},
		"surprise": true
	}`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "surprise")
}

func TestParseDefinitionEmptyScreens(t *testing.T) {
	_, err := ParseDefinition([]byte(`{
		"id": "x",
		"name": "X",
		"trigger": {"event_name": "e"},
		"flow": {"entry_screen_id": "a", "screens": []}
	}`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "screens")
}

func TestParseDefinitionBadActionKind(t *testing.T) {
	_, err := ParseDefinition([]byte(`{
		"id": "x",
		"name": "X",
		"trigger": {"event_name": "e"},
		"flow": {
			"entry_screen_id": "a",
			"screens": [{
				"id": "a",
				"interactions": [{
					"id": "i",
					"trigger": {"kind": "tap"},
					"actions": [{"kind": "teleport"}]
				}]
			}]
		}
	}`))

	require.Error(t, err)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Contains(t, err.Error(), "kind")
}

func TestParseDefinitionBadWindowClock(t *testing.T) {
	_, err := ParseDefinition([]byte(`{
		"id": "x",
		"name": "X",
		"trigger": {"event_name": "e"},
		"flow": {
			"entry_screen_id": "a",
			"screens": [{
				"id": "a",
				"interactions": [{
					"id": "i",
					"trigger": {"kind": "tap"},
					"actions": [{"kind": "timeWindow", "window": {"start": "9:00", "end": "17:00"}}]
				}]
			}]
		}
	}`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "start")
}

func TestParseDefinitionMalformedJSON(t *testing.T) {
	_, err := ParseDefinition([]byte(`{not json`))
	require.Error(t, err)
}

func TestParseDefinitionRunsStructuralChecks(t *testing.T) {
	// Passes the schema but the entry screen does not exist.
	_, err := ParseDefinition([]byte(`{
		"id": "x",
		"name": "X",
		"trigger": {"event_name": "e"},
		"flow": {"entry_screen_id": "missing", "screens": [{"id": "a"}]}
	}`))

	require.Error(t, err)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)

	codes := make(map[string]bool)
	for _, e := range verrs {
		codes[e.Code] = true
	}
	assert.True(t, codes[ErrUnknownScreen], "should flag the unknown entry screen")
}

// =============================================================================
// Structural (Validate) Tests
// =============================================================================

func validDefinition() *Definition {
	return &Definition{
		ID:      "welcome-tour",
		Name:    "Welcome Tour",
		Trigger: Trigger{EventName: "app_opened"},
		Flow: Flow{
			EntryScreenID: "intro",
			Screens: []Screen{
				{
					ID: "intro",
					Interactions: []Interaction{
						{
							ID:      "intro-tap",
							Trigger: TriggerSpec{Kind: TriggerTap},
							Actions: []Action{{Kind: ActionNavigate, ScreenID: "detail"}},
						},
					},
					Components: []Component{
						{
							ID:   "cta",
							Kind: "button",
							Interactions: []Interaction{
								{
									ID:      "cta-tap",
									Trigger: TriggerSpec{Kind: TriggerTap},
									Actions: []Action{{Kind: ActionTrack, EventName: "cta_tapped"}},
								},
							},
						},
					},
				},
				{
					ID: "detail",
					Interactions: []Interaction{
						{
							ID:      "detail-dismiss",
							Trigger: TriggerSpec{Kind: TriggerTap},
							Actions: []Action{{Kind: ActionDismiss}},
						},
					},
				},
			},
		},
		Experiments: []Experiment{{ID: "copy-test", Variants: []string{"control", "friendly"}}},
		Goal:        &Goal{EventName: "signup_completed", Policy: ExitOnGoal},
	}
}

// defWithAction swaps the first screen's first action sequence for a
// single action under test.
func defWithAction(a Action) *Definition {
	d := validDefinition()
	d.Flow.Screens[0].Interactions[0].Actions = []Action{a}
	return d
}

func codesOf(errs ValidationErrors) map[string]bool {
	codes := make(map[string]bool)
	for _, e := range errs {
		codes[e.Code] = true
	}
	return codes
}

func TestValidateValid(t *testing.T) {
	errs := Validate(validDefinition())
	assert.Empty(t, errs, "valid definition should have no errors")
}

func TestValidateMissingIDAndName(t *testing.T) {
	d := validDefinition()
	d.ID = ""
	d.Name = "   "

	errs := Validate(d)
	require.Len(t, errs, 2)
	assert.Equal(t, ErrDefinitionID, errs[0].Code)
	assert.Equal(t, ErrDefinitionID, errs[1].Code)
}

func TestValidateMissingTriggerEvent(t *testing.T) {
	d := validDefinition()
	d.Trigger.EventName = ""

	errs := Validate(d)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrTriggerEvent, errs[0].Code)
	assert.Contains(t, errs[0].Field, "trigger")
}

func TestValidateNoScreens(t *testing.T) {
	d := validDefinition()
	d.Flow.Screens = nil

	errs := Validate(d)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrFlowEmpty, errs[0].Code)
}

func TestValidateUnknownEntryScreen(t *testing.T) {
	d := validDefinition()
	d.Flow.EntryScreenID = "missing"

	errs := Validate(d)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrUnknownScreen, errs[0].Code)
	assert.Contains(t, errs[0].Message, "missing")
}

func TestValidateDuplicateScreenID(t *testing.T) {
	d := validDefinition()
	d.Flow.Screens[1].ID = "intro"
	// The navigate target "detail" disappears with the rename.
	d.Flow.Screens[0].Interactions[0].Actions = []Action{{Kind: ActionDismiss}}
	// Interaction ids must stay unique for this case to isolate the screen dup.
	d.Flow.Screens[1].Interactions[0].ID = "second-dismiss"

	errs := Validate(d)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrDuplicateID, errs[0].Code)
	assert.Contains(t, errs[0].Message, "intro")
}

func TestValidateDuplicateComponentID(t *testing.T) {
	d := validDefinition()
	d.Flow.Screens[0].Components = append(d.Flow.Screens[0].Components, Component{
		ID: "cta",
		Interactions: []Interaction{
			{
				ID:      "cta-tap-2",
				Trigger: TriggerSpec{Kind: TriggerTap},
				Actions: []Action{{Kind: ActionDismiss}},
			},
		},
	})

	errs := Validate(d)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrDuplicateID, errs[0].Code)
	assert.Contains(t, errs[0].Message, "cta")
}

func TestValidateDuplicateInteractionIDAcrossScreens(t *testing.T) {
	d := validDefinition()
	d.Flow.Screens[1].Interactions[0].ID = "intro-tap"

	errs := Validate(d)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrDuplicateID, errs[0].Code)
	assert.Contains(t, errs[0].Message, "intro-tap")
}

func TestValidateNavigateUnknownTarget(t *testing.T) {
	errs := Validate(defWithAction(Action{Kind: ActionNavigate, ScreenID: "nowhere"}))
	require.Len(t, errs, 1)
	assert.Equal(t, ErrUnknownScreen, errs[0].Code)
	assert.Contains(t, errs[0].Message, "nowhere")
}

func TestValidateInteractionNoActions(t *testing.T) {
	d := validDefinition()
	d.Flow.Screens[0].Interactions[0].Actions = nil

	errs := Validate(d)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrActionPayload, errs[0].Code)
}

func TestValidateActionPayloads(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		code   string
	}{
		{"navigate without target", Action{Kind: ActionNavigate}, ErrActionPayload},
		{"delay without duration", Action{Kind: ActionDelay}, ErrActionPayload},
		{"timeWindow without window", Action{Kind: ActionTimeWindow}, ErrActionPayload},
		{"timeWindow bad clock", Action{Kind: ActionTimeWindow, Window: &TimeWindow{Start: "25:00", End: "17:00"}}, ErrWindowInvalid},
		{"timeWindow start equals end", Action{Kind: ActionTimeWindow, Window: &TimeWindow{Start: "09:00", End: "09:00"}}, ErrWindowInvalid},
		{"timeWindow unknown day", Action{Kind: ActionTimeWindow, Window: &TimeWindow{Start: "09:00", End: "17:00", Days: []string{"funday"}}}, ErrWindowInvalid},
		{"waitUntil without condition or deadline", Action{Kind: ActionWaitUntil}, ErrActionPayload},
		{"track without event name", Action{Kind: ActionTrack}, ErrActionPayload},
		{"setValue without path", Action{Kind: ActionSetValue, Value: &ValueLiteral{V: value.Bool(true)}}, ErrActionPayload},
		{"setValue without value", Action{Kind: ActionSetValue, Path: "cta.label"}, ErrActionPayload},
		{"experiment without id", Action{Kind: ActionExperiment}, ErrActionPayload},
		{"experiment undeclared", Action{Kind: ActionExperiment, ExperimentID: "ghost"}, ErrExperimentDecl},
		{"remote without endpoint", Action{Kind: ActionRemote}, ErrActionPayload},
		{"unknown kind", Action{Kind: "teleport"}, ErrUnknownActionKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(defWithAction(tt.action))
			require.NotEmpty(t, errs)
			assert.True(t, codesOf(errs)[tt.code], "want code %s, got %v", tt.code, errs)
		})
	}
}

func TestValidateActionPayloadsAccepted(t *testing.T) {
	tests := []struct {
		name   string
		action Action
	}{
		{"dismiss", Action{Kind: ActionDismiss}},
		{"exit with reason", Action{Kind: ActionExit, Reason: "done"}},
		{"waitUntil with condition only", Action{Kind: ActionWaitUntil, Condition: value.Object{"ready": value.Bool(true)}}},
		{"waitUntil with deadline only", Action{Kind: ActionWaitUntil, MaxTimeMs: 5000}},
		{"remote", Action{Kind: ActionRemote, Endpoint: "score", Params: value.Object{"model": value.String("v2")}}},
		{"experiment declared", Action{Kind: ActionExperiment, ExperimentID: "copy-test"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(defWithAction(tt.action))
			assert.Empty(t, errs)
		})
	}
}

func TestValidateTriggerSpecs(t *testing.T) {
	d := validDefinition()
	d.Flow.Screens[0].Interactions[0].Trigger = TriggerSpec{Kind: TriggerEvent}

	errs := Validate(d)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrTriggerSpec, errs[0].Code)

	d = validDefinition()
	d.Flow.Screens[0].Interactions[0].Trigger = TriggerSpec{Kind: TriggerValueChange}

	errs = Validate(d)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrTriggerSpec, errs[0].Code)

	d = validDefinition()
	d.Flow.Screens[0].Interactions[0].Trigger = TriggerSpec{Kind: "swipe"}

	errs = Validate(d)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrTriggerSpec, errs[0].Code)
	assert.Contains(t, errs[0].Message, "swipe")
}

func TestValidateExperimentDeclarations(t *testing.T) {
	d := validDefinition()
	d.Experiments = append(d.Experiments, Experiment{ID: "copy-test", Variants: []string{"x"}})

	errs := Validate(d)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrExperimentDecl, errs[0].Code)

	d = validDefinition()
	d.Experiments[0].Variants = nil

	errs = Validate(d)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrExperimentDecl, errs[0].Code)
	assert.Contains(t, errs[0].Message, "copy-test")
}

func TestValidateGoalPolicy(t *testing.T) {
	d := validDefinition()
	d.Goal.Policy = "sometimes"

	errs := Validate(d)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrGoalPolicy, errs[0].Code)

	d = validDefinition()
	d.Goal = nil
	assert.Empty(t, Validate(d))
}

func TestValidateCollectsAllErrors(t *testing.T) {
	d := validDefinition()
	d.ID = ""
	d.Trigger.EventName = ""
	d.Flow.EntryScreenID = "missing"
	d.Flow.Screens[0].Interactions[0].Actions = []Action{{Kind: ActionTrack}}

	errs := Validate(d)
	assert.GreaterOrEqual(t, len(errs), 4, "should collect multiple errors")

	codes := codesOf(errs)
	assert.True(t, codes[ErrDefinitionID], "should have id error")
	assert.True(t, codes[ErrTriggerEvent], "should have trigger error")
	assert.True(t, codes[ErrUnknownScreen], "should have entry screen error")
	assert.True(t, codes[ErrActionPayload], "should have action payload error")
}

func TestValidationErrorFormat(t *testing.T) {
	err := ValidationError{
		Field:   "flow.entry_screen_id",
		Message: "entry screen \"x\" is not declared",
		Code:    ErrUnknownScreen,
	}

	assert.Equal(t, `[E204] flow.entry_screen_id: entry screen "x" is not declared`, err.Error())
}

func TestValidationErrorsJoined(t *testing.T) {
	errs := ValidationErrors{
		{Field: "id", Message: "campaign id is required", Code: ErrDefinitionID},
		{Field: "name", Message: "campaign name is required", Code: ErrDefinitionID},
	}

	msg := errs.Error()
	assert.Contains(t, msg, "[E201] id")
	assert.Contains(t, msg, "; ")
	assert.Contains(t, msg, "[E201] name")
}
