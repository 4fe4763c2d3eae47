package campaign

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cuejson "cuelang.org/go/encoding/json"
)

//go:embed schema.cue
var schemaSource string

// Validation error codes (E200-E299)
const (
	// Definition errors (E201-E209)
	ErrDefinitionID      = "E201" // id/name missing
	ErrTriggerEvent      = "E202" // trigger event name missing or malformed
	ErrFlowEmpty         = "E203" // flow has no screens
	ErrUnknownScreen     = "E204" // reference to undeclared screen
	ErrDuplicateID       = "E205" // duplicate screen/component/interaction id
	ErrActionPayload     = "E206" // action missing the fields its kind requires
	ErrUnknownActionKind = "E207" // action kind outside the closed set
	ErrExperimentDecl    = "E208" // experiment missing variants or duplicated
	ErrGoalPolicy        = "E209" // goal policy outside the closed set

	// Interaction errors (E210-E219)
	ErrTriggerSpec   = "E210" // trigger spec missing kind-required fields
	ErrWindowInvalid = "E211" // time window malformed
)

// ValidationError is one structural problem in a definition.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors aggregates every problem found in one definition.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}

// SchemaError is a CUE schema violation with source position when the
// input provides one.
type SchemaError struct {
	Message string
	Pos     token.Pos
}

func (e *SchemaError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// ParseDefinition validates JSON against the embedded CUE schema, decodes
// it, and runs the structural checks. The returned definition is ready
// for activation.
func ParseDefinition(data []byte) (*Definition, error) {
	ctx := cuecontext.New()

	sch := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := sch.Err(); err != nil {
		return nil, fmt.Errorf("compile campaign schema: %w", err)
	}
	defSchema := sch.LookupPath(cue.ParsePath("#Definition"))
	if !defSchema.Exists() {
		return nil, fmt.Errorf("campaign schema: #Definition not found")
	}

	expr, err := cuejson.Extract("definition.json", data)
	if err != nil {
		return nil, fmt.Errorf("parse definition json: %w", err)
	}
	doc := ctx.BuildExpr(expr)
	if err := doc.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := defSchema.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}

	if errs := Validate(&def); len(errs) > 0 {
		return nil, errs
	}
	return &def, nil
}

// Validate runs the structural checks the schema cannot express:
// cross-references, uniqueness, and per-kind action payloads. Returns all
// errors found (does not fail-fast). Definitions built in Go (tests,
// harness scenarios) go through this without the CUE pass.
func Validate(d *Definition) ValidationErrors {
	var errs ValidationErrors

	if strings.TrimSpace(d.ID) == "" {
		errs = append(errs, ValidationError{
			Field:   "id",
			Message: "campaign id is required",
			Code:    ErrDefinitionID,
		})
	}
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, ValidationError{
			Field:   "name",
			Message: "campaign name is required",
			Code:    ErrDefinitionID,
		})
	}
	if strings.TrimSpace(d.Trigger.EventName) == "" {
		errs = append(errs, ValidationError{
			Field:   "trigger.event_name",
			Message: "trigger event name is required",
			Code:    ErrTriggerEvent,
		})
	}

	if len(d.Flow.Screens) == 0 {
		errs = append(errs, ValidationError{
			Field:   "flow.screens",
			Message: "at least one screen is required",
			Code:    ErrFlowEmpty,
		})
	}

	screenIDs := make(map[string]bool)
	for i, s := range d.Flow.Screens {
		if screenIDs[s.ID] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("flow.screens[%d].id", i),
				Message: fmt.Sprintf("duplicate screen id: %q", s.ID),
				Code:    ErrDuplicateID,
			})
		}
		screenIDs[s.ID] = true
	}

	if _, ok := d.Screen(d.Flow.EntryScreenID); !ok && len(d.Flow.Screens) > 0 {
		errs = append(errs, ValidationError{
			Field:   "flow.entry_screen_id",
			Message: fmt.Sprintf("entry screen %q is not declared", d.Flow.EntryScreenID),
			Code:    ErrUnknownScreen,
		})
	}

	experimentIDs := make(map[string]bool)
	for i, ex := range d.Experiments {
		if experimentIDs[ex.ID] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("experiments[%d].id", i),
				Message: fmt.Sprintf("duplicate experiment id: %q", ex.ID),
				Code:    ErrExperimentDecl,
			})
		}
		experimentIDs[ex.ID] = true

		if len(ex.Variants) == 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("experiments[%d].variants", i),
				Message: fmt.Sprintf("experiment %q declares no variants", ex.ID),
				Code:    ErrExperimentDecl,
			})
		}
	}

	interactionIDs := make(map[string]bool)
	for si, s := range d.Flow.Screens {
		componentIDs := make(map[string]bool)

		for ii, in := range s.Interactions {
			field := fmt.Sprintf("flow.screens[%d].interactions[%d]", si, ii)
			errs = append(errs, validateInteraction(d, in, field, interactionIDs)...)
		}

		for ci, c := range s.Components {
			if componentIDs[c.ID] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("flow.screens[%d].components[%d].id", si, ci),
					Message: fmt.Sprintf("duplicate component id on screen %q: %q", s.ID, c.ID),
					Code:    ErrDuplicateID,
				})
			}
			componentIDs[c.ID] = true

			for ii, in := range c.Interactions {
				field := fmt.Sprintf("flow.screens[%d].components[%d].interactions[%d]", si, ci, ii)
				errs = append(errs, validateInteraction(d, in, field, interactionIDs)...)
			}
		}
	}

	if d.Goal != nil {
		switch d.Goal.Policy {
		case ExitOnGoal, ExitOnStopMatching, ExitOnGoalOrStop, ExitNever:
		default:
			errs = append(errs, ValidationError{
				Field:   "goal.policy",
				Message: fmt.Sprintf("invalid exit policy %q", d.Goal.Policy),
				Code:    ErrGoalPolicy,
			})
		}
	}

	return errs
}

func validateInteraction(d *Definition, in Interaction, field string, seen map[string]bool) ValidationErrors {
	var errs ValidationErrors

	if seen[in.ID] {
		errs = append(errs, ValidationError{
			Field:   field + ".id",
			Message: fmt.Sprintf("duplicate interaction id: %q", in.ID),
			Code:    ErrDuplicateID,
		})
	}
	seen[in.ID] = true

	switch in.Trigger.Kind {
	case TriggerTap, TriggerHover, TriggerPress, TriggerDrag:
	case TriggerEvent:
		if in.Trigger.EventName == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".trigger.event_name",
				Message: "event trigger requires an event name",
				Code:    ErrTriggerSpec,
			})
		}
	case TriggerValueChange:
		if in.Trigger.Path == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".trigger.path",
				Message: "value-change trigger requires a path",
				Code:    ErrTriggerSpec,
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   field + ".trigger.kind",
			Message: fmt.Sprintf("invalid trigger kind %q", in.Trigger.Kind),
			Code:    ErrTriggerSpec,
		})
	}

	if len(in.Actions) == 0 {
		errs = append(errs, ValidationError{
			Field:   field + ".actions",
			Message: "at least one action is required",
			Code:    ErrActionPayload,
		})
	}
	for ai, a := range in.Actions {
		errs = append(errs, validateAction(d, a, fmt.Sprintf("%s.actions[%d]", field, ai))...)
	}
	return errs
}

func validateAction(d *Definition, a Action, field string) ValidationErrors {
	var errs ValidationErrors
	fail := func(sub, msg, code string) {
		errs = append(errs, ValidationError{Field: field + sub, Message: msg, Code: code})
	}

	switch a.Kind {
	case ActionNavigate:
		if a.ScreenID == "" {
			fail(".screen_id", "navigate requires a screen id", ErrActionPayload)
		} else if _, ok := d.Screen(a.ScreenID); !ok {
			fail(".screen_id", fmt.Sprintf("navigate target %q is not declared", a.ScreenID), ErrUnknownScreen)
		}

	case ActionDismiss:

	case ActionDelay:
		if a.DelayMs <= 0 {
			fail(".delay_ms", "delay requires a positive delay_ms", ErrActionPayload)
		}

	case ActionTimeWindow:
		if a.Window == nil {
			fail(".window", "timeWindow requires a window", ErrActionPayload)
		} else if err := a.Window.validate(); err != nil {
			fail(".window", err.Error(), ErrWindowInvalid)
		}

	case ActionWaitUntil:
		if len(a.Condition) == 0 && a.MaxTimeMs <= 0 {
			fail("", "waitUntil requires a condition, a max_time_ms, or both", ErrActionPayload)
		}

	case ActionTrack:
		if a.EventName == "" {
			fail(".event_name", "track requires an event name", ErrActionPayload)
		}

	case ActionSetValue:
		if a.Path == "" {
			fail(".path", "setValue requires a path", ErrActionPayload)
		}
		if a.Value == nil {
			fail(".value", "setValue requires a value", ErrActionPayload)
		}

	case ActionExperiment:
		if a.ExperimentID == "" {
			fail(".experiment_id", "experiment action requires an experiment id", ErrActionPayload)
		} else if _, ok := d.Experiment(a.ExperimentID); !ok {
			fail(".experiment_id", fmt.Sprintf("experiment %q is not declared", a.ExperimentID), ErrExperimentDecl)
		}

	case ActionRemote:
		if a.Endpoint == "" {
			fail(".endpoint", "remote requires an endpoint", ErrActionPayload)
		}

	case ActionExit:

	default:
		fail(".kind", fmt.Sprintf("invalid action kind %q", a.Kind), ErrUnknownActionKind)
	}

	return errs
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := cueerrors.Positions(first)
	if len(positions) > 0 {
		return &SchemaError{Message: first.Error(), Pos: positions[0]}
	}
	return &SchemaError{Message: first.Error()}
}
