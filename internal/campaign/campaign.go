// Package campaign defines the campaign model: what triggers a journey,
// which screens it shows, which interactions fire which actions, and when
// it ends. Definitions arrive as JSON and are validated twice before
// activation: structurally against the embedded CUE schema, then
// semantically by Validate (cross-references, closed kind sets).
package campaign

import (
	"time"

	"github.com/meanderhq/meander-go/internal/value"
)

// Definition is one campaign: a trigger, a screen flow, and optional
// experiments, goal, and limits.
type Definition struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Trigger     Trigger      `json:"trigger"`
	Flow        Flow         `json:"flow"`
	Experiments []Experiment `json:"experiments,omitempty"`
	Goal        *Goal        `json:"goal,omitempty"`
	Limits      Limits       `json:"limits,omitempty"`
}

// Trigger starts a journey: an event name plus an optional opaque
// condition evaluated by the injected condition evaluator.
type Trigger struct {
	EventName string       `json:"event_name"`
	Condition value.Object `json:"condition,omitempty"`
}

// Flow is the campaign's screen graph.
type Flow struct {
	EntryScreenID string   `json:"entry_screen_id"`
	Screens       []Screen `json:"screens"`
}

// Screen is one presentation surface with its components and its
// screen-scoped interactions.
type Screen struct {
	ID           string        `json:"id"`
	Components   []Component   `json:"components,omitempty"`
	Interactions []Interaction `json:"interactions,omitempty"`
}

// Component is an addressable element on a screen. Kind is presentation
// metadata the core does not interpret.
type Component struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind,omitempty"`
	Interactions []Interaction `json:"interactions,omitempty"`
}

// Interaction binds a trigger to an ordered action list.
type Interaction struct {
	ID      string      `json:"id"`
	Trigger TriggerSpec `json:"trigger"`
	Actions []Action    `json:"actions"`
}

// TriggerKind is the closed set of interaction trigger types.
type TriggerKind string

const (
	TriggerTap         TriggerKind = "tap"
	TriggerHover       TriggerKind = "hover"
	TriggerPress       TriggerKind = "press"
	TriggerDrag        TriggerKind = "drag"
	TriggerEvent       TriggerKind = "event"
	TriggerValueChange TriggerKind = "valueChange"
)

// TriggerSpec describes what fires an interaction. Event triggers match
// event names exactly; value-change triggers match view-model paths by
// identity and may debounce.
type TriggerSpec struct {
	Kind       TriggerKind `json:"kind"`
	EventName  string      `json:"event_name,omitempty"`
	Path       string      `json:"path,omitempty"`
	DebounceMs int64       `json:"debounce_ms,omitempty"`
}

// ActionKind is the closed set of action types.
type ActionKind string

const (
	ActionNavigate   ActionKind = "navigate"
	ActionDismiss    ActionKind = "dismiss"
	ActionDelay      ActionKind = "delay"
	ActionTimeWindow ActionKind = "timeWindow"
	ActionWaitUntil  ActionKind = "waitUntil"
	ActionTrack      ActionKind = "track"
	ActionSetValue   ActionKind = "setValue"
	ActionExperiment ActionKind = "experiment"
	ActionRemote     ActionKind = "remote"
	ActionExit       ActionKind = "exit"
)

// Action is one step of an interaction's sequence. Kind selects which
// fields apply; unused fields stay zero.
type Action struct {
	Kind ActionKind `json:"kind"`

	// navigate
	ScreenID string `json:"screen_id,omitempty"`

	// delay
	DelayMs int64 `json:"delay_ms,omitempty"`

	// timeWindow
	Window *TimeWindow `json:"window,omitempty"`

	// waitUntil
	Condition value.Object `json:"condition,omitempty"`
	MaxTimeMs int64        `json:"max_time_ms,omitempty"`

	// track
	EventName  string       `json:"event_name,omitempty"`
	Properties value.Object `json:"properties,omitempty"`

	// setValue
	Path  string        `json:"path,omitempty"`
	Value *ValueLiteral `json:"value,omitempty"`

	// experiment
	ExperimentID string `json:"experiment_id,omitempty"`

	// remote
	Endpoint string       `json:"endpoint,omitempty"`
	Params   value.Object `json:"params,omitempty"`

	// exit
	Reason string `json:"reason,omitempty"`
}

// Delay returns the delay duration of a delay action.
func (a Action) Delay() time.Duration {
	return time.Duration(a.DelayMs) * time.Millisecond
}

// MaxTime returns the absolute timeout of a waitUntil action, zero when
// the action waits indefinitely.
func (a Action) MaxTime() time.Duration {
	return time.Duration(a.MaxTimeMs) * time.Millisecond
}

// ValueLiteral carries one dynamic value inside a JSON field.
type ValueLiteral struct {
	V value.Value
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *ValueLiteral) UnmarshalJSON(data []byte) error {
	v, err := value.Unmarshal(data)
	if err != nil {
		return err
	}
	l.V = v
	return nil
}

// MarshalJSON implements json.Marshaler.
func (l ValueLiteral) MarshalJSON() ([]byte, error) {
	if l.V == nil {
		return []byte("null"), nil
	}
	return value.Marshal(l.V)
}

// Experiment declares an A/B split. The first variant is the fallback
// when no assignment exists.
type Experiment struct {
	ID       string   `json:"id"`
	Variants []string `json:"variants"`
}

// ExitPolicy decides when a journey leaves the active set.
type ExitPolicy string

const (
	ExitOnGoal         ExitPolicy = "onGoal"
	ExitOnStopMatching ExitPolicy = "onStopMatching"
	ExitOnGoalOrStop   ExitPolicy = "onGoalOrStop"
	ExitNever          ExitPolicy = "never"
)

// Goal is the campaign's conversion target and the policy applied when it
// is reached or the user stops matching the trigger audience.
type Goal struct {
	EventName string       `json:"event_name,omitempty"`
	Condition value.Object `json:"condition,omitempty"`
	Policy    ExitPolicy   `json:"policy"`
}

// Limits caps journey starts per user for one campaign. Zero fields are
// unlimited.
type Limits struct {
	MaxConcurrent int   `json:"max_concurrent,omitempty"`
	MaxTotal      int   `json:"max_total,omitempty"`
	CooldownMs    int64 `json:"cooldown_ms,omitempty"`
}

// Cooldown returns the minimum gap between journey starts.
func (l Limits) Cooldown() time.Duration {
	return time.Duration(l.CooldownMs) * time.Millisecond
}

// Screen returns the screen with the given id.
func (d *Definition) Screen(id string) (*Screen, bool) {
	for i := range d.Flow.Screens {
		if d.Flow.Screens[i].ID == id {
			return &d.Flow.Screens[i], true
		}
	}
	return nil, false
}

// Experiment returns the experiment with the given id.
func (d *Definition) Experiment(id string) (*Experiment, bool) {
	for i := range d.Experiments {
		if d.Experiments[i].ID == id {
			return &d.Experiments[i], true
		}
	}
	return nil, false
}

// ScopedInteraction pairs an interaction with the screen (and component,
// when component-scoped) that declares it.
type ScopedInteraction struct {
	Interaction Interaction
	ScreenID    string
	ComponentID string
}

// ScreenInteractions returns every interaction reachable on a screen:
// screen-scoped first, then component-scoped in declaration order.
func (d *Definition) ScreenInteractions(screenID string) []ScopedInteraction {
	s, ok := d.Screen(screenID)
	if !ok {
		return nil
	}

	var out []ScopedInteraction
	for _, in := range s.Interactions {
		out = append(out, ScopedInteraction{Interaction: in, ScreenID: s.ID})
	}
	for _, c := range s.Components {
		for _, in := range c.Interactions {
			out = append(out, ScopedInteraction{Interaction: in, ScreenID: s.ID, ComponentID: c.ID})
		}
	}
	return out
}

// FindInteraction locates an interaction anywhere in the flow by id.
// Resume paths use this to replay a suspended action sequence.
func (d *Definition) FindInteraction(id string) (ScopedInteraction, bool) {
	for i := range d.Flow.Screens {
		s := &d.Flow.Screens[i]
		for _, in := range s.Interactions {
			if in.ID == id {
				return ScopedInteraction{Interaction: in, ScreenID: s.ID}, true
			}
		}
		for _, c := range s.Components {
			for _, in := range c.Interactions {
				if in.ID == id {
					return ScopedInteraction{Interaction: in, ScreenID: s.ID, ComponentID: c.ID}, true
				}
			}
		}
	}
	return ScopedInteraction{}, false
}
