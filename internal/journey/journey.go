// Package journey defines the persisted journey state model: one running
// instance of a campaign for one user.
//
// Journey state is mutated exclusively by the runner and persisted after
// every mutation. The pending action lives inside FlowState itself, so a
// snapshot can never disagree with the action queue about whether the
// journey is suspended.
package journey

import (
	"fmt"
	"time"

	"github.com/meanderhq/meander-go/internal/value"
)

// Status is the journey lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusExited  Status = "exited"
)

// PendingKind classifies why a journey is suspended.
type PendingKind string

const (
	PendingDelay       PendingKind = "delay"
	PendingTimeWindow  PendingKind = "timeWindow"
	PendingWaitUntil   PendingKind = "waitUntil"
	PendingRemoteRetry PendingKind = "remoteRetry"
)

// PendingAction records exactly where a suspended journey resumes.
//
// StartedAt is set when the action FIRST suspends and survives repeated
// pause/resume cycles, so absolute timeouts never silently extend.
type PendingAction struct {
	InteractionID string        `json:"interaction_id"`
	ScreenID      string        `json:"screen_id,omitempty"`
	ComponentID   string        `json:"component_id,omitempty"`
	ActionIndex   int           `json:"action_index"`
	Kind          PendingKind   `json:"kind"`
	ResumeAt      *time.Time    `json:"resume_at,omitempty"`
	Condition     value.Object  `json:"condition,omitempty"`
	MaxTime       time.Duration `json:"max_time,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
}

// Deadline returns the absolute timeout instant, or false when the action
// waits indefinitely.
func (p PendingAction) Deadline() (time.Time, bool) {
	if p.MaxTime <= 0 {
		return time.Time{}, false
	}
	return p.StartedAt.Add(p.MaxTime), true
}

// FlowState is the runner-owned portion of a journey: presentation position
// plus the single optional suspension point.
type FlowState struct {
	CurrentScreenID string         `json:"current_screen_id,omitempty"`
	NavigationStack []string       `json:"navigation_stack,omitempty"`
	Pending         *PendingAction `json:"pending,omitempty"`
	ViewModel       value.Object   `json:"view_model,omitempty"`
}

// Journey is one user's run of one campaign.
type Journey struct {
	ID         string       `json:"id"`
	CampaignID string       `json:"campaign_id"`
	DistinctID string       `json:"distinct_id"`
	Status     Status       `json:"status"`
	ExitReason string       `json:"exit_reason,omitempty"`
	Flow       FlowState    `json:"flow"`
	Context    value.Object `json:"context,omitempty"`

	// Assignments freezes experiment variants for the life of the journey;
	// Exposed records which experiments already emitted an exposure event.
	Assignments map[string]string `json:"assignments,omitempty"`
	Exposed     map[string]bool   `json:"exposed,omitempty"`

	// ConvertedAt records goal conversion. Set at most once; a journey
	// can convert without exiting.
	ConvertedAt *time.Time `json:"converted_at,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a running journey.
func New(id, campaignID, distinctID string, context value.Object, now time.Time) *Journey {
	return &Journey{
		ID:         id,
		CampaignID: campaignID,
		DistinctID: distinctID,
		Status:     StatusRunning,
		Context:    context,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// Active reports whether the journey still participates in dispatch.
func (j *Journey) Active() bool {
	return j.Status == StatusRunning || j.Status == StatusPaused
}

// Suspend records a pending action and moves the journey to paused.
// Fails if another action is already pending: a journey has at most one
// suspension point at a time.
func (j *Journey) Suspend(p PendingAction, now time.Time) error {
	if j.Status == StatusExited {
		return fmt.Errorf("journey %s: suspend after exit", j.ID)
	}
	if j.Flow.Pending != nil {
		return fmt.Errorf("journey %s: already suspended at interaction %s action %d",
			j.ID, j.Flow.Pending.InteractionID, j.Flow.Pending.ActionIndex)
	}
	j.Flow.Pending = &p
	j.Status = StatusPaused
	j.UpdatedAt = now
	return nil
}

// TakePending clears the suspension point and returns it. The journey moves
// back to running. Returns false when nothing was pending.
func (j *Journey) TakePending(now time.Time) (PendingAction, bool) {
	if j.Flow.Pending == nil {
		return PendingAction{}, false
	}
	p := *j.Flow.Pending
	j.Flow.Pending = nil
	if j.Status == StatusPaused {
		j.Status = StatusRunning
	}
	j.UpdatedAt = now
	return p, true
}

// Exit terminates the journey with a reason. Terminal; any pending action
// is discarded.
func (j *Journey) Exit(reason string, now time.Time) {
	j.Status = StatusExited
	j.ExitReason = reason
	j.Flow.Pending = nil
	j.UpdatedAt = now
}

// FreezeAssignment stores a sticky variant for an experiment, first write
// wins. Returns the frozen variant.
func (j *Journey) FreezeAssignment(experimentID, variant string) string {
	if j.Assignments == nil {
		j.Assignments = make(map[string]string)
	}
	if existing, ok := j.Assignments[experimentID]; ok {
		return existing
	}
	j.Assignments[experimentID] = variant
	return variant
}

// MarkConverted records goal conversion. Returns false if the journey
// already converted (conversion counts once).
func (j *Journey) MarkConverted(now time.Time) bool {
	if j.ConvertedAt != nil {
		return false
	}
	at := now
	j.ConvertedAt = &at
	j.UpdatedAt = now
	return true
}

// MarkExposed records that an exposure event was emitted for an experiment.
// Returns false if it was already marked (the caller must not emit again).
func (j *Journey) MarkExposed(experimentID string) bool {
	if j.Exposed == nil {
		j.Exposed = make(map[string]bool)
	}
	if j.Exposed[experimentID] {
		return false
	}
	j.Exposed[experimentID] = true
	return true
}

// Navigate pushes a screen onto the navigation stack and makes it current.
func (j *Journey) Navigate(screenID string, now time.Time) {
	j.Flow.NavigationStack = append(j.Flow.NavigationStack, screenID)
	j.Flow.CurrentScreenID = screenID
	j.UpdatedAt = now
}

// Dismiss clears the presentation position. The journey itself stays
// active; only navigation state is dropped.
func (j *Journey) Dismiss(now time.Time) {
	j.Flow.NavigationStack = nil
	j.Flow.CurrentScreenID = ""
	j.UpdatedAt = now
}

// Back pops the top screen. Returns the new current screen and whether a
// pop happened; popping the last screen leaves an empty current screen.
func (j *Journey) Back(now time.Time) (string, bool) {
	n := len(j.Flow.NavigationStack)
	if n == 0 {
		return "", false
	}
	j.Flow.NavigationStack = j.Flow.NavigationStack[:n-1]
	if n-1 > 0 {
		j.Flow.CurrentScreenID = j.Flow.NavigationStack[n-2]
	} else {
		j.Flow.CurrentScreenID = ""
	}
	j.UpdatedAt = now
	return j.Flow.CurrentScreenID, true
}

// SetViewValue writes a dotted path into the view model snapshot.
func (j *Journey) SetViewValue(path string, v value.Value, now time.Time) {
	j.Flow.ViewModel = value.SetPath(j.Flow.ViewModel, path, v)
	j.UpdatedAt = now
}

// ViewValue reads a dotted path from the view model snapshot.
func (j *Journey) ViewValue(path string) (value.Value, bool) {
	return value.GetPath(j.Flow.ViewModel, path)
}
