package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end exercise of the client stack: a sequence of
// SDK operations driven against a fresh in-memory store, with assertions
// over what was delivered, stored, and shown.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are keyed
	// by it.
	Name string `yaml:"name"`

	// Description explains what this scenario demonstrates.
	Description string `yaml:"description"`

	// Campaigns lists campaign definition JSON files to activate before
	// the steps run. Paths are resolved relative to the scenario file.
	Campaigns []string `yaml:"campaigns,omitempty"`

	// DistinctID is the identity the run starts under.
	// Defaults to "user-default".
	DistinctID string `yaml:"distinct_id,omitempty"`

	// StartTime pins the manual clock, RFC 3339. Defaults to
	// 2025-01-01T00:00:00Z so goldens stay byte-stable.
	StartTime string `yaml:"start_time,omitempty"`

	// IDPrefix seeds the sequence id generator ("ev" by default).
	IDPrefix string `yaml:"id_prefix,omitempty"`

	// Steps run in order; each settles completely before the next.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final delivered/stored/journey state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one SDK operation. Exactly one operation field must be set;
// Props rides along with track, trigger, and identify.
type Step struct {
	// Track captures a named event on the full path, delivery included.
	Track string `yaml:"track,omitempty"`

	// Trigger captures a named event locally only (no network delivery).
	Trigger string `yaml:"trigger,omitempty"`

	// Identify switches the current identity to the given distinct id.
	Identify string `yaml:"identify,omitempty"`

	// Props are the event properties or, for identify, user properties.
	Props map[string]any `yaml:"props,omitempty"`

	// Advance moves the manual clock forward by a Go duration string,
	// firing every timer that comes due.
	Advance string `yaml:"advance,omitempty"`

	// Tap fires a tap interaction on the journey currently showing the
	// named screen.
	Tap *TapStep `yaml:"tap,omitempty"`

	// Flush requests an immediate delivery flush.
	Flush bool `yaml:"flush,omitempty"`

	// FailDeliveries arms the capture transport to fail the next N
	// batch sends with a transient error.
	FailDeliveries int `yaml:"fail_deliveries,omitempty"`
}

// TapStep addresses a UI interaction by what the user can see, not by
// journey id: the journey is whichever one last showed the screen.
type TapStep struct {
	Screen    string `yaml:"screen"`
	Component string `yaml:"component,omitempty"`
}

// Assertion validates delivered events, stored events, or journey state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Name is the event name (delivered_contains, delivered_count,
	// stored_count).
	Name string `yaml:"name,omitempty"`

	// Props are expected event properties, subset match
	// (delivered_contains).
	Props map[string]any `yaml:"props,omitempty"`

	// Names is the expected delivery order (delivered_order). Events
	// need not be consecutive.
	Names []string `yaml:"names,omitempty"`

	// Count is the expected number of occurrences (delivered_count,
	// stored_count, active_journeys).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertDeliveredContains = "delivered_contains"
	AssertDeliveredOrder    = "delivered_order"
	AssertDeliveredCount    = "delivered_count"
	AssertStoredCount       = "stored_count"
	AssertActiveJourneys    = "active_journeys"
)

const (
	defaultDistinctID = "user-default"
	defaultIDPrefix   = "ev"
)

// defaultStart pins scenario time when start_time is omitted.
var defaultStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// LoadScenario reads and parses a scenario YAML file. Campaign paths are
// resolved relative to the scenario file. Unknown fields are rejected,
// which catches typos like "assertion:" for "assertions:".
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i, campaignPath := range scenario.Campaigns {
		if !filepath.IsAbs(campaignPath) {
			scenario.Campaigns[i] = filepath.Join(base, campaignPath)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// start returns the pinned clock start for the scenario.
func (s *Scenario) start() (time.Time, error) {
	if s.StartTime == "" {
		return defaultStart, nil
	}
	at, err := time.Parse(time.RFC3339, s.StartTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("start_time: %w", err)
	}
	return at.UTC(), nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if _, err := s.start(); err != nil {
		return err
	}

	for _, campaignPath := range s.Campaigns {
		if _, err := os.Stat(campaignPath); os.IsNotExist(err) {
			return fmt.Errorf("campaign file not found: %s", campaignPath)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, st *Step) error {
	ops := 0
	if st.Track != "" {
		ops++
	}
	if st.Trigger != "" {
		ops++
	}
	if st.Identify != "" {
		ops++
	}
	if st.Advance != "" {
		ops++
	}
	if st.Tap != nil {
		ops++
	}
	if st.Flush {
		ops++
	}
	if st.FailDeliveries > 0 {
		ops++
	}
	if ops == 0 {
		return fmt.Errorf("steps[%d]: no operation set", index)
	}
	if ops > 1 {
		return fmt.Errorf("steps[%d]: exactly one operation per step", index)
	}

	if st.Props != nil && st.Track == "" && st.Trigger == "" && st.Identify == "" {
		return fmt.Errorf("steps[%d]: props only apply to track, trigger, and identify", index)
	}
	if st.Advance != "" {
		d, err := time.ParseDuration(st.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", index)
		}
	}
	if st.Tap != nil && st.Tap.Screen == "" {
		return fmt.Errorf("steps[%d]: tap.screen is required", index)
	}
	if st.FailDeliveries < 0 {
		return fmt.Errorf("steps[%d]: fail_deliveries must be non-negative", index)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertDeliveredContains:
		if a.Name == "" {
			return fmt.Errorf("assertions[%d]: name is required for %s", index, a.Type)
		}
	case AssertDeliveredOrder:
		if len(a.Names) == 0 {
			return fmt.Errorf("assertions[%d]: names list is required for %s", index, a.Type)
		}
	case AssertDeliveredCount, AssertStoredCount:
		if a.Name == "" {
			return fmt.Errorf("assertions[%d]: name is required for %s", index, a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertActiveJourneys:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
