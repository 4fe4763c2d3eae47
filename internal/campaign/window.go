package campaign

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeWindow restricts an action to a daily clock range, optionally on a
// subset of weekdays. A window whose end clock is before its start wraps
// past midnight into the next day.
type TimeWindow struct {
	Start string   `json:"start"`
	End   string   `json:"end"`
	Days  []string `json:"days,omitempty"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseClock converts an "HH:MM" clock string into minutes since
// midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("clock %q: hour out of range", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q: minute out of range", s)
	}
	return h*60 + m, nil
}

// Weekdays resolves the day names into a set. An empty Days list allows
// every day.
func (w TimeWindow) Weekdays() (map[time.Weekday]bool, error) {
	days := make(map[time.Weekday]bool, 7)
	if len(w.Days) == 0 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			days[d] = true
		}
		return days, nil
	}
	for _, name := range w.Days {
		d, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}
		days[d] = true
	}
	return days, nil
}

func (w TimeWindow) validate() error {
	sm, err := ParseClock(w.Start)
	if err != nil {
		return err
	}
	em, err := ParseClock(w.End)
	if err != nil {
		return err
	}
	if sm == em {
		return fmt.Errorf("window start %q equals its end", w.Start)
	}
	_, err = w.Weekdays()
	return err
}

// Contains reports whether t falls inside the window. The range is
// half-open: the start minute counts, the end minute does not. A wrapped
// window that is still open after midnight belongs to the weekday it
// opened on.
func (w TimeWindow) Contains(t time.Time) (bool, error) {
	sm, err := ParseClock(w.Start)
	if err != nil {
		return false, err
	}
	em, err := ParseClock(w.End)
	if err != nil {
		return false, err
	}
	if sm == em {
		return false, fmt.Errorf("window start %q equals its end", w.Start)
	}
	days, err := w.Weekdays()
	if err != nil {
		return false, err
	}

	mt := t.Hour()*60 + t.Minute()
	if sm < em {
		return days[t.Weekday()] && mt >= sm && mt < em, nil
	}
	if mt >= sm {
		return days[t.Weekday()], nil
	}
	if mt < em {
		return days[t.AddDate(0, 0, -1).Weekday()], nil
	}
	return false, nil
}

// NextOpen returns the earliest instant at or after the given time when
// the window is open. When the window is already open it returns the
// input unchanged.
func (w TimeWindow) NextOpen(after time.Time) (time.Time, error) {
	open, err := w.Contains(after)
	if err != nil {
		return time.Time{}, err
	}
	if open {
		return after, nil
	}

	sm, err := ParseClock(w.Start)
	if err != nil {
		return time.Time{}, err
	}
	days, err := w.Weekdays()
	if err != nil {
		return time.Time{}, err
	}

	// The opening instant recurs at most weekly, so eight days of
	// candidates always include the next one.
	for i := 0; i < 8; i++ {
		d := after.AddDate(0, 0, i)
		if !days[d.Weekday()] {
			continue
		}
		at := time.Date(d.Year(), d.Month(), d.Day(), sm/60, sm%60, 0, 0, after.Location())
		if !at.Before(after) {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("window never opens")
}
