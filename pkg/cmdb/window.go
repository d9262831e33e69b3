package cmdb

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// Layouts accepted for window bounds. Bounds without an offset are wall clock
// times in the window timezone.
var windowLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// Window is the implementation window of a ChangeRequest. The closed range
// [Start, End] is the only time a change may execute.
type Window struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Timezone string    `json:"timezone,omitempty"`
}

// ParseWindow parses start and end in the named timezone. An empty timezone means UTC.
func ParseWindow(start, end, timezone string) (Window, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return Window{}, err
	}
	s, err := parseWindowTime(start, loc)
	if err != nil {
		return Window{}, fmt.Errorf("%w: window start: %v", ErrValidation, err)
	}
	e, err := parseWindowTime(end, loc)
	if err != nil {
		return Window{}, fmt.Errorf("%w: window end: %v", ErrValidation, err)
	}
	w := Window{Start: s, End: e, Timezone: timezone}
	return w, w.Validate()
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrValidation, name, err)
	}
	return loc, nil
}

func parseWindowTime(v string, loc *time.Location) (time.Time, error) {
	var lastErr error
	for _, layout := range windowLayouts {
		t, err := time.ParseInLocation(layout, v, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Validate checks the window bounds and timezone.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("%w: window start and end are required", ErrValidation)
	}
	if !w.End.After(w.Start) {
		return fmt.Errorf("%w: window end must be after start", ErrValidation)
	}
	if _, err := loadLocation(w.Timezone); err != nil {
		return err
	}
	return nil
}

// Contains reports whether now lies inside [Start, End].
func (w Window) Contains(now time.Time) bool {
	if w.Start.IsZero() || w.End.IsZero() {
		return false
	}
	return !now.Before(w.Start) && !now.After(w.End)
}

// Pending reports whether the window has not opened yet.
func (w Window) Pending(now time.Time) bool { return now.Before(w.Start) }

// Passed reports whether the window has closed.
func (w Window) Passed(now time.Time) bool { return now.After(w.End) }

// Local returns the bounds rendered in the window timezone.
func (w Window) Local() (time.Time, time.Time) {
	loc, err := loadLocation(w.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return w.Start.In(loc), w.End.In(loc)
}

// FormatDuration renders d as "3h12m", "45m" or "30s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	s := int((d % time.Minute) / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
