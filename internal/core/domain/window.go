package domain

import (
	"fmt"
	"strings"
	"time"
)

// MaintenanceWindow is a recurring weekly time range. When EndHour is lower
// than StartHour the window wraps past midnight into the following day; equal
// hours mean the whole day.
type MaintenanceWindow struct {
	Days      []time.Weekday
	StartHour int
	EndHour   int
	Location  *time.Location
}

func (w MaintenanceWindow) loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

func (w MaintenanceWindow) hasDay(d time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, wd := range w.Days {
		if wd == d {
			return true
		}
	}
	return false
}

// Contains reports whether t falls inside the window.
func (w MaintenanceWindow) Contains(t time.Time) bool {
	lt := t.In(w.loc())
	h := lt.Hour()

	switch {
	case w.StartHour == w.EndHour:
		return w.hasDay(lt.Weekday())
	case w.StartHour < w.EndHour:
		return w.hasDay(lt.Weekday()) && h >= w.StartHour && h < w.EndHour
	default:
		if h >= w.StartHour {
			return w.hasDay(lt.Weekday())
		}
		if h < w.EndHour {
			return w.hasDay(lt.AddDate(0, 0, -1).Weekday())
		}
		return false
	}
}

// Next returns the first window opening strictly after t.
func (w MaintenanceWindow) Next(t time.Time) time.Time {
	lt := t.In(w.loc())
	for i := 0; i <= 7; i++ {
		day := lt.AddDate(0, 0, i)
		candidate := time.Date(day.Year(), day.Month(), day.Day(), w.StartHour, 0, 0, 0, w.loc())
		if candidate.After(t) && w.hasDay(candidate.Weekday()) {
			return candidate
		}
	}
	// Unreachable for a valid window: every weekday recurs within 8 days.
	return lt.AddDate(0, 0, 7)
}

func (w MaintenanceWindow) String() string {
	days := make([]string, 0, len(w.Days))
	for _, d := range w.Days {
		days = append(days, d.String()[:3])
	}
	if len(days) == 0 {
		days = append(days, "daily")
	}
	return fmt.Sprintf("%s %02d:00-%02d:00 %s", strings.Join(days, ","), w.StartHour, w.EndHour, w.loc())
}

// ParseWeekday accepts full or three-letter English day names.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("invalid weekday %q", s)
}
