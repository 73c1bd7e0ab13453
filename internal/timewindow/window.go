// Package timewindow models named, day-filtered clock-time ranges during
// which a category's message may be delivered, and picks random delivery
// instants inside them.
package timewindow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FallbackName is the pseudo-window that matches any time of day. It is only
// ever scheduled when a user has no specific window configured.
const FallbackName = "ALL"

// ClockTime is a wall-clock time of day (no date, no zone).
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return ClockTime{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return ClockTime{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("invalid minute in %q", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

// On returns the instant with this clock time on day's date, in day's location.
func (c ClockTime) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

// WeekdaySet is a bitmask of weekdays (bit 0 = Sunday).
type WeekdaySet uint8

// AllDays matches every weekday.
const AllDays WeekdaySet = 0x7F

func Days(ds ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range ds {
		s |= 1 << uint(d)
	}
	return s
}

func (s WeekdaySet) Contains(d time.Weekday) bool { return s&(1<<uint(d)) != 0 }
func (s WeekdaySet) All() bool                    { return s&AllDays == AllDays }

// ParseWeekdaySet parses day names ("monday", "tue") or "all". An empty list
// means all days.
func ParseWeekdaySet(names []string) (WeekdaySet, error) {
	if len(names) == 0 {
		return AllDays, nil
	}
	var s WeekdaySet
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "all", "*":
			return AllDays, nil
		case "sunday", "sun":
			s |= 1 << uint(time.Sunday)
		case "monday", "mon":
			s |= 1 << uint(time.Monday)
		case "tuesday", "tue":
			s |= 1 << uint(time.Tuesday)
		case "wednesday", "wed":
			s |= 1 << uint(time.Wednesday)
		case "thursday", "thu":
			s |= 1 << uint(time.Thursday)
		case "friday", "fri":
			s |= 1 << uint(time.Friday)
		case "saturday", "sat":
			s |= 1 << uint(time.Saturday)
		default:
			return 0, fmt.Errorf("unknown weekday %q", n)
		}
	}
	return s, nil
}

// Window is a named clock-time range with an active flag and a day filter.
// The range is half-open: [Start, End).
type Window struct {
	Name   string
	Start  ClockTime
	End    ClockTime
	Active bool
	Days   WeekdaySet
}

func (w Window) IsFallback() bool { return strings.EqualFold(w.Name, FallbackName) }

// MatchesDay reports whether the window applies on t's weekday.
func (w Window) MatchesDay(t time.Time) bool {
	return w.Days.All() || w.Days.Contains(t.Weekday())
}

// Duration is the window length. Zero or negative means the window is invalid.
func (w Window) Duration() time.Duration {
	return time.Duration(w.End.Minutes()-w.Start.Minutes()) * time.Minute
}

func (w Window) validate() error {
	if w.End.Minutes() <= w.Start.Minutes() {
		return fmt.Errorf("window %q: end %s not after start %s", w.Name, w.End, w.Start)
	}
	return nil
}
