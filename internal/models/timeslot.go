package models

import (
	"fmt"
	"strconv"
	"strings"

	appErrors "github.com/edudesk/timetable-api/pkg/errors"
)

// DayOfWeek enumerates schedulable weekdays.
type DayOfWeek string

const (
	Monday    DayOfWeek = "MONDAY"
	Tuesday   DayOfWeek = "TUESDAY"
	Wednesday DayOfWeek = "WEDNESDAY"
	Thursday  DayOfWeek = "THURSDAY"
	Friday    DayOfWeek = "FRIDAY"
	Saturday  DayOfWeek = "SATURDAY"
	Sunday    DayOfWeek = "SUNDAY"
)

// dayOrder fixes the sort position of each day for grid views.
var dayOrder = map[DayOfWeek]int{
	Monday:    0,
	Tuesday:   1,
	Wednesday: 2,
	Thursday:  3,
	Friday:    4,
	Saturday:  5,
	Sunday:    6,
}

// ParseDayOfWeek normalises and validates a day name.
func ParseDayOfWeek(raw string) (DayOfWeek, bool) {
	day := DayOfWeek(strings.ToUpper(strings.TrimSpace(raw)))
	_, ok := dayOrder[day]
	return day, ok
}

// Order returns the sort position of the day, Monday first.
func (d DayOfWeek) Order() int {
	if pos, ok := dayOrder[d]; ok {
		return pos
	}
	return len(dayOrder)
}

// MinutesPerDay bounds minute-of-day values; valid minutes are [0, 1440).
const MinutesPerDay = 1440

// TimeSlot is a weekly day-of-week + [start, end) minute-of-day range.
type TimeSlot struct {
	DayOfWeek   DayOfWeek `db:"day_of_week" json:"day_of_week"`
	StartMinute int       `db:"start_minute" json:"start_minute"`
	EndMinute   int       `db:"end_minute" json:"end_minute"`
}

// Overlaps reports whether two slots collide. Intervals are half-open, so a
// slot ending exactly when another starts does not overlap.
func (s TimeSlot) Overlaps(other TimeSlot) bool {
	if s.DayOfWeek != other.DayOfWeek {
		return false
	}
	return s.StartMinute < other.EndMinute && other.StartMinute < s.EndMinute
}

// Validate checks slot shape: recognized day, bounds within [0, 1440) and a
// non-empty range.
func (s TimeSlot) Validate() error {
	if _, ok := dayOrder[s.DayOfWeek]; !ok {
		return appErrors.Clone(appErrors.ErrInvalidSlot, fmt.Sprintf("unknown day of week %q", string(s.DayOfWeek)))
	}
	if s.StartMinute < 0 || s.StartMinute >= MinutesPerDay {
		return appErrors.Clone(appErrors.ErrInvalidSlot, fmt.Sprintf("start minute %d out of range", s.StartMinute))
	}
	if s.EndMinute < 0 || s.EndMinute >= MinutesPerDay {
		return appErrors.Clone(appErrors.ErrInvalidSlot, fmt.Sprintf("end minute %d out of range", s.EndMinute))
	}
	if s.StartMinute >= s.EndMinute {
		return appErrors.Clone(appErrors.ErrInvalidSlot, "start must be before end")
	}
	return nil
}

// StartClock renders the start bound as HH:MM.
func (s TimeSlot) StartClock() string { return Clock(s.StartMinute) }

// EndClock renders the end bound as HH:MM.
func (s TimeSlot) EndClock() string { return Clock(s.EndMinute) }

// ParseClock converts an HH:MM string to minute-of-day.
func ParseClock(raw string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("malformed clock value %q", raw)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("malformed clock value %q", raw)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed clock value %q", raw)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("clock value %q out of range", raw)
	}
	return hour*60 + minute, nil
}

// Clock formats a minute-of-day as HH:MM.
func Clock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}
