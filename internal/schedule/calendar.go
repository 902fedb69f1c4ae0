package schedule

import (
	"fmt"
	"time"

	"dutyline/internal/engine/fault"
)

// DayCountMode selects how date offsets count days.
type DayCountMode string

const (
	CalendarDays DayCountMode = "calendar"
	BusinessDays DayCountMode = "business"
)

// ParseMode converts a stored mode string into a DayCountMode.
func ParseMode(s string) (DayCountMode, error) {
	switch DayCountMode(s) {
	case CalendarDays, BusinessDays:
		return DayCountMode(s), nil
	}
	return "", fault.ValidationError{Msg: fmt.Sprintf("unknown day count mode %q", s)}
}

// AddDays offsets d forward by n days. In business mode only Mon-Fri count
// as steps; the start date itself is never counted. n must be >= 0.
func AddDays(d time.Time, n int, mode DayCountMode) (time.Time, error) {
	return offsetDays(d, n, mode, 1)
}

// SubtractDays offsets d backward by n days under the same counting rule.
func SubtractDays(d time.Time, n int, mode DayCountMode) (time.Time, error) {
	return offsetDays(d, n, mode, -1)
}

func offsetDays(d time.Time, n int, mode DayCountMode, dir int) (time.Time, error) {
	if n < 0 {
		return time.Time{}, fault.ValidationError{Msg: "day count must not be negative"}
	}
	d = Truncate(d)
	if mode == CalendarDays {
		return d.AddDate(0, 0, dir*n), nil
	}
	if mode != BusinessDays {
		return time.Time{}, fault.ValidationError{Msg: fmt.Sprintf("unknown day count mode %q", mode)}
	}
	for steps := 0; steps < n; {
		d = d.AddDate(0, 0, dir)
		if !weekend(d) {
			steps++
		}
	}
	return d, nil
}

func weekend(d time.Time) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Truncate drops the time-of-day portion, keeping the civil date in UTC.
func Truncate(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

// CalendarDayDiff returns the whole-day distance from 'from' to 'to',
// positive when 'to' is in the future relative to 'from'.
func CalendarDayDiff(to, from time.Time) int {
	return int(Truncate(to).Sub(Truncate(from)).Hours() / 24)
}

// DateLayout is the single wire/storage format for civil dates.
const DateLayout = "2006-01-02"

// ParseDate parses a civil date in the canonical layout.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fault.ValidationError{Msg: fmt.Sprintf("invalid date %q: expected %s", s, DateLayout)}
	}
	return d, nil
}

// FormatDate renders a civil date in the canonical layout.
func FormatDate(d time.Time) string {
	return Truncate(d).Format(DateLayout)
}
