package schedule

import (
	"errors"
	"testing"
	"time"

	"dutyline/internal/engine/fault"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAddDaysCalendar(t *testing.T) {
	got, err := AddDays(date(2024, 1, 10), 5, CalendarDays)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !got.Equal(date(2024, 1, 15)) {
		t.Fatalf("expected 2024-01-15, got %s", FormatDate(got))
	}
}

func TestAddDaysBusinessSkipsWeekend(t *testing.T) {
	// Wednesday + 5 business days crosses the Jan 13-14 weekend.
	got, err := AddDays(date(2024, 1, 10), 5, BusinessDays)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !got.Equal(date(2024, 1, 17)) {
		t.Fatalf("expected 2024-01-17, got %s", FormatDate(got))
	}
	if got.Weekday() != time.Wednesday {
		t.Fatalf("expected Wednesday, got %s", got.Weekday())
	}
}

func TestAddDaysZeroIsIdentity(t *testing.T) {
	for _, mode := range []DayCountMode{CalendarDays, BusinessDays} {
		// Includes a Saturday: zero steps never moves off a weekend start.
		for _, d := range []time.Time{date(2024, 1, 10), date(2024, 1, 13)} {
			got, err := AddDays(d, 0, mode)
			if err != nil {
				t.Fatalf("add 0 (%s): %v", mode, err)
			}
			if !got.Equal(d) {
				t.Fatalf("add 0 (%s): expected %s, got %s", mode, FormatDate(d), FormatDate(got))
			}
		}
	}
}

func TestAddDaysBusinessNeverLandsOnWeekend(t *testing.T) {
	start := date(2024, 1, 1)
	for offset := 0; offset < 14; offset++ {
		for n := 1; n <= 30; n++ {
			got, err := AddDays(start.AddDate(0, 0, offset), n, BusinessDays)
			if err != nil {
				t.Fatalf("add: %v", err)
			}
			if wd := got.Weekday(); wd == time.Saturday || wd == time.Sunday {
				t.Fatalf("landed on %s: start=%s n=%d", wd, FormatDate(start.AddDate(0, 0, offset)), n)
			}
		}
	}
}

func TestAddDaysNegativeRejected(t *testing.T) {
	_, err := AddDays(date(2024, 1, 10), -1, CalendarDays)
	var ve fault.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSubtractDaysBusiness(t *testing.T) {
	// Wednesday - 5 business days crosses the same weekend backwards.
	got, err := SubtractDays(date(2024, 1, 17), 5, BusinessDays)
	if err != nil {
		t.Fatalf("subtract: %v", err)
	}
	if !got.Equal(date(2024, 1, 10)) {
		t.Fatalf("expected 2024-01-10, got %s", FormatDate(got))
	}
}

func TestCalendarDayDiff(t *testing.T) {
	if d := CalendarDayDiff(date(2024, 1, 17), date(2024, 1, 10)); d != 7 {
		t.Fatalf("expected 7, got %d", d)
	}
	if d := CalendarDayDiff(date(2024, 1, 10), date(2024, 1, 17)); d != -7 {
		t.Fatalf("expected -7, got %d", d)
	}
	// Time of day is ignored.
	late := time.Date(2024, 1, 10, 23, 50, 0, 0, time.UTC)
	if d := CalendarDayDiff(date(2024, 1, 11), late); d != 1 {
		t.Fatalf("expected 1, got %d", d)
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-01-10")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if FormatDate(d) != "2024-01-10" {
		t.Fatalf("round trip mismatch: %s", FormatDate(d))
	}
	if _, err := ParseDate("10/01/2024"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestParseMode(t *testing.T) {
	if _, err := ParseMode("business"); err != nil {
		t.Fatalf("business: %v", err)
	}
	if _, err := ParseMode("weekly"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
