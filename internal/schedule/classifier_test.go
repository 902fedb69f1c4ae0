package schedule

import (
	"testing"
	"time"
)

func TestClassifyTerminalStatusesWin(t *testing.T) {
	// An overdue deadline is irrelevant once the item is closed.
	deadline := date(2024, 1, 1)
	now := date(2024, 2, 1)
	if b := Classify("concluded", deadline, now, 15); b != BucketCompleted {
		t.Fatalf("concluded: got %s", b)
	}
	if b := Classify("cancelled", deadline, now, 15); b != BucketCancelled {
		t.Fatalf("cancelled: got %s", b)
	}
}

func TestClassifyByDeadlineDistance(t *testing.T) {
	deadline := date(2024, 3, 20)
	cases := []struct {
		now  time.Time
		want StatusBucket
	}{
		{deadline.AddDate(0, 0, -20), BucketScheduledFuture},
		{deadline.AddDate(0, 0, -16), BucketScheduledFuture},
		{deadline.AddDate(0, 0, -15), BucketUpcomingWindow},
		{deadline.AddDate(0, 0, -1), BucketUpcomingWindow},
		{deadline, BucketDueToday},
		{deadline.AddDate(0, 0, 1), BucketOverdue},
	}
	for _, tc := range cases {
		if got := Classify("open", deadline, tc.now, 15); got != tc.want {
			t.Fatalf("now=%s: expected %s, got %s", FormatDate(tc.now), tc.want, got)
		}
	}
}

func TestClassifyIgnoresTimeOfDay(t *testing.T) {
	deadline := date(2024, 3, 20)
	now := time.Date(2024, 3, 20, 23, 59, 0, 0, time.UTC)
	if got := Classify("open", deadline, now, 15); got != BucketDueToday {
		t.Fatalf("expected due_today, got %s", got)
	}
}

func TestClassifyDefaultWindow(t *testing.T) {
	deadline := date(2024, 3, 20)
	now := deadline.AddDate(0, 0, -10)
	if got := Classify("open", deadline, now, 0); got != BucketUpcomingWindow {
		t.Fatalf("expected upcoming_window with default window, got %s", got)
	}
}
