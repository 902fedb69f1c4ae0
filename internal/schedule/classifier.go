package schedule

import "time"

// StatusBucket is the read-side urgency projection of a work item. It is
// derived on every read and never stored.
type StatusBucket string

const (
	BucketCompleted       StatusBucket = "completed"
	BucketCancelled       StatusBucket = "cancelled"
	BucketScheduledFuture StatusBucket = "scheduled_future"
	BucketUpcomingWindow  StatusBucket = "upcoming_window"
	BucketDueToday        StatusBucket = "due_today"
	BucketOverdue         StatusBucket = "overdue"
)

// DefaultUpcomingWindowDays is the span of the "upcoming" bucket before the
// deadline, in calendar days.
const DefaultUpcomingWindowDays = 15

// Classify buckets a work item by its terminal status, then by calendar-day
// distance to the deadline. Terminal statuses win over any date arithmetic.
func Classify(status string, deadline, now time.Time, windowDays int) StatusBucket {
	switch status {
	case "concluded":
		return BucketCompleted
	case "cancelled":
		return BucketCancelled
	}
	if windowDays <= 0 {
		windowDays = DefaultUpcomingWindowDays
	}
	days := CalendarDayDiff(deadline, now)
	switch {
	case days > windowDays:
		return BucketScheduledFuture
	case days >= 1:
		return BucketUpcomingWindow
	case days == 0:
		return BucketDueToday
	default:
		return BucketOverdue
	}
}
