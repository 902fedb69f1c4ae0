// Package fault defines the typed error taxonomy of the lifecycle engine.
// Every error here is a caller-facing business result; none are used for
// internal control flow. StateConflict is the only retryable one: the caller
// should re-fetch the entity and decide again.
package fault

import "fmt"

// ValidationError marks malformed or missing input, such as a blank
// justification where one is required or a negative day count.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// ForbiddenError marks an operation the entity's policy never allows, such
// as cancelling a not-cancellable activity.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string { return e.Reason }

// UnsupportedTransitionError marks a transition that this activity kind does
// not offer, such as a manual complete on an externally validated kind.
type UnsupportedTransitionError struct {
	Kind string
	Op   string
}

func (e UnsupportedTransitionError) Error() string {
	return fmt.Sprintf("%s is not supported for %s activities", e.Op, e.Kind)
}

// PreconditionFailedError marks a completion precondition that does not hold
// at call time, such as an attachment activity with zero attachments.
type PreconditionFailedError struct {
	Msg string
}

func (e PreconditionFailedError) Error() string { return e.Msg }

// StateConflictError marks a transition attempted from an unexpected current
// state, including the loser of a concurrent check-then-set race.
type StateConflictError struct {
	EntityID string
	Expected string
	Actual   string
}

func (e StateConflictError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("%s: state changed concurrently, expected %s", e.EntityID, e.Expected)
	}
	return fmt.Sprintf("%s: expected state %s, found %s", e.EntityID, e.Expected, e.Actual)
}

// PendingActivitiesError reports how many activities still block a work
// item's conclusion.
type PendingActivitiesError struct {
	Count int
}

func (e PendingActivitiesError) Error() string {
	if e.Count == 1 {
		return "1 activity still pending"
	}
	return fmt.Sprintf("%d activities still pending", e.Count)
}
