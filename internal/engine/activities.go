package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dutyline/internal/domain"
	"dutyline/internal/engine/fault"
	"dutyline/internal/events"
	"dutyline/internal/repo"
)

// ActivityCreateOptions are parameters for attaching an activity to a work
// item. CancellationPolicy falls back to the config kind table when empty.
type ActivityCreateOptions struct {
	ID                 string
	WorkItemID         string
	Kind               string
	Label              string
	CancellationPolicy string
	ActorID            string
}

// AddActivity appends an activity at ordinal max+1.
func (e Engine) AddActivity(ctx context.Context, opts ActivityCreateOptions) (domain.Activity, error) {
	if e.Config == nil {
		return domain.Activity{}, errors.New("config not loaded")
	}
	if !domain.ValidKind(opts.Kind) {
		return domain.Activity{}, fault.ValidationError{Msg: fmt.Sprintf("unknown activity kind %q", opts.Kind)}
	}
	if strings.TrimSpace(opts.Label) == "" {
		return domain.Activity{}, fault.ValidationError{Msg: "label is required"}
	}
	if opts.CancellationPolicy == "" {
		if p, ok := e.Config.KindPolicyFor(opts.Kind); ok {
			opts.CancellationPolicy = p.Cancellation
		}
	}
	if !domain.ValidCancellationPolicy(opts.CancellationPolicy) {
		return domain.Activity{}, fault.ValidationError{Msg: fmt.Sprintf("unknown cancellation policy %q", opts.CancellationPolicy)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkItemTx(ctx, tx, opts.WorkItemID)
	if err != nil {
		return domain.Activity{}, err
	}
	if w.Status != domain.StatusOpen {
		return domain.Activity{}, fault.StateConflictError{EntityID: w.ID, Expected: domain.StatusOpen, Actual: w.Status}
	}
	max, err := e.Repo.MaxOrdinalTx(ctx, tx, w.ID)
	if err != nil {
		return domain.Activity{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	a := domain.Activity{
		ID:                 id,
		WorkItemID:         w.ID,
		Ordinal:            max + 1,
		Kind:               opts.Kind,
		Label:              opts.Label,
		CancellationPolicy: opts.CancellationPolicy,
		State:              domain.StatePending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Repo.InsertActivity(ctx, tx, a); err != nil {
		return domain.Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "activity.created", w.ID, "activity", a.ID, opts.ActorID, events.EventPayload{
		"kind":    a.Kind,
		"ordinal": a.Ordinal,
	}); err != nil {
		return domain.Activity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}

// CompleteActivity resolves a pending activity by direct actor action.
// Externally validated kinds reject a manual complete; attachment activities
// require at least one attachment at call time.
func (e Engine) CompleteActivity(ctx context.Context, activityID, actorID string) (domain.Activity, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return a, err
	}
	if a.State != domain.StatePending {
		return a, fault.StateConflictError{EntityID: a.ID, Expected: domain.StatePending, Actual: a.State}
	}
	switch a.Kind {
	case domain.KindChecklist, domain.KindSendEmail:
		// No evidence beyond the actor's action.
	case domain.KindAttachment:
		if a.AttachmentCount < 1 {
			return a, fault.PreconditionFailedError{Msg: "at least one attachment required"}
		}
	case domain.KindPdfLayoutValidation, domain.KindThirdPartyMatch:
		return a, fault.UnsupportedTransitionError{Kind: a.Kind, Op: "manual complete"}
	default:
		return a, fault.ValidationError{Msg: fmt.Sprintf("unknown activity kind %q", a.Kind)}
	}
	a, err = e.completeTx(ctx, tx, a, actorID, nil)
	if err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// completeTx writes the completed state conditionally on the row still being
// pending, clearing any stale cancellation fields.
func (e Engine) completeTx(ctx context.Context, tx *sql.Tx, a domain.Activity, actorID string, receipt *string) (domain.Activity, error) {
	nowStr := e.now().UTC().Format(time.RFC3339)
	a.State = domain.StateCompleted
	a.CompletedAt = &nowStr
	a.CompletedBy = &actorID
	a.CancelledAt, a.CancelledBy, a.Justification = nil, nil, nil
	if receipt != nil {
		a.Receipt = receipt
	}
	a.UpdatedAt = nowStr
	if err := e.commitActivity(ctx, tx, a, domain.StatePending); err != nil {
		return a, err
	}
	payload := events.EventPayload{"kind": a.Kind}
	if receipt != nil {
		payload["receipt"] = *receipt
	}
	if err := e.Events.Append(ctx, tx, "activity.completed", a.WorkItemID, "activity", a.ID, actorID, payload); err != nil {
		return a, err
	}
	return a, nil
}

// CancelActivity cancels a pending activity under its cancellation policy.
// The justification is stored only for requires_justification cancellations,
// keeping it non-empty exactly when that policy applied.
func (e Engine) CancelActivity(ctx context.Context, activityID, actorID, justification string) (domain.Activity, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return a, err
	}
	if a.State != domain.StatePending {
		return a, fault.StateConflictError{EntityID: a.ID, Expected: domain.StatePending, Actual: a.State}
	}
	justification = strings.TrimSpace(justification)
	switch a.CancellationPolicy {
	case domain.CancelNotCancellable:
		return a, fault.ForbiddenError{Reason: "activity is not cancellable"}
	case domain.CancelRequiresJustification:
		if justification == "" {
			return a, fault.ValidationError{Msg: "justification required"}
		}
	case domain.CancelFree:
		justification = ""
	default:
		return a, fault.ValidationError{Msg: fmt.Sprintf("unknown cancellation policy %q", a.CancellationPolicy)}
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	a.State = domain.StateCancelled
	a.CancelledAt = &nowStr
	a.CancelledBy = &actorID
	if justification != "" {
		a.Justification = &justification
	} else {
		a.Justification = nil
	}
	a.CompletedAt, a.CompletedBy = nil, nil
	a.UpdatedAt = nowStr
	if err := e.commitActivity(ctx, tx, a, domain.StatePending); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "activity.cancelled", a.WorkItemID, "activity", a.ID, actorID, events.EventPayload{
		"kind":          a.Kind,
		"justification": justification,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// ReopenActivity returns a completed activity to pending, clearing the
// completion evidence. Kinds marked non-reopenable in the policy table
// (sent email, confirmed third-party match) reject it.
func (e Engine) ReopenActivity(ctx context.Context, activityID, actorID string) (domain.Activity, error) {
	if e.Config == nil {
		return domain.Activity{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return a, err
	}
	if a.State != domain.StateCompleted {
		return a, fault.StateConflictError{EntityID: a.ID, Expected: domain.StateCompleted, Actual: a.State}
	}
	if p, ok := e.Config.KindPolicyFor(a.Kind); ok && !p.Reopenable {
		return a, fault.UnsupportedTransitionError{Kind: a.Kind, Op: "reopen"}
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	a.State = domain.StatePending
	a.CompletedAt, a.CompletedBy, a.Receipt = nil, nil, nil
	a.UpdatedAt = nowStr
	if err := e.commitActivity(ctx, tx, a, domain.StateCompleted); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "activity.reopened", a.WorkItemID, "activity", a.ID, actorID, events.EventPayload{"kind": a.Kind}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// ReactivateActivity returns a cancelled activity to pending, clearing the
// cancellation fields including the justification.
func (e Engine) ReactivateActivity(ctx context.Context, activityID, actorID string) (domain.Activity, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return a, err
	}
	if a.State != domain.StateCancelled {
		return a, fault.StateConflictError{EntityID: a.ID, Expected: domain.StateCancelled, Actual: a.State}
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	a.State = domain.StatePending
	a.CancelledAt, a.CancelledBy, a.Justification = nil, nil, nil
	a.UpdatedAt = nowStr
	if err := e.commitActivity(ctx, tx, a, domain.StateCancelled); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "activity.reactivated", a.WorkItemID, "activity", a.ID, actorID, events.EventPayload{"kind": a.Kind}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// SetAttachmentCount records the attachment-store count. A drop to zero on a
// completed activity does not revert it; reversion happens only through an
// explicit reopen.
func (e Engine) SetAttachmentCount(ctx context.Context, activityID string, count int, actorID string) (domain.Activity, error) {
	if count < 0 {
		return domain.Activity{}, fault.ValidationError{Msg: "attachment count must not be negative"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return a, err
	}
	if a.Kind != domain.KindAttachment {
		return a, fault.UnsupportedTransitionError{Kind: a.Kind, Op: "attachment count update"}
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateAttachmentCount(ctx, tx, a.ID, count, nowStr); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "activity.attachments_updated", a.WorkItemID, "activity", a.ID, actorID, events.EventPayload{
		"from": a.AttachmentCount,
		"to":   count,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.AttachmentCount = count
	a.UpdatedAt = nowStr
	return a, nil
}

// MoveActivity shifts an activity one slot up or down, swapping ordinals
// with its neighbour so the 1..N permutation stays contiguous.
func (e Engine) MoveActivity(ctx context.Context, activityID, direction, actorID string) (domain.Activity, error) {
	step := 0
	switch direction {
	case "up":
		step = -1
	case "down":
		step = 1
	default:
		return domain.Activity{}, fault.ValidationError{Msg: `direction must be "up" or "down"`}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActivityTx(ctx, tx, activityID)
	if err != nil {
		return a, err
	}
	w, err := e.Repo.GetWorkItemTx(ctx, tx, a.WorkItemID)
	if err != nil {
		return a, err
	}
	if w.Status != domain.StatusOpen {
		return a, fault.StateConflictError{EntityID: w.ID, Expected: domain.StatusOpen, Actual: w.Status}
	}
	neighbour, err := e.Repo.ActivityAtOrdinalTx(ctx, tx, a.WorkItemID, a.Ordinal+step)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return a, fault.ValidationError{Msg: fmt.Sprintf("activity is already %smost", directionLabel(direction))}
		}
		return a, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SwapOrdinalsTx(ctx, tx, a, neighbour, nowStr); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "activity.moved", a.WorkItemID, "activity", a.ID, actorID, events.EventPayload{
		"from": a.Ordinal,
		"to":   neighbour.Ordinal,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Ordinal, a.UpdatedAt = neighbour.Ordinal, nowStr
	return a, nil
}

func directionLabel(direction string) string {
	if direction == "up" {
		return "top"
	}
	return "bottom"
}

// commitActivity performs the conditional state write and turns a missed
// update into NotFound or StateConflict.
func (e Engine) commitActivity(ctx context.Context, tx *sql.Tx, a domain.Activity, expected string) error {
	n, err := e.Repo.UpdateActivityState(ctx, tx, a, expected)
	if err != nil {
		return err
	}
	if n == 0 {
		cur, gerr := e.Repo.GetActivityTx(ctx, tx, a.ID)
		if errors.Is(gerr, repo.ErrNotFound) {
			return repo.ErrNotFound
		}
		if gerr != nil {
			return gerr
		}
		return fault.StateConflictError{EntityID: a.ID, Expected: expected, Actual: cur.State}
	}
	return nil
}
