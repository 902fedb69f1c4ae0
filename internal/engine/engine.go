package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dutyline/internal/config"
	"dutyline/internal/domain"
	"dutyline/internal/engine/fault"
	"dutyline/internal/events"
	"dutyline/internal/repo"
	"dutyline/internal/schedule"
)

// Engine owns every work item and activity transition. All mutations run as
// a single transactional check-then-set against the store; concurrent losers
// observe fault.StateConflictError and must re-fetch.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// WorkItemCreateOptions are parameters for creating a work item. The
// reference date arrives already parsed; all date-string handling stays at
// the transport boundary.
type WorkItemCreateOptions struct {
	ID             string
	Kind           string
	Title          string
	ReferenceDate  time.Time
	DaysToTarget   int
	DaysToDeadline int
	DayCountMode   string
	ActorID        string
}

// CreateWorkItem derives the target and deadline dates from the reference
// date and stores the new work item as open.
func (e Engine) CreateWorkItem(ctx context.Context, opts WorkItemCreateOptions) (domain.WorkItem, error) {
	if e.Config == nil {
		return domain.WorkItem{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkItem{}, fault.ValidationError{Msg: "title is required"}
	}
	if opts.Kind == "" {
		opts.Kind = "task"
	}
	if opts.Kind != "task" && opts.Kind != "obligation" {
		return domain.WorkItem{}, fault.ValidationError{Msg: fmt.Sprintf("unknown work item kind %q", opts.Kind)}
	}
	if opts.ReferenceDate.IsZero() {
		return domain.WorkItem{}, fault.ValidationError{Msg: "reference date is required"}
	}
	if opts.DayCountMode == "" {
		opts.DayCountMode = e.Config.Scheduling.DayCountMode
	}
	mode, err := schedule.ParseMode(opts.DayCountMode)
	if err != nil {
		return domain.WorkItem{}, err
	}
	target, deadline, err := deriveDates(opts.ReferenceDate, opts.DaysToTarget, opts.DaysToDeadline, mode)
	if err != nil {
		return domain.WorkItem{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	w := domain.WorkItem{
		ID:             id,
		Kind:           opts.Kind,
		Title:          opts.Title,
		Status:         domain.StatusOpen,
		ReferenceDate:  schedule.FormatDate(opts.ReferenceDate),
		TargetDate:     schedule.FormatDate(target),
		DeadlineDate:   schedule.FormatDate(deadline),
		DaysToTarget:   opts.DaysToTarget,
		DaysToDeadline: opts.DaysToDeadline,
		DayCountMode:   string(mode),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkItem(ctx, tx, w); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "work_item.created", w.ID, "work_item", w.ID, opts.ActorID, events.EventPayload{
		"title":    w.Title,
		"deadline": w.DeadlineDate,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return w, nil
}

// deriveDates is the scheduling rule: both milestone dates offset the same
// reference date independently.
func deriveDates(ref time.Time, toTarget, toDeadline int, mode schedule.DayCountMode) (time.Time, time.Time, error) {
	target, err := schedule.AddDays(ref, toTarget, mode)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	deadline, err := schedule.AddDays(ref, toDeadline, mode)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return target, deadline, nil
}

// RescheduleOptions carries a reference-date change.
type RescheduleOptions struct {
	ID             string
	ReferenceDate  time.Time
	DaysToTarget   int
	DaysToDeadline int
	DayCountMode   string
	ActorID        string
}

// Reschedule recomputes the target and deadline dates. Calling it twice with
// unchanged inputs yields unchanged outputs.
func (e Engine) Reschedule(ctx context.Context, opts RescheduleOptions) (domain.WorkItem, error) {
	w, err := e.Repo.GetWorkItem(ctx, opts.ID)
	if err != nil {
		return w, err
	}
	if opts.ReferenceDate.IsZero() {
		return w, fault.ValidationError{Msg: "reference date is required"}
	}
	if opts.DayCountMode == "" {
		opts.DayCountMode = w.DayCountMode
	}
	mode, err := schedule.ParseMode(opts.DayCountMode)
	if err != nil {
		return w, err
	}
	target, deadline, err := deriveDates(opts.ReferenceDate, opts.DaysToTarget, opts.DaysToDeadline, mode)
	if err != nil {
		return w, err
	}
	w.ReferenceDate = schedule.FormatDate(opts.ReferenceDate)
	w.TargetDate = schedule.FormatDate(target)
	w.DeadlineDate = schedule.FormatDate(deadline)
	w.DaysToTarget = opts.DaysToTarget
	w.DaysToDeadline = opts.DaysToDeadline
	w.DayCountMode = string(mode)
	w.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkItemSchedule(ctx, tx, w); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, "work_item.rescheduled", w.ID, "work_item", w.ID, opts.ActorID, events.EventPayload{
		"reference_date": w.ReferenceDate,
		"target_date":    w.TargetDate,
		"deadline_date":  w.DeadlineDate,
	}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

// CanConclude reports whether the completion gate is satisfied and how many
// activities still block it. Read-only; Conclude re-checks inside its own
// transaction.
func (e Engine) CanConclude(ctx context.Context, workItemID string) (bool, int, error) {
	if _, err := e.Repo.GetWorkItem(ctx, workItemID); err != nil {
		return false, 0, err
	}
	acts, err := e.Repo.ListActivities(ctx, workItemID)
	if err != nil {
		return false, 0, err
	}
	pending := 0
	for _, a := range acts {
		if !a.Resolved() {
			pending++
		}
	}
	return pending == 0, pending, nil
}

// Conclude closes a work item once every activity is completed or cancelled.
// The gate re-counts pending activities inside the same transaction as the
// status flip so it decides on a consistent snapshot.
func (e Engine) Conclude(ctx context.Context, workItemID, actorID string) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkItemTx(ctx, tx, workItemID)
	if err != nil {
		return w, err
	}
	if w.Status != domain.StatusOpen {
		return w, fault.StateConflictError{EntityID: w.ID, Expected: domain.StatusOpen, Actual: w.Status}
	}
	pending, err := e.Repo.CountPendingActivitiesTx(ctx, tx, w.ID)
	if err != nil {
		return w, err
	}
	if pending > 0 {
		return w, fault.PendingActivitiesError{Count: pending}
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	w.Status = domain.StatusConcluded
	w.ConcludedAt = &nowStr
	w.ConcludedBy = &actorID
	w.UpdatedAt = nowStr
	if err := e.commitStatus(ctx, tx, w, domain.StatusOpen); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, "work_item.concluded", w.ID, "work_item", w.ID, actorID, events.EventPayload{}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

// CancelWorkItem cancels an open work item regardless of its activities'
// states. Child activities are left untouched.
func (e Engine) CancelWorkItem(ctx context.Context, workItemID, actorID string) (domain.WorkItem, error) {
	return e.transitionWorkItem(ctx, workItemID, actorID, domain.StatusOpen, domain.StatusCancelled, "work_item.cancelled")
}

// ReopenWorkItem reverses a conclusion; an administrative action, not a
// routine transition.
func (e Engine) ReopenWorkItem(ctx context.Context, workItemID, actorID string) (domain.WorkItem, error) {
	return e.transitionWorkItem(ctx, workItemID, actorID, domain.StatusConcluded, domain.StatusOpen, "work_item.reopened")
}

// ReactivateWorkItem reverses a cancellation.
func (e Engine) ReactivateWorkItem(ctx context.Context, workItemID, actorID string) (domain.WorkItem, error) {
	return e.transitionWorkItem(ctx, workItemID, actorID, domain.StatusCancelled, domain.StatusOpen, "work_item.reactivated")
}

func (e Engine) transitionWorkItem(ctx context.Context, workItemID, actorID, from, to, evtType string) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkItemTx(ctx, tx, workItemID)
	if err != nil {
		return w, err
	}
	if w.Status != from {
		return w, fault.StateConflictError{EntityID: w.ID, Expected: from, Actual: w.Status}
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	w.Status = to
	w.UpdatedAt = nowStr
	switch to {
	case domain.StatusCancelled:
		w.CancelledAt = &nowStr
		w.CancelledBy = &actorID
	case domain.StatusOpen:
		w.ConcludedAt, w.ConcludedBy = nil, nil
		w.CancelledAt, w.CancelledBy = nil, nil
	}
	if err := e.commitStatus(ctx, tx, w, from); err != nil {
		return w, err
	}
	if err := e.Events.Append(ctx, tx, evtType, w.ID, "work_item", w.ID, actorID, events.EventPayload{"from": from, "to": to}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

// commitStatus performs the conditional status write and turns a missed
// update into the appropriate typed error.
func (e Engine) commitStatus(ctx context.Context, tx *sql.Tx, w domain.WorkItem, expected string) error {
	n, err := e.Repo.UpdateWorkItemStatus(ctx, tx, w, expected)
	if err != nil {
		return err
	}
	if n == 0 {
		cur, gerr := e.Repo.GetWorkItemTx(ctx, tx, w.ID)
		if errors.Is(gerr, repo.ErrNotFound) {
			return repo.ErrNotFound
		}
		if gerr != nil {
			return gerr
		}
		return fault.StateConflictError{EntityID: w.ID, Expected: expected, Actual: cur.Status}
	}
	return nil
}

// Classify derives the read-side urgency bucket for a work item. It is
// recomputed on every call and never stored.
func (e Engine) Classify(w domain.WorkItem) schedule.StatusBucket {
	deadline, err := schedule.ParseDate(w.DeadlineDate)
	if err != nil {
		return schedule.BucketOverdue
	}
	window := schedule.DefaultUpcomingWindowDays
	if e.Config != nil && e.Config.Status.UpcomingWindowDays > 0 {
		window = e.Config.Status.UpcomingWindowDays
	}
	return schedule.Classify(w.Status, deadline, e.now().UTC(), window)
}
