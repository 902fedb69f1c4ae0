package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dutyline/internal/config"
	"dutyline/internal/db"
	"dutyline/internal/domain"
	"dutyline/internal/engine"
	"dutyline/internal/engine/fault"
	"dutyline/internal/migrate"
	"dutyline/internal/schedule"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func refDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := schedule.ParseDate(s)
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	return d
}

func createItem(t *testing.T, env testEnv, opts engine.WorkItemCreateOptions) domain.WorkItem {
	t.Helper()
	if opts.Title == "" {
		opts.Title = "Monthly VAT filing"
	}
	if opts.ReferenceDate.IsZero() {
		opts.ReferenceDate = refDate(t, "2024-01-10")
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	w, err := env.Engine.CreateWorkItem(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create work item: %v", err)
	}
	return w
}

func addActivity(t *testing.T, env testEnv, workItemID, kind, policy string) domain.Activity {
	t.Helper()
	a, err := env.Engine.AddActivity(env.Ctx, engine.ActivityCreateOptions{
		WorkItemID:         workItemID,
		Kind:               kind,
		Label:              kind + " step",
		CancellationPolicy: policy,
		ActorID:            "tester",
	})
	if err != nil {
		t.Fatalf("add activity: %v", err)
	}
	return a
}

func TestCreateWorkItemDerivesDates(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{
		ReferenceDate:  refDate(t, "2024-01-10"),
		DaysToTarget:   3,
		DaysToDeadline: 5,
		DayCountMode:   "business",
	})
	if w.TargetDate != "2024-01-15" {
		t.Fatalf("target: expected 2024-01-15, got %s", w.TargetDate)
	}
	if w.DeadlineDate != "2024-01-17" {
		t.Fatalf("deadline: expected 2024-01-17, got %s", w.DeadlineDate)
	}
	if w.Status != domain.StatusOpen {
		t.Fatalf("expected open, got %s", w.Status)
	}
}

func TestCreateWorkItemNegativeDayCount(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		Title:         "bad",
		ReferenceDate: refDate(t, "2024-01-10"),
		DaysToTarget:  -1,
		ActorID:       "tester",
	})
	var ve fault.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestRescheduleIdempotent(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{
		DaysToTarget:   3,
		DaysToDeadline: 5,
		DayCountMode:   "business",
	})
	opts := engine.RescheduleOptions{
		ID:             w.ID,
		ReferenceDate:  refDate(t, "2024-02-01"),
		DaysToTarget:   2,
		DaysToDeadline: 10,
		DayCountMode:   "calendar",
		ActorID:        "tester",
	}
	first, err := env.Engine.Reschedule(env.Ctx, opts)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	second, err := env.Engine.Reschedule(env.Ctx, opts)
	if err != nil {
		t.Fatalf("reschedule again: %v", err)
	}
	if first.TargetDate != second.TargetDate || first.DeadlineDate != second.DeadlineDate {
		t.Fatalf("expected stable dates, got %s/%s then %s/%s",
			first.TargetDate, first.DeadlineDate, second.TargetDate, second.DeadlineDate)
	}
	if second.TargetDate != "2024-02-03" || second.DeadlineDate != "2024-02-11" {
		t.Fatalf("unexpected dates %s/%s", second.TargetDate, second.DeadlineDate)
	}
}

func TestConcludeGate(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{})
	a1 := addActivity(t, env, w.ID, domain.KindChecklist, domain.CancelFree)
	a2 := addActivity(t, env, w.ID, domain.KindChecklist, domain.CancelFree)
	a3 := addActivity(t, env, w.ID, domain.KindChecklist, domain.CancelFree)

	for _, a := range []domain.Activity{a1, a2} {
		if _, err := env.Engine.CompleteActivity(env.Ctx, a.ID, "tester"); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	_, err := env.Engine.Conclude(env.Ctx, w.ID, "tester")
	var pe fault.PendingActivitiesError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PendingActivitiesError, got %v", err)
	}
	if pe.Count != 1 {
		t.Fatalf("expected 1 pending, got %d", pe.Count)
	}
	if _, err := env.Engine.CancelActivity(env.Ctx, a3.ID, "tester", ""); err != nil {
		t.Fatalf("cancel third: %v", err)
	}
	got, err := env.Engine.Conclude(env.Ctx, w.ID, "tester")
	if err != nil {
		t.Fatalf("conclude: %v", err)
	}
	if got.Status != domain.StatusConcluded || got.ConcludedAt == nil || got.ConcludedBy == nil {
		t.Fatalf("conclusion bookkeeping missing: %+v", got)
	}
}

func TestConcludeEmptyActivitySet(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{})
	got, err := env.Engine.Conclude(env.Ctx, w.ID, "tester")
	if err != nil {
		t.Fatalf("conclude: %v", err)
	}
	if got.Status != domain.StatusConcluded {
		t.Fatalf("expected concluded, got %s", got.Status)
	}
}

func TestConcludeTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{})
	if _, err := env.Engine.Conclude(env.Ctx, w.ID, "tester"); err != nil {
		t.Fatalf("conclude: %v", err)
	}
	_, err := env.Engine.Conclude(env.Ctx, w.ID, "tester")
	var sc fault.StateConflictError
	if !errors.As(err, &sc) {
		t.Fatalf("expected StateConflictError, got %v", err)
	}
}

func TestCancelWorkItemIgnoresGate(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{})
	a := addActivity(t, env, w.ID, domain.KindChecklist, domain.CancelFree)

	got, err := env.Engine.CancelWorkItem(env.Ctx, w.ID, "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.StatusCancelled || got.CancelledAt == nil {
		t.Fatalf("cancellation bookkeeping missing: %+v", got)
	}
	// Child activity is frozen, not altered.
	cur, err := env.Engine.Repo.GetActivity(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if cur.State != domain.StatePending {
		t.Fatalf("expected child still pending, got %s", cur.State)
	}
}

func TestWorkItemReopenAndReactivate(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{})
	if _, err := env.Engine.Conclude(env.Ctx, w.ID, "tester"); err != nil {
		t.Fatalf("conclude: %v", err)
	}
	got, err := env.Engine.ReopenWorkItem(env.Ctx, w.ID, "admin")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got.Status != domain.StatusOpen || got.ConcludedAt != nil || got.ConcludedBy != nil {
		t.Fatalf("reopen did not clear conclusion fields: %+v", got)
	}
	if _, err := env.Engine.CancelWorkItem(env.Ctx, w.ID, "tester"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err = env.Engine.ReactivateWorkItem(env.Ctx, w.ID, "admin")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if got.Status != domain.StatusOpen || got.CancelledAt != nil {
		t.Fatalf("reactivate did not clear cancellation fields: %+v", got)
	}
}

func TestCanConclude(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{})
	a := addActivity(t, env, w.ID, domain.KindChecklist, domain.CancelFree)
	ok, pending, err := env.Engine.CanConclude(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("can conclude: %v", err)
	}
	if ok || pending != 1 {
		t.Fatalf("expected blocked with 1 pending, got ok=%v pending=%d", ok, pending)
	}
	if _, err := env.Engine.CompleteActivity(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ok, pending, err = env.Engine.CanConclude(env.Ctx, w.ID)
	if err != nil || !ok || pending != 0 {
		t.Fatalf("expected satisfied gate, got ok=%v pending=%d err=%v", ok, pending, err)
	}
}

func TestClassify(t *testing.T) {
	env := newTestEnv(t)
	// Engine clock is 2024-01-08; deadline 5 calendar days out.
	w := createItem(t, env, engine.WorkItemCreateOptions{
		ReferenceDate:  refDate(t, "2024-01-08"),
		DaysToTarget:   2,
		DaysToDeadline: 5,
		DayCountMode:   "calendar",
	})
	if b := env.Engine.Classify(w); b != schedule.BucketUpcomingWindow {
		t.Fatalf("expected upcoming_window, got %s", b)
	}
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 13, 9, 0, 0, 0, time.UTC) }
	if b := env.Engine.Classify(w); b != schedule.BucketDueToday {
		t.Fatalf("expected due_today, got %s", b)
	}
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 14, 9, 0, 0, 0, time.UTC) }
	if b := env.Engine.Classify(w); b != schedule.BucketOverdue {
		t.Fatalf("expected overdue, got %s", b)
	}
	concluded := w
	concluded.Status = domain.StatusConcluded
	if b := env.Engine.Classify(concluded); b != schedule.BucketCompleted {
		t.Fatalf("expected completed, got %s", b)
	}
}
