package engine_test

import (
	"context"
	"errors"
	"testing"

	"dutyline/internal/collab"
	"dutyline/internal/domain"
	"dutyline/internal/engine"
	"dutyline/internal/engine/fault"
)

type fakeSender struct {
	sent []collab.Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg collab.Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

type fakeValidator struct {
	processed bool
	receipt   string
}

func (v fakeValidator) Validate(context.Context, string, string, string) (bool, string, error) {
	return v.processed, v.receipt, nil
}

type fakeMatcher struct {
	found   bool
	receipt string
}

func (m fakeMatcher) Search(context.Context, string, string) (bool, string, error) {
	return m.found, m.receipt, nil
}

type fakeStore struct {
	count int
}

func (s fakeStore) Count(context.Context, string) (int, error) {
	return s.count, nil
}

func TestSendActivityEmail(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{})
	a := addActivity(t, env, w.ID, domain.KindSendEmail, domain.CancelNotCancellable)

	sender := &fakeSender{}
	msg := collab.Message{To: []string{"client@example.com"}, Subject: "Filing receipt"}
	got, err := env.Engine.SendActivityEmail(env.Ctx, a.ID, "tester", sender, msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one delivery, got %d", len(sender.sent))
	}
}

func TestSendActivityEmailFailureLeavesPending(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{})
	a := addActivity(t, env, w.ID, domain.KindSendEmail, domain.CancelNotCancellable)

	sender := &fakeSender{err: errors.New("smtp unreachable")}
	msg := collab.Message{To: []string{"client@example.com"}}
	if _, err := env.Engine.SendActivityEmail(env.Ctx, a.ID, "tester", sender, msg); err == nil {
		t.Fatal("expected delivery error")
	}
	cur, err := env.Engine.Repo.GetActivity(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.State != domain.StatePending {
		t.Fatalf("failed delivery must leave activity pending, got %s", cur.State)
	}
}

func TestSendActivityEmailRequiresRecipient(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{})
	a := addActivity(t, env, w.ID, domain.KindSendEmail, domain.CancelNotCancellable)

	_, err := env.Engine.SendActivityEmail(env.Ctx, a.ID, "tester", &fakeSender{}, collab.Message{})
	var ve fault.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestRunPdfValidation(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{})
	a := addActivity(t, env, w.ID, domain.KindPdfLayoutValidation, domain.CancelNotCancellable)

	_, err := env.Engine.RunPdfValidation(env.Ctx, a.ID, "tester", fakeValidator{processed: false}, "c1", "2024-01", "VAT")
	var pf fault.PreconditionFailedError
	if !errors.As(err, &pf) {
		t.Fatalf("expected PreconditionFailedError, got %v", err)
	}

	got, err := env.Engine.RunPdfValidation(env.Ctx, a.ID, "tester", fakeValidator{processed: true, receipt: "proc-42"}, "c1", "2024-01", "VAT")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	if got.Receipt == nil || *got.Receipt != "proc-42" {
		t.Fatalf("receipt not stored: %+v", got.Receipt)
	}
}

func TestRunThirdPartyMatch(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{})
	a := addActivity(t, env, w.ID, domain.KindThirdPartyMatch, domain.CancelNotCancellable)

	_, err := env.Engine.RunThirdPartyMatch(env.Ctx, a.ID, "tester", fakeMatcher{found: false}, "c1", "January ledger")
	var pf fault.PreconditionFailedError
	if !errors.As(err, &pf) {
		t.Fatalf("expected PreconditionFailedError, got %v", err)
	}

	got, err := env.Engine.RunThirdPartyMatch(env.Ctx, a.ID, "tester", fakeMatcher{found: true, receipt: "match-7"}, "c1", "January ledger")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if got.Receipt == nil || *got.Receipt != "match-7" {
		t.Fatalf("receipt not stored: %+v", got.Receipt)
	}

	// A confirmed match is not reopenable.
	_, err = env.Engine.ReopenActivity(env.Ctx, a.ID, "tester")
	var ut fault.UnsupportedTransitionError
	if !errors.As(err, &ut) {
		t.Fatalf("expected UnsupportedTransitionError, got %v", err)
	}
}

func TestCollabFlowRejectsWrongKind(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{})
	a := addActivity(t, env, w.ID, domain.KindChecklist, domain.CancelFree)

	var ut fault.UnsupportedTransitionError
	if _, err := env.Engine.SendActivityEmail(env.Ctx, a.ID, "tester", &fakeSender{}, collab.Message{To: []string{"x@example.com"}}); !errors.As(err, &ut) {
		t.Fatalf("email: expected UnsupportedTransitionError, got %v", err)
	}
	if _, err := env.Engine.RunPdfValidation(env.Ctx, a.ID, "tester", fakeValidator{processed: true}, "c1", "p", "o"); !errors.As(err, &ut) {
		t.Fatalf("pdf: expected UnsupportedTransitionError, got %v", err)
	}
	if _, err := env.Engine.RunThirdPartyMatch(env.Ctx, a.ID, "tester", fakeMatcher{found: true}, "c1", "h"); !errors.As(err, &ut) {
		t.Fatalf("match: expected UnsupportedTransitionError, got %v", err)
	}
}

func TestRefreshAttachmentCount(t *testing.T) {
	env := newTestEnv(t)
	w := createItem(t, env, engine.WorkItemCreateOptions{})
	a := addActivity(t, env, w.ID, domain.KindAttachment, domain.CancelFree)

	got, err := env.Engine.RefreshAttachmentCount(env.Ctx, a.ID, "tester", fakeStore{count: 3})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.AttachmentCount != 3 {
		t.Fatalf("expected count 3, got %d", got.AttachmentCount)
	}
}
