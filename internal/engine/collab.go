package engine

import (
	"context"
	"fmt"

	"dutyline/internal/collab"
	"dutyline/internal/domain"
	"dutyline/internal/engine/fault"
)

// Collaborator-driven flows. Each one calls the external service first and
// touches the state machine only after that call reported success, so the
// engine never waits on external I/O inside a transaction.

// SendActivityEmail delivers the message through the sender and, on success,
// completes the send_email activity for the actor.
func (e Engine) SendActivityEmail(ctx context.Context, activityID, actorID string, sender collab.EmailSender, msg collab.Message) (domain.Activity, error) {
	a, err := e.Repo.GetActivity(ctx, activityID)
	if err != nil {
		return a, err
	}
	if a.Kind != domain.KindSendEmail {
		return a, fault.UnsupportedTransitionError{Kind: a.Kind, Op: "email send"}
	}
	if a.State != domain.StatePending {
		return a, fault.StateConflictError{EntityID: a.ID, Expected: domain.StatePending, Actual: a.State}
	}
	if len(msg.To) == 0 {
		return a, fault.ValidationError{Msg: "email recipient required"}
	}
	if err := sender.Send(ctx, msg); err != nil {
		return a, fmt.Errorf("send email: %w", err)
	}
	return e.completeExternal(ctx, a.ID, actorID, nil)
}

// RunPdfValidation asks the external layout validator about the document and
// completes the activity when it reports the layout as processed.
func (e Engine) RunPdfValidation(ctx context.Context, activityID, actorID string, validator collab.PdfLayoutValidator, clientID, period, obligationName string) (domain.Activity, error) {
	a, err := e.Repo.GetActivity(ctx, activityID)
	if err != nil {
		return a, err
	}
	if a.Kind != domain.KindPdfLayoutValidation {
		return a, fault.UnsupportedTransitionError{Kind: a.Kind, Op: "pdf validation"}
	}
	if a.State != domain.StatePending {
		return a, fault.StateConflictError{EntityID: a.ID, Expected: domain.StatePending, Actual: a.State}
	}
	processed, receipt, err := validator.Validate(ctx, clientID, period, obligationName)
	if err != nil {
		return a, fmt.Errorf("validate pdf layout: %w", err)
	}
	if !processed {
		return a, fault.PreconditionFailedError{Msg: "pdf layout not processed by validator"}
	}
	return e.completeExternal(ctx, a.ID, actorID, &receipt)
}

// RunThirdPartyMatch searches the external bookkeeping portal and completes
// the activity when a match is found.
func (e Engine) RunThirdPartyMatch(ctx context.Context, activityID, actorID string, matcher collab.ThirdPartyMatcher, clientID, activityHint string) (domain.Activity, error) {
	a, err := e.Repo.GetActivity(ctx, activityID)
	if err != nil {
		return a, err
	}
	if a.Kind != domain.KindThirdPartyMatch {
		return a, fault.UnsupportedTransitionError{Kind: a.Kind, Op: "third-party match"}
	}
	if a.State != domain.StatePending {
		return a, fault.StateConflictError{EntityID: a.ID, Expected: domain.StatePending, Actual: a.State}
	}
	matchFound, receipt, err := matcher.Search(ctx, clientID, activityHint)
	if err != nil {
		return a, fmt.Errorf("third-party search: %w", err)
	}
	if !matchFound {
		return a, fault.PreconditionFailedError{Msg: "no match found in third-party portal"}
	}
	return e.completeExternal(ctx, a.ID, actorID, &receipt)
}

// RefreshAttachmentCount pulls the current count from the attachment store
// and records it through SetAttachmentCount.
func (e Engine) RefreshAttachmentCount(ctx context.Context, activityID, actorID string, store collab.AttachmentStore) (domain.Activity, error) {
	count, err := store.Count(ctx, activityID)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("attachment count: %w", err)
	}
	return e.SetAttachmentCount(ctx, activityID, count, actorID)
}

// completeExternal re-reads and completes inside its own transaction; the
// pre-checks above were advisory, this is the atomic check-then-set.
func (e Engine) completeExternal(ctx context.Context, activityID, actorID string, receipt *string) (domain.Activity, error) {
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
	a, err = e.completeTx(ctx, tx, a, actorID, receipt)
	if err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}
