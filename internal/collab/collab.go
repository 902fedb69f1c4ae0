// Package collab declares the external collaborator contracts the engine
// consumes. Implementations live outside this service; the engine only ever
// sees their reported results, passed in explicitly.
package collab

import "context"

// Message is an outbound email handed to the EmailSender.
type Message struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// EmailSender delivers a message. The engine completes a send_email activity
// only after Send returns nil.
type EmailSender interface {
	Send(ctx context.Context, msg Message) error
}

// AttachmentStore holds activity attachments and reports their count. Count
// changes reach the engine through SetAttachmentCount.
type AttachmentStore interface {
	Count(ctx context.Context, activityID string) (int, error)
}

// PdfLayoutValidator checks a generated document layout with an external
// service. A true result carries a receipt the engine stores as completion
// evidence.
type PdfLayoutValidator interface {
	Validate(ctx context.Context, clientID, period, obligationName string) (processed bool, receipt string, err error)
}

// ThirdPartyMatcher looks up a matching record in an external bookkeeping
// portal.
type ThirdPartyMatcher interface {
	Search(ctx context.Context, clientID, activityHint string) (matchFound bool, receipt string, err error)
}
