package domain

// WorkItem is the parent unit of back-office work: a recurring task or
// compliance obligation that aggregates a checklist of typed activities.
type WorkItem struct {
	ID             string  `json:"id"`
	Kind           string  `json:"kind" enum:"task,obligation"`
	Title          string  `json:"title"`
	Status         string  `json:"status" enum:"open,concluded,cancelled"`
	ReferenceDate  string  `json:"reference_date" format:"date"`
	TargetDate     string  `json:"target_date" format:"date"`
	DeadlineDate   string  `json:"deadline_date" format:"date"`
	DaysToTarget   int     `json:"days_to_target"`
	DaysToDeadline int     `json:"days_to_deadline"`
	DayCountMode   string  `json:"day_count_mode" enum:"calendar,business"`
	ConcludedAt    *string `json:"concluded_at,omitempty" format:"date-time"`
	ConcludedBy    *string `json:"concluded_by,omitempty"`
	CancelledAt    *string `json:"cancelled_at,omitempty" format:"date-time"`
	CancelledBy    *string `json:"cancelled_by,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Activity is a single typed sub-step of a work item. Ordinals within one
// work item are a contiguous 1..N permutation.
type Activity struct {
	ID                 string  `json:"id"`
	WorkItemID         string  `json:"work_item_id"`
	Ordinal            int     `json:"ordinal"`
	Kind               string  `json:"kind" enum:"checklist,send_email,attachment,pdf_layout_validation,third_party_match"`
	Label              string  `json:"label"`
	CancellationPolicy string  `json:"cancellation_policy" enum:"not_cancellable,requires_justification,free"`
	State              string  `json:"state" enum:"pending,completed,cancelled"`
	AttachmentCount    int     `json:"attachment_count"`
	Receipt            *string `json:"receipt,omitempty"`
	CompletedAt        *string `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy        *string `json:"completed_by,omitempty"`
	CancelledAt        *string `json:"cancelled_at,omitempty" format:"date-time"`
	CancelledBy        *string `json:"cancelled_by,omitempty"`
	Justification      *string `json:"justification,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	WorkItemID string `json:"work_item_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Work item statuses.
const (
	StatusOpen      = "open"
	StatusConcluded = "concluded"
	StatusCancelled = "cancelled"
)

// Activity states.
const (
	StatePending   = "pending"
	StateCompleted = "completed"
	StateCancelled = "cancelled"
)

// Activity kinds.
const (
	KindChecklist           = "checklist"
	KindSendEmail           = "send_email"
	KindAttachment          = "attachment"
	KindPdfLayoutValidation = "pdf_layout_validation"
	KindThirdPartyMatch     = "third_party_match"
)

// Cancellation policies.
const (
	CancelNotCancellable        = "not_cancellable"
	CancelRequiresJustification = "requires_justification"
	CancelFree                  = "free"
)

// Kinds returns every activity kind, in declaration order.
func Kinds() []string {
	return []string{
		KindChecklist,
		KindSendEmail,
		KindAttachment,
		KindPdfLayoutValidation,
		KindThirdPartyMatch,
	}
}

// ValidKind reports whether k names a known activity kind.
func ValidKind(k string) bool {
	switch k {
	case KindChecklist, KindSendEmail, KindAttachment, KindPdfLayoutValidation, KindThirdPartyMatch:
		return true
	}
	return false
}

// ValidCancellationPolicy reports whether p names a known policy.
func ValidCancellationPolicy(p string) bool {
	switch p {
	case CancelNotCancellable, CancelRequiresJustification, CancelFree:
		return true
	}
	return false
}

// Resolved reports whether an activity no longer blocks its parent's
// conclusion.
func (a Activity) Resolved() bool {
	return a.State == StateCompleted || a.State == StateCancelled
}
