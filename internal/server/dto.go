package server

import (
	"encoding/json"

	"dutyline/internal/domain"
	"dutyline/internal/engine"
)

// Request payloads

type CreateWorkItemRequest struct {
	ID             *string `json:"id,omitempty"`
	Kind           string  `json:"kind,omitempty" enum:"task,obligation"`
	Title          string  `json:"title"`
	ReferenceDate  string  `json:"reference_date" format:"date"`
	DaysToTarget   int     `json:"days_to_target,omitempty"`
	DaysToDeadline int     `json:"days_to_deadline,omitempty"`
	DayCountMode   string  `json:"day_count_mode,omitempty" enum:"calendar,business"`
}

type RescheduleRequest struct {
	ReferenceDate  string  `json:"reference_date" format:"date"`
	DaysToTarget   *int    `json:"days_to_target,omitempty"`
	DaysToDeadline *int    `json:"days_to_deadline,omitempty"`
	DayCountMode   *string `json:"day_count_mode,omitempty" enum:"calendar,business"`
}

type CreateActivityRequest struct {
	Kind               string `json:"kind" enum:"checklist,send_email,attachment,pdf_layout_validation,third_party_match"`
	Label              string `json:"label"`
	CancellationPolicy string `json:"cancellation_policy,omitempty" enum:"not_cancellable,requires_justification,free"`
}

type CancelActivityRequest struct {
	Justification string `json:"justification,omitempty"`
}

type MoveActivityRequest struct {
	Direction string `json:"direction" enum:"up,down"`
}

type AttachmentCountRequest struct {
	Count int `json:"count"`
}

type SendEmailRequest struct {
	To      []string `json:"to"`
	Subject string   `json:"subject,omitempty"`
	Body    string   `json:"body,omitempty"`
}

// PdfValidationRequest is the collaborator callback reporting the layout
// check outcome for a pdf_layout_validation activity.
type PdfValidationRequest struct {
	ClientID       string `json:"client_id,omitempty"`
	Period         string `json:"period,omitempty"`
	ObligationName string `json:"obligation_name,omitempty"`
	Processed      bool   `json:"processed"`
	Receipt        string `json:"receipt,omitempty"`
}

// ThirdPartyMatchRequest is the collaborator callback reporting a portal
// search outcome for a third_party_match activity.
type ThirdPartyMatchRequest struct {
	ClientID     string `json:"client_id,omitempty"`
	ActivityHint string `json:"activity_hint,omitempty"`
	MatchFound   bool   `json:"match_found"`
	Receipt      string `json:"receipt,omitempty"`
}

type CreateKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type WorkItemResponse struct {
	ID             string  `json:"id"`
	Kind           string  `json:"kind" enum:"task,obligation"`
	Title          string  `json:"title"`
	Status         string  `json:"status" enum:"open,concluded,cancelled"`
	StatusBucket   string  `json:"status_bucket" enum:"completed,cancelled,scheduled_future,upcoming_window,due_today,overdue"`
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

type WorkItemDetailResponse struct {
	WorkItemResponse
	Activities      []ActivityResponse `json:"activities"`
	PendingCount    int                `json:"pending_count"`
	ReadyToConclude bool               `json:"ready_to_conclude"`
}

type ActivityResponse struct {
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

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type KeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type paginatedWorkItems struct {
	Items      []WorkItemResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func workItemResponse(e engine.Engine, w domain.WorkItem) WorkItemResponse {
	return WorkItemResponse{
		ID:             w.ID,
		Kind:           w.Kind,
		Title:          w.Title,
		Status:         w.Status,
		StatusBucket:   string(e.Classify(w)),
		ReferenceDate:  w.ReferenceDate,
		TargetDate:     w.TargetDate,
		DeadlineDate:   w.DeadlineDate,
		DaysToTarget:   w.DaysToTarget,
		DaysToDeadline: w.DaysToDeadline,
		DayCountMode:   w.DayCountMode,
		ConcludedAt:    w.ConcludedAt,
		ConcludedBy:    w.ConcludedBy,
		CancelledAt:    w.CancelledAt,
		CancelledBy:    w.CancelledBy,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
}

func activityResponse(a domain.Activity) ActivityResponse {
	return ActivityResponse(a)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		WorkItemID: e.WorkItemID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapWorkItems(e engine.Engine, items []domain.WorkItem) []WorkItemResponse {
	res := make([]WorkItemResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workItemResponse(e, w))
	}
	return res
}

func mapActivities(items []domain.Activity) []ActivityResponse {
	res := make([]ActivityResponse, 0, len(items))
	for _, a := range items {
		res = append(res, activityResponse(a))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
