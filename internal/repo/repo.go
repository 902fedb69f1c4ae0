package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"dutyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const workItemColumns = `id,kind,title,status,reference_date,target_date,deadline_date,days_to_target,days_to_deadline,day_count_mode,concluded_at,concluded_by,cancelled_at,cancelled_by,created_at,updated_at`

func scanWorkItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var w domain.WorkItem
	var concludedAt, concludedBy, cancelledAt, cancelledBy sql.NullString
	err := scan(&w.ID, &w.Kind, &w.Title, &w.Status, &w.ReferenceDate, &w.TargetDate, &w.DeadlineDate,
		&w.DaysToTarget, &w.DaysToDeadline, &w.DayCountMode,
		&concludedAt, &concludedBy, &cancelledAt, &cancelledBy, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if concludedAt.Valid {
		w.ConcludedAt = &concludedAt.String
	}
	if concludedBy.Valid {
		w.ConcludedBy = &concludedBy.String
	}
	if cancelledAt.Valid {
		w.CancelledAt = &cancelledAt.String
	}
	if cancelledBy.Valid {
		w.CancelledBy = &cancelledBy.String
	}
	return w, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Kind, w.Title, w.Status, w.ReferenceDate, w.TargetDate, w.DeadlineDate,
		w.DaysToTarget, w.DaysToDeadline, w.DayCountMode,
		nullableStringPtr(w.ConcludedAt), nullableStringPtr(w.ConcludedBy),
		nullableStringPtr(w.CancelledAt), nullableStringPtr(w.CancelledBy),
		w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id)
	return scanWorkItem(row.Scan)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id)
	return scanWorkItem(row.Scan)
}

type WorkItemFilters struct {
	Status          string
	Kind            string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// UpdateWorkItemStatus performs the conditional check-then-set for a parent
// status transition: the row is updated only if its stored status still
// matches expectedStatus. Returns the number of rows affected.
func (r Repo) UpdateWorkItemStatus(ctx context.Context, tx *sql.Tx, w domain.WorkItem, expectedStatus string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, concluded_at=?, concluded_by=?, cancelled_at=?, cancelled_by=?, updated_at=? WHERE id=? AND status=?`,
		w.Status,
		nullableStringPtr(w.ConcludedAt), nullableStringPtr(w.ConcludedBy),
		nullableStringPtr(w.CancelledAt), nullableStringPtr(w.CancelledBy),
		w.UpdatedAt, w.ID, expectedStatus)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateWorkItemSchedule rewrites the reference date, day counts and the two
// derived dates.
func (r Repo) UpdateWorkItemSchedule(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET reference_date=?, target_date=?, deadline_date=?, days_to_target=?, days_to_deadline=?, day_count_mode=?, updated_at=? WHERE id=?`,
		w.ReferenceDate, w.TargetDate, w.DeadlineDate, w.DaysToTarget, w.DaysToDeadline, w.DayCountMode, w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPendingActivitiesTx counts unresolved activities inside the caller's
// transaction, so the completion gate sees a consistent snapshot.
func (r Repo) CountPendingActivitiesTx(ctx context.Context, tx *sql.Tx, workItemID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM activities WHERE work_item_id=? AND state=?`, workItemID, domain.StatePending).Scan(&n)
	return n, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, workItemID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, workItemID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, workItemID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if workItemID != "" {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, workItemID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,work_item_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var workItem, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &workItem, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if workItem.Valid {
			e.WorkItemID = workItem.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
