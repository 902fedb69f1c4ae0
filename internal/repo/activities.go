package repo

import (
	"context"
	"database/sql"

	"dutyline/internal/domain"
)

const activityColumns = `id,work_item_id,ordinal,kind,label,cancellation_policy,state,attachment_count,receipt,completed_at,completed_by,cancelled_at,cancelled_by,justification,created_at,updated_at`

func scanActivity(scan func(dest ...any) error) (domain.Activity, error) {
	var a domain.Activity
	var receipt, completedAt, completedBy, cancelledAt, cancelledBy, justification sql.NullString
	err := scan(&a.ID, &a.WorkItemID, &a.Ordinal, &a.Kind, &a.Label, &a.CancellationPolicy, &a.State,
		&a.AttachmentCount, &receipt, &completedAt, &completedBy, &cancelledAt, &cancelledBy, &justification,
		&a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if receipt.Valid {
		a.Receipt = &receipt.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	if completedBy.Valid {
		a.CompletedBy = &completedBy.String
	}
	if cancelledAt.Valid {
		a.CancelledAt = &cancelledAt.String
	}
	if cancelledBy.Valid {
		a.CancelledBy = &cancelledBy.String
	}
	if justification.Valid {
		a.Justification = &justification.String
	}
	return a, nil
}

func (r Repo) InsertActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activities(`+activityColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkItemID, a.Ordinal, a.Kind, a.Label, a.CancellationPolicy, a.State,
		a.AttachmentCount, nullableStringPtr(a.Receipt),
		nullableStringPtr(a.CompletedAt), nullableStringPtr(a.CompletedBy),
		nullableStringPtr(a.CancelledAt), nullableStringPtr(a.CancelledBy),
		nullableStringPtr(a.Justification), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id)
	return scanActivity(row.Scan)
}

func (r Repo) GetActivityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Activity, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id)
	return scanActivity(row.Scan)
}

// ListActivities returns a work item's activities in ordinal order.
func (r Repo) ListActivities(ctx context.Context, workItemID string) ([]domain.Activity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE work_item_id=? ORDER BY ordinal ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateActivityState performs the conditional check-then-set for a single
// activity transition: the row is rewritten only if its stored state still
// matches expectedState. A zero row count means a concurrent transition won
// the race (or the row is gone) and the caller must map that to a conflict.
func (r Repo) UpdateActivityState(ctx context.Context, tx *sql.Tx, a domain.Activity, expectedState string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE activities SET state=?, receipt=?, completed_at=?, completed_by=?, cancelled_at=?, cancelled_by=?, justification=?, updated_at=? WHERE id=? AND state=?`,
		a.State, nullableStringPtr(a.Receipt),
		nullableStringPtr(a.CompletedAt), nullableStringPtr(a.CompletedBy),
		nullableStringPtr(a.CancelledAt), nullableStringPtr(a.CancelledBy),
		nullableStringPtr(a.Justification), a.UpdatedAt, a.ID, expectedState)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateAttachmentCount stores the collaborator-reported count. It never
// touches the state column.
func (r Repo) UpdateAttachmentCount(ctx context.Context, tx *sql.Tx, id string, count int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE activities SET attachment_count=?, updated_at=? WHERE id=?`, count, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MaxOrdinalTx returns the highest ordinal in use for a work item, zero when
// it has no activities yet.
func (r Repo) MaxOrdinalTx(ctx context.Context, tx *sql.Tx, workItemID string) (int, error) {
	var max int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal),0) FROM activities WHERE work_item_id=?`, workItemID).Scan(&max)
	return max, err
}

// ActivityAtOrdinalTx returns the activity occupying an ordinal slot.
func (r Repo) ActivityAtOrdinalTx(ctx context.Context, tx *sql.Tx, workItemID string, ordinal int) (domain.Activity, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE work_item_id=? AND ordinal=?`, workItemID, ordinal)
	return scanActivity(row.Scan)
}

// SwapOrdinalsTx exchanges the ordinals of two sibling activities. The
// UNIQUE(work_item_id, ordinal) constraint forces a three-step swap through
// a parking slot.
func (r Repo) SwapOrdinalsTx(ctx context.Context, tx *sql.Tx, a, b domain.Activity, updatedAt string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE activities SET ordinal=-1 WHERE id=?`, a.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE activities SET ordinal=?, updated_at=? WHERE id=?`, a.Ordinal, updatedAt, b.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE activities SET ordinal=?, updated_at=? WHERE id=?`, b.Ordinal, updatedAt, a.ID); err != nil {
		return err
	}
	return nil
}
