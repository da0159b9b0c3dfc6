package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"outlay/internal/core"
)

// Job is a pending recurrence firing: one per recurring template.
type Job struct {
	ExpenseID int64
	OwnerID   int64
	FiresAt   time.Time
}

// AdvanceOccurrence materializes one firing of a recurring template in
// a single transaction: a compare-and-swap moves next_occurrence from
// prev to next, a clone dated firedAt is inserted, and the job row is
// chained to the next instant. When the swap affects no rows the
// template was updated, deleted, or already fired for this instant;
// the caller gets core.ErrSuperseded and nothing is written. This is
// what makes firing exactly-once per scheduled instant.
func (r *SQLiteRepository) AdvanceOccurrence(ctx context.Context, expenseID int64, prev, next, firedAt time.Time) (core.Expense, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Expense{}, fmt.Errorf("begin advance occurrence: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE expenses SET next_occurrence = ? WHERE id = ? AND recurring = 1 AND next_occurrence = ?`,
		next.Unix(), expenseID, prev.Unix(),
	)
	if err != nil {
		return core.Expense{}, fmt.Errorf("swap next occurrence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Expense{}, fmt.Errorf("swap rows: %w", err)
	}
	if n == 0 {
		return core.Expense{}, core.ErrSuperseded
	}

	// Snapshot the template after the swap; the clone is built from an
	// independent copy, never from shared mutable state.
	template, err := scanExpense(tx.QueryRowContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE id = ?`, expenseID))
	if err != nil {
		return core.Expense{}, fmt.Errorf("read template: %w", err)
	}

	cloneNext := next
	cloneRes, err := tx.ExecContext(ctx,
		`INSERT INTO expenses (owner_id, title, amount_cents, category, date, tags, note, attachment, currency, recurring, next_occurrence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		template.OwnerID, template.Title, template.Amount.Cents, template.Category,
		firedAt.Unix(), joinTags(template.Tags), template.Note, template.Attachment,
		template.Currency, template.Recurring, cloneNext.Unix(),
	)
	if err != nil {
		return core.Expense{}, fmt.Errorf("insert clone: %w", err)
	}
	cloneID, err := cloneRes.LastInsertId()
	if err != nil {
		return core.Expense{}, fmt.Errorf("clone insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE recurrence_jobs SET fires_at = ? WHERE expense_id = ?`,
		next.Unix(), expenseID,
	); err != nil {
		return core.Expense{}, fmt.Errorf("chain recurrence job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.Expense{}, fmt.Errorf("commit advance occurrence: %w", err)
	}

	clone := template
	clone.ID = cloneID
	clone.Date = firedAt.UTC()
	clone.NextOccurrence = &cloneNext
	return clone, nil
}

// JobByExpense returns the pending job for a template, if any.
func (r *SQLiteRepository) JobByExpense(ctx context.Context, expenseID int64) (Job, error) {
	var (
		j     Job
		fires int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT expense_id, owner_id, fires_at FROM recurrence_jobs WHERE expense_id = ?`, expenseID,
	).Scan(&j.ExpenseID, &j.OwnerID, &fires)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, core.ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("job by expense: %w", err)
	}
	j.FiresAt = time.Unix(fires, 0).UTC()
	return j, nil
}

// PendingJobs lists every registered job, soonest first. Used on
// startup to rebuild in-process timers.
func (r *SQLiteRepository) PendingJobs(ctx context.Context) ([]Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT expense_id, owner_id, fires_at FROM recurrence_jobs ORDER BY fires_at`)
	if err != nil {
		return nil, fmt.Errorf("pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j     Job
			fires int64
		)
		if err := rows.Scan(&j.ExpenseID, &j.OwnerID, &fires); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.FiresAt = time.Unix(fires, 0).UTC()
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
