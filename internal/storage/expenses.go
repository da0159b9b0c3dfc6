package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"outlay/internal/core"
)

const expenseColumns = `id, owner_id, title, amount_cents, category, date, tags, note, attachment, currency, recurring, next_occurrence`

// Filter narrows FilterExpenses. Start is inclusive; EndExclusive is
// the first instant past the range (callers pass end-date + 24h).
type Filter struct {
	Start        *time.Time
	EndExclusive *time.Time
	Category     string
}

func scanExpense(s interface{ Scan(...any) error }) (core.Expense, error) {
	var (
		e      core.Expense
		amount int64
		date   int64
		tags   string
		next   sql.NullInt64
	)
	err := s.Scan(&e.ID, &e.OwnerID, &e.Title, &amount, &e.Category, &date,
		&tags, &e.Note, &e.Attachment, &e.Currency, &e.Recurring, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Expense{}, core.ErrNotFound
	}
	if err != nil {
		return core.Expense{}, fmt.Errorf("scan expense: %w", err)
	}
	e.Amount = core.Money{Cents: amount}
	e.Date = time.Unix(date, 0).UTC()
	e.Tags = parseTags(tags)
	if next.Valid {
		t := time.Unix(next.Int64, 0).UTC()
		e.NextOccurrence = &t
	}
	return e, nil
}

func collectExpenses(rows *sql.Rows) ([]core.Expense, error) {
	defer rows.Close()
	var expenses []core.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// CreateExpense persists the record and, for recurring templates, its
// recurrence job in the same transaction. The job row exists only once
// the record is durable; a failed insert leaves nothing behind.
func (r *SQLiteRepository) CreateExpense(ctx context.Context, e core.Expense) (core.Expense, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Expense{}, fmt.Errorf("begin create expense: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO expenses (owner_id, title, amount_cents, category, date, tags, note, attachment, currency, recurring, next_occurrence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OwnerID, e.Title, e.Amount.Cents, e.Category, e.Date.Unix(), joinTags(e.Tags),
		e.Note, e.Attachment, e.Currency, e.Recurring, nullableUnix(e.NextOccurrence),
	)
	if err != nil {
		return core.Expense{}, fmt.Errorf("insert expense: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return core.Expense{}, fmt.Errorf("expense insert id: %w", err)
	}
	e.ID = id

	if e.Recurring {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recurrence_jobs (expense_id, owner_id, fires_at) VALUES (?, ?, ?)`,
			id, e.OwnerID, e.NextOccurrence.Unix(),
		); err != nil {
			return core.Expense{}, fmt.Errorf("insert recurrence job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return core.Expense{}, fmt.Errorf("commit create expense: %w", err)
	}
	return e, nil
}

// GetExpense reads a single record scoped to its owner. Foreign or
// absent records are indistinguishable: both read as core.ErrNotFound.
func (r *SQLiteRepository) GetExpense(ctx context.Context, ownerID, id int64) (core.Expense, error) {
	return scanExpense(r.db.QueryRowContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE id = ? AND owner_id = ?`, id, ownerID))
}

// UpdateExpense writes the full field set of e (owner scoped) and
// resynchronizes the recurrence job row in the same transaction.
func (r *SQLiteRepository) UpdateExpense(ctx context.Context, e core.Expense) (core.Expense, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Expense{}, fmt.Errorf("begin update expense: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE expenses SET title = ?, amount_cents = ?, category = ?, date = ?, tags = ?, note = ?, attachment = ?, currency = ?, recurring = ?, next_occurrence = ?
		 WHERE id = ? AND owner_id = ?`,
		e.Title, e.Amount.Cents, e.Category, e.Date.Unix(), joinTags(e.Tags), e.Note,
		e.Attachment, e.Currency, e.Recurring, nullableUnix(e.NextOccurrence),
		e.ID, e.OwnerID,
	)
	if err != nil {
		return core.Expense{}, fmt.Errorf("update expense: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Expense{}, fmt.Errorf("update expense rows: %w", err)
	}
	if n == 0 {
		return core.Expense{}, core.ErrNotFound
	}

	// One active job per template: drop and recreate on every write.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM recurrence_jobs WHERE expense_id = ?`, e.ID); err != nil {
		return core.Expense{}, fmt.Errorf("clear recurrence job: %w", err)
	}
	if e.Recurring {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recurrence_jobs (expense_id, owner_id, fires_at) VALUES (?, ?, ?)`,
			e.ID, e.OwnerID, e.NextOccurrence.Unix(),
		); err != nil {
			return core.Expense{}, fmt.Errorf("insert recurrence job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return core.Expense{}, fmt.Errorf("commit update expense: %w", err)
	}
	return e, nil
}

// DeleteExpense removes the record and any job row, returning the
// attachment key so the caller can release the blob.
func (r *SQLiteRepository) DeleteExpense(ctx context.Context, ownerID, id int64) (attachment string, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin delete expense: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`SELECT attachment FROM expenses WHERE id = ? AND owner_id = ?`, id, ownerID,
	).Scan(&attachment)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM recurrence_jobs WHERE expense_id = ?`, id); err != nil {
		return "", fmt.Errorf("delete recurrence job: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM expenses WHERE id = ? AND owner_id = ?`, id, ownerID); err != nil {
		return "", fmt.Errorf("delete expense: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit delete expense: %w", err)
	}
	return attachment, nil
}

// ListExpenses returns all owned records in insertion order.
func (r *SQLiteRepository) ListExpenses(ctx context.Context, ownerID int64) ([]core.Expense, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	return collectExpenses(rows)
}

// SearchExpenses matches text case-insensitively against title or note.
func (r *SQLiteRepository) SearchExpenses(ctx context.Context, ownerID int64, text string) ([]core.Expense, error) {
	pattern := "%" + strings.ToLower(text) + "%"
	query, args, err := sq.Select(strings.Split(expenseColumns, ", ")...).
		From("expenses").
		Where(sq.Eq{"owner_id": ownerID}).
		Where(sq.Or{
			sq.Like{"LOWER(title)": pattern},
			sq.Like{"LOWER(note)": pattern},
		}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build search query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search expenses: %w", err)
	}
	return collectExpenses(rows)
}

// FilterExpenses applies the provided predicates AND-ed together.
func (r *SQLiteRepository) FilterExpenses(ctx context.Context, ownerID int64, f Filter) ([]core.Expense, error) {
	builder := sq.Select(strings.Split(expenseColumns, ", ")...).
		From("expenses").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("id")

	// date is stored as unix seconds, so the bounds compare instants
	// regardless of the offset the input timestamps carried.
	if f.Start != nil {
		builder = builder.Where(sq.GtOrEq{"date": f.Start.Unix()})
	}
	if f.EndExclusive != nil {
		builder = builder.Where(sq.Lt{"date": f.EndExclusive.Unix()})
	}
	if f.Category != "" {
		builder = builder.Where(sq.Eq{"category": f.Category})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build filter query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("filter expenses: %w", err)
	}
	return collectExpenses(rows)
}

// ExpenseStats returns the total amount and record count for an owner.
func (r *SQLiteRepository) ExpenseStats(ctx context.Context, ownerID int64) (totalCents, count int64, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0), COUNT(*) FROM expenses WHERE owner_id = ?`, ownerID,
	).Scan(&totalCents, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("expense stats: %w", err)
	}
	return totalCents, count, nil
}
