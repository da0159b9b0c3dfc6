// Package services orchestrates the expense ledger across SQLite, the
// attachment store and the recurrence event stream.
package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"outlay/internal/core"
	"outlay/internal/storage"
)

// RecurrencePublisher emits schedule and cancel events for recurring
// templates. The scheduler worker consumes them on the other side.
type RecurrencePublisher interface {
	PublishSchedule(ctx context.Context, expenseID int64, firesAt time.Time) error
	PublishCancel(ctx context.Context, expenseID int64) error
}

// Attachments is the slice of the blob store the ledger needs.
type Attachments interface {
	Put(ctx context.Context, filename string, r io.Reader) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

// Upload carries an incoming attachment from the transport layer.
type Upload struct {
	Filename string
	Reader   io.Reader
}

// CreateInput holds the fields of a new expense as submitted by the
// client. Amount is the raw decimal string, tags the comma-joined form.
type CreateInput struct {
	Title          string
	Amount         string
	Category       string
	Date           *time.Time
	Tags           string
	Note           string
	Currency       string
	Recurring      bool
	NextOccurrence *time.Time
	Attachment     *Upload
}

// UpdateInput patches an existing expense. Nil fields are left as-is.
type UpdateInput struct {
	Title          *string
	Amount         *string
	Category       *string
	Date           *time.Time
	Tags           *string
	Note           *string
	Currency       *string
	Recurring      *bool
	NextOccurrence *time.Time
}

// ExpenseService orchestrates expense operations across SQLite, the
// attachment store and AMQP.
type ExpenseService struct {
	storage     *storage.SQLiteRepository
	attachments Attachments
	publisher   RecurrencePublisher
}

func NewExpenseService(storage *storage.SQLiteRepository, attachments Attachments, publisher RecurrencePublisher) *ExpenseService {
	return &ExpenseService{
		storage:     storage,
		attachments: attachments,
		publisher:   publisher,
	}
}

// Create validates and persists a new expense for the owner. The
// currency falls back to the owner's, the date to the current time.
// Recurring expenses get a schedule event; a publish failure is logged
// and does not fail the request.
func (s *ExpenseService) Create(ctx context.Context, ownerID int64, in CreateInput) (core.Expense, error) {
	owner, err := s.storage.UserByID(ctx, ownerID)
	if err != nil {
		return core.Expense{}, fmt.Errorf("load owner: %w", err)
	}

	amount, err := core.ParseAmount(in.Amount)
	if err != nil {
		return core.Expense{}, err
	}

	e := core.Expense{
		OwnerID:        ownerID,
		Title:          in.Title,
		Amount:         amount,
		Category:       in.Category,
		Date:           time.Now().UTC(),
		Tags:           core.SplitTags(in.Tags),
		Note:           in.Note,
		Currency:       owner.Currency,
		Recurring:      in.Recurring,
		NextOccurrence: in.NextOccurrence,
	}
	if in.Date != nil {
		e.Date = *in.Date
	}
	if in.Currency != "" {
		e.Currency = in.Currency
	}

	if err := e.Validate(); err != nil {
		return core.Expense{}, err
	}

	if in.Attachment != nil {
		key, err := s.attachments.Put(ctx, in.Attachment.Filename, in.Attachment.Reader)
		if err != nil {
			return core.Expense{}, fmt.Errorf("store attachment: %w", err)
		}
		e.Attachment = key
	}

	saved, err := s.storage.CreateExpense(ctx, e)
	if err != nil {
		s.releaseAttachment(ctx, e.Attachment)
		return core.Expense{}, fmt.Errorf("save expense: %w", err)
	}

	if saved.Recurring && saved.NextOccurrence != nil {
		s.publishSchedule(ctx, saved.ID, *saved.NextOccurrence)
	}

	return saved, nil
}

// Get returns the owner's expense or core.ErrNotFound.
func (s *ExpenseService) Get(ctx context.Context, ownerID, id int64) (core.Expense, error) {
	return s.storage.GetExpense(ctx, ownerID, id)
}

// Update applies the patch to the owner's expense. Changes to the
// recurrence fields re-synchronize the scheduler through events.
func (s *ExpenseService) Update(ctx context.Context, ownerID, id int64, in UpdateInput) (core.Expense, error) {
	e, err := s.storage.GetExpense(ctx, ownerID, id)
	if err != nil {
		return core.Expense{}, err
	}
	wasRecurring := e.Recurring
	prevNext := e.NextOccurrence

	if in.Title != nil {
		e.Title = *in.Title
	}
	if in.Amount != nil {
		amount, err := core.ParseAmount(*in.Amount)
		if err != nil {
			return core.Expense{}, err
		}
		e.Amount = amount
	}
	if in.Category != nil {
		e.Category = *in.Category
	}
	if in.Date != nil {
		e.Date = *in.Date
	}
	if in.Tags != nil {
		e.Tags = core.SplitTags(*in.Tags)
	}
	if in.Note != nil {
		e.Note = *in.Note
	}
	if in.Currency != nil {
		e.Currency = *in.Currency
	}
	if in.Recurring != nil {
		e.Recurring = *in.Recurring
	}
	if in.NextOccurrence != nil {
		e.NextOccurrence = in.NextOccurrence
	}
	if !e.Recurring {
		e.NextOccurrence = nil
	}

	if err := e.Validate(); err != nil {
		return core.Expense{}, err
	}

	updated, err := s.storage.UpdateExpense(ctx, e)
	if err != nil {
		return core.Expense{}, err
	}

	switch {
	case updated.Recurring && updated.NextOccurrence != nil:
		if !wasRecurring || prevNext == nil || !prevNext.Equal(*updated.NextOccurrence) {
			s.publishSchedule(ctx, updated.ID, *updated.NextOccurrence)
		}
	case wasRecurring:
		s.publishCancel(ctx, updated.ID)
	}

	return updated, nil
}

// Delete removes the owner's expense, cancels its recurrence and
// releases its attachment. Blob removal is best effort.
func (s *ExpenseService) Delete(ctx context.Context, ownerID, id int64) error {
	e, err := s.storage.GetExpense(ctx, ownerID, id)
	if err != nil {
		return err
	}

	attachment, err := s.storage.DeleteExpense(ctx, ownerID, id)
	if err != nil {
		return err
	}

	if e.Recurring {
		s.publishCancel(ctx, id)
	}
	s.releaseAttachment(ctx, attachment)

	return nil
}

// List returns all the owner's expenses in insertion order.
func (s *ExpenseService) List(ctx context.Context, ownerID int64) ([]core.Expense, error) {
	return s.storage.ListExpenses(ctx, ownerID)
}

// Search matches the text case-insensitively against titles and notes.
func (s *ExpenseService) Search(ctx context.Context, ownerID int64, text string) ([]core.Expense, error) {
	return s.storage.SearchExpenses(ctx, ownerID, text)
}

// Filter narrows the owner's expenses by date range and category. The
// end date is inclusive of the whole day.
func (s *ExpenseService) Filter(ctx context.Context, ownerID int64, start, end *time.Time, category string) ([]core.Expense, error) {
	f := storage.Filter{Start: start, Category: category}
	if end != nil {
		endExclusive := end.AddDate(0, 0, 1)
		f.EndExclusive = &endExclusive
	}
	return s.storage.FilterExpenses(ctx, ownerID, f)
}

// Forecast estimates the next expense as the arithmetic mean of the
// owner's recorded amounts, zero when there are none.
func (s *ExpenseService) Forecast(ctx context.Context, ownerID int64) (float64, error) {
	totalCents, count, err := s.storage.ExpenseStats(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	return float64(totalCents) / 100 / float64(count), nil
}

// OpenAttachment streams the attachment of the owner's expense. The
// returned key carries the original extension for content sniffing.
func (s *ExpenseService) OpenAttachment(ctx context.Context, ownerID, id int64) (io.ReadCloser, string, error) {
	e, err := s.storage.GetExpense(ctx, ownerID, id)
	if err != nil {
		return nil, "", err
	}
	if e.Attachment == "" {
		return nil, "", fmt.Errorf("expense %d has no attachment: %w", id, core.ErrNotFound)
	}
	rc, err := s.attachments.Open(ctx, e.Attachment)
	if err != nil {
		return nil, "", fmt.Errorf("open attachment: %w", err)
	}
	return rc, e.Attachment, nil
}

func (s *ExpenseService) publishSchedule(ctx context.Context, id int64, firesAt time.Time) {
	if s.publisher == nil {
		slog.WarnContext(ctx, "AMQP publisher not available, skipping schedule event", "id", id)
		return
	}
	if err := s.publisher.PublishSchedule(ctx, id, firesAt); err != nil {
		slog.ErrorContext(ctx, "Failed to publish schedule event",
			"id", id, "error", err)
	}
}

func (s *ExpenseService) publishCancel(ctx context.Context, id int64) {
	if s.publisher == nil {
		slog.WarnContext(ctx, "AMQP publisher not available, skipping cancel event", "id", id)
		return
	}
	if err := s.publisher.PublishCancel(ctx, id); err != nil {
		slog.ErrorContext(ctx, "Failed to publish cancel event",
			"id", id, "error", err)
	}
}

func (s *ExpenseService) releaseAttachment(ctx context.Context, key string) {
	if key == "" || s.attachments == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.attachments.Remove(rctx, key); err != nil {
		slog.ErrorContext(ctx, "Failed to remove attachment",
			"key", key, "error", err)
	}
}
