// Package scheduler arms one timer per recurring template and
// materializes a clone expense each time one fires. Firing goes
// through a compare-and-swap in storage, so a duplicate or stale
// timer writes nothing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"outlay/internal/amqp"
	"outlay/internal/core"
	"outlay/internal/notify"
	"outlay/internal/storage"
)

// fireTimeout bounds the storage and notification work of one firing.
const fireTimeout = 30 * time.Second

// Scheduler keeps at most one armed timer per recurring template. It
// is driven by recurrence events from the API process and by Recover
// at startup.
type Scheduler struct {
	storage  *storage.SQLiteRepository
	notifier notify.Dispatcher
	clock    Clock

	mu     sync.Mutex
	timers map[int64]Timer
	closed bool

	wg sync.WaitGroup
}

func NewScheduler(storage *storage.SQLiteRepository, notifier notify.Dispatcher, clock Clock) *Scheduler {
	if clock == nil {
		clock = NewClock()
	}
	return &Scheduler{
		storage:  storage,
		notifier: notifier,
		clock:    clock,
		timers:   map[int64]Timer{},
	}
}

// Schedule arms (or re-arms) the timer for the template. An overdue
// instant fires immediately.
func (s *Scheduler) Schedule(expenseID int64, firesAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if t, ok := s.timers[expenseID]; ok {
		t.Stop()
	}

	delay := firesAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.timers[expenseID] = s.clock.AfterFunc(delay, func() {
		s.fire(expenseID, firesAt)
	})

	slog.Info("Recurrence armed", "id", expenseID, "fires_at", firesAt, "delay", delay)
}

// Cancel disarms the template's timer if one is armed.
func (s *Scheduler) Cancel(expenseID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[expenseID]; ok {
		t.Stop()
		delete(s.timers, expenseID)
		slog.Info("Recurrence cancelled", "id", expenseID)
	}
}

// Recover arms a timer for every pending job in storage. Called at
// startup so templates survive process restarts; overdue jobs fire
// right away.
func (s *Scheduler) Recover(ctx context.Context) error {
	jobs, err := s.storage.PendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}

	for _, job := range jobs {
		s.Schedule(job.ExpenseID, job.FiresAt)
	}

	slog.InfoContext(ctx, "Recurrence recovery completed", "jobs", len(jobs))
	return nil
}

// HandleEvent applies one recurrence event from the API process. The
// job table stays authoritative: a schedule event re-reads the stored
// instant instead of trusting the message payload.
func (s *Scheduler) HandleEvent(ctx context.Context, ev *amqp.RecurrenceEvent) error {
	switch ev.Kind {
	case amqp.KindSchedule:
		s.armFromStorage(ctx, ev.ExpenseID)
		return nil
	case amqp.KindCancel:
		s.Cancel(ev.ExpenseID)
		return nil
	default:
		return fmt.Errorf("unknown recurrence event kind %q", ev.Kind)
	}
}

// Close disarms every timer and waits for in-flight firings.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) armFromStorage(ctx context.Context, expenseID int64) {
	job, err := s.storage.JobByExpense(ctx, expenseID)
	if errors.Is(err, core.ErrNotFound) {
		// The template changed again before the event arrived.
		s.Cancel(expenseID)
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load recurrence job", "id", expenseID, "error", err)
		return
	}
	s.Schedule(job.ExpenseID, job.FiresAt)
}

// fire materializes one occurrence. The compare-and-swap in storage
// decides whether this timer still speaks for the template; a stale
// timer gets core.ErrSuperseded and stands down, the fresher state
// has already armed its own timer.
func (s *Scheduler) fire(expenseID int64, firesAt time.Time) {
	// Register with the waitgroup under the lock so Close either sees
	// this firing and waits for it, or has already closed and we stand
	// down before touching storage.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	next := core.NextMonthly(firesAt)
	firedAt := s.clock.Now().UTC()

	clone, err := s.storage.AdvanceOccurrence(ctx, expenseID, firesAt, next, firedAt)
	switch {
	case errors.Is(err, core.ErrSuperseded):
		slog.InfoContext(ctx, "Recurrence firing superseded", "id", expenseID, "fires_at", firesAt)
		return
	case errors.Is(err, core.ErrNotFound):
		slog.InfoContext(ctx, "Recurring template gone, dropping timer", "id", expenseID)
		s.Cancel(expenseID)
		return
	case err != nil:
		slog.ErrorContext(ctx, "Failed to materialize recurrence",
			"id", expenseID, "fires_at", firesAt, "error", err)
		return
	}

	slog.InfoContext(ctx, "Recurrence materialized",
		"template_id", expenseID, "clone_id", clone.ID, "next", next)

	s.Schedule(expenseID, next)
	s.notifyOwner(ctx, clone)
}

func (s *Scheduler) notifyOwner(ctx context.Context, clone core.Expense) {
	if s.notifier == nil {
		return
	}

	owner, err := s.storage.UserByID(ctx, clone.OwnerID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load owner for notification",
			"owner_id", clone.OwnerID, "error", err)
		return
	}

	if err := s.notifier.Dispatch(ctx, owner, clone); err != nil {
		slog.ErrorContext(ctx, "Failed to dispatch notification",
			"owner_id", owner.ID, "expense_id", clone.ID, "error", err)
	}
}
