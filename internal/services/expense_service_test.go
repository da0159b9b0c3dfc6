package services

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outlay/internal/blob"
	"outlay/internal/core"
	"outlay/internal/storage"
)

type recordedEvent struct {
	kind      string
	expenseID int64
	firesAt   time.Time
}

type fakePublisher struct {
	events []recordedEvent
}

func (p *fakePublisher) PublishSchedule(_ context.Context, expenseID int64, firesAt time.Time) error {
	p.events = append(p.events, recordedEvent{kind: "schedule", expenseID: expenseID, firesAt: firesAt})
	return nil
}

func (p *fakePublisher) PublishCancel(_ context.Context, expenseID int64) error {
	p.events = append(p.events, recordedEvent{kind: "cancel", expenseID: expenseID})
	return nil
}

func newTestService(t *testing.T) (*ExpenseService, *storage.SQLiteRepository, *fakePublisher) {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "outlay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	store, err := blob.NewStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)

	pub := &fakePublisher{}
	return NewExpenseService(repo, store, pub), repo, pub
}

func newOwner(t *testing.T, repo *storage.SQLiteRepository, username string) core.User {
	t.Helper()
	u, err := repo.CreateUser(context.Background(), username, "hash")
	require.NoError(t, err)
	return u
}

func TestCreate_DefaultsFromOwner(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	owner := newOwner(t, repo, "alice")

	before := time.Now().UTC()
	e, err := svc.Create(ctx, owner.ID, CreateInput{
		Title:  "coffee",
		Amount: "3.5",
		Tags:   " morning, drink ,morning",
	})
	require.NoError(t, err)

	assert.Equal(t, "3.50", e.Amount.String())
	assert.Equal(t, owner.Currency, e.Currency)
	assert.Equal(t, []string{"morning", "drink"}, e.Tags)
	assert.False(t, e.Date.Before(before))
}

func TestCreate_ValidationRejected(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	owner := newOwner(t, repo, "alice")

	_, err := svc.Create(ctx, owner.ID, CreateInput{Title: "", Amount: "1.00"})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = svc.Create(ctx, owner.ID, CreateInput{Title: "x", Amount: "-1.00"})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = svc.Create(ctx, owner.ID, CreateInput{Title: "x", Amount: "1.00", Recurring: true})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestCreate_RecurringPublishesSchedule(t *testing.T) {
	svc, repo, pub := newTestService(t)
	ctx := context.Background()
	owner := newOwner(t, repo, "alice")

	next := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	e, err := svc.Create(ctx, owner.ID, CreateInput{
		Title:          "rent",
		Amount:         "800.00",
		Recurring:      true,
		NextOccurrence: &next,
	})
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, "schedule", pub.events[0].kind)
	assert.Equal(t, e.ID, pub.events[0].expenseID)
	assert.True(t, pub.events[0].firesAt.Equal(next))
}

func TestCreate_AttachmentStoredAndReadable(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	owner := newOwner(t, repo, "alice")

	e, err := svc.Create(ctx, owner.ID, CreateInput{
		Title:      "receipt",
		Amount:     "10.00",
		Attachment: &Upload{Filename: "scan.pdf", Reader: strings.NewReader("pdf-bytes")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, e.Attachment)
	assert.Equal(t, ".pdf", filepath.Ext(e.Attachment))

	rc, key, err := svc.OpenAttachment(ctx, owner.ID, e.ID)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, e.Attachment, key)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "pdf-bytes", string(data))
}

func TestUpdate_PatchesOnlyGivenFields(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	owner := newOwner(t, repo, "alice")

	e, err := svc.Create(ctx, owner.ID, CreateInput{
		Title:    "groceries",
		Amount:   "42.00",
		Category: "food",
		Note:     "weekly run",
	})
	require.NoError(t, err)

	title := "groceries and more"
	updated, err := svc.Update(ctx, owner.ID, e.ID, UpdateInput{Title: &title})
	require.NoError(t, err)

	assert.Equal(t, title, updated.Title)
	assert.Equal(t, "42.00", updated.Amount.String())
	assert.Equal(t, "food", updated.Category)
	assert.Equal(t, "weekly run", updated.Note)
}

func TestUpdate_RecurrenceTransitions(t *testing.T) {
	svc, repo, pub := newTestService(t)
	ctx := context.Background()
	owner := newOwner(t, repo, "alice")

	next := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	e, err := svc.Create(ctx, owner.ID, CreateInput{
		Title: "rent", Amount: "800.00", Recurring: true, NextOccurrence: &next,
	})
	require.NoError(t, err)
	pub.events = nil

	// Moving the occurrence re-schedules.
	later := next.Add(48 * time.Hour)
	_, err = svc.Update(ctx, owner.ID, e.ID, UpdateInput{NextOccurrence: &later})
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	assert.Equal(t, "schedule", pub.events[0].kind)
	assert.True(t, pub.events[0].firesAt.Equal(later))

	// An unrelated patch leaves the scheduler alone.
	pub.events = nil
	note := "due on the first"
	_, err = svc.Update(ctx, owner.ID, e.ID, UpdateInput{Note: &note})
	require.NoError(t, err)
	assert.Empty(t, pub.events)

	// Turning recurrence off cancels and drops the occurrence.
	pub.events = nil
	off := false
	updated, err := svc.Update(ctx, owner.ID, e.ID, UpdateInput{Recurring: &off})
	require.NoError(t, err)
	assert.Nil(t, updated.NextOccurrence)
	require.Len(t, pub.events, 1)
	assert.Equal(t, "cancel", pub.events[0].kind)
	assert.Equal(t, e.ID, pub.events[0].expenseID)
}

func TestUpdate_ForeignExpenseNotFound(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	owner := newOwner(t, repo, "alice")
	other := newOwner(t, repo, "bob")

	e, err := svc.Create(ctx, owner.ID, CreateInput{Title: "coffee", Amount: "3.00"})
	require.NoError(t, err)

	title := "stolen"
	_, err = svc.Update(ctx, other.ID, e.ID, UpdateInput{Title: &title})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDelete_CancelsRecurrenceAndReleasesAttachment(t *testing.T) {
	svc, repo, pub := newTestService(t)
	ctx := context.Background()
	owner := newOwner(t, repo, "alice")

	next := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	e, err := svc.Create(ctx, owner.ID, CreateInput{
		Title: "rent", Amount: "800.00", Recurring: true, NextOccurrence: &next,
		Attachment: &Upload{Filename: "lease.pdf", Reader: strings.NewReader("lease")},
	})
	require.NoError(t, err)
	pub.events = nil

	require.NoError(t, svc.Delete(ctx, owner.ID, e.ID))

	require.Len(t, pub.events, 1)
	assert.Equal(t, "cancel", pub.events[0].kind)

	_, err = svc.Get(ctx, owner.ID, e.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, _, err = svc.OpenAttachment(ctx, owner.ID, e.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestFilter_EndDateInclusive(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	owner := newOwner(t, repo, "alice")

	day := time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)
	_, err := svc.Create(ctx, owner.ID, CreateInput{Title: "lunch", Amount: "12.00", Date: &day})
	require.NoError(t, err)

	nextDay := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	_, err = svc.Create(ctx, owner.ID, CreateInput{Title: "breakfast", Amount: "6.00", Date: &nextDay})
	require.NoError(t, err)

	start := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	end := start
	got, err := svc.Filter(ctx, owner.ID, &start, &end, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "lunch", got[0].Title)
}

func TestForecast_MeanOfAmounts(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	owner := newOwner(t, repo, "alice")

	avg, err := svc.Forecast(ctx, owner.ID)
	require.NoError(t, err)
	assert.Zero(t, avg)

	for _, amount := range []string{"10.00", "20.00", "30.00"} {
		_, err := svc.Create(ctx, owner.ID, CreateInput{Title: "x", Amount: amount})
		require.NoError(t, err)
	}

	avg, err = svc.Forecast(ctx, owner.ID)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, avg, 1e-9)
}

func TestReportCSV_QuotingAndLayout(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	owner := newOwner(t, repo, "alice")

	date := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	_, err := svc.Create(ctx, owner.ID, CreateInput{
		Title:    `Say "hi"`,
		Amount:   "12.34",
		Category: "misc",
		Date:     &date,
		Tags:     "a,b",
		Note:     "with, comma",
		Currency: "EUR",
	})
	require.NoError(t, err)
	_, err = svc.Create(ctx, owner.ID, CreateInput{
		Title:  "plain",
		Amount: "5.00",
		Date:   &date,
	})
	require.NoError(t, err)

	out, err := svc.ReportCSV(ctx, owner.ID)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Title,Amount,Category,Date,Tags,Note,Currency", lines[0])
	assert.Equal(t, `"Say ""hi""",12.34,"misc",2024-01-02T03:04:05.000Z,"a|b","with, comma",EUR`, lines[1])
	assert.Equal(t, `"plain",5.00,"",2024-01-02T03:04:05.000Z,"",,`+owner.Currency, lines[2])
}
