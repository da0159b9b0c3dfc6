package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outlay/internal/auth"
	"outlay/internal/blob"
	"outlay/internal/services"
	"outlay/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "outlay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	store, err := blob.NewStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)

	authSvc := auth.NewService(repo, auth.NewTokenManager("test-secret", time.Hour))
	expSvc := services.NewExpenseService(repo, store, nil)

	srv := NewServer(":0", authSvc, expSvc, nil, Options{})
	t.Cleanup(srv.rateLimiter.stop)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	srv.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func registerUser(t *testing.T, srv *Server, username string) string {
	t.Helper()

	rec := doJSON(t, srv, http.MethodPost, "/register", "", map[string]string{
		"username": username,
		"password": "s3cret-pass",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])
	return resp["token"]
}

func decodeExpense(t *testing.T, rec *httptest.ResponseRecorder) expenseJSON {
	t.Helper()
	var e expenseJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestRegisterAndLogin(t *testing.T) {
	srv := newTestServer(t)

	token := registerUser(t, srv, "alice")
	assert.NotEmpty(t, token)

	// Duplicate registration is rejected.
	rec := doJSON(t, srv, http.MethodPost, "/register", "", map[string]string{
		"username": "alice", "password": "other",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Username already exists")

	// Valid login issues a token.
	rec = doJSON(t, srv, http.MethodPost, "/login", "", map[string]string{
		"username": "alice", "password": "s3cret-pass",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Wrong password does not reveal which part failed.
	rec = doJSON(t, srv, http.MethodPost, "/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid credentials")
}

func TestAuthMiddleware_MissingVersusInvalid(t *testing.T) {
	srv := newTestServer(t)

	// No token at all.
	rec := doJSON(t, srv, http.MethodGet, "/expenses", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage that is not even a JWT.
	rec = doJSON(t, srv, http.MethodGet, "/expenses", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A well-formed token signed with a foreign key.
	foreign := auth.NewTokenManager("other-secret", time.Hour)
	forged, err := foreign.Issue(1)
	require.NoError(t, err)
	rec = doJSON(t, srv, http.MethodGet, "/expenses", forged, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateAndListExpenses(t *testing.T) {
	srv := newTestServer(t)
	token := registerUser(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodPost, "/expenses", token, map[string]any{
		"title":    "coffee",
		"amount":   3.5,
		"category": "food",
		"tags":     "morning, drink",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	created := decodeExpense(t, rec)
	assert.Equal(t, "coffee", created.Title)
	assert.Equal(t, 3.5, created.Amount)
	assert.Equal(t, []string{"morning", "drink"}, created.Tags)
	assert.Equal(t, "USD", created.Currency)

	rec = doJSON(t, srv, http.MethodGet, "/expenses", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []expenseJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}

func TestCreateExpense_ValidationErrors(t *testing.T) {
	srv := newTestServer(t)
	token := registerUser(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodPost, "/expenses", token, map[string]any{
		"title": "", "amount": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/expenses", token, map[string]any{
		"title": "x", "amount": -5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Recurring without an occurrence instant.
	rec = doJSON(t, srv, http.MethodPost, "/expenses", token, map[string]any{
		"title": "rent", "amount": 800, "recurring": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateExpense_MultipartAttachment(t *testing.T) {
	srv := newTestServer(t)
	token := registerUser(t, srv, "alice")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "receipt"))
	require.NoError(t, mw.WriteField("amount", "10.00"))
	part, err := mw.CreateFormFile("attachment", "scan.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("pdf-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/expenses", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	created := decodeExpense(t, rec)
	require.NotEmpty(t, created.Attachment)

	// The attachment streams back under its expense.
	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/expenses/%d/attachment", created.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "pdf-bytes", string(body))
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
}

func TestCreateExpense_OversizedAttachmentRejected(t *testing.T) {
	srv := newTestServer(t)
	token := registerUser(t, srv, "alice")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "huge"))
	require.NoError(t, mw.WriteField("amount", "10.00"))
	part, err := mw.CreateFormFile("attachment", "huge.bin")
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte{0xAB}, blob.MaxSize+1024*1024))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/expenses", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Server.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())

	// Nothing was created.
	rec = doJSON(t, srv, http.MethodGet, "/expenses", token, nil)
	var list []expenseJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)
}

func TestUpdateAndDeleteExpense(t *testing.T) {
	srv := newTestServer(t)
	token := registerUser(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodPost, "/expenses", token, map[string]any{
		"title": "groceries", "amount": 42, "note": "weekly",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	created := decodeExpense(t, rec)

	rec = doJSON(t, srv, http.MethodPut, fmt.Sprintf("/expenses/%d", created.ID), token, map[string]any{
		"title": "groceries and more",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeExpense(t, rec)
	assert.Equal(t, "groceries and more", updated.Title)
	assert.Equal(t, float64(42), updated.Amount)
	assert.Equal(t, "weekly", updated.Note)

	rec = doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/expenses/%d", created.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Expense deleted")

	rec = doJSON(t, srv, http.MethodGet, "/expenses", token, nil)
	var list []expenseJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)
}

func TestOwnershipIsolation(t *testing.T) {
	srv := newTestServer(t)
	alice := registerUser(t, srv, "alice")
	bob := registerUser(t, srv, "bob")

	rec := doJSON(t, srv, http.MethodPost, "/expenses", alice, map[string]any{
		"title": "secret", "amount": 100,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	created := decodeExpense(t, rec)

	// Bob sees nothing, and mutating Alice's record reads as absent.
	rec = doJSON(t, srv, http.MethodGet, "/expenses", bob, nil)
	var list []expenseJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)

	rec = doJSON(t, srv, http.MethodPut, fmt.Sprintf("/expenses/%d", created.ID), bob, map[string]any{
		"title": "mine now",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, fmt.Sprintf("/expenses/%d", created.ID), bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchAndFilter(t *testing.T) {
	srv := newTestServer(t)
	token := registerUser(t, srv, "alice")

	for _, e := range []map[string]any{
		{"title": "Morning Coffee", "amount": 3, "category": "food", "date": "2024-03-10"},
		{"title": "Bus ticket", "amount": 2, "category": "transport", "date": "2024-03-11", "note": "coffee refund? no"},
		{"title": "Lunch", "amount": 12, "category": "food", "date": "2024-04-02"},
	} {
		rec := doJSON(t, srv, http.MethodPost, "/expenses", token, e)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := doJSON(t, srv, http.MethodGet, "/expenses/search?query=coffee", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []expenseJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2, "matches title and note, case-insensitive")

	rec = doJSON(t, srv, http.MethodGet, "/expenses/filter?startDate=2024-03-01&endDate=2024-03-31&category=food", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Morning Coffee", list[0].Title)
}

func TestReportAndForecast(t *testing.T) {
	srv := newTestServer(t)
	token := registerUser(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodPost, "/expenses", token, map[string]any{
		"title": `Say "hi"`, "amount": 12.34, "category": "misc",
		"date": "2024-01-02T03:04:05Z", "tags": "a,b", "currency": "EUR",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/report", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "expenses-report.csv")

	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Title,Amount,Category,Date,Tags,Note,Currency", lines[0])
	assert.Equal(t, `"Say ""hi""",12.34,"misc",2024-01-02T03:04:05.000Z,"a|b",,EUR`, lines[1])

	rec = doJSON(t, srv, http.MethodGet, "/expenses/forecast", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var forecast map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &forecast))
	assert.InDelta(t, 12.34, forecast["average"], 1e-9)

	// A mutation drops the cached report.
	rec = doJSON(t, srv, http.MethodPost, "/expenses", token, map[string]any{
		"title": "plain", "amount": 5, "date": "2024-01-03",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/report", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, strings.Count(rec.Body.String(), "\n"), "report reflects the new expense")
}

func TestRateLimiter(t *testing.T) {
	srv := newTestServer(t)
	srv.rateLimiter.stop()
	srv.rateLimiter = newRateLimiter(time.Minute, 3)
	t.Cleanup(srv.rateLimiter.stop)

	var last int
	for i := 0; i < 5; i++ {
		rec := doJSON(t, srv, http.MethodGet, "/expenses", "", nil)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestChangePassword(t *testing.T) {
	srv := newTestServer(t)
	token := registerUser(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodPut, "/password", token, map[string]string{
		"password": "brand-new-pass",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/login", "", map[string]string{
		"username": "alice", "password": "s3cret-pass",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/login", "", map[string]string{
		"username": "alice", "password": "brand-new-pass",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGoogleLoginDisabled(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/auth/google", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
