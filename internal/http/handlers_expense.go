package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"outlay/internal/blob"
	"outlay/internal/core"
	"outlay/internal/services"
)

const dateLayout = "2006-01-02T15:04:05.000Z07:00"

// maxUploadBytes caps the whole create-expense request body: the
// attachment limit plus headroom for the other form fields. Anything
// larger is rejected before it is spooled to disk.
const maxUploadBytes = blob.MaxSize + 512*1024

type expenseJSON struct {
	ID             int64    `json:"id"`
	Title          string   `json:"title"`
	Amount         float64  `json:"amount"`
	Category       string   `json:"category,omitempty"`
	Date           string   `json:"date"`
	Tags           []string `json:"tags"`
	Note           string   `json:"note,omitempty"`
	Attachment     string   `json:"attachment,omitempty"`
	Currency       string   `json:"currency"`
	Recurring      bool     `json:"recurring"`
	NextOccurrence string   `json:"nextOccurrence,omitempty"`
}

func toExpenseJSON(e core.Expense) expenseJSON {
	out := expenseJSON{
		ID:         e.ID,
		Title:      e.Title,
		Amount:     e.Amount.Float(),
		Category:   e.Category,
		Date:       e.Date.UTC().Format(dateLayout),
		Tags:       e.Tags,
		Note:       e.Note,
		Attachment: e.Attachment,
		Currency:   e.Currency,
		Recurring:  e.Recurring,
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if e.NextOccurrence != nil {
		out.NextOccurrence = e.NextOccurrence.UTC().Format(dateLayout)
	}
	return out
}

func toExpenseList(expenses []core.Expense) []expenseJSON {
	out := make([]expenseJSON, 0, len(expenses))
	for _, e := range expenses {
		out = append(out, toExpenseJSON(e))
	}
	return out
}

type createRequest struct {
	Title          string      `json:"title"`
	Amount         json.Number `json:"amount"`
	Category       string      `json:"category"`
	Date           string      `json:"date"`
	Tags           string      `json:"tags"`
	Note           string      `json:"note"`
	Currency       string      `json:"currency"`
	Recurring      bool        `json:"recurring"`
	NextOccurrence string      `json:"nextOccurrence"`
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.expenses.List(r.Context(), userID(r))
	if err != nil {
		slog.ErrorContext(r.Context(), "List expenses failed", "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpenseList(expenses))
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	owner := userID(r)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	in, err := s.createInputFromRequest(r)
	if err != nil {
		if errors.Is(err, blob.ErrTooLarge) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.expenses.Create(r.Context(), owner, in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.invalidateOwner(owner)
	writeJSON(w, http.StatusOK, toExpenseJSON(created))
}

// createInputFromRequest accepts either a multipart form (the upload
// path) or a plain JSON body.
func (s *Server) createInputFromRequest(r *http.Request) (services.CreateInput, error) {
	var in services.CreateInput

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if r.ContentLength > maxUploadBytes {
			return in, blob.ErrTooLarge
		}
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return in, blob.ErrTooLarge
			}
			return in, fmt.Errorf("invalid multipart form")
		}

		in = services.CreateInput{
			Title:     sanitizeInput(r.FormValue("title")),
			Amount:    strings.TrimSpace(r.FormValue("amount")),
			Category:  sanitizeInput(r.FormValue("category")),
			Tags:      r.FormValue("tags"),
			Note:      sanitizeInput(r.FormValue("note")),
			Currency:  strings.TrimSpace(r.FormValue("currency")),
			Recurring: r.FormValue("recurring") == "true",
		}
		if v := r.FormValue("date"); v != "" {
			t, err := parseDate(v)
			if err != nil {
				return in, err
			}
			in.Date = &t
		}
		if v := r.FormValue("nextOccurrence"); v != "" {
			t, err := parseDate(v)
			if err != nil {
				return in, err
			}
			in.NextOccurrence = &t
		}
		if file, header, err := r.FormFile("attachment"); err == nil {
			in.Attachment = &services.Upload{Filename: header.Filename, Reader: file}
		}
		return in, nil
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return in, fmt.Errorf("invalid request body")
	}

	in = services.CreateInput{
		Title:     sanitizeInput(req.Title),
		Amount:    req.Amount.String(),
		Category:  sanitizeInput(req.Category),
		Tags:      req.Tags,
		Note:      sanitizeInput(req.Note),
		Currency:  strings.TrimSpace(req.Currency),
		Recurring: req.Recurring,
	}
	if req.Date != "" {
		t, err := parseDate(req.Date)
		if err != nil {
			return in, err
		}
		in.Date = &t
	}
	if req.NextOccurrence != "" {
		t, err := parseDate(req.NextOccurrence)
		if err != nil {
			return in, err
		}
		in.NextOccurrence = &t
	}
	return in, nil
}

type updateRequest struct {
	Title          *string      `json:"title"`
	Amount         *json.Number `json:"amount"`
	Category       *string      `json:"category"`
	Date           *string      `json:"date"`
	Tags           *string      `json:"tags"`
	Note           *string      `json:"note"`
	Currency       *string      `json:"currency"`
	Recurring      *bool        `json:"recurring"`
	NextOccurrence *string      `json:"nextOccurrence"`
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	owner := userID(r)
	id, err := expenseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expense id")
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	in := services.UpdateInput{
		Tags:      req.Tags,
		Recurring: req.Recurring,
	}
	if req.Title != nil {
		title := sanitizeInput(*req.Title)
		in.Title = &title
	}
	if req.Amount != nil {
		amount := req.Amount.String()
		in.Amount = &amount
	}
	if req.Category != nil {
		category := sanitizeInput(*req.Category)
		in.Category = &category
	}
	if req.Note != nil {
		note := sanitizeInput(*req.Note)
		in.Note = &note
	}
	if req.Currency != nil {
		currency := strings.TrimSpace(*req.Currency)
		in.Currency = &currency
	}
	if req.Date != nil {
		t, err := parseDate(*req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		in.Date = &t
	}
	if req.NextOccurrence != nil {
		t, err := parseDate(*req.NextOccurrence)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		in.NextOccurrence = &t
	}

	updated, err := s.expenses.Update(r.Context(), owner, id, in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.invalidateOwner(owner)
	writeJSON(w, http.StatusOK, toExpenseJSON(updated))
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	owner := userID(r)
	id, err := expenseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expense id")
		return
	}

	if err := s.expenses.Delete(r.Context(), owner, id); err != nil {
		writeDomainError(w, err)
		return
	}

	s.invalidateOwner(owner)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Expense deleted"})
}

func (s *Server) handleSearchExpenses(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	expenses, err := s.expenses.Search(r.Context(), userID(r), query)
	if err != nil {
		slog.ErrorContext(r.Context(), "Search expenses failed", "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpenseList(expenses))
}

func (s *Server) handleFilterExpenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var start, end *time.Time
	if v := q.Get("startDate"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		start = &t
	}
	if v := q.Get("endDate"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		end = &t
	}

	expenses, err := s.expenses.Filter(r.Context(), userID(r), start, end, q.Get("category"))
	if err != nil {
		slog.ErrorContext(r.Context(), "Filter expenses failed", "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpenseList(expenses))
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	owner := userID(r)
	key := strconv.FormatInt(owner, 10)

	csv, ok := s.reportCache.Get(key)
	if !ok {
		var err error
		csv, err = s.expenses.ReportCSV(r.Context(), owner)
		if err != nil {
			slog.ErrorContext(r.Context(), "Report generation failed", "error", err)
			writeDomainError(w, err)
			return
		}
		s.reportCache.Set(key, csv)
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+services.ReportFilename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(csv)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	owner := userID(r)
	key := strconv.FormatInt(owner, 10)

	average, ok := s.forecastCache.Get(key)
	if !ok {
		var err error
		average, err = s.expenses.Forecast(r.Context(), owner)
		if err != nil {
			slog.ErrorContext(r.Context(), "Forecast failed", "error", err)
			writeDomainError(w, err)
			return
		}
		s.forecastCache.Set(key, average)
	}

	writeJSON(w, http.StatusOK, map[string]float64{"average": average})
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	id, err := expenseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expense id")
		return
	}

	rc, key, err := s.expenses.OpenAttachment(r.Context(), userID(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(filepath.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

func expenseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}
