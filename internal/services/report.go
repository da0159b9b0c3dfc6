package services

import (
	"context"
	"fmt"
	"strings"
)

// ReportFilename is the download name suggested for CSV exports.
const ReportFilename = "expenses-report.csv"

const reportHeader = "Title,Amount,Category,Date,Tags,Note,Currency\n"

// isoMillis matches the wire format of dates elsewhere in the API.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// ReportCSV exports all the owner's expenses as a CSV document. Free
// text fields are double-quoted with embedded quotes doubled; amount,
// date and currency are written raw. An absent note stays empty and
// unquoted.
func (s *ExpenseService) ReportCSV(ctx context.Context, ownerID int64) ([]byte, error) {
	expenses, err := s.storage.ListExpenses(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}

	var b strings.Builder
	b.WriteString(reportHeader)
	for _, e := range expenses {
		note := ""
		if e.Note != "" {
			note = quoteField(e.Note)
		}
		fmt.Fprintf(&b, "%s,%s,%s,%s,%s,%s,%s\n",
			quoteField(e.Title),
			e.Amount.String(),
			quoteField(e.Category),
			e.Date.UTC().Format(isoMillis),
			quoteField(strings.Join(e.Tags, "|")),
			note,
			e.Currency,
		)
	}
	return []byte(b.String()), nil
}

func quoteField(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
