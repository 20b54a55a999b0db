package report

import (
	"strings"
	"time"
)

// DateFormat is the fixed end-date layout used in the sheet. Anything else is
// a parse failure, not an error surfaced to the caller.
const DateFormat = "2006/01/02"

// Column offsets within the read range (E..J in the production sheet).
const (
	colProjectID = 0
	colEndDate   = 5
)

// Row is one spreadsheet row as read. Rows may be ragged; cells beyond the
// slice length read as empty.
type Row []string

// Cell returns the cell at i, or "" when the row is shorter.
func (r Row) Cell(i int) string {
	if i < 0 || i >= len(r) {
		return ""
	}
	return strings.TrimSpace(r[i])
}

// ProjectID is the campaign identifier cell.
func (r Row) ProjectID() string { return r.Cell(colProjectID) }

// EndDate is the raw campaign end-date cell.
func (r Row) EndDate() string { return r.Cell(colEndDate) }

// Decision is the pre-filter outcome for one row. When Fetch is false,
// Status carries the exact skip tag so callers never re-derive it.
type Decision struct {
	Fetch  bool
	Status Status
}

// Evaluate runs the eligibility checks in order, first failing check wins:
// id present, end date present, end date parses, end date on or after the
// target date. Pure and deterministic; no network access.
func Evaluate(row Row, targetDate time.Time) Decision {
	if row.ProjectID() == "" {
		return Decision{Status: Status{Code: CodeSkipNoID}}
	}
	raw := row.EndDate()
	if raw == "" {
		return Decision{Status: Status{Code: CodeSkipNoEndDate}}
	}
	endDate, err := time.Parse(DateFormat, raw)
	if err != nil {
		return Decision{Status: Status{Code: CodeSkipBadDate}}
	}
	if endDate.Before(truncateToDay(targetDate)) {
		return Decision{Status: Status{Code: CodeSkipNotInWindow}}
	}
	return Decision{Fetch: true}
}

// ShouldFetch reports whether a row needs a network fetch at all.
func ShouldFetch(row Row, targetDate time.Time) bool {
	return Evaluate(row, targetDate).Fetch
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
