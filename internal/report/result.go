// Package report defines the record type flowing through the harvest
// pipeline and the eligibility rules that decide which rows need a fetch.
package report

import (
	"fmt"
	"sort"
)

// Field names a metric slot on a RowResult.
type Field string

// Metric fields written back to the spreadsheet.
const (
	FieldAmount   Field = "amount"
	FieldBackers  Field = "backers"
	FieldSessions Field = "sessions"
)

// Placeholder fills metric slots before a fetch and after a failed one.
const Placeholder = "-"

// Code is the closed set of terminal row outcomes.
type Code string

// Supported status codes. Exactly one is assigned per row and never revised.
const (
	CodeOK              Code = "ok"
	CodeSkipNoID        Code = "skip-no-id"
	CodeSkipNoEndDate   Code = "skip-no-end-date"
	CodeSkipBadDate     Code = "skip-date-unparseable"
	CodeSkipNotInWindow Code = "skip-not-in-window"
	CodeFetchError      Code = "fetch-error"
	CodeUnexpectedError Code = "unexpected-error"
)

// Status tags a row outcome. Detail carries human-readable error context for
// the two error codes and is empty otherwise.
type Status struct {
	Code   Code
	Detail string
}

// OK reports whether the row completed with fetched metrics.
func (s Status) OK() bool { return s.Code == CodeOK }

// Skipped reports whether the row was excluded by the pre-filter.
func (s Status) Skipped() bool {
	switch s.Code {
	case CodeSkipNoID, CodeSkipNoEndDate, CodeSkipBadDate, CodeSkipNotInWindow:
		return true
	}
	return false
}

func (s Status) String() string {
	if s.Detail == "" {
		return string(s.Code)
	}
	return fmt.Sprintf("%s(%s)", s.Code, s.Detail)
}

// StatusOK is the success tag.
func StatusOK() Status { return Status{Code: CodeOK} }

// FetchError tags a row whose fetch failed; detail is the normalized cause.
func FetchError(detail string) Status {
	return Status{Code: CodeFetchError, Detail: detail}
}

// UnexpectedError tags a row whose worker failed outside the fetch path.
func UnexpectedError(detail string) Status {
	return Status{Code: CodeUnexpectedError, Detail: detail}
}

// RowResult is one row's terminal outcome. RowIndex is the 1-based sheet
// position and the stable identity used for write-back and reordering.
type RowResult struct {
	RowIndex  int
	ProjectID string
	Metrics   map[Field]string
	Status    Status
}

// NewRowResult builds a result with every metric slot set to the placeholder.
func NewRowResult(rowIndex int, projectID string, fields ...Field) RowResult {
	metrics := make(map[Field]string, len(fields))
	for _, f := range fields {
		metrics[f] = Placeholder
	}
	return RowResult{
		RowIndex:  rowIndex,
		ProjectID: projectID,
		Metrics:   metrics,
		Status:    Status{},
	}
}

// Metric returns the value for f, or the placeholder when the slot is absent.
func (r RowResult) Metric(f Field) string {
	if v, ok := r.Metrics[f]; ok && v != "" {
		return v
	}
	return Placeholder
}

// SortByRow orders results ascending by row index in place. Harvest phase 2
// completes in nondeterministic order; callers depend on sheet order.
func SortByRow(results []RowResult) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].RowIndex < results[j].RowIndex
	})
}
