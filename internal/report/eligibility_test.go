package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(DateFormat, s)
	require.NoError(t, err)
	return d
}

func TestEvaluateNoID(t *testing.T) {
	t.Parallel()

	target := mustDate(t, "2024/06/01")
	for _, row := range []Row{
		nil,
		{},
		{""},
		{"", "x", "y", "z", "w", "2024/06/02"},
		{"   "},
	} {
		d := Evaluate(row, target)
		require.False(t, d.Fetch)
		require.Equal(t, CodeSkipNoID, d.Status.Code)
	}
}

func TestEvaluateNoEndDate(t *testing.T) {
	t.Parallel()

	d := Evaluate(Row{"12345"}, mustDate(t, "2024/06/01"))
	require.False(t, d.Fetch)
	require.Equal(t, CodeSkipNoEndDate, d.Status.Code)
}

func TestEvaluateUnparseableDate(t *testing.T) {
	t.Parallel()

	target := mustDate(t, "2024/06/01")
	for _, raw := range []string{"2024/13/45", "2024-06-01", "June 1", "20240601"} {
		d := Evaluate(Row{"12345", "", "", "", "", raw}, target)
		require.False(t, d.Fetch, "date %q", raw)
		require.Equal(t, CodeSkipBadDate, d.Status.Code, "date %q", raw)
	}
}

func TestEvaluateWindowBoundary(t *testing.T) {
	t.Parallel()

	target := mustDate(t, "2024/06/01")

	before := Evaluate(Row{"12345", "", "", "", "", "2024/05/31"}, target)
	require.False(t, before.Fetch)
	require.Equal(t, CodeSkipNotInWindow, before.Status.Code)

	onTarget := Evaluate(Row{"12345", "", "", "", "", "2024/06/01"}, target)
	require.True(t, onTarget.Fetch)

	after := Evaluate(Row{"12345", "", "", "", "", "2024/06/02"}, target)
	require.True(t, after.Fetch)
}

// Eligibility is pure; the same inputs must yield the same decision twice.
func TestEvaluateIdempotent(t *testing.T) {
	t.Parallel()

	target := mustDate(t, "2024/06/01")
	rows := []Row{
		{"12345", "", "", "", "", "2024/06/01"},
		{"", "", "", "", "", "2024/06/01"},
		{"777", "", "", "", "", "bogus"},
	}
	for _, row := range rows {
		first := Evaluate(row, target)
		second := Evaluate(row, target)
		require.Equal(t, first, second)
		require.Equal(t, first.Fetch, ShouldFetch(row, target))
	}
}

func TestRowCellRagged(t *testing.T) {
	t.Parallel()

	row := Row{"id-1", "b"}
	require.Equal(t, "id-1", row.ProjectID())
	require.Equal(t, "", row.EndDate())
	require.Equal(t, "", row.Cell(10))
	require.Equal(t, "", row.Cell(-1))
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ok", StatusOK().String())
	require.Equal(t, "fetch-error(timeout)", FetchError("timeout").String())
	require.Equal(t, "unexpected-error(boom)", UnexpectedError("boom").String())
	require.True(t, Status{Code: CodeSkipNoID}.Skipped())
	require.False(t, StatusOK().Skipped())
}

func TestNewRowResultPlaceholders(t *testing.T) {
	t.Parallel()

	r := NewRowResult(7, "12345", FieldAmount, FieldBackers)
	require.Equal(t, Placeholder, r.Metric(FieldAmount))
	require.Equal(t, Placeholder, r.Metric(FieldBackers))
	require.Equal(t, Placeholder, r.Metric(FieldSessions))
}

func TestSortByRow(t *testing.T) {
	t.Parallel()

	results := []RowResult{{RowIndex: 9}, {RowIndex: 2}, {RowIndex: 5}}
	SortByRow(results)
	require.Equal(t, []int{2, 5, 9}, []int{results[0].RowIndex, results[1].RowIndex, results[2].RowIndex})
}
