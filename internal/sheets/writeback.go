package sheets

import (
	"fmt"
	"sort"

	"github.com/machiya/campsync/internal/report"
)

// Columns maps metric fields to their write-back column letters, e.g.
// amount -> N, backers -> P, sessions -> X.
type Columns map[report.Field]string

// ReadRange builds the A1 range covering the campaign columns for the given
// row span, e.g. "新machi-ya!E2:J50".
func ReadRange(sheetName string, startRow, endRow int) string {
	return fmt.Sprintf("%s!E%d:J%d", sheetName, startRow, endRow)
}

// CellRef builds a single-cell A1 reference.
func CellRef(sheetName, column string, row int) string {
	return fmt.Sprintf("%s!%s%d", sheetName, column, row)
}

// PlanWriteback turns harvested results into pending cell updates. Only rows
// with status ok produce writes; everything else is skipped, so a failed row
// never overwrites existing sheet values. Updates come out in row order,
// with a row's fields in stable column order.
func PlanWriteback(results []report.RowResult, sheetName string, columns Columns) []CellUpdate {
	fields := make([]report.Field, 0, len(columns))
	for f := range columns {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return columns[fields[i]] < columns[fields[j]] })

	var updates []CellUpdate
	for _, res := range results {
		if !res.Status.OK() {
			continue
		}
		for _, f := range fields {
			updates = append(updates, CellUpdate{
				Range: CellRef(sheetName, columns[f], res.RowIndex),
				Value: res.Metric(f),
			})
		}
	}
	return updates
}

// Chunk splits updates into slices of at most size cells. A non-positive
// size yields a single chunk.
func Chunk(updates []CellUpdate, size int) [][]CellUpdate {
	if len(updates) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]CellUpdate{updates}
	}
	var chunks [][]CellUpdate
	for start := 0; start < len(updates); start += size {
		end := start + size
		if end > len(updates) {
			end = len(updates)
		}
		chunks = append(chunks, updates[start:end])
	}
	return chunks
}
