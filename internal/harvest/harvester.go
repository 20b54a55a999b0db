// Package harvest runs the filter/fetch/merge pipeline over a range of
// spreadsheet rows.
package harvest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/machiya/campsync/internal/report"
)

// MetricsSource fetches one project's metric values. Both the campfire
// scraper and the GA4 client satisfy it.
type MetricsSource interface {
	Fetch(ctx context.Context, projectID string) (map[report.Field]string, error)
}

// ProgressFunc receives fraction (0.0-1.0, monotonically non-decreasing) and
// a short operator-facing message. The final call on normal completion is
// always at 1.0.
type ProgressFunc func(fraction float64, message string)

// Progress budget split across the phases. Phase 2 completions scale into
// the span between the two marks.
const (
	progressAfterFilter = 0.2
	progressAfterFetch  = 0.9
)

// Config controls one Harvester.
type Config struct {
	// Concurrency sizes the fetch worker pool. Kept deliberately small:
	// the remote source publishes no rate contract and aggressive
	// parallelism risks being blocked. Clamped to 1..4, default 2.
	Concurrency int
	// Fields are the metric slots each row result carries.
	Fields []report.Field
}

const maxConcurrency = 4

// Harvester drives the three-phase pipeline. It holds no per-run state and
// is safe to reuse across runs; the shared throttle lives inside the source.
type Harvester struct {
	source     MetricsSource
	cfg        Config
	logger     *zap.Logger
	onProgress ProgressFunc
}

// New builds a Harvester.
func New(source MetricsSource, cfg Config, logger *zap.Logger, onProgress ProgressFunc) *Harvester {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Concurrency > maxConcurrency {
		cfg.Concurrency = maxConcurrency
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = []report.Field{report.FieldAmount, report.FieldBackers}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{
		source:     source,
		cfg:        cfg,
		logger:     logger,
		onProgress: onProgress,
	}
}

type fetchTask struct {
	rowIndex  int
	projectID string
}

// Harvest processes rows (1-based sheet positions starting at startRow).
//
// Phase 1 pre-filters every row sequentially; phase 2 fans eligible rows out
// across the worker pool; phase 3 merges and restores ascending row order.
// One row's failure never aborts the batch. On cancellation the results
// gathered so far are returned alongside the context error; in-flight
// fetches are allowed to finish, pending submissions are abandoned.
func (h *Harvester) Harvest(ctx context.Context, rows []report.Row, startRow int, targetDate time.Time) ([]report.RowResult, error) {
	results := make([]report.RowResult, 0, len(rows))

	// Phase 1: local-only eligibility, terminal results for skips.
	var worklist []fetchTask
	for i, row := range rows {
		rowIndex := startRow + i
		decision := report.Evaluate(row, targetDate)
		if decision.Fetch {
			worklist = append(worklist, fetchTask{rowIndex: rowIndex, projectID: row.ProjectID()})
			continue
		}
		res := report.NewRowResult(rowIndex, row.ProjectID(), h.cfg.Fields...)
		res.Status = decision.Status
		results = append(results, res)
	}
	h.emit(progressAfterFilter, fmt.Sprintf("pre-filter done: %d of %d rows need fetch", len(worklist), len(rows)))
	h.logger.Info("pre-filter complete",
		zap.Int("rows", len(rows)),
		zap.Int("eligible", len(worklist)),
		zap.Int("skipped", len(results)),
	)

	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("harvest canceled after pre-filter: %w", err)
	}

	// Phase 2: bounded fan-out, collected in completion order.
	fetched, fetchErr := h.runPool(ctx, worklist)
	results = append(results, fetched...)

	// Phase 3: restore sheet order; completion order is nondeterministic.
	report.SortByRow(results)
	if fetchErr != nil {
		return results, fetchErr
	}
	h.emit(1.0, fmt.Sprintf("done: %d rows processed", len(results)))
	return results, nil
}

func (h *Harvester) runPool(ctx context.Context, worklist []fetchTask) ([]report.RowResult, error) {
	if len(worklist) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("harvest canceled during fetch: %w", err)
		}
		return nil, nil
	}

	workers := h.cfg.Concurrency
	if workers > len(worklist) {
		workers = len(worklist)
	}

	tasks := make(chan fetchTask)
	out := make(chan report.RowResult)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				out <- h.fetchOne(ctx, task)
			}
		}()
	}

	// Feeder checks cancellation at every submission boundary. Tasks already
	// handed to a worker run to completion.
	go func() {
		defer close(tasks)
		for _, task := range worklist {
			select {
			case <-ctx.Done():
				return
			case tasks <- task:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	// Single collector keeps the progress fraction monotonic.
	var results []report.RowResult
	completed := 0
	for res := range out {
		results = append(results, res)
		completed++
		fraction := progressAfterFilter +
			(progressAfterFetch-progressAfterFilter)*float64(completed)/float64(len(worklist))
		h.emit(fraction, fmt.Sprintf("fetched %d/%d projects", completed, len(worklist)))
	}

	if err := ctx.Err(); err != nil {
		h.logger.Warn("harvest canceled mid-fetch",
			zap.Int("completed", completed),
			zap.Int("pending", len(worklist)-completed),
		)
		return results, fmt.Errorf("harvest canceled during fetch: %w", err)
	}
	return results, nil
}

// fetchOne converts any failure into a terminal row status. Panics are
// recovered here, at the worker boundary, so one row can never take down
// the pool.
func (h *Harvester) fetchOne(ctx context.Context, task fetchTask) (res report.RowResult) {
	res = report.NewRowResult(task.rowIndex, task.projectID, h.cfg.Fields...)
	defer func() {
		if r := recover(); r != nil {
			for f := range res.Metrics {
				res.Metrics[f] = report.Placeholder
			}
			res.Status = report.UnexpectedError(fmt.Sprint(r))
			h.logger.Error("fetch worker panic",
				zap.Int("row", task.rowIndex),
				zap.String("project_id", task.projectID),
				zap.Any("panic", r),
			)
		}
	}()

	fields, err := h.source.Fetch(ctx, task.projectID)
	if err != nil {
		res.Status = report.FetchError(err.Error())
		h.logger.Debug("fetch failed",
			zap.Int("row", task.rowIndex),
			zap.String("project_id", task.projectID),
			zap.Error(err),
		)
		return res
	}
	for f, v := range fields {
		res.Metrics[f] = v
	}
	res.Status = report.StatusOK()
	return res
}

func (h *Harvester) emit(fraction float64, message string) {
	if h.onProgress != nil {
		h.onProgress(fraction, message)
	}
}
