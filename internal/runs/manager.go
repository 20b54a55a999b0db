// Package runs tracks harvest runs end to end: reading sheet rows, driving
// the harvest pipeline, and planning the write-back of results.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/machiya/campsync/internal/config"
	"github.com/machiya/campsync/internal/harvest"
	"github.com/machiya/campsync/internal/progress"
	"github.com/machiya/campsync/internal/progress/sinks"
	"github.com/machiya/campsync/internal/report"
	"github.com/machiya/campsync/internal/sheets"
)

// RowReader loads spreadsheet rows for a harvest run.
type RowReader interface {
	ReadRows(ctx context.Context, spreadsheetID, readRange string) ([]report.Row, error)
}

// BatchWriter pushes planned cell updates back to the spreadsheet.
type BatchWriter interface {
	WriteBatches(ctx context.Context, spreadsheetID string, updates []sheets.CellUpdate, batchSize int) error
}

// Params selects the row window and sizing for one run. Zero values fall
// back to the configured defaults.
type Params struct {
	StartRow   int
	EndRow     int
	TargetDate time.Time
	Workers    int
}

// Summary is the externally visible state of a run.
type Summary struct {
	Snapshot sinks.RunSnapshot
	Counts   map[report.Code]int
	Err      string
}

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// ErrRunActive is returned when write-back is requested before a run ends.
var ErrRunActive = errors.New("run still active")

// Manager owns the run registry. Each Start spawns a background goroutine
// that executes the harvest and reports through the progress emitter.
type Manager struct {
	cfg     config.Config
	reader  RowReader
	writer  BatchWriter
	source  harvest.MetricsSource
	fields  []report.Field
	columns sheets.Columns
	emitter progress.Emitter
	store   *sinks.MemorySink
	logger  *zap.Logger

	// observeRow, when set, sees each terminal row status once per run.
	observeRow func(status string)

	mu   sync.Mutex
	runs map[uuid.UUID]*run
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	results []report.RowResult
	err     error
}

// NewManager wires the run registry. store must be one of the emitter's
// sinks; Status reads snapshots from it.
func NewManager(
	cfg config.Config,
	reader RowReader,
	writer BatchWriter,
	source harvest.MetricsSource,
	fields []report.Field,
	columns sheets.Columns,
	emitter progress.Emitter,
	store *sinks.MemorySink,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		reader:  reader,
		writer:  writer,
		source:  source,
		fields:  fields,
		columns: columns,
		emitter: emitter,
		store:   store,
		logger:  logger,
		runs:    make(map[uuid.UUID]*run),
	}
}

// SetRowObserver registers a per-row outcome callback invoked once per row
// when a run finishes.
func (m *Manager) SetRowObserver(fn func(status string)) {
	m.observeRow = fn
}

func (m *Manager) normalize(p Params) (Params, error) {
	if p.StartRow <= 0 {
		p.StartRow = m.cfg.Harvest.StartRow
	}
	if p.EndRow <= 0 {
		p.EndRow = m.cfg.Harvest.EndRow
	}
	if p.Workers <= 0 {
		p.Workers = m.cfg.Harvest.Workers
	}
	if p.TargetDate.IsZero() {
		p.TargetDate = time.Now().UTC()
	}
	if p.EndRow < p.StartRow {
		return p, fmt.Errorf("end row %d precedes start row %d", p.EndRow, p.StartRow)
	}
	return p, nil
}

// Start registers a new run and launches it in the background.
func (m *Manager) Start(params Params) (uuid.UUID, error) {
	params, err := m.normalize(params)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.runs[id] = r
	m.mu.Unlock()

	go m.execute(ctx, id, r, params)
	return id, nil
}

func (m *Manager) execute(ctx context.Context, id uuid.UUID, r *run, params Params) {
	defer close(r.done)
	defer r.cancel()

	m.emit(id, progress.StageRunStart, 0, fmt.Sprintf("reading rows %d-%d", params.StartRow, params.EndRow), "")

	readRange := sheets.ReadRange(m.cfg.Sheets.SheetName, params.StartRow, params.EndRow)
	rows, err := m.reader.ReadRows(ctx, m.cfg.Sheets.SpreadsheetID, readRange)
	if err != nil {
		m.finish(id, r, nil, fmt.Errorf("read rows: %w", err))
		return
	}

	harvester := harvest.New(m.source, harvest.Config{
		Concurrency: params.Workers,
		Fields:      m.fields,
	}, m.logger, func(fraction float64, message string) {
		m.emit(id, progress.StageRunStep, fraction, message, "")
	})

	results, err := harvester.Harvest(ctx, rows, params.StartRow, params.TargetDate)
	m.finish(id, r, results, err)
}

func (m *Manager) finish(id uuid.UUID, r *run, results []report.RowResult, err error) {
	r.mu.Lock()
	r.results = results
	r.err = err
	r.mu.Unlock()

	if m.observeRow != nil {
		for _, res := range results {
			m.observeRow(string(res.Status.Code))
		}
	}

	if err != nil {
		fraction := 0.0
		if snap, ok := m.store.Snapshot(id); ok {
			fraction = snap.Fraction
		}
		m.emit(id, progress.StageRunError, fraction, "run failed", err.Error())
		m.logger.Error("harvest run failed", zap.String("run_id", id.String()), zap.Error(err))
		return
	}
	m.emit(id, progress.StageRunDone, 1, fmt.Sprintf("done: %d rows", len(results)), "")
	m.logger.Info("harvest run finished", zap.String("run_id", id.String()), zap.Int("rows", len(results)))
}

func (m *Manager) emit(id uuid.UUID, stage progress.Stage, fraction float64, message, note string) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(progress.Event{
		RunID:    id,
		TS:       time.Now().UTC(),
		Stage:    stage,
		Fraction: fraction,
		Message:  message,
		Note:     note,
	})
}

func (m *Manager) lookup(id uuid.UUID) (*run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	return r, ok
}

// Cancel requests cooperative cancellation of a run.
func (m *Manager) Cancel(id uuid.UUID) error {
	r, ok := m.lookup(id)
	if !ok {
		return ErrRunNotFound
	}
	r.cancel()
	return nil
}

// Done exposes the run's completion channel, mainly for tests and the CLI.
func (m *Manager) Done(id uuid.UUID) (<-chan struct{}, error) {
	r, ok := m.lookup(id)
	if !ok {
		return nil, ErrRunNotFound
	}
	return r.done, nil
}

// Status reports the run's latest progress snapshot plus result counts.
func (m *Manager) Status(id uuid.UUID) (Summary, error) {
	r, ok := m.lookup(id)
	if !ok {
		return Summary{}, ErrRunNotFound
	}

	var sum Summary
	if snap, ok := m.store.Snapshot(id); ok {
		sum.Snapshot = snap
	} else {
		sum.Snapshot = sinks.RunSnapshot{RunID: id}
	}

	r.mu.Lock()
	if len(r.results) > 0 {
		sum.Counts = make(map[report.Code]int, 4)
		for _, res := range r.results {
			sum.Counts[res.Status.Code]++
		}
	}
	if r.err != nil {
		sum.Err = r.err.Error()
	}
	r.mu.Unlock()
	return sum, nil
}

// Results returns a copy of the run's row results.
func (m *Manager) Results(id uuid.UUID) ([]report.RowResult, error) {
	r, ok := m.lookup(id)
	if !ok {
		return nil, ErrRunNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.RowResult(nil), r.results...), nil
}

// Writeback pushes the run's successful rows back to the spreadsheet and
// returns the number of planned cell updates. Rows gathered before a
// cancellation are written; failed rows never overwrite sheet values.
func (m *Manager) Writeback(ctx context.Context, id uuid.UUID) (int, error) {
	r, ok := m.lookup(id)
	if !ok {
		return 0, ErrRunNotFound
	}
	select {
	case <-r.done:
	default:
		return 0, ErrRunActive
	}

	r.mu.Lock()
	results := append([]report.RowResult(nil), r.results...)
	r.mu.Unlock()

	updates := sheets.PlanWriteback(results, m.cfg.Sheets.SheetName, m.columns)
	if len(updates) == 0 {
		return 0, nil
	}
	if err := m.writer.WriteBatches(ctx, m.cfg.Sheets.SpreadsheetID, updates, m.cfg.Sheets.BatchSize); err != nil {
		return 0, fmt.Errorf("write back run %s: %w", id, err)
	}
	m.logger.Info("write-back complete",
		zap.String("run_id", id.String()),
		zap.Int("cells", len(updates)),
	)
	return len(updates), nil
}
