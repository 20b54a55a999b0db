package runs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machiya/campsync/internal/config"
	"github.com/machiya/campsync/internal/progress"
	"github.com/machiya/campsync/internal/progress/sinks"
	"github.com/machiya/campsync/internal/report"
	"github.com/machiya/campsync/internal/sheets"
)

type stubReader struct {
	rows      []report.Row
	err       error
	gotRange  string
	gotSheet  string
	callCount int
}

func (s *stubReader) ReadRows(_ context.Context, spreadsheetID, readRange string) ([]report.Row, error) {
	s.callCount++
	s.gotSheet = spreadsheetID
	s.gotRange = readRange
	return s.rows, s.err
}

type stubWriter struct {
	updates   []sheets.CellUpdate
	batchSize int
	err       error
}

func (s *stubWriter) WriteBatches(_ context.Context, _ string, updates []sheets.CellUpdate, batchSize int) error {
	s.updates = updates
	s.batchSize = batchSize
	return s.err
}

type stubSource struct {
	fields map[report.Field]string
	err    error
	block  chan struct{}
}

func (s *stubSource) Fetch(ctx context.Context, _ string) (map[report.Field]string, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[report.Field]string, len(s.fields))
	for f, v := range s.fields {
		out[f] = v
	}
	return out, nil
}

// syncEmitter feeds the memory sink directly so Status sees events without
// hub scheduling.
type syncEmitter struct {
	store *sinks.MemorySink
}

func (e *syncEmitter) Emit(evt progress.Event) {
	_ = e.store.Consume(context.Background(), evt)
}

func testConfig() config.Config {
	return config.Config{
		Sheets: config.SheetsConfig{
			SpreadsheetID: "sheet-123",
			SheetName:     "main",
			BatchSize:     100,
		},
		Harvest: config.HarvestConfig{Workers: 2, StartRow: 2},
	}
}

func sheetRow(projectID, endDate string) report.Row {
	return report.Row{projectID, "", "", "", "", endDate}
}

func newTestManager(reader RowReader, writer BatchWriter, source *stubSource) (*Manager, *sinks.MemorySink) {
	store := sinks.NewMemorySink()
	m := NewManager(
		testConfig(),
		reader,
		writer,
		source,
		[]report.Field{report.FieldAmount, report.FieldBackers},
		sheets.Columns{report.FieldAmount: "N", report.FieldBackers: "P"},
		&syncEmitter{store: store},
		store,
		nil,
	)
	return m, store
}

func waitDone(t *testing.T, m *Manager, id uuid.UUID) {
	t.Helper()
	done, err := m.Done(id)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish in time")
	}
}

func TestRunCompletesAndWritesBack(t *testing.T) {
	reader := &stubReader{rows: []report.Row{
		sheetRow("11111", "2099/01/01"),
		sheetRow("", "2099/01/01"),
	}}
	writer := &stubWriter{}
	source := &stubSource{fields: map[report.Field]string{
		report.FieldAmount:  "50000",
		report.FieldBackers: "31",
	}}
	m, _ := newTestManager(reader, writer, source)

	id, err := m.Start(Params{StartRow: 2, EndRow: 3, TargetDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	waitDone(t, m, id)

	sum, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, progress.StageRunDone, sum.Snapshot.Stage)
	assert.Equal(t, 1.0, sum.Snapshot.Fraction)
	assert.Empty(t, sum.Err)
	assert.Equal(t, 1, sum.Counts[report.CodeOK])
	assert.Equal(t, 1, sum.Counts[report.CodeSkipNoID])
	assert.Equal(t, "sheet-123", reader.gotSheet)
	assert.Equal(t, "main!E2:J3", reader.gotRange)

	cells, err := m.Writeback(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, cells)
	require.Len(t, writer.updates, 2)
	assert.Equal(t, "main!N2", writer.updates[0].Range)
	assert.Equal(t, "50000", writer.updates[0].Value)
	assert.Equal(t, "main!P2", writer.updates[1].Range)
	assert.Equal(t, 100, writer.batchSize)
}

func TestRunReadFailure(t *testing.T) {
	reader := &stubReader{err: errors.New("sheet unavailable")}
	m, _ := newTestManager(reader, &stubWriter{}, &stubSource{})

	id, err := m.Start(Params{StartRow: 2, EndRow: 10})
	require.NoError(t, err)
	waitDone(t, m, id)

	sum, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, progress.StageRunError, sum.Snapshot.Stage)
	assert.Contains(t, sum.Err, "sheet unavailable")

	cells, err := m.Writeback(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, cells)
}

func TestWritebackBeforeDone(t *testing.T) {
	reader := &stubReader{rows: []report.Row{sheetRow("22222", "2099/01/01")}}
	source := &stubSource{block: make(chan struct{})}
	m, _ := newTestManager(reader, &stubWriter{}, source)

	id, err := m.Start(Params{StartRow: 2, EndRow: 2})
	require.NoError(t, err)

	_, err = m.Writeback(context.Background(), id)
	assert.ErrorIs(t, err, ErrRunActive)

	close(source.block)
	waitDone(t, m, id)
}

func TestCancelRun(t *testing.T) {
	reader := &stubReader{rows: []report.Row{
		sheetRow("33333", "2099/01/01"),
		sheetRow("44444", "2099/01/01"),
	}}
	source := &stubSource{block: make(chan struct{})}
	m, _ := newTestManager(reader, &stubWriter{}, source)

	id, err := m.Start(Params{StartRow: 2, EndRow: 3})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(id))
	waitDone(t, m, id)

	sum, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, progress.StageRunError, sum.Snapshot.Stage)
	assert.Contains(t, sum.Err, "canceled")
}

func TestUnknownRunID(t *testing.T) {
	m, _ := newTestManager(&stubReader{}, &stubWriter{}, &stubSource{})
	id := uuid.New()

	_, err := m.Status(id)
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, m.Cancel(id), ErrRunNotFound)
	_, err = m.Writeback(context.Background(), id)
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = m.Results(id)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStartParamDefaults(t *testing.T) {
	m, _ := newTestManager(&stubReader{}, &stubWriter{}, &stubSource{})

	p, err := m.normalize(Params{EndRow: 50})
	require.NoError(t, err)
	assert.Equal(t, 2, p.StartRow)
	assert.Equal(t, 2, p.Workers)
	assert.False(t, p.TargetDate.IsZero())

	_, err = m.normalize(Params{StartRow: 10, EndRow: 5})
	assert.Error(t, err)
}

func TestMergeSources(t *testing.T) {
	primary := &stubSource{fields: map[report.Field]string{report.FieldAmount: "100"}}
	secondary := &stubSource{fields: map[report.Field]string{report.FieldSessions: "42"}}

	merged := MergeSources(primary, secondary, nil)
	fields, err := merged.Fetch(context.Background(), "55555")
	require.NoError(t, err)
	assert.Equal(t, "100", fields[report.FieldAmount])
	assert.Equal(t, "42", fields[report.FieldSessions])

	// Secondary failure costs only its fields.
	failing := MergeSources(primary, &stubSource{err: errors.New("quota")}, nil)
	fields, err = failing.Fetch(context.Background(), "55555")
	require.NoError(t, err)
	assert.Equal(t, "100", fields[report.FieldAmount])
	_, ok := fields[report.FieldSessions]
	assert.False(t, ok)

	// Primary failure fails the fetch.
	broken := MergeSources(&stubSource{err: errors.New("down")}, secondary, nil)
	_, err = broken.Fetch(context.Background(), "55555")
	assert.Error(t, err)

	// Nil secondary passes through.
	assert.Equal(t, primary, MergeSources(primary, nil, nil))
}
