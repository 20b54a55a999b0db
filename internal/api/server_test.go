package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machiya/campsync/internal/progress"
	"github.com/machiya/campsync/internal/progress/sinks"
	"github.com/machiya/campsync/internal/report"
	"github.com/machiya/campsync/internal/runs"
	"github.com/machiya/campsync/internal/sheets"
)

type stubRunService struct {
	startID     uuid.UUID
	startErr    error
	gotParams   runs.Params
	summary     runs.Summary
	statusErr   error
	results     []report.RowResult
	cancelErr   error
	cells       int
	writebackID uuid.UUID
	wbErr       error
}

func (s *stubRunService) Start(params runs.Params) (uuid.UUID, error) {
	s.gotParams = params
	return s.startID, s.startErr
}

func (s *stubRunService) Status(uuid.UUID) (runs.Summary, error) {
	return s.summary, s.statusErr
}

func (s *stubRunService) Results(uuid.UUID) ([]report.RowResult, error) {
	return s.results, nil
}

func (s *stubRunService) Cancel(uuid.UUID) error { return s.cancelErr }

func (s *stubRunService) Writeback(_ context.Context, id uuid.UUID) (int, error) {
	s.writebackID = id
	return s.cells, s.wbErr
}

func newTestServer(svc RunService) *httptest.Server {
	return httptest.NewServer(NewServer(svc, nil, prometheus.NewRegistry()).Handler())
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestStartRun(t *testing.T) {
	svc := &stubRunService{startID: uuid.New()}
	ts := newTestServer(svc)
	defer ts.Close()

	payload := `{"start_row":4,"end_row":120,"target_date":"2025/06/01","workers":3}`
	resp, err := http.Post(ts.URL+"/v1/runs", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, svc.startID.String(), body["run_id"])
	assert.Equal(t, 4, svc.gotParams.StartRow)
	assert.Equal(t, 120, svc.gotParams.EndRow)
	assert.Equal(t, 3, svc.gotParams.Workers)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), svc.gotParams.TargetDate)
}

func TestStartRunBadRequests(t *testing.T) {
	ts := newTestServer(&stubRunService{startID: uuid.New()})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/runs", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/runs", "application/json", strings.NewReader(`{"target_date":"June 1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRunStatus(t *testing.T) {
	id := uuid.New()
	svc := &stubRunService{
		summary: runs.Summary{
			Snapshot: sinks.RunSnapshot{
				RunID:    id,
				Stage:    progress.StageRunStep,
				Fraction: 0.45,
				Message:  "fetched 5/10 projects",
			},
			Counts: map[report.Code]int{report.CodeOK: 5},
		},
	}
	ts := newTestServer(svc)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/" + id.String())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "RUN_STEP", body["stage"])
	assert.Equal(t, 0.45, body["fraction"])
	assert.Equal(t, "fetched 5/10 projects", body["message"])
}

func TestGetRunIncludesRowsWhenDone(t *testing.T) {
	id := uuid.New()
	res := report.NewRowResult(4, "12345", report.FieldAmount, report.FieldBackers)
	res.Metrics[report.FieldAmount] = "50000"
	res.Metrics[report.FieldBackers] = "31"
	res.Status = report.StatusOK()
	svc := &stubRunService{
		summary: runs.Summary{
			Snapshot: sinks.RunSnapshot{
				RunID:    id,
				Stage:    progress.StageRunDone,
				Fraction: 1,
			},
		},
		results: []report.RowResult{res},
	}
	ts := newTestServer(svc)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/" + id.String())
	require.NoError(t, err)
	body := decodeBody(t, resp)

	rows, ok := body["rows"].([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.Equal(t, float64(4), row["row"])
	assert.Equal(t, "ok", row["status"])
	metricsMap := row["metrics"].(map[string]any)
	assert.Equal(t, "50000", metricsMap["amount"])
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(&stubRunService{statusErr: runs.ErrRunNotFound})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/runs/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(&stubRunService{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/runs/"+uuid.NewString()+"/cancel", "application/json", nil)
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "canceling", body["status"])
}

func TestWriteback(t *testing.T) {
	svc := &stubRunService{cells: 42}
	ts := newTestServer(svc)
	defer ts.Close()

	id := uuid.New()
	resp, err := http.Post(ts.URL+"/v1/runs/"+id.String()+"/writeback", "application/json", nil)
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(42), body["cells"])
	assert.Equal(t, id, svc.writebackID)
}

func TestWritebackErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", runs.ErrRunNotFound, http.StatusNotFound},
		{"active", runs.ErrRunActive, http.StatusConflict},
		{"auth", sheets.ErrAuthentication, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(&stubRunService{wbErr: tc.err})
			defer ts.Close()

			resp, err := http.Post(ts.URL+"/v1/runs/"+uuid.NewString()+"/writeback", "application/json", nil)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "campsync_test_total", Help: "test"})
	require.NoError(t, reg.Register(counter))
	counter.Inc()

	ts := httptest.NewServer(NewServer(&stubRunService{}, nil, reg).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "campsync_test_total")
}
