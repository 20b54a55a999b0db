// Package metrics exposes Prometheus collectors for the sync service.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the fetch-path collectors. Run lifecycle metrics live in the
// progress sinks; these cover the per-request layer underneath.
type Set struct {
	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	throttleDelay prometheus.Histogram
	sheetWrites   prometheus.Counter
	rowsTotal     *prometheus.CounterVec
}

// New registers the collectors against reg.
func New(reg prometheus.Registerer) (*Set, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Set{
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campsync_fetch_total",
			Help: "Total project page fetches, labeled by outcome.",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "campsync_fetch_duration_seconds",
			Help:    "Project page fetch latency, labeled by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		throttleDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "campsync_throttle_delay_seconds",
			Help:    "Delay imposed by the adaptive rate limiter before each fetch.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		sheetWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campsync_sheet_cells_written_total",
			Help: "Total spreadsheet cells written back.",
		}),
		rowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campsync_rows_total",
			Help: "Total processed sheet rows, labeled by terminal status.",
		}, []string{"status"}),
	}
	for _, collector := range []prometheus.Collector{
		s.fetchTotal, s.fetchDuration, s.throttleDelay, s.sheetWrites, s.rowsTotal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return s, nil
}

// FetchObserver adapts the set to the fetcher's observer hook.
func (s *Set) FetchObserver() func(outcome string, dur time.Duration) {
	return func(outcome string, dur time.Duration) {
		s.fetchTotal.WithLabelValues(outcome).Inc()
		s.fetchDuration.WithLabelValues(outcome).Observe(dur.Seconds())
	}
}

// DelayObserver adapts the set to the limiter's OnDelay hook.
func (s *Set) DelayObserver() func(d time.Duration) {
	return func(d time.Duration) {
		s.throttleDelay.Observe(d.Seconds())
	}
}

// RowObserver adapts the set to the run manager's per-row outcome hook.
func (s *Set) RowObserver() func(status string) {
	return func(status string) {
		s.rowsTotal.WithLabelValues(status).Inc()
	}
}

// AddCellsWritten counts cells pushed back to the spreadsheet.
func (s *Set) AddCellsWritten(n int) {
	if n > 0 {
		s.sheetWrites.Add(float64(n))
	}
}
