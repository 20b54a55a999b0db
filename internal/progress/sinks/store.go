package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/machiya/campsync/internal/progress"
)

// RunSnapshot is the latest observed state of one run.
type RunSnapshot struct {
	RunID     uuid.UUID
	Stage     progress.Stage
	Fraction  float64
	Message   string
	Note      string
	StartedAt time.Time
	UpdatedAt time.Time
}

// Done reports whether the run reached a terminal stage.
func (s RunSnapshot) Done() bool {
	return s.Stage == progress.StageRunDone || s.Stage == progress.StageRunError
}

// MemorySink keeps the latest snapshot per run for status queries. It is
// safe for concurrent readers while the hub dispatches.
type MemorySink struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]RunSnapshot
}

// NewMemorySink builds an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{runs: make(map[uuid.UUID]RunSnapshot)}
}

// Consume folds the event into the run's snapshot. Fractions never move
// backwards even if events arrive slightly reordered.
func (s *MemorySink) Consume(_ context.Context, evt progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.runs[evt.RunID]
	if !ok {
		snap = RunSnapshot{RunID: evt.RunID, StartedAt: evt.TS}
	}
	if evt.Fraction >= snap.Fraction || evt.Stage == progress.StageRunError {
		snap.Fraction = evt.Fraction
		snap.Message = evt.Message
	}
	snap.Stage = evt.Stage
	if evt.Note != "" {
		snap.Note = evt.Note
	}
	snap.UpdatedAt = evt.TS
	s.runs[evt.RunID] = snap
	return nil
}

// Snapshot returns the run's latest state.
func (s *MemorySink) Snapshot(runID uuid.UUID) (RunSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.runs[runID]
	return snap, ok
}

// Close implements the Sink interface; it performs no action.
func (s *MemorySink) Close(context.Context) error { return nil }
