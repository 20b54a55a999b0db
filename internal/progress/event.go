// Package progress defines the events emitted while a harvest run executes
// and the hub that fans them out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the lifecycle milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageRunStart Stage = "RUN_START"
	StageRunStep  Stage = "RUN_STEP"
	StageRunDone  Stage = "RUN_DONE"
	StageRunError Stage = "RUN_ERROR"
)

// Event is one progress report for a harvest run.
type Event struct {
	// RunID identifies the harvest run.
	RunID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage is the lifecycle milestone.
	Stage Stage
	// Fraction is overall completion, 0.0-1.0, non-decreasing per run.
	Fraction float64
	// Message is short operator-facing text.
	Message string
	// Note carries error detail for RUN_ERROR events.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunStep, StageRunDone, StageRunError:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Fraction < 0 || e.Fraction > 1 {
		return fmt.Errorf("fraction %v out of range", e.Fraction)
	}
	return nil
}
