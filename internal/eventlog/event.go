// Package eventlog implements the per-pipeline, monotonically sequenced
// progress log that validation runs append to and dashboard clients replay.
//
// Each pipeline owns an append-only buffer with sequences starting at 1.
// Exactly one writer (that pipeline's executor) appends; many readers
// subscribe or backfill concurrently. Eviction never renumbers sequences,
// it only makes older entries unavailable for backfill.
package eventlog

import (
	"time"
)

// Level classifies the severity of a pipeline event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event types emitted by the pipeline core.
const (
	TypeRunStarted       = "run.started"
	TypeGateStarted      = "gate.started"
	TypeGateFinished     = "gate.finished"
	TypeValidatorResult  = "validator.result"
	TypeUnitStarted      = "unit.started"
	TypeUnitFinished     = "unit.finished"
	TypeRunPassed        = "run.passed"
	TypeRunFailed        = "run.failed"
	TypeRunAborted       = "run.aborted"
)

// PipelineEvent is a single timestamped, sequenced progress record for
// one pipeline.
type PipelineEvent struct {
	PipelineID string         `json:"pipelineId"`
	Sequence   uint64         `json:"sequence"`
	Type       string         `json:"type"`
	Stage      string         `json:"stage"`
	Level      Level          `json:"level"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Terminal reports whether the event ends its pipeline's lifecycle.
func (e PipelineEvent) Terminal() bool {
	switch e.Type {
	case TypeRunPassed, TypeRunFailed, TypeRunAborted:
		return true
	}
	return false
}
