package scheduler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gated/internal/eventlog"
	"github.com/fyrsmithlabs/gated/internal/microplan"
)

// UnitStatus is the outcome of one work unit.
type UnitStatus string

const (
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
	UnitSkipped   UnitStatus = "skipped"
)

// UnitRunner executes a single work unit. Implemented by the
// agent-execution collaborator; the scheduler only orders and
// dispatches.
type UnitRunner interface {
	RunUnit(ctx context.Context, unit microplan.WorkUnit) error
}

// UnitRunnerFunc adapts a function to the UnitRunner interface.
type UnitRunnerFunc func(ctx context.Context, unit microplan.WorkUnit) error

func (f UnitRunnerFunc) RunUnit(ctx context.Context, unit microplan.WorkUnit) error {
	return f(ctx, unit)
}

// EventSink receives per-unit progress events. *eventlog.Log satisfies it.
type EventSink interface {
	Append(pipelineID string, partial eventlog.PipelineEvent) eventlog.PipelineEvent
}

// Result summarizes one document execution.
type Result struct {
	Batches  int
	Statuses map[string]UnitStatus
	Errors   map[string]error
}

// Failed reports whether any unit failed.
func (r *Result) Failed() bool {
	for _, st := range r.Statuses {
		if st == UnitFailed {
			return true
		}
	}
	return false
}

// Executor runs a microplan document batch by batch.
type Executor struct {
	runner      UnitRunner
	events      EventSink
	maxParallel int
	logger      *zap.Logger
}

// NewExecutor creates a scheduler executor. maxParallel caps concurrent
// units within one batch; zero means unbounded. events may be nil.
func NewExecutor(runner UnitRunner, events EventSink, maxParallel int, logger *zap.Logger) *Executor {
	return &Executor{
		runner:      runner,
		events:      events,
		maxParallel: maxParallel,
		logger:      logger.Named("scheduler"),
	}
}

// Execute validates the document's dependency graph, then runs batches
// sequentially with units inside a batch running concurrently.
//
// When a unit fails, every transitive dependent is marked skipped
// without starting while unrelated branches proceed. An empty unit set
// yields zero batches and returns immediately.
//
// Graph validation errors abort the whole plan before any unit starts;
// unit failures do not: the Result carries per-unit outcomes.
func (e *Executor) Execute(ctx context.Context, pipelineID string, doc *microplan.Document) (*Result, error) {
	batches, err := TopologicalBatches(doc.Units)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Batches:  len(batches),
		Statuses: make(map[string]UnitStatus, len(doc.Units)),
		Errors:   make(map[string]error),
	}
	if len(batches) == 0 {
		return res, nil
	}

	skip := make(map[string]struct{})
	var mu sync.Mutex

	var sem chan struct{}
	if e.maxParallel > 0 {
		sem = make(chan struct{}, e.maxParallel)
	}

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("execution cancelled before batch %d: %w", i, err)
		}

		var wg sync.WaitGroup
		for _, unit := range batch {
			mu.Lock()
			_, skipped := skip[unit.ID]
			if skipped {
				res.Statuses[unit.ID] = UnitSkipped
			}
			mu.Unlock()
			if skipped {
				e.emit(pipelineID, eventlog.LevelWarn, eventlog.TypeUnitFinished, unit.ID, map[string]any{
					"unit":   unit.ID,
					"status": string(UnitSkipped),
					"reason": "dependency failed",
				})
				continue
			}

			wg.Add(1)
			go func(unit microplan.WorkUnit) {
				defer wg.Done()
				if sem != nil {
					sem <- struct{}{}
					defer func() { <-sem }()
				}

				e.emit(pipelineID, eventlog.LevelInfo, eventlog.TypeUnitStarted, unit.ID, map[string]any{
					"unit": unit.ID,
					"goal": unit.Goal,
				})

				err := e.runner.RunUnit(ctx, unit)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					res.Statuses[unit.ID] = UnitFailed
					res.Errors[unit.ID] = err
					for dep := range TransitiveDependents(doc.Units, unit.ID) {
						skip[dep] = struct{}{}
					}
					e.logger.Warn("work unit failed",
						zap.String("pipeline_id", pipelineID),
						zap.String("unit", unit.ID),
						zap.Error(err))
					e.emit(pipelineID, eventlog.LevelError, eventlog.TypeUnitFinished, unit.ID, map[string]any{
						"unit":   unit.ID,
						"status": string(UnitFailed),
						"error":  err.Error(),
					})
					return
				}
				res.Statuses[unit.ID] = UnitCompleted
				e.emit(pipelineID, eventlog.LevelInfo, eventlog.TypeUnitFinished, unit.ID, map[string]any{
					"unit":   unit.ID,
					"status": string(UnitCompleted),
				})
			}(unit)
		}
		wg.Wait()
	}
	return res, nil
}

func (e *Executor) emit(pipelineID string, level eventlog.Level, typ, unit string, payload map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Append(pipelineID, eventlog.PipelineEvent{
		Type:    typ,
		Stage:   "plan",
		Level:   level,
		Payload: payload,
	})
}
